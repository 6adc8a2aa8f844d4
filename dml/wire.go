package dml

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/checksum"
	"github.com/strataeng/strata/compression"
	"github.com/strataeng/strata/node"
)

// wireHeaderSize is the DML's own on-disk prefix preceding a packed
// node (spec.md §4.4: "The node prefix (checksum/length header written
// by the DML) precedes all of the above"):
// kind:u8 | checksum_tag:u8 | compression_tag:u8 | uncompressed_len:u32 LE | checksum:8
const wireHeaderSize = 1 + 1 + 1 + 4 + 8

// encodeObject packs n, compresses it with tr, and prefixes the DML's
// own checksum/length header.
func encodeObject(n node.Node, tr compression.Transform, sum checksum.Builder) ([]byte, error) {
	payload, err := n.Pack()
	if err != nil {
		return nil, errors.Wrap(err, "dml: pack node")
	}
	compressed, err := tr.Compress(payload)
	if err != nil {
		return nil, errors.Wrap(err, "dml: compress node")
	}
	sumVal := sum.Sum(compressed)

	out := make([]byte, 0, wireHeaderSize+len(compressed))
	out = append(out, byte(n.Kind()), byte(sum.Tag()), byte(tr.Tag()))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, sumVal[:]...)
	out = append(out, compressed...)
	return out, nil
}

// decodeObject reverses encodeObject, verifying the checksum and
// instantiating the concrete node variant named by the kind byte.
func decodeObject(raw []byte) (node.Node, error) {
	if len(raw) < wireHeaderSize {
		return nil, errors.Wrap(ErrSerialization, "dml: object shorter than wire header")
	}
	kind := node.Kind(raw[0])
	sumBuilder := checksum.ByTag(checksum.Tag(raw[1]))
	transform := compression.ByTag(compression.Tag(raw[2]))
	_ = binary.LittleEndian.Uint32(raw[3:7]) // uncompressed length, informational only
	var sum checksum.Sum
	copy(sum[:], raw[7:15])
	compressed := raw[wireHeaderSize:]

	if err := sumBuilder.Verify(compressed, sum); err != nil {
		return nil, errors.Wrap(ErrChecksumMismatch, err.Error())
	}
	payload, err := transform.Decompress(compressed)
	if err != nil {
		return nil, errors.Wrap(ErrSerialization, err.Error())
	}

	switch kind {
	case node.KindLeaf:
		return node.UnpackLeaf(payload)
	case node.KindCopylessLeaf:
		return node.NewCopylessLeaf(payload)
	case node.KindNVMLeaf:
		return node.NewNVMLeaf(payload)
	case node.KindInternal:
		return node.UnpackInternal(payload)
	default:
		return nil, errors.Wrapf(ErrSerialization, "dml: unknown node kind %d", kind)
	}
}
