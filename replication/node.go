package replication

import "encoding/binary"

// nodeSize is the fixed PLRU node width spec.md §4.5 mandates: "a
// doubly-linked list of fixed-size (256-byte) nodes". Grounded on
// original_source/betree/src/replication/lru.rs's PlruNode<T>, #[repr(C)]
// and asserted to fit PLRU_NODE_SIZE == 256 with T occupying at most 208
// bytes.
const nodeSize = 256

// maxBaggageSize is the same 208-byte ceiling lru.rs enforces on its
// generic T via SIZE_CONSTRAINT.
const maxBaggageSize = 208

const (
	nodeOffFwd         = 0
	nodeOffBack        = 4
	nodeOffInUse       = 8
	nodeOffHash        = 9
	nodeOffDataOffset  = 17
	nodeOffDataLen     = 25
	nodeOffBaggageLen  = 29
	nodeOffBaggageData = 31
)

// noneNode is the sentinel "no neighbor" value for Fwd/Back, mirroring
// lru.rs's Option<PalPtr>::None.
const noneNode uint32 = 0xFFFFFFFF

// plruNode is the in-memory decoded form of one 256-byte on-disk node:
// fwd/back links (toward the MRU and LRU ends respectively), the entry's
// content hash and size, and an opaque baggage payload the caller
// attaches (e.g. a write-back key) — spec.md §4.5's "PLRU = doubly linked
// list of fixed-size (256-byte) nodes {fwd, back, size, hash, baggage:
// T}".
type plruNode struct {
	fwd, back  uint32
	inUse      bool
	hash       uint64
	dataOffset uint64
	dataLen    uint32
	baggage    []byte
}

func decodeNode(buf []byte) plruNode {
	var n plruNode
	n.fwd = binary.LittleEndian.Uint32(buf[nodeOffFwd:])
	n.back = binary.LittleEndian.Uint32(buf[nodeOffBack:])
	n.inUse = buf[nodeOffInUse] != 0
	n.hash = binary.LittleEndian.Uint64(buf[nodeOffHash:])
	n.dataOffset = binary.LittleEndian.Uint64(buf[nodeOffDataOffset:])
	n.dataLen = binary.LittleEndian.Uint32(buf[nodeOffDataLen:])
	blen := binary.LittleEndian.Uint16(buf[nodeOffBaggageLen:])
	n.baggage = append([]byte(nil), buf[nodeOffBaggageData:nodeOffBaggageData+int(blen)]...)
	return n
}

func encodeNode(buf []byte, n plruNode) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[nodeOffFwd:], n.fwd)
	binary.LittleEndian.PutUint32(buf[nodeOffBack:], n.back)
	if n.inUse {
		buf[nodeOffInUse] = 1
	}
	binary.LittleEndian.PutUint64(buf[nodeOffHash:], n.hash)
	binary.LittleEndian.PutUint64(buf[nodeOffDataOffset:], n.dataOffset)
	binary.LittleEndian.PutUint32(buf[nodeOffDataLen:], n.dataLen)
	binary.LittleEndian.PutUint16(buf[nodeOffBaggageLen:], uint16(len(n.baggage)))
	copy(buf[nodeOffBaggageData:], n.baggage)
}
