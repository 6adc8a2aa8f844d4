// Package objectptr defines ObjectPointer, the immutable, serializable
// descriptor of an object's on-disk extent (spec.md §3, §4.1).
package objectptr

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/checksum"
	"github.com/strataeng/strata/compression"
	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/vdev"
)

// DatasetID tags the owning dataset of an object, for reporting only
// (spec.md §3).
type DatasetID uint64

// Generation disambiguates extents reused after free: two pointers with
// identical (Offset, Size) but different Generation refer to distinct
// extents in time (spec.md §3).
type Generation uint64

// Pointer is an immutable descriptor of a serialized object on disk
// (spec.md §3, §4.1). Two pointers with identical (Offset, Size,
// Generation) refer to the same extent.
type Pointer struct {
	DecompressionTag compression.Tag
	Checksum         checksum.Sum
	ChecksumTag      checksum.Tag
	Offset           storagepool.DiskOffset
	Size             vdev.Block[uint32]
	Dataset          DatasetID
	Generation       Generation
}

// StoragePreference derives a preference straight from the offset's
// storage class, matching original_source/betree's
// ObjectPointer::correct_preference (spec.md §3: "Storage preference is
// derivable from offset.storage_class()").
func (p Pointer) StoragePreference() storagepool.StoragePreference {
	return storagepool.NewStoragePreference(p.Offset.StorageClass())
}

// SameExtent reports whether two pointers address the same physical
// extent at the same point in time.
func (p Pointer) SameExtent(o Pointer) bool {
	return p.Offset == o.Offset && p.Size == o.Size && p.Generation == o.Generation
}

// EncodedSize is the fixed width of Pointer's wire encoding:
// decompression_tag(1) | checksum_tag(1) | checksum(8) | dataset_id(8) |
// generation(8) | offset(8) | size(4).
const EncodedSize = 1 + 1 + 8 + 8 + 8 + 8 + 4

// Encode writes the fixed-width encoding described in spec.md §4.1.
func (p Pointer) Encode() []byte {
	buf := make([]byte, EncodedSize)
	i := 0
	buf[i] = byte(p.DecompressionTag)
	i++
	buf[i] = byte(p.ChecksumTag)
	i++
	copy(buf[i:i+8], p.Checksum[:])
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], uint64(p.Dataset))
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], uint64(p.Generation))
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], uint64(p.Offset))
	i += 8
	binary.LittleEndian.PutUint32(buf[i:], uint32(p.Size))
	return buf
}

// Decode parses the fixed-width encoding produced by Encode.
func Decode(buf []byte) (Pointer, error) {
	if len(buf) < EncodedSize {
		return Pointer{}, errors.Errorf("objectptr: short buffer (%d < %d)", len(buf), EncodedSize)
	}
	var p Pointer
	i := 0
	p.DecompressionTag = compression.Tag(buf[i])
	i++
	p.ChecksumTag = checksum.Tag(buf[i])
	i++
	copy(p.Checksum[:], buf[i:i+8])
	i += 8
	p.Dataset = DatasetID(binary.LittleEndian.Uint64(buf[i:]))
	i += 8
	p.Generation = Generation(binary.LittleEndian.Uint64(buf[i:]))
	i += 8
	p.Offset = storagepool.DiskOffset(binary.LittleEndian.Uint64(buf[i:]))
	i += 8
	p.Size = vdev.Block[uint32](binary.LittleEndian.Uint32(buf[i:]))
	return p, nil
}
