// Package checksum provides the pluggable checksum primitive the DML
// attaches to every packed node before write-back and verifies on read
// (spec.md §1 treats checksums as an external, pluggable transform;
// spec.md §7 names ChecksumMismatch as a surfaced error).
package checksum

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Tag identifies which algorithm produced a Sum, stored in the on-disk
// node prefix (spec.md §6).
type Tag uint8

const (
	TagXxHash64 Tag = iota
	TagCRC32C
)

// ErrMismatch is returned when a decoded block fails its checksum
// (spec.md §7, "ChecksumMismatch").
var ErrMismatch = errors.New("checksum: mismatch")

// Sum is a computed checksum value, fixed at 8 bytes regardless of tag
// (CRC32C is zero-padded) so the on-disk node prefix has a uniform width.
type Sum [8]byte

// Builder computes a Sum over packed bytes.
type Builder interface {
	Tag() Tag
	Sum(data []byte) Sum
	Verify(data []byte, want Sum) error
}

type xxHashBuilder struct{}

func (xxHashBuilder) Tag() Tag { return TagXxHash64 }

func (xxHashBuilder) Sum(data []byte) Sum {
	var s Sum
	binary.LittleEndian.PutUint64(s[:], xxhash.Sum64(data))
	return s
}

func (b xxHashBuilder) Verify(data []byte, want Sum) error {
	if b.Sum(data) != want {
		return ErrMismatch
	}
	return nil
}

type crc32cBuilder struct{ table *crc32.Table }

func newCRC32C() crc32cBuilder { return crc32cBuilder{table: crc32.MakeTable(crc32.Castagnoli)} }

func (crc32cBuilder) Tag() Tag { return TagCRC32C }

func (b crc32cBuilder) Sum(data []byte) Sum {
	var s Sum
	binary.LittleEndian.PutUint32(s[:4], crc32.Checksum(data, b.table))
	return s
}

func (b crc32cBuilder) Verify(data []byte, want Sum) error {
	if b.Sum(data) != want {
		return ErrMismatch
	}
	return nil
}

// ByTag returns the Builder implementing tag, defaulting to XxHash64 —
// the algorithm spec.md §4.5 names for the persistent replication cache's
// key hashing, reused here for its speed on the write-back hot path.
func ByTag(tag Tag) Builder {
	if tag == TagCRC32C {
		return newCRC32C()
	}
	return xxHashBuilder{}
}
