// Package compression provides the pluggable compression transforms the
// DML applies to packed node bytes before write-back (spec.md §1 treats
// compression as an external, pluggable primitive; this package supplies
// the concrete tags named in spec.md §4.1's ObjectPointer encoding).
package compression

import (
	"github.com/DataDog/zstd"
	"github.com/golang/snappy"
)

// Tag identifies which transform produced a block of bytes, stored
// verbatim in every ObjectPointer and on-disk node prefix (spec.md §4.1,
// §6).
type Tag uint8

const (
	TagNone Tag = iota
	TagSnappy
	TagZstd
)

// Transform compresses and decompresses byte slices for one tag.
type Transform interface {
	Tag() Tag
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

type noneTransform struct{}

func (noneTransform) Tag() Tag                                { return TagNone }
func (noneTransform) Compress(src []byte) ([]byte, error)     { return src, nil }
func (noneTransform) Decompress(src []byte) ([]byte, error)   { return src, nil }

type snappyTransform struct{}

func (snappyTransform) Tag() Tag { return TagSnappy }

func (snappyTransform) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyTransform) Decompress(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

type zstdTransform struct{ level int }

func (zstdTransform) Tag() Tag { return TagZstd }

func (t zstdTransform) Compress(src []byte) ([]byte, error) {
	return zstd.CompressLevel(nil, src, t.level)
}

func (zstdTransform) Decompress(src []byte) ([]byte, error) {
	return zstd.Decompress(nil, src)
}

// ByTag returns the Transform implementing tag. TagZstd uses zstd level
// 3; TagNone and any unrecognized tag yield the pass-through transform.
func ByTag(tag Tag) Transform {
	switch tag {
	case TagSnappy:
		return snappyTransform{}
	case TagZstd:
		return zstdTransform{level: 3}
	default:
		return noneTransform{}
	}
}
