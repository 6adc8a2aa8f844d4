package storagepool

import (
	"github.com/pkg/errors"
	"github.com/strataeng/strata/vdev"
)

// ErrOutOfSpace is returned when no tier can satisfy an allocation
// (spec.md §7, "OutOfSpace").
var ErrOutOfSpace = errors.New("storagepool: out of space")

// Pool is the external storage pool this core consumes: block allocation,
// read/write, and tier enumeration in fixed-size blocks (spec.md §6).
// The pool itself — segment allocation, checksumming of the raw device,
// multi-disk striping — is out of this core's scope; only this interface
// is specified.
type Pool interface {
	// Allocate reserves size contiguous blocks in class and returns their
	// offset. Returns ErrOutOfSpace if class has no room.
	Allocate(class uint8, size vdev.Block[uint32]) (DiskOffset, error)
	// Free releases a previously allocated extent.
	Free(off DiskOffset, size vdev.Block[uint32]) error
	// Read returns the bytes stored at off for size blocks.
	Read(off DiskOffset, size vdev.Block[uint32]) ([]byte, error)
	// Write stores data at off; len(data) must be a whole number of blocks.
	Write(off DiskOffset, data []byte) error
	// Slice returns a zero-copy view of [lo, hi) within the extent at off.
	// Only memory-mapped tiers support this; others return an error.
	Slice(off DiskOffset, lo, hi int) ([]byte, error)
	// FreeSpaceTier reports the fullness of a class, or (nil, nil) if the
	// class carries no storage.
	FreeSpaceTier(class uint8) (*StorageInfo, error)
	// StorageKindMap returns the pool's class-to-kind mapping.
	StorageKindMap() StorageMap
	// DefaultStorageClass is used whenever a StoragePreference is None.
	DefaultStorageClass() uint8
}

// AllocateWithFallback allocates size blocks on preferred, falling back
// to the next class (by increasing index, i.e. "adjacent tiers") on
// ErrOutOfSpace. This resolves Open Question 1 of spec.md §9: write-back
// is permitted to allocate on a tier other than the reference's preferred
// tier when the preferred tier is full. Returns the offset and the class
// it actually landed on.
func AllocateWithFallback(p Pool, preferred uint8, size vdev.Block[uint32]) (DiskOffset, uint8, error) {
	try := func(class uint8) (DiskOffset, error) { return p.Allocate(class, size) }

	if off, err := try(preferred); err == nil {
		return off, preferred, nil
	} else if !errors.Is(err, ErrOutOfSpace) {
		return 0, 0, err
	}

	for class := uint8(0); class < NumStorageClasses; class++ {
		if class == preferred {
			continue
		}
		off, err := try(class)
		if err == nil {
			return off, class, nil
		}
		if !errors.Is(err, ErrOutOfSpace) {
			return 0, 0, err
		}
	}
	return 0, 0, ErrOutOfSpace
}
