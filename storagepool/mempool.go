package storagepool

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/strataeng/strata/vdev"
)

// memPool is an in-process reference backend used by unit tests and by
// package examples; it is not a production tier.
type memPool struct {
	mu      sync.Mutex
	kindMap StorageMap
	total   [NumStorageClasses]uint64 // blocks
	used    [NumStorageClasses]uint64
	next    [NumStorageClasses]uint64 // bump allocator, in blocks
	extents map[DiskOffset][]byte
}

// NewMemPool builds a Pool with totalBlocks capacity per class, entirely
// in process memory. Useful for unit tests of the cache/DML/tree that
// don't want a real device.
func NewMemPool(totalBlocksPerClass uint64) Pool {
	p := &memPool{
		kindMap: DefaultStorageMap(),
		extents: make(map[DiskOffset][]byte),
	}
	for i := range p.total {
		p.total[i] = totalBlocksPerClass
	}
	return p
}

func (p *memPool) Allocate(class uint8, size vdev.Block[uint32]) (DiskOffset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(class) >= NumStorageClasses {
		return 0, errors.Errorf("storagepool: invalid class %d", class)
	}
	need := uint64(size)
	if p.used[class]+need > p.total[class] {
		return 0, ErrOutOfSpace
	}
	off := NewDiskOffset(class, 0, p.next[class])
	p.next[class] += need
	p.used[class] += need
	p.extents[off] = make([]byte, uint64(size)*vdev.BlockSize)
	return off, nil
}

func (p *memPool) Free(off DiskOffset, size vdev.Block[uint32]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.extents[off]; !ok {
		return errors.New("storagepool: free of unknown extent")
	}
	delete(p.extents, off)
	class := off.StorageClass()
	p.used[class] -= uint64(size)
	return nil
}

func (p *memPool) Read(off DiskOffset, size vdev.Block[uint32]) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, ok := p.extents[off]
	if !ok {
		return nil, errors.New("storagepool: read of unknown extent")
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (p *memPool) Write(off DiskOffset, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.extents[off]
	if !ok {
		return errors.New("storagepool: write of unknown extent")
	}
	copy(existing, data)
	return nil
}

func (p *memPool) Slice(off DiskOffset, lo, hi int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, ok := p.extents[off]
	if !ok {
		return nil, errors.New("storagepool: slice of unknown extent")
	}
	if lo < 0 || hi > len(data) || lo > hi {
		return nil, errors.New("storagepool: slice out of range")
	}
	return data[lo:hi], nil
}

func (p *memPool) FreeSpaceTier(class uint8) (*StorageInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(class) >= NumStorageClasses {
		return nil, nil
	}
	return &StorageInfo{
		Free:  vdev.Block[uint64](p.total[class] - p.used[class]),
		Total: vdev.Block[uint64](p.total[class]),
	}, nil
}

func (p *memPool) StorageKindMap() StorageMap { return p.kindMap }
func (p *memPool) DefaultStorageClass() uint8 { return p.kindMap.DefaultIdx }
