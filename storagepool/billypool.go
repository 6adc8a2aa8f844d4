package storagepool

import (
	"sync"

	"github.com/holiman/billy"
	"github.com/pkg/errors"
	"github.com/strataeng/strata/vdev"
)

// billyPool backs the Nvm storage class with a github.com/holiman/billy
// shelf store. billy's fixed/variable-size slot model (Put/Get/Delete of
// byte blobs addressed by an opaque id) is the closest available analog
// in the pack to the PM allocator's allocate/free/load primitive that
// spec.md §4.5 treats as external; we use it here to give the Nvm class a
// concrete, testable backend.
type billyPool struct {
	db      billy.Database
	mu      sync.Mutex
	ids     map[DiskOffset]uint64
	total   uint64
	used    uint64
	next    uint64
	kindMap StorageMap
}

// OpenBillyPool opens (or creates) a billy shelf store at dir, backing
// the Nvm class with capacity nvmBlocks.
func OpenBillyPool(dir string, nvmBlocks uint64) (Pool, error) {
	db, err := billy.Open(billy.Options{Path: dir}, billy.NewBasicSlotter(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "storagepool: open billy")
	}
	return &billyPool{
		db:      db,
		ids:     make(map[DiskOffset]uint64),
		total:   nvmBlocks,
		kindMap: DefaultStorageMap(),
	}, nil
}

const billyClass = uint8(KindNvm)

func (p *billyPool) Allocate(class uint8, size vdev.Block[uint32]) (DiskOffset, error) {
	if class != billyClass {
		return 0, errors.Errorf("storagepool: billy pool does not back class %d", class)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	need := uint64(size)
	if p.used+need > p.total {
		return 0, ErrOutOfSpace
	}
	off := NewDiskOffset(class, 0, p.next)
	p.next += need
	p.used += need
	return off, nil
}

func (p *billyPool) Free(off DiskOffset, size vdev.Block[uint32]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.ids[off]
	if !ok {
		// Never written; nothing to release in billy, just bookkeeping.
		p.used -= uint64(size)
		return nil
	}
	delete(p.ids, off)
	p.used -= uint64(size)
	return p.db.Delete(id)
}

func (p *billyPool) Read(off DiskOffset, _ vdev.Block[uint32]) ([]byte, error) {
	p.mu.Lock()
	id, ok := p.ids[off]
	p.mu.Unlock()
	if !ok {
		return nil, errors.New("storagepool: read of unknown extent")
	}
	return p.db.Get(id)
}

func (p *billyPool) Write(off DiskOffset, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.ids[off]; ok {
		if err := p.db.Delete(id); err != nil {
			return err
		}
	}
	id, err := p.db.Put(data)
	if err != nil {
		return err
	}
	p.ids[off] = id
	return nil
}

func (p *billyPool) Slice(DiskOffset, int, int) ([]byte, error) {
	return nil, errors.New("storagepool: billy-backed class is not memory-mapped")
}

func (p *billyPool) FreeSpaceTier(class uint8) (*StorageInfo, error) {
	if class != billyClass {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return &StorageInfo{
		Free:  vdev.Block[uint64](p.total - p.used),
		Total: vdev.Block[uint64](p.total),
	}, nil
}

func (p *billyPool) StorageKindMap() StorageMap { return p.kindMap }
func (p *billyPool) DefaultStorageClass() uint8 { return p.kindMap.DefaultIdx }

// Close releases the underlying billy store.
func (p *billyPool) Close() error { return p.db.Close() }
