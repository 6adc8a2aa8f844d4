package storagepool

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/strataeng/strata/vdev"
)

// pebblePool backs the Ssd and Hdd storage classes with a
// github.com/cockroachdb/pebble LSM store, standing in for a
// block-addressable device (spec.md §6 treats the real device as
// external; this is a concrete, testable implementation of its
// interface). Block accounting is a bump allocator over an in-memory
// counter; the actual bytes are durable in the pebble instance.
type pebblePool struct {
	db      *pebble.DB
	mu      sync.Mutex
	total   map[uint8]uint64
	used    map[uint8]uint64
	next    map[uint8]uint64
	kindMap StorageMap
}

// OpenPebblePool opens (or creates) a pebble-backed pool at dir, with
// capacity (in blocks) for the Ssd and Hdd classes.
func OpenPebblePool(dir string, ssdBlocks, hddBlocks uint64) (Pool, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "storagepool: open pebble")
	}
	return &pebblePool{
		db:      db,
		total:   map[uint8]uint64{uint8(KindSsd): ssdBlocks, uint8(KindHdd): hddBlocks},
		used:    map[uint8]uint64{},
		next:    map[uint8]uint64{},
		kindMap: DefaultStorageMap(),
	}, nil
}

func pebbleKey(off DiskOffset) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(off))
	return b[:]
}

func (p *pebblePool) Allocate(class uint8, size vdev.Block[uint32]) (DiskOffset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total, ok := p.total[class]
	if !ok {
		return 0, errors.Errorf("storagepool: pebble pool does not back class %d", class)
	}
	need := uint64(size)
	if p.used[class]+need > total {
		return 0, ErrOutOfSpace
	}
	off := NewDiskOffset(class, 0, p.next[class])
	p.next[class] += need
	p.used[class] += need
	return off, nil
}

func (p *pebblePool) Free(off DiskOffset, size vdev.Block[uint32]) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := off.StorageClass()
	if p.used[class] < uint64(size) {
		return errors.New("storagepool: free exceeds used blocks")
	}
	p.used[class] -= uint64(size)
	return p.db.Delete(pebbleKey(off), pebble.Sync)
}

func (p *pebblePool) Read(off DiskOffset, _ vdev.Block[uint32]) ([]byte, error) {
	data, closer, err := p.db.Get(pebbleKey(off))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.New("storagepool: read of unknown extent")
		}
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, closer.Close()
}

func (p *pebblePool) Write(off DiskOffset, data []byte) error {
	return p.db.Set(pebbleKey(off), data, pebble.Sync)
}

func (p *pebblePool) Slice(DiskOffset, int, int) ([]byte, error) {
	return nil, errors.New("storagepool: pebble-backed classes are not memory-mapped")
}

func (p *pebblePool) FreeSpaceTier(class uint8) (*StorageInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total, ok := p.total[class]
	if !ok {
		return nil, nil
	}
	return &StorageInfo{
		Free:  vdev.Block[uint64](total - p.used[class]),
		Total: vdev.Block[uint64](total),
	}, nil
}

func (p *pebblePool) StorageKindMap() StorageMap { return p.kindMap }
func (p *pebblePool) DefaultStorageClass() uint8 { return p.kindMap.DefaultIdx }

// Close releases the underlying pebble instance.
func (p *pebblePool) Close() error { return p.db.Close() }
