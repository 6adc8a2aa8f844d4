package storagepool

import (
	"github.com/pkg/errors"
	"github.com/strataeng/strata/vdev"
)

// Composite routes each storage class to an independently configured
// backend Pool, letting a database mix e.g. a billy-backed Nvm class with
// a pebble-backed Ssd/Hdd class, matching spec.md's "1..N storage
// classes" model where each tier may be a different physical medium.
type Composite struct {
	backends [NumStorageClasses]Pool
	kindMap  StorageMap
	def      uint8
}

// NewComposite builds a Composite pool. backends[i] handles class i;
// a nil entry means that class carries no storage.
func NewComposite(kindMap StorageMap, def uint8, backends [NumStorageClasses]Pool) *Composite {
	return &Composite{backends: backends, kindMap: kindMap, def: def}
}

func (c *Composite) backend(class uint8) (Pool, error) {
	if int(class) >= NumStorageClasses || c.backends[class] == nil {
		return nil, errors.Errorf("storagepool: no backend for class %d", class)
	}
	return c.backends[class], nil
}

func (c *Composite) Allocate(class uint8, size vdev.Block[uint32]) (DiskOffset, error) {
	b, err := c.backend(class)
	if err != nil {
		return 0, err
	}
	return b.Allocate(class, size)
}

func (c *Composite) Free(off DiskOffset, size vdev.Block[uint32]) error {
	b, err := c.backend(off.StorageClass())
	if err != nil {
		return err
	}
	return b.Free(off, size)
}

func (c *Composite) Read(off DiskOffset, size vdev.Block[uint32]) ([]byte, error) {
	b, err := c.backend(off.StorageClass())
	if err != nil {
		return nil, err
	}
	return b.Read(off, size)
}

func (c *Composite) Write(off DiskOffset, data []byte) error {
	b, err := c.backend(off.StorageClass())
	if err != nil {
		return err
	}
	return b.Write(off, data)
}

func (c *Composite) Slice(off DiskOffset, lo, hi int) ([]byte, error) {
	b, err := c.backend(off.StorageClass())
	if err != nil {
		return nil, err
	}
	return b.Slice(off, lo, hi)
}

func (c *Composite) FreeSpaceTier(class uint8) (*StorageInfo, error) {
	b, err := c.backend(class)
	if err != nil {
		return nil, nil
	}
	return b.FreeSpaceTier(class)
}

func (c *Composite) StorageKindMap() StorageMap { return c.kindMap }
func (c *Composite) DefaultStorageClass() uint8 { return c.def }
