package migration

import (
	"math"

	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/vdev"
)

// promoteDestination is the tier immediately faster than tier, or tier
// itself if it is already the fastest.
func promoteDestination(tier uint8) uint8 {
	if tier == 0 {
		return 0
	}
	return tier - 1
}

// demoteDestination is the tier immediately slower than tier, or tier
// itself if it is already the slowest.
func demoteDestination(tier uint8) uint8 {
	if int(tier) >= storagepool.NumStorageClasses-1 {
		return tier
	}
	return tier + 1
}

// capBudget narrows a uint64 block count (as reported by StorageInfo) to
// the uint32 block count extentStat and Dml.Msg track, saturating instead
// of wrapping.
func capBudget(b vdev.Block[uint64]) vdev.Block[uint32] {
	if uint64(b) > math.MaxUint32 {
		return vdev.Block[uint32](math.MaxUint32)
	}
	return vdev.Block[uint32](b)
}
