package migration

import (
	"github.com/strataeng/strata/dml"
	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/vdev"
)

// lfuPolicy promotes and demotes the most/least frequently freed extents
// in a tier, up to the configured PromoteSize budget per pass (spec.md
// §4.6). Candidates are ranked by frequency alone, not grouped by size. Grounded on original_source/betree's migration::lfu,
// whose documentation (carried into mod.rs's module doc) describes it as
// optimistically promoting data as soon as space is available.
type lfuPolicy struct {
	cfg     LfuConfig
	tracker *tracker
	d       *dml.Dml
}

func newLfuPolicy(cfg LfuConfig, d *dml.Dml) *lfuPolicy {
	cfg.Tuning = cfg.Tuning.Sanitize()
	if cfg.PromoteSize == 0 {
		cfg.PromoteSize = DefaultLfuConfig().PromoteSize
	}
	return &lfuPolicy{cfg: cfg, tracker: newTracker(), d: d}
}

func (p *lfuPolicy) Observe(m dml.Msg) { p.tracker.observeLfu(m) }

// Promote hints the hottest known extents in tier toward the next faster
// tier. tightSpace halves the per-pass budget, since the destination is
// already close to its threshold.
func (p *lfuPolicy) Promote(tier uint8, tightSpace bool) (vdev.Block[uint64], error) {
	budget := p.cfg.PromoteSize
	if tightSpace {
		budget /= 2
		if budget == 0 {
			budget = 1
		}
	}
	dest := promoteDestination(tier)
	pref := storagepool.NewStoragePreference(dest)

	cand := p.tracker.takeTop(tier, budget, freqRank)
	var moved vdev.Block[uint64]
	for _, e := range cand {
		p.d.SetHint(e.offset, pref)
		moved += vdev.Block[uint64](e.size)
	}
	return moved, nil
}

// Demote hints the coldest known extents in tier toward the next slower
// tier, stopping once desired blocks have been covered.
func (p *lfuPolicy) Demote(tier uint8, desired vdev.Block[uint64]) (vdev.Block[uint64], error) {
	dest := demoteDestination(tier)
	pref := storagepool.NewStoragePreference(dest)

	cand := p.tracker.takeBottom(tier, capBudget(desired), freqRank)
	var moved vdev.Block[uint64]
	for _, e := range cand {
		p.d.SetHint(e.offset, pref)
		moved += vdev.Block[uint64](e.size)
	}
	return moved, nil
}

func (p *lfuPolicy) QueryNew() storagepool.StoragePreference { return storagepool.NoPreference }
func (p *lfuPolicy) NewData() storagepool.StoragePreference  { return p.QueryNew() }
func (p *lfuPolicy) NewMeta() storagepool.StoragePreference  { return p.QueryNew() }

func (p *lfuPolicy) RecommendWriteBack([]byte) storagepool.StoragePreference {
	return storagepool.NoPreference
}

func (p *lfuPolicy) Tuning() Tuning { return p.cfg.Tuning }
