package migration

import (
	"github.com/strataeng/strata/dml"
	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/vdev"
)

// rlPolicy is a temperature-scaled reinforcement-learning placement
// policy (Vengerov 2008): every observed extent access decays its
// existing score by Temperature before adding the new observation, so
// score behaves like an exponentially-weighted access temperature rather
// than a raw count. Promote/demote candidates are picked purely by score.
// A promotion pass moves at most defaultRlBudget blocks (half that when
// tightSpace is set); a demotion pass moves what the caller asks for.
type rlPolicy struct {
	cfg     RlConfig
	tracker *tracker
	d       *dml.Dml
}

func newRlPolicy(cfg RlConfig, d *dml.Dml) *rlPolicy {
	cfg.Tuning = cfg.Tuning.Sanitize()
	if cfg.Temperature <= 0 || cfg.Temperature >= 1 {
		cfg.Temperature = DefaultRlConfig().Temperature
	}
	return &rlPolicy{cfg: cfg, tracker: newTracker(), d: d}
}

func (p *rlPolicy) Observe(m dml.Msg) { p.tracker.observeRl(m, p.cfg.Temperature) }

func (p *rlPolicy) Promote(tier uint8, tightSpace bool) (vdev.Block[uint64], error) {
	budget := defaultRlBudget
	if tightSpace {
		budget /= 2
		if budget == 0 {
			budget = 1
		}
	}
	dest := promoteDestination(tier)
	pref := storagepool.NewStoragePreference(dest)

	cand := p.tracker.takeTop(tier, budget, scoreRank)
	var moved vdev.Block[uint64]
	for _, e := range cand {
		p.d.SetHint(e.offset, pref)
		moved += vdev.Block[uint64](e.size)
	}
	return moved, nil
}

func (p *rlPolicy) Demote(tier uint8, desired vdev.Block[uint64]) (vdev.Block[uint64], error) {
	dest := demoteDestination(tier)
	pref := storagepool.NewStoragePreference(dest)

	cand := p.tracker.takeBottom(tier, capBudget(desired), scoreRank)
	var moved vdev.Block[uint64]
	for _, e := range cand {
		p.d.SetHint(e.offset, pref)
		moved += vdev.Block[uint64](e.size)
	}
	return moved, nil
}

// defaultRlBudget bounds how many blocks a single promotion pass moves,
// since unlike Lfu this policy has no PromoteSize knob of its own.
const defaultRlBudget vdev.Block[uint32] = 1024

func (p *rlPolicy) QueryNew() storagepool.StoragePreference { return storagepool.NoPreference }
func (p *rlPolicy) NewData() storagepool.StoragePreference  { return p.QueryNew() }
func (p *rlPolicy) NewMeta() storagepool.StoragePreference  { return p.QueryNew() }

func (p *rlPolicy) RecommendWriteBack([]byte) storagepool.StoragePreference {
	return storagepool.NoPreference
}

func (p *rlPolicy) Tuning() Tuning { return p.cfg.Tuning }
