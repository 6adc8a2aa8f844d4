// Package migration implements the background migration controller
// (spec.md §4.6): it drains the Dml's copy-on-write event stream,
// maintains per-extent access statistics, and periodically compares
// storage-class fullness against configured thresholds to promote or
// demote data between tiers. Node migration always stays lazy — a hint
// recorded on the Dml, consulted the next time that extent is reused —
// while object migration (ApplyWithInfo) can be driven eagerly by a
// caller.
//
// Grounded on original_source/betree's migration::mod (PlacementPolicy
// trait, PlacementPolicyAnatomy's grace-period/update-period main loop)
// and migration::placement (the Noop policy).
package migration

import (
	"github.com/strataeng/strata/dml"
	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/vdev"
)

// Policy is the interface every migration strategy implements (spec.md
// §4.6). The controller calls Observe from its event goroutine while its
// migration loop calls Promote and Demote, one call per tier pair running
// concurrently, so implementations must be safe for concurrent use. No
// method blocks on I/O other than the Dml calls it itself chooses to make.
type Policy interface {
	// Observe folds one Dml copy-on-write event into the policy's
	// internal statistics.
	Observe(m dml.Msg)

	// Promote moves up to the policy's own per-pass budget of data out of
	// tier (the slower of an adjacent pair) into the tier immediately
	// above it. tightSpace reports that the destination tier is already
	// at or above its threshold, which a policy may use to scale back how
	// aggressively it promotes. Returns the number of blocks hinted.
	Promote(tier uint8, tightSpace bool) (vdev.Block[uint64], error)

	// Demote moves at least desired blocks out of tier (the faster of an
	// adjacent pair) down into a lower tier. Returns the number of blocks
	// actually hinted, which may be less than desired if too few cold
	// candidates are known.
	Demote(tier uint8, desired vdev.Block[uint64]) (vdev.Block[uint64], error)

	// QueryNew recommends a preference for a brand new node with no prior
	// history (spec.md §4.6).
	QueryNew() storagepool.StoragePreference
	// NewData is QueryNew specialized for leaf (data) nodes.
	NewData() storagepool.StoragePreference
	// NewMeta is QueryNew specialized for internal (metadata) nodes.
	NewMeta() storagepool.StoragePreference

	// RecommendWriteBack offers a preference for an object about to be
	// written back, keyed by its tree key. Must never block.
	RecommendWriteBack(key []byte) storagepool.StoragePreference

	// Tuning returns the policy's grace period / threshold / update
	// period configuration, used by the controller's main loop.
	Tuning() Tuning
}

// noopPolicy always recommends no preference and performs no migration,
// matching original_source/betree's `impl PlacementPolicy for ()`.
type noopPolicy struct {
	tuning Tuning
}

func newNoopPolicy() *noopPolicy {
	return &noopPolicy{tuning: DefaultTuning()}
}

func (p *noopPolicy) Observe(dml.Msg) {}

func (p *noopPolicy) Promote(uint8, bool) (vdev.Block[uint64], error) { return 0, nil }
func (p *noopPolicy) Demote(uint8, vdev.Block[uint64]) (vdev.Block[uint64], error) {
	return 0, nil
}

func (p *noopPolicy) QueryNew() storagepool.StoragePreference { return storagepool.NoPreference }
func (p *noopPolicy) NewData() storagepool.StoragePreference  { return storagepool.NoPreference }
func (p *noopPolicy) NewMeta() storagepool.StoragePreference  { return storagepool.NoPreference }
func (p *noopPolicy) RecommendWriteBack([]byte) storagepool.StoragePreference {
	return storagepool.NoPreference
}
func (p *noopPolicy) Tuning() Tuning { return p.tuning }
