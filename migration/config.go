package migration

import (
	"time"

	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/vdev"
)

// Tuning holds the fields shared by every migration policy (spec.md §4.6,
// §6): a startup grace period before any migration decisions are acted
// on, per-tier thresholds governing promotion/demotion, and the spacing
// between migration passes.
type Tuning struct {
	// GracePeriod is how long after startup operations are only recorded,
	// not acted on, to avoid migrating on an incomplete history.
	GracePeriod time.Duration
	// MigrationThreshold[c] is the fullness (0..1) of tier c at or above
	// which promotions into c are flagged as tight on space (the policy
	// scales them back, it does not skip them), and above which demotions
	// out of c begin when the tier below is under its own threshold.
	MigrationThreshold [storagepool.NumStorageClasses]float32
	// UpdatePeriod is the spacing between promotion/demotion passes; the
	// controller drains incoming events continuously regardless.
	UpdatePeriod time.Duration
}

// DefaultTuning matches the reference values used throughout spec.md §8's
// scenarios.
func DefaultTuning() Tuning {
	var th [storagepool.NumStorageClasses]float32
	for i := range th {
		th[i] = 0.95
	}
	return Tuning{
		GracePeriod:        300 * time.Second,
		MigrationThreshold: th,
		UpdatePeriod:       30 * time.Second,
	}
}

// Sanitize clamps every threshold into [0, 1] and fills in a zero
// UpdatePeriod with a usable default, matching the teacher's config
// package convention of a Sanitize() pass applied before use.
func (t Tuning) Sanitize() Tuning {
	out := t
	for i := range out.MigrationThreshold {
		switch {
		case out.MigrationThreshold[i] < 0:
			out.MigrationThreshold[i] = 0
		case out.MigrationThreshold[i] > 1:
			out.MigrationThreshold[i] = 1
		}
	}
	if out.UpdatePeriod <= 0 {
		out.UpdatePeriod = 30 * time.Second
	}
	return out
}

// LfuMode selects which kind of access the Lfu policy scores objects by.
type LfuMode uint8

const (
	// LfuModeObject scores based on steal/remove events for an object's
	// extent, i.e. how often it is rewritten.
	LfuModeObject LfuMode = iota
	// LfuModeNode is accepted in configuration, but the Lfu policy does
	// not read Mode: both modes score extents the same way.
	LfuModeNode
)

// LfuConfig configures the Lfu policy (spec.md §4.6): promote_size many
// blocks are migrated per pass. Candidates are ranked by access frequency
// alone; they are not grouped by size, so large and small objects
// compete for the same budget.
type LfuConfig struct {
	Tuning
	// PromoteSize is the block budget moved per promotion pass.
	PromoteSize vdev.Block[uint32]
	Mode        LfuMode
}

// DefaultLfuConfig mirrors the reference LfuConfig used in spec.md's
// examples: 1024 blocks promoted per pass.
func DefaultLfuConfig() LfuConfig {
	return LfuConfig{Tuning: DefaultTuning(), PromoteSize: 1024, Mode: LfuModeObject}
}

// RlConfig configures the reinforcement-learning policy (Vengerov 2008):
// a temperature-scaled exponential decay applied to each tracked extent's
// running score on every observed access.
type RlConfig struct {
	Tuning
	// Temperature controls how quickly scores decay toward zero between
	// accesses; higher values retain history longer.
	Temperature float64
}

// DefaultRlConfig matches the reference temperature used in spec.md's
// examples.
func DefaultRlConfig() RlConfig {
	return RlConfig{Tuning: DefaultTuning(), Temperature: 0.8}
}

// PolicyKind names which concrete Policy a PolicySpec builds (spec.md
// §4.6's PlacementPolicies enum: Noop, Lfu, ReinforcementLearning).
type PolicyKind uint8

const (
	PolicyNoop PolicyKind = iota
	PolicyLfu
	PolicyReinforcementLearning
)

// PolicySpec is the configuration sum type a Database is built with; only
// the field matching Kind is read.
type PolicySpec struct {
	Kind PolicyKind
	Lfu  LfuConfig
	RL   RlConfig
}

// NoopSpec disables automated migration entirely.
func NoopSpec() PolicySpec { return PolicySpec{Kind: PolicyNoop} }

// LfuSpec builds a PolicySpec around cfg.
func LfuSpec(cfg LfuConfig) PolicySpec { return PolicySpec{Kind: PolicyLfu, Lfu: cfg} }

// ReinforcementLearningSpec builds a PolicySpec around cfg.
func ReinforcementLearningSpec(cfg RlConfig) PolicySpec {
	return PolicySpec{Kind: PolicyReinforcementLearning, RL: cfg}
}

// Sanitize clamps the embedded Tuning of whichever policy is selected.
func (s PolicySpec) Sanitize() PolicySpec {
	out := s
	switch out.Kind {
	case PolicyLfu:
		out.Lfu.Tuning = out.Lfu.Tuning.Sanitize()
	case PolicyReinforcementLearning:
		out.RL.Tuning = out.RL.Tuning.Sanitize()
	}
	return out
}

// needsChannel reports whether this policy consumes Dml events at all,
// matching the teacher's PlacementPolicyAnatomy::needs_channel: Noop
// never subscribes.
func (s PolicySpec) needsChannel() bool { return s.Kind != PolicyNoop }
