package migration

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strataeng/strata/dml"
	"github.com/strataeng/strata/log"
	"github.com/strataeng/strata/metrics"
	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/vdev"
)

// pollInterval is how often the migration loop wakes to check whether
// Tuning.UpdatePeriod has elapsed (spec.md §4.6, mirroring
// original_source/betree's hardwired 1-second poll in
// PlacementPolicyAnatomy::main). Events are drained continuously by a
// separate goroutine, not at this cadence.
const pollInterval = time.Second

// ObjectMigrator is the narrow surface a Controller needs to drive an
// eager object migration; *tree.Tree satisfies it via ApplyWithInfo.
type ObjectMigrator interface {
	ApplyWithInfo(key []byte, pref storagepool.StoragePreference) error
}

// Controller owns a Policy and the background goroutine that drains Dml
// events and periodically runs promotion/demotion passes (spec.md §4.6).
// Object migration (eager, via MigrateObject) and node migration (lazy,
// via the policy hinting the Dml) are both served from here, matching
// original_source/betree's migration module doc distinguishing the two.
type Controller struct {
	policy Policy
	d      *dml.Dml
	pool   storagepool.Pool

	terminated atomic.Bool
	stopOnce   sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup

	promoteMeter *metrics.Meter
	demoteMeter  *metrics.Meter
	objectMeter  *metrics.Meter
}

// New builds a Controller for spec, wired against d's event stream and
// pool's per-tier fullness. The returned Controller is idle until Start
// is called.
func New(spec PolicySpec, d *dml.Dml, pool storagepool.Pool) *Controller {
	spec = spec.Sanitize()
	var policy Policy
	switch spec.Kind {
	case PolicyLfu:
		policy = newLfuPolicy(spec.Lfu, d)
	case PolicyReinforcementLearning:
		policy = newRlPolicy(spec.RL, d)
	default:
		policy = newNoopPolicy()
	}
	return &Controller{
		policy:       policy,
		d:            d,
		pool:         pool,
		stopCh:       make(chan struct{}),
		promoteMeter: metrics.GetOrRegisterMeter("migration/promoted_blocks"),
		demoteMeter:  metrics.GetOrRegisterMeter("migration/demoted_blocks"),
		objectMeter:  metrics.GetOrRegisterMeter("migration/objects_migrated"),
	}
}

// QueryNew, NewData, NewMeta and RecommendWriteBack forward to the active
// policy, for the Dml/tree to consult when placing new or rewritten
// nodes (spec.md §4.6 "Preference propagation").
func (c *Controller) QueryNew() storagepool.StoragePreference { return c.policy.QueryNew() }
func (c *Controller) NewData() storagepool.StoragePreference  { return c.policy.NewData() }
func (c *Controller) NewMeta() storagepool.StoragePreference  { return c.policy.NewMeta() }
func (c *Controller) RecommendWriteBack(key []byte) storagepool.StoragePreference {
	return c.policy.RecommendWriteBack(key)
}

// MigrateObject eagerly re-homes a single key on t to pref, the "object
// migration" path spec.md's migration module doc describes as usable
// independent of the automated background loop.
func (c *Controller) MigrateObject(t ObjectMigrator, key []byte, pref storagepool.StoragePreference) error {
	if err := t.ApplyWithInfo(key, pref); err != nil {
		return err
	}
	c.objectMeter.Mark(1)
	return nil
}

// Start launches the background goroutines: one draining Dml events into
// the policy's statistics, one running the grace-period/update-period
// migration loop. Safe to call once per Controller.
func (c *Controller) Start() {
	c.wg.Add(2)
	go c.eventLoop()
	go c.mainLoop()
}

// Stop signals both background goroutines to exit and waits for them.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.terminated.Store(true)
		close(c.stopCh)
	})
	c.wg.Wait()
}

// IsTerminated reports whether Stop has been called.
func (c *Controller) IsTerminated() bool { return c.terminated.Load() }

func (c *Controller) eventLoop() {
	defer c.wg.Done()
	events := c.d.Events()
	for {
		select {
		case <-c.stopCh:
			return
		case m, ok := <-events:
			if !ok {
				return
			}
			c.policy.Observe(m)
		}
	}
}

func (c *Controller) mainLoop() {
	defer c.wg.Done()
	tuning := c.policy.Tuning()

	select {
	case <-time.After(tuning.GracePeriod):
	case <-c.stopCh:
		return
	}

	lastMigrated := time.Now()
	for {
		if tuning.UpdatePeriod <= 0 || time.Since(lastMigrated) > tuning.UpdatePeriod {
			if err := c.migrate(); err != nil {
				log.Error("migration: pass failed", "err", err)
			}
			lastMigrated = time.Now()
		}
		select {
		case <-time.After(pollInterval):
		case <-c.stopCh:
			return
		}
		if c.IsTerminated() {
			return
		}
	}
}

type tierInfo struct {
	class uint8
	info  storagepool.StorageInfo
}

func (c *Controller) collectTierInfo() ([]tierInfo, error) {
	var infos []tierInfo
	for class := uint8(0); class < storagepool.NumStorageClasses; class++ {
		info, err := c.pool.FreeSpaceTier(class)
		if err != nil {
			return nil, err
		}
		if info == nil {
			continue
		}
		infos = append(infos, tierInfo{class: class, info: *info})
	}
	return infos, nil
}

// migrate runs one promotion pass followed by one demotion pass across
// every adjacent tier pair, after the two loops in original_source/betree's
// MigrationPolicy::migrate default implementation (spec.md §4.6 steps
// 2-3). Within each pass the tier pairs run concurrently; the demotion
// pass starts only once every promotion has finished.
func (c *Controller) migrate() error {
	threshold := c.policy.Tuning().MigrationThreshold

	infos, err := c.collectTierInfo()
	if err != nil {
		return err
	}
	var promote errgroup.Group
	for i := 0; i+1 < len(infos); i++ {
		high, low := infos[i], infos[i+1]
		if low.info.Total == 0 {
			continue
		}
		tightSpace := high.info.PercentFull() >= float64(threshold[high.class])
		promote.Go(func() error {
			moved, err := c.policy.Promote(low.class, tightSpace)
			if err != nil {
				return err
			}
			if moved > 0 {
				c.promoteMeter.Mark(int64(moved))
			}
			return nil
		})
	}
	if err := promote.Wait(); err != nil {
		return err
	}

	// Re-read fullness: the promotion pass above may have changed it.
	infos, err = c.collectTierInfo()
	if err != nil {
		return err
	}
	var demote errgroup.Group
	for i := 0; i+1 < len(infos); i++ {
		high, low := infos[i], infos[i+1]
		if !(high.info.PercentFull() > float64(threshold[high.class]) &&
			low.info.PercentFull() < float64(threshold[low.class])) {
			continue
		}
		desired := demotionTarget(high.info, threshold[high.class])
		if desired == 0 {
			continue
		}
		demote.Go(func() error {
			moved, err := c.policy.Demote(high.class, desired)
			if err != nil {
				return err
			}
			if moved > 0 {
				c.demoteMeter.Mark(int64(moved))
			}
			return nil
		})
	}
	return demote.Wait()
}

// demotionTarget is how many blocks must leave a tier to bring it back
// down to threshold fullness, clamped at zero (spec.md §4.6 step 3).
func demotionTarget(info storagepool.StorageInfo, threshold float32) vdev.Block[uint64] {
	capacity := float64(info.Total) * (1 - float64(threshold))
	desired := capacity - float64(info.Free)
	if desired <= 0 {
		return 0
	}
	return vdev.Block[uint64](uint64(math.Ceil(desired)))
}
