package migration

import (
	"sort"
	"sync"

	"github.com/strataeng/strata/dml"
	"github.com/strataeng/strata/storagepool"
	"github.com/strataeng/strata/vdev"
)

// extentStat is the per-offset bookkeeping both shipped policies build
// their promote/demote decisions on. Offsets are reused by the pool's
// free list, so a hint set on an offset here applies to whichever object
// is next allocated there (dml.Dml.SetHint, consulted in WriteBack).
type extentStat struct {
	offset storagepool.DiskOffset
	size   vdev.Block[uint32]
	class  uint8
	freq   uint64  // Lfu: running access count
	score  float64 // reinforcement-learning: temperature-decayed score
}

// tracker accumulates extentStats from the Dml's copy-on-write event
// stream (spec.md §4.3, §4.6): every freed extent is a signal about which
// region of which tier is "hot". Node migration stays lazy — only a hint
// is recorded, never a synchronous relocation (spec.md §4.6).
type tracker struct {
	mu      sync.Mutex
	byClass [storagepool.NumStorageClasses]map[storagepool.DiskOffset]*extentStat
}

func newTracker() *tracker {
	t := &tracker{}
	for i := range t.byClass {
		t.byClass[i] = make(map[storagepool.DiskOffset]*extentStat)
	}
	return t
}

// observeLfu folds one Dml event into the frequency-counted view.
func (t *tracker) observeLfu(m dml.Msg) {
	if m.Outcome != dml.OutcomeRemoved {
		return
	}
	class := m.Offset.StorageClass()
	if int(class) >= storagepool.NumStorageClasses {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byClass[class][m.Offset]
	if !ok {
		e = &extentStat{offset: m.Offset, size: m.Size, class: class}
		t.byClass[class][m.Offset] = e
	}
	e.freq++
}

// observeRl folds one Dml event into the temperature-decayed view
// (Vengerov 2008): every access decays the existing score toward zero by
// temperature before adding the new observation, so recent activity
// outweighs old.
func (t *tracker) observeRl(m dml.Msg, temperature float64) {
	if m.Outcome != dml.OutcomeRemoved {
		return
	}
	class := m.Offset.StorageClass()
	if int(class) >= storagepool.NumStorageClasses {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byClass[class][m.Offset]
	if !ok {
		e = &extentStat{offset: m.Offset, size: m.Size, class: class}
		t.byClass[class][m.Offset] = e
	}
	e.score = e.score*temperature + 1
}

// takeTop removes and returns up to budget blocks' worth of the
// highest-ranked entries in class, ranked by rank (larger is hotter).
func (t *tracker) takeTop(class uint8, budget vdev.Block[uint32], rank func(*extentStat) float64) []*extentStat {
	return t.take(class, budget, rank, true)
}

// takeBottom is takeTop's inverse, for picking demotion candidates (the
// coldest entries in a tier).
func (t *tracker) takeBottom(class uint8, budget vdev.Block[uint32], rank func(*extentStat) float64) []*extentStat {
	return t.take(class, budget, rank, false)
}

func (t *tracker) take(class uint8, budget vdev.Block[uint32], rank func(*extentStat) float64, highestFirst bool) []*extentStat {
	if int(class) >= storagepool.NumStorageClasses {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.byClass[class]
	all := make([]*extentStat, 0, len(bucket))
	for _, e := range bucket {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if highestFirst {
			return rank(all[i]) > rank(all[j])
		}
		return rank(all[i]) < rank(all[j])
	})

	var taken []*extentStat
	var used vdev.Block[uint32]
	for _, e := range all {
		if used >= budget {
			break
		}
		taken = append(taken, e)
		used += e.size
		delete(bucket, e.offset)
	}
	return taken
}

func freqRank(e *extentStat) float64 { return float64(e.freq) }
func scoreRank(e *extentStat) float64 { return e.score }
