// Package cache implements the two-tier ResultCache: a ConsolidationCache
// (memoised aggregated values) and a RuleCache (memoised rule results),
// both bounded by a shared process-wide byte budget and invalidated on
// writes.
package cache

import (
	"math"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// entrySize approximates the per-entry overhead (key string header + row)
// used only to account against the shared byte budget; it need not be
// exact, just monotonic with occupancy.
const entrySize = 64

// Shrinkable is registered with a Budget so it can be asked to give back
// half its footprint when the process-wide budget is exceeded.
type Shrinkable interface {
	ShrinkHalf()
	Bytes() int64
}

// Budget is the process-wide cache byte budget shared across cubes.
// Updates happen under the owning cube's lane plus this lock.
type Budget struct {
	mu                 sync.Mutex
	maxConsolidation   int64
	maxRule            int64
	consolidationUsers []Shrinkable
	ruleUsers          []Shrinkable

	splashSem   *semaphore.Weighted
	splashMaxMB int64
}

func NewBudget(maxConsolidationBytes, maxRuleBytes int64) *Budget {
	return &Budget{maxConsolidation: maxConsolidationBytes, maxRule: maxRuleBytes}
}

// SplashLimiter returns the process-wide semaphore bounding the total
// estimated megabytes every cube's concurrent splash may hold at once,
// lazily sized to maxMB on first use. Every cube sharing this Budget
// shares the same limiter, so a splash in one cube genuinely contends
// with a concurrent splash in another. maxMB <= 0 disables limiting.
func (b *Budget) SplashLimiter(maxMB int64) *semaphore.Weighted {
	if maxMB <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.splashSem == nil || b.splashMaxMB != maxMB {
		b.splashSem = semaphore.NewWeighted(maxMB)
		b.splashMaxMB = maxMB
	}
	return b.splashSem
}

func (b *Budget) registerConsolidation(c Shrinkable) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consolidationUsers = append(b.consolidationUsers, c)
}

func (b *Budget) registerRule(c Shrinkable) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ruleUsers = append(b.ruleUsers, c)
}

// accountConsolidation is called after every admission; if the shared
// total now exceeds the budget, every registered cube's consolidation
// cache is halved once.
func (b *Budget) accountConsolidation() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, c := range b.consolidationUsers {
		total += c.Bytes()
	}
	if total <= b.maxConsolidation {
		return
	}
	for _, c := range b.consolidationUsers {
		c.ShrinkHalf()
	}
}

func (b *Budget) accountRule() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, c := range b.ruleUsers {
		total += c.Bytes()
	}
	if total <= b.maxRule {
		return
	}
	for _, c := range b.ruleUsers {
		c.ShrinkHalf()
	}
}

// ConsolidationCache memoises aggregated consolidated values for one cube.
// A NaN value encodes "known empty".
type ConsolidationCache struct {
	mu              sync.RWMutex
	entries         map[string]float64
	barrier         int
	clearBarrier    int
	clearCellsLimit int
	invalidateCount int
	budget          *Budget
	sg              singleflight.Group
}

func NewConsolidationCache(barrier, clearBarrier, clearCellsLimit int, budget *Budget) *ConsolidationCache {
	c := &ConsolidationCache{
		entries:         make(map[string]float64),
		barrier:         barrier,
		clearBarrier:    clearBarrier,
		clearCellsLimit: clearCellsLimit,
		budget:          budget,
	}
	budget.registerConsolidation(c)
	return c
}

// Bytes implements Shrinkable.
func (c *ConsolidationCache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries)) * entrySize
}

// ShrinkHalf implements Shrinkable: halves the backing map by dropping
// every other entry (map iteration order is already randomized by Go,
// which gives an effectively random half — matching "drop half the
// entries" without needing real LRU bookkeeping).
func (c *ConsolidationCache) ShrinkHalf() {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := len(c.entries) / 2
	for k := range c.entries {
		if len(c.entries) <= target {
			break
		}
		delete(c.entries, k)
	}
}

// Get returns a cached value. found=false means "not cached"; a found
// entry with IsNaN(value) means "known empty".
func (c *ConsolidationCache) Get(key string) (value float64, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Fill returns a cached value if present, else computes it via compute
// (deduplicating concurrent identical fills with singleflight) and admits
// it per the cache_barrier policy keyed on baseCellCount.
func (c *ConsolidationCache) Fill(key string, baseCellCount int64, compute func() (float64, error)) (float64, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.sg.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		val, err := compute()
		if err != nil {
			return 0.0, err
		}
		if baseCellCount > int64(c.barrier) {
			c.put(key, val)
		}
		return val, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (c *ConsolidationCache) put(key string, value float64) {
	c.mu.Lock()
	c.entries[key] = value
	c.mu.Unlock()
	c.budget.accountConsolidation()
}

// PutEmpty records "known empty" for a consolidated path that had zero
// base contribution, so a repeat read short-circuits without recomputing.
func (c *ConsolidationCache) PutEmpty(key string, baseCellCount int64) {
	if baseCellCount > int64(c.barrier) {
		c.put(key, math.NaN())
	}
}

// Invalidate implements the write-invalidation classification:
// touch_count==1 removes one entry, touch_count<clearCellsLimit removes
// exactly the supplied area keys, otherwise
// (or once invalidateCount crosses clearBarrier) the whole cache clears.
func (c *ConsolidationCache) Invalidate(touchedKeys []string, touchCount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case touchCount == 1:
		if len(touchedKeys) == 1 {
			delete(c.entries, touchedKeys[0])
		}
		c.invalidateCount++
	case touchCount < int64(c.clearCellsLimit):
		for _, k := range touchedKeys {
			delete(c.entries, k)
		}
		c.invalidateCount += len(touchedKeys)
	default:
		c.entries = make(map[string]float64)
		c.invalidateCount = 0
		return
	}

	if c.invalidateCount > c.clearBarrier {
		c.entries = make(map[string]float64)
		c.invalidateCount = 0
	}
}

// Clear empties the cache unconditionally (cube reload, structural change).
func (c *ConsolidationCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]float64)
	c.invalidateCount = 0
}

// RuleEntry is a memoised rule result: the value plus the rule that
// produced it.
type RuleEntry struct {
	Value  float64
	RuleID uint32
}

// RuleCache memoises rule evaluation results for one cube. It is cleared
// wholesale on any write to the cube.
type RuleCache struct {
	mu      sync.RWMutex
	entries map[string]RuleEntry
	budget  *Budget
}

func NewRuleCache(budget *Budget) *RuleCache {
	c := &RuleCache{entries: make(map[string]RuleEntry)}
	c.budget = budget
	budget.registerRule(c)
	return c
}

func (c *RuleCache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.entries)) * entrySize
}

func (c *RuleCache) ShrinkHalf() {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := len(c.entries) / 2
	for k := range c.entries {
		if len(c.entries) <= target {
			break
		}
		delete(c.entries, k)
	}
}

func (c *RuleCache) Get(key string) (RuleEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put admits a rule result; callers must only call this when the rule is
// marker-free and reported is_cachable.
func (c *RuleCache) Put(key string, entry RuleEntry) {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	c.budget.accountRule()
}

// Clear empties the cache; called on every write to the owning cube.
func (c *RuleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]RuleEntry)
}
