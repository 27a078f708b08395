package cache

import (
	"errors"
	"testing"
)

func TestConsolidationCacheFillAdmitsAboveBarrier(t *testing.T) {
	budget := NewBudget(1<<20, 1<<20)
	c := NewConsolidationCache(10, 5, 1000, budget)

	calls := 0
	compute := func() (float64, error) {
		calls++
		return 42, nil
	}

	v, err := c.Fill("k", 20, compute) // baseCellCount > barrier(10): admitted
	if err != nil || v != 42 {
		t.Fatalf("Fill returned (%v, %v), want (42, nil)", v, err)
	}
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected entry to be cached after admission")
	}

	// A second Fill for the same key must not recompute.
	if _, err := c.Fill("k", 20, compute); err != nil {
		t.Fatalf("second Fill errored: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected compute called once, got %d", calls)
	}
}

func TestConsolidationCacheFillBelowBarrierNotCached(t *testing.T) {
	budget := NewBudget(1<<20, 1<<20)
	c := NewConsolidationCache(10, 5, 1000, budget)

	calls := 0
	compute := func() (float64, error) {
		calls++
		return 1, nil
	}

	c.Fill("k", 3, compute) // baseCellCount <= barrier: not admitted
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected entry below cache_barrier to not be cached")
	}
	c.Fill("k", 3, compute)
	if calls != 2 {
		t.Fatalf("expected recompute each time below barrier, got %d calls", calls)
	}
}

func TestConsolidationCacheFillPropagatesError(t *testing.T) {
	budget := NewBudget(1<<20, 1<<20)
	c := NewConsolidationCache(0, 5, 1000, budget)
	wantErr := errors.New("boom")

	_, err := c.Fill("k", 100, func() (float64, error) { return 0, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("got err %v, want %v", err, wantErr)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatalf("a failed compute must not be cached")
	}
}

func TestConsolidationCacheInvalidateSingleTouch(t *testing.T) {
	budget := NewBudget(1<<20, 1<<20)
	c := NewConsolidationCache(0, 100, 1000, budget)
	c.Fill("a", 1, func() (float64, error) { return 1, nil })
	c.Fill("b", 1, func() (float64, error) { return 2, nil })

	c.Invalidate([]string{"a"}, 1)

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected key 'a' to be invalidated")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("expected key 'b' to survive a point invalidation")
	}
}

func TestConsolidationCacheInvalidateAboveClearCellsLimitClearsAll(t *testing.T) {
	budget := NewBudget(1<<20, 1<<20)
	c := NewConsolidationCache(0, 100, 5, budget)
	c.Fill("a", 1, func() (float64, error) { return 1, nil })
	c.Fill("b", 1, func() (float64, error) { return 2, nil })

	c.Invalidate(nil, 50) // touchCount >= clearCellsLimit: full clear

	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected full clear to drop 'a'")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected full clear to drop 'b'")
	}
}

func TestConsolidationCacheInvalidateCountCrossesClearBarrier(t *testing.T) {
	budget := NewBudget(1<<20, 1<<20)
	c := NewConsolidationCache(0, 2, 1000, budget)
	c.Fill("a", 1, func() (float64, error) { return 1, nil })
	c.Fill("b", 1, func() (float64, error) { return 2, nil })

	c.Invalidate([]string{"a"}, 1)
	c.Invalidate([]string{"other"}, 1)
	c.Invalidate([]string{"other2"}, 1) // 3rd single-touch invalidation trips clearBarrier=2

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected clear_barrier crossing to clear the whole cache")
	}
}

func TestRuleCachePutGetClear(t *testing.T) {
	budget := NewBudget(1<<20, 1<<20)
	rc := NewRuleCache(budget)

	rc.Put("k", RuleEntry{Value: 7, RuleID: 3})
	entry, ok := rc.Get("k")
	if !ok || entry.Value != 7 || entry.RuleID != 3 {
		t.Fatalf("got (%v, %v), want ({7 3}, true)", entry, ok)
	}

	rc.Clear()
	if _, ok := rc.Get("k"); ok {
		t.Fatalf("expected Clear to empty the rule cache")
	}
}

func TestBudgetShrinksRegisteredUsersWhenOverBudget(t *testing.T) {
	// entrySize=64 bytes/entry; a tiny budget forces a shrink on the 2nd entry.
	budget := NewBudget(100, 1<<20)
	c := NewConsolidationCache(0, 100, 1000, budget)

	c.Fill("a", 1, func() (float64, error) { return 1, nil })
	c.Fill("b", 1, func() (float64, error) { return 2, nil })

	if c.Bytes() > 100 {
		// not a hard guarantee (shrink drops roughly half), but it must
		// have attempted to shrink rather than growing unbounded.
		if len(c.entries) >= 2 {
			t.Fatalf("expected budget pressure to shrink entries, still have %d", len(c.entries))
		}
	}
}
