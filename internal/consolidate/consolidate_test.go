package consolidate

import (
	"testing"

	"github.com/edirooss/cubed/internal/store"
)

func baseOf(ids ...uint32) Base {
	elems := make([]WeightedID, len(ids))
	for i, id := range ids {
		elems[i] = WeightedID{ID: id, Weight: 1}
	}
	return Base{Elements: elems}
}

func noMarkers(ids []uint32) (float64, error) {
	return 0, nil
}

func TestValueTwoDimSumsMatchingCells(t *testing.T) {
	s := store.NewStore[float64](2, 0)
	s.Set([]uint32{0, 0}, 10, false)
	s.Set([]uint32{1, 0}, 20, false)
	s.Set([]uint32{0, 1}, 30, false)
	// (1,1) intentionally absent.

	base := []Base{baseOf(0, 1), baseOf(0, 1)}
	got, err := Value(s, base, noMarkers)
	if err != nil {
		t.Fatalf("Value returned error: %v", err)
	}
	if got != 60 {
		t.Fatalf("got %v, want 60", got)
	}
}

func TestValueTwoDimWeightedSum(t *testing.T) {
	s := store.NewStore[float64](2, 0)
	s.Set([]uint32{0, 0}, 10, false)

	base := []Base{
		{Elements: []WeightedID{{ID: 0, Weight: 2}}},
		{Elements: []WeightedID{{ID: 0, Weight: 3}}},
	}
	got, err := Value(s, base, noMarkers)
	if err != nil {
		t.Fatalf("Value returned error: %v", err)
	}
	if got != 60 { // 10 * 2 * 3
		t.Fatalf("got %v, want 60", got)
	}
}

func TestValueMultiDimWalksThroughPartitionDims(t *testing.T) {
	s := store.NewStore[float64](3, 0)
	s.Set([]uint32{0, 0, 5}, 7, false)
	s.Set([]uint32{0, 0, 6}, 9, false)
	s.Set([]uint32{1, 2, 5}, 3, false)

	base := []Base{baseOf(0, 1), baseOf(0, 2), baseOf(5, 6)}
	got, err := Value(s, base, noMarkers)
	if err != nil {
		t.Fatalf("Value returned error: %v", err)
	}
	if got != 19 { // 7 + 9 + 3
		t.Fatalf("got %v, want 19", got)
	}
}

func TestValueResolvesMarkerRowsViaCallback(t *testing.T) {
	s := store.NewStore[float64](2, 0)
	s.Set([]uint32{0, 0}, 0, true) // marker row: zero value, must be resolved

	resolved := false
	resolver := func(ids []uint32) (float64, error) {
		resolved = true
		if ids[0] != 0 || ids[1] != 0 {
			t.Fatalf("resolver called with unexpected ids %v", ids)
		}
		return 99, nil
	}

	base := []Base{baseOf(0), baseOf(0)}
	got, err := Value(s, base, resolver)
	if err != nil {
		t.Fatalf("Value returned error: %v", err)
	}
	if !resolved {
		t.Fatalf("expected marker resolver to be invoked")
	}
	if got != 99 {
		t.Fatalf("got %v, want 99", got)
	}
}

func TestCountBaseCellsIsProductOfDimCounts(t *testing.T) {
	base := []Base{baseOf(0, 1, 2), baseOf(0, 1)}
	if got := CountBaseCells(base); got != 6 {
		t.Fatalf("got %d, want 6", got)
	}
}

func TestSumWeightsIsProductOfPerDimWeightSums(t *testing.T) {
	base := []Base{
		{Elements: []WeightedID{{ID: 0, Weight: 1}, {ID: 1, Weight: 2}}}, // sum 3
		{Elements: []WeightedID{{ID: 0, Weight: 5}}},                    // sum 5
	}
	if got := SumWeights(base); got != 15 {
		t.Fatalf("got %v, want 15", got)
	}
}
