package splash

import "github.com/edirooss/cubed/internal/cube"

// ConsolidatedReader is the narrow read surface copy's incompatible-path
// fallback needs: the aggregated value of an arbitrary (possibly
// consolidated) path, used as the splash source/current value.
type ConsolidatedReader interface {
	Consolidated(ids []uint32) (value float64, found bool, err error)
}

type leafPair struct {
	Src, Dest []uint32
}

// pairDimension recursively pairs srcID against destID within one
// dimension's hierarchy: numeric leaves pair directly; consolidated nodes
// pair only if they have the same child count and matching per-child
// weights, recursing pairwise. Revisiting an id already seen in this
// dimension's descent (a diamond or cycle in the hierarchy) forces
// incompatibility rather than looping.
func pairDimension(dim cube.Dimension, srcID, destID uint32, srcSeen, destSeen map[uint32]bool) ([]struct{ Src, Dest uint32 }, bool) {
	if srcSeen[srcID] || destSeen[destID] {
		return nil, false
	}
	srcKind, ok1 := dim.Kind(srcID)
	destKind, ok2 := dim.Kind(destID)
	if !ok1 || !ok2 || srcKind != destKind {
		return nil, false
	}
	if srcKind != cube.ElementConsolidated {
		return []struct{ Src, Dest uint32 }{{srcID, destID}}, true
	}

	srcSeen[srcID] = true
	destSeen[destID] = true

	srcChildren := dim.Children(srcID)
	destChildren := dim.Children(destID)
	if len(srcChildren) != len(destChildren) {
		return nil, false
	}
	var pairs []struct{ Src, Dest uint32 }
	for i := range srcChildren {
		if srcChildren[i].Weight != destChildren[i].Weight {
			return nil, false
		}
		sub, ok := pairDimension(dim, srcChildren[i].ID, destChildren[i].ID, srcSeen, destSeen)
		if !ok {
			return nil, false
		}
		pairs = append(pairs, sub...)
	}
	return pairs, true
}

// pairAll attempts structural pairing dimension by dimension; ok=false on
// the first incompatible dimension means the whole copy must fall back to
// splash.
func pairAll(dims []cube.Dimension, srcIDs, destIDs []uint32) ([]leafPair, bool) {
	perDim := make([][]struct{ Src, Dest uint32 }, len(dims))
	for d := range dims {
		pairs, ok := pairDimension(dims[d], srcIDs[d], destIDs[d], map[uint32]bool{}, map[uint32]bool{})
		if !ok {
			return nil, false
		}
		perDim[d] = pairs
	}

	var leaves []leafPair
	src := make([]uint32, len(dims))
	dest := make([]uint32, len(dims))
	var walk func(d int)
	walk = func(d int) {
		if d == len(dims) {
			s := make([]uint32, len(dims))
			e := make([]uint32, len(dims))
			copy(s, src)
			copy(e, dest)
			leaves = append(leaves, leafPair{Src: s, Dest: e})
			return
		}
		for _, p := range perDim[d] {
			src[d] = p.Src
			dest[d] = p.Dest
			walk(d + 1)
		}
	}
	walk(0)
	return leaves, true
}

func sameIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CopyCellValues implements copyCellValues: structural
// pairing between srcPath and destPath scaled by factor if compatible,
// else a whole-area splash fallback using reader's consolidated source
// value, subject to gov's working-set pre-flight. Paths identical at the
// base-element level fail with rule_has_circular_reference, since a copy
// onto itself can never converge.
func CopyCellValues(dims []cube.Dimension, store CellStore, rec PreimageRecorder, reader ConsolidatedReader, srcPath, destPath *cube.CellPath, factor float64, gov Governor) error {
	srcIDs, destIDs := srcPath.IDs(), destPath.IDs()
	if sameIDs(srcIDs, destIDs) {
		return &cube.Error{Kind: cube.KindRuleCircularReference, Op: "splash.CopyCellValues"}
	}

	if leaves, ok := pairAll(dims, srcIDs, destIDs); ok {
		for _, lp := range leaves {
			if sameIDs(lp.Src, lp.Dest) {
				return &cube.Error{Kind: cube.KindRuleCircularReference, Op: "splash.CopyCellValues"}
			}
			v, found := store.Get(lp.Src)
			if !found {
				continue
			}
			prior, priorFound := store.Get(lp.Dest)
			rec.Record(lp.Dest, prior, !priorFound)
			store.Set(lp.Dest, v*factor)
		}
		return nil
	}

	srcVal, _, err := reader.Consolidated(srcIDs)
	if err != nil {
		return err
	}
	destBase, err := BaseDims(dims, destPath)
	if err != nil {
		return err
	}
	destVal, destFound, err := reader.Consolidated(destIDs)
	if err != nil {
		return err
	}
	return SetConsolidated(ModeDefault, store, rec, destBase, destVal, destFound, srcVal*factor, gov)
}

// CopyLikeCellValues implements copyLikeCellValues: the same structural
// pairing as CopyCellValues, but the scale factor is derived from the
// caller-supplied targetValue and the source area's current consolidated
// value (factor = targetValue / sourceValue), not from the destination's
// own current value. A source that isn't found clears the destination
// area instead of copying, matching Cube::copyLikeCellValues.
func CopyLikeCellValues(dims []cube.Dimension, store CellStore, rec PreimageRecorder, reader ConsolidatedReader, srcPath, destPath *cube.CellPath, targetValue float64, gov Governor) error {
	if targetValue == 0 {
		return &cube.Error{Kind: cube.KindSplashNotPossible, Op: "splash.CopyLikeCellValues"}
	}

	srcVal, srcFound, err := reader.Consolidated(srcPath.IDs())
	if err != nil {
		return err
	}
	if !srcFound {
		destBase, err := BaseDims(dims, destPath)
		if err != nil {
			return err
		}
		clearArea(store, rec, destBase)
		return nil
	}

	factor := targetValue / srcVal
	if nearlyOne(factor) {
		factor = 1
	}
	return CopyCellValues(dims, store, rec, reader, srcPath, destPath, factor, gov)
}

// clearArea removes every base cell under baseDims, recording each prior
// value first so a covering lock can roll the clear back.
func clearArea(store CellStore, rec PreimageRecorder, baseDims [][]cube.WeightedElement) {
	forEachBaseCell(baseDims, func(ids []uint32, _ float64) {
		prior, found := store.Get(ids)
		if !found {
			return
		}
		rec.Record(ids, prior, false)
		store.Delete(ids)
	})
}
