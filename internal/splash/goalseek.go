package splash

import (
	"context"
	"time"

	"github.com/edirooss/cubed/internal/cube"
)

// Solve implements goal_seek: adjust the writable base cells under target
// so the consolidated value becomes newValue, using the same weighted
// distribution math as default-mode splash. Bounded by cellLimit and
// timeout; either one tripping fails with goalseek.
//
// This covers the common case where the cell being fixed is target
// itself, via plain weighted redistribution: exact whenever every base
// leaf under target starts at a consistent proportion of the total, the
// same assumption default-mode splash already makes. A solver that keeps
// some other cell in the subtree fixed while redistributing around it
// would need a small linear system instead; that case isn't handled.
func Solve(ctx context.Context, dims []cube.Dimension, store CellStore, rec PreimageRecorder, target *cube.CellPath, newValue float64, cellLimit int, timeout time.Duration) error {
	baseDims, err := BaseDims(dims, target)
	if err != nil {
		return err
	}

	cellCount := 1
	for _, d := range baseDims {
		cellCount *= len(d)
		if cellCount > cellLimit {
			return &cube.Error{Kind: cube.KindGoalSeek, Op: "splash.Solve"}
		}
	}

	deadline := time.Now().Add(timeout)
	var current float64
	var any bool
	if err := forEachBaseCellCtx(ctx, deadline, baseDims, func(ids []uint32, w float64) error {
		if v, found := store.Get(ids); found {
			current += w * v
			any = true
		}
		return nil
	}); err != nil {
		return err
	}

	sum := SumWeights(baseDims)
	if sum == 0 {
		return &cube.Error{Kind: cube.KindSplashNotPossible, Op: "splash.Solve"}
	}

	if !any || current == 0 {
		per := newValue / sum
		return forEachBaseCellCtx(ctx, deadline, baseDims, func(ids []uint32, _ float64) error {
			prior, found := store.Get(ids)
			rec.Record(ids, prior, !found)
			store.Set(ids, per)
			return nil
		})
	}

	factor := newValue / current
	return forEachBaseCellCtx(ctx, deadline, baseDims, func(ids []uint32, _ float64) error {
		prior, found := store.Get(ids)
		if !found {
			return nil
		}
		rec.Record(ids, prior, false)
		store.Set(ids, prior*factor)
		return nil
	})
}

// forEachBaseCellCtx is forEachBaseCell with a per-cell deadline/context
// check, since goal-seek (unlike plain splash) has an explicit timeout.
func forEachBaseCellCtx(ctx context.Context, deadline time.Time, baseDims [][]cube.WeightedElement, fn func(ids []uint32, weight float64) error) error {
	ids := make([]uint32, len(baseDims))
	var walkErr error
	var walk func(d int, weight float64) bool
	walk = func(d int, weight float64) bool {
		if time.Now().After(deadline) {
			walkErr = &cube.Error{Kind: cube.KindGoalSeek, Op: "splash.forEachBaseCellCtx"}
			return false
		}
		select {
		case <-ctx.Done():
			walkErr = &cube.Error{Kind: cube.KindGoalSeek, Op: "splash.forEachBaseCellCtx", Err: ctx.Err()}
			return false
		default:
		}
		if d == len(baseDims) {
			out := make([]uint32, len(ids))
			copy(out, ids)
			if err := fn(out, weight); err != nil {
				walkErr = err
				return false
			}
			return true
		}
		for _, e := range baseDims[d] {
			ids[d] = e.ID
			if !walk(d+1, weight*e.Weight) {
				return false
			}
		}
		return true
	}
	walk(0, 1)
	return walkErr
}
