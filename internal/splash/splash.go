// Package splash implements the Splasher/Copier:
// weighted-distribution splash on a consolidated target, and
// copy/copy_like structural pairing with a splash fallback.
package splash

import (
	"math"

	"github.com/edirooss/cubed/internal/cube"
)

// Limiter gates a splash's estimated working set against a shared
// capacity before any cell is touched. *semaphore.Weighted satisfies this
// directly: TryAcquire fails immediately both when megabytes alone
// exceeds the limiter's total capacity and when other concurrent splashes
// already hold enough of it.
type Limiter interface {
	TryAcquire(megabytes int64) bool
	Release(megabytes int64)
}

// WorkingSetLevel classifies an estimated splash footprint against
// Governor.Limits.
type WorkingSetLevel int

const (
	WorkingSetOK WorkingSetLevel = iota
	WorkingSetInfo
	WorkingSetWarn
)

// WorkingSetLimits are the megabyte thresholds setBaseElementsRecursive's
// working-set estimate is checked against: above Limit1MB the splash
// fails pre-flight, above Limit2MB it's a warning, above Limit3MB it's
// informational. A zero-value WorkingSetLimits disables the check.
type WorkingSetLimits struct {
	Limit1MB, Limit2MB, Limit3MB float64
}

func (l WorkingSetLimits) enabled() bool {
	return l.Limit1MB > 0 || l.Limit2MB > 0 || l.Limit3MB > 0
}

// Governor bundles the optional working-set pre-flight behaviour for a
// splash: Limits classifies the estimate, Limiter (if set) additionally
// gates it against a shared process-wide budget, and Notify (if set)
// receives warn/info-level classifications so the caller can log them.
// A zero-value Governor performs no check at all.
type Governor struct {
	Limits  WorkingSetLimits
	Limiter Limiter
	Notify  func(megabytes float64, level WorkingSetLevel)
}

// workingSetMB estimates the megabytes setBaseElementsRecursive's cell
// fan-out will touch: (numDims*4 + 16) bytes per base cell, matching the
// original engine's splash size estimate.
func workingSetMB(baseDims [][]cube.WeightedElement) float64 {
	numCells := 1.0
	for _, dim := range baseDims {
		numCells *= float64(len(dim))
	}
	bytesPerCell := float64(len(baseDims)*4 + 16)
	return bytesPerCell * numCells / (1024 * 1024)
}

// checkWorkingSet enforces gov against baseDims's estimated footprint. It
// reports the estimate's megabytes to gov.Notify when it crosses Limit2MB
// or Limit3MB, acquires gov.Limiter for the caller (who must release it
// via the returned func once the splash completes), and fails with
// splash_not_possible once Limit1MB is exceeded or the limiter can't
// admit the estimate.
func checkWorkingSet(baseDims [][]cube.WeightedElement, gov Governor) (release func(), err error) {
	release = func() {}
	if !gov.Limits.enabled() && gov.Limiter == nil {
		return release, nil
	}
	mb := workingSetMB(baseDims)
	if gov.Limits.Limit1MB > 0 && mb > gov.Limits.Limit1MB {
		return release, &cube.Error{Kind: cube.KindSplashNotPossible, Op: "splash.SetConsolidated"}
	}
	switch {
	case gov.Limits.Limit2MB > 0 && mb > gov.Limits.Limit2MB:
		if gov.Notify != nil {
			gov.Notify(mb, WorkingSetWarn)
		}
	case gov.Limits.Limit3MB > 0 && mb > gov.Limits.Limit3MB:
		if gov.Notify != nil {
			gov.Notify(mb, WorkingSetInfo)
		}
	}
	if gov.Limiter != nil {
		weight := int64(mb) + 1
		if !gov.Limiter.TryAcquire(weight) {
			return release, &cube.Error{Kind: cube.KindSplashNotPossible, Op: "splash.SetConsolidated"}
		}
		release = func() { gov.Limiter.Release(weight) }
	}
	return release, nil
}

// Mode selects how setCellValue behaves on a consolidated target.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeDefault
	ModeSetBase
	ModeAddBase
)

// epsilon is the relative-factor skip window: a default-mode scale factor
// within [1-epsilon, 1+epsilon] of 1 may skip the write entirely.
const epsilon = 1e-10

// CellStore is the narrow read/write surface the splasher needs against
// the numeric base store, kept independent of internal/store's generic
// Page/Store types so this package can be tested against a fake.
type CellStore interface {
	Get(ids []uint32) (value float64, found bool)
	Set(ids []uint32, value float64)
	Delete(ids []uint32)
}

// PreimageRecorder captures a cell's value immediately before a splash
// write touches it, for the owning lock's RollbackLog. Implementations
// that aren't under a lock can pass a no-op recorder.
type PreimageRecorder interface {
	Record(ids []uint32, priorValue float64, wasAbsent bool)
}

type noopRecorder struct{}

func (noopRecorder) Record(ids []uint32, priorValue float64, wasAbsent bool) {}

// NoopRecorder is a PreimageRecorder that discards every call.
var NoopRecorder PreimageRecorder = noopRecorder{}

// BaseDims computes, for each dimension of path, the (id, weight) base
// leaves reachable from that dimension's id: the id itself with weight 1
// for a numeric element, or dim.BaseElements(id) for a consolidated one.
func BaseDims(dims []cube.Dimension, path *cube.CellPath) ([][]cube.WeightedElement, error) {
	ids := path.IDs()
	out := make([][]cube.WeightedElement, len(ids))
	for d, id := range ids {
		kind, ok := dims[d].Kind(id)
		if !ok {
			return nil, &cube.Error{Kind: cube.KindInvalidCoordinates, Op: "splash.BaseDims"}
		}
		if kind == cube.ElementConsolidated {
			base := dims[d].BaseElements(id)
			if len(base) == 0 {
				return nil, &cube.Error{Kind: cube.KindSplashNotPossible, Op: "splash.BaseDims"}
			}
			out[d] = base
		} else {
			out[d] = []cube.WeightedElement{{ID: id, Weight: 1}}
		}
	}
	return out, nil
}

// SumWeights computes prod_d sum(weight of base[d]), the denominator of
// default-mode even distribution.
func SumWeights(baseDims [][]cube.WeightedElement) float64 {
	total := 1.0
	for _, dim := range baseDims {
		var s float64
		for _, e := range dim {
			s += e.Weight
		}
		total *= s
	}
	return total
}

// forEachBaseCell calls fn for every cartesian-product combination of
// baseDims, passing the assembled id tuple and the product of weights.
func forEachBaseCell(baseDims [][]cube.WeightedElement, fn func(ids []uint32, weight float64)) {
	ids := make([]uint32, len(baseDims))
	var walk func(d int, weight float64)
	walk = func(d int, weight float64) {
		if d == len(baseDims) {
			out := make([]uint32, len(ids))
			copy(out, ids)
			fn(out, weight)
			return
		}
		for _, e := range baseDims[d] {
			ids[d] = e.ID
			walk(d+1, weight*e.Weight)
		}
	}
	walk(0, 1)
}

// SetConsolidated implements setCellValue on a consolidated target:
// disabled rejects, set_base/add_base assign or accumulate on every base
// cell, default splashes evenly when the current value is zero/missing
// or scales by new/current otherwise.
func SetConsolidated(mode Mode, store CellStore, rec PreimageRecorder, baseDims [][]cube.WeightedElement, current float64, currentFound bool, newValue float64, gov Governor) error {
	switch mode {
	case ModeDisabled:
		return &cube.Error{Kind: cube.KindSplashDisabled, Op: "splash.SetConsolidated"}

	case ModeSetBase:
		release, err := checkWorkingSet(baseDims, gov)
		if err != nil {
			return err
		}
		defer release()
		forEachBaseCell(baseDims, func(ids []uint32, _ float64) {
			prior, found := store.Get(ids)
			rec.Record(ids, prior, !found)
			store.Set(ids, newValue)
		})
		return nil

	case ModeAddBase:
		release, err := checkWorkingSet(baseDims, gov)
		if err != nil {
			return err
		}
		defer release()
		forEachBaseCell(baseDims, func(ids []uint32, _ float64) {
			prior, found := store.Get(ids)
			rec.Record(ids, prior, !found)
			if found {
				store.Set(ids, prior+newValue)
			} else {
				store.Set(ids, newValue)
			}
		})
		return nil

	case ModeDefault:
		if !currentFound || current == 0 {
			sum := SumWeights(baseDims)
			if sum == 0 {
				return &cube.Error{Kind: cube.KindSplashNotPossible, Op: "splash.SetConsolidated"}
			}
			release, err := checkWorkingSet(baseDims, gov)
			if err != nil {
				return err
			}
			defer release()
			per := newValue / sum
			forEachBaseCell(baseDims, func(ids []uint32, _ float64) {
				prior, found := store.Get(ids)
				rec.Record(ids, prior, !found)
				store.Set(ids, per)
			})
			return nil
		}

		factor := newValue / current
		if factor >= 1-epsilon && factor <= 1+epsilon {
			return nil
		}
		forEachBaseCell(baseDims, func(ids []uint32, _ float64) {
			prior, found := store.Get(ids)
			if !found {
				return
			}
			rec.Record(ids, prior, false)
			store.Set(ids, prior*factor)
		})
		return nil

	default:
		return &cube.Error{Kind: cube.KindInternal, Op: "splash.SetConsolidated"}
	}
}

// nearlyOne reports whether f is within epsilon of 1, shared with callers
// (e.g. copy's "like" factor) that want the same skip-window behaviour.
func nearlyOne(f float64) bool {
	return math.Abs(f-1) <= epsilon
}
