// Package engine provides the Cube façade: it ties the cell store, the
// consolidator, the result cache, the rule engine, the marker
// propagator, the splasher/copier and the lock manager together behind
// the engine's public operations.
//
// This lives in its own package rather than internal/cube because
// internal/cube already hosts the shared ports, errors and CellPath type
// that rules, markers, splash, lock and journal each import; a façade
// importing all of those while living inside internal/cube would be a
// dependency cycle.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/edirooss/cubed/internal/cache"
	"github.com/edirooss/cubed/internal/consolidate"
	"github.com/edirooss/cubed/internal/cube"
	"github.com/edirooss/cubed/internal/lock"
	"github.com/edirooss/cubed/internal/markers"
	"github.com/edirooss/cubed/internal/rules"
	"github.com/edirooss/cubed/internal/splash"
	"github.com/edirooss/cubed/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MarkerTarget is the narrow surface one cube needs on another to deliver
// a projected marker cell, by calling SetCellMarker on the destination
// cube.
type MarkerTarget interface {
	SetCellMarker(ctx context.Context, ids []uint32) error
}

// Cube is one cube instance: a numeric store, a string store, its rule
// set, its marker wiring, its lock manager, and the shared caches. The
// scheduling model is single-writer/many-reader per cube: mu is a plain
// RWMutex, held for the duration of one public operation.
type Cube struct {
	mu sync.RWMutex

	id   uint32
	dims []cube.Dimension
	cfg  cube.Config
	log  *zap.Logger

	numeric *store.Store[float64]
	strings *store.Store[string]

	consCache *cache.ConsolidationCache
	engine    *rules.Engine
	markersP  *markers.Propagator
	locks     *lock.Manager

	// splashLimiter bounds the estimated working-set megabytes this cube's
	// concurrent splashes may hold against the process-wide budget shared
	// across every cube built from the same *cache.Budget.
	splashLimiter splash.Limiter

	journal cube.Journal
	authz   cube.Authorizer

	markerTargets map[uint32]MarkerTarget
}

// New constructs a cube with len(dims) dimensions. budget is shared across
// every cube in the process.
func New(id uint32, dims []cube.Dimension, cfg cube.Config, budget *cache.Budget, journal cube.Journal, authz cube.Authorizer, pageStore lock.PageStore, log *zap.Logger) *Cube {
	log = log.Named(fmt.Sprintf("cube[%d]", id))
	ruleCache := cache.NewRuleCache(budget)
	// A nil *semaphore.Weighted boxed into the splash.Limiter interface
	// would be a non-nil interface with a nil receiver, so only assign the
	// field when the semaphore itself is non-nil.
	var splashLimiter splash.Limiter
	if sem := budget.SplashLimiter(cfg.SplashLimit1MB); sem != nil {
		splashLimiter = sem
	}
	return &Cube{
		id:            id,
		dims:          dims,
		cfg:           cfg,
		log:           log,
		numeric:       store.NewStore[float64](len(dims), 0),
		strings:       store.NewStore[string](len(dims), ""),
		consCache:     cache.NewConsolidationCache(cfg.CacheBarrier, cfg.ClearBarrier, cfg.ClearBarrierCells, budget),
		engine:        rules.NewEngine(log, dims, ruleCache),
		markersP:      markers.NewPropagator(),
		locks:         lock.NewManager(dims, cfg.MaxMemoryRollbackBytes, cfg.MaxFileRollbackBytes, pageStore),
		splashLimiter: splashLimiter,
		journal:       journal,
		authz:         authz,
		markerTargets: make(map[uint32]MarkerTarget),
	}
}

func (c *Cube) ID() uint32 { return c.id }

// RegisterMarkerTarget wires another cube as a marker destination so this
// cube's "from" markers can deliver projected cells to it.
func (c *Cube) RegisterMarkerTarget(cubeID uint32, target MarkerTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markerTargets[cubeID] = target
}

func (c *Cube) checkRight(ctx context.Context, user string, path *cube.CellPath, need cube.Right) error {
	if c.authz == nil {
		return nil
	}
	if c.authz.MinRight(ctx, user, path) < need {
		return &cube.Error{Kind: cube.KindNotAuthorized, Op: "Cube.checkRight"}
	}
	return nil
}

// ---- read path ----

// GetCell implements the numeric read operation.
func (c *Cube) GetCell(ctx context.Context, user string, ids []uint32) (float64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path, err := cube.NewCellPath(c.dims, ids)
	if err != nil {
		return 0, false, err
	}
	if path.Kind() == cube.PathString {
		return 0, false, &cube.Error{Kind: cube.KindInvalidElementType, Op: "Cube.GetCell"}
	}
	if err := c.checkRight(ctx, user, path, cube.RightRead); err != nil {
		return 0, false, err
	}
	return c.getCellValue(ctx, path)
}

// EvalCell implements cube.CellEvaluator, letting a RuleTree recurse into
// this cube's own dispatch for cell references inside its AST.
func (c *Cube) EvalCell(ctx context.Context, path *cube.CellPath) (float64, bool, error) {
	return c.getCellValue(ctx, path)
}

// getCellValue is get_cell_value: rule cache, then direct
// match, then indirect match (consolidated paths only), then fallback.
func (c *Cube) getCellValue(ctx context.Context, path *cube.CellPath) (float64, bool, error) {
	key := string(path.Key())

	if entry, ok := c.engine.CacheGet(key); ok {
		return entry.Value, true, nil
	}

	for _, r := range c.engine.DirectCandidates(path) {
		if r.Restricted && !r.RestrictedArea.Within(path) {
			break // STET: restricted sub-area excludes p, stop rule evaluation
		}
		res, err := c.engine.Evaluate(ctx, r, path, c)
		if err != nil {
			return 0, false, err
		}
		if res.Stet {
			continue
		}
		if res.Cachable && !res.HasMarkers {
			c.engine.CachePut(key, cache.RuleEntry{Value: res.Value, RuleID: r.ID})
		}
		return res.Value, true, nil
	}

	if path.Kind() == cube.PathConsolidated {
		if v, found, cachable, handled, err := c.indirectMatch(ctx, path); handled {
			if err != nil {
				return 0, false, err
			}
			if cachable {
				c.engine.CachePut(key, cache.RuleEntry{Value: v})
			}
			return v, found, nil
		}
	}

	return c.fallbackValue(ctx, path)
}

// indirectMatch checks whether an indirectly-matching rule can shortcut
// the read. handled=false means "no optimization applies here, proceed
// to fallback".
func (c *Cube) indirectMatch(ctx context.Context, path *cube.CellPath) (value float64, found, cachable, handled bool, err error) {
	candidates := c.engine.IndirectCandidates(path)
	if len(candidates) == 0 {
		return 0, false, false, false, nil
	}

	var markerCount, restrictedCount, linearCount int
	for _, r := range candidates {
		switch {
		case len(r.Markers) > 0:
			markerCount++
		case r.Restricted:
			restrictedCount++
		case r.Linear:
			linearCount++
		}
	}
	if markerCount > 0 {
		return 0, false, false, false, nil
	}
	if len(candidates) == 1 && candidates[0].Linear {
		res, err := c.engine.Evaluate(ctx, candidates[0], path, c)
		if err != nil {
			return 0, false, false, true, err
		}
		return res.Value, true, res.Cachable && !res.HasMarkers, true, nil
	}
	if len(candidates) == 1 && candidates[0].Restricted {
		return 0, false, false, false, nil
	}

	v, found, err := c.aggregateChildren(ctx, path)
	if err != nil {
		return 0, false, false, true, err
	}
	return v, found, true, true, nil
}

// firstConsolidatedDim finds the lowest-index dimension still carrying a
// consolidated element in path.
func firstConsolidatedDim(dims []cube.Dimension, path *cube.CellPath) (int, bool) {
	ids := path.IDs()
	for d, id := range ids {
		if kind, ok := dims[d].Kind(id); ok && kind == cube.ElementConsolidated {
			return d, true
		}
	}
	return 0, false
}

// aggregateChildren recomputes a consolidated value by summing p's
// immediate children weighted, recursing through the full dispatch
// (cache, rule evaluation, further consolidation) for each child.
func (c *Cube) aggregateChildren(ctx context.Context, path *cube.CellPath) (float64, bool, error) {
	d, ok := firstConsolidatedDim(c.dims, path)
	if !ok {
		return 0, false, nil
	}
	children := c.dims[d].Children(path.IDs()[d])

	var sum float64
	found := false
	for _, ch := range children {
		childPath, err := path.WithID(d, ch.ID)
		if err != nil {
			return 0, false, err
		}
		v, ok, err := c.getCellValue(ctx, childPath)
		if err != nil {
			return 0, false, err
		}
		if ok {
			found = true
			sum += ch.Weight * v
		}
	}
	return sum, found, nil
}

// baseDimsFor converts path's per-dimension base expansion into the
// Consolidator's Base type.
func (c *Cube) baseDimsFor(path *cube.CellPath) ([]consolidate.Base, error) {
	ids := path.IDs()
	out := make([]consolidate.Base, len(ids))
	for d, id := range ids {
		kind, ok := c.dims[d].Kind(id)
		if !ok {
			return nil, &cube.Error{Kind: cube.KindInvalidCoordinates, Op: "Cube.baseDimsFor"}
		}
		if kind == cube.ElementConsolidated {
			weighted := c.dims[d].BaseElements(id)
			elems := make([]consolidate.WeightedID, len(weighted))
			for i, w := range weighted {
				elems[i] = consolidate.WeightedID{ID: w.ID, Weight: w.Weight}
			}
			out[d] = consolidate.Base{Elements: elems}
		} else {
			out[d] = consolidate.Base{Elements: []consolidate.WeightedID{{ID: id, Weight: 1}}}
		}
	}
	return out, nil
}

// fallbackValue is the last resort for a read that no rule shortcut
// handled: a base store read, or a full consolidation through the
// ConsolidationCache.
func (c *Cube) fallbackValue(ctx context.Context, path *cube.CellPath) (float64, bool, error) {
	if path.IsBase() {
		v, _, found := c.numeric.Get(path.IDs())
		return v, found, nil
	}

	base, err := c.baseDimsFor(path)
	if err != nil {
		return 0, false, err
	}
	baseCellCount := consolidate.CountBaseCells(base)
	key := string(path.Key())

	val, err := c.consCache.Fill(key, baseCellCount, func() (float64, error) {
		return consolidate.Value(c.numeric, base, func(ids []uint32) (float64, error) {
			markerPath, err := cube.NewCellPath(c.dims, ids)
			if err != nil {
				return 0, err
			}
			v, _, err := c.getCellValue(ctx, markerPath)
			return v, err
		})
	})
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

// ---- string cells ----

func (c *Cube) GetCellString(ctx context.Context, user string, ids []uint32) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path, err := cube.NewCellPath(c.dims, ids)
	if err != nil {
		return "", false, err
	}
	if err := c.checkRight(ctx, user, path, cube.RightRead); err != nil {
		return "", false, err
	}
	v, _, found := c.strings.Get(ids)
	return v, found, nil
}

func (c *Cube) SetCellString(ctx context.Context, user string, ids []uint32, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, err := cube.NewCellPath(c.dims, ids)
	if err != nil {
		return err
	}
	if err := c.checkRight(ctx, user, path, cube.RightWrite); err != nil {
		return err
	}
	if err := c.recordPreimageString(ctx, user, path); err != nil {
		return err
	}

	c.strings.Set(ids, value, false)
	c.engine.CacheClear()

	if c.journal != nil {
		_ = c.journal.Append(ctx, cube.JournalCommand{Kind: cube.JournalSetString, Path: path, String: value})
	}
	return nil
}

// ---- numeric writes, clear, splash ----

// SetCellNumeric implements setCellValue: a direct write on
// a base path, or splash distribution when path is consolidated.
func (c *Cube) SetCellNumeric(ctx context.Context, user string, ids []uint32, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, err := cube.NewCellPath(c.dims, ids)
	if err != nil {
		return err
	}
	if path.Kind() == cube.PathString {
		return &cube.Error{Kind: cube.KindInvalidElementType, Op: "Cube.SetCellNumeric"}
	}
	if err := c.checkRight(ctx, user, path, cube.RightWrite); err != nil {
		return err
	}
	if err := c.checkLockCoverage(user, path); err != nil {
		return err
	}

	if path.IsBase() {
		prior, _, found := c.numeric.Get(ids)
		c.recordNumericPreimage(ctx, user, path, ids, prior, !found)
		created := c.numeric.Set(ids, value, false)
		c.invalidateOnWrite(path)
		if created {
			c.propagateMarkers(ctx, ids)
		}
		if c.journal != nil {
			_ = c.journal.Append(ctx, cube.JournalCommand{Kind: cube.JournalSetDouble, Path: path, Numeric: value})
		}
		return nil
	}

	baseDims, err := splash.BaseDims(c.dims, path)
	if err != nil {
		return err
	}
	current, found, err := c.getCellValue(ctx, path)
	if err != nil {
		return err
	}
	store := numericCellStore{c.numeric}
	rec := c.recorderFor(ctx, user, path)
	if err := splash.SetConsolidated(splashMode(c.cfg.DefaultSplashMode), store, rec, baseDims, current, found, value, c.governor()); err != nil {
		return err
	}
	c.invalidateOnWrite(path)
	if c.journal != nil {
		_ = c.journal.Append(ctx, cube.JournalCommand{Kind: cube.JournalSetDouble, Path: path, Numeric: value})
	}
	return nil
}

// ClearCell removes a single cell.
func (c *Cube) ClearCell(ctx context.Context, user string, ids []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, err := cube.NewCellPath(c.dims, ids)
	if err != nil {
		return err
	}
	if err := c.checkRight(ctx, user, path, cube.RightDelete); err != nil {
		return err
	}
	if err := c.checkLockCoverage(user, path); err != nil {
		return err
	}

	prior, _, found := c.numeric.Get(ids)
	if found {
		c.recordNumericPreimage(ctx, user, path, ids, prior, false)
	}
	c.numeric.Delete(ids)
	c.invalidateOnWrite(path)
	if c.journal != nil {
		_ = c.journal.Append(ctx, cube.JournalCommand{Kind: cube.JournalClearCell, Path: path})
	}
	return nil
}

// ClearCells clears a batch of cells in one public operation; each id tuple is cleared independently of the others.
func (c *Cube) ClearCells(ctx context.Context, user string, idsList [][]uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var cleared []*cube.CellPath
	for _, ids := range idsList {
		path, err := cube.NewCellPath(c.dims, ids)
		if err != nil {
			return err
		}
		if err := c.checkRight(ctx, user, path, cube.RightDelete); err != nil {
			return err
		}
		if err := c.checkLockCoverage(user, path); err != nil {
			return err
		}
		prior, _, found := c.numeric.Get(ids)
		if found {
			c.recordNumericPreimage(ctx, user, path, ids, prior, false)
		}
		c.numeric.Delete(ids)
		cleared = append(cleared, path)
	}
	if c.journal != nil {
		_ = c.journal.Append(ctx, cube.JournalCommand{Kind: cube.JournalClearCells, ExtraPaths: cleared})
	}
	c.consCache.Clear()
	c.engine.CacheClear()
	return nil
}

// SetCellMarker implements MarkerTarget: adds a marker row at ids if
// absent.
func (c *Cube) SetCellMarker(ctx context.Context, ids []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, _, found := c.numeric.Get(ids); found {
		return nil
	}
	c.numeric.Set(ids, 0, true)
	return nil
}

func (c *Cube) invalidateOnWrite(path *cube.CellPath) {
	area, touchCount := c.ancestorArea(path)
	c.consCache.Invalidate(area, touchCount)
	c.engine.CacheClear()
}

// ancestorArea computes {written path} union ancestors up to roots across
// every dimension, and the touch_count product. Keys are approximated to the single written
// path's key plus the path's own key at every ancestor level actually
// touched; a conservative single-key set keeps point-invalidation cheap
// when touch_count==1 and falls back to a full clear otherwise.
func (c *Cube) ancestorArea(path *cube.CellPath) ([]string, int64) {
	ids := path.IDs()
	touchCount := int64(1)
	for d, id := range ids {
		touchCount *= int64(len(c.dims[d].Parents(id)) + 1)
	}
	return []string{string(path.Key())}, touchCount
}

func (c *Cube) checkLockCoverage(user string, path *cube.CellPath) error {
	_, err := c.locks.LockCovering(path, user)
	return err
}

func (c *Cube) recorderFor(ctx context.Context, user string, path *cube.CellPath) splash.PreimageRecorder {
	l, _ := c.locks.LockCovering(path, user)
	if l == nil {
		return splash.NoopRecorder
	}
	return lockRecorder{ctx: ctx, log: l.Log}
}

func (c *Cube) recordNumericPreimage(ctx context.Context, user string, path *cube.CellPath, ids []uint32, prior float64, wasAbsent bool) {
	l, _ := c.locks.LockCovering(path, user)
	if l == nil {
		return
	}
	l.Log.Append(ctx, lock.RollbackRow{Path: append([]uint32(nil), ids...), Numeric: prior, Absent: wasAbsent})
}

func (c *Cube) recordPreimageString(ctx context.Context, user string, path *cube.CellPath) error {
	l, _ := c.locks.LockCovering(path, user)
	if l == nil {
		return nil
	}
	prior, _, found := c.strings.Get(path.IDs())
	return l.Log.Append(ctx, lock.RollbackRow{Path: append([]uint32(nil), path.IDs()...), IsString: true, String: prior, Absent: !found})
}

// propagateMarkers runs on every base-cell insert: the source cube
// iterates its from-markers and activates the projected cell in each
// destination cube.
func (c *Cube) propagateMarkers(ctx context.Context, ids []uint32) {
	for _, m := range c.markersP.In() {
		path, err := cube.NewCellPath(c.dims, ids)
		if err != nil {
			continue
		}
		if !m.FromBase.Within(path) {
			continue
		}
		toIDs, ok := markers.Project(m, ids)
		if !ok {
			continue
		}
		target := c.markerTargets[m.ToCube]
		if target == nil {
			continue
		}
		_ = target.SetCellMarker(ctx, toIDs)
	}
}

// AddFromMarker registers a from-marker and activates it immediately by
// walking the existing base store.
func (c *Cube) AddFromMarker(ctx context.Context, m markers.Marker) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markersP.AddFrom(m)

	target := c.markerTargets[m.ToCube]
	if target == nil {
		return nil
	}

	for _, page := range c.numeric.Pages() {
		n := page.Len()
		for slot := 0; slot < n; slot++ {
			ids := make([]uint32, len(c.dims))
			for d := range c.dims {
				ids[d] = page.KeyIDAt(slot, d)
			}
			path, err := cube.NewCellPath(c.dims, ids)
			if err != nil {
				continue
			}
			if !m.FromBase.Within(path) {
				continue
			}
			toIDs, ok := markers.Project(m, ids)
			if !ok {
				continue
			}
			if err := target.SetCellMarker(ctx, toIDs); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddToMarker registers a to-marker; the owning process must later call
// NeedsMarkerRebuild/MarkerRebuildDone once it has re-run activation for every live
// from-marker across the whole deployment.
func (c *Cube) AddToMarker(m markers.Marker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markersP.AddTo(m)
}

func (c *Cube) NeedsMarkerRebuild() bool { return c.markersP.NeedsRebuild() }
func (c *Cube) MarkerRebuildDone()       { c.markersP.RebuildDone() }

// ---- copy/copy_like/goal_seek ----

func (c *Cube) Copy(ctx context.Context, user string, srcIDs, destIDs []uint32, factor float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	srcPath, err := cube.NewCellPath(c.dims, srcIDs)
	if err != nil {
		return err
	}
	destPath, err := cube.NewCellPath(c.dims, destIDs)
	if err != nil {
		return err
	}
	if err := c.checkRight(ctx, user, destPath, cube.RightWrite); err != nil {
		return err
	}

	st := numericCellStore{c.numeric}
	reader := consolidatedReader{c: c, ctx: ctx}
	rec := c.recorderFor(ctx, user, destPath)
	if err := splash.CopyCellValues(c.dims, st, rec, reader, srcPath, destPath, factor, c.governor()); err != nil {
		return err
	}
	c.invalidateOnWrite(destPath)
	return nil
}

// CopyLike implements copy_like(from, to, user, target_value): it scales
// the source area to targetValue (factor = targetValue / sourceValue),
// then copies that scaled area onto destIDs, clearing the destination if
// the source area has no value.
func (c *Cube) CopyLike(ctx context.Context, user string, srcIDs, destIDs []uint32, targetValue float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	srcPath, err := cube.NewCellPath(c.dims, srcIDs)
	if err != nil {
		return err
	}
	destPath, err := cube.NewCellPath(c.dims, destIDs)
	if err != nil {
		return err
	}
	if err := c.checkRight(ctx, user, destPath, cube.RightWrite); err != nil {
		return err
	}

	st := numericCellStore{c.numeric}
	reader := consolidatedReader{c: c, ctx: ctx}
	rec := c.recorderFor(ctx, user, destPath)
	if err := splash.CopyLikeCellValues(c.dims, st, rec, reader, srcPath, destPath, targetValue, c.governor()); err != nil {
		return err
	}
	c.invalidateOnWrite(destPath)
	return nil
}

func (c *Cube) GoalSeek(ctx context.Context, user string, targetIDs []uint32, newValue float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path, err := cube.NewCellPath(c.dims, targetIDs)
	if err != nil {
		return err
	}
	if err := c.checkRight(ctx, user, path, cube.RightWrite); err != nil {
		return err
	}

	st := numericCellStore{c.numeric}
	rec := c.recorderFor(ctx, user, path)
	ctxTimeout, cancel := context.WithTimeout(ctx, c.cfg.GoalSeekTimeout)
	defer cancel()
	if err := splash.Solve(ctxTimeout, c.dims, st, rec, path, newValue, c.cfg.GoalSeekCellLimit, c.cfg.GoalSeekTimeout); err != nil {
		return err
	}
	c.invalidateOnWrite(path)
	return nil
}

// ---- area / bulk reads ----

// GetCells reads several paths in one call.
func (c *Cube) GetCells(ctx context.Context, user string, idsList [][]uint32) ([]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]float64, len(idsList))
	for i, ids := range idsList {
		path, err := cube.NewCellPath(c.dims, ids)
		if err != nil {
			return nil, err
		}
		if err := c.checkRight(ctx, user, path, cube.RightRead); err != nil {
			return nil, err
		}
		v, _, err := c.getCellValue(ctx, path)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// AreaCell is one result row from GetArea.
type AreaCell struct {
	IDs   []uint32
	Value float64
}

// GetArea streams every cell in the cartesian product of area.
func (c *Cube) GetArea(ctx context.Context, user string, area rules.Area) ([]AreaCell, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(area.Dims) != len(c.dims) {
		return nil, &cube.Error{Kind: cube.KindInvalidCoordinates, Op: "Cube.GetArea"}
	}

	var out []AreaCell
	ids := make([]uint32, len(c.dims))
	var walk func(d int) error
	walk = func(d int) error {
		if d == len(c.dims) {
			path, err := cube.NewCellPath(c.dims, ids)
			if err != nil {
				return err
			}
			if err := c.checkRight(ctx, user, path, cube.RightRead); err != nil {
				return err
			}
			v, found, err := c.getCellValue(ctx, path)
			if err != nil {
				return err
			}
			if found {
				out = append(out, AreaCell{IDs: append([]uint32(nil), ids...), Value: v})
			}
			return nil
		}
		set := area.Dims[d]
		if set.All {
			for id := 0; id < c.dims[d].Size(); id++ {
				ids[d] = uint32(id)
				if err := walk(d + 1); err != nil {
					return err
				}
			}
			return nil
		}
		for id := range set.IDs {
			ids[d] = id
			if err := walk(d + 1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(0); err != nil {
		return nil, err
	}
	return out, nil
}

// ---- export cursor ----

// Cursor is a restartable block cursor over the sortExport-ordered base
// cells of one page.
type Cursor struct {
	page   *store.Page[float64]
	numDim int
	pos    int
}

// NewCursor sorts page in export order (ascending from the first
// dimension) and returns a cursor starting at row 0.
func NewCursor(page *store.Page[float64], numDim int) *Cursor {
	page.SortExport()
	return &Cursor{page: page, numDim: numDim}
}

// Next returns up to block cells starting at the cursor's current
// position and whether more rows remain; the cursor keeps its own
// position for the next call.
func (cur *Cursor) Next(block int) ([]AreaCell, bool) {
	out := make([]AreaCell, 0, block)
	for len(out) < block && cur.pos < cur.page.Len() {
		v, _, isMarker, _ := cur.page.RowAt(cur.pos)
		if !isMarker {
			ids := make([]uint32, cur.numDim)
			for d := 0; d < cur.numDim; d++ {
				ids[d] = cur.page.KeyIDAt(cur.pos, d)
			}
			out = append(out, AreaCell{IDs: ids, Value: v})
		}
		cur.pos++
	}
	return out, cur.pos < cur.page.Len()
}

// ---- lock / commit / rollback ----

func (c *Cube) Lock(ctx context.Context, user string, area rules.Area) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, err := c.locks.Acquire(user, area, fmt.Sprintf("cube:%d:lock:%s", c.id, uuid.NewString()))
	if err != nil {
		return uuid.UUID{}, err
	}
	return l.ID, nil
}

func (c *Cube) Commit(ctx context.Context, user string, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks.Commit(ctx, id, user)
}

func (c *Cube) Rollback(ctx context.Context, user string, id uuid.UUID, nSteps int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks.Rollback(ctx, id, user, nSteps, func(row lock.RollbackRow) error {
		if row.IsString {
			if row.Absent {
				c.strings.Delete(row.Path)
				return nil
			}
			c.strings.Set(row.Path, row.String, false)
			return nil
		}
		if row.Absent {
			c.numeric.Delete(row.Path)
			return nil
		}
		c.numeric.Set(row.Path, row.Numeric, false)
		return nil
	})
}

// ---- rule CRUD ----

func (c *Cube) CreateRule(r *rules.Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.AddRule(r)
	c.engine.CacheClear()
}

func (c *Cube) ModifyRule(id uint32, update func(*rules.Rule)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.engine.ModifyRule(id, update); err != nil {
		return err
	}
	c.engine.CacheClear()
	return nil
}

func (c *Cube) ActivateRule(id uint32, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.engine.ActivateRule(id, active); err != nil {
		return err
	}
	c.engine.CacheClear()
	return nil
}

func (c *Cube) DeleteRule(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.engine.DeleteRule(id); err != nil {
		return err
	}
	c.engine.CacheClear()
	return nil
}

func (c *Cube) GetRule(id uint32) (*rules.Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine.GetRule(id)
}

// ---- adapters wiring store/splash/lock against the facade's own types ----

type numericCellStore struct{ s *store.Store[float64] }

func (n numericCellStore) Get(ids []uint32) (float64, bool) {
	v, _, found := n.s.Get(ids)
	return v, found
}

func (n numericCellStore) Set(ids []uint32, value float64) { n.s.Set(ids, value, false) }

func (n numericCellStore) Delete(ids []uint32) { n.s.Delete(ids) }

type consolidatedReader struct {
	c   *Cube
	ctx context.Context
}

func (r consolidatedReader) Consolidated(ids []uint32) (float64, bool, error) {
	path, err := cube.NewCellPath(r.c.dims, ids)
	if err != nil {
		return 0, false, err
	}
	return r.c.getCellValue(r.ctx, path)
}

type lockRecorder struct {
	ctx context.Context
	log *lock.RollbackLog
}

func (r lockRecorder) Record(ids []uint32, priorValue float64, wasAbsent bool) {
	_ = r.log.Append(r.ctx, lock.RollbackRow{Path: append([]uint32(nil), ids...), Numeric: priorValue, Absent: wasAbsent})
}

// governor builds the splash Governor for this cube's configured
// megabyte thresholds and shared process-wide limiter, logging warn/info
// classifications through the cube's own logger.
func (c *Cube) governor() splash.Governor {
	return splash.Governor{
		Limits: splash.WorkingSetLimits{
			Limit1MB: float64(c.cfg.SplashLimit1MB),
			Limit2MB: float64(c.cfg.SplashLimit2MB),
			Limit3MB: float64(c.cfg.SplashLimit3MB),
		},
		Limiter: c.splashLimiter,
		Notify: func(mb float64, level splash.WorkingSetLevel) {
			switch level {
			case splash.WorkingSetWarn:
				c.log.Warn("large splash working set", zap.Float64("megabytes", mb))
			case splash.WorkingSetInfo:
				c.log.Info("splash working set", zap.Float64("megabytes", mb))
			}
		},
	}
}

func splashMode(m cube.SplashMode) splash.Mode {
	switch m {
	case cube.SplashSetBase:
		return splash.ModeSetBase
	case cube.SplashAddBase:
		return splash.ModeAddBase
	case cube.SplashDisabled:
		return splash.ModeDisabled
	default:
		return splash.ModeDefault
	}
}

