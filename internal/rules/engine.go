package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/edirooss/cubed/internal/cache"
	"github.com/edirooss/cubed/internal/cube"
	"go.uber.org/zap"
)

type ctxKey struct{}

// cycleStack tracks (ruleID, pathKey) pairs currently being evaluated on
// this logical call chain, so re-entrant rule evaluation fails with
// ErrRuleCircularReference instead of recursing forever.
type cycleStack map[string]struct{}

func stackFrom(ctx context.Context) cycleStack {
	if s, ok := ctx.Value(ctxKey{}).(cycleStack); ok {
		return s
	}
	return nil
}

func withFrame(ctx context.Context, s cycleStack, frame string) context.Context {
	next := make(cycleStack, len(s)+1)
	for k := range s {
		next[k] = struct{}{}
	}
	next[frame] = struct{}{}
	return context.WithValue(ctx, ctxKey{}, next)
}

// Engine holds a cube's ordered rule set and evaluates individual rules
// with a cycle guard. The direct/indirect/fallback dispatch order
// is orchestrated by the owning Cube, which alone has the
// Consolidator and Store needed for the aggregation branches.
type Engine struct {
	log *zap.Logger

	mu      sync.RWMutex
	rules   []*Rule
	dims    []cube.Dimension
	ruleIdx map[uint32]int // rule ID -> index into rules, for O(1) lookup/update

	ruleCache *cache.RuleCache
}

func NewEngine(log *zap.Logger, dims []cube.Dimension, ruleCache *cache.RuleCache) *Engine {
	return &Engine{
		log:       log.Named("rule_engine"),
		dims:      dims,
		ruleIdx:   make(map[uint32]int),
		ruleCache: ruleCache,
	}
}

// AddRule appends r to the end of definition order.
func (e *Engine) AddRule(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ruleIdx[r.ID] = len(e.rules)
	e.rules = append(e.rules, r)
}

// ModifyRule applies update to the rule with id, if present.
func (e *Engine) ModifyRule(id uint32, update func(*Rule)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.ruleIdx[id]
	if !ok {
		return &cube.Error{Kind: cube.KindRuleNotFound, Op: "Engine.ModifyRule"}
	}
	update(e.rules[i])
	return nil
}

// ActivateRule flips a rule's Active flag.
func (e *Engine) ActivateRule(id uint32, active bool) error {
	return e.ModifyRule(id, func(r *Rule) { r.Active = active })
}

// DeleteRule removes a rule, preserving the relative order of the rest.
func (e *Engine) DeleteRule(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.ruleIdx[id]
	if !ok {
		return &cube.Error{Kind: cube.KindRuleNotFound, Op: "Engine.DeleteRule"}
	}
	e.rules = append(e.rules[:i], e.rules[i+1:]...)
	delete(e.ruleIdx, id)
	for id2, idx := range e.ruleIdx {
		if idx > i {
			e.ruleIdx[id2] = idx - 1
		}
	}
	return nil
}

func (e *Engine) GetRule(id uint32) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i, ok := e.ruleIdx[id]
	if !ok {
		return nil, false
	}
	return e.rules[i], true
}

// Rules returns a snapshot of the rule set in definition order.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// DirectCandidates returns active rules, in definition order, whose
// option and destination area admit path directly.
func (e *Engine) DirectCandidates(path *cube.CellPath) []*Rule {
	var out []*Rule
	for _, r := range e.Rules() {
		if !r.Active || !r.optionMatches(path.Kind()) {
			continue
		}
		if r.Destination.Within(path) {
			out = append(out, r)
		}
	}
	return out
}

// IndirectCandidates returns active rules whose destination area strictly
// contains the subcube below path but did not directly match.
func (e *Engine) IndirectCandidates(path *cube.CellPath) []*Rule {
	var out []*Rule
	for _, r := range e.Rules() {
		if !r.Active || !r.optionMatches(path.Kind()) {
			continue
		}
		if r.Destination.Contains(e.dims, path) {
			out = append(out, r)
		}
	}
	return out
}

// Evaluate runs a single rule's AST at path, guarding against re-entrant
// cycles. ev is the CellEvaluator the AST uses to resolve cell references
// it contains — supplied by the owning Cube so references recurse through
// the full get_cell_value dispatch, not just this engine.
func (e *Engine) Evaluate(ctx context.Context, r *Rule, path *cube.CellPath, ev cube.CellEvaluator) (cube.RuleResult, error) {
	frame := fmt.Sprintf("%d:%x", r.ID, path.Key())
	stack := stackFrom(ctx)
	if _, ok := stack[frame]; ok {
		return cube.RuleResult{}, &cube.Error{Kind: cube.KindRuleCircularReference, Op: "Engine.Evaluate"}
	}
	ctx = withFrame(ctx, stack, frame)
	return r.Ast.Evaluate(ctx, path, ev)
}

// CacheGet/CachePut/CacheClear expose the rule cache to the owning Cube.
func (e *Engine) CacheGet(key string) (cache.RuleEntry, bool) { return e.ruleCache.Get(key) }
func (e *Engine) CachePut(key string, entry cache.RuleEntry)  { e.ruleCache.Put(key, entry) }
func (e *Engine) CacheClear()                                 { e.ruleCache.Clear() }
