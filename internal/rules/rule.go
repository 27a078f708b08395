// Package rules implements the RuleEngine: rule
// classification, the direct/indirect match evaluation order, and the
// cycle guard that turns re-entrant rule evaluation into
// rule_has_circular_reference instead of infinite recursion.
package rules

import (
	"time"

	"github.com/edirooss/cubed/internal/cube"
)

// Option declares whether a rule fires on base cells only, consolidated
// cells only, or any path kind.
type Option int

const (
	OptionBase Option = iota
	OptionConsolidation
	OptionAny
)

// ElementSet is a per-dimension id filter; a nil/empty IDs with All=true
// means "every element of this dimension".
type ElementSet struct {
	All bool
	IDs map[uint32]struct{}
}

func AllElements() ElementSet { return ElementSet{All: true} }

func SetOf(ids ...uint32) ElementSet {
	m := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return ElementSet{IDs: m}
}

func (s ElementSet) Contains(id uint32) bool {
	if s.All {
		return true
	}
	_, ok := s.IDs[id]
	return ok
}

// Area is a per-dimension product of ElementSets.
type Area struct {
	Dims []ElementSet
}

// Within reports whether path is inside the area.
func (a Area) Within(path *cube.CellPath) bool {
	if len(a.Dims) == 0 {
		return true
	}
	ids := path.IDs()
	for i, set := range a.Dims {
		if i >= len(ids) {
			return false
		}
		if !set.Contains(ids[i]) {
			return false
		}
	}
	return true
}

// descendantsOf returns every id reachable from id via Children, plus id
// itself, used by Contains to test "rule area is a strict subset of the
// subcube below p".
func descendantsOf(dim cube.Dimension, id uint32) map[uint32]struct{} {
	seen := map[uint32]struct{}{id: {}}
	stack := []uint32{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range dim.Children(cur) {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			stack = append(stack, c.ID)
		}
	}
	return seen
}

// Contains reports whether the rule's area is a strict subset of the
// subcube rooted at path (every dim's allowed ids are descendants-or-self
// of path's id in that dim, and the area is not already Within path).
func (a Area) Contains(dims []cube.Dimension, path *cube.CellPath) bool {
	if a.Within(path) {
		return false
	}
	ids := path.IDs()
	for i, set := range a.Dims {
		if set.All {
			continue
		}
		descendants := descendantsOf(dims[i], ids[i])
		for id := range set.IDs {
			if _, ok := descendants[id]; !ok {
				return false
			}
		}
	}
	return true
}

// Rule is a validated rule. The AST itself is opaque
// (a cube.RuleTree from the external RuleCompiler port); the engine only
// needs the classification flags and areas to decide evaluation order.
type Rule struct {
	ID              uint32
	Ast             cube.RuleTree
	Destination     Area
	Restricted      bool
	RestrictedArea  Area
	Markers         []uint32
	Active          bool
	Timestamp       time.Time
	Option          Option
	Linear          bool
	HasMarkers      bool
	ExternalID      string
	Comment         string
}

// optionMatches reports whether the rule's Option agrees with the path's
// classification.
func (r *Rule) optionMatches(kind cube.PathKind) bool {
	switch r.Option {
	case OptionBase:
		return kind == cube.PathNumeric
	case OptionConsolidation:
		return kind == cube.PathConsolidated
	default:
		return true
	}
}
