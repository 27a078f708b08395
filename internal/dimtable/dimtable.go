// Package dimtable provides a minimal in-memory implementation of the
// cube.Dimension port: dimension/element storage is an external concern
// the engine only consumes through that interface.
package dimtable

import "github.com/edirooss/cubed/internal/cube"

// Element is one dimension member: a numeric/string leaf, or a
// consolidated node with weighted children.
type Element struct {
	ID       uint32
	Kind     cube.ElementKind
	Children []cube.WeightedElement
}

// Table is a single dimension's element set, addressed by a dense id
// space. Parent edges and the BaseElements transitive closure are
// derived from Children at construction time and kept denormalized, so
// traversal in either direction is O(1).
type Table struct {
	elems   []Element
	parents [][]uint32
	base    [][]cube.WeightedElement
}

// New builds a Table from a flat element list; elems must be indexed
// by ID (elems[i].ID == i) since ids are used as direct slice offsets.
func New(elems []Element) *Table {
	t := &Table{
		elems:   elems,
		parents: make([][]uint32, len(elems)),
		base:    make([][]cube.WeightedElement, len(elems)),
	}
	for _, e := range elems {
		for _, ch := range e.Children {
			t.parents[ch.ID] = append(t.parents[ch.ID], e.ID)
		}
	}
	for _, e := range elems {
		t.base[e.ID] = t.baseElementsOf(e.ID, 1)
	}
	return t
}

func (t *Table) baseElementsOf(id uint32, weight float64) []cube.WeightedElement {
	e := t.elems[id]
	if e.Kind != cube.ElementConsolidated {
		return []cube.WeightedElement{{ID: id, Weight: weight}}
	}
	var out []cube.WeightedElement
	for _, ch := range e.Children {
		out = append(out, t.baseElementsOf(ch.ID, weight*ch.Weight)...)
	}
	return out
}

func (t *Table) Size() int { return len(t.elems) }

func (t *Table) Kind(id uint32) (cube.ElementKind, bool) {
	if int(id) >= len(t.elems) {
		return 0, false
	}
	return t.elems[id].Kind, true
}

func (t *Table) Children(id uint32) []cube.WeightedElement {
	if int(id) >= len(t.elems) {
		return nil
	}
	return t.elems[id].Children
}

func (t *Table) Parents(id uint32) []uint32 {
	if int(id) >= len(t.elems) {
		return nil
	}
	return t.parents[id]
}

func (t *Table) BaseElements(id uint32) []cube.WeightedElement {
	if int(id) >= len(t.elems) {
		return nil
	}
	return t.base[id]
}

func (t *Table) Exists(id uint32) bool { return int(id) < len(t.elems) }
