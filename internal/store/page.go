package store

import "encoding/binary"

const (
	flagMarker     uint32 = 1 << 31
	flagDeleted    uint32 = 1 << 30
	changeDepthMax uint32 = 1<<30 - 1
)

// row is one slot of a Page: a value, its packed key, and flags packing
// marker/deleted bits plus change-depth.
type row[V any] struct {
	value V
	key   []byte
	flags uint32
}

func (r *row[V]) marker() bool  { return r.flags&flagMarker != 0 }
func (r *row[V]) deleted() bool { return r.flags&flagDeleted != 0 }
func (r *row[V]) changeDepth() uint32 {
	return r.flags & changeDepthMax
}
func (r *row[V]) setChangeDepth(d uint32) {
	r.flags = (r.flags &^ changeDepthMax) | (d & changeDepthMax)
}
func (r *row[V]) setMarker(v bool) {
	if v {
		r.flags |= flagMarker
	} else {
		r.flags &^= flagMarker
	}
}
func (r *row[V]) setDeleted(v bool) {
	if v {
		r.flags |= flagDeleted
	} else {
		r.flags &^= flagDeleted
	}
}

const pageGrowIncrement = 256

// Page is a fixed-slot buffer of rows, generic over the stored value type
//. NumDims is the number of key dimensions (4·NumDims bytes per
// key).
type Page[V any] struct {
	rows    []row[V]
	index   *KeyIndex
	numDims int
	sorted  bool
}

// NewPage allocates an empty page for a cube with numDims dimensions.
func NewPage[V any](numDims int) *Page[V] {
	return &Page[V]{
		index:   NewKeyIndex(pageGrowIncrement),
		numDims: numDims,
		sorted:  true,
	}
}

// Len reports the number of live rows.
func (p *Page[V]) Len() int { return len(p.rows) }

// keyID reads dimension dim's id out of a packed key.
func keyID(key []byte, dim int) uint32 {
	return binary.LittleEndian.Uint32(key[dim*4:])
}

// compareSortKeys orders two keys with the most-significant dimension
// last: the highest dim index decides first.
func compareSortKeys(a, b []byte, numDims int) int {
	for d := numDims - 1; d >= 0; d-- {
		ai, bi := keyID(a, d), keyID(b, d)
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	return 0
}

// compareExportKeys orders two keys with the first dimension dominating
// and later dimensions breaking ties, left to right.
func compareExportKeys(a, b []byte, numDims int) int {
	for d := 0; d < numDims; d++ {
		ai, bi := keyID(a, d), keyID(b, d)
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Append adds a new row and registers it in the KeyIndex. Marks the page
// unsorted.
func (p *Page[V]) Append(key []byte, value V, isMarker bool) Ref {
	var flags uint32
	if isMarker {
		flags = flagMarker
	}
	p.rows = append(p.rows, row[V]{value: value, key: key, flags: flags})
	slot := len(p.rows) - 1
	p.index.Insert(key, slot)
	p.sorted = false
	return Ref{Slot: slot}
}

// Lookup resolves a packed key to its current slot, if present.
func (p *Page[V]) Lookup(key []byte) (Ref, bool) {
	slot, ok := p.index.Lookup(key)
	if !ok {
		return Ref{}, false
	}
	return Ref{Slot: slot}, true
}

// At returns the row at ref. Callers must have re-resolved ref since the
// last Sort/Remove.
func (p *Page[V]) At(ref Ref) (value V, marker bool, ok bool) {
	if ref.Slot < 0 || ref.Slot >= len(p.rows) {
		var zero V
		return zero, false, false
	}
	r := &p.rows[ref.Slot]
	return r.value, r.marker(), true
}

// SetValue overwrites the value and clears the deleted/marker bits for an
// existing row.
func (p *Page[V]) SetValue(ref Ref, value V, isMarker bool) {
	r := &p.rows[ref.Slot]
	r.value = value
	r.setDeleted(false)
	r.setMarker(isMarker)
}

// MarkDeletedZero clears a marker cell's value and sets the deleted bit in
// place, rather than physically removing it.
func (p *Page[V]) MarkDeletedZero(ref Ref, zero V) {
	r := &p.rows[ref.Slot]
	r.value = zero
	r.setDeleted(true)
	p.index.Remove(r.key)
	p.sorted = false
}

// Remove unregisters the row at ref and moves the last live row into its
// place. Invalidates all outstanding Refs.
func (p *Page[V]) Remove(ref Ref) {
	n := len(p.rows)
	if ref.Slot < 0 || ref.Slot >= n {
		return
	}
	p.index.Remove(p.rows[ref.Slot].key)

	last := n - 1
	if ref.Slot != last {
		p.index.Remove(p.rows[last].key)
		p.rows[ref.Slot] = p.rows[last]
		p.index.Insert(p.rows[ref.Slot].key, ref.Slot)
	}
	p.rows = p.rows[:last]
	p.sorted = false
}

// sortBy runs a shell sort (gap sequence h = 3h+1) using cmp, dropping
// deleted rows from the live prefix and re-registering survivors
// in the key index at their new slots.
func (p *Page[V]) sortBy(cmp func(a, b []byte, numDims int) int) {
	n := len(p.rows)

	// Shell sort with the classic 3h+1 gap sequence.
	h := 1
	for 9*h+4 < n {
		h = 3*h + 1
	}
	for h > 0 {
		for i := h; i < n; i++ {
			tmp := p.rows[i]
			j := i
			for j >= h && cmp(p.rows[j-h].key, tmp.key, p.numDims) > 0 {
				p.rows[j] = p.rows[j-h]
				j -= h
			}
			p.rows[j] = tmp
		}
		h /= 3
	}

	// Drop deleted rows from the live prefix; they sort with their key but
	// carry no further meaning once removed here.
	live := p.rows[:0]
	for _, r := range p.rows {
		if r.deleted() {
			continue
		}
		live = append(live, r)
	}
	p.rows = live

	p.index.Clear()
	for i, r := range p.rows {
		p.index.Insert(r.key, i)
	}
}

// Sort restores the sorted invariant (no-op if already sorted) and
// recomputes each row's change-depth against its predecessor, with the
// last dimension dominating order.
func (p *Page[V]) Sort() {
	if p.sorted {
		return
	}
	p.sortBy(compareSortKeys)
	p.recomputeChangeDepths()
	p.sorted = true
}

// SortExport is Sort's counterpart ordering by the first dimension instead
// of the last, used only by the export cursor.
func (p *Page[V]) SortExport() {
	p.sorted = false
	p.sortBy(compareExportKeys)
}

func (p *Page[V]) recomputeChangeDepths() {
	if len(p.rows) == 0 {
		return
	}
	p.rows[0].setChangeDepth(uint32(p.numDims - 1))
	for i := 1; i < len(p.rows); i++ {
		prev, cur := p.rows[i-1].key, p.rows[i].key
		depth := uint32(0)
		for d := p.numDims - 1; d >= 0; d-- {
			if keyID(prev, d) != keyID(cur, d) {
				depth = uint32(d)
				break
			}
		}
		p.rows[i].setChangeDepth(depth)
	}
}

// ChangeDepth returns the row-at-slot's change-depth annotation. The page
// must be sorted.
func (p *Page[V]) ChangeDepth(slot int) uint32 {
	return p.rows[slot].changeDepth()
}

// EqualRange returns the half-open slot range [lo, hi) of rows whose
// dimension dim's id equals value, within the existing range
// [lo, hi). The page must be sorted by Sort
// for this to mean anything, since it performs binary bisection.
func (p *Page[V]) EqualRange(lo, hi int, dim int, value uint32) (int, int) {
	l := p.lowerBound(lo, hi, dim, value)
	u := p.upperBound(l, hi, dim, value)
	return l, u
}

// LowerBound returns the first slot in [lo,hi) whose dim id is >= value.
func (p *Page[V]) LowerBound(lo, hi int, dim int, value uint32) int {
	return p.lowerBound(lo, hi, dim, value)
}

// UpperBound returns the first slot in [lo,hi) whose dim id is > value.
func (p *Page[V]) UpperBound(lo, hi int, dim int, value uint32) int {
	return p.upperBound(lo, hi, dim, value)
}

// KeyIDAt returns dimension dim's id for the row at slot.
func (p *Page[V]) KeyIDAt(slot int, dim int) uint32 {
	return keyID(p.rows[slot].key, dim)
}

func (p *Page[V]) lowerBound(lo, hi int, dim int, value uint32) int {
	for lo < hi {
		mid := (lo + hi) / 2
		if keyID(p.rows[mid].key, dim) < value {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (p *Page[V]) upperBound(lo, hi int, dim int, value uint32) int {
	for lo < hi {
		mid := (lo + hi) / 2
		if keyID(p.rows[mid].key, dim) <= value {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// RowAt exposes a sorted row's raw fields for the Consolidator's range
// walk. slot must be within [0, Len()).
func (p *Page[V]) RowAt(slot int) (value V, key []byte, isMarker bool, changeDepth uint32) {
	r := &p.rows[slot]
	return r.value, r.key, r.marker(), r.changeDepth()
}

// SetRowValue overwrites a row's value in place by slot. The Consolidator
// does not call it: resolved marker values are summed, not stored back.
func (p *Page[V]) SetRowValue(slot int, value V) {
	p.rows[slot].value = value
}

// IsSorted reports the page's current sort state.
func (p *Page[V]) IsSorted() bool { return p.sorted }
