package store

import (
	"encoding/binary"
	"testing"
)

func packKey(ids ...uint32) []byte {
	buf := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[i*4:], id)
	}
	return buf
}

func TestPageAppendLookupAt(t *testing.T) {
	p := NewPage[float64](2)
	k := packKey(1, 2)
	ref := p.Append(k, 3.5, false)

	got, ok := p.Lookup(k)
	if !ok || got != ref {
		t.Fatalf("Lookup after Append: got (%v, %v), want (%v, true)", got, ok, ref)
	}
	v, marker, ok := p.At(ref)
	if !ok || marker || v != 3.5 {
		t.Fatalf("At: got (%v, %v, %v), want (3.5, false, true)", v, marker, ok)
	}
}

func TestPageSortOrdersByLastDimDominant(t *testing.T) {
	p := NewPage[float64](2)
	// Rows ordered so the last dimension dominates: (id0, id1) with id1
	// as the higher-order sort key.
	rows := [][2]uint32{{2, 1}, {1, 0}, {3, 1}, {0, 0}}
	for _, r := range rows {
		p.Append(packKey(r[0], r[1]), float64(r[0]), false)
	}
	p.Sort()

	if !p.IsSorted() {
		t.Fatalf("expected IsSorted() true after Sort")
	}
	for i := 0; i < p.Len()-1; i++ {
		a0, a1 := p.KeyIDAt(i, 0), p.KeyIDAt(i, 1)
		b0, b1 := p.KeyIDAt(i+1, 0), p.KeyIDAt(i+1, 1)
		if a1 > b1 || (a1 == b1 && a0 > b0) {
			t.Fatalf("rows out of order at slot %d: (%d,%d) then (%d,%d)", i, a0, a1, b0, b1)
		}
	}
}

func TestPageChangeDepthFirstRowIsMaxDepth(t *testing.T) {
	p := NewPage[float64](3)
	p.Append(packKey(1, 2, 3), 1, false)
	p.Append(packKey(1, 2, 4), 2, false)
	p.Sort()

	if p.ChangeDepth(0) != uint32(p.numDims-1) {
		t.Fatalf("first row change-depth = %d, want %d", p.ChangeDepth(0), p.numDims-1)
	}
}

func TestPageRemoveSwapsWithLast(t *testing.T) {
	p := NewPage[float64](1)
	r0 := p.Append(packKey(10), 1, false)
	_ = p.Append(packKey(20), 2, false)
	r2 := p.Append(packKey(30), 3, false)

	p.Remove(r0)
	if p.Len() != 2 {
		t.Fatalf("expected Len()=2 after Remove, got %d", p.Len())
	}
	// r2's key (30) must still be findable: Remove moves the last row
	// into the removed slot and re-registers it in the index.
	if _, ok := p.Lookup(packKey(30)); !ok {
		t.Fatalf("expected key 30 to remain lookupable after removing a different row")
	}
	_ = r2
}

func TestPageMarkDeletedZeroSurvivesUntilSort(t *testing.T) {
	p := NewPage[float64](1)
	ref := p.Append(packKey(1), 5, true)
	p.MarkDeletedZero(ref, 0)

	if p.Len() != 1 {
		t.Fatalf("expected deleted marker row to remain present pre-sort, got Len()=%d", p.Len())
	}
	if _, ok := p.Lookup(packKey(1)); ok {
		t.Fatalf("expected deleted row to be unreachable via Lookup")
	}

	p.Sort()
	if p.Len() != 0 {
		t.Fatalf("expected deleted row swept by Sort, got Len()=%d", p.Len())
	}
}

func TestPageSortExportOrdersByFirstDim(t *testing.T) {
	p := NewPage[float64](2)
	rows := [][2]uint32{{2, 9}, {0, 5}, {1, 1}}
	for _, r := range rows {
		p.Append(packKey(r[0], r[1]), float64(r[0]), false)
	}
	p.SortExport()

	for i := 0; i < p.Len()-1; i++ {
		if p.KeyIDAt(i, 0) > p.KeyIDAt(i+1, 0) {
			t.Fatalf("SortExport did not order by dim 0 ascending at slot %d", i)
		}
	}
}
