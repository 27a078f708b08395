// Package consolidate implements the Consolidator: the
// recursive aggregation of a consolidated CellPath across the weighted
// base-element expansions of its dimensions, walking sorted CellPage
// ranges narrowed by each dimension's ids.
package consolidate

import "github.com/edirooss/cubed/internal/store"

// Base is one dimension's weighted leaf expansion: BaseElements sorted
// ascending by ID (the Consolidator's merge walk requires this).
type Base struct {
	Elements []WeightedID
}

type WeightedID struct {
	ID     uint32
	Weight float64
}

// MarkerResolver resolves a marker row's value during the walk — the
// engine passes the rule engine's evaluator here, keyed by the row's full
// ids.
type MarkerResolver func(ids []uint32) (float64, error)

// Value computes the weighted sum of base-element values under a
// consolidated path. base must have one entry per dimension in store's
// order, each sorted ascending by ID.
func Value(s *store.Store[float64], base []Base, resolve MarkerResolver) (float64, error) {
	numDims := s.NumDims()

	switch {
	case numDims == 1:
		return valueSingleDim(s, base, resolve)
	case numDims == 2:
		return valueTwoDim(s, base, resolve)
	default:
		return valueMultiDim(s, base, resolve)
	}
}

func valueSingleDim(s *store.Store[float64], base []Base, resolve MarkerResolver) (float64, error) {
	page, ok := s.PageAt(0, 0)
	if !ok {
		return 0, nil
	}
	page.Sort()

	var sum float64
	lo, hi := 0, page.Len()
	for _, we := range base[0].Elements {
		l, u := page.EqualRange(lo, hi, 0, we.ID)
		for slot := l; slot < u; slot++ {
			v, marker := valueAt(page, slot)
			if marker {
				var err error
				v, err = resolve([]uint32{we.ID})
				if err != nil {
					return 0, err
				}
			}
			sum += we.Weight * v
		}
	}
	return sum, nil
}

func valueTwoDim(s *store.Store[float64], base []Base, resolve MarkerResolver) (float64, error) {
	var sum float64
	for _, b1 := range base[0].Elements {
		page, ok := s.PageAt(b1.ID, 0)
		if !ok {
			continue
		}
		page.Sort()
		lo, hi := 0, page.Len()
		for _, b2 := range base[1].Elements {
			l, u := page.EqualRange(lo, hi, 1, b2.ID)
			for slot := l; slot < u; slot++ {
				v, marker := valueAt(page, slot)
				if marker {
					var err error
					v, err = resolve([]uint32{b1.ID, b2.ID})
					if err != nil {
						return 0, err
					}
				}
				sum += b1.Weight * b2.Weight * v
			}
		}
	}
	return sum, nil
}

func valueAt(page *store.Page[float64], slot int) (float64, bool) {
	v, _, marker, _ := page.RowAt(slot)
	return v, marker
}

// frame is one unit of pending work in the explicit walk stack: narrow
// dimension dim over the sorted row range [lo,hi), carrying the weight
// accumulated from dimensions already matched above it. Kept as data
// rather than call-stack recursion so a deep dimension count can't blow
// the goroutine stack.
type frame struct {
	dim       int
	lo, hi    int
	weight    float64
}

func valueMultiDim(s *store.Store[float64], base []Base, resolve MarkerResolver) (float64, error) {
	first, second, minimal := s.First(), s.Second(), s.Minimal()
	numDims := s.NumDims()

	startDim := topDim(numDims, first, second)

	var sum float64
	for _, b1 := range base[first].Elements {
		for _, b2 := range base[second].Elements {
			page, ok := s.PageAt(b1.ID, b2.ID)
			if !ok {
				continue
			}
			page.Sort()

			v, err := walkPage(page, base, first, second, minimal, startDim, 0, page.Len(), b1.Weight*b2.Weight, resolve)
			if err != nil {
				return 0, err
			}
			sum += v
		}
	}
	return sum, nil
}

// topDim finds the highest dimension index that is not a partition
// dimension — the level the per-page walk starts its descent from.
func topDim(numDims, first, second int) int {
	d := numDims - 1
	for d == first || d == second {
		d--
	}
	return d
}

func nextDim(dim, first, second int) int {
	d := dim - 1
	for d == first || d == second {
		d--
	}
	return d
}

// walkPage runs the explicit-stack descent: at each level, merge the
// sorted row range against the dimension's sorted base-element list via a
// three-way comparison, pushing narrowed child ranges for dims above
// minimal and summing directly at minimal.
func walkPage(page *store.Page[float64], base []Base, first, second, minimal, startDim, lo, hi int, startWeight float64, resolve MarkerResolver) (float64, error) {
	stack := []frame{{dim: startDim, lo: lo, hi: hi, weight: startWeight}}
	var sum float64

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.lo >= f.hi {
			continue
		}

		blist := base[f.dim].Elements
		bi, rowPos := 0, f.lo

		for bi < len(blist) && rowPos < f.hi {
			id := blist[bi].ID
			cur := page.KeyIDAt(rowPos, f.dim)

			switch {
			case id == cur:
				end := page.UpperBound(rowPos, f.hi, f.dim, id)
				w := f.weight * blist[bi].Weight

				if f.dim == minimal {
					for slot := rowPos; slot < end; slot++ {
						v, marker := valueAt(page, slot)
						if marker {
							ids := rowIDs(page, slot, len(base))
							var err error
							v, err = resolve(ids)
							if err != nil {
								return 0, err
							}
						}
						sum += w * v
					}
				} else {
					stack = append(stack, frame{dim: nextDim(f.dim, first, second), lo: rowPos, hi: end, weight: w})
				}

				rowPos = end
				bi++

			case id > cur:
				// rows lag behind the wanted base id: jump ahead via
				// binary search rather than scanning one by one.
				rowPos = page.LowerBound(rowPos, f.hi, f.dim, id)

			default: // id < cur
				// this base id has no matching row at all: skip it.
				bi++
			}
		}
	}

	return sum, nil
}

func rowIDs(page *store.Page[float64], slot int, numDims int) []uint32 {
	ids := make([]uint32, numDims)
	for d := 0; d < numDims; d++ {
		ids[d] = page.KeyIDAt(slot, d)
	}
	return ids
}

// CountBaseCells returns the product of per-dimension base-element counts,
// used by ResultCache's admission policy.
func CountBaseCells(base []Base) int64 {
	count := int64(1)
	for _, b := range base {
		count *= int64(len(b.Elements))
	}
	return count
}

// SumWeights returns the product of each dimension's total base weight,
// used by the default-splash even-distribution divisor.
func SumWeights(base []Base) float64 {
	product := 1.0
	for _, b := range base {
		var dimSum float64
		for _, e := range b.Elements {
			dimSum += e.Weight
		}
		product *= dimSum
	}
	return product
}
