package cube

import "encoding/binary"

// PathKind classifies a CellPath: string dominates consolidated
// dominates numeric.
type PathKind int

const (
	PathNumeric PathKind = iota
	PathConsolidated
	PathString
)

func (k PathKind) String() string {
	switch k {
	case PathNumeric:
		return "numeric"
	case PathConsolidated:
		return "consolidated"
	case PathString:
		return "string"
	default:
		return "unknown"
	}
}

// CellPath is an immutable N-tuple of element ids addressing a cell,
// together with the dimension kinds needed to classify it.
// Construct with NewCellPath; never mutate IDs after construction — the
// Consolidator and ResultCache both rely on PathKind/Base staying fixed
// for the life of the value.
type CellPath struct {
	dims     []Dimension
	ids      []uint32
	pathKind PathKind
	base     bool
}

// NewCellPath validates ids against dims and classifies the path. It
// returns ErrInvalidCoordinates if len(ids) != len(dims) or any id is not a
// valid element of its dimension.
func NewCellPath(dims []Dimension, ids []uint32) (*CellPath, error) {
	if len(dims) != len(ids) {
		return nil, newErr("NewCellPath", KindInvalidCoordinates, nil)
	}

	allBase := true
	sawString := false
	sawConsolidated := false

	for i, d := range dims {
		kind, ok := d.Kind(ids[i])
		if !ok {
			return nil, newErr("NewCellPath", KindInvalidCoordinates, nil)
		}
		switch kind {
		case ElementString:
			sawString = true
			allBase = false
		case ElementConsolidated:
			sawConsolidated = true
			allBase = false
		case ElementNumeric:
			// base-compatible; base-ness also requires no consolidated/string sibling
		}
	}

	p := &CellPath{
		dims: dims,
		ids:  append([]uint32(nil), ids...),
		base: allBase,
	}

	switch {
	case sawString:
		p.pathKind = PathString
	case sawConsolidated:
		p.pathKind = PathConsolidated
	default:
		p.pathKind = PathNumeric
	}

	return p, nil
}

func (p *CellPath) Dims() []Dimension { return p.dims }
func (p *CellPath) IDs() []uint32     { return p.ids }
func (p *CellPath) Len() int          { return len(p.ids) }
func (p *CellPath) Kind() PathKind    { return p.pathKind }
func (p *CellPath) IsBase() bool      { return p.base }

// Key packs the path into the 4·N-byte little-endian concatenation of
// element ids. Dimension index 0 is least significant; the last
// dimension dominates lexicographic order, which is what the CellPage
// shell sort and change-depth machinery rely on.
func (p *CellPath) Key() []byte {
	buf := make([]byte, 4*len(p.ids))
	for i, id := range p.ids {
		binary.LittleEndian.PutUint32(buf[i*4:], id)
	}
	return buf
}

// KeyOffset returns the byte offset of dimension dim's id inside Key().
func KeyOffset(dim int) int { return dim * 4 }

// WithID returns a copy of p with dimension dim's id replaced, re-running
// classification. Used by the Consolidator and Splasher to walk base
// elements without re-parsing a path from scratch.
func (p *CellPath) WithID(dim int, id uint32) (*CellPath, error) {
	ids := append([]uint32(nil), p.ids...)
	ids[dim] = id
	return NewCellPath(p.dims, ids)
}
