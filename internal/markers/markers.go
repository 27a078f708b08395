// Package markers implements the MarkerPropagator:
// marker projection across cubes and the from/to marker set bookkeeping
// that drives when a rebuild is owed.
package markers

import (
	"sync"

	"github.com/edirooss/cubed/internal/rules"
)

// PermSlot is one destination dimension's source: either "take the
// from-key's dimension FromDim" or "use the marker's Fixed id" — a tagged
// optional in place of a magic sentinel int.
type PermSlot struct {
	FromDim    int
	HasFromDim bool
}

// NoMappingID vetoes a projected cell when it appears as a Mapping
// result.
const NoMappingID = ^uint32(0)

// Marker is a pre-materialised activation: when a base cell in
// FromCube/FromBase becomes non-empty, the projected cell in ToCube
// gets a marker row.
type Marker struct {
	ID       uint32
	FromCube uint32
	ToCube   uint32
	// FromBase is the source cube's area that activates this marker: a
	// base-cell insert within FromBase fires the projection.
	FromBase    rules.Area
	Permutation []PermSlot          // len == to-rank
	Fixed       []uint32            // len == to-rank
	Mapping     []map[uint32]uint32 // len == to-rank; nil entry = no remap for that dim
}

// Project computes the destination ids for an incoming from-key, applying
// permutation/fixed assignment then optional remapping. ok=false means the
// mapping vetoed this cell (NoMappingID) and no marker should be written.
func Project(m Marker, fromIDs []uint32) (toIDs []uint32, ok bool) {
	toIDs = make([]uint32, len(m.Fixed))
	for i := range toIDs {
		var v uint32
		if m.Permutation[i].HasFromDim {
			v = fromIDs[m.Permutation[i].FromDim]
		} else {
			v = m.Fixed[i]
		}
		if i < len(m.Mapping) && m.Mapping[i] != nil {
			mapped, present := m.Mapping[i][v]
			if present {
				if mapped == NoMappingID {
					return nil, false
				}
				v = mapped
			}
		}
		toIDs[i] = v
	}
	return toIDs, true
}

// Propagator tracks one cube's markers_in/markers_out sets and whether a structural change owes it a rebuild.
type Propagator struct {
	mu             sync.RWMutex
	in             []Marker
	out            []Marker
	rebuildPending bool
}

func NewPropagator() *Propagator { return &Propagator{} }

// AddFrom registers a "from" marker: this cube is the source, and writes
// here must activate cells in another cube.
func (p *Propagator) AddFrom(m Marker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in = append(p.in, m)
}

// AddTo registers a "to" marker: this cube is a destination for another
// cube's writes. Because prior writes on the source may need to fire
// markers they originally didn't, this schedules a full rebuild.
func (p *Propagator) AddTo(m Marker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, m)
	p.rebuildPending = true
}

// RemoveFrom/RemoveTo drop a marker by ID.
func (p *Propagator) RemoveFrom(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in = removeByID(p.in, id)
}

func (p *Propagator) RemoveTo(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = removeByID(p.out, id)
}

func removeByID(markers []Marker, id uint32) []Marker {
	out := markers[:0]
	for _, m := range markers {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// In returns a snapshot of the from-markers (cube is the source).
func (p *Propagator) In() []Marker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Marker, len(p.in))
	copy(out, p.in)
	return out
}

// Out returns a snapshot of the to-markers (cube is a destination).
func (p *Propagator) Out() []Marker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Marker, len(p.out))
	copy(out, p.out)
	return out
}

// NeedsRebuild reports whether a "to" marker was added since the last
// rebuild.
func (p *Propagator) NeedsRebuild() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rebuildPending
}

// RebuildDone clears the pending-rebuild flag once the owning Cube has
// re-run activation for every live "from" marker.
func (p *Propagator) RebuildDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuildPending = false
}
