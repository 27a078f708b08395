package splash

import (
	"testing"

	"github.com/edirooss/cubed/internal/cube"
)

// memStore is a fake CellStore over a map, keyed by the packed id tuple.
type memStore struct {
	data map[string]float64
}

func newMemStore() *memStore { return &memStore{data: make(map[string]float64)} }

func key(ids []uint32) string {
	b := make([]byte, len(ids))
	for i, id := range ids {
		b[i] = byte(id)
	}
	return string(b)
}

func (m *memStore) Get(ids []uint32) (float64, bool) {
	v, ok := m.data[key(ids)]
	return v, ok
}
func (m *memStore) Set(ids []uint32, value float64) { m.data[key(ids)] = value }
func (m *memStore) Delete(ids []uint32)             { delete(m.data, key(ids)) }

type recordedPreimage struct {
	ids       []uint32
	prior     float64
	wasAbsent bool
}

type recordingRecorder struct{ calls []recordedPreimage }

func (r *recordingRecorder) Record(ids []uint32, priorValue float64, wasAbsent bool) {
	r.calls = append(r.calls, recordedPreimage{append([]uint32(nil), ids...), priorValue, wasAbsent})
}

// leafDim is a fake cube.Dimension with one consolidated root (id 2) over
// two numeric leaves (0, 1).
type leafDim struct{}

func (leafDim) Size() int { return 3 }
func (leafDim) Kind(id uint32) (cube.ElementKind, bool) {
	switch {
	case id == 2:
		return cube.ElementConsolidated, true
	case id < 2:
		return cube.ElementNumeric, true
	}
	return 0, false
}
func (leafDim) Children(id uint32) []cube.WeightedElement {
	if id == 2 {
		return []cube.WeightedElement{{ID: 0, Weight: 1}, {ID: 1, Weight: 1}}
	}
	return nil
}
func (leafDim) Parents(id uint32) []uint32 {
	if id < 2 {
		return []uint32{2}
	}
	return nil
}
func (leafDim) BaseElements(id uint32) []cube.WeightedElement {
	if id == 2 {
		return []cube.WeightedElement{{ID: 0, Weight: 1}, {ID: 1, Weight: 1}}
	}
	return []cube.WeightedElement{{ID: id, Weight: 1}}
}
func (leafDim) Exists(id uint32) bool { return id < 3 }

func TestBaseDimsExpandsConsolidatedElement(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, err := cube.NewCellPath(dims, []uint32{2})
	if err != nil {
		t.Fatalf("NewCellPath: %v", err)
	}
	base, err := BaseDims(dims, path)
	if err != nil {
		t.Fatalf("BaseDims: %v", err)
	}
	if len(base) != 1 || len(base[0]) != 2 {
		t.Fatalf("got %v, want one dim with 2 base elements", base)
	}
}

func TestSetConsolidatedDisabledRejects(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)

	err := SetConsolidated(ModeDisabled, newMemStore(), NoopRecorder, base, 0, false, 10, Governor{})
	ce, ok := err.(*cube.Error)
	if !ok || ce.Kind != cube.KindSplashDisabled {
		t.Fatalf("got %v, want KindSplashDisabled", err)
	}
}

func TestSetConsolidatedDefaultEvenSplitWhenEmpty(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)
	st := newMemStore()

	if err := SetConsolidated(ModeDefault, st, NoopRecorder, base, 0, false, 10, Governor{}); err != nil {
		t.Fatalf("SetConsolidated: %v", err)
	}
	v0, _ := st.Get([]uint32{0})
	v1, _ := st.Get([]uint32{1})
	if v0 != 5 || v1 != 5 {
		t.Fatalf("got (%v, %v), want (5, 5) even split of 10 over 2 equal-weight leaves", v0, v1)
	}
}

func TestSetConsolidatedDefaultScalesByFactor(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)
	st := newMemStore()
	st.Set([]uint32{0}, 4)
	st.Set([]uint32{1}, 6)

	if err := SetConsolidated(ModeDefault, st, NoopRecorder, base, 10, true, 20, Governor{}); err != nil {
		t.Fatalf("SetConsolidated: %v", err)
	}
	v0, _ := st.Get([]uint32{0})
	v1, _ := st.Get([]uint32{1})
	if v0 != 8 || v1 != 12 {
		t.Fatalf("got (%v, %v), want (8, 12) after scaling by factor 2", v0, v1)
	}
}

func TestSetConsolidatedDefaultSkipsWithinEpsilon(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)
	st := newMemStore()
	st.Set([]uint32{0}, 4)

	if err := SetConsolidated(ModeDefault, st, NoopRecorder, base, 4, true, 4, Governor{}); err != nil {
		t.Fatalf("SetConsolidated: %v", err)
	}
	v0, _ := st.Get([]uint32{0})
	if v0 != 4 {
		t.Fatalf("expected a factor of exactly 1 to leave the base cell untouched, got %v", v0)
	}
}

func TestSetConsolidatedSetBaseRecordsPreimage(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)
	st := newMemStore()
	st.Set([]uint32{0}, 1)

	rec := &recordingRecorder{}
	if err := SetConsolidated(ModeSetBase, st, rec, base, 0, false, 99, Governor{}); err != nil {
		t.Fatalf("SetConsolidated: %v", err)
	}
	v0, _ := st.Get([]uint32{0})
	v1, _ := st.Get([]uint32{1})
	if v0 != 99 || v1 != 99 {
		t.Fatalf("got (%v, %v), want (99, 99)", v0, v1)
	}
	if len(rec.calls) != 2 {
		t.Fatalf("expected 2 preimage recordings, got %d", len(rec.calls))
	}
}

func TestSetConsolidatedAddBaseAccumulates(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)
	st := newMemStore()
	st.Set([]uint32{0}, 10)

	if err := SetConsolidated(ModeAddBase, st, NoopRecorder, base, 0, false, 5, Governor{}); err != nil {
		t.Fatalf("SetConsolidated: %v", err)
	}
	v0, _ := st.Get([]uint32{0})
	v1, _ := st.Get([]uint32{1})
	if v0 != 15 || v1 != 5 {
		t.Fatalf("got (%v, %v), want (15, 5)", v0, v1)
	}
}

func TestSetConsolidatedRejectsOverLimit1(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)
	st := newMemStore()

	gov := Governor{Limits: WorkingSetLimits{Limit1MB: 0.00000001}}
	err := SetConsolidated(ModeSetBase, st, NoopRecorder, base, 0, false, 99, gov)
	ce, ok := err.(*cube.Error)
	if !ok || ce.Kind != cube.KindSplashNotPossible {
		t.Fatalf("got %v, want KindSplashNotPossible", err)
	}
	if _, found := st.Get([]uint32{0}); found {
		t.Fatalf("expected no cell touched once the working-set check rejects the splash")
	}
}

func TestSetConsolidatedDefaultScaleBranchSkipsWorkingSetCheck(t *testing.T) {
	// The factor-scaling branch of ModeDefault has no working-set check in
	// the original engine (only setBaseElementsRecursive does), so an
	// arbitrarily tiny Limit1MB must not reject it.
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)
	st := newMemStore()
	st.Set([]uint32{0}, 4)
	st.Set([]uint32{1}, 6)

	gov := Governor{Limits: WorkingSetLimits{Limit1MB: 0.00000001}}
	if err := SetConsolidated(ModeDefault, st, NoopRecorder, base, 10, true, 20, gov); err != nil {
		t.Fatalf("SetConsolidated: %v", err)
	}
	v0, _ := st.Get([]uint32{0})
	if v0 != 8 {
		t.Fatalf("got %v, want 8", v0)
	}
}

func TestSetConsolidatedNotifiesWarnLevel(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)
	st := newMemStore()

	var gotMB float64
	var gotLevel WorkingSetLevel
	gov := Governor{
		Limits: WorkingSetLimits{Limit1MB: 1000, Limit2MB: 0.00000001},
		Notify: func(mb float64, level WorkingSetLevel) { gotMB, gotLevel = mb, level },
	}
	if err := SetConsolidated(ModeSetBase, st, NoopRecorder, base, 0, false, 1, gov); err != nil {
		t.Fatalf("SetConsolidated: %v", err)
	}
	if gotLevel != WorkingSetWarn || gotMB <= 0 {
		t.Fatalf("got (%v, %v), want (WorkingSetWarn, >0)", gotMB, gotLevel)
	}
}

// fakeLimiter is a Limiter fake tracking outstanding weight against a
// fixed capacity, the same contract *semaphore.Weighted exposes.
type fakeLimiter struct {
	capacity, inUse int64
}

func (f *fakeLimiter) TryAcquire(megabytes int64) bool {
	if f.inUse+megabytes > f.capacity {
		return false
	}
	f.inUse += megabytes
	return true
}

func (f *fakeLimiter) Release(megabytes int64) { f.inUse -= megabytes }

func TestSetConsolidatedLimiterGatesAdmission(t *testing.T) {
	dims := []cube.Dimension{leafDim{}}
	path, _ := cube.NewCellPath(dims, []uint32{2})
	base, _ := BaseDims(dims, path)
	st := newMemStore()

	limiter := &fakeLimiter{capacity: 0}
	gov := Governor{Limiter: limiter}
	err := SetConsolidated(ModeSetBase, st, NoopRecorder, base, 0, false, 1, gov)
	ce, ok := err.(*cube.Error)
	if !ok || ce.Kind != cube.KindSplashNotPossible {
		t.Fatalf("got %v, want KindSplashNotPossible when the limiter has no capacity", err)
	}

	limiter.capacity = 1 << 20
	if err := SetConsolidated(ModeSetBase, st, NoopRecorder, base, 0, false, 1, gov); err != nil {
		t.Fatalf("SetConsolidated: %v", err)
	}
	if limiter.inUse != 0 {
		t.Fatalf("expected the limiter's weight released after the splash completes, got inUse=%d", limiter.inUse)
	}
}
