// Package lock implements the LockManager and per-lock RollbackLog:
// single-writer area locks with a contains/overlap invariant, and
// budgeted pre-image logging for rollback.
package lock

import (
	"context"
	"sync"

	"github.com/edirooss/cubed/internal/cube"
	"github.com/edirooss/cubed/internal/rules"
	"github.com/google/uuid"
)

// Lock is one active write lease. Contains is the requested area plus
// all numerically reachable descendants; Overlap additionally widens to
// non-string ancestors, since a write to a descendant must also be seen
// as touching its consolidated ancestors.
type Lock struct {
	ID       uuid.UUID
	Owner    string
	Contains rules.Area
	Overlap  rules.Area
	Log      *RollbackLog
}

// Manager owns the set of active locks for one cube and enforces the
// single-intersection invariant: at most one lock may claim any given
// cell.
type Manager struct {
	mu    sync.Mutex
	dims  []cube.Dimension
	locks map[uuid.UUID]*Lock

	memBudgetBytes  int64
	fileBudgetBytes int64
	store           PageStore
}

func NewManager(dims []cube.Dimension, memBudgetBytes, fileBudgetBytes int64, store PageStore) *Manager {
	return &Manager{
		dims:            dims,
		locks:           make(map[uuid.UUID]*Lock),
		memBudgetBytes:  memBudgetBytes,
		fileBudgetBytes: fileBudgetBytes,
		store:           store,
	}
}

// widenToDescendants expands each dimension's requested id set to include
// every descendant reachable via Children, matching contains_area's
// "requested ids + all descendants".
func widenToDescendants(dim cube.Dimension, set rules.ElementSet) rules.ElementSet {
	if set.All {
		return set
	}
	out := make(map[uint32]struct{}, len(set.IDs))
	stack := make([]uint32, 0, len(set.IDs))
	for id := range set.IDs {
		out[id] = struct{}{}
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range dim.Children(cur) {
			if _, ok := out[c.ID]; ok {
				continue
			}
			out[c.ID] = struct{}{}
			stack = append(stack, c.ID)
		}
	}
	return rules.ElementSet{IDs: out}
}

// widenToAncestors expands each dimension's id set to include non-string
// ancestors (consolidated parents only; a string element has no
// consolidated ancestor to protect), matching overlap_area.
func widenToAncestors(dim cube.Dimension, set rules.ElementSet) rules.ElementSet {
	if set.All {
		return set
	}
	out := make(map[uint32]struct{}, len(set.IDs))
	stack := make([]uint32, 0, len(set.IDs))
	for id := range set.IDs {
		out[id] = struct{}{}
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range dim.Parents(cur) {
			if kind, ok := dim.Kind(p); ok && kind == cube.ElementString {
				continue
			}
			if _, ok := out[p]; ok {
				continue
			}
			out[p] = struct{}{}
			stack = append(stack, p)
		}
	}
	return rules.ElementSet{IDs: out}
}

func areasIntersect(a, b rules.Area) bool {
	n := len(a.Dims)
	if len(b.Dims) < n {
		n = len(b.Dims)
	}
	for i := 0; i < n; i++ {
		sa, sb := a.Dims[i], b.Dims[i]
		if sa.All || sb.All {
			continue
		}
		overlap := false
		for id := range sa.IDs {
			if sb.Contains(id) {
				overlap = true
				break
			}
		}
		if !overlap {
			return false
		}
	}
	return true
}

// Acquire takes a new lock over requested, rejecting it with
// cube_blocked_by_lock if any active lock's overlap area intersects the
// new lock's contains or overlap area.
func (m *Manager) Acquire(owner string, requested rules.Area, keyPrefix string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	contains := rules.Area{Dims: make([]rules.ElementSet, len(requested.Dims))}
	overlap := rules.Area{Dims: make([]rules.ElementSet, len(requested.Dims))}
	for i, set := range requested.Dims {
		widened := widenToDescendants(m.dims[i], set)
		contains.Dims[i] = widened
		overlap.Dims[i] = widenToAncestors(m.dims[i], widened)
	}

	for _, existing := range m.locks {
		if areasIntersect(existing.Overlap, contains) || areasIntersect(existing.Overlap, overlap) {
			return nil, &cube.Error{Kind: cube.KindBlockedByLock, Op: "Manager.Acquire"}
		}
	}

	l := &Lock{
		ID:       uuid.New(),
		Owner:    owner,
		Contains: contains,
		Overlap:  overlap,
		Log:      NewRollbackLog(m.memBudgetBytes, m.fileBudgetBytes, m.store, keyPrefix),
	}
	m.locks[l.ID] = l
	return l, nil
}

// Get returns the lock by id, verifying ownership when user != "".
func (m *Manager) Get(id uuid.UUID, user string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		return nil, &cube.Error{Kind: cube.KindLockNotFound, Op: "Manager.Get"}
	}
	if user != "" && l.Owner != user {
		return nil, &cube.Error{Kind: cube.KindWrongUser, Op: "Manager.Get"}
	}
	return l, nil
}

// LockCovering returns the active lock (if any) whose contains area
// covers path for user, used to decide which rollback log a write's
// pre-image belongs to. A path covered by another user's lock is
// cube_blocked_by_lock regardless of whether it falls in that lock's
// contains or merely its overlap area: only the owner may write inside
// their own contains area.
func (m *Manager) LockCovering(path *cube.CellPath, user string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range m.locks {
		if l.Contains.Within(path) {
			if l.Owner != user {
				return nil, &cube.Error{Kind: cube.KindBlockedByLock, Op: "Manager.LockCovering"}
			}
			return l, nil
		}
	}
	for _, l := range m.locks {
		if l.Overlap.Within(path) {
			return nil, &cube.Error{Kind: cube.KindBlockedByLock, Op: "Manager.LockCovering"}
		}
	}
	return nil, nil
}

// Commit drops id's rollback log and releases the lock.
func (m *Manager) Commit(ctx context.Context, id uuid.UUID, user string) error {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		m.mu.Unlock()
		return &cube.Error{Kind: cube.KindLockNotFound, Op: "Manager.Commit"}
	}
	if l.Owner != user {
		m.mu.Unlock()
		return &cube.Error{Kind: cube.KindWrongUser, Op: "Manager.Commit"}
	}
	delete(m.locks, id)
	m.mu.Unlock()

	l.Log.Drop(ctx)
	return nil
}

// Rollback replays nSteps steps of id's log via apply, then releases the
// lock once the log is fully unwound (StepCount reaches zero).
func (m *Manager) Rollback(ctx context.Context, id uuid.UUID, user string, nSteps int, apply func(RollbackRow) error) error {
	l, err := m.Get(id, user)
	if err != nil {
		return err
	}
	if err := l.Log.Rollback(ctx, nSteps, apply); err != nil {
		return err
	}
	if l.Log.StepCount() == 0 {
		m.mu.Lock()
		delete(m.locks, id)
		m.mu.Unlock()
	}
	return nil
}
