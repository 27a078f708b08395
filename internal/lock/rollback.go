package lock

import (
	"context"
	"fmt"

	"github.com/edirooss/cubed/internal/cube"
)

// RollbackRow is one pre-image entry: the cell's prior value (or Absent if
// it didn't exist) before the write that's about to happen.
type RollbackRow struct {
	Path     []uint32
	IsString bool
	Numeric  float64
	String   string
	Absent   bool
}

// PageStore is the disk-spill port for rollback pages that exceed the
// in-memory budget. One concrete adapter ships in package journal
// (RedisPageStore).
type PageStore interface {
	Save(ctx context.Context, key string, rows []RollbackRow) error
	Load(ctx context.Context, key string) ([]RollbackRow, error)
	Delete(ctx context.Context, key string) error
}

const rollbackPageSize = 512

// rowBytesEstimate approximates a row's footprint for budget accounting;
// exactness doesn't matter, only monotonicity with occupancy.
const rowBytesEstimate = 96

type page struct {
	start   int // global row index of rows[0], or of the spilled page's first row
	rows    []RollbackRow
	spilled bool
	key     string
}

// RollbackLog is an append-only pre-image ring, organised into pages and
// bounded by a memory budget plus a disk-spill budget.
type RollbackLog struct {
	memBudgetBytes  int64
	fileBudgetBytes int64
	store           PageStore
	keyPrefix       string

	pages          []*page
	totalRows      int
	memBytes       int64
	fileBytes      int64
	stepBoundaries []int // cumulative totalRows at each completed step
	nextPageNo     int
}

func NewRollbackLog(memBudgetBytes, fileBudgetBytes int64, store PageStore, keyPrefix string) *RollbackLog {
	return &RollbackLog{
		memBudgetBytes:  memBudgetBytes,
		fileBudgetBytes: fileBudgetBytes,
		store:           store,
		keyPrefix:       keyPrefix,
	}
}

// Append records one pre-image row. Capacity is checked before the row is
// added; exceeding the combined memory+disk budget fails with
// lock_no_capacity.
func (l *RollbackLog) Append(ctx context.Context, row RollbackRow) error {
	if l.memBytes+l.fileBytes+rowBytesEstimate > l.memBudgetBytes+l.fileBudgetBytes {
		return &cube.Error{Kind: cube.KindLockNoCapacity, Op: "RollbackLog.Append"}
	}

	if len(l.pages) == 0 || len(l.pages[len(l.pages)-1].rows) >= rollbackPageSize || l.pages[len(l.pages)-1].spilled {
		l.pages = append(l.pages, &page{start: l.totalRows})
	}
	last := l.pages[len(l.pages)-1]
	last.rows = append(last.rows, row)
	l.totalRows++
	l.memBytes += rowBytesEstimate

	return l.maybeSpill(ctx)
}

// maybeSpill moves the oldest non-spilled, full page to disk while the
// in-memory footprint exceeds the memory budget.
func (l *RollbackLog) maybeSpill(ctx context.Context) error {
	for l.memBytes > l.memBudgetBytes {
		var target *page
		for _, p := range l.pages {
			if !p.spilled && len(p.rows) >= rollbackPageSize {
				target = p
				break
			}
		}
		if target == nil {
			return nil // nothing eligible to spill (only the open page remains)
		}
		if l.fileBytes+int64(len(target.rows))*rowBytesEstimate > l.fileBudgetBytes {
			return &cube.Error{Kind: cube.KindLockNoCapacity, Op: "RollbackLog.maybeSpill"}
		}
		key := fmt.Sprintf("%s:page:%d", l.keyPrefix, l.nextPageNo)
		l.nextPageNo++
		if err := l.store.Save(ctx, key, target.rows); err != nil {
			return &cube.Error{Kind: cube.KindOutOfMemory, Op: "RollbackLog.maybeSpill", Err: err}
		}
		l.memBytes -= int64(len(target.rows)) * rowBytesEstimate
		l.fileBytes += int64(len(target.rows)) * rowBytesEstimate
		target.key = key
		target.spilled = true
		rowsLen := len(target.rows)
		target.rows = nil
		_ = rowsLen
	}
	return nil
}

// EndStep marks the current end of the log as a user-visible step
// boundary.
func (l *RollbackLog) EndStep() {
	l.stepBoundaries = append(l.stepBoundaries, l.totalRows)
}

// StepCount reports how many completed steps are recorded.
func (l *RollbackLog) StepCount() int { return len(l.stepBoundaries) }

// Rollback replays rows from the tail back to the boundary nSteps steps
// ago (or the start of the log if nSteps exceeds the recorded step
// count), calling apply for each row in newest-first order, then discards
// the replayed tail.
func (l *RollbackLog) Rollback(ctx context.Context, nSteps int, apply func(RollbackRow) error) error {
	if nSteps <= 0 {
		return nil
	}
	if nSteps > len(l.stepBoundaries) {
		nSteps = len(l.stepBoundaries)
	}

	target := 0
	boundaryIdx := len(l.stepBoundaries) - nSteps
	if boundaryIdx > 0 {
		target = l.stepBoundaries[boundaryIdx-1]
	}

	for i := len(l.pages) - 1; i >= 0 && l.totalRows > target; i-- {
		p := l.pages[i]
		rows := p.rows
		if p.spilled {
			loaded, err := l.store.Load(ctx, p.key)
			if err != nil {
				return &cube.Error{Kind: cube.KindInternal, Op: "RollbackLog.Rollback", Err: err}
			}
			rows = loaded
		}
		for j := len(rows) - 1; j >= 0; j-- {
			globalIdx := p.start + j
			if globalIdx < target {
				break
			}
			if err := apply(rows[j]); err != nil {
				return err
			}
		}
		// A page that straddles target keeps its rows from earlier steps.
		if keep := target - p.start; keep > 0 && keep < len(rows) {
			if p.spilled {
				l.store.Delete(ctx, p.key)
				p.spilled, p.key = false, ""
				l.fileBytes -= int64(len(rows)) * rowBytesEstimate
				l.memBytes += int64(len(rows)) * rowBytesEstimate
			}
			l.memBytes -= int64(len(rows)-keep) * rowBytesEstimate
			p.rows = rows[:keep]
		}
	}

	l.truncateTo(ctx, target, boundaryIdx)
	return nil
}

func (l *RollbackLog) truncateTo(ctx context.Context, target int, boundaryIdx int) {
	kept := l.pages[:0]
	for _, p := range l.pages {
		end := p.start + len(p.rows)
		if p.spilled {
			end = p.start + rollbackPageSize
		}
		if end <= target {
			kept = append(kept, p)
			continue
		}
		if p.spilled {
			l.store.Delete(ctx, p.key)
		}
	}
	l.pages = kept
	l.totalRows = target
	if boundaryIdx < 0 {
		boundaryIdx = 0
	}
	l.stepBoundaries = l.stepBoundaries[:boundaryIdx]
}

// Drop discards the entire log, called once a lock's writes are committed.
func (l *RollbackLog) Drop(ctx context.Context) {
	for _, p := range l.pages {
		if p.spilled {
			l.store.Delete(ctx, p.key)
		}
	}
	l.pages = nil
	l.totalRows = 0
	l.memBytes = 0
	l.fileBytes = 0
	l.stepBoundaries = nil
}
