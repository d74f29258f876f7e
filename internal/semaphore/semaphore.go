// Package semaphore provides a weighted counting gate used as a CPU budget.
//
// Workers claim a share of the budget proportional to the CPUs their process
// will use, so the gate bounds total resource usage rather than the number of
// goroutines.
package semaphore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/gridbench/internal/errs"
	xsem "golang.org/x/sync/semaphore"
)

// Weighted is a counting semaphore whose Acquire and Release operate on an
// arbitrary positive weight.
type Weighted struct {
	capacity int64
	sem      *xsem.Weighted
	inUse    atomic.Int64
}

// New creates a semaphore with the given total capacity, which must be at
// least one.
func New(capacity int64) (*Weighted, error) {
	if capacity < 1 {
		return nil, errs.Configf("semaphore capacity %d must be at least 1", capacity)
	}
	return &Weighted{capacity: capacity, sem: xsem.NewWeighted(capacity)}, nil
}

// Capacity returns the total weight the semaphore can hand out.
func (w *Weighted) Capacity() int64 { return w.capacity }

// InUse returns the weight currently held by callers.
func (w *Weighted) InUse() int64 { return w.inUse.Load() }

func (w *Weighted) check(weight int64) error {
	if weight < 1 {
		return errs.Configf("cannot acquire weight %d: weight must be at least 1", weight)
	}
	if weight > w.capacity {
		return errs.Configf("cannot acquire weight %d: exceeds capacity %d", weight, w.capacity)
	}
	return nil
}

// Acquire blocks until weight units are free and claims them. A weight larger
// than the capacity can never be satisfied and fails immediately with a
// configuration error.
func (w *Weighted) Acquire(ctx context.Context, weight int64) error {
	if err := w.check(weight); err != nil {
		return err
	}
	if err := w.sem.Acquire(ctx, weight); err != nil {
		return err
	}
	w.inUse.Add(weight)
	return nil
}

// AcquireTimeout is Acquire bounded by d. It reports false, with a nil error,
// when the timeout elapses first.
func (w *Weighted) AcquireTimeout(ctx context.Context, weight int64, d time.Duration) (bool, error) {
	if err := w.check(weight); err != nil {
		return false, err
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := w.sem.Acquire(tctx, weight); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	w.inUse.Add(weight)
	return true, nil
}

// TryAcquire claims weight units without blocking and reports success.
func (w *Weighted) TryAcquire(weight int64) bool {
	if w.check(weight) != nil {
		return false
	}
	if !w.sem.TryAcquire(weight) {
		return false
	}
	w.inUse.Add(weight)
	return true
}

// Release returns weight units and wakes waiters that now fit.
func (w *Weighted) Release(weight int64) {
	w.inUse.Add(-weight)
	w.sem.Release(weight)
}
