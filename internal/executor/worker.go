package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/semaphore"
)

// Status is the lifecycle state of a Worker. A worker only ever moves forward
// through the states in declaration order, possibly skipping some of them.
type Status int32

const (
	// Created is the state of a worker that has been added but not started.
	Created Status = iota
	// Waiting means the worker is blocked waiting for its share of the budget.
	Waiting
	// Running means the task is executing.
	Running
	// Exiting means the task returned and the worker is releasing its share.
	Exiting
	// Finished is terminal.
	Finished
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Task is the unit of work run by a Worker.
type Task[T any] func(ctx context.Context) (T, error)

// TerminateError asks the owning pool to stop: workers still waiting for
// capacity are skipped and the reason is reported to the caller.
type TerminateError struct {
	Reason error
}

func (e *TerminateError) Error() string {
	return "terminated: " + e.Reason.Error()
}

func (e *TerminateError) Unwrap() error { return e.Reason }

// Terminate wraps err so that the pool running the task stops. A nil err
// stays nil.
func Terminate(err error) error {
	if err == nil {
		return nil
	}
	return &TerminateError{Reason: err}
}

// IsTerminate reports whether err carries a terminate request.
func IsTerminate(err error) bool {
	var te *TerminateError
	return errors.As(err, &te)
}

// ErrSkipped is recorded on workers that never ran because the pool was
// terminated or its context was canceled first.
var ErrSkipped = errors.New("skipped")

// Worker is one schedulable unit of work owned by a Pool.
type Worker[T any] struct {
	Name   string
	Weight int
	// Ordinal is the dispatch position within the pool.
	Ordinal int

	task      Task[T]
	status    atomic.Int32
	result    T
	err       error
	terminate bool
	started   time.Time
	finished  time.Time
}

// Status returns the current lifecycle state.
func (w *Worker[T]) Status() Status { return Status(w.status.Load()) }

// Result returns the task result. Only meaningful once Finished.
func (w *Worker[T]) Result() T { return w.result }

// Err returns the captured task error, if any.
func (w *Worker[T]) Err() error { return w.err }

// Terminated reports whether the task asked the pool to stop.
func (w *Worker[T]) Terminated() bool { return w.terminate }

// Skipped reports whether the worker never ran its task.
func (w *Worker[T]) Skipped() bool { return errors.Is(w.err, ErrSkipped) }

// Duration is the wall time spent running the task.
func (w *Worker[T]) Duration() time.Duration {
	if w.started.IsZero() || w.finished.IsZero() {
		return 0
	}
	return w.finished.Sub(w.started)
}

type notifyFunc func(w workerInfo, s Status)

// workerInfo is the type-erased view of a worker handed to observers.
type workerInfo struct {
	name   string
	weight int
	err    error
	dur    time.Duration
}

func (w *Worker[T]) info() workerInfo {
	return workerInfo{name: w.Name, weight: w.Weight, err: w.err, dur: w.Duration()}
}

func (w *Worker[T]) setStatus(s Status, notify notifyFunc) {
	w.status.Store(int32(s))
	if notify != nil {
		notify(w.info(), s)
	}
}

// skip finishes a worker that never got to run.
func (w *Worker[T]) skip(reason error, notify notifyFunc) {
	w.err = fmt.Errorf("%w: %v", ErrSkipped, reason)
	w.setStatus(Finished, notify)
}

// call runs the task, turning a panic into an error so that one broken task
// cannot take the whole process down.
func (w *Worker[T]) call(ctx context.Context) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.Name, r)
		}
	}()
	return w.task(ctx)
}

// execute runs the task and records the outcome, without touching any budget.
func (w *Worker[T]) execute(ctx context.Context, notify notifyFunc) {
	w.setStatus(Running, notify)
	w.started = time.Now()
	w.result, w.err = w.call(ctx)
	w.finished = time.Now()
	if IsTerminate(w.err) {
		w.terminate = true
	}
	w.setStatus(Exiting, notify)
}

// runSerial is the unbudgeted path used when the pool runs one worker at a time.
func (w *Worker[T]) runSerial(ctx context.Context, notify notifyFunc) {
	w.setStatus(Waiting, notify)
	w.execute(ctx, notify)
	w.setStatus(Finished, notify)
}

// runBudgeted waits for its turn, claims its weight from sem, runs, and hands
// the weight back. turn is closed by the previous worker once it has acquired,
// and next is closed by this worker once it has, which keeps acquisition in
// dispatch order. Canceling wait abandons the wait but never a running task;
// the task itself only sees ctx.
func (w *Worker[T]) runBudgeted(ctx, wait context.Context, sem *semaphore.Weighted, turn <-chan struct{}, next chan<- struct{}, notify notifyFunc) {
	w.setStatus(Waiting, notify)

	select {
	case <-turn:
	case <-wait.Done():
		close(next)
		w.skip(wait.Err(), notify)
		return
	}

	err := sem.Acquire(wait, int64(w.Weight))
	close(next)
	if err != nil {
		if errs.IsConfig(err) {
			w.err = err
			w.terminate = true
			w.setStatus(Finished, notify)
			return
		}
		w.skip(err, notify)
		return
	}

	w.execute(ctx, notify)
	sem.Release(int64(w.Weight))
	w.setStatus(Finished, notify)
}
