// Package executor runs a set of weighted workers under a shared CPU budget.
//
// A Pool with capacity one runs its workers strictly in dispatch order on the
// calling goroutine. With a larger capacity every worker gets its own
// goroutine and blocks on the budget until its weight fits; the pool joins
// them through a completion channel and stops early when a task asks it to.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/semaphore"
)

// DefaultPollInterval bounds how long the join loop waits without logging.
const DefaultPollInterval = 30 * time.Second

// Event describes one status change of one worker.
type Event struct {
	Pool     string
	Worker   string
	Weight   int
	Status   Status
	Err      error
	Duration time.Duration
}

// Observer receives every worker status change. Observe may be called from
// many goroutines at once.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to several observers in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

// Config holds the settings of a Pool.
type Config struct {
	// Name labels log lines and events, usually the stage name.
	Name string
	// Capacity is the total CPU budget. Values below one mean one.
	Capacity int
	// PollInterval is how long the join loop waits before logging progress.
	PollInterval time.Duration
	Observer     Observer
}

// Pool owns a CPU budget and the workers that share it.
type Pool[T any] struct {
	cfg      Config
	workers  []*Worker[T]
	weightOf func(*Worker[T]) int
	firstErr error
}

// NewPool creates an empty pool.
func NewPool[T any](cfg Config) *Pool[T] {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Pool[T]{cfg: cfg}
}

// Capacity returns the CPU budget.
func (p *Pool[T]) Capacity() int { return p.cfg.Capacity }

// Add appends a worker with weight one. Workers are dispatched in the order
// they were added.
func (p *Pool[T]) Add(name string, task Task[T]) *Worker[T] {
	w := &Worker[T]{Name: name, Weight: 1, Ordinal: len(p.workers), task: task}
	p.workers = append(p.workers, w)
	return w
}

// SetWeightExtractor installs a function that remaps every worker's weight
// just before the pool starts.
func (p *Pool[T]) SetWeightExtractor(fn func(*Worker[T]) int) {
	p.weightOf = fn
}

// Workers returns the workers in dispatch order.
func (p *Pool[T]) Workers() []*Worker[T] { return p.workers }

// Results returns the results of workers that finished without error, in
// dispatch order.
func (p *Pool[T]) Results() []T {
	out := make([]T, 0, len(p.workers))
	for _, w := range p.workers {
		if w.Status() == Finished && w.err == nil {
			out = append(out, w.result)
		}
	}
	return out
}

// Errors returns every error captured from a task that actually ran, in
// dispatch order. Skipped workers are not included.
func (p *Pool[T]) Errors() []error {
	var out []error
	for _, w := range p.workers {
		if w.err != nil && !w.Skipped() {
			out = append(out, w.err)
		}
	}
	return out
}

// Err returns the first terminate error seen by the last Start, if any.
func (p *Pool[T]) Err() error { return p.firstErr }

func (p *Pool[T]) notifier() notifyFunc {
	if p.cfg.Observer == nil {
		return nil
	}
	return func(w workerInfo, s Status) {
		p.cfg.Observer.Observe(Event{
			Pool:     p.cfg.Name,
			Worker:   w.name,
			Weight:   w.weight,
			Status:   s,
			Err:      w.err,
			Duration: w.dur,
		})
	}
}

// prepare applies the weight extractor and rejects weights the budget can
// never satisfy.
func (p *Pool[T]) prepare() error {
	for _, w := range p.workers {
		if p.weightOf != nil {
			w.Weight = p.weightOf(w)
		}
		if w.Weight < 1 {
			return errs.Configf("worker %s: cpu weight %d must be at least 1", w.Name, w.Weight)
		}
		if w.Weight > p.cfg.Capacity {
			return errs.Configf("worker %s: cpu weight %d exceeds pool capacity %d", w.Name, w.Weight, p.cfg.Capacity)
		}
	}
	return nil
}

// Start runs every worker and returns once all of them are Finished. The
// returned error is the first terminate request raised by a task, or a
// configuration error detected before anything ran. Ordinary task errors are
// captured on the workers and do not stop the pool.
func (p *Pool[T]) Start(ctx context.Context) error {
	ctx, logger := ctxlog.With(ctx, "pool", p.cfg.Name)
	p.firstErr = nil

	if err := p.prepare(); err != nil {
		return err
	}
	if len(p.workers) == 0 {
		logger.Debug("Pool has no workers.")
		return nil
	}

	if p.cfg.Capacity == 1 {
		logger.Debug("Starting pool in serial mode.", "workers", len(p.workers))
		p.runSerial(ctx)
	} else {
		sem, err := semaphore.New(int64(p.cfg.Capacity))
		if err != nil {
			return err
		}
		logger.Debug("Starting pool in parallel mode.", "workers", len(p.workers), "capacity", p.cfg.Capacity)
		p.runParallel(ctx, sem)
	}

	if p.firstErr != nil {
		logger.Warn("Pool terminated early.", "reason", p.firstErr)
	}
	return p.firstErr
}

func (p *Pool[T]) runSerial(ctx context.Context) {
	notify := p.notifier()
	for _, w := range p.workers {
		if p.firstErr != nil {
			w.skip(fmt.Errorf("pool %s terminated", p.cfg.Name), notify)
			continue
		}
		if err := ctx.Err(); err != nil {
			w.skip(err, notify)
			continue
		}
		w.runSerial(ctx, notify)
		if w.terminate {
			p.firstErr = w.err
		}
	}
}

func (p *Pool[T]) runParallel(ctx context.Context, sem *semaphore.Weighted) {
	logger := ctxlog.FromContext(ctx)
	notify := p.notifier()

	// Canceling waitCtx releases workers still waiting for budget. Running
	// tasks keep ctx and are allowed to finish.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan *Worker[T], len(p.workers))

	// turns[i] is closed once worker i-1 holds its share, so acquisition
	// follows dispatch order.
	turns := make([]chan struct{}, len(p.workers)+1)
	for i := range turns {
		turns[i] = make(chan struct{})
	}
	close(turns[0])

	for i, w := range p.workers {
		go func(i int, w *Worker[T]) {
			w.runBudgeted(ctx, waitCtx, sem, turns[i], turns[i+1], notify)
			done <- w
		}(i, w)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	pending := len(p.workers)
	for pending > 0 {
		select {
		case w := <-done:
			pending--
			if w.terminate && p.firstErr == nil {
				p.firstErr = w.err
				logger.Debug("Worker requested termination, canceling waiting workers.", "worker", w.Name)
				cancel()
			}
		case <-ticker.C:
			logger.Info("⏳ Waiting for workers.", "pending", pending, "cpu_in_use", sem.InUse())
		}
	}
}
