package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unitResult struct {
	Ordinal int
	Name    string
}

func buildPool(capacity int, sleep time.Duration) *Pool[unitResult] {
	p := NewPool[unitResult](Config{Name: "bench", Capacity: capacity})
	for i := 0; i < 9; i++ {
		i := i
		name := fmt.Sprintf("unit-%d", i)
		p.Add(name, func(ctx context.Context) (unitResult, error) {
			time.Sleep(sleep)
			return unitResult{Ordinal: i, Name: name}, nil
		})
	}
	return p
}

func TestPool_SerialAndParallelProduceSameResults(t *testing.T) {
	ctx := ctxlog.Discard(context.Background())

	serial := buildPool(1, 0)
	require.NoError(t, serial.Start(ctx))
	serialResults := serial.Results()
	require.Len(t, serialResults, 9)
	for i, r := range serialResults {
		assert.Equal(t, i, r.Ordinal, "serial mode must preserve dispatch order")
	}

	parallel := buildPool(9, 5*time.Millisecond)
	require.NoError(t, parallel.Start(ctx))
	parallelResults := parallel.Results()
	require.Len(t, parallelResults, 9)

	byOrdinal := func(rs []unitResult) []unitResult {
		out := append([]unitResult(nil), rs...)
		sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
		return out
	}
	if diff := cmp.Diff(byOrdinal(serialResults), byOrdinal(parallelResults)); diff != "" {
		t.Errorf("result sets differ (-serial +parallel):\n%s", diff)
	}
}

func TestPool_ParallelRunsConcurrently(t *testing.T) {
	ctx := ctxlog.Discard(context.Background())
	p := buildPool(9, 50*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Start(ctx))
	assert.Less(t, time.Since(start), 400*time.Millisecond, "nine 50ms tasks with capacity 9 should overlap")
}

func TestPool_WeightAboveCapacityIsConfigError(t *testing.T) {
	ctx := ctxlog.Discard(context.Background())
	p := NewPool[int](Config{Capacity: 4})
	ran := false
	p.Add("heavy", func(ctx context.Context) (int, error) {
		ran = true
		return 0, nil
	})
	p.SetWeightExtractor(func(*Worker[int]) int { return 5 })

	err := p.Start(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
	assert.False(t, ran, "nothing may run when a weight can never be satisfied")
}

func TestPool_WeightExtractorBoundsConcurrency(t *testing.T) {
	ctx := ctxlog.Discard(context.Background())
	p := NewPool[int](Config{Capacity: 4})

	var mu sync.Mutex
	var running, peak int
	for i := 0; i < 6; i++ {
		p.Add(fmt.Sprintf("w%d", i), func(ctx context.Context) (int, error) {
			mu.Lock()
			running += 2
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running -= 2
			mu.Unlock()
			return 0, nil
		})
	}
	p.SetWeightExtractor(func(*Worker[int]) int { return 2 })

	require.NoError(t, p.Start(ctx))
	assert.LessOrEqual(t, peak, 4)
	for _, w := range p.Workers() {
		assert.Equal(t, 2, w.Weight)
	}
}

func TestPool_SerialStopsAfterTerminate(t *testing.T) {
	ctx := ctxlog.Discard(context.Background())
	p := NewPool[int](Config{Capacity: 1})
	boom := errors.New("boom")

	var ran []int
	for i := 0; i < 4; i++ {
		i := i
		p.Add(fmt.Sprintf("w%d", i), func(ctx context.Context) (int, error) {
			ran = append(ran, i)
			if i == 1 {
				return 0, Terminate(boom)
			}
			return i, nil
		})
	}

	err := p.Start(ctx)
	require.Error(t, err)
	assert.True(t, IsTerminate(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0, 1}, ran)

	workers := p.Workers()
	assert.True(t, workers[1].Terminated())
	assert.True(t, workers[2].Skipped())
	assert.True(t, workers[3].Skipped())
	assert.Equal(t, []int{0}, p.Results())
	require.Len(t, p.Errors(), 1)
}

func TestPool_ParallelTerminateSkipsWaitingWorkers(t *testing.T) {
	ctx := ctxlog.Discard(context.Background())
	p := NewPool[string](Config{Capacity: 2})

	p.Add("fails", func(ctx context.Context) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return "", Terminate(errors.New("exit 1"))
	})
	p.Add("slow", func(ctx context.Context) (string, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return "slow", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	for i := 0; i < 3; i++ {
		p.Add(fmt.Sprintf("wide-%d", i), func(ctx context.Context) (string, error) {
			return "wide", nil
		})
	}
	p.SetWeightExtractor(func(w *Worker[string]) int {
		if w.Ordinal >= 2 {
			return 2
		}
		return 1
	})

	err := p.Start(ctx)
	require.Error(t, err)
	assert.True(t, IsTerminate(err))

	workers := p.Workers()
	for _, w := range workers {
		assert.Equal(t, Finished, w.Status(), "worker %s must be finished when Start returns", w.Name)
	}
	assert.Equal(t, "slow", workers[1].Result(), "running workers are allowed to finish")
	for _, w := range workers[2:] {
		assert.True(t, w.Skipped(), "worker %s should have been skipped", w.Name)
	}
}

func TestPool_OrdinaryErrorsDoNotStopPool(t *testing.T) {
	ctx := ctxlog.Discard(context.Background())
	for _, capacity := range []int{1, 3} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			p := NewPool[int](Config{Capacity: capacity})
			for i := 0; i < 3; i++ {
				i := i
				p.Add(fmt.Sprintf("w%d", i), func(ctx context.Context) (int, error) {
					if i == 0 {
						return 0, errors.New("soft failure")
					}
					return i, nil
				})
			}
			require.NoError(t, p.Start(ctx))
			assert.ElementsMatch(t, []int{1, 2}, p.Results())
			assert.Len(t, p.Errors(), 1)
		})
	}
}

func TestPool_PanicBecomesError(t *testing.T) {
	ctx := ctxlog.Discard(context.Background())
	p := NewPool[int](Config{Capacity: 1})
	p.Add("panics", func(ctx context.Context) (int, error) {
		panic("kaboom")
	})
	require.NoError(t, p.Start(ctx))
	require.Len(t, p.Errors(), 1)
	assert.Contains(t, p.Errors()[0].Error(), "kaboom")
}

func TestPool_StatusTransitionsAreOrdered(t *testing.T) {
	ctx := ctxlog.Discard(context.Background())

	var mu sync.Mutex
	seen := map[string][]Status{}
	obs := ObserverFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Worker] = append(seen[e.Worker], e.Status)
	})

	p := NewPool[int](Config{Name: "ordered", Capacity: 3, Observer: obs})
	for i := 0; i < 5; i++ {
		p.Add(fmt.Sprintf("w%d", i), func(ctx context.Context) (int, error) {
			time.Sleep(time.Millisecond)
			return 0, nil
		})
	}
	require.NoError(t, p.Start(ctx))

	require.Len(t, seen, 5)
	want := []Status{Waiting, Running, Exiting, Finished}
	for name, statuses := range seen {
		assert.Equal(t, want, statuses, "worker %s", name)
	}
}

func TestPool_CanceledContextSkipsEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(ctxlog.Discard(context.Background()))
	cancel()

	p := NewPool[int](Config{Capacity: 1})
	p.Add("w0", func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.Workers()[0].Skipped())
	assert.Empty(t, p.Results())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "finished", Finished.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
