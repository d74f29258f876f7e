package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObservesPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	p := executor.NewPool[int](executor.Config{Name: "bench", Capacity: 2, Observer: m})
	p.Add("ok-1", func(context.Context) (int, error) { return 1, nil })
	p.Add("ok-2", func(context.Context) (int, error) { return 2, nil })
	p.Add("bad", func(context.Context) (int, error) { return 0, errors.New("exit 3") })

	require.NoError(t, p.Start(ctxlog.Discard(context.Background())))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.units.WithLabelValues("bench", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.units.WithLabelValues("bench", OutcomeFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.cpuInUse.WithLabelValues("bench")), "all weight is handed back")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running.WithLabelValues("bench")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestMetrics_Skipped(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Observe(executor.Event{Pool: "s", Status: executor.Finished, Err: errors.Join(executor.ErrSkipped)})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.units.WithLabelValues("s", OutcomeSkipped)))
}

func TestMetrics_CacheAndPlan(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CacheHit("build")
	m.CacheHit("build")
	m.Planned("bench", 7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("build")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.required.WithLabelValues("bench")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Observe(executor.Event{Status: executor.Running})
	m.CacheHit("x")
	m.Planned("x", 1)
}
