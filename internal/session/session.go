// Package session defines the collaborators shared by every stage of one run
// and the factory interface that wires them up.
package session

import (
	"context"
	"io"
	"time"

	"github.com/specialistvlad/gridbench/internal/buildcache"
	"github.com/specialistvlad/gridbench/internal/executor"
	"github.com/specialistvlad/gridbench/internal/metrics"
	"github.com/specialistvlad/gridbench/internal/resultstore"
	"github.com/specialistvlad/gridbench/internal/shell"
)

// Settings are the user-facing knobs a factory turns into a Session.
type Settings struct {
	// StoreURL selects the result store: "" for none, memory:// or
	// postgres://.
	StoreURL string
	// ObjectStore enables the S3-compatible cache mirror and log uploads
	// when GRIDBENCH_S3_ENDPOINT is set.
	ObjectStore  bool
	Observer     executor.Observer
	Metrics      *metrics.Metrics
	Stdout       io.Writer
	PollInterval time.Duration
}

// SessionFactory creates a Session. Different implementations can wire
// different backends.
type SessionFactory interface {
	NewSession(ctx context.Context, settings Settings) (*Session, error)
}

// LogSink receives the captured output of units.
type LogSink interface {
	Upload(ctx context.Context, runID, name string, data []byte) (string, error)
}

// Session is one run's set of collaborators. Optional ones are nil when
// disabled.
type Session struct {
	RunID        string
	Store        resultstore.Store
	Remote       buildcache.Remote
	Logs         LogSink
	Shell        shell.Runner
	Observer     executor.Observer
	Metrics      *metrics.Metrics
	Environ      []string
	Stdout       io.Writer
	PollInterval time.Duration
}

// Close releases the result store.
func (s *Session) Close(ctx context.Context) error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

// PoolObserver combines the configured observer and the metrics.
func (s *Session) PoolObserver() executor.Observer {
	var obs executor.Observers
	if s.Observer != nil {
		obs = append(obs, s.Observer)
	}
	if s.Metrics != nil {
		obs = append(obs, s.Metrics)
	}
	if len(obs) == 0 {
		return nil
	}
	return obs
}
