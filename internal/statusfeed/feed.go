// Package statusfeed streams worker status changes to a socket.io server.
package statusfeed

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/executor"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

const (
	// DefaultEvent is the socket.io event name status updates are sent as.
	DefaultEvent = "unit_status"
	// DefaultConnectTimeout bounds the initial connection.
	DefaultConnectTimeout = 15 * time.Second

	queueSize = 256
)

// Config describes the feed endpoint.
type Config struct {
	// URL is the server address including the socket.io path, for example
	// http://localhost:3000/socket.io/.
	URL                string
	Namespace          string
	Event              string
	RunID              string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// Status is the payload of one event.
type Status struct {
	RunID      string `json:"run_id"`
	Pool       string `json:"pool"`
	Worker     string `json:"worker"`
	Weight     int    `json:"weight"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EmitFunc sends one event.
type EmitFunc func(event string, payload map[string]any)

// Feed is an executor.Observer. Events are queued and sent from a single
// goroutine so workers never wait on the network; events arriving while the
// queue is full are dropped.
type Feed struct {
	event string
	runID string
	emit  EmitFunc
	close func()

	queue   chan Status
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// New returns a feed sending through emit.
func New(event, runID string, emit EmitFunc) *Feed {
	if event == "" {
		event = DefaultEvent
	}
	f := &Feed{
		event: event,
		runID: runID,
		emit:  emit,
		queue: make(chan Status, queueSize),
		done:  make(chan struct{}),
	}
	go f.loop()
	return f
}

// Dial connects to the server and returns a feed using the connection.
func Dial(ctx context.Context, cfg Config) (*Feed, error) {
	logger := ctxlog.FromContext(ctx).With("url", cfg.URL)

	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errs.Configf("status feed: invalid URL %q", cfg.URL)
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsed.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification.")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), opts)
	io := manager.Socket(cfg.Namespace, opts)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(args ...any) {
		var err error = fmt.Errorf("connect_error")
		if len(args) > 0 {
			if e, ok := args[0].(error); ok {
				err = e
			}
		}
		connected <- err
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("status feed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, ctx.Err()
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("status feed: no connection after %s", timeout)
	}
	logger.Info("📡 Status feed connected.", "sid", io.Id())

	f := New(cfg.Event, cfg.RunID, func(event string, payload map[string]any) {
		io.Emit(event, payload)
	})
	f.close = func() { io.Disconnect() }
	return f, nil
}

// Observe implements executor.Observer.
func (f *Feed) Observe(e executor.Event) {
	s := Status{
		RunID:  f.runID,
		Pool:   e.Pool,
		Worker: e.Worker,
		Weight: e.Weight,
		Status: e.Status.String(),
	}
	if e.Duration > 0 {
		s.DurationMS = e.Duration.Milliseconds()
	}
	if e.Err != nil {
		s.Error = e.Err.Error()
	}
	select {
	case f.queue <- s:
	default:
		f.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

func (f *Feed) loop() {
	defer close(f.done)
	for s := range f.queue {
		f.emit(f.event, s.payload())
	}
}

func (s Status) payload() map[string]any {
	p := map[string]any{
		"run_id": s.RunID,
		"pool":   s.Pool,
		"worker": s.Worker,
		"weight": s.Weight,
		"status": s.Status,
	}
	if s.DurationMS > 0 {
		p["duration_ms"] = s.DurationMS
	}
	if s.Error != "" {
		p["error"] = s.Error
	}
	return p
}

// Close flushes queued events and disconnects. Observe must not be called
// after Close.
func (f *Feed) Close() {
	f.once.Do(func() {
		close(f.queue)
		<-f.done
		if f.close != nil {
			f.close()
		}
	})
}

var _ executor.Observer = (*Feed)(nil)
