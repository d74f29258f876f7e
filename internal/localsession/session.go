// Package localsession wires a session.Session for local, in-process
// execution.
package localsession

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/inmemorystore"
	"github.com/specialistvlad/gridbench/internal/objectstore"
	"github.com/specialistvlad/gridbench/internal/pgstore"
	"github.com/specialistvlad/gridbench/internal/resultstore"
	"github.com/specialistvlad/gridbench/internal/session"
	"github.com/specialistvlad/gridbench/internal/shell"
)

// SessionFactory implements session.SessionFactory for local runs.
type SessionFactory struct {
	// Shell overrides the process runner. Defaults to bash.
	Shell shell.Runner
}

var _ session.SessionFactory = (*SessionFactory)(nil)

// NewSession opens the result store and the object store named by settings.
// An unreachable result store or object store is logged and left disabled;
// a malformed setting is an error.
func (f *SessionFactory) NewSession(ctx context.Context, settings session.Settings) (*session.Session, error) {
	logger := ctxlog.FromContext(ctx)

	s := &session.Session{
		RunID:        uuid.NewString(),
		Shell:        f.Shell,
		Observer:     settings.Observer,
		Metrics:      settings.Metrics,
		Environ:      os.Environ(),
		Stdout:       settings.Stdout,
		PollInterval: settings.PollInterval,
	}
	if s.Shell == nil {
		s.Shell = shell.Bash{}
	}

	store, err := OpenStore(ctx, settings.StoreURL)
	switch {
	case errors.Is(err, errs.ErrStoreUnavailable):
		logger.Warn("⚠️ Result store unavailable, continuing without history.", "error", err)
	case err != nil:
		return nil, err
	default:
		s.Store = store
	}

	if settings.ObjectStore {
		cfg, enabled, err := objectstore.ConfigFromEnv()
		if err != nil {
			return nil, &errs.ConfigError{Msg: "object store", Err: err}
		}
		if enabled {
			blobs, err := objectstore.NewMinioStore(ctx, cfg)
			if err != nil {
				logger.Warn("⚠️ Object store unavailable, cache mirror and log upload disabled.", "error", err)
			} else {
				s.Remote = objectstore.NewCacheRemote(blobs, cfg)
				s.Logs = objectstore.NewLogSink(blobs, cfg)
			}
		}
	}

	logger.Debug("Session created.", "run_id", s.RunID, "store", s.Store != nil, "object_store", s.Remote != nil)
	return s, nil
}

// OpenStore picks the result store backend by URL scheme. An empty URL means
// no store and returns nil.
func OpenStore(ctx context.Context, url string) (resultstore.Store, error) {
	scheme, _, _ := strings.Cut(url, "://")
	switch {
	case url == "":
		return nil, nil
	case scheme == "memory":
		return inmemorystore.New(), nil
	case scheme == "postgres" || scheme == "postgresql":
		cfg, err := pgstore.ConfigFromEnv(url)
		if err != nil {
			return nil, &errs.ConfigError{Msg: "result store", Err: err}
		}
		store, err := pgstore.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, errs.Configf("unsupported result store %q (want memory:// or postgres://)", redact(url))
}

// redact drops credentials from a URL before it is logged.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return fmt.Sprintf("%s://%s", scheme, rest)
}
