package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/executor"
	"github.com/specialistvlad/gridbench/internal/git"
	"github.com/specialistvlad/gridbench/internal/pgstore"
	"github.com/specialistvlad/gridbench/internal/scheduler"
	"github.com/specialistvlad/gridbench/internal/session"
	"github.com/specialistvlad/gridbench/internal/stage"
	"github.com/specialistvlad/gridbench/internal/statusfeed"
)

// RunOptions select what one pass executes.
type RunOptions struct {
	// Stages to run in the given order. Empty runs every stage.
	Stages []string
	// Pins are "repo:rev" pairs checked out before the pass and restored
	// after it.
	Pins []string
}

// ScheduleOptions configure a scheduling pass.
type ScheduleOptions struct {
	// Stages are the setup stages followed by the test stage.
	Stages      []string
	MaxAge      time.Duration
	CommitLimit int
}

// Run executes one pass of the selected stages against the current checkout.
func (a *App) Run(ctx context.Context, opts RunOptions) ([]*stage.Result, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	stages, err := a.project.Select(opts.Stages...)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		a.logger.Warn("No stages found, execution not required.")
		return nil, nil
	}

	return withSession(ctx, a, func(ctx context.Context, sess *session.Session) ([]*stage.Result, error) {
		project, restore, err := a.pin(ctx, a.project, opts.Pins)
		defer restore()
		if err != nil {
			return nil, err
		}

		a.logger.Info("🚀 Starting run.", "project", project.Name, "stages", len(stages), "run_id", sess.RunID)
		runner := stage.New(project, sess, stage.WithGitOptions(a.gitOptions...))
		results, err := runner.RunAll(ctx, stages)
		if err != nil {
			return results, err
		}
		a.logger.Info("🏁 Run finished.", "stages", len(results))
		return results, nil
	})
}

// Schedule runs the commit scheduler. The last named stage is the test stage,
// the others are setup stages.
func (a *App) Schedule(ctx context.Context, opts ScheduleOptions) (*scheduler.Report, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if len(opts.Stages) == 0 {
		return nil, errs.Configf("schedule needs at least one stage, the last one is the test stage")
	}
	stages, err := a.project.Select(opts.Stages...)
	if err != nil {
		return nil, err
	}
	setup, test := stages[:len(stages)-1], stages[len(stages)-1]

	return withSession(ctx, a, func(ctx context.Context, sess *session.Session) (*scheduler.Report, error) {
		sched := scheduler.New(a.project, sess, scheduler.Config{
			MaxAge:      opts.MaxAge,
			CommitLimit: opts.CommitLimit,
			GitOptions:  a.gitOptions,
		})
		return sched.Run(ctx, setup, test)
	})
}

// InitStore creates the result table of the PostgreSQL store named by
// cfg.StoreURL. It needs no project, and the engine never migrates on its own.
func InitStore(ctx context.Context, logW io.Writer, cfg *Config) error {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	ctx = ctxlog.WithLogger(ctx, logger)

	url := cfg.StoreURL
	scheme, _, _ := strings.Cut(url, "://")
	switch scheme {
	case "memory":
		logger.Info("In-memory store needs no schema.")
		return nil
	case "postgres", "postgresql":
	default:
		return errs.Configf("store init needs a postgres:// store URL")
	}

	pgcfg, err := pgstore.ConfigFromEnv(url)
	if err != nil {
		return &errs.ConfigError{Msg: "result store", Err: err}
	}
	store, err := pgstore.Open(ctx, pgcfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	logger.Info("✅ Result store schema ready.", "table", pgcfg.Table)
	return nil
}

// withSession runs fn with a fresh session, the health server and the
// status feed, and tears all of them down afterwards.
func withSession[T any](ctx context.Context, a *App, fn func(context.Context, *session.Session) (T, error)) (T, error) {
	var zero T
	if err := a.startHealthcheckServer(ctx); err != nil {
		return zero, err
	}
	defer a.closeHealthCheckServer(ctx)

	settings := session.Settings{
		StoreURL:     a.config.StoreURL,
		ObjectStore:  a.config.ObjectStore,
		Metrics:      a.metrics,
		Stdout:       a.outW,
		PollInterval: a.config.PollInterval,
	}

	sess, err := a.factory.NewSession(ctx, settings)
	if err != nil {
		return zero, err
	}
	defer func() {
		if err := sess.Close(ctx); err != nil {
			a.logger.Warn("Closing the session failed.", "error", err)
		}
	}()

	if feed := a.dialFeed(ctx, sess.RunID); feed != nil {
		defer feed.Close()
		if sess.Observer != nil {
			sess.Observer = executor.Observers{sess.Observer, feed}
		} else {
			sess.Observer = feed
		}
	}
	return fn(ctx, sess)
}

// dialFeed connects the status feed. It returns nil when the feed is
// disabled or cannot be reached.
func (a *App) dialFeed(ctx context.Context, runID string) *statusfeed.Feed {
	if a.config.StatusFeedURL == "" {
		return nil
	}
	feed, err := a.dialFn(ctx, statusfeed.Config{URL: a.config.StatusFeedURL, RunID: runID})
	if err != nil {
		a.logger.Warn("⚠️ Status feed unavailable, continuing without it.", "error", err)
		return nil
	}
	return feed
}

// pin checks out every "repo:rev" pair and returns the project pinned to the
// resolved commits. restore moves every working copy back and is safe to
// call whatever the error.
func (a *App) pin(ctx context.Context, project *config.Project, pins []string) (*config.Project, func(), error) {
	logger := ctxlog.FromContext(ctx)
	var undo []func()
	restore := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	workdir, err := filepath.Abs(project.Workdir)
	if err != nil {
		return nil, restore, err
	}
	for _, p := range pins {
		name, rev, ok := strings.Cut(p, ":")
		if !ok || name == "" || rev == "" {
			return nil, restore, errs.Configf("invalid --git-commit %q, want repo:rev", p)
		}
		repo, ok := project.Repo(name)
		if !ok {
			return nil, restore, errs.Configf("--git-commit names unknown repository %q", name)
		}

		g := git.Open(filepath.Join(workdir, repo.Path), a.gitOptions...)
		dirty, err := g.Dirty(ctx)
		if err != nil {
			return nil, restore, err
		}
		if len(dirty) > 0 {
			return nil, restore, fmt.Errorf("repository %s has local changes (%s), refusing to check out %s", name, strings.Join(dirty, ", "), rev)
		}
		original, err := g.Current(ctx)
		if err != nil {
			return nil, restore, err
		}
		if err := g.Checkout(ctx, rev); err != nil {
			return nil, restore, err
		}
		undo = append(undo, func() {
			if err := g.Checkout(context.WithoutCancel(ctx), original); err != nil {
				logger.Error("Could not restore checkout.", "repo", name, "ref", original, "error", err)
			}
		})

		commit, err := g.Resolve(ctx, "HEAD")
		if err != nil {
			return nil, restore, err
		}
		branch, _ := g.CurrentBranch(ctx)
		if project, err = project.WithRevision(name, commit, branch); err != nil {
			return nil, restore, err
		}
		logger.Info("📌 Pinned repository.", "repo", name, "rev", rev, "commit", commit)
	}
	return project, restore, nil
}
