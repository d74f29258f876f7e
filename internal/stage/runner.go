// Package stage turns a stage definition into execution units and runs them
// on a weighted worker pool, applying the stage's on-error policy.
package stage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/specialistvlad/gridbench/internal/buildcache"
	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/executor"
	"github.com/specialistvlad/gridbench/internal/git"
	"github.com/specialistvlad/gridbench/internal/matrix"
	"github.com/specialistvlad/gridbench/internal/repeat"
	"github.com/specialistvlad/gridbench/internal/resultstore"
	"github.com/specialistvlad/gridbench/internal/session"
	"github.com/specialistvlad/gridbench/internal/task"
)

// Runner runs the stages of one project revision.
type Runner struct {
	project   *config.Project
	sess      *session.Session
	store     resultstore.Store
	resolver  *repeat.Resolver
	workdir   string
	revisions []task.Revision
	gitOpts   []git.Option
}

// Option configures a Runner.
type Option func(*Runner)

// WithRevisions fixes the repository revisions instead of asking git.
func WithRevisions(revs []task.Revision) Option {
	return func(r *Runner) { r.revisions = revs }
}

// WithGitOptions is passed to git.Open when revisions are looked up.
func WithGitOptions(opts ...git.Option) Option {
	return func(r *Runner) { r.gitOpts = opts }
}

// WithResolver shares a repeat resolver between runners, so the store
// warning is printed once per run rather than once per commit.
func WithResolver(res *repeat.Resolver) Option {
	return func(r *Runner) { r.resolver = res }
}

// New returns a runner for project. The result store is only used when the
// project enables it.
func New(project *config.Project, sess *session.Session, opts ...Option) *Runner {
	r := &Runner{project: project, sess: sess}
	if project.UseStore {
		r.store = sess.Store
	}
	for _, o := range opts {
		o(r)
	}
	if r.resolver == nil {
		r.resolver = repeat.NewResolver(r.store)
	}
	r.workdir = project.Workdir
	if abs, err := filepath.Abs(project.Workdir); err == nil {
		r.workdir = abs
	}
	return r
}

// Workdir returns the absolute project working directory.
func (r *Runner) Workdir() string { return r.workdir }

// LogDir returns the directory holding generated scripts and logs.
func (r *Runner) LogDir() string {
	if filepath.IsAbs(r.project.LogDir) {
		return r.project.LogDir
	}
	return filepath.Join(r.workdir, r.project.LogDir)
}

// Revisions resolves every tracked repository. Pinned commits are used as
// they are; the others are read from the working copy. A repository git
// cannot read resolves to an empty commit.
func (r *Runner) Revisions(ctx context.Context) []task.Revision {
	if r.revisions != nil {
		return r.revisions
	}
	logger := ctxlog.FromContext(ctx)

	revs := make([]task.Revision, 0, len(r.project.Repos))
	for _, repo := range r.project.Repos {
		rev := task.Revision{Repo: repo.Name, Path: repo.Path, Commit: repo.Commit, Branch: repo.Branch}
		if rev.Commit == "" {
			g := git.Open(filepath.Join(r.workdir, repo.Path), r.gitOpts...)
			commit, err := g.Resolve(ctx, "HEAD")
			if err != nil {
				logger.Debug("Could not resolve repository revision.", "repo", repo.Name, "error", err)
			} else {
				rev.Commit = commit
				if rev.Branch == "" {
					rev.Branch, _ = g.CurrentBranch(ctx)
				}
			}
		}
		revs = append(revs, rev)
	}
	r.revisions = revs
	return revs
}

func (r *Runner) env(ctx context.Context) task.Env {
	return task.Env{
		RunID:     r.sess.RunID,
		Project:   r.project,
		Revisions: r.Revisions(ctx),
		Environ:   r.sess.Environ,
	}
}

// Plan expands the stage into units and writes their scripts. Bindings are
// expanded in declaration order and each binding's repetitions are resolved
// right before its units are built.
func (r *Runner) Plan(ctx context.Context, st *config.Stage) ([]*task.Unit, error) {
	units, err := r.plan(ctx, st)
	if err != nil {
		return nil, err
	}
	dir := r.LogDir()
	for _, u := range units {
		if err := u.WriteScript(dir, r.project.Init); err != nil {
			return nil, fmt.Errorf("unit %s: %w", u.Name(), err)
		}
	}
	r.sess.Metrics.Planned(st.Name, len(units))
	return units, nil
}

// Required returns how many units the stage still needs, without writing
// anything.
func (r *Runner) Required(ctx context.Context, st *config.Stage) (int, error) {
	units, err := r.plan(ctx, st)
	if err != nil {
		return 0, err
	}
	return len(units), nil
}

func (r *Runner) plan(ctx context.Context, st *config.Stage) ([]*task.Unit, error) {
	ctx, logger := ctxlog.With(ctx, "stage", st.Name)

	bindings, err := matrix.Expand(st.Variables)
	if err != nil {
		return nil, err
	}
	env := r.env(ctx)

	var fingerprint string
	if st.Cache.Enabled {
		if fingerprint, err = env.Fingerprint(); err != nil {
			return nil, err
		}
	}

	stageScope := task.StageScope(env, st)
	var units []*task.Unit
	for i, b := range bindings {
		ordinal := i + 1
		scope := task.BindingScope(stageScope, ordinal, b)

		index, err := task.ResolveIndex(st, scope)
		if err != nil {
			return nil, err
		}
		weight, err := task.ResolveWeight(st, scope)
		if err != nil {
			return nil, err
		}
		n, err := r.resolver.Required(ctx, st.Repeat, index)
		if err != nil {
			return nil, err
		}
		logger.Debug("Resolved binding.", "binding", ordinal, "vars", b.String(), "repeat", st.Repeat.String(), "required", n)

		for rep := 1; rep <= n; rep++ {
			units = append(units, &task.Unit{
				Stage:          st,
				BindingOrdinal: ordinal,
				Repetition:     rep,
				Binding:        b,
				Index:          index,
				Weight:         weight,
				Fingerprint:    fingerprint,
				Scope:          task.UnitScope(scope, ordinal, rep),
			})
		}
	}
	return units, nil
}

// Result summarizes one stage run.
type Result struct {
	Stage     string
	Planned   int
	Succeeded int
	Cached    int
	Failed    int
	Skipped   int
	// Errors are the failures of units that ran.
	Errors   []error
	Duration time.Duration
}

// Run plans the stage and executes its units. Under the continue policy unit
// failures are only recorded in the result. Under break and exit the first
// failure stops the pool and is returned as a *StageError. Configuration
// errors are returned as they are.
func (r *Runner) Run(ctx context.Context, st *config.Stage) (*Result, error) {
	ctx, logger := ctxlog.With(ctx, "stage", st.Name)
	start := time.Now()
	res := &Result{Stage: st.Name}

	units, err := r.Plan(ctx, st)
	if err != nil {
		return res, err
	}
	res.Planned = len(units)
	if len(units) == 0 {
		logger.Info("✅ Stage has enough results, nothing to run.")
		return res, nil
	}

	var cache *buildcache.Cache
	if st.Cache.Enabled {
		cache, err = buildcache.New(buildcache.Config{
			Root:    st.Cache.Root,
			Workdir: r.workdir,
			Dirs:    st.Cache.Dirs,
			Remote:  r.sess.Remote,
		})
		if err != nil {
			return res, err
		}
	}

	pool := executor.NewPool[Outcome](executor.Config{
		Name:         st.Name,
		Capacity:     st.Parallel.CPUs,
		PollInterval: r.sess.PollInterval,
		Observer:     r.sess.PoolObserver(),
	})
	for _, u := range units {
		u := u
		pool.Add(u.Name(), func(ctx context.Context) (Outcome, error) {
			out, err := r.runUnit(ctx, u, cache)
			if err != nil && st.OnError != config.Continue {
				err = executor.Terminate(err)
			}
			return out, err
		})
	}
	pool.SetWeightExtractor(func(w *executor.Worker[Outcome]) int {
		return units[w.Ordinal].Weight
	})

	logger.Info("🚀 Starting stage.", "units", len(units), "cpus", st.Parallel.CPUs, "on_error", st.OnError)
	poolErr := pool.Start(ctx)

	for _, w := range pool.Workers() {
		switch {
		case w.Skipped():
			res.Skipped++
		case w.Err() != nil:
			res.Failed++
			res.Errors = append(res.Errors, unwrapTerminate(w.Err()))
		case w.Result().Cached:
			res.Cached++
		default:
			res.Succeeded++
		}
	}
	res.Duration = time.Since(start)

	if poolErr != nil {
		if !executor.IsTerminate(poolErr) {
			return res, poolErr
		}
		cause := unwrapTerminate(poolErr)
		logger.Error("❌ Stage stopped.", "error", cause, "failed", res.Failed, "skipped", res.Skipped)
		return res, &StageError{Stage: st.Name, Policy: st.OnError, Err: cause}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if res.Failed > 0 {
		logger.Warn("⚠️ Stage finished with failures.", "failed", res.Failed, "succeeded", res.Succeeded)
	} else {
		logger.Info("✅ Stage finished.", "succeeded", res.Succeeded, "cached", res.Cached, "duration", res.Duration)
	}
	return res, nil
}

// RunAll runs stages in order. It stops at the first error, which is a
// *StageError when a stage's policy stopped it.
func (r *Runner) RunAll(ctx context.Context, stages []*config.Stage) ([]*Result, error) {
	results := make([]*Result, 0, len(stages))
	for _, st := range stages {
		res, err := r.Run(ctx, st)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func unwrapTerminate(err error) error {
	var te *executor.TerminateError
	if errors.As(err, &te) && te.Reason != nil {
		return te.Reason
	}
	return err
}
