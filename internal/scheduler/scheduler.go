package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/git"
	"github.com/specialistvlad/gridbench/internal/repeat"
	"github.com/specialistvlad/gridbench/internal/session"
	"github.com/specialistvlad/gridbench/internal/stage"
)

const (
	// DefaultMaxAge skips branches whose tip is older than this.
	DefaultMaxAge = 30 * 24 * time.Hour
	// DefaultCommitLimit is how many commits are listed per branch.
	DefaultCommitLimit = 10
)

// Config tunes discovery.
type Config struct {
	// MaxAge drops branches whose tip commit is older. Zero keeps all.
	MaxAge time.Duration
	// CommitLimit bounds the commits listed per branch. Zero or less means
	// no limit.
	CommitLimit int
	// GitOptions are passed to every git.Open call.
	GitOptions []git.Option
	// Now defaults to time.Now.
	Now func() time.Time
}

// CommitScheduler runs a pipeline of stages over the commits of the main
// repository.
//
// # How It Works
//
// One pass goes through these steps:
//  1. Discover: fetch, list remote branches newer than MaxAge and log up to
//     CommitLimit commits of each.
//  2. Deduplicate: a commit reachable from several branches is kept once,
//     attributed to the branch with the newest tip. Commits are sorted newest
//     first.
//  3. Evaluate: the project is pinned to the commit without touching the
//     working copy, and the test stage reports how many units it still needs.
//  4. Execute: when units are needed the commit is checked out and the setup
//     stages run in order, followed by the test stage.
//
// A stage stopped by its break policy abandons the commit and the pass moves
// on. The exit policy aborts the pass. The original checkout is restored when
// the pass ends, whatever the outcome.
//
// Commits are processed strictly one after another, so the sufficiency check
// of a commit sees every result stored by the commits before it.
type CommitScheduler struct {
	project  *config.Project
	sess     *session.Session
	cfg      Config
	resolver *repeat.Resolver
}

// New creates a scheduler for project.
func New(project *config.Project, sess *session.Session, cfg Config) *CommitScheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	store := sess.Store
	if !project.UseStore {
		store = nil
	}
	return &CommitScheduler{
		project:  project,
		sess:     sess,
		cfg:      cfg,
		resolver: repeat.NewResolver(store),
	}
}

// CommitReport is the outcome of one commit.
type CommitReport struct {
	Commit git.Commit
	// Required is the number of test units the commit still needed.
	Required int
	Ran      bool
	Results  []*stage.Result
	// Err is the stage error that abandoned the commit.
	Err error
}

// Report summarizes one pass.
type Report struct {
	Commits []CommitReport
}

// Ran returns how many commits were executed.
func (r *Report) Ran() int {
	n := 0
	for _, c := range r.Commits {
		if c.Ran {
			n++
		}
	}
	return n
}

// Failed returns how many commits were abandoned by a failing stage.
func (r *Report) Failed() int {
	n := 0
	for _, c := range r.Commits {
		if c.Err != nil {
			n++
		}
	}
	return n
}

// Run performs one pass. setup stages run before test on every executed
// commit; test also decides whether a commit needs running at all. The
// returned error is a fatal *stage.StageError, a configuration error or a
// git failure; stage failures under the break policy are only recorded in
// the report.
func (s *CommitScheduler) Run(ctx context.Context, setup []*config.Stage, test *config.Stage) (*Report, error) {
	main := s.project.MainRepo()
	if main == nil {
		return nil, errs.Configf("scheduling needs at least one tracked repository")
	}
	if test == nil {
		return nil, errs.Configf("scheduling needs a test stage")
	}
	ctx, logger := ctxlog.With(ctx, "repo", main.Name)

	workdir, err := filepath.Abs(s.project.Workdir)
	if err != nil {
		return nil, err
	}
	repo := git.Open(filepath.Join(workdir, main.Path), s.cfg.GitOptions...)

	dirty, err := repo.Dirty(ctx)
	if err != nil {
		return nil, err
	}
	if len(dirty) > 0 {
		return nil, fmt.Errorf("working copy %s has local changes (%s), refusing to check out other commits", repo.Dir, strings.Join(dirty, ", "))
	}

	original, err := repo.Current(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := repo.Checkout(context.WithoutCancel(ctx), original); err != nil {
			logger.Error("Could not restore the original checkout.", "ref", original, "error", err)
			return
		}
		logger.Debug("Restored original checkout.", "ref", original)
	}()

	commits, err := s.discover(ctx, repo)
	if err != nil {
		return nil, err
	}
	logger.Info("🔎 Discovered commits.", "count", len(commits))

	pipeline := append(append([]*config.Stage{}, setup...), test)
	report := &Report{}
	for _, c := range commits {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		cr, err := s.runCommit(ctx, repo, main.Name, c, pipeline, test)
		report.Commits = append(report.Commits, cr)
		if err != nil {
			return report, err
		}
	}

	logger.Info("🏁 Scheduling pass finished.", "commits", len(commits), "ran", report.Ran(), "failed", report.Failed())
	return report, nil
}

func (s *CommitScheduler) runCommit(ctx context.Context, repo *git.Repo, repoName string, c git.Commit, pipeline []*config.Stage, test *config.Stage) (CommitReport, error) {
	ctx, logger := ctxlog.With(ctx, "commit", c.ShortHash, "branch", c.Branch)
	cr := CommitReport{Commit: c}

	pinned, err := s.project.WithRevision(repoName, c.Hash, c.Branch)
	if err != nil {
		return cr, err
	}
	runner := stage.New(pinned, s.sess, stage.WithResolver(s.resolver), stage.WithGitOptions(s.cfg.GitOptions...))

	cr.Required, err = runner.Required(ctx, test)
	if err != nil {
		return cr, err
	}
	if cr.Required == 0 {
		logger.Info("✅ Commit has enough results, skipping.", "subject", c.Subject)
		return cr, nil
	}

	logger.Info("🚀 Testing commit.", "subject", c.Subject, "required", cr.Required)
	if err := repo.Checkout(ctx, c.Hash); err != nil {
		return cr, err
	}
	cr.Ran = true

	cr.Results, err = runner.RunAll(ctx, pipeline)
	var se *stage.StageError
	switch {
	case err == nil:
	case errors.As(err, &se) && !se.Fatal():
		logger.Warn("⚠️ Commit abandoned.", "stage", se.Stage, "error", se.Err)
		cr.Err = err
	default:
		cr.Err = err
		return cr, err
	}
	return cr, nil
}

// discover lists, deduplicates and sorts the candidate commits.
func (s *CommitScheduler) discover(ctx context.Context, repo *git.Repo) ([]git.Commit, error) {
	logger := ctxlog.FromContext(ctx)

	if err := repo.Fetch(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("⚠️ Fetch failed, using local remote-tracking refs.", "error", err)
	}

	branches, err := repo.RemoteBranches(ctx)
	if err != nil {
		return nil, err
	}
	branches = Active(branches, s.cfg.Now(), s.cfg.MaxAge)
	logger.Debug("Active branches.", "count", len(branches))

	var all []git.Commit
	for _, b := range branches {
		commits, err := repo.Log(ctx, b.Name, s.cfg.CommitLimit)
		if err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(b.Name, repo.Remote+"/")
		for i := range commits {
			commits[i].Branch = name
		}
		all = append(all, commits...)
	}
	return Dedupe(all, branches, repo.Remote), nil
}

// Active keeps the branches whose tip is younger than maxAge, newest first.
// A maxAge of zero keeps every branch.
func Active(branches []git.Branch, now time.Time, maxAge time.Duration) []git.Branch {
	out := make([]git.Branch, 0, len(branches))
	for _, b := range branches {
		if maxAge > 0 && now.Sub(b.Date) > maxAge {
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out
}

// Dedupe merges commits listed through several branches. A commit keeps the
// branch whose tip is newest. The result is sorted by author date, newest
// first, with ties broken by hash.
func Dedupe(commits []git.Commit, branches []git.Branch, remote string) []git.Commit {
	tip := make(map[string]time.Time, len(branches))
	for _, b := range branches {
		tip[strings.TrimPrefix(b.Name, remote+"/")] = b.Date
	}

	byHash := make(map[string]git.Commit, len(commits))
	for _, c := range commits {
		prev, ok := byHash[c.Hash]
		if !ok || tip[c.Branch].After(tip[prev.Branch]) {
			byHash[c.Hash] = c
		}
	}

	out := make([]git.Commit, 0, len(byHash))
	for _, c := range byHash {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}
