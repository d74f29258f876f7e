// Package git reads and moves a repository checkout by invoking the git
// executable.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Commit is one entry of a repository's history.
type Commit struct {
	Hash      string
	ShortHash string
	Author    string
	Date      time.Time
	Refs      []string
	Subject   string
	// Branch is the branch the commit was discovered through, if any.
	Branch string
}

// Branch is a branch ref and the commit at its tip.
type Branch struct {
	Name   string
	Commit string
	Date   time.Time
}

// Commander runs git with args in dir and returns its standard output.
type Commander interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecCommander runs the git binary found on PATH.
type ExecCommander struct{}

func (ExecCommander) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Repo is a working copy.
type Repo struct {
	Dir string
	// Remote is the remote fetched from and whose branches are listed.
	Remote string
	// BranchRefs is the ref namespace RemoteBranches lists. Defaults to
	// refs/remotes/<Remote>.
	BranchRefs string

	cmd Commander
}

// Option customizes a Repo.
type Option func(*Repo)

// WithCommander replaces the git invocation, mostly for tests.
func WithCommander(c Commander) Option { return func(r *Repo) { r.cmd = c } }

// WithRemote sets the remote name.
func WithRemote(name string) Option { return func(r *Repo) { r.Remote = name } }

// WithBranchRefs sets the namespace listed by RemoteBranches.
func WithBranchRefs(prefix string) Option { return func(r *Repo) { r.BranchRefs = prefix } }

// Open returns a Repo for an existing working copy.
func Open(dir string, opts ...Option) *Repo {
	r := &Repo{Dir: dir, Remote: "origin", cmd: ExecCommander{}}
	for _, o := range opts {
		o(r)
	}
	if r.BranchRefs == "" {
		r.BranchRefs = "refs/remotes/" + r.Remote
	}
	return r
}

// Clone clones url into dir and opens it.
func Clone(ctx context.Context, url, dir string, opts ...Option) (*Repo, error) {
	r := Open(dir, opts...)
	if _, err := r.cmd.Run(ctx, "", "clone", "--quiet", "--origin", r.Remote, url, dir); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return r.cmd.Run(ctx, r.Dir, args...)
}

func (r *Repo) trimmed(ctx context.Context, args ...string) (string, error) {
	out, err := r.git(ctx, args...)
	return strings.TrimSpace(out), err
}

// Fetch updates remote-tracking refs, pruning deleted branches.
func (r *Repo) Fetch(ctx context.Context) error {
	_, err := r.git(ctx, "fetch", "--quiet", "--prune", r.Remote)
	return err
}

// Checkout moves the working copy to ref.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.git(ctx, "checkout", "--quiet", ref)
	return err
}

// Resolve returns the full commit hash ref points at.
func (r *Repo) Resolve(ctx context.Context, ref string) (string, error) {
	return r.trimmed(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
}

// CurrentBranch returns the checked-out branch name, or "" when HEAD is
// detached.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	ref, err := r.trimmed(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || ref == "HEAD" {
		return "", err
	}
	return ref, nil
}

// Current returns the checkout to come back to after moving around: the
// branch name if on a branch, otherwise the commit hash.
func (r *Repo) Current(ctx context.Context) (string, error) {
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if branch != "" {
		return branch, nil
	}
	return r.Resolve(ctx, "HEAD")
}

// Dirty lists modified tracked files that would be clobbered by a checkout.
func (r *Repo) Dirty(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return nil, err
	}
	var dirty []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) >= 3 && line[:2] != "??" {
			dirty = append(dirty, strings.TrimSpace(line[2:]))
		}
	}
	return dirty, nil
}

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Log returns up to limit commits reachable from ref, newest first. A limit
// of zero or less means no limit.
func (r *Repo) Log(ctx context.Context, ref string, limit int) ([]Commit, error) {
	args := []string{"log", "--format=%H%x1f%h%x1f%an%x1f%aI%x1f%D%x1f%s%x1e"}
	if limit > 0 {
		args = append(args, fmt.Sprintf("--max-count=%d", limit))
	}
	args = append(args, ref, "--")
	out, err := r.git(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseLog(out)
}

func parseLog(out string) ([]Commit, error) {
	var commits []Commit
	for _, rec := range strings.Split(out, recordSep) {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		f := strings.Split(rec, fieldSep)
		if len(f) != 6 {
			return nil, fmt.Errorf("malformed log record %q", rec)
		}
		date, err := time.Parse(time.RFC3339, f[3])
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", f[0], err)
		}
		commits = append(commits, Commit{
			Hash:      f[0],
			ShortHash: f[1],
			Author:    f[2],
			Date:      date,
			Refs:      splitRefs(f[4]),
			Subject:   f[5],
		})
	}
	return commits, nil
}

func splitRefs(s string) []string {
	var refs []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

// RemoteBranches lists the branches under BranchRefs with their tip commit
// and its author date. Symbolic refs such as origin/HEAD are skipped.
func (r *Repo) RemoteBranches(ctx context.Context) ([]Branch, error) {
	out, err := r.git(ctx, "for-each-ref",
		"--format=%(refname:short)%1f%(objectname)%1f%(authordate:iso-strict)%1f%(symref)",
		r.BranchRefs)
	if err != nil {
		return nil, err
	}
	var branches []Branch
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := strings.Split(line, fieldSep)
		if len(f) != 4 {
			return nil, fmt.Errorf("malformed ref line %q", line)
		}
		if f[3] != "" || strings.HasSuffix(f[0], "/HEAD") {
			continue
		}
		date, err := time.Parse(time.RFC3339, f[2])
		if err != nil {
			return nil, fmt.Errorf("branch %s: %w", f[0], err)
		}
		branches = append(branches, Branch{Name: f[0], Commit: f[1], Date: date})
	}
	return branches, nil
}
