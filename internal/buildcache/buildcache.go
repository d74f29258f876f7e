// Package buildcache snapshots build directories per commit so that a stage
// whose outputs already exist for the checked-out revision can be skipped.
package buildcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/fsutil"
)

// CommitPrefix is the number of commit hash characters used in fingerprints.
const CommitPrefix = 12

// ErrNotFound is returned when no entry exists for a fingerprint.
var ErrNotFound = errors.New("cache entry not found")

// Repo is one tracked repository at a resolved commit.
type Repo struct {
	Name   string
	Commit string
}

// Fingerprint joins the project name and every repository's name and
// truncated commit, in the given order.
func Fingerprint(project string, repos []Repo) string {
	parts := make([]string, 0, len(repos)+1)
	parts = append(parts, sanitize(project))
	for _, r := range repos {
		commit := r.Commit
		if len(commit) > CommitPrefix {
			commit = commit[:CommitPrefix]
		}
		parts = append(parts, sanitize(r.Name)+"-"+sanitize(commit))
	}
	return strings.Join(parts, "_")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '-'
	}, s)
}

// Remote mirrors cache entries somewhere outside the local storage root.
type Remote interface {
	// Pull materializes the entry for fingerprint into dst, which does not
	// exist yet. It returns ErrNotFound when the remote has no such entry.
	Pull(ctx context.Context, fingerprint, dst string) error
	// Push uploads the local entry at src.
	Push(ctx context.Context, fingerprint, src string) error
}

// Config describes one stage's cache.
type Config struct {
	// Root is the storage root holding one directory per fingerprint.
	Root string
	// Workdir is where the cached directories live while the stage runs.
	Workdir string
	// Dirs are the cached directories, relative to Workdir.
	Dirs   []string
	Remote Remote
}

// entryLocks serializes installs and restores of one entry path across every
// Cache in the process.
var entryLocks sync.Map // Key: entry path, Value: *sync.Mutex

func lockEntry(path string) (unlock func()) {
	v, _ := entryLocks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Cache stores and restores entries for one set of directories.
type Cache struct {
	cfg Config
}

// New validates cfg and returns a cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Root == "" {
		return nil, errs.Configf("cache: storage root is required")
	}
	if len(cfg.Dirs) == 0 {
		return nil, errs.Configf("cache: at least one directory is required")
	}
	for _, d := range cfg.Dirs {
		if d == "" || filepath.IsAbs(d) || strings.HasPrefix(filepath.Clean(d), "..") {
			return nil, errs.Configf("cache: directory %q must be relative to the working directory", d)
		}
	}
	return &Cache{cfg: cfg}, nil
}

// Dirs returns the cached directories.
func (c *Cache) Dirs() []string { return c.cfg.Dirs }

// Path returns the location of the entry for fingerprint.
func (c *Cache) Path(fingerprint string) string {
	return filepath.Join(c.cfg.Root, fingerprint)
}

// Exists reports whether a local entry exists for fingerprint.
func (c *Cache) Exists(fingerprint string) bool {
	fi, err := os.Stat(c.Path(fingerprint))
	return err == nil && fi.IsDir()
}

// Available reports whether an entry exists locally, pulling it from the
// remote first when one is configured and the local lookup misses.
func (c *Cache) Available(ctx context.Context, fingerprint string) bool {
	if c.Exists(fingerprint) {
		return true
	}
	if c.cfg.Remote == nil {
		return false
	}

	logger := ctxlog.FromContext(ctx).With("fingerprint", fingerprint)
	tmp, err := c.tempDir(fingerprint)
	if err != nil {
		logger.Warn("Could not prepare cache pull.", "error", err)
		return false
	}
	defer os.RemoveAll(tmp)

	dst := filepath.Join(tmp, "entry")
	if err := c.cfg.Remote.Pull(ctx, fingerprint, dst); err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Warn("Remote cache pull failed.", "error", err)
		}
		return false
	}
	if err := c.install(dst, fingerprint); err != nil {
		logger.Warn("Could not install pulled cache entry.", "error", err)
		return false
	}
	logger.Debug("Pulled cache entry from remote.")
	return true
}

// Restore replaces every configured directory in the working directory with
// its snapshot. A missing entry is rejected before anything is touched.
func (c *Cache) Restore(ctx context.Context, fingerprint string) error {
	entry := c.Path(fingerprint)
	defer lockEntry(entry)()
	if !c.Exists(fingerprint) {
		return &errs.CacheError{Op: "restore", Path: entry, Err: ErrNotFound}
	}

	logger := ctxlog.FromContext(ctx)
	for _, d := range c.cfg.Dirs {
		src := filepath.Join(entry, d)
		dst := filepath.Join(c.cfg.Workdir, d)
		if !fsutil.Exists(src) {
			// The directory did not exist when the entry was saved.
			if err := os.RemoveAll(dst); err != nil {
				return &errs.CacheError{Op: "restore", Path: dst, Err: err}
			}
			continue
		}
		if err := fsutil.ReplaceDir(src, dst); err != nil {
			return &errs.CacheError{Op: "restore", Path: dst, Err: err}
		}
	}
	logger.Debug("Restored cache entry.", "fingerprint", fingerprint, "dirs", len(c.cfg.Dirs))
	return nil
}

// Save snapshots the configured directories as the entry for fingerprint,
// replacing any existing entry wholesale, and pushes it to the remote.
func (c *Cache) Save(ctx context.Context, fingerprint string) error {
	logger := ctxlog.FromContext(ctx)

	tmp, err := c.tempDir(fingerprint)
	if err != nil {
		return &errs.CacheError{Op: "save", Path: c.cfg.Root, Err: err}
	}
	defer os.RemoveAll(tmp)

	staged := filepath.Join(tmp, "entry")
	if err := os.Mkdir(staged, 0o755); err != nil {
		return &errs.CacheError{Op: "save", Path: staged, Err: err}
	}
	for _, d := range c.cfg.Dirs {
		src := filepath.Join(c.cfg.Workdir, d)
		if !fsutil.Exists(src) {
			logger.Debug("Cached directory does not exist, skipping.", "dir", d)
			continue
		}
		dst := filepath.Join(staged, d)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return &errs.CacheError{Op: "save", Path: dst, Err: err}
		}
		if err := fsutil.CopyDir(src, dst); err != nil {
			return &errs.CacheError{Op: "save", Path: src, Err: err}
		}
	}

	if err := c.install(staged, fingerprint); err != nil {
		return err
	}
	logger.Debug("Saved cache entry.", "fingerprint", fingerprint)

	if c.cfg.Remote != nil {
		if err := c.cfg.Remote.Push(ctx, fingerprint, c.Path(fingerprint)); err != nil {
			logger.Warn("Remote cache push failed.", "fingerprint", fingerprint, "error", err)
		}
	}
	return nil
}

// install moves a fully written entry into place, replacing the old one.
// Units sharing a fingerprint may save concurrently; the last one wins.
func (c *Cache) install(staged, fingerprint string) error {
	entry := c.Path(fingerprint)
	defer lockEntry(entry)()
	if err := os.RemoveAll(entry); err != nil {
		return &errs.CacheError{Op: "save", Path: entry, Err: err}
	}
	if err := os.Rename(staged, entry); err != nil {
		return &errs.CacheError{Op: "save", Path: entry, Err: err}
	}
	return nil
}

// tempDir creates a scratch directory inside the storage root so the final
// rename stays on one file system.
func (c *Cache) tempDir(fingerprint string) (string, error) {
	if err := os.MkdirAll(c.cfg.Root, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(c.cfg.Root, fmt.Sprintf(".tmp-%s-", fingerprint))
}
