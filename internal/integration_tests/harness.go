// Package integration_tests holds helpers for the end-to-end suites in its
// subdirectories. The suites drive the app against real bash scripts.
package integration_tests

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/specialistvlad/gridbench/internal/app"
	"github.com/specialistvlad/gridbench/internal/inmemorystore"
	"github.com/specialistvlad/gridbench/internal/session"
	"github.com/specialistvlad/gridbench/internal/shell"
	"github.com/specialistvlad/gridbench/internal/testutil"
)

// Commit is the revision every fixture project pins its main repository to.
const Commit = "5f1c0a4e9b7d2c3a8e6f0b1d4c7a9e2f3b5d8c1a"

// Factory builds sessions that run bash against one in-memory store shared
// by every run of a test.
type Factory struct {
	Store *inmemorystore.Store
}

func (f *Factory) NewSession(ctx context.Context, s session.Settings) (*session.Session, error) {
	return &session.Session{
		RunID:        uuid.NewString(),
		Store:        f.Store,
		Shell:        shell.Bash{},
		Observer:     s.Observer,
		Metrics:      s.Metrics,
		Stdout:       s.Stdout,
		PollInterval: s.PollInterval,
	}, nil
}

// Env is one end-to-end fixture.
type Env struct {
	App     *app.App
	Store   *inmemorystore.Store
	Workdir string
	Logs    *testutil.SafeBuffer
}

// Setup writes files into a fresh project directory and loads it. In file
// contents {{workdir}} and {{tmp}} expand to the project directory and to a
// scratch directory outside it.
func Setup(t *testing.T, files map[string]string) *Env {
	t.Helper()
	testutil.RequireBash(t)

	workdir := t.TempDir()
	tmp := t.TempDir()
	expanded := make(map[string]string, len(files))
	for name, content := range files {
		content = strings.ReplaceAll(content, "{{workdir}}", filepath.ToSlash(workdir))
		expanded[name] = strings.ReplaceAll(content, "{{tmp}}", filepath.ToSlash(tmp))
	}
	testutil.WriteFiles(t, workdir, expanded)

	f := &Factory{Store: inmemorystore.New()}
	a, logs := app.SetupAppTest(t, app.Config{ConfigPaths: []string{workdir}}, app.WithSessionFactory(f))
	return &Env{App: a, Store: f.Store, Workdir: workdir, Logs: logs}
}

// Project renders a project block pinned to Commit with the given stages.
func Project(stages string) string {
	return `
project "e2e" {
  workdir = "{{workdir}}"
  store   = true

  repo "main" {
    path   = "."
    commit = "` + Commit + `"
  }
}
` + stages
}
