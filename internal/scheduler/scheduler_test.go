package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/specialistvlad/gridbench/internal/git"
	"github.com/specialistvlad/gridbench/internal/inmemorystore"
	"github.com/specialistvlad/gridbench/internal/repeat"
	"github.com/specialistvlad/gridbench/internal/resultstore"
	"github.com/specialistvlad/gridbench/internal/session"
	"github.com/specialistvlad/gridbench/internal/shell"
	"github.com/specialistvlad/gridbench/internal/stage"
	"github.com/specialistvlad/gridbench/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int) time.Time {
	return time.Date(2024, 6, n, 12, 0, 0, 0, time.UTC)
}

func hash(c byte) string { return strings.Repeat(string(c), 40) }

type fakeCommit struct {
	hash string
	date time.Time
}

// fakeGit answers the handful of git commands the scheduler issues.
type fakeGit struct {
	mu        sync.Mutex
	dirty     string
	branches  map[string]time.Time
	logs      map[string][]fakeCommit
	checkouts []string
}

func (f *fakeGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch args[0] {
	case "status":
		return f.dirty, nil
	case "rev-parse":
		if args[1] == "--abbrev-ref" {
			return "main\n", nil
		}
		return hash('0') + "\n", nil
	case "fetch":
		return "", nil
	case "for-each-ref":
		var b strings.Builder
		for name, date := range f.branches {
			fmt.Fprintf(&b, "%s\x1f%s\x1f%s\x1f\n", name, f.logs[name][0].hash, date.Format(time.RFC3339))
		}
		return b.String(), nil
	case "log":
		ref := args[len(args)-2]
		var b strings.Builder
		for _, c := range f.logs[ref] {
			fmt.Fprintf(&b, "%s\x1f%s\x1fdev\x1f%s\x1f\x1fcommit %s\x1e", c.hash, c.hash[:7], c.date.Format(time.RFC3339), c.hash[:1])
		}
		return b.String(), nil
	case "checkout":
		f.checkouts = append(f.checkouts, args[len(args)-1])
		return "", nil
	}
	return "", fmt.Errorf("unexpected git %v", args)
}

type fakeShell struct {
	mu      sync.Mutex
	scripts []string
	fail    string
}

func (f *fakeShell) Run(ctx context.Context, c shell.Command) (shell.Result, error) {
	body, err := os.ReadFile(c.Script)
	if err != nil {
		return shell.Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, string(body))
	if f.fail != "" && strings.Contains(string(body), f.fail) {
		return shell.Result{ReturnCode: 1}, nil
	}
	return shell.Result{}, nil
}

func tmpl(t *testing.T, src string) hcl.Expression {
	t.Helper()
	e, err := expr.ParseTemplate(src, "test.hcl")
	require.NoError(t, err)
	return e
}

type fixture struct {
	git     *fakeGit
	shell   *fakeShell
	store   *inmemorystore.Store
	project *config.Project
	build   *config.Stage
	test    *config.Stage
	sched   *CommitScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fg := &fakeGit{
		branches: map[string]time.Time{
			"origin/main":    day(3),
			"origin/feature": day(4),
			"origin/stale":   day(1).Add(-90 * 24 * time.Hour),
		},
		logs: map[string][]fakeCommit{
			"origin/main":    {{hash('3'), day(3)}, {hash('2'), day(2)}, {hash('1'), day(1)}},
			"origin/feature": {{hash('f'), day(4)}, {hash('2'), day(2)}},
			"origin/stale":   {{hash('9'), day(1).Add(-90 * 24 * time.Hour)}},
		},
	}
	p := config.NewProject("bench")
	p.Workdir = t.TempDir()
	p.UseStore = true
	p.Repos = []config.Repo{{Name: "main", Path: "."}}

	build := config.NewStage("build")
	build.Ordinal = 1
	build.Shell = tmpl(t, "build ${git.main.commit}")

	test := config.NewStage("test")
	test.Ordinal = 2
	test.Shell = tmpl(t, "bench ${git.main.short} on ${git.main.branch}")
	test.Repeat = repeat.Minimum(1)
	test.Index = map[string]hcl.Expression{"commit": tmpl(t, "${git.main.commit}")}

	sh := &fakeShell{}
	store := inmemorystore.New()
	sess := &session.Session{RunID: "run-1", Store: store, Shell: sh, Stdout: io.Discard}

	return &fixture{
		git:     fg,
		shell:   sh,
		store:   store,
		project: p,
		build:   build,
		test:    test,
		sched: New(p, sess, Config{
			MaxAge:      DefaultMaxAge,
			CommitLimit: DefaultCommitLimit,
			GitOptions:  []git.Option{git.WithCommander(fg)},
			Now:         func() time.Time { return day(5) },
		}),
	}
}

func (f *fixture) seed(t *testing.T, ctx context.Context, commit string) {
	t.Helper()
	d := resultstore.NewDocument()
	d.Index = map[string]string{"commit": commit}
	require.NoError(t, f.store.Insert(ctx, d))
}

func hashes(cs []CommitReport) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Commit.Hash[:1]
	}
	return out
}

func TestRun_PassOverHistory(t *testing.T) {
	ctx, _ := testutil.Context(t)
	f := newFixture(t)
	f.seed(t, ctx, hash('3'))
	f.shell.fail = "build " + hash('2')

	report, err := f.sched.Run(ctx, []*config.Stage{f.build}, f.test)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"f", "3", "2", "1"}, hashes(report.Commits)); diff != "" {
		t.Fatalf("unexpected commit order (-want +got):\n%s", diff)
	}
	assert.Equal(t, "feature", report.Commits[2].Commit.Branch, "shared commit keeps the newest branch")

	assert.True(t, report.Commits[0].Ran)
	assert.False(t, report.Commits[1].Ran, "commit with results is skipped")
	assert.Zero(t, report.Commits[1].Required)
	assert.Error(t, report.Commits[2].Err)
	assert.True(t, report.Commits[3].Ran)
	assert.NoError(t, report.Commits[3].Err)
	assert.Equal(t, 3, report.Ran())
	assert.Equal(t, 1, report.Failed())

	assert.Equal(t, []string{hash('f'), hash('2'), hash('1'), "main"}, f.git.checkouts)

	n, err := f.store.Count(ctx, map[string]string{"commit": hash('1')})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.store.Count(ctx, map[string]string{"commit": hash('2')})
	require.NoError(t, err)
	assert.Zero(t, n, "test stage never ran after the failed build")

	var benched []string
	for _, s := range f.shell.scripts {
		if strings.Contains(s, "\nbench ") {
			benched = append(benched, s)
		}
	}
	require.Len(t, benched, 2)
	assert.Contains(t, benched[0], "bench ffffffffffff on feature")
}

func TestRun_ExitPolicyAbortsPass(t *testing.T) {
	ctx, _ := testutil.Context(t)
	f := newFixture(t)
	f.build.OnError = config.Exit
	f.shell.fail = "build " + hash('3')

	report, err := f.sched.Run(ctx, []*config.Stage{f.build}, f.test)
	require.Error(t, err)
	assert.True(t, stage.IsFatal(err))
	assert.Equal(t, []string{"f", "3"}, hashes(report.Commits))
	assert.Equal(t, []string{hash('f'), hash('3'), "main"}, f.git.checkouts, "checkout is restored after an abort")
}

func TestRun_RefusesDirtyTree(t *testing.T) {
	ctx, _ := testutil.Context(t)
	f := newFixture(t)
	f.git.dirty = " M main.go\n"

	_, err := f.sched.Run(ctx, nil, f.test)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main.go")
	assert.Empty(t, f.git.checkouts)
	assert.Empty(t, f.shell.scripts)
}

func TestRun_NothingToDo(t *testing.T) {
	ctx, _ := testutil.Context(t)
	f := newFixture(t)
	for _, c := range []byte("f321") {
		f.seed(t, ctx, hash(c))
	}

	report, err := f.sched.Run(ctx, []*config.Stage{f.build}, f.test)
	require.NoError(t, err)
	assert.Zero(t, report.Ran())
	assert.Empty(t, f.shell.scripts)
	assert.Equal(t, []string{"main"}, f.git.checkouts)
}

func TestActive(t *testing.T) {
	branches := []git.Branch{
		{Name: "origin/a", Date: day(1)},
		{Name: "origin/b", Date: day(4)},
		{Name: "origin/old", Date: day(1).Add(-48 * time.Hour)},
	}
	got := Active(branches, day(5), 5*24*time.Hour)
	require.Len(t, got, 2)
	assert.Equal(t, "origin/b", got[0].Name)

	assert.Len(t, Active(branches, day(5), 0), 3)
}

func TestDedupe_TiesBreakByHash(t *testing.T) {
	commits := []git.Commit{
		{Hash: "b", Date: day(2), Branch: "main"},
		{Hash: "a", Date: day(2), Branch: "main"},
		{Hash: "c", Date: day(3), Branch: "main"},
	}
	got := Dedupe(commits, []git.Branch{{Name: "origin/main", Date: day(3)}}, "origin")
	var order []string
	for _, c := range got {
		order = append(order, c.Hash)
	}
	assert.Equal(t, []string{"c", "a", "b"}, order)
}
