package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRepo creates a repository with commits on main and on a feature
// branch, all with fixed author dates.
func testRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()

	run := func(date string, args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=Bench Bot", "GIT_AUTHOR_EMAIL=bot@example.com",
			"GIT_COMMITTER_NAME=Bench Bot", "GIT_COMMITTER_EMAIL=bot@example.com",
			"GIT_AUTHOR_DATE="+date, "GIT_COMMITTER_DATE="+date,
			"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_NOSYSTEM=1",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	commit := func(date, file, msg string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(msg), 0o644))
		run(date, "add", file)
		run(date, "commit", "--quiet", "-m", msg)
	}

	run("2024-01-01T00:00:00Z", "init", "--quiet", "--initial-branch=main")
	commit("2024-01-01T10:00:00Z", "a.txt", "first")
	commit("2024-01-02T10:00:00Z", "a.txt", "second")
	run("2024-01-02T10:00:00Z", "checkout", "--quiet", "-b", "feature")
	commit("2024-01-03T10:00:00Z", "b.txt", "feature work")
	run("2024-01-03T10:00:00Z", "checkout", "--quiet", "main")
	return dir
}

func TestLog(t *testing.T) {
	dir := testRepo(t)
	ctx := context.Background()
	r := Open(dir, WithBranchRefs("refs/heads"))

	commits, err := r.Log(ctx, "feature", 0)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	assert.Equal(t, "feature work", commits[0].Subject)
	assert.Equal(t, "first", commits[2].Subject)
	assert.Equal(t, "Bench Bot", commits[0].Author)
	assert.True(t, commits[0].Date.Equal(time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)))
	assert.Len(t, commits[0].Hash, 40)
	assert.True(t, len(commits[0].ShortHash) >= 7)
	assert.Contains(t, commits[0].Refs, "feature")

	limited, err := r.Log(ctx, "main", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "second", limited[0].Subject)
}

func TestBranchesCheckoutAndCurrent(t *testing.T) {
	dir := testRepo(t)
	ctx := context.Background()
	r := Open(dir, WithBranchRefs("refs/heads"))

	branches, err := r.RemoteBranches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	byName := map[string]Branch{}
	for _, b := range branches {
		byName[b.Name] = b
	}
	require.Contains(t, byName, "main")
	require.Contains(t, byName, "feature")
	assert.True(t, byName["feature"].Date.After(byName["main"].Date))

	cur, err := r.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", cur)

	first, err := r.Resolve(ctx, "main~1")
	require.NoError(t, err)
	require.NoError(t, r.Checkout(ctx, first))

	cur, err = r.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, cur, "detached HEAD resolves to the commit")

	branch, err := r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Empty(t, branch)

	_, err = r.Resolve(ctx, "no-such-ref")
	require.Error(t, err)
}

func TestDirty(t *testing.T) {
	dir := testRepo(t)
	ctx := context.Background()
	r := Open(dir)

	dirty, err := r.Dirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("x"), 0o644))
	dirty, err = r.Dirty(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty, "untracked files do not block a checkout")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed"), 0o644))
	dirty, err = r.Dirty(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, dirty)
}

func TestParseLog(t *testing.T) {
	out := "abc\x1fa\x1fAnn\x1f2024-05-01T12:00:00+02:00\x1fHEAD -> main, origin/main\x1fFix it\x1e\n" +
		"def\x1fd\x1fBob\x1f2024-04-30T12:00:00Z\x1f\x1fInitial\x1e\n"

	commits, err := parseLog(out)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, []string{"HEAD -> main", "origin/main"}, commits[0].Refs)
	assert.Nil(t, commits[1].Refs)
	assert.Equal(t, "Initial", commits[1].Subject)

	_, err = parseLog("broken\x1e")
	require.Error(t, err)
}

type fakeCommander struct {
	calls [][]string
	out   string
}

func (f *fakeCommander) Run(ctx context.Context, dir string, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	return f.out, nil
}

func TestRemoteBranches_SkipsSymbolicRefs(t *testing.T) {
	fc := &fakeCommander{out: "origin/HEAD\x1fabc\x1f2024-01-01T00:00:00Z\x1frefs/remotes/origin/main\n" +
		"origin/main\x1fabc\x1f2024-01-01T00:00:00Z\x1f\n"}
	r := Open("/repo", WithCommander(fc), WithRemote("origin"))

	branches, err := r.RemoteBranches(context.Background())
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, "origin/main", branches[0].Name)
	assert.Equal(t, "refs/remotes/origin", fc.calls[0][len(fc.calls[0])-1])

	require.NoError(t, r.Fetch(context.Background()))
	assert.Equal(t, []string{"fetch", "--quiet", "--prune", "origin"}, fc.calls[1])
}
