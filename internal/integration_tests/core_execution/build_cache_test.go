package core_execution

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/gridbench/internal/app"
	"github.com/specialistvlad/gridbench/internal/buildcache"
	it "github.com/specialistvlad/gridbench/internal/integration_tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test for: a second build of the same commit restores the cache instead of
// running the shell.
func TestCoreExecution_BuildCacheRestores(t *testing.T) {
	// --- Arrange ---
	env := it.Setup(t, map[string]string{
		"project.hcl": it.Project(`
stage "build" {
  shell = "mkdir -p out && echo ${git.main.short} > out/app && echo x >> builds.txt"

  cache {
    root = "{{tmp}}/cache"
    dirs = ["out"]
  }
}
`),
	})
	ctx := context.Background()
	binary := filepath.Join(env.Workdir, "out", "app")

	// --- Act ---
	_, err := env.App.Run(ctx, app.RunOptions{})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(env.Workdir, "out")))

	results, err := env.App.Run(ctx, app.RunOptions{})
	require.NoError(t, err)

	// --- Assert ---
	assert.Equal(t, 1, results[0].Cached)
	builds, err := os.ReadFile(filepath.Join(env.Workdir, "builds.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(builds), "the shell ran once")

	restored, err := os.ReadFile(binary)
	require.NoError(t, err)
	assert.Equal(t, it.Commit[:buildcache.CommitPrefix]+"\n", string(restored))
}
