package core_execution

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/gridbench/internal/app"
	it "github.com/specialistvlad/gridbench/internal/integration_tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test for: a fixed repeat runs the shell exactly count times, in order.
func TestCoreExecution_StaticCount(t *testing.T) {
	// --- Arrange ---
	env := it.Setup(t, map[string]string{
		"project.hcl": it.Project(`
stage "count" {
  shell = "echo ${unit.repetition} >> out.txt"
  repeat {
    count = 3
  }
}
`),
	})

	// --- Act ---
	results, err := env.App.Run(context.Background(), app.RunOptions{})

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Succeeded)

	out, err := os.ReadFile(filepath.Join(env.Workdir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", string(out))
	assert.Len(t, env.Store.Documents(), 3)
}
