package core_execution

import (
	"context"
	"fmt"
	"testing"

	"github.com/specialistvlad/gridbench/internal/app"
	it "github.com/specialistvlad/gridbench/internal/integration_tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test for: JSON printed by the script ends up in the stored documents.
func TestCoreExecution_CollectsJSONOutput(t *testing.T) {
	// --- Arrange ---
	env := it.Setup(t, map[string]string{
		"project.yaml": `
stages:
  - name: bench
    shell: |
      echo "warming up"
      echo '{"ops": ${threads * 10}, "mode": "${mode}"}'
    variables:
      - matrix:
          threads: [1, 3]
      - table:
          mode: fast
    index:
      threads: ${threads}
    collect:
      parser: json
`,
		"project.hcl": it.Project(""),
	})

	// --- Act ---
	_, err := env.App.Run(context.Background(), app.RunOptions{})

	// --- Assert ---
	require.NoError(t, err)
	docs := env.Store.Documents()
	require.Len(t, docs, 2)

	got := map[string]string{}
	for _, d := range docs {
		got[d.Index["threads"]] = fmt.Sprint(d.Data["ops"]) + "/" + fmt.Sprint(d.Data["mode"])
		assert.Equal(t, "bench", d.Stage)
		assert.Equal(t, "e2e", d.Project)
	}
	assert.Equal(t, map[string]string{"1": "10/fast", "3": "30/fast"}, got)
}
