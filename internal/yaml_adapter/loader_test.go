package yaml_adapter

import (
	"testing"
	"time"

	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/specialistvlad/gridbench/internal/matrix"
	"github.com/specialistvlad/gridbench/internal/repeat"
	"github.com/specialistvlad/gridbench/internal/shell"
	"github.com/specialistvlad/gridbench/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

const projectYAML = `
project:
  name: bench
  store: true
  log_dir: logs
  init: export CC=${compiler}
  repos:
    - name: main
      path: .
  variables:
    compiler: gcc
    jobs: 8
    home: ${env.BENCH_HOME}
`

const stagesYAML = `
stages:
  - name: build
    shell: make -j${jobs} CC=${compiler}
    on_error: continue
    timeout: 90s
    cache:
      root: /cache
      dirs: [build, out]
---
stages:
  - name: bench
    shell: |
      ./bench -t ${threads} -m ${mode}
    output: stdout
    variables:
      - matrix:
          threads: [4, 1]
          mode: [fast, slow]
      - table:
          size: [1, 2, 3]
          tag: ${compiler}
    repeat:
      minimum: 5
    parallel:
      cpus: 8
      cpu_per_unit: ${threads}
    index:
      commit: ${git.main.commit}
      mode: ${mode}
    collect:
      parser: none
      upload_logs: true
`

func newTestLoader() *Loader {
	return &Loader{environ: func() []string { return []string{"BENCH_HOME=/home/bench"} }}
}

func TestLoad(t *testing.T) {
	ctx, _ := testutil.Context(t)
	dir := t.TempDir()
	testutil.WriteFiles(t, dir, map[string]string{
		"project.yaml":   projectYAML,
		"stages/all.yml": stagesYAML,
		"notes.txt":      "ignored",
	})

	m, err := newTestLoader().Load(ctx, dir)
	require.NoError(t, err)

	p := m.Project
	require.NotNil(t, p)
	assert.Equal(t, "bench", p.Name)
	assert.Equal(t, ".", p.Workdir)
	assert.Equal(t, "logs", p.LogDir)
	assert.True(t, p.UseStore)
	assert.Equal(t, []config.Repo{{Name: "main", Path: "."}}, p.Repos)
	assert.True(t, p.Globals["jobs"].RawEquals(cty.NumberIntVal(8)))
	assert.True(t, p.Globals["home"].RawEquals(cty.StringVal("/home/bench")))

	require.Len(t, m.Stages, 2)
	build, bench := m.Stages[0], m.Stages[1]

	assert.Equal(t, config.Continue, build.OnError)
	assert.Equal(t, 90*time.Second, build.Timeout)
	assert.Equal(t, config.CacheSpec{Enabled: true, Root: "/cache", Dirs: []string{"build", "out"}}, build.Cache)

	script, err := expr.Render(build.Shell, expr.NewScope().Merge(p.Globals))
	require.NoError(t, err)
	assert.Equal(t, "make -j8 CC=gcc", script)

	assert.Equal(t, shell.Stdout, bench.Output)
	assert.Equal(t, repeat.Minimum(5), bench.Repeat)
	assert.Equal(t, 8, bench.Parallel.CPUs)
	assert.Equal(t, config.CollectSpec{Enabled: true, Parser: "none", UploadLogs: true}, bench.Collect)
	assert.Len(t, bench.Index, 2)

	n, err := matrix.Count(bench.Variables)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	bindings, err := matrix.Expand(bench.Variables)
	require.NoError(t, err)
	assert.Equal(t, "threads=4 mode=fast size=1 tag=gcc", bindings[0].String())
	assert.Equal(t, "threads=4 mode=fast size=2 tag=gcc", bindings[1].String())

	merged, err := config.Merge(m)
	require.NoError(t, err)
	require.NoError(t, merged.Validate())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		config bool
	}{
		{"unknown field", "stages:\n  - name: a\n    shell: x\n    colour: red\n", true},
		{"bad group", "stages:\n  - name: a\n    shell: x\n    variables:\n      - grid: {a: [1]}\n", true},
		{"two groups in one entry", "stages:\n  - name: a\n    shell: x\n    variables:\n      - {matrix: {a: [1]}, table: {b: [1]}}\n", true},
		{"count and minimum", "stages:\n  - name: a\n    shell: x\n    repeat: {count: 1, minimum: 1}\n", true},
		{"bad template", "stages:\n  - name: a\n    shell: ${\n", true},
		{"unnamed stage", "stages:\n  - shell: x\n", true},
		{"missing shell", "stages:\n  - name: a\n", true},
		{"blank shell", "stages:\n  - name: a\n    shell: \"  \"\n", true},
		{"unknown policy", "stages:\n  - name: a\n    shell: x\n    on_error: ignore\n", true},
		{"not yaml", "stages: [\n", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := testutil.Context(t)
			dir := t.TempDir()
			testutil.WriteFiles(t, dir, map[string]string{"a.yaml": tc.yaml})

			_, err := newTestLoader().Load(ctx, dir)
			require.Error(t, err)
			assert.Equal(t, tc.config, errs.IsConfig(err), "error: %v", err)
		})
	}
}

func TestLoad_MissingPathIsSkipped(t *testing.T) {
	ctx, _ := testutil.Context(t)
	m, err := newTestLoader().Load(ctx, t.TempDir()+"/nope.yaml")
	require.NoError(t, err)
	assert.Nil(t, m.Project)
	assert.Empty(t, m.Stages)
}
