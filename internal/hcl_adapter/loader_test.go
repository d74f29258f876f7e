package hcl_adapter

import (
	"path/filepath"
	"sort"
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

const projectHCL = `
project "bench" {
  workdir = "/src"
  store   = true
  init    = "export CC=${compiler}"

  repo "main" {
    path = "."
    url  = "https://example.com/bench.git"
  }

  variables {
    compiler = "gcc"
    home     = env.BENCH_HOME
  }
}
`

const stagesHCL = `
stage "build" {
  shell    = "make CC=${compiler}"
  on_error = "exit"
  timeout  = "5m"

  cache {
    root = "/cache"
    dirs = ["build"]
  }
}

stage "bench" {
  shell = <<-EOT
    ./bench -t ${threads} -s ${size} -l ${label}
  EOT
  output = "both"

  table {
    size  = [10, 20]
    label = "x"
  }

  matrix {
    threads = [1, 2]
  }

  repeat {
    minimum = 3
  }

  parallel {
    cpus         = 4
    cpu_per_unit = threads
  }

  index = {
    commit  = "${git.main.commit}"
    threads = threads
  }

  collect {
    files = ["out.json"]
  }
}
`

func newTestLoader() *Loader {
	return &Loader{environ: func() []string { return []string{"BENCH_HOME=/home/bench"} }}
}

func TestLoad_ProjectAndStages(t *testing.T) {
	ctx, _ := testutil.Context(t)
	dir := t.TempDir()
	testutil.WriteFiles(t, dir, map[string]string{
		"project.hcl":       projectHCL,
		"stages/bench.hcl":  stagesHCL,
		"stages/README.md":  "not config",
		".hidden/extra.hcl": `stage "hidden" { shell = "true" }`,
	})

	m, err := newTestLoader().Load(ctx, dir)
	require.NoError(t, err)

	p := m.Project
	require.NotNil(t, p)
	assert.Equal(t, "bench", p.Name)
	assert.Equal(t, "/src", p.Workdir)
	assert.Equal(t, config.DefaultLogDir, p.LogDir)
	assert.True(t, p.UseStore)
	require.NotNil(t, p.Init)
	assert.Equal(t, []config.Repo{{Name: "main", Path: ".", URL: "https://example.com/bench.git"}}, p.Repos)
	assert.True(t, p.Globals["compiler"].RawEquals(cty.StringVal("gcc")))
	assert.True(t, p.Globals["home"].RawEquals(cty.StringVal("/home/bench")))

	require.Len(t, m.Stages, 2)
	build, bench := m.Stages[0], m.Stages[1]

	assert.Equal(t, "build", build.Name)
	assert.Equal(t, config.Exit, build.OnError)
	assert.Equal(t, 5*time.Minute, build.Timeout)
	assert.Equal(t, shell.LogFile, build.Output)
	assert.Equal(t, config.CacheSpec{Enabled: true, Root: "/cache", Dirs: []string{"build"}}, build.Cache)
	assert.Equal(t, repeat.Fixed(1), build.Repeat)
	assert.Nil(t, build.Parallel.CPUPerUnit)
	assert.Empty(t, build.Index)

	assert.Equal(t, config.Break, bench.OnError)
	assert.Equal(t, shell.Both, bench.Output)
	assert.Equal(t, repeat.Minimum(3), bench.Repeat)
	assert.Equal(t, 4, bench.Parallel.CPUs)
	require.NotNil(t, bench.Parallel.CPUPerUnit)
	assert.Equal(t, config.CollectSpec{Enabled: true, Parser: "json", Files: []string{"out.json"}}, bench.Collect)

	require.Len(t, bench.Variables, 2)
	assert.Equal(t, matrix.Table, bench.Variables[0].Kind)
	assert.Equal(t, matrix.Matrix, bench.Variables[1].Kind)
	assert.True(t, bench.Variables[0].Vars[1].Scalar, "a single table value is broadcast")

	bindings, err := matrix.Expand(bench.Variables)
	require.NoError(t, err)
	require.Len(t, bindings, 4)
	assert.Equal(t, "size=10 label=x threads=1", bindings[0].String())

	keys := make([]string, 0, len(bench.Index))
	for k := range bench.Index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"commit", "threads"}, keys)

	scope := expr.NewScope().Merge(bindings[3].Values())
	script, err := expr.Render(bench.Shell, scope)
	require.NoError(t, err)
	assert.Equal(t, "./bench -t 2 -s 20 -l x\n", script)

	cpus, err := expr.EvalInt(bench.Parallel.CPUPerUnit, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, cpus)

	merged, err := config.Merge(m)
	require.NoError(t, err)
	require.NoError(t, merged.Validate())
}

func TestLoad_StagesOnly(t *testing.T) {
	ctx, _ := testutil.Context(t)
	dir := t.TempDir()
	testutil.WriteFiles(t, dir, map[string]string{"s.hcl": `stage "a" { shell = "true" }`})

	m, err := newTestLoader().Load(ctx, filepath.Join(dir, "s.hcl"), filepath.Join(dir, "missing.hcl"))
	require.NoError(t, err)
	assert.Nil(t, m.Project)
	require.Len(t, m.Stages, 1)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name   string
		files  map[string]string
		config bool
	}{
		{"syntax error", map[string]string{"a.hcl": `stage "a" {`}, false},
		{"missing shell", map[string]string{"a.hcl": `stage "a" {}`}, true},
		{"count and minimum", map[string]string{"a.hcl": `
stage "a" {
  shell = "true"
  repeat {
    count   = 1
    minimum = 2
  }
}`}, true},
		{"unknown policy", map[string]string{"a.hcl": `
stage "a" {
  shell    = "true"
  on_error = "retry"
}`}, true},
		{"unknown output", map[string]string{"a.hcl": `
stage "a" {
  shell  = "true"
  output = "printer"
}`}, true},
		{"bad timeout", map[string]string{"a.hcl": `
stage "a" {
  shell   = "true"
  timeout = "soon"
}`}, true},
		{"unknown block", map[string]string{"a.hcl": `
stage "a" {
  shell = "true"
  grid {}
}`}, true},
		{"two projects", map[string]string{
			"a.hcl": `project "a" {}`,
			"b.hcl": `project "b" {}`,
		}, true},
		{"unknown variable in matrix", map[string]string{"a.hcl": `
stage "a" {
  shell = "true"
  matrix {
    n = undefined_thing
  }
}`}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := testutil.Context(t)
			dir := t.TempDir()
			testutil.WriteFiles(t, dir, tc.files)

			_, err := newTestLoader().Load(ctx, dir)
			require.Error(t, err)
			assert.Equal(t, tc.config, errs.IsConfig(err), "error: %v", err)
		})
	}
}
