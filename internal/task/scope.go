package task

import (
	"sort"

	"github.com/specialistvlad/gridbench/internal/buildcache"
	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/specialistvlad/gridbench/internal/matrix"
	"github.com/zclconf/go-cty/cty"
)

// Revision is the resolved state of one tracked repository.
type Revision struct {
	Repo   string
	Path   string
	Commit string
	Branch string
}

// Short returns the commit truncated to the cache prefix length.
func (r Revision) Short() string {
	if len(r.Commit) > buildcache.CommitPrefix {
		return r.Commit[:buildcache.CommitPrefix]
	}
	return r.Commit
}

// Env is the run-wide input to scope building.
type Env struct {
	RunID     string
	Project   *config.Project
	Revisions []Revision
	// Environ is exposed as env.<NAME>.
	Environ []string
}

// Fingerprint returns the cache fingerprint of the revisions.
func (e Env) Fingerprint() (string, error) {
	repos := make([]buildcache.Repo, 0, len(e.Revisions))
	for _, r := range e.Revisions {
		if r.Commit == "" {
			return "", errs.Configf("cache needs a resolved commit for repository %q", r.Repo)
		}
		repos = append(repos, buildcache.Repo{Name: r.Repo, Commit: r.Commit})
	}
	return buildcache.Fingerprint(e.Project.Name, repos), nil
}

// StageScope returns the scope shared by every unit of stage: env, git,
// project, run, stage and the project variables.
func StageScope(e Env, stage *config.Stage) *expr.Scope {
	git := make(map[string]cty.Value, len(e.Revisions))
	for _, r := range e.Revisions {
		git[r.Repo] = cty.ObjectVal(map[string]cty.Value{
			"commit": cty.StringVal(r.Commit),
			"short":  cty.StringVal(r.Short()),
			"branch": cty.StringVal(r.Branch),
			"path":   cty.StringVal(r.Path),
		})
	}
	gitVal := cty.EmptyObjectVal
	if len(git) > 0 {
		gitVal = cty.ObjectVal(git)
	}

	return expr.NewScope().
		Merge(e.Project.Globals).
		Set("env", expr.Environ(e.Environ)).
		Set("git", gitVal).
		SetStrings("project", map[string]string{
			"name":    e.Project.Name,
			"workdir": e.Project.Workdir,
		}).
		SetStrings("run", map[string]string{"id": e.RunID}).
		Set("stage", cty.ObjectVal(map[string]cty.Value{
			"name":    cty.StringVal(stage.Name),
			"ordinal": cty.NumberIntVal(int64(stage.Ordinal)),
		}))
}

// BindingScope extends a stage scope with the binding's variables. unit.binding
// is set and unit.repetition is 0 until UnitScope is applied, so the index and
// CPU weight cannot depend on the repetition.
func BindingScope(stageScope *expr.Scope, ordinal int, b matrix.Binding) *expr.Scope {
	return stageScope.Clone().
		Merge(b.Values()).
		Set("unit", unitObject(ordinal, 0))
}

// UnitScope sets the repetition on a binding scope.
func UnitScope(bindingScope *expr.Scope, ordinal, repetition int) *expr.Scope {
	return bindingScope.Clone().Set("unit", unitObject(ordinal, repetition))
}

func unitObject(binding, repetition int) cty.Value {
	return cty.ObjectVal(map[string]cty.Value{
		"binding":    cty.NumberIntVal(int64(binding)),
		"repetition": cty.NumberIntVal(int64(repetition)),
	})
}

// ResolveIndex renders every index template of stage.
func ResolveIndex(stage *config.Stage, scope *expr.Scope) (map[string]string, error) {
	out := make(map[string]string, len(stage.Index))
	for k, e := range stage.Index {
		v, err := expr.Render(e, scope)
		if err != nil {
			return nil, &errs.ConfigError{Msg: "index " + k, Err: err}
		}
		out[k] = v
	}
	return out, nil
}

// ResolveWeight evaluates the CPU-per-unit expression, defaulting to 1.
func ResolveWeight(stage *config.Stage, scope *expr.Scope) (int, error) {
	if stage.Parallel.CPUPerUnit == nil {
		return 1, nil
	}
	n, err := expr.EvalInt(stage.Parallel.CPUPerUnit, scope)
	if err != nil {
		return 0, &errs.ConfigError{Msg: "cpu_per_unit", Err: err}
	}
	if n < 1 || n > stage.Parallel.CPUs {
		return 0, errs.Configf("cpu_per_unit %d outside 1..%d", n, stage.Parallel.CPUs)
	}
	return n, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
