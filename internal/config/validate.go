package config

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/specialistvlad/gridbench/internal/matrix"
)

// ReservedNames are template roots provided by the engine. Globals and
// variables may not use them.
var ReservedNames = []string{"env", "git", "project", "run", "stage", "unit"}

func isReserved(name string) bool {
	for _, r := range ReservedNames {
		if r == name {
			return true
		}
	}
	return false
}

// Validate checks the whole project and returns the first problem as a
// ConfigError.
func (m *Model) Validate() error {
	p := m.Project
	if p == nil {
		return errs.Configf("no project block found")
	}
	if p.Name == "" {
		return errs.Configf("project name is required")
	}
	for name := range p.Globals {
		if isReserved(name) {
			return errs.Configf("project variable %q shadows a built-in name", name)
		}
	}

	repos := map[string]bool{}
	for _, r := range p.Repos {
		if r.Name == "" {
			return errs.Configf("repository with empty name")
		}
		if repos[r.Name] {
			return errs.Configf("repository %q declared more than once", r.Name)
		}
		repos[r.Name] = true
	}

	if p.Init != nil {
		if err := checkExprs(p, nil, p.Init); err != nil {
			return &errs.ConfigError{Msg: "project init", Err: err}
		}
	}

	stages := map[string]bool{}
	for _, s := range p.Stages {
		if stages[s.Name] {
			return errs.Configf("stage %q declared more than once", s.Name)
		}
		stages[s.Name] = true
		if err := s.validate(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stage) validate(p *Project) error {
	fail := func(format string, args ...any) error {
		return errs.Configf("stage %q: "+format, append([]any{s.Name}, args...)...)
	}

	if s.Name == "" {
		return errs.Configf("stage with empty name")
	}
	if s.Shell == nil {
		return fail("shell is required")
	}
	if _, err := ParseOnError(string(s.OnError)); err != nil || s.OnError == "" {
		return fail("invalid on_error %q", s.OnError)
	}
	if err := s.Repeat.Validate(); err != nil {
		return fail("%v", err)
	}
	if s.Repeat.Dynamic && len(s.Index) == 0 {
		return fail("repeat minimum needs an index to count existing results")
	}
	if s.Parallel.CPUs < 1 {
		return fail("parallel cpus must be at least 1, got %d", s.Parallel.CPUs)
	}
	if s.Cache.Enabled {
		if s.Cache.Root == "" {
			return fail("cache root is required")
		}
		if len(s.Cache.Dirs) == 0 {
			return fail("cache needs at least one directory")
		}
	}
	if s.Collect.Enabled && s.Collect.Parser == "" {
		return fail("collect parser is required")
	}

	if _, err := matrix.Count(s.Variables); err != nil {
		return fail("%v", err)
	}
	var vars []string
	for _, g := range s.Variables {
		for _, v := range g.Vars {
			if isReserved(v.Name) {
				return fail("variable %q shadows a built-in name", v.Name)
			}
			vars = append(vars, v.Name)
		}
	}

	if err := checkExprs(p, vars, s.Expressions()...); err != nil {
		return fail("%v", err)
	}
	return nil
}

// Expressions returns every template of the stage.
func (s *Stage) Expressions() []hcl.Expression {
	out := []hcl.Expression{s.Shell}
	if s.Parallel.CPUPerUnit != nil {
		out = append(out, s.Parallel.CPUPerUnit)
	}
	for _, e := range s.Index {
		out = append(out, e)
	}
	return out
}

func checkExprs(p *Project, vars []string, exprs ...hcl.Expression) error {
	known := map[string]bool{}
	for _, r := range ReservedNames {
		known[r] = true
	}
	for name := range p.Globals {
		known[name] = true
	}
	for _, v := range vars {
		known[v] = true
	}

	c := expr.NewContainer()
	c.Add(exprs...)
	return c.Check(func(root string) bool { return known[root] })
}
