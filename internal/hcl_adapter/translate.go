// This file translates the decoded HCL structs into the format-agnostic
// model of the config package.

package hcl_adapter

import (
	"context"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/specialistvlad/gridbench/internal/matrix"
	"github.com/specialistvlad/gridbench/internal/repeat"
	"github.com/specialistvlad/gridbench/internal/shell"
	"github.com/zclconf/go-cty/cty"
)

func (l *Loader) translateProject(ctx context.Context, p *Project, scope *expr.Scope) (*config.Project, error) {
	ctx, logger := ctxlog.With(ctx, "project", p.Name)
	logger.Debug("Translating HCL project to internal config model.")

	proj := config.NewProject(p.Name)
	if p.Workdir != nil {
		proj.Workdir = *p.Workdir
	}
	if p.LogDir != nil {
		proj.LogDir = *p.LogDir
	}
	if p.Store != nil {
		proj.UseStore = *p.Store
	}
	if isExprDefined(ctx, p.Init, "init") {
		proj.Init = p.Init
	}
	for _, r := range p.Repos {
		proj.Repos = append(proj.Repos, config.Repo{
			Name:   r.Name,
			Path:   r.Path,
			URL:    r.URL,
			Commit: r.Commit,
			Branch: r.Branch,
		})
	}

	if p.Variables != nil {
		attrs, diags := orderedAttributes(p.Variables.Body)
		if err := diagErr("project variables", diags); err != nil {
			return nil, err
		}
		for _, a := range attrs {
			v, err := expr.Eval(a.Expr, scope)
			if err != nil {
				return nil, &errs.ConfigError{Msg: "project variable " + a.Name, Err: err}
			}
			proj.Globals[a.Name] = v
		}
	}
	return proj, nil
}

func (l *Loader) translateStage(ctx context.Context, s *Stage, scope *expr.Scope) (*config.Stage, error) {
	ctx, logger := ctxlog.With(ctx, "stage", s.Name)
	logger.Debug("Translating HCL stage to internal config model.")

	fail := func(format string, args ...any) error {
		return errs.Configf("stage %q: "+format, append([]any{s.Name}, args...)...)
	}

	if !isExprDefined(ctx, s.Shell, "shell") {
		return nil, fail("shell is required")
	}
	st := config.NewStage(s.Name)
	st.Shell = s.Shell

	policy, err := config.ParseOnError(s.OnError)
	if err != nil {
		return nil, fail("%v", err)
	}
	st.OnError = policy

	if st.Output, err = shell.ParseOutputMode(s.Output); err != nil {
		return nil, fail("%v", err)
	}

	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return nil, fail("invalid timeout %q: %v", s.Timeout, err)
		}
		st.Timeout = d
	}

	if isExprDefined(ctx, s.Index, "index") {
		pairs, diags := hcl.ExprMap(s.Index)
		if err := diagErr("stage "+s.Name+" index", diags); err != nil {
			return nil, err
		}
		for _, pair := range pairs {
			key, diags := pair.Key.Value(nil)
			if diags.HasErrors() || key.Type() != cty.String || key.IsNull() {
				return nil, fail("index keys must be plain names")
			}
			st.Index[key.AsString()] = pair.Value
		}
	}

	if r := s.Repeat; r != nil {
		switch {
		case r.Count != nil && r.Minimum != nil:
			return nil, fail("repeat takes either count or minimum, not both")
		case r.Count != nil:
			st.Repeat = repeat.Fixed(*r.Count)
		case r.Minimum != nil:
			st.Repeat = repeat.Minimum(*r.Minimum)
		}
	}

	if p := s.Parallel; p != nil {
		if p.CPUs != nil {
			st.Parallel.CPUs = *p.CPUs
		}
		if isExprDefined(ctx, p.CPUPerUnit, "cpu_per_unit") {
			st.Parallel.CPUPerUnit = p.CPUPerUnit
		}
	}

	if c := s.Cache; c != nil {
		st.Cache = config.CacheSpec{
			Enabled: c.Enabled == nil || *c.Enabled,
			Root:    c.Root,
			Dirs:    c.Dirs,
		}
	}

	if c := s.Collect; c != nil {
		st.Collect = config.CollectSpec{
			Enabled:    c.Enabled == nil || *c.Enabled,
			Parser:     c.Parser,
			Files:      c.Files,
			UploadLogs: c.UploadLogs,
		}
		if st.Collect.Parser == "" {
			st.Collect.Parser = "json"
		}
	}

	vars, err := translateVariables(s.Remain, scope)
	if err != nil {
		return nil, fail("%v", err)
	}
	st.Variables = vars
	return st, nil
}

// translateVariables reads matrix and table blocks in source order.
func translateVariables(body hcl.Body, scope *expr.Scope) (matrix.Spec, error) {
	if body == nil {
		return nil, nil
	}
	content, diags := body.Content(variableBlocks)
	if diags.HasErrors() {
		return nil, diags
	}

	var spec matrix.Spec
	for _, block := range content.Blocks {
		kind := matrix.Matrix
		if block.Type == "table" {
			kind = matrix.Table
		}
		attrs, diags := orderedAttributes(block.Body)
		if diags.HasErrors() {
			return nil, diags
		}
		group := matrix.Group{Kind: kind}
		for _, a := range attrs {
			v, err := expr.Eval(a.Expr, scope)
			if err != nil {
				return nil, err
			}
			vals, scalar := matrix.Values(v)
			if kind == matrix.Matrix && scalar {
				// A single value in a matrix is a one-element axis.
				scalar = false
			}
			group.Vars = append(group.Vars, matrix.Var{Name: a.Name, Values: vals, Scalar: scalar})
		}
		spec = append(spec, group)
	}
	return spec, nil
}
