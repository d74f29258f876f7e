// Package yaml_adapter loads project definitions written in YAML into the
// format-agnostic config model. String values are HCL templates, so a YAML
// project uses the same interpolation syntax as an HCL one.
package yaml_adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/specialistvlad/gridbench/internal/fsutil"
	"github.com/specialistvlad/gridbench/internal/matrix"
	"github.com/specialistvlad/gridbench/internal/repeat"
	"github.com/specialistvlad/gridbench/internal/shell"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// Extensions are the file extensions the loader picks up.
var Extensions = []string{".yaml", ".yml"}

// Loader is the YAML implementation of config.Loader.
type Loader struct {
	environ func() []string
}

// NewLoader creates a new YAML configuration loader.
func NewLoader() *Loader {
	return &Loader{environ: os.Environ}
}

var _ config.Loader = (*Loader)(nil)

type parsedDoc struct {
	file string
	doc  *document
}

// Load parses every YAML file under paths. A file may contain several
// documents. Paths that do not exist are skipped.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("YAML loader started.", "path_count", len(paths))

	files, err := findAllYAMLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered YAML files.", "count", len(files))

	var docs []parsedDoc
	for _, file := range files {
		parsed, err := parseFile(file)
		if err != nil {
			return nil, err
		}
		for _, d := range parsed {
			docs = append(docs, parsedDoc{file: file, doc: d})
		}
	}

	model := &config.Model{}
	scope := expr.NewScope().Set("env", expr.Environ(l.environ()))
	for _, d := range docs {
		if d.doc.Project == nil {
			continue
		}
		if model.Project != nil {
			return nil, errs.Configf("project defined more than once (%q and %q)", model.Project.Name, d.doc.Project.Name)
		}
		p, err := translateProject(d.file, d.doc.Project, scope)
		if err != nil {
			return nil, err
		}
		model.Project = p
	}
	if model.Project != nil {
		scope.Merge(model.Project.Globals)
	}

	for _, d := range docs {
		for _, s := range d.doc.Stages {
			st, err := translateStage(d.file, s, scope)
			if err != nil {
				return nil, err
			}
			model.Stages = append(model.Stages, st)
		}
	}

	logger.Debug("YAML loading complete.", "project", model.Project != nil, "stages", len(model.Stages))
	return model, nil
}

func parseFile(file string) ([]*document, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read YAML file %s: %w", file, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*document
	for {
		var d document
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, &errs.ConfigError{Msg: "decode " + file, Err: err}
		}
		out = append(out, &d)
	}
}

func findAllYAMLFiles(paths []string) ([]string, error) {
	var all []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			all = append(all, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			if isYAML(path) {
				add(path)
			}
			continue
		}
		found, err := fsutil.FindFilesByExtension(path, Extensions...)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			add(f)
		}
	}
	return all, nil
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func translateProject(file string, d *projectDoc, scope *expr.Scope) (*config.Project, error) {
	if d.Name == "" {
		return nil, errs.Configf("%s: project name is required", file)
	}
	p := config.NewProject(d.Name)
	if d.Workdir != nil {
		p.Workdir = *d.Workdir
	}
	if d.LogDir != nil {
		p.LogDir = *d.LogDir
	}
	if d.Store != nil {
		p.UseStore = *d.Store
	}
	if d.Init != "" {
		e, err := template(file, "init", d.Init)
		if err != nil {
			return nil, err
		}
		p.Init = e
	}
	for _, r := range d.Repos {
		p.Repos = append(p.Repos, config.Repo(r))
	}

	pairs, err := mappingPairs(&d.Variables)
	if err != nil {
		return nil, &errs.ConfigError{Msg: file + ": project variables", Err: err}
	}
	for _, kv := range pairs {
		v, err := value(file, kv.value, scope)
		if err != nil {
			return nil, &errs.ConfigError{Msg: file + ": project variable " + kv.key, Err: err}
		}
		p.Globals[kv.key] = v
	}
	return p, nil
}

func translateStage(file string, d *stageDoc, scope *expr.Scope) (*config.Stage, error) {
	fail := func(format string, args ...any) error {
		return errs.Configf("%s: stage %q: "+format, append([]any{file, d.Name}, args...)...)
	}
	if d.Name == "" {
		return nil, errs.Configf("%s: stage without a name", file)
	}

	if strings.TrimSpace(d.Shell) == "" {
		return nil, fail("shell is required")
	}
	st := config.NewStage(d.Name)
	e, err := template(file, d.Name+".shell", d.Shell)
	if err != nil {
		return nil, fail("%v", err)
	}
	st.Shell = e

	if st.OnError, err = config.ParseOnError(d.OnError); err != nil {
		return nil, fail("%v", err)
	}
	if st.Output, err = shell.ParseOutputMode(d.Output); err != nil {
		return nil, fail("%v", err)
	}
	if d.Timeout != "" {
		if st.Timeout, err = time.ParseDuration(d.Timeout); err != nil {
			return nil, fail("invalid timeout %q: %v", d.Timeout, err)
		}
	}

	if r := d.Repeat; r != nil {
		switch {
		case r.Count != nil && r.Minimum != nil:
			return nil, fail("repeat takes either count or minimum, not both")
		case r.Count != nil:
			st.Repeat = repeat.Fixed(*r.Count)
		case r.Minimum != nil:
			st.Repeat = repeat.Minimum(*r.Minimum)
		}
	}

	if p := d.Parallel; p != nil {
		if p.CPUs != nil {
			st.Parallel.CPUs = *p.CPUs
		}
		if p.CPUPerUnit != "" {
			if st.Parallel.CPUPerUnit, err = template(file, d.Name+".cpu_per_unit", p.CPUPerUnit); err != nil {
				return nil, fail("%v", err)
			}
		}
	}

	if c := d.Cache; c != nil {
		st.Cache = config.CacheSpec{Enabled: c.Enabled == nil || *c.Enabled, Root: c.Root, Dirs: c.Dirs}
	}
	if c := d.Collect; c != nil {
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

	index, err := mappingPairs(&d.Index)
	if err != nil {
		return nil, fail("index: %v", err)
	}
	for _, kv := range index {
		var src string
		if err := kv.value.Decode(&src); err != nil {
			return nil, fail("index %s: %v", kv.key, err)
		}
		e, err := template(file, d.Name+".index."+kv.key, src)
		if err != nil {
			return nil, fail("%v", err)
		}
		st.Index[kv.key] = e
	}

	for i := range d.Variables {
		g, err := group(file, &d.Variables[i], scope)
		if err != nil {
			return nil, fail("variables: %v", err)
		}
		st.Variables = append(st.Variables, g)
	}
	return st, nil
}

// group reads one "- matrix: {...}" or "- table: {...}" entry.
func group(file string, n *yaml.Node, scope *expr.Scope) (matrix.Group, error) {
	outer, err := mappingPairs(n)
	if err != nil {
		return matrix.Group{}, err
	}
	if len(outer) != 1 {
		return matrix.Group{}, fmt.Errorf("line %d: each entry must be a single matrix or table", n.Line)
	}

	var g matrix.Group
	switch outer[0].key {
	case "matrix":
		g.Kind = matrix.Matrix
	case "table":
		g.Kind = matrix.Table
	default:
		return g, fmt.Errorf("line %d: unknown variables group %q", n.Line, outer[0].key)
	}

	vars, err := mappingPairs(outer[0].value)
	if err != nil {
		return g, err
	}
	for _, kv := range vars {
		v, err := value(file, kv.value, scope)
		if err != nil {
			return g, fmt.Errorf("%s: %w", kv.key, err)
		}
		vals, scalar := matrix.Values(v)
		if g.Kind == matrix.Matrix {
			scalar = false
		}
		g.Vars = append(g.Vars, matrix.Var{Name: kv.key, Values: vals, Scalar: scalar})
	}
	return g, nil
}

type pair struct {
	key   string
	value *yaml.Node
}

// mappingPairs returns the entries of a mapping node in document order. An
// absent node yields nothing.
func mappingPairs(n *yaml.Node) ([]pair, error) {
	if n == nil || n.Kind == 0 {
		return nil, nil
	}
	if n.Kind == yaml.AliasNode {
		return mappingPairs(n.Alias)
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	out := make([]pair, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		out = append(out, pair{key: n.Content[i].Value, value: n.Content[i+1]})
	}
	return out, nil
}

// value decodes n and evaluates every string inside it as a template.
func value(file string, n *yaml.Node, scope *expr.Scope) (cty.Value, error) {
	var raw any
	if err := n.Decode(&raw); err != nil {
		return cty.NilVal, err
	}
	return evalGo(file, raw, scope)
}

func evalGo(file string, raw any, scope *expr.Scope) (cty.Value, error) {
	switch t := raw.(type) {
	case string:
		e, err := template(file, "value", t)
		if err != nil {
			return cty.NilVal, err
		}
		return expr.Eval(e, scope)
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		vals := make([]cty.Value, len(t))
		for i, item := range t {
			v, err := evalGo(file, item, scope)
			if err != nil {
				return cty.NilVal, err
			}
			vals[i] = v
		}
		return cty.TupleVal(vals), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, item := range t {
			v, err := evalGo(file, item, scope)
			if err != nil {
				return cty.NilVal, err
			}
			attrs[k] = v
		}
		return cty.ObjectVal(attrs), nil
	}
	return expr.FromGo(raw)
}

func template(file, field, src string) (hcl.Expression, error) {
	e, err := expr.ParseTemplate(src, file+":"+field)
	if err != nil {
		return nil, &errs.ConfigError{Msg: "invalid template in " + field, Err: err}
	}
	return e, nil
}
