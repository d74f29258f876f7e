package hcl_adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/expr"
	"github.com/specialistvlad/gridbench/internal/fsutil"
)

// Extension is the file extension the loader picks up.
const Extension = ".hcl"

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct {
	environ func() []string
}

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{environ: os.Environ}
}

var _ config.Loader = (*Loader)(nil)

// Load parses every .hcl file under paths. Files may hold a project block,
// stage blocks or both; the stages come back in file then source order.
// Paths that do not exist are skipped.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	files, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	parser := hclparse.NewParser()
	var roots []*fileRoot
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, &errs.ConfigError{Msg: "decode " + file, Err: diags}
		}
		roots = append(roots, &root)
	}

	// Stage values may reference project variables from another file, so the
	// project is translated first.
	model := &config.Model{}
	scope := expr.NewScope().Set("env", expr.Environ(l.environ()))
	for _, root := range roots {
		for _, p := range root.Projects {
			if model.Project != nil {
				return nil, errs.Configf("project defined more than once (%q and %q)", model.Project.Name, p.Name)
			}
			proj, err := l.translateProject(ctx, p, scope)
			if err != nil {
				return nil, err
			}
			model.Project = proj
		}
	}
	if model.Project != nil {
		scope.Merge(model.Project.Globals)
	}

	for _, root := range roots {
		for _, s := range root.Stages {
			st, err := l.translateStage(ctx, s, scope)
			if err != nil {
				return nil, err
			}
			model.Stages = append(model.Stages, st)
		}
	}

	logger.Debug("HCL loading complete.", "project", model.Project != nil, "stages", len(model.Stages))
	return model, nil
}

// findAllHCLFiles expands directories and returns every .hcl file once.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
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
			if filepath.Ext(path) == Extension {
				add(path)
			}
			continue
		}
		found, err := fsutil.FindFilesByExtension(path, Extension)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			add(f)
		}
	}
	return all, nil
}

// diagErr converts diagnostics into a ConfigError, or nil.
func diagErr(msg string, diags hcl.Diagnostics) error {
	if !diags.HasErrors() {
		return nil
	}
	return &errs.ConfigError{Msg: msg, Err: diags}
}
