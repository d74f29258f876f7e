package app

import (
	"context"
	"errors"

	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/hcl_adapter"
	"github.com/specialistvlad/gridbench/internal/yaml_adapter"
)

// coreLoaders is the definitive list of configuration formats compiled into
// the gridbench binary. Every loader sees every path and picks its own files.
func coreLoaders() []config.Loader {
	return []config.Loader{
		hcl_adapter.NewLoader(),
		yaml_adapter.NewLoader(),
	}
}

// Load reads every configuration format from paths, merges the results into
// one project and validates it. Every failure is a configuration error.
func Load(ctx context.Context, paths ...string) (*config.Project, error) {
	logger := ctxlog.FromContext(ctx)

	var models []*config.Model
	for _, l := range coreLoaders() {
		m, err := l.Load(ctx, paths...)
		if err != nil {
			return nil, asConfigError(err)
		}
		models = append(models, m)
	}

	merged, err := config.Merge(models...)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("Configuration loaded and validated.", "project", merged.Project.Name, "stages", len(merged.Project.Stages))
	return merged.Project, nil
}

func asConfigError(err error) error {
	var ce *errs.ConfigError
	if errors.As(err, &ce) {
		return err
	}
	return &errs.ConfigError{Msg: "load configuration", Err: err}
}
