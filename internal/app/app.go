package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/specialistvlad/gridbench/internal/config"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/git"
	"github.com/specialistvlad/gridbench/internal/localsession"
	"github.com/specialistvlad/gridbench/internal/metrics"
	"github.com/specialistvlad/gridbench/internal/session"
	"github.com/specialistvlad/gridbench/internal/statusfeed"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW    io.Writer
	logger  *slog.Logger
	config  *Config
	project *config.Project

	factory    session.SessionFactory
	gitOptions []git.Option
	dialFn     func(context.Context, statusfeed.Config) (*statusfeed.Feed, error)

	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	httpServer *http.Server
}

// Option customizes an App.
type Option func(*App)

// WithSessionFactory replaces the local session factory.
func WithSessionFactory(f session.SessionFactory) Option {
	return func(a *App) { a.factory = f }
}

// WithGitOptions is passed to every git.Open call.
func WithGitOptions(opts ...git.Option) Option {
	return func(a *App) { a.gitOptions = opts }
}

// WithFeedDialer replaces statusfeed.Dial.
func WithFeedDialer(dial func(context.Context, statusfeed.Config) (*statusfeed.Feed, error)) Option {
	return func(a *App) { a.dialFn = dial }
}

// NewApp is the constructor for the main application. It configures an
// isolated logger writing to logW, loads and validates the project, and
// returns a ready App. Unit output in the stdout modes goes to outW.
func NewApp(logW, outW io.Writer, cfg *Config, opts ...Option) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	project, err := Load(ctx, cfg.ConfigPaths...)
	if err != nil {
		return nil, err
	}
	if cfg.LogDir != "" {
		project.LogDir = cfg.LogDir
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		project:  project,
		factory:  &localsession.SessionFactory{},
		dialFn:   statusfeed.Dial,
		registry: reg,
		metrics:  metrics.New(reg),
	}
	for _, o := range opts {
		o(a)
	}
	logger.Debug("App created.", "project", project.Name, "stages", len(project.Stages))
	return a, nil
}

// Project returns the loaded project.
func (a *App) Project() *config.Project { return a.project }

// Registry returns the metrics registry. This is primarily for testing.
func (a *App) Registry() *prometheus.Registry { return a.registry }
