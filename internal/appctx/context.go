// Package appctx provides application context helpers.
package appctx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pipeboard/pipeboard/internal/auth"
	"github.com/pipeboard/pipeboard/internal/cache"
	"github.com/pipeboard/pipeboard/internal/config"
	"github.com/pipeboard/pipeboard/internal/observability"
	"github.com/pipeboard/pipeboard/internal/output"
	"github.com/pipeboard/pipeboard/internal/refresh"
	"github.com/pipeboard/pipeboard/internal/store"
)

// contextKey is a private type for context keys.
type contextKey string

const appKey contextKey = "app"

// App holds the shared application context for all commands and the server.
// It is built once at startup; nothing in pipeboard reaches for globals.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Auth   *auth.Manager
	Cache  *cache.Manager
	Output *output.Writer

	// Backends holds one GitLab backend per configured server, keyed by name.
	Backends map[string]*Backend

	// Observability
	Registry  *prometheus.Registry
	Collector *observability.Collector
	Hooks     *observability.Hooks

	// Flags holds the global flag values
	Flags GlobalFlags

	stdout   io.Writer
	stderr   io.Writer
	logLevel *slog.LevelVar
}

// GlobalFlags holds values for global CLI flags.
type GlobalFlags struct {
	// Output format flags
	JSON   bool
	Quiet  bool
	Styled bool

	// Config flags
	ConfigFile string
	CacheDir   string
	Listen     string
	Refill     string
	LogFormat  string

	// Behavior flags
	Verbose int // 0=off, 1=failed requests, 2=all requests (stacks with -v -v or -vv)
	Stats   bool
}

// Overrides converts the flags that shadow config values.
func (f GlobalFlags) Overrides() config.FlagOverrides {
	return config.FlagOverrides{
		ConfigFile: f.ConfigFile,
		CacheDir:   f.CacheDir,
		Listen:     f.Listen,
		Refill:     f.Refill,
		LogFormat:  f.LogFormat,
	}
}

// Options carries the process-level dependencies of an App. Zero values
// select the real thing.
type Options struct {
	Stdout         io.Writer
	Stderr         io.Writer
	Clock          clockwork.Clock
	HTTPClient     *http.Client
	CredentialsDir string
	Verbose        int
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, opts Options) (*App, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.CredentialsDir == "" {
		opts.CredentialsDir = config.GlobalConfigDir()
	}

	logLevel := new(slog.LevelVar)
	if opts.Verbose > 0 {
		logLevel.Set(slog.LevelDebug)
	}
	logger := observability.NewLeveledLogger(opts.Stderr, cfg.LogFormat, logLevel)

	// Every collector registers on a private registry so tests can build as
	// many apps as they like.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector, err := observability.NewCollector(registry)
	if err != nil {
		return nil, fmt.Errorf("registering request metrics: %w", err)
	}
	hooks := observability.NewHooks(opts.Verbose, collector, observability.NewTraceWriterTo(opts.Stderr))

	var snapshots *store.Store
	if cfg.CacheDir != "" {
		snapshots = store.New(cfg.CacheDir)
	}
	cacheMgr, err := cache.NewManager(cache.Options{
		Store:      snapshots,
		TTLs:       TTLs(cfg.TTL),
		Clock:      opts.Clock,
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		return nil, err
	}

	authMgr := auth.NewManager(cfg, auth.NewStore(opts.CredentialsDir, logger))

	format, err := output.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Auth:      authMgr,
		Cache:     cacheMgr,
		Output:    output.New(output.Options{Format: format, Writer: opts.Stdout}),
		Backends:  make(map[string]*Backend, len(cfg.Servers)),
		Registry:  registry,
		Collector: collector,
		Hooks:     hooks,
		Flags:     GlobalFlags{Verbose: opts.Verbose},
		stdout:    opts.Stdout,
		stderr:    opts.Stderr,
		logLevel:  logLevel,
	}

	refreshOpts := refresh.Options{
		Policy:        RefillPolicy(cfg.Refill),
		RefillTimeout: time.Duration(cfg.RefillTimeout) * time.Second,
		Logger:        logger,
	}
	for _, srv := range cfg.Servers {
		tokens, err := authMgr.Tokens(srv.Name)
		if err != nil {
			// Stored credentials are optional; configured tokens still apply.
			logger.Warn("reading stored credentials", "server", srv.Name, "error", err)
		}
		app.Backends[srv.Name] = newBackend(srv, tokens, cacheMgr, backendOptions{
			refresh:     refreshOpts,
			sampleLimit: cfg.SampleLimit,
			httpClient:  opts.HTTPClient,
			hooks:       hooks,
			logger:      logger,
		})
	}

	return app, nil
}

// TTLs converts configured TTL seconds to cache TTLs.
func TTLs(t config.TTLConfig) cache.TTLs {
	return cache.TTLs{
		Structure:  time.Duration(t.Structure) * time.Second,
		Branches:   time.Duration(t.Branches) * time.Second,
		Pipelines:  time.Duration(t.Pipelines) * time.Second,
		Statistics: time.Duration(t.Statistics) * time.Second,
	}
}

// RefillPolicy maps the configured refill mode to a refresh policy.
// Unknown values fall back to eager; Validate rejects them earlier.
func RefillPolicy(mode string) refresh.Policy {
	if mode == config.RefillOnDemand {
		return refresh.RefillOnDemand
	}
	return refresh.RefillEager
}

// ApplyFlags applies global flag values to the app configuration.
func (a *App) ApplyFlags() {
	// Order matters: specific modes first
	switch {
	case a.Flags.Quiet:
		a.Output = output.New(output.Options{Format: output.FormatQuiet, Writer: a.stdout})
	case a.Flags.JSON:
		a.Output = output.New(output.Options{Format: output.FormatJSON, Writer: a.stdout})
	case a.Flags.Styled:
		a.Output = output.New(output.Options{Format: output.FormatStyled, Writer: a.stdout})
	}

	// Determine verbosity level from flags and PIPEBOARD_DEBUG env var
	verboseLevel := a.Flags.Verbose
	if debugEnv := os.Getenv("PIPEBOARD_DEBUG"); debugEnv != "" {
		// PIPEBOARD_DEBUG can be "1", "2", or "true" (treated as 2)
		if level, err := strconv.Atoi(debugEnv); err == nil {
			verboseLevel = max(verboseLevel, level)
		} else if debugEnv == "true" {
			verboseLevel = 2
		}
	}
	a.Hooks.SetLevel(verboseLevel)
	if verboseLevel > 0 {
		a.logLevel.Set(slog.LevelDebug)
	}
}

// Backend returns the backend of a configured server.
func (a *App) Backend(name string) (*Backend, error) {
	if b, ok := a.Backends[name]; ok {
		return b, nil
	}
	hint := "Configured servers: " + strings.Join(a.Config.ServerNames(), ", ")
	if len(a.Backends) == 0 {
		hint = "Add a server to the config file or set PIPEBOARD_GITLAB_URL"
	}
	return nil, &output.Error{
		Code:    output.CodeNotFound,
		Message: "Unknown server: " + name,
		Hint:    hint,
	}
}

// Reload applies the hot-reloadable parts of cfg: the tier TTLs. Server
// and listener changes need a restart.
func (a *App) Reload(cfg *config.Config) {
	a.Cache.SetTTLs(TTLs(cfg.TTL))
	a.Config.TTL = cfg.TTL
	a.Logger.Info("configuration reloaded",
		"structure_ttl", cfg.TTL.Structure,
		"branches_ttl", cfg.TTL.Branches,
		"pipelines_ttl", cfg.TTL.Pipelines,
		"statistics_ttl", cfg.TTL.Statistics)
}

// Wait blocks until every background refill has finished.
func (a *App) Wait() {
	for _, b := range a.Backends {
		b.Wait()
	}
}

// OK outputs a success response, automatically including stats if --stats flag is set.
func (a *App) OK(data any, opts ...output.ResponseOption) error {
	if a.Flags.Stats && a.Collector != nil {
		opts = append(opts, output.WithMeta("stats", a.Collector.Summary()))
	}
	return a.Output.OK(data, opts...)
}

// Err outputs an error response, printing stats to stderr if --stats flag is set.
func (a *App) Err(err error) error {
	if outputErr := a.Output.Err(err); outputErr != nil {
		return outputErr
	}
	if a.Flags.Stats && a.Collector != nil && !a.Flags.Quiet {
		a.printStats(a.Collector.Summary())
	}
	return nil
}

// printStats outputs a compact stats line to stderr.
func (a *App) printStats(stats observability.SessionMetrics) {
	var parts []string

	duration := stats.EndTime.Sub(stats.StartTime)
	if duration < time.Second {
		parts = append(parts, fmt.Sprintf("%dms", duration.Milliseconds()))
	} else {
		parts = append(parts, fmt.Sprintf("%.1fs", duration.Seconds()))
	}
	if stats.TotalRequests == 1 {
		parts = append(parts, "1 request")
	} else if stats.TotalRequests > 1 {
		parts = append(parts, fmt.Sprintf("%d requests", stats.TotalRequests))
	}
	if stats.TotalRetries == 1 {
		parts = append(parts, "1 retry")
	} else if stats.TotalRetries > 1 {
		parts = append(parts, fmt.Sprintf("%d retries", stats.TotalRetries))
	}
	if stats.FailedCalls > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", stats.FailedCalls))
	}

	fmt.Fprintf(a.stderr, "\nStats: %s\n", strings.Join(parts, " | "))
}

// WithApp stores the app in the context.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey, app)
}

// FromContext retrieves the app from the context.
func FromContext(ctx context.Context) *App {
	app, _ := ctx.Value(appKey).(*App)
	return app
}
