package commands

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/pipeboard/pipeboard/internal/appctx"
	"github.com/pipeboard/pipeboard/internal/config"
	"github.com/pipeboard/pipeboard/internal/dashboard"
)

// NewServeCmd creates the serve command. listen receives the --listen flag
// so the root command can fold it into the config overrides.
func NewServeCmd(listen *string) *cobra.Command {
	var noWarm, noWatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API",
		Long: `Serve the dashboard JSON API and Prometheus metrics.

The cache is warm-loaded from disk at startup, then the structure of every
configured server is fetched in the background. Config files are watched and
TTL changes apply without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}
			return runServe(cmd.Context(), app, !noWarm, !noWatch)
		},
	}

	cmd.Flags().StringVarP(listen, "listen", "l", "", "Listen address (default 127.0.0.1:8080)")
	cmd.Flags().BoolVar(&noWarm, "no-warm", false, "Don't prefetch server structure at startup")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Don't watch config files for changes")

	return cmd
}

func runServe(ctx context.Context, app *appctx.App, warm, watch bool) error {
	app.Cache.Load()
	if len(app.Backends) == 0 {
		app.Logger.Warn("no GitLab servers configured; only cache and health endpoints will answer")
	}

	if watch {
		err := config.Watch(ctx, app.Config.Files, app.Logger, func() {
			cfg, err := config.Load(app.Flags.Overrides())
			if err != nil {
				app.Logger.Warn("config reload failed, keeping previous settings", "error", err)
				return
			}
			app.Reload(cfg)
		})
		if err != nil {
			app.Logger.Info("config watch disabled", "error", err)
		}
	}

	var warming sync.WaitGroup
	if warm {
		warming.Go(func() { app.WarmAll(ctx) })
	}

	err := dashboard.New(app, dashboard.Options{}).ListenAndServe(ctx, app.Config.Listen)

	warming.Wait()
	app.Wait()
	return err
}
