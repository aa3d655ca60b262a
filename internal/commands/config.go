package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pipeboard/pipeboard/internal/appctx"
	"github.com/pipeboard/pipeboard/internal/config"
	"github.com/pipeboard/pipeboard/internal/output"
)

// NewConfigCmd creates the config command for inspecting configuration.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show configuration",
		Long: `Show pipeboard configuration.

Configuration is loaded from multiple sources with the following precedence:
  flags > env > --config file > global > system > defaults

Config locations (YAML or JSON):
  - System: /etc/pipeboard/config.yaml
  - Global: ~/.config/pipeboard/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigPathCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long:  "Display the current effective configuration with source information. Tokens are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}
}

type configValue struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}

func runConfigShow(cmd *cobra.Command) error {
	app := appctx.FromContext(cmd.Context())
	if app == nil {
		return fmt.Errorf("app not initialized")
	}
	cfg := app.Config.Redacted()

	source := func(key string) string {
		if s := cfg.Sources[key]; s != "" {
			return s
		}
		return string(config.SourceDefault)
	}

	data := map[string]configValue{
		"servers":          {cfg.Servers, source("servers")},
		"cache_dir":        {cfg.CacheDir, source("cache_dir")},
		"listen":           {cfg.Listen, source("listen")},
		"refill":           {cfg.Refill, source("refill")},
		"refill_timeout":   {cfg.RefillTimeout, source("refill_timeout")},
		"sample_limit":     {cfg.SampleLimit, source("sample_limit")},
		"format":           {cfg.Format, source("format")},
		"log_format":       {cfg.LogFormat, source("log_format")},
		"ttl.structure":    {cfg.TTL.Structure, source("ttl.structure")},
		"ttl.branches":     {cfg.TTL.Branches, source("ttl.branches")},
		"ttl.pipelines":    {cfg.TTL.Pipelines, source("ttl.pipelines")},
		"ttl.statistics":   {cfg.TTL.Statistics, source("ttl.statistics")},
		"credential_store": {credentialStore(app), "auth"},
	}

	return app.OK(data, output.WithSummary("Effective configuration"))
}

func credentialStore(app *appctx.App) string {
	if app.Auth.GetStore().UsingKeyring() {
		return "keyring"
	}
	return "file"
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "List config file locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			type fileRow struct {
				Path   string `json:"path"`
				Exists bool   `json:"exists"`
			}
			rows := make([]fileRow, 0, len(app.Config.Files))
			found := 0
			for _, p := range app.Config.Files {
				_, err := os.Stat(p)
				rows = append(rows, fileRow{Path: p, Exists: err == nil})
				if err == nil {
					found++
				}
			}
			return app.OK(rows, output.WithSummary(strconv.Itoa(found)+" config file(s) present"))
		},
	}
}

// starterConfig is written by config init.
type starterConfig struct {
	Servers []config.Server  `yaml:"servers"`
	TTL     config.TTLConfig `yaml:"ttl"`
	Refill  string           `yaml:"refill"`
	Listen  string           `yaml:"listen"`
}

func newConfigInitCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a global config file",
		Long:  "Create ~/.config/pipeboard/config.yaml with default TTLs and one server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			configFile := filepath.Join(config.GlobalConfigDir(), "config.yaml")
			if _, err := os.Stat(configFile); err == nil {
				return app.OK(map[string]any{
					"exists": true,
					"path":   configFile,
				}, output.WithSummary(fmt.Sprintf("Config file already exists: %s", configFile)))
			}

			def := config.Default()
			data, err := yaml.Marshal(starterConfig{
				Servers: []config.Server{{Name: "gitlab", URL: url}},
				TTL:     def.TTL,
				Refill:  def.Refill,
				Listen:  def.Listen,
			})
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(configFile), 0700); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := os.WriteFile(configFile, data, 0600); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}

			return app.OK(map[string]any{
				"created": true,
				"path":    configFile,
			}, output.WithSummary(fmt.Sprintf("Created: %s (next: pipeboard auth login gitlab)", configFile)))
		},
	}

	cmd.Flags().StringVar(&url, "url", "https://gitlab.com", "GitLab server URL")

	return cmd
}
