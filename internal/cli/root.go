package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pipeboard/pipeboard/internal/appctx"
	"github.com/pipeboard/pipeboard/internal/commands"
	"github.com/pipeboard/pipeboard/internal/config"
	"github.com/pipeboard/pipeboard/internal/output"
	"github.com/pipeboard/pipeboard/internal/version"
)

// NewRootCmd creates the root cobra command.
func NewRootCmd() *cobra.Command {
	var flags appctx.GlobalFlags

	cmd := &cobra.Command{
		Use:   "pipeboard",
		Short: "GitLab pipeline dashboard backend",
		Long: `pipeboard watches one or more GitLab servers and serves their groups,
branches and pipelines to a browser dashboard. Upstream load is bounded by a
tiered cache: each tier has its own TTL, stale data is served immediately and
refreshed in the background.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Skip setup for help, version and shell completion scripts
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			if p := cmd.Parent(); p != nil && p.Name() == "completion" {
				return nil
			}

			cfg, err := config.Load(flags.Overrides())
			if err != nil {
				return configError(err)
			}

			app, err := appctx.NewApp(cfg, appctx.Options{
				Stdout:  cmd.OutOrStdout(),
				Stderr:  cmd.ErrOrStderr(),
				Verbose: flags.Verbose,
			})
			if err != nil {
				return err
			}
			app.Flags = flags
			app.ApplyFlags()

			cmd.SetContext(appctx.WithApp(cmd.Context(), app))
			return nil
		},
	}

	cmd.SetVersionTemplate(version.Full() + "\n")

	// Allow flags anywhere in the command line
	cmd.Flags().SetInterspersed(true)
	cmd.PersistentFlags().SetInterspersed(true)

	// Output format flags
	cmd.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "Output as JSON")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "Output data only, no envelope")
	cmd.PersistentFlags().BoolVar(&flags.Styled, "styled", false, "Force styled output (ANSI colors)")

	// Config flags
	cmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "Config file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&flags.CacheDir, "cache-dir", "", "Cache snapshot directory")
	cmd.PersistentFlags().StringVar(&flags.Refill, "refill", "", "Stale refill policy: eager or on_demand")
	cmd.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "Log format: text or json")

	// Behavior flags
	cmd.PersistentFlags().CountVarP(&flags.Verbose, "verbose", "v", "Verbose output (-v for failed requests, -vv for all requests)")
	cmd.PersistentFlags().BoolVar(&flags.Stats, "stats", false, "Show upstream request statistics")

	// Register tab completion for flags.
	_ = cmd.RegisterFlagCompletionFunc("refill", cobra.FixedCompletions(
		[]cobra.Completion{config.RefillEager, config.RefillOnDemand}, cobra.ShellCompDirectiveNoFileComp))
	_ = cmd.RegisterFlagCompletionFunc("log-format", cobra.FixedCompletions(
		[]cobra.Completion{"text", "json"}, cobra.ShellCompDirectiveNoFileComp))
	_ = cmd.RegisterFlagCompletionFunc("cache-dir", func(*cobra.Command, []string, string) ([]cobra.Completion, cobra.ShellCompDirective) {
		return nil, cobra.ShellCompDirectiveFilterDirs
	})

	cmd.AddCommand(
		commands.NewServeCmd(&flags.Listen),
		commands.NewCacheCmd(),
		commands.NewConfigCmd(),
		commands.NewAuthCmd(),
		commands.NewVersionCmd(),
	)

	return cmd
}

// Execute runs the root command and exits with the error's exit code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, NewRootCmd(), os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

// run executes cmd with args and returns the process exit code.
func run(ctx context.Context, cmd *cobra.Command, args []string, stdout io.Writer) int {
	cmd.SetArgs(args)
	cmd.SetOut(stdout)

	// Use ExecuteC to get the executed command (for correct context access)
	executedCmd, err := cmd.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}

	err = transformCobraError(err)
	apiErr := output.AsError(err)

	if app := appctx.FromContext(executedCmd.Context()); app != nil {
		_ = app.Err(err)
		return apiErr.ExitCode()
	}

	// Fallback: output error directly (app not available, e.g., during setup)
	pf := cmd.PersistentFlags()
	format := output.FormatAuto
	quiet, _ := pf.GetBool("quiet")
	styled, _ := pf.GetBool("styled")
	jsonFlag, _ := pf.GetBool("json")
	switch {
	case quiet:
		format = output.FormatQuiet
	case jsonFlag:
		format = output.FormatJSON
	case styled:
		format = output.FormatStyled
	}
	_ = output.New(output.Options{Format: format, Writer: stdout}).Err(err)
	return apiErr.ExitCode()
}

// configError presents configuration problems as usage errors.
func configError(err error) error {
	var e *output.Error
	if errors.As(err, &e) {
		return err
	}
	return &output.Error{
		Code:    output.CodeUsage,
		Message: "Invalid configuration",
		Hint:    strings.ReplaceAll(err.Error(), "\n", "; "),
		Cause:   err,
	}
}

// transformCobraError turns cobra's argument and flag errors into usage errors.
func transformCobraError(err error) error {
	msg := err.Error()

	switch {
	case strings.HasPrefix(msg, "flag needs an argument: "):
		flag := strings.TrimPrefix(msg, "flag needs an argument: ")
		return output.ErrUsage(flag + " requires a value")
	case strings.HasPrefix(msg, "unknown flag: "):
		return output.ErrUsage("Unknown option: " + strings.TrimPrefix(msg, "unknown flag: "))
	case strings.HasPrefix(msg, "unknown shorthand flag: "):
		return output.ErrUsage("Unknown option: " + strings.TrimPrefix(msg, "unknown shorthand flag: "))
	case strings.HasPrefix(msg, "unknown command "):
		return output.ErrUsageHint(msg, "Run: pipeboard --help")
	case strings.Contains(msg, "invalid argument"),
		strings.Contains(msg, "arg(s), received"),
		strings.HasPrefix(msg, "requires at least"):
		return output.ErrUsage(msg)
	}
	return err
}
