// Package commands implements the CLI commands.
package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pipeboard/pipeboard/internal/appctx"
	"github.com/pipeboard/pipeboard/internal/completion"
	"github.com/pipeboard/pipeboard/internal/output"
)

// NewAuthCmd creates the auth command group.
func NewAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage GitLab tokens",
		Long: `Manage the GitLab access tokens pipeboard uses per server.

Tokens saved with "auth login" go to the system keyring (or a plaintext file
when no keyring is available) and are tried after the tokens in the config
file. A token rejected with 401 is skipped in favor of the next one.`,
	}

	completer := completion.NewCompleter(nil)
	cmd.AddCommand(
		newAuthLoginCmd(completer),
		newAuthLogoutCmd(completer),
		newAuthStatusCmd(),
	)

	return cmd
}

func newAuthLoginCmd(completer *completion.Completer) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:               "login <server>",
		Short:             "Store a token for a server",
		Long:                          "Store a GitLab personal access token (read_api scope) for a configured server. Without --token the token is read from stdin.",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completer.ServerCompletion(),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			server := args[0]
			if _, err := app.Backend(server); err != nil {
				return err
			}

			if token == "" {
				var err error
				token, err = readToken(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			if err := app.Auth.Login(server, token); err != nil {
				return output.ErrUsage(err.Error())
			}

			storage := credentialStore(app)
			return app.OK(map[string]string{
				"server":  server,
				"status":  "logged_in",
				"storage": storage,
			}, output.WithSummary(fmt.Sprintf("Token stored for %s (%s)", server, storage)))
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Personal access token")

	return cmd
}

// readToken reads the first line of r.
func readToken(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", output.ErrUsageHint("No token given", "Pass --token or pipe the token on stdin")
	}
	return line, nil
}

func newAuthLogoutCmd(completer *completion.Completer) *cobra.Command {
	return &cobra.Command{
		Use:               "logout <server>",
		Short:             "Remove stored tokens",
		Long:              "Remove the tokens stored for a server. Tokens in the config file are untouched.",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completer.ServerCompletion(),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			if err := app.Auth.Logout(args[0]); err != nil {
				return err
			}

			return app.OK(map[string]string{
				"server": args[0],
				"status": "logged_out",
			}, output.WithSummary("Removed stored tokens for "+args[0]))
		},
	}
}

type authStatusRow struct {
	Server        string `json:"server"`
	Tokens        int    `json:"tokens"`
	Authenticated bool   `json:"authenticated"`
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show token status per server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			rows := make([]authStatusRow, 0, len(app.Config.Servers))
			for _, name := range app.Config.ServerNames() {
				tokens, err := app.Auth.Tokens(name)
				if err != nil {
					return err
				}
				rows = append(rows, authStatusRow{
					Server:        name,
					Tokens:        len(tokens),
					Authenticated: app.Auth.IsAuthenticated(name),
				})
			}

			return app.OK(rows, output.WithSummary("Credential storage: "+credentialStore(app)))
		},
	}
}
