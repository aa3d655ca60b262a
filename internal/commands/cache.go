package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/pipeboard/pipeboard/internal/appctx"
	"github.com/pipeboard/pipeboard/internal/cache"
	"github.com/pipeboard/pipeboard/internal/completion"
	"github.com/pipeboard/pipeboard/internal/output"
	"github.com/pipeboard/pipeboard/internal/store"
)

// NewCacheCmd creates the cache command group.
func NewCacheCmd() *cobra.Command {
	completer := completion.NewCompleter(nil)

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the cache",
		Long: `Inspect and clear the tier snapshots under the cache directory.

Tiers: structure, branches, pipelines, statistics. These commands work on the
snapshot files and are safe to run while "pipeboard serve" is running; a
running server keeps its in-memory copy until its next write.`,
	}

	cmd.AddCommand(
		newCacheStatusCmd(),
		newCacheClearCmd(completer),
		newCacheInspectCmd(completer),
	)

	return cmd
}

type tierStatusRow struct {
	Tier    string `json:"tier"`
	TTL     string `json:"ttl"`
	Entries int    `json:"entries"`
	Fresh   int    `json:"fresh"`
	Stale   int    `json:"stale"`
	File    string `json:"file,omitempty"`
}

func newCacheStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show entry counts per tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			app.Cache.Load()
			st := app.Cache.Store()

			var rows []tierStatusRow
			total := 0
			for _, s := range app.Cache.Status() {
				row := tierStatusRow{
					Tier:    s.Tier.String(),
					TTL:     s.TTL.String(),
					Entries: s.Entries,
					Fresh:   s.Fresh,
					Stale:   s.Stale,
				}
				if st != nil && st.Exists(s.Tier.String()) {
					row.File = st.Path(s.Tier.String())
				}
				total += s.Entries
				rows = append(rows, row)
			}

			return app.OK(rows, output.WithSummary(fmt.Sprintf("%d entries across %d tiers", total, len(rows))))
		},
	}
}

func newCacheClearCmd(completer *completion.Completer) *cobra.Command {
	return &cobra.Command{
		Use:               "clear [tier|all]",
		Short:             "Clear one tier or the whole cache",
		Long:              "Remove every entry of a tier and delete its snapshot. Without an argument all tiers are cleared.",
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completer.TierCompletion(true),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			tiers, err := parseTierArg(args)
			if err != nil {
				return err
			}
			for _, t := range tiers {
				if err := app.Cache.Clear(t); err != nil {
					return output.ErrStorage(err)
				}
			}

			names := make([]string, len(tiers))
			for i, t := range tiers {
				names[i] = t.String()
			}
			return app.OK(map[string]any{"cleared": names},
				output.WithSummary("Cleared "+strings.Join(names, ", ")))
		},
	}
}

func newCacheInspectCmd(completer *completion.Completer) *cobra.Command {
	var jqExpr, key string

	cmd := &cobra.Command{
		Use:   "inspect <tier>",
		Short: "Print a tier snapshot",
		Long: `Print the snapshot of a tier as stored on disk, keyed by cache key.

Use --key to print a single entry and --jq to filter with a jq expression:

  pipeboard cache inspect pipelines --jq 'to_entries[] | select(.value.value.status == "failed") | .key'
  pipeboard cache inspect branches --key gitlab/group/app --jq '.value[].name'`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completer.TierCompletion(false),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			tier, err := cache.ParseTier(args[0])
			if err != nil {
				return output.ErrUsageHint(err.Error(), "Use one of: structure, branches, pipelines, statistics")
			}
			st := app.Cache.Store()
			if st == nil {
				return output.ErrUsage("No cache directory configured")
			}

			data, err := readSnapshot(st, tier)
			if err != nil {
				return err
			}
			if key != "" {
				entries, _ := data.(map[string]any)
				entry, ok := entries[key]
				if !ok {
					return output.ErrNotFound("Cache entry", key)
				}
				data = entry
			}
			if jqExpr != "" {
				data, err = applyJQ(jqExpr, data)
				if err != nil {
					return err
				}
			}

			return app.OK(data)
		},
	}

	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter the snapshot with a jq expression")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Print only the entry with this cache key")
	_ = cmd.RegisterFlagCompletionFunc("key", completer.KeyCompletion())

	return cmd
}

// parseTierArg resolves the optional tier argument; no argument or "all"
// selects every tier.
func parseTierArg(args []string) ([]cache.Tier, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "all") {
		return cache.AllTiers, nil
	}
	t, err := cache.ParseTier(args[0])
	if err != nil {
		return nil, output.ErrUsageHint(err.Error(), "Use one of: structure, branches, pipelines, statistics, all")
	}
	return []cache.Tier{t}, nil
}

// readSnapshot decodes a tier snapshot into generic JSON values. A missing
// snapshot is an empty tier.
func readSnapshot(st *store.Store, tier cache.Tier) (any, error) {
	raw, err := st.ReadRaw(tier.String())
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, output.ErrStorage(err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, output.ErrStorage(&store.CorruptError{Path: st.Path(tier.String()), Err: err})
	}
	return v, nil
}

// applyJQ runs expr over input. A single result is returned as is; several
// results are returned as an array.
func applyJQ(expr string, input any) (any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, output.ErrUsageHint("Invalid jq expression: "+err.Error(), "See https://jqlang.github.io/jq/manual/")
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, output.ErrUsage("Invalid jq expression: " + err.Error())
	}

	results := []any{}
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			return nil, output.ErrUsage("jq: " + err.Error())
		}
		results = append(results, v)
	}

	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}
