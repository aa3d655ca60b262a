// Package completion provides shell completion for pipeboard arguments.
//
// Completions are read straight from the cache snapshots on disk. They never
// build an App or contact GitLab, so they stay fast even when a server is
// unreachable.
package completion

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pipeboard/pipeboard/internal/appctx"
	"github.com/pipeboard/pipeboard/internal/cache"
	"github.com/pipeboard/pipeboard/internal/models"
	"github.com/pipeboard/pipeboard/internal/store"
)

// CacheDirFunc returns the cache directory to use for completion.
// Takes the command to allow checking both context and flags at completion time.
type CacheDirFunc func(cmd *cobra.Command) string

// DefaultCacheDirFunc returns the cache directory by checking (in order):
// 1. --cache-dir flag on the root command
// 2. App config from context (set by PersistentPreRunE)
// 3. PIPEBOARD_CACHE_DIR environment variable
// 4. Default cache directory
//
// During __complete PersistentPreRunE doesn't run, so cache_dir set in a
// config file is not honored; only the flag and the env var are.
func DefaultCacheDirFunc(cmd *cobra.Command) string {
	if root := cmd.Root(); root != nil {
		if flag := root.PersistentFlags().Lookup("cache-dir"); flag != nil && flag.Changed {
			return flag.Value.String()
		}
	}
	if app := appctx.FromContext(cmd.Context()); app != nil {
		return app.Config.CacheDir
	}
	if v := os.Getenv("PIPEBOARD_CACHE_DIR"); v != "" {
		return v
	}
	return ""
}

// Completer provides tab completion functions for the pipeboard CLI.
type Completer struct {
	getCacheDir CacheDirFunc
}

// NewCompleter creates a new Completer.
// The getCacheDir function is called at completion time to determine the cache directory.
// If nil, DefaultCacheDirFunc is used.
func NewCompleter(getCacheDir CacheDirFunc) *Completer {
	if getCacheDir == nil {
		getCacheDir = DefaultCacheDirFunc
	}
	return &Completer{getCacheDir: getCacheDir}
}

// store returns the snapshot store, resolving the cache dir at call time.
func (c *Completer) store(cmd *cobra.Command) *store.Store {
	return store.New(c.getCacheDir(cmd))
}

// TierCompletion completes tier names, plus "all" when withAll is set.
func (c *Completer) TierCompletion(withAll bool) cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]cobra.Completion, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		var completions []cobra.Completion
		for _, t := range cache.AllTiers {
			if strings.HasPrefix(t.String(), toComplete) {
				completions = append(completions, cobra.Completion(t.String()))
			}
		}
		if withAll && strings.HasPrefix("all", toComplete) {
			completions = append(completions, cobra.CompletionWithDesc("all", "Every tier"))
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	}
}

// ServerCompletion completes server names that have a cached structure,
// with their project count as description.
func (c *Completer) ServerCompletion() cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]cobra.Completion, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		structures := loadEntries[models.Structure](c.store(cmd), cache.TierStructure)

		names := make([]string, 0, len(structures))
		for name := range structures {
			names = append(names, name)
		}
		sort.Strings(names)

		var completions []cobra.Completion
		for _, name := range names {
			if !strings.HasPrefix(name, toComplete) {
				continue
			}
			desc := fmt.Sprintf("%d projects", structures[name].ProjectCount())
			completions = append(completions, cobra.CompletionWithDesc(name, desc))
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	}
}

// KeyCompletion completes cache keys of the tier named by the command's
// first argument.
func (c *Completer) KeyCompletion() cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]cobra.Completion, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		tier, err := cache.ParseTier(args[0])
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		keys := snapshotKeys(c.store(cmd), tier)
		toCompleteLower := strings.ToLower(toComplete)
		var completions []cobra.Completion
		for _, k := range keys {
			if strings.Contains(strings.ToLower(k), toCompleteLower) {
				completions = append(completions, cobra.Completion(k))
			}
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	}
}

// snapshotKeys returns the sorted keys of a tier snapshot. Unreadable
// snapshots complete nothing.
func snapshotKeys(st *store.Store, tier cache.Tier) []string {
	var entries map[string]json.RawMessage
	if err := st.Load(tier.String(), &entries); err != nil {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// loadEntries decodes a tier snapshot into its values keyed by cache key.
func loadEntries[T any](st *store.Store, tier cache.Tier) map[string]T {
	var entries map[string]cache.Entry[T]
	if err := st.Load(tier.String(), &entries); err != nil {
		return nil
	}
	values := make(map[string]T, len(entries))
	for k, e := range entries {
		values[k] = e.Value
	}
	return values
}
