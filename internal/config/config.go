// Package config provides layered configuration loading.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pipeboard/pipeboard/internal/hostutil"
)

// Config holds the resolved configuration.
type Config struct {
	Servers []Server  `yaml:"servers" json:"servers"`
	TTL     TTLConfig `yaml:"ttl" json:"ttl"`

	// Cache settings
	CacheDir      string `yaml:"cache_dir" json:"cache_dir"`
	Refill        string `yaml:"refill" json:"refill"`                 // "eager" or "on_demand"
	RefillTimeout int    `yaml:"refill_timeout" json:"refill_timeout"` // seconds
	SampleLimit   int    `yaml:"sample_limit" json:"sample_limit"`

	// Serving
	Listen string `yaml:"listen" json:"listen"`

	// Output and logging
	Format    string `yaml:"format" json:"format"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// Sources tracks where each value came from (for debugging).
	Sources map[string]string `yaml:"-" json:"-"`
	// Files lists every config file that was considered, loaded or not.
	Files []string `yaml:"-" json:"-"`
}

// Server is one GitLab instance to watch.
type Server struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
	// Tokens are tried in order; see gitlab.TokenSet.
	Tokens []string `yaml:"tokens,omitempty" json:"tokens,omitempty"`
	// Groups limits the structure to these group paths. Empty means all
	// groups visible to the token.
	Groups []string `yaml:"groups,omitempty" json:"groups,omitempty"`
	// Insecure allows a plain http:// URL to a non-loopback host.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// TTLConfig holds per-tier TTLs in seconds.
type TTLConfig struct {
	Structure  int `yaml:"structure" json:"structure"`
	Branches   int `yaml:"branches" json:"branches"`
	Pipelines  int `yaml:"pipelines" json:"pipelines"`
	Statistics int `yaml:"statistics" json:"statistics"`
}

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceSystem  Source = "system"
	SourceGlobal  Source = "global"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// Refill policies.
const (
	RefillEager    = "eager"
	RefillOnDemand = "on_demand"
)

// FlagOverrides holds command-line flag values.
type FlagOverrides struct {
	ConfigFile string
	CacheDir   string
	Listen     string
	Refill     string
	Format     string
	LogFormat  string
}

// Default returns the default configuration.
func Default() *Config {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}

	return &Config{
		TTL: TTLConfig{
			Structure:  1800,
			Branches:   300,
			Pipelines:  5,
			Statistics: 1800,
		},
		CacheDir:      filepath.Join(cacheDir, "pipeboard"),
		Refill:        RefillEager,
		RefillTimeout: 30,
		SampleLimit:   10,
		Listen:        "127.0.0.1:8080",
		Format:        "auto",
		LogFormat:     "text",
		Sources:       make(map[string]string),
	}
}

// Load loads configuration from all sources with proper precedence.
// Precedence: flags > env > --config file > global > system > defaults
func Load(overrides FlagOverrides) (*Config, error) {
	cfg := Default()

	for _, path := range candidatePaths(systemConfigDir()) {
		loadFromFile(cfg, path, SourceSystem)
	}
	for _, path := range candidatePaths(GlobalConfigDir()) {
		loadFromFile(cfg, path, SourceGlobal)
	}
	if overrides.ConfigFile != "" {
		cfg.Files = append(cfg.Files, overrides.ConfigFile)
		if err := readFile(cfg, overrides.ConfigFile, SourceFile); err != nil {
			// An explicitly requested file must exist and parse.
			return nil, err
		}
	}

	LoadFromEnv(cfg)
	ApplyOverrides(cfg, overrides)
	normalizeServers(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig mirrors Config with optional fields so a layer only overrides
// what it sets.
type fileConfig struct {
	Servers       []Server  `yaml:"servers" json:"servers"`
	TTL           *ttlLayer `yaml:"ttl" json:"ttl"`
	CacheDir      *string   `yaml:"cache_dir" json:"cache_dir"`
	Refill        *string   `yaml:"refill" json:"refill"`
	RefillTimeout *int      `yaml:"refill_timeout" json:"refill_timeout"`
	SampleLimit   *int      `yaml:"sample_limit" json:"sample_limit"`
	Listen        *string   `yaml:"listen" json:"listen"`
	Format        *string   `yaml:"format" json:"format"`
	LogFormat     *string   `yaml:"log_format" json:"log_format"`
}

type ttlLayer struct {
	Structure  *int `yaml:"structure" json:"structure"`
	Branches   *int `yaml:"branches" json:"branches"`
	Pipelines  *int `yaml:"pipelines" json:"pipelines"`
	Statistics *int `yaml:"statistics" json:"statistics"`
}

// loadFromFile applies an optional layer: missing files are skipped and
// malformed ones are reported and skipped.
func loadFromFile(cfg *Config, path string, source Source) {
	cfg.Files = append(cfg.Files, path)
	if err := readFile(cfg, path, source); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: skipping malformed config at %s: %v\n", path, err)
	}
}

func readFile(cfg *Config, path string, source Source) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is from trusted config locations
	if err != nil {
		return err
	}

	var fc fileConfig
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &fc)
	} else {
		err = yaml.Unmarshal(data, &fc)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	apply(cfg, &fc, source)
	return nil
}

func apply(cfg *Config, fc *fileConfig, source Source) {
	src := string(source)
	if len(fc.Servers) > 0 {
		cfg.Servers = fc.Servers
		cfg.Sources["servers"] = src
	}
	if fc.TTL != nil {
		setInt(cfg, &cfg.TTL.Structure, fc.TTL.Structure, "ttl.structure", src)
		setInt(cfg, &cfg.TTL.Branches, fc.TTL.Branches, "ttl.branches", src)
		setInt(cfg, &cfg.TTL.Pipelines, fc.TTL.Pipelines, "ttl.pipelines", src)
		setInt(cfg, &cfg.TTL.Statistics, fc.TTL.Statistics, "ttl.statistics", src)
	}
	setString(cfg, &cfg.CacheDir, fc.CacheDir, "cache_dir", src)
	setString(cfg, &cfg.Refill, fc.Refill, "refill", src)
	setInt(cfg, &cfg.RefillTimeout, fc.RefillTimeout, "refill_timeout", src)
	setInt(cfg, &cfg.SampleLimit, fc.SampleLimit, "sample_limit", src)
	setString(cfg, &cfg.Listen, fc.Listen, "listen", src)
	setString(cfg, &cfg.Format, fc.Format, "format", src)
	setString(cfg, &cfg.LogFormat, fc.LogFormat, "log_format", src)
}

func setString(cfg *Config, dst *string, v *string, key, source string) {
	if v != nil && *v != "" {
		*dst = *v
		cfg.Sources[key] = source
	}
}

func setInt(cfg *Config, dst *int, v *int, key, source string) {
	if v != nil {
		*dst = *v
		cfg.Sources[key] = source
	}
}

// LoadFromEnv loads configuration from PIPEBOARD_* environment variables.
//
// PIPEBOARD_GITLAB_URL replaces the configured servers with a single server
// named "gitlab" whose tokens come from the comma-separated PIPEBOARD_GITLAB_TOKEN.
func LoadFromEnv(cfg *Config) {
	env := string(SourceEnv)
	if v := os.Getenv("PIPEBOARD_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
		cfg.Sources["cache_dir"] = env
	}
	if v := os.Getenv("PIPEBOARD_LISTEN"); v != "" {
		cfg.Listen = v
		cfg.Sources["listen"] = env
	}
	if v := os.Getenv("PIPEBOARD_REFILL"); v != "" {
		cfg.Refill = v
		cfg.Sources["refill"] = env
	}
	if v := os.Getenv("PIPEBOARD_FORMAT"); v != "" {
		cfg.Format = v
		cfg.Sources["format"] = env
	}
	if v := os.Getenv("PIPEBOARD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
		cfg.Sources["log_format"] = env
	}

	ttls := []struct {
		name string
		dst  *int
	}{
		{"STRUCTURE", &cfg.TTL.Structure},
		{"BRANCHES", &cfg.TTL.Branches},
		{"PIPELINES", &cfg.TTL.Pipelines},
		{"STATISTICS", &cfg.TTL.Statistics},
	}
	for _, t := range ttls {
		if n, ok := envInt("PIPEBOARD_TTL_" + t.name); ok {
			*t.dst = n
			cfg.Sources["ttl."+strings.ToLower(t.name)] = env
		}
	}

	if v := os.Getenv("PIPEBOARD_GITLAB_URL"); v != "" {
		srv := Server{Name: "gitlab", URL: v}
		if tokens := os.Getenv("PIPEBOARD_GITLAB_TOKEN"); tokens != "" {
			for _, tok := range strings.Split(tokens, ",") {
				if tok = strings.TrimSpace(tok); tok != "" {
					srv.Tokens = append(srv.Tokens, tok)
				}
			}
		}
		cfg.Servers = []Server{srv}
		cfg.Sources["servers"] = env
	}
}

// envInt parses an integer environment variable. Unparseable values are ignored.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ApplyOverrides applies non-empty flag overrides to cfg.
func ApplyOverrides(cfg *Config, o FlagOverrides) {
	flag := string(SourceFlag)
	if o.CacheDir != "" {
		cfg.CacheDir = o.CacheDir
		cfg.Sources["cache_dir"] = flag
	}
	if o.Listen != "" {
		cfg.Listen = o.Listen
		cfg.Sources["listen"] = flag
	}
	if o.Refill != "" {
		cfg.Refill = o.Refill
		cfg.Sources["refill"] = flag
	}
	if o.Format != "" {
		cfg.Format = o.Format
		cfg.Sources["format"] = flag
	}
	if o.LogFormat != "" {
		cfg.LogFormat = o.LogFormat
		cfg.Sources["log_format"] = flag
	}
}

// normalizeServers completes bare hostnames into URLs and drops trailing
// slashes.
func normalizeServers(cfg *Config) {
	for i := range cfg.Servers {
		cfg.Servers[i].URL = NormalizeBaseURL(hostutil.Normalize(cfg.Servers[i].URL))
	}
}

// Validate reports every problem with the resolved configuration.
func (cfg *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(cfg.Servers))
	for i, s := range cfg.Servers {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("servers[%d]: name is required", i))
		case strings.ContainsAny(s.Name, "/: "):
			errs = append(errs, fmt.Errorf("server %q: name must not contain '/', ':' or spaces", s.Name))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("server %q: duplicate name", s.Name))
		}
		seen[s.Name] = true

		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("server %q: url must be an absolute http(s) URL, got %q", s.Name, s.URL))
		} else if !s.Insecure {
			if err := hostutil.RequireSecureURL(s.URL); err != nil {
				errs = append(errs, fmt.Errorf("server %q: %w", s.Name, err))
			}
		}
	}

	if cfg.TTL.Structure < 0 || cfg.TTL.Branches < 0 || cfg.TTL.Pipelines < 0 || cfg.TTL.Statistics < 0 {
		errs = append(errs, errors.New("ttl values must not be negative"))
	}
	if cfg.Refill != RefillEager && cfg.Refill != RefillOnDemand {
		errs = append(errs, fmt.Errorf("refill must be %q or %q, got %q", RefillEager, RefillOnDemand, cfg.Refill))
	}
	if cfg.SampleLimit < 1 {
		errs = append(errs, errors.New("sample_limit must be at least 1"))
	}

	return errors.Join(errs...)
}

// Server returns the server with the given name.
func (cfg *Config) Server(name string) (Server, bool) {
	for _, s := range cfg.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// ServerNames returns the configured server names in config order.
func (cfg *Config) ServerNames() []string {
	names := make([]string, len(cfg.Servers))
	for i, s := range cfg.Servers {
		names[i] = s.Name
	}
	return names
}

// Redacted returns a copy safe to print: tokens are masked.
func (cfg *Config) Redacted() *Config {
	c := *cfg
	c.Servers = make([]Server, len(cfg.Servers))
	for i, s := range cfg.Servers {
		masked := make([]string, len(s.Tokens))
		for j := range s.Tokens {
			masked[j] = "********"
		}
		s.Tokens = masked
		c.Servers[i] = s
	}
	return &c
}

// Path helpers

func systemConfigDir() string {
	return "/etc/pipeboard"
}

// GlobalConfigDir returns the global config directory path.
func GlobalConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "pipeboard")
}

// candidatePaths lists the config file names looked up in dir, in load order.
func candidatePaths(dir string) []string {
	return []string{
		filepath.Join(dir, "config.json"),
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
	}
}

// NormalizeBaseURL ensures consistent URL format (no trailing slash).
func NormalizeBaseURL(url string) string {
	return strings.TrimSuffix(url, "/")
}
