package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeboard/pipeboard/internal/output"
)

// isolate points every config, cache and credential location at temp dirs.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("PIPEBOARD_NO_KEYRING", "1")
	t.Setenv("PIPEBOARD_DEBUG", "")
	for _, k := range []string{"PIPEBOARD_GITLAB_URL", "PIPEBOARD_FORMAT", "PIPEBOARD_CACHE_DIR", "PIPEBOARD_LISTEN"} {
		t.Setenv(k, "")
	}
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &v), buf.String())
	return v
}

func TestRunVersion(t *testing.T) {
	isolate(t)
	var out bytes.Buffer

	code := run(context.Background(), NewRootCmd(), []string{"version"}, &out)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "pipeboard version")
}

func TestRunUnknownCommand(t *testing.T) {
	isolate(t)
	var out bytes.Buffer

	code := run(context.Background(), NewRootCmd(), []string{"frobnicate", "--json"}, &out)
	assert.Equal(t, output.ExitUsage, code)

	resp := decode(t, &out)
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, output.CodeUsage, resp["code"])
	assert.Equal(t, "Run: pipeboard --help", resp["hint"])
}

func TestRunUnknownFlag(t *testing.T) {
	isolate(t)
	var out bytes.Buffer

	code := run(context.Background(), NewRootCmd(), []string{"cache", "status", "--bogus"}, &out)
	assert.Equal(t, output.ExitUsage, code)
	assert.Contains(t, out.String(), "Unknown option: --bogus")
}

func TestRunCacheStatusWithConfigFile(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "pipeboard.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
servers:
  - name: gl
    url: https://gitlab.example.com
ttl:
  pipelines: 10
`), 0o600))

	var out bytes.Buffer
	code := run(context.Background(), NewRootCmd(),
		[]string{"--json", "--config", cfgFile, "--cache-dir", filepath.Join(dir, "cache"), "cache", "status"}, &out)
	require.Equal(t, 0, code, out.String())

	resp := decode(t, &out)
	assert.Equal(t, true, resp["ok"])
	rows := resp["data"].([]any)
	require.Len(t, rows, 4)
	for _, r := range rows {
		row := r.(map[string]any)
		if row["tier"] == "pipelines" {
			assert.Equal(t, "10s", row["ttl"])
		}
	}
}

func TestRunInvalidConfigIsUsageError(t *testing.T) {
	isolate(t)
	cfgFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("servers:\n  - url: https://gitlab.example.com\n"), 0o600))

	var out bytes.Buffer
	code := run(context.Background(), NewRootCmd(), []string{"--json", "--config", cfgFile, "cache", "status"}, &out)
	assert.Equal(t, output.ExitUsage, code)

	resp := decode(t, &out)
	assert.Equal(t, "Invalid configuration", resp["error"])
	assert.Contains(t, resp["hint"], "name is required")
}

func TestRunQuietError(t *testing.T) {
	isolate(t)
	var out bytes.Buffer

	code := run(context.Background(), NewRootCmd(), []string{"-q", "cache", "clear", "jobs"}, &out)
	assert.Equal(t, output.ExitUsage, code)
	assert.Contains(t, out.String(), `"code": "usage"`)
}

func TestConfigError(t *testing.T) {
	err := configError(errors.New("servers[0]: name is required\nservers[1]: url is required"))
	e := output.AsError(err)
	assert.Equal(t, output.CodeUsage, e.Code)
	assert.Equal(t, "servers[0]: name is required; servers[1]: url is required", e.Hint)

	structured := output.ErrNotFound("Config file", "x.yaml")
	assert.Same(t, structured, configError(structured))
}

func TestTransformCobraError(t *testing.T) {
	tests := []struct {
		in       string
		wantCode string
		wantMsg  string
	}{
		{"flag needs an argument: --config", output.CodeUsage, "--config requires a value"},
		{"unknown flag: --nope", output.CodeUsage, "Unknown option: --nope"},
		{"unknown shorthand flag: 'z' in -z", output.CodeUsage, "Unknown option: 'z' in -z"},
		{`unknown command "x" for "pipeboard"`, output.CodeUsage, `unknown command "x" for "pipeboard"`},
		{"accepts 1 arg(s), received 2", output.CodeUsage, "accepts 1 arg(s), received 2"},
		{"requires at least 1 arg(s), only received 0", output.CodeUsage, "requires at least 1 arg(s), only received 0"},
		{`invalid argument "x" for "-v"`, output.CodeUsage, `invalid argument "x" for "-v"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			e := output.AsError(transformCobraError(errors.New(tt.in)))
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantMsg, e.Message)
		})
	}

	other := errors.New("something else")
	assert.Same(t, other, transformCobraError(other))
}
