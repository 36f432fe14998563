package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PARAM_PREFIX", "/vpo")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Store.Backend)
	require.True(t, cfg.LLMEnabled())
	require.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	require.Equal(t, 30*time.Second, cfg.LLMTimeout())
	require.Equal(t, LimitsConfig{MaxContextChars: 16000, HistoryWindow: 8, AssetSnippetChars: 4000}, cfg.Limits)
	require.Equal(t, "User Story", cfg.AzureDevOps.WorkItemType)
	require.False(t, cfg.AzureDevOps.Enabled)
	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
store:
  backend: DynamoDB
  table: stories-file
param_prefix: /vpo/file
llm:
  enabled: false
  model: gpt-4o
  timeout_seconds: 10
azure_devops:
  enabled: true
  organization: acme
  project: Shop
  default_area_path: Shop\Team
http:
  addr: ":8080"
limits:
  history_window: 4
log_level: debug
`)
	t.Setenv("STATE_TABLE", "stories-env")
	t.Setenv("LLM_MODEL", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendDynamoDB, cfg.Store.Backend)
	require.Equal(t, "stories-env", cfg.Store.Table)
	require.Equal(t, "/vpo/file", cfg.ParamPrefix)
	require.False(t, cfg.LLMEnabled())
	require.Equal(t, "gpt-4o", cfg.LLM.Model)
	require.Equal(t, 10*time.Second, cfg.LLMTimeout())
	require.True(t, cfg.AzureDevOps.Enabled)
	require.Equal(t, `Shop\Team`, cfg.AzureDevOps.DefaultAreaPath)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, 4, cfg.Limits.HistoryWindow)
	require.Equal(t, 16000, cfg.Limits.MaxContextChars)
	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, lvl)
}

func TestApplyEnv(t *testing.T) {
	var cfg Config
	err := cfg.applyEnv(envMap(map[string]string{
		"STORE_BACKEND":       "sqlite",
		"SQLITE_PATH":         "/tmp/vpo.db",
		"LLM_ENABLED":         "false",
		"ADO_ENABLED":         "true",
		"ADO_ORGANIZATION":    "acme",
		"TRUST_USER_HEADER":   "1",
		"LLM_TIMEOUT_SECONDS": "5",
		"HISTORY_WINDOW":      "12",
		"LISTEN_ADDR":         " :9000 ",
	}))
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.Equal(t, "/tmp/vpo.db", cfg.Store.SQLitePath)
	require.False(t, cfg.LLMEnabled())
	require.True(t, cfg.AzureDevOps.Enabled)
	require.Equal(t, "acme", cfg.AzureDevOps.Organization)
	require.True(t, cfg.HTTP.TrustUserHeader)
	require.Equal(t, 5, cfg.LLM.TimeoutSeconds)
	require.Equal(t, 12, cfg.Limits.HistoryWindow)
	require.Equal(t, ":9000", cfg.HTTP.Addr)
}

func TestApplyEnv_RejectsMalformedValues(t *testing.T) {
	for key, val := range map[string]string{
		"LLM_ENABLED":         "maybe",
		"ADO_ENABLED":         "yes please",
		"LLM_TIMEOUT_SECONDS": "thirty",
		"MAX_CONTEXT_CHARS":   "1e4",
	} {
		var cfg Config
		err := cfg.applyEnv(envMap(map[string]string{key: val}))
		require.ErrorContains(t, err, key)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		var c Config
		c.ParamPrefix = "/vpo"
		c.applyDefaults()
		return c
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.Store.Backend = "postgres"
	require.ErrorContains(t, cfg.Validate(), "unknown store backend")

	cfg = base()
	cfg.Store.Backend = BackendDynamoDB
	require.ErrorContains(t, cfg.Validate(), "store.table")

	cfg = base()
	cfg.ParamPrefix = ""
	require.ErrorContains(t, cfg.Validate(), "param_prefix")

	disabled := false
	cfg = base()
	cfg.ParamPrefix = ""
	cfg.LLM.Enabled = &disabled
	require.NoError(t, cfg.Validate())

	cfg = base()
	cfg.LogLevel = "loud"
	require.ErrorContains(t, cfg.Validate(), "log_level")
}

func TestApplyDefaults_SQLitePath(t *testing.T) {
	cfg := Config{Store: StoreConfig{Backend: " SQLite "}}
	cfg.applyDefaults()
	require.Equal(t, BackendSQLite, cfg.Store.Backend)
	require.Equal(t, "vpo.db", cfg.Store.SQLitePath)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeFile(t, "store: [unclosed"))
	require.ErrorContains(t, err, "config: parse")
}
