// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"

	defaultModel             = "gpt-4o-mini"
	defaultLLMTimeoutSeconds = 30
	defaultMaxContextChars   = 16000
	defaultHistoryWindow     = 8
	defaultAssetSnippetChars = 4000
	defaultSQLitePath        = "vpo.db"
	defaultWorkItemType      = "User Story"
	defaultParamPrefix       = "/virtual-product-owner"
)

type Config struct {
	Store       StoreConfig       `yaml:"store"`
	ParamPrefix string            `yaml:"param_prefix"`
	LLM         LLMConfig         `yaml:"llm"`
	AzureDevOps AzureDevOpsConfig `yaml:"azure_devops"`
	HTTP        HTTPConfig        `yaml:"http"`
	Limits      LimitsConfig      `yaml:"limits"`
	LogLevel    string            `yaml:"log_level"`
}

type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Table      string `yaml:"table"`
	SQLitePath string `yaml:"sqlite_path"`
}

type LLMConfig struct {
	// Enabled is a pointer so an explicit false in the file survives
	// defaulting.
	Enabled        *bool  `yaml:"enabled"`
	Model          string `yaml:"model"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type AzureDevOpsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Organization     string `yaml:"organization"`
	Project          string `yaml:"project"`
	WorkItemType     string `yaml:"work_item_type"`
	DefaultAreaPath  string `yaml:"default_area_path"`
	DefaultIteration string `yaml:"default_iteration"`
	BaseURL          string `yaml:"base_url"`
}

type HTTPConfig struct {
	// Addr switches the binary from Lambda mode to a plain HTTP listener.
	Addr            string `yaml:"addr"`
	TrustUserHeader bool   `yaml:"trust_user_header"`
}

type LimitsConfig struct {
	MaxContextChars   int `yaml:"max_context_chars"`
	HistoryWindow     int `yaml:"history_window"`
	AssetSnippetChars int `yaml:"asset_snippet_chars"`
}

// Load reads path when it is non-empty and exists, applies environment
// overrides and defaults, then validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = b
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("STORE_BACKEND", &c.Store.Backend)
	str("STATE_TABLE", &c.Store.Table)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	str("PARAM_PREFIX", &c.ParamPrefix)
	str("LLM_MODEL", &c.LLM.Model)
	str("LLM_BASE_URL", &c.LLM.BaseURL)
	str("ADO_ORGANIZATION", &c.AzureDevOps.Organization)
	str("ADO_PROJECT", &c.AzureDevOps.Project)
	str("ADO_WORK_ITEM_TYPE", &c.AzureDevOps.WorkItemType)
	str("ADO_DEFAULT_AREA_PATH", &c.AzureDevOps.DefaultAreaPath)
	str("ADO_DEFAULT_ITERATION", &c.AzureDevOps.DefaultIteration)
	str("ADO_BASE_URL", &c.AzureDevOps.BaseURL)
	str("LISTEN_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("LLM_ENABLED"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: LLM_ENABLED: %w", err)
		}
		c.LLM.Enabled = &b
	}
	for _, f := range []func() error{
		func() error { return boolean("ADO_ENABLED", &c.AzureDevOps.Enabled) },
		func() error { return boolean("TRUST_USER_HEADER", &c.HTTP.TrustUserHeader) },
		func() error { return integer("LLM_TIMEOUT_SECONDS", &c.LLM.TimeoutSeconds) },
		func() error { return integer("MAX_CONTEXT_CHARS", &c.Limits.MaxContextChars) },
		func() error { return integer("HISTORY_WINDOW", &c.Limits.HistoryWindow) },
		func() error { return integer("ASSET_SNIPPET_CHARS", &c.Limits.AssetSnippetChars) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.Backend == BackendSQLite && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = defaultSQLitePath
	}
	if c.ParamPrefix == "" {
		c.ParamPrefix = defaultParamPrefix
	}
	if c.LLM.Enabled == nil {
		enabled := true
		c.LLM.Enabled = &enabled
	}
	if c.LLM.Model == "" {
		c.LLM.Model = defaultModel
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	if c.AzureDevOps.WorkItemType == "" {
		c.AzureDevOps.WorkItemType = defaultWorkItemType
	}
	if c.Limits.MaxContextChars <= 0 {
		c.Limits.MaxContextChars = defaultMaxContextChars
	}
	if c.Limits.HistoryWindow <= 0 {
		c.Limits.HistoryWindow = defaultHistoryWindow
	}
	if c.Limits.AssetSnippetChars <= 0 {
		c.Limits.AssetSnippetChars = defaultAssetSnippetChars
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.Store.Table == "" {
			return errors.New("config: store.table is required for the dynamodb backend")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("config: store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.NeedsParamStore() && strings.TrimSpace(c.ParamPrefix) == "" {
		return errors.New("config: param_prefix is required when the model or Azure DevOps is enabled")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// LLMEnabled reports whether model calls should be attempted.
func (c Config) LLMEnabled() bool {
	return c.LLM.Enabled == nil || *c.LLM.Enabled
}

// NeedsParamStore reports whether any secret has to be read from SSM.
func (c Config) NeedsParamStore() bool {
	return c.LLMEnabled() || c.AzureDevOps.Enabled
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}
