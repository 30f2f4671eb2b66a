package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dhanush-chevuri/julep/internal/engine"
	"github.com/dhanush-chevuri/julep/internal/plugins"
)

// Config holds the julep runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string   `json:"db_path"`
	LogLevel        string   `json:"log_level"`
	LogFormat       string   `json:"log_format"`
	PoolSize        int      `json:"pool_size"`
	Testing         bool     `json:"testing"`
	ActivityTimeout Duration `json:"activity_timeout"`
	ReduceTimeout   Duration `json:"reduce_timeout"`
	WaitTimeout     Duration `json:"wait_timeout"`
	TaskDir         string   `json:"task_dir"`
	ListenAddr      string   `json:"listen_addr"`

	// BuiltinTools enables the in-process http_request, hash, hmac and
	// uuid tools for tool_call steps.
	BuiltinTools  bool                     `json:"builtin_tools"`
	// ToolProviders are MCP servers whose tools back tool_call steps.
	ToolProviders []plugins.ProviderConfig `json:"tool_providers"`
}

// Duration reads "90s"-style strings or whole seconds from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(julepDir(), "julep.db"),
		LogLevel:  "info",
		LogFormat: "text",
		PoolSize:  engine.DefaultPoolSize,
	}
}

func julepDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".julep"
	}
	return filepath.Join(home, ".julep")
}

func settingsPath() string {
	return filepath.Join(julepDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file and the environment over the
// defaults. A missing settings file is not an error.
func loadConfigFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := getenv("JULEP_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("JULEP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("JULEP_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("JULEP_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("JULEP_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := getenv("JULEP_TESTING"); v != "" {
		cfg.Testing = v == "true" || v == "1"
	}
	if v := getenv("JULEP_BUILTIN_TOOLS"); v != "" {
		cfg.BuiltinTools = v == "true" || v == "1"
	}
	if v := getenv("JULEP_TASK_DIR"); v != "" {
		cfg.TaskDir = v
	}
	if v := getenv("JULEP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	for name, dst := range map[string]*Duration{
		"JULEP_ACTIVITY_TIMEOUT": &cfg.ActivityTimeout,
		"JULEP_REDUCE_TIMEOUT":   &cfg.ReduceTimeout,
		"JULEP_WAIT_TIMEOUT":     &cfg.WaitTimeout,
	} {
		v := getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", name, err)
		}
		*dst = Duration(d)
	}
	return cfg, nil
}

// executorConfig maps the runtime settings onto the engine. Zero values
// keep the engine defaults.
func (c Config) executorConfig() engine.ExecutorConfig {
	return engine.ExecutorConfig{
		PoolSize:        c.PoolSize,
		Testing:         c.Testing,
		ActivityTimeout: time.Duration(c.ActivityTimeout),
		ReduceTimeout:   time.Duration(c.ReduceTimeout),
		WaitTimeout:     time.Duration(c.WaitTimeout),
	}
}

// dsn turns a plain database path into a libsql file URI.
func (c Config) dsn() string {
	if strings.Contains(c.DBPath, ":") && !filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
