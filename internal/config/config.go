// Package config loads beadsboard settings from .beads/board.yaml, the user
// config directory, BEADSBOARD_* environment variables and command flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendAuto   = "auto"
	BackendSQLite = "sqlite"
	BackendBD     = "bd"
)

// FileName is the project config file name inside .beads/.
const FileName = "board.yaml"

// KeyAnnotation names the config key a flag binds to when it differs from
// the flag name with dashes replaced by underscores, e.g. "log.file".
const KeyAnnotation = "beadsboard_config_key"

// Config is the effective configuration.
type Config struct {
	Backend   string `yaml:"backend"`
	Workspace string `yaml:"workspace"`
	DB        string `yaml:"db"`
	Listen    string `yaml:"listen"`
	ReadOnly  bool   `yaml:"read_only"`

	PageSize         int `yaml:"page_size"`
	InitialLoadLimit int `yaml:"initial_load_limit"`
	MaxItems         int `yaml:"max_items"`

	Save    SaveConfig    `yaml:"save"`
	Board   BoardConfig   `yaml:"board"`
	BD      BDConfig      `yaml:"bd"`
	Breaker BreakerConfig `yaml:"breaker"`
	Client  ClientConfig  `yaml:"client"`
	Log     LogConfig     `yaml:"log"`

	// File is the config file that was read, empty if none.
	File string `yaml:"-"`
}

// SaveConfig tunes the embedded store's persistence.
type SaveConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	SelfWindow  time.Duration `yaml:"self_window"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// BoardConfig tunes snapshot caching.
type BoardConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// BDConfig tunes the bd process adapter.
type BDConfig struct {
	Path       string        `yaml:"path"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxOutput  int64         `yaml:"max_output"`
	BatchSize  int           `yaml:"batch_size"`
	SelfWindow time.Duration `yaml:"self_window"`
	MinVersion string        `yaml:"min_version"`
}

// BreakerConfig tunes the circuit breaker around batched detail fetches.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// ClientConfig tunes the UI-side request table.
type ClientConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxAge         time.Duration `yaml:"max_age"`
}

// LogConfig selects the log destination.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Verbose    bool   `yaml:"verbose"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendAuto)
	v.SetDefault("workspace", "")
	v.SetDefault("db", "")
	v.SetDefault("listen", "127.0.0.1:7420")
	v.SetDefault("read_only", false)

	v.SetDefault("page_size", 50)
	v.SetDefault("initial_load_limit", 100)
	v.SetDefault("max_items", 2000)

	v.SetDefault("save.debounce", "300ms")
	v.SetDefault("save.self_window", "1s")
	v.SetDefault("save.max_attempts", 5)
	v.SetDefault("save.backoff", "50ms")

	v.SetDefault("board.cache_ttl", "1s")

	v.SetDefault("bd.path", "bd")
	v.SetDefault("bd.timeout", "30s")
	v.SetDefault("bd.max_output", 10<<20)
	v.SetDefault("bd.batch_size", 50)
	v.SetDefault("bd.self_window", "2s")
	v.SetDefault("bd.min_version", "v0.30.0")

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("client.request_timeout", "30s")
	v.SetDefault("client.sweep_interval", "10s")
	v.SetDefault("client.max_age", "2m")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.verbose", false)
}

// Load builds the configuration. Precedence, highest first: changed flags,
// BEADSBOARD_* environment, project .beads/board.yaml, user config dir,
// defaults. flags may be nil.
func Load(workspace string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("BEADSBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if k := f.Annotations[KeyAnnotation]; len(k) > 0 {
				key = k[0]
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	if workspace == "" {
		workspace = v.GetString("workspace")
	}
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		workspace = FindWorkspace(cwd)
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	workspace = abs

	if path := findConfigFile(workspace); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Backend:          v.GetString("backend"),
		Workspace:        workspace,
		DB:               v.GetString("db"),
		Listen:           v.GetString("listen"),
		ReadOnly:         v.GetBool("read_only"),
		PageSize:         v.GetInt("page_size"),
		InitialLoadLimit: v.GetInt("initial_load_limit"),
		MaxItems:         v.GetInt("max_items"),
		Save: SaveConfig{
			Debounce:    v.GetDuration("save.debounce"),
			SelfWindow:  v.GetDuration("save.self_window"),
			MaxAttempts: v.GetInt("save.max_attempts"),
			Backoff:     v.GetDuration("save.backoff"),
		},
		Board: BoardConfig{CacheTTL: v.GetDuration("board.cache_ttl")},
		BD: BDConfig{
			Path:       v.GetString("bd.path"),
			Timeout:    v.GetDuration("bd.timeout"),
			MaxOutput:  v.GetInt64("bd.max_output"),
			BatchSize:  v.GetInt("bd.batch_size"),
			SelfWindow: v.GetDuration("bd.self_window"),
			MinVersion: v.GetString("bd.min_version"),
		},
		Breaker: BreakerConfig{
			Threshold: v.GetInt("breaker.threshold"),
			Cooldown:  v.GetDuration("breaker.cooldown"),
		},
		Client: ClientConfig{
			RequestTimeout: v.GetDuration("client.request_timeout"),
			SweepInterval:  v.GetDuration("client.sweep_interval"),
			MaxAge:         v.GetDuration("client.max_age"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			Verbose:    v.GetBool("log.verbose"),
		},
		File: v.ConfigFileUsed(),
	}
	if cfg.DB != "" && !filepath.IsAbs(cfg.DB) {
		cfg.DB = filepath.Join(workspace, cfg.DB)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the adapters cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAuto, BackendSQLite, BackendBD:
	default:
		return fmt.Errorf("invalid backend %q (want auto, sqlite or bd)", c.Backend)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.MaxItems <= 0 {
		return fmt.Errorf("max_items must be positive, got %d", c.MaxItems)
	}
	if c.BD.BatchSize <= 0 {
		return fmt.Errorf("bd.batch_size must be positive, got %d", c.BD.BatchSize)
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive, got %d", c.Breaker.Threshold)
	}
	if c.Save.MaxAttempts <= 0 {
		return fmt.Errorf("save.max_attempts must be positive, got %d", c.Save.MaxAttempts)
	}
	return nil
}

// BeadsDir returns the workspace's .beads directory.
func (c *Config) BeadsDir() string {
	return filepath.Join(c.Workspace, ".beads")
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// FindWorkspace walks up from dir looking for a .beads directory and returns
// the directory containing it. If none is found dir itself is returned.
func FindWorkspace(dir string) string {
	for d := dir; d != filepath.Dir(d); d = filepath.Dir(d) {
		if st, err := os.Stat(filepath.Join(d, ".beads")); err == nil && st.IsDir() {
			return d
		}
	}
	return dir
}

func findConfigFile(workspace string) string {
	candidates := []string{filepath.Join(workspace, ".beads", FileName)}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "beadsboard", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
