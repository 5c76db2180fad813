package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigRelPath = ".batchwatch/config.yaml"

type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	StartPath      string        `yaml:"start_path"`
	StopPath       string        `yaml:"stop_path"`
	APIKey         string        `yaml:"api_key"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StartURL joins BaseURL and StartPath.
func (b BackendConfig) StartURL() string {
	return joinURL(b.BaseURL, b.StartPath)
}

// StopURL joins BaseURL and StopPath.
func (b BackendConfig) StopURL() string {
	return joinURL(b.BaseURL, b.StopPath)
}

type BatchConfig struct {
	MaxItems      int           `yaml:"max_items"`
	FlushMaxItems int           `yaml:"flush_max_items"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Profile       string        `yaml:"profile"`
}

// ProfileConfig holds the classification rules for one validation type.
type ProfileConfig struct {
	ItemField       string            `yaml:"item_field"`
	StatusField     string            `yaml:"status_field"`
	Categories      map[string]string `yaml:"categories"`
	DefaultCategory string            `yaml:"default_category"`
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	MaxResults int    `yaml:"max_results"`
}

type MaskConfig struct {
	KeepPrefix  int      `yaml:"keep_prefix"`
	KeepSuffix  int      `yaml:"keep_suffix"`
	Replacement string   `yaml:"replacement"`
	Fields      []string `yaml:"fields"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	RateLimit int    `yaml:"rate_limit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Backend  BackendConfig            `yaml:"backend"`
	Batch    BatchConfig              `yaml:"batch"`
	Profiles map[string]ProfileConfig `yaml:"profiles"`
	Store    StoreConfig              `yaml:"store"`
	Mask     MaskConfig               `yaml:"mask"`
	Server   ServerConfig             `yaml:"server"`
	Log      LogConfig                `yaml:"log"`
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		dir, err := BaseDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.SetDefaults()
	applyEnvOverrides(cfg)
	return cfg, nil
}

// BaseDir returns ~/.batchwatch.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, filepath.Dir(defaultConfigRelPath)), nil
}

func (c *Config) SetDefaults() {
	if c.Backend.StartPath == "" {
		c.Backend.StartPath = "/api/batch/start"
	}
	if c.Backend.StopPath == "" {
		c.Backend.StopPath = "/api/batch/stop"
	}
	if c.Backend.StopTimeout == 0 {
		c.Backend.StopTimeout = 5 * time.Second
	}
	if c.Batch.MaxItems == 0 {
		c.Batch.MaxItems = 5000
	}
	if c.Batch.FlushMaxItems == 0 {
		c.Batch.FlushMaxItems = 10
	}
	if c.Batch.FlushInterval == 0 {
		c.Batch.FlushInterval = 50 * time.Millisecond
	}
	if c.Batch.Profile == "" {
		c.Batch.Profile = "default"
	}
	if c.Profiles == nil {
		c.Profiles = map[string]ProfileConfig{}
	}
	for name, p := range builtinProfiles() {
		if _, ok := c.Profiles[name]; !ok {
			c.Profiles[name] = p
		}
	}
	for name, p := range c.Profiles {
		if p.ItemField == "" {
			p.ItemField = "item"
		}
		if p.StatusField == "" {
			p.StatusField = "status"
		}
		if p.DefaultCategory == "" {
			p.DefaultCategory = "error"
		}
		c.Profiles[name] = p
	}
	if c.Store.Path == "" {
		if dir, err := BaseDir(); err == nil {
			c.Store.Path = filepath.Join(dir, "batchwatch.db")
		} else {
			c.Store.Path = "batchwatch.db"
		}
	}
	if c.Store.MaxResults == 0 {
		c.Store.MaxResults = 10000
	}
	if c.Mask.KeepPrefix == 0 && c.Mask.KeepSuffix == 0 {
		c.Mask.KeepPrefix = 6
		c.Mask.KeepSuffix = 4
	}
	if c.Mask.Replacement == "" {
		c.Mask.Replacement = "*"
	}
	if len(c.Mask.Fields) == 0 {
		c.Mask.Fields = []string{"item", "card", "key", "cvv", "cvc", "exp", "token", "secret"}
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 120
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func builtinProfiles() map[string]ProfileConfig {
	return map[string]ProfileConfig{
		"default": {
			Categories: map[string]string{
				"approved": "approved",
				"declined": "declined",
				"error":    "error",
			},
		},
		"lenient": {
			Categories: map[string]string{
				"approved":  "approved",
				"challenge": "approved",
				"declined":  "declined",
				"error":     "error",
			},
		},
		"strict": {
			Categories: map[string]string{
				"approved":  "approved",
				"challenge": "error",
				"declined":  "declined",
				"error":     "error",
			},
		},
	}
}

func (c *Config) Validate() error {
	if c.Batch.FlushMaxItems < 1 {
		return errors.New("batch.flush_max_items must be positive")
	}
	if c.Batch.FlushInterval < 0 {
		return errors.New("batch.flush_interval cannot be negative")
	}
	if _, ok := c.Profiles[c.Batch.Profile]; !ok {
		return fmt.Errorf("batch.profile %q is not defined", c.Batch.Profile)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path cannot be empty")
	}
	return nil
}

// ValidateRun enforces run-specific requirements.
func (c *Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url cannot be empty")
	}
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url %q is not an absolute url", c.Backend.BaseURL)
	}
	return nil
}

func joinURL(base, p string) string {
	if p == "" {
		return base
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(p, "/")
}

func applyEnvOverrides(c *Config) {
	setString(&c.Backend.BaseURL, "BATCHWATCH_BACKEND_BASE_URL")
	setString(&c.Backend.APIKey, "BATCHWATCH_BACKEND_API_KEY")
	setString(&c.Backend.StartPath, "BATCHWATCH_BACKEND_START_PATH")
	setString(&c.Backend.StopPath, "BATCHWATCH_BACKEND_STOP_PATH")
	setInt(&c.Batch.MaxItems, "BATCHWATCH_BATCH_MAX_ITEMS")
	setString(&c.Batch.Profile, "BATCHWATCH_BATCH_PROFILE")
	setString(&c.Store.Path, "BATCHWATCH_STORE_PATH")
	setInt(&c.Store.MaxResults, "BATCHWATCH_STORE_MAX_RESULTS")
	setString(&c.Server.Host, "BATCHWATCH_SERVER_HOST")
	setInt(&c.Server.Port, "BATCHWATCH_SERVER_PORT")
	setString(&c.Log.Level, "BATCHWATCH_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
