package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/getathos/athos-agent/internal/notify"
)

// Backend base URLs per environment.
var environments = map[string]string{
	"development": "http://localhost:5001",
	"production":  "https://api.getathos.com",
}

// Remote-consult fail modes.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// GeoConfig controls the public IP / geolocation lookup.
type GeoConfig struct {
	Enabled bool          `yaml:"enabled" envconfig:"ENABLED"`
	URL     string        `yaml:"url"     envconfig:"URL"`
	TTL     time.Duration `yaml:"ttl"     envconfig:"TTL"`
}

// MirrorConfig enables mirroring audit events to Kafka. Empty brokers disable it.
type MirrorConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"BROKERS"`
	Topic   string   `yaml:"topic"   envconfig:"TOPIC"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level"       envconfig:"LEVEL"`
	Development bool   `yaml:"development" envconfig:"DEV"`
}

// Config holds all agent configuration.
type Config struct {
	Environment string `yaml:"environment" envconfig:"ENV"`
	APIURL      string `yaml:"api_url"     envconfig:"API_URL"`
	DataDir     string `yaml:"data_dir"    envconfig:"DATA_DIR"`
	Listen      string `yaml:"listen"      envconfig:"LISTEN"`
	GRPCListen  string `yaml:"grpc_listen" envconfig:"GRPC_LISTEN"`
	ProxyListen string `yaml:"proxy_listen" envconfig:"PROXY_LISTEN"`
	BlockPage   string `yaml:"block_page"  envconfig:"BLOCK_PAGE"`
	UserAgent   string `yaml:"user_agent"  envconfig:"USER_AGENT"`

	RequestTimeout     time.Duration `yaml:"request_timeout"       envconfig:"REQUEST_TIMEOUT"`
	PolicyRefresh      time.Duration `yaml:"policy_refresh"        envconfig:"POLICY_REFRESH"`
	ProhibitedRefresh  time.Duration `yaml:"prohibited_refresh"    envconfig:"PROHIBITED_REFRESH"`
	TimeOnPageInterval time.Duration `yaml:"time_on_page_interval" envconfig:"TIME_ON_PAGE_INTERVAL"`
	NotifyInterval     time.Duration `yaml:"notify_interval"       envconfig:"NOTIFY_INTERVAL"`

	GroupPrecedence bool   `yaml:"group_precedence" envconfig:"GROUP_PRECEDENCE"`
	RemoteFailMode  string `yaml:"remote_fail_mode" envconfig:"REMOTE_FAIL_MODE"`
	ProhibitedFile  string `yaml:"prohibited_file"  envconfig:"PROHIBITED_FILE"`

	InteractionRate  float64 `yaml:"interaction_rate"  envconfig:"INTERACTION_RATE"`
	InteractionBurst int     `yaml:"interaction_burst" envconfig:"INTERACTION_BURST"`

	Geo    GeoConfig              `yaml:"geo"    envconfig:"GEO"`
	Mirror MirrorConfig           `yaml:"mirror" envconfig:"MIRROR"`
	Log    LogConfig              `yaml:"log"    envconfig:"LOG"`
	Alerts []notify.WebhookConfig `yaml:"alerts" ignored:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment:        "production",
		DataDir:            defaultDataDir(),
		Listen:             "127.0.0.1:8765",
		GRPCListen:         "127.0.0.1:50061",
		BlockPage:          "blocked.html",
		UserAgent:          "athos-agent",
		RequestTimeout:     10 * time.Second,
		PolicyRefresh:      5 * time.Minute,
		ProhibitedRefresh:  time.Hour,
		TimeOnPageInterval: 5 * time.Minute,
		NotifyInterval:     time.Minute,
		GroupPrecedence:    true,
		RemoteFailMode:     FailOpen,
		InteractionRate:    2,
		InteractionBurst:   10,
		Geo: GeoConfig{
			Enabled: true,
			URL:     "https://ipapi.co/json/",
			TTL:     10 * time.Minute,
		},
		Mirror: MirrorConfig{Topic: "athos.audit"},
		Log:    LogConfig{Level: "info"},
	}
}

// DefaultPath returns ~/.athos/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads configuration from a YAML file and applies ATHOS_* environment
// overrides. Empty path falls back to DefaultPath. A missing file yields
// defaults; invalid YAML is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := envconfig.Process("athos", cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve fills derived fields and validates the result.
func (c *Config) resolve() error {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	if c.APIURL == "" {
		url, ok := environments[c.Environment]
		if !ok {
			return fmt.Errorf("unknown environment %q (want development or production)", c.Environment)
		}
		c.APIURL = url
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")

	c.RemoteFailMode = strings.ToLower(strings.TrimSpace(c.RemoteFailMode))
	switch c.RemoteFailMode {
	case "":
		c.RemoteFailMode = FailOpen
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("invalid remote_fail_mode %q (want open or closed)", c.RemoteFailMode)
	}

	if c.PolicyRefresh <= 0 {
		return fmt.Errorf("policy_refresh must be positive")
	}
	if c.ProhibitedRefresh <= 0 {
		return fmt.Errorf("prohibited_refresh must be positive")
	}
	if c.TimeOnPageInterval <= 0 {
		return fmt.Errorf("time_on_page_interval must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// FailClosed reports whether remote-consult errors should block.
func (c *Config) FailClosed() bool {
	return c.RemoteFailMode == FailClosed
}

// DBPath is the sqlite database holding local agent state.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "athos.db")
}

// AuditPath is the local hash-chained audit trail.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit.jsonl")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "athos")
	}
	return filepath.Join(home, ".athos")
}
