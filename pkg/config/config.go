package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the documented environment contract.
const (
	DefaultDatabasePath      = "stratumgate.db"
	DefaultProxyHost         = "0.0.0.0"
	DefaultPortRangeLo       = 4000
	DefaultPortRangeHi       = 4200
	DefaultSchedulerInterval = 60 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultAPIHost           = "127.0.0.1"
	DefaultAPIPort           = 8081
)

// PortRange is the inclusive range of tenant listening ports.
type PortRange struct {
	Lo int `yaml:"lo"`
	Hi int `yaml:"hi"`
}

// Contains reports whether p falls inside the range.
func (r PortRange) Contains(p int) bool {
	return p >= r.Lo && p <= r.Hi
}

// Config holds the full daemon configuration. Values come from an optional
// YAML file overridden by environment variables.
type Config struct {
	// DatabasePath is the bbolt database file (DATABASE_URL).
	DatabasePath string `yaml:"database_path"`

	// ProxyHost is the bind address for tenant listeners (PROXY_HOST).
	ProxyHost string `yaml:"proxy_host"`

	// PortRange is the allowed tenant port range (DEFAULT_PORT_RANGE).
	PortRange PortRange `yaml:"port_range"`

	// SchedulerInterval is the schedule-evaluation tick (SCHEDULER_CHECK_INTERVAL).
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`

	// DialTimeout bounds upstream pool dialling (UPSTREAM_DIAL_TIMEOUT).
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Control-plane HTTP surface (APP_API_HOST/PORT/TOKEN).
	APIHost  string `yaml:"api_host"`
	APIPort  int    `yaml:"api_port"`
	APIToken string `yaml:"api_token"`

	// Admin-client target for CLI subcommands (PROXY_API_HOST/PORT/TOKEN).
	ProxyAPIHost  string `yaml:"proxy_api_host"`
	ProxyAPIPort  int    `yaml:"proxy_api_port"`
	ProxyAPIToken string `yaml:"proxy_api_token"`

	// NotifyWebhookURL, when set, receives tenant notifications (NOTIFY_WEBHOOK_URL).
	NotifyWebhookURL string `yaml:"notify_webhook_url"`

	// LogLevel is one of debug, info, warn, error (LOG_LEVEL).
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabasePath:      DefaultDatabasePath,
		ProxyHost:         DefaultProxyHost,
		PortRange:         PortRange{Lo: DefaultPortRangeLo, Hi: DefaultPortRangeHi},
		SchedulerInterval: DefaultSchedulerInterval,
		DialTimeout:       DefaultDialTimeout,
		APIHost:           DefaultAPIHost,
		APIPort:           DefaultAPIPort,
		ProxyAPIHost:      DefaultAPIHost,
		ProxyAPIPort:      DefaultAPIPort,
		LogLevel:          "info",
	}
}

// Load builds the configuration from the optional YAML file at path (empty
// path skips the file) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("PROXY_HOST"); v != "" {
		c.ProxyHost = v
	}
	if v := os.Getenv("DEFAULT_PORT_RANGE"); v != "" {
		r, err := parsePortRange(v)
		if err != nil {
			return err
		}
		c.PortRange = r
	}
	if v := os.Getenv("SCHEDULER_CHECK_INTERVAL"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid SCHEDULER_CHECK_INTERVAL %q", v)
		}
		c.SchedulerInterval = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("UPSTREAM_DIAL_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid UPSTREAM_DIAL_TIMEOUT %q", v)
		}
		c.DialTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("APP_API_HOST"); v != "" {
		c.APIHost = v
	}
	if v := os.Getenv("APP_API_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid APP_API_PORT %q", v)
		}
		c.APIPort = p
	}
	if v := os.Getenv("APP_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("PROXY_API_HOST"); v != "" {
		c.ProxyAPIHost = v
	}
	if v := os.Getenv("PROXY_API_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PROXY_API_PORT %q", v)
		}
		c.ProxyAPIPort = p
	}
	if v := os.Getenv("PROXY_API_TOKEN"); v != "" {
		c.ProxyAPIToken = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		c.NotifyWebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	return nil
}

func (c *Config) validate() error {
	if c.PortRange.Lo <= 0 || c.PortRange.Hi > 65535 || c.PortRange.Lo > c.PortRange.Hi {
		return fmt.Errorf("invalid port range [%d, %d]", c.PortRange.Lo, c.PortRange.Hi)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	return nil
}

// APIAddr returns the control-plane listen address.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// ProxyAPIAddr returns the base URL the admin CLI talks to.
func (c *Config) ProxyAPIAddr() string {
	return fmt.Sprintf("http://%s:%d", c.ProxyAPIHost, c.ProxyAPIPort)
}

// parsePortRange accepts "4000-4200" or "4000,4200".
func parsePortRange(s string) (PortRange, error) {
	sep := "-"
	if strings.Contains(s, ",") {
		sep = ","
	}
	parts := strings.SplitN(s, sep, 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("invalid DEFAULT_PORT_RANGE %q, want \"lo-hi\"", s)
	}
	lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid DEFAULT_PORT_RANGE %q: %w", s, err)
	}
	hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid DEFAULT_PORT_RANGE %q: %w", s, err)
	}
	return PortRange{Lo: lo, Hi: hi}, nil
}
