package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models signoff.yml.
type Config struct {
	Engine struct {
		AgreementPolicy string `yaml:"agreement_policy"`
		MaxRetries      int    `yaml:"max_retries"`
	} `yaml:"engine"`
	Hierarchy     HierarchyConfig     `yaml:"hierarchy"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Database      DatabaseConfig      `yaml:"database"`
	Log           LogConfig           `yaml:"log"`
	Server        ServerConfig        `yaml:"server"`
}

type HierarchyConfig struct {
	MaxDepth         int      `yaml:"max_depth"`
	ApproverLevels   int      `yaml:"approver_levels"`
	MinApproverLevel int      `yaml:"min_approver_level"`
	ApproverRoles    []string `yaml:"approver_roles"`
}

type SchedulerConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Sweep   string `yaml:"sweep"`
}

// IsEnabled reports whether deferred approvals are armed; unset means on.
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

type NotificationsConfig struct {
	PollIntervalMS int             `yaml:"poll_interval_ms"`
	BatchSize      int             `yaml:"batch_size"`
	LogEvents      bool            `yaml:"log_events"`
	Webhooks       []WebhookConfig `yaml:"webhooks"`
	NATS           NATSConfig      `yaml:"nats"`
}

type WebhookConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type NATSConfig struct {
	URL           string   `yaml:"url"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	Events        []string `yaml:"events"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with so config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Engine.AgreementPolicy {
	case "blocking", "advisory":
	default:
		return fmt.Errorf("config.engine.agreement_policy must be blocking or advisory")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("config.engine.max_retries must be >= 0")
	}
	if c.Hierarchy.MaxDepth <= 0 {
		return fmt.Errorf("config.hierarchy.max_depth must be > 0")
	}
	if c.Hierarchy.ApproverLevels <= 0 {
		return fmt.Errorf("config.hierarchy.approver_levels must be > 0")
	}
	for _, role := range c.Hierarchy.ApproverRoles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("config.hierarchy.approver_roles contains empty role")
		}
	}
	if c.Scheduler.Sweep != "" {
		if _, err := cron.ParseStandard(c.Scheduler.Sweep); err != nil {
			return fmt.Errorf("config.scheduler.sweep: %w", err)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	switch c.Database.Driver {
	case "sqlite":
	case "pgx":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for driver pgx")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or pgx")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signoff.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Keys missing from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  # blocking: a rejected AGREEMENT stage rejects the request.
  # advisory: the rejection is recorded and routing continues.
  agreement_policy: blocking
  max_retries: 3

hierarchy:
  max_depth: 16
  approver_levels: 1
  min_approver_level: 2
  approver_roles: [manager]

scheduler:
  sweep: "@every 30s"

notifications:
  poll_interval_ms: 2000
  batch_size: 100
  log_events: false
  webhooks: []
  nats:
    url: ""
    subject_prefix: signoff

database:
  driver: sqlite
  dsn: ""

log:
  level: info
  format: json

server:
  addr: 127.0.0.1:8080
  base_path: /v1
`
