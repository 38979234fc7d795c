package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models steward.yml.
type Config struct {
	Site string `yaml:"site"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Abilities struct {
		Disabled []string `yaml:"disabled"`
	} `yaml:"abilities"`
	Approval struct {
		TTL           Duration `yaml:"ttl"`
		SweepInterval Duration `yaml:"sweep_interval"`
		Exemptions    []string `yaml:"exemptions"`
	} `yaml:"approval"`
	Circuit struct {
		FailureThreshold uint     `yaml:"failure_threshold"`
		OpenDuration     Duration `yaml:"open_duration"`
		Store            string   `yaml:"store"`
	} `yaml:"circuit"`
	Gateway struct {
		Backend  string   `yaml:"backend"`
		Model    string   `yaml:"model"`
		Endpoint string   `yaml:"endpoint"`
		APIKey   string   `yaml:"api_key"`
		Timeout  Duration `yaml:"timeout"`
		CacheTTL Duration `yaml:"cache_ttl"`
	} `yaml:"gateway"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Webhook    WebhookConfig `yaml:"webhook"`
	Governance struct {
		Interval       Duration              `yaml:"interval"`
		MaxRunDuration Duration              `yaml:"max_run_duration"`
		Parallelism    int                   `yaml:"parallelism"`
		Tasks          map[string]TaskConfig `yaml:"tasks"`
	} `yaml:"governance"`
	Flags     map[string]bool `yaml:"flags"`
	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		Insecure     bool   `yaml:"insecure"`
	} `yaml:"telemetry"`
	Logging struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"logging"`
}

type RBACRole struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
}

// TaskConfig overrides a governance task's catalog defaults.
type TaskConfig struct {
	Enabled       *bool          `yaml:"enabled"`
	MaxItems      int            `yaml:"max_items"`
	RatePerSecond float64        `yaml:"rate_per_second"`
	Options       map[string]any `yaml:"options"`
}

// Duration decodes Go duration strings such as "90s" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

var knownBackends = map[string]bool{"": true, "none": true, "gemini": true, "http": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Approval.TTL <= 0 {
		return fmt.Errorf("config.approval.ttl must be positive")
	}
	if c.Circuit.FailureThreshold == 0 {
		return fmt.Errorf("config.circuit.failure_threshold must be at least 1")
	}
	if c.Circuit.OpenDuration <= 0 {
		return fmt.Errorf("config.circuit.open_duration must be positive")
	}
	switch c.Circuit.Store {
	case "", "sqlite", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("config.circuit.store=redis requires config.redis.addr")
		}
	default:
		return fmt.Errorf("config.circuit.store must be one of sqlite, redis, memory")
	}
	if !knownBackends[c.Gateway.Backend] {
		return fmt.Errorf("config.gateway.backend %q is not supported", c.Gateway.Backend)
	}
	if c.Gateway.Backend == "http" && c.Gateway.Endpoint == "" {
		return fmt.Errorf("config.gateway.endpoint is required for the http backend")
	}
	if c.Gateway.Timeout < 0 || c.Webhook.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Governance.Parallelism < 0 {
		return fmt.Errorf("config.governance.parallelism must not be negative")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, capability := range role.Capabilities {
			if capability == "" {
				return fmt.Errorf("role %s has empty capability", roleID)
			}
		}
	}
	for i, expr := range c.Approval.Exemptions {
		if strings.TrimSpace(expr) == "" {
			return fmt.Errorf("config.approval.exemptions[%d] is empty", i)
		}
	}
	for key, task := range c.Governance.Tasks {
		if task.MaxItems < 0 {
			return fmt.Errorf("governance task %s: max_items must not be negative", key)
		}
		if task.RatePerSecond < 0 {
			return fmt.Errorf("governance task %s: rate_per_second must not be negative", key)
		}
	}
	return nil
}

// ApplyEnv fills secrets from the environment; env values win over the file.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("STEWARD_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := getenv("STEWARD_WEBHOOK_URL"); v != "" {
		c.Webhook.URL = v
	}
	if v := getenv("STEWARD_GATEWAY_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := getenv("STEWARD_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// Load reads config from the workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config on top of the defaults and validates it.
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

const defaultTemplate = `site: local

rbac:
  roles:
    administrator:
      description: "Full access, approves queued abilities"
      capabilities:
        - manage_options
        - edit_theme_options
        - edit_posts
        - edit_others_posts
        - publish_posts
        - use_ai
        - approve_abilities
        - read_audit
        - manage_governance
    editor:
      description: "Content editing"
      capabilities: [edit_posts, edit_others_posts, publish_posts, use_ai]
    author:
      description: "Own content only"
      capabilities: [edit_posts, use_ai]
    agent:
      description: "External AI agent"
      capabilities: [edit_posts, edit_theme_options, use_ai]

abilities:
  disabled: []

approval:
  ttl: 24h
  sweep_interval: 5m
  exemptions: []

circuit:
  failure_threshold: 3
  open_duration: 60s
  store: sqlite

gateway:
  backend: none
  model: gemini-2.0-flash
  timeout: 30s
  cache_ttl: 10m

redis:
  addr: ""
  db: 0

webhook:
  url: ""
  timeout: 5s

governance:
  interval: 1h
  max_run_duration: 2m
  parallelism: 2
  tasks:
    stale-content:
      enabled: true
      options:
        days: 180
    broken-links:
      enabled: true
      max_items: 200
      rate_per_second: 5
    content-digest:
      enabled: false
      max_items: 20
    pending-approvals:
      enabled: true
      options:
        older_than_hours: 12

flags: {}

telemetry:
  otlp_endpoint: ""
  insecure: false

logging:
  level: info
  development: false
`
