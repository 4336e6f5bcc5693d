// Package config loads the gateway configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/voxgate/internal/audit"
	"github.com/ppiankov/voxgate/internal/logging"
	"github.com/ppiankov/voxgate/internal/policy"
	"github.com/ppiankov/voxgate/internal/protocol"
)

// DefaultTokenEnv is read when no token is set in the file.
const DefaultTokenEnv = "VOXGATE_TOKEN"

// Controller describes how to reach and authenticate with the controller.
type Controller struct {
	Endpoint        string        `yaml:"endpoint"`
	Token           string        `yaml:"token,omitempty"`
	TokenEnv        string        `yaml:"token_env"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	SubscribeEvents []string      `yaml:"subscribe_events"`
}

// Audit configures the in-memory ring and the optional durable log.
type Audit struct {
	Capacity int    `yaml:"capacity"`
	Path     string `yaml:"path"`
}

// Server configures the status surface.
type Server struct {
	HealthAddr string `yaml:"health_addr"`
}

// Dispatch configures execution limits.
type Dispatch struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Config is the whole gateway configuration.
type Config struct {
	Controller Controller      `yaml:"controller"`
	Policy     policy.Config   `yaml:"policy"`
	Audit      Audit           `yaml:"audit"`
	Server     Server          `yaml:"server"`
	Dispatch   Dispatch        `yaml:"dispatch"`
	Log        logging.Options `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Controller: Controller{
			Endpoint:        "ws://homeassistant.local:8123/api/websocket",
			TokenEnv:        DefaultTokenEnv,
			RequestTimeout:  protocol.DefaultRequestTimeout,
			AuthTimeout:     protocol.DefaultAuthTimeout,
			SubscribeEvents: append([]string(nil), protocol.DefaultSubscribeEvents...),
		},
		Policy: *policy.DefaultConfig(),
		Audit: Audit{
			Capacity: audit.DefaultCapacity,
		},
		Server: Server{
			HealthAddr: "127.0.0.1:9090",
		},
		Log: logging.DefaultOptions(),
	}
}

// DefaultPath returns ~/.voxgate/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".voxgate", "config.yaml")
}

// Load reads path over the defaults, resolves the token from the
// environment and validates the result. An empty path means DefaultPath;
// a missing file yields the defaults.
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
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if cfg.Controller.Token == "" && cfg.Controller.TokenEnv != "" {
		cfg.Controller.Token = os.Getenv(cfg.Controller.TokenEnv)
	}

	if err := cfg.Validate(time.Now()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPolicy loads only the policy section, for hot reload.
func LoadPolicy(path string) (*policy.Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var doc struct {
		Policy *policy.Config `yaml:"policy"`
	}
	doc.Policy = policy.DefaultConfig()
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	// "policy:" with no value decodes to nil; keep the running policy rather than guess.
	if doc.Policy == nil {
		return nil, fmt.Errorf("config %s: policy section is empty", path)
	}
	if err := doc.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return doc.Policy, nil
}

// Validate checks every section. now is used to reject expired tokens.
func (c *Config) Validate(now time.Time) error {
	var errs []error

	u, err := url.Parse(c.Controller.Endpoint)
	switch {
	case c.Controller.Endpoint == "":
		errs = append(errs, errors.New("controller.endpoint is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("controller.endpoint: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "tcp":
		errs = append(errs, fmt.Errorf("controller.endpoint scheme must be ws, wss or tcp, got %q", u.Scheme))
	}
	if c.Controller.RequestTimeout <= 0 {
		errs = append(errs, errors.New("controller.request_timeout must be positive"))
	}
	if c.Controller.AuthTimeout <= 0 {
		errs = append(errs, errors.New("controller.auth_timeout must be positive"))
	}
	if c.Controller.Token != "" {
		if err := CheckToken(c.Controller.Token, now); err != nil {
			errs = append(errs, fmt.Errorf("controller token: %w", err))
		}
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if c.Audit.Capacity < 1 {
		errs = append(errs, fmt.Errorf("audit.capacity must be at least 1, got %d", c.Audit.Capacity))
	}
	if c.Dispatch.RatePerSecond < 0 {
		errs = append(errs, errors.New("dispatch.rate_per_second must not be negative"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}

// Marshal renders the config as YAML, omitting the token.
func (c *Config) Marshal() ([]byte, error) {
	out := *c
	out.Controller.Token = ""
	return yaml.Marshal(&out)
}
