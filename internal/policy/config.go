package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SafeBand bounds numeric set-point parameters such as target temperature.
type SafeBand struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies within the band, inclusive.
func (b SafeBand) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Config holds the static policy the engine evaluates commands against.
type Config struct {
	AllowedDomains                 []string `yaml:"allowed_domains"`
	EntityAllowList                []string `yaml:"entity_allow_list"`
	RequireConfirmationForHighRisk bool     `yaml:"require_confirmation_for_high_risk"`
	SafeBand                       SafeBand `yaml:"safe_band"`
	MaxTargets                     int      `yaml:"max_targets"`
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() *Config {
	return &Config{
		AllowedDomains: []string{
			"light", "switch", "fan", "media_player", "scene",
			"climate", "cover", "lock", "vacuum",
		},
		EntityAllowList:                nil,
		RequireConfirmationForHighRisk: true,
		SafeBand:                       SafeBand{Min: 10, Max: 30},
		MaxTargets:                     5,
	}
}

// Validate checks the config for values the engine cannot evaluate against.
func (c *Config) Validate() error {
	var errs []error
	if len(c.AllowedDomains) == 0 {
		errs = append(errs, errors.New("allowed_domains must list at least one domain"))
	}
	for _, d := range c.AllowedDomains {
		if normalize(d) == "" {
			errs = append(errs, errors.New("allowed_domains contains an empty domain"))
			break
		}
	}
	for _, id := range c.EntityAllowList {
		if !strings.Contains(id, ".") {
			errs = append(errs, fmt.Errorf("entity_allow_list entry %q is not a domain.object_id", id))
		}
	}
	if c.SafeBand.Min > c.SafeBand.Max {
		errs = append(errs, fmt.Errorf("safe_band min %.1f exceeds max %.1f", c.SafeBand.Min, c.SafeBand.Max))
	}
	if c.MaxTargets < 1 {
		errs = append(errs, fmt.Errorf("max_targets must be at least 1, got %d", c.MaxTargets))
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	out := *c
	out.AllowedDomains = append([]string(nil), c.AllowedDomains...)
	out.EntityAllowList = append([]string(nil), c.EntityAllowList...)
	return &out
}

// Hash returns "sha256:<hex>" over the canonical YAML form of the config.
// Lists are sorted first so that ordering in the file does not change the hash.
func (c *Config) Hash() string {
	canon := c.Clone()
	sort.Strings(canon.AllowedDomains)
	sort.Strings(canon.EntityAllowList)
	data, err := yaml.Marshal(canon)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", canon))
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// ruleset is the compiled, immutable form of a Config that Evaluate reads.
type ruleset struct {
	cfg      *Config
	domains  map[string]struct{}
	entities map[string]struct{}
	hash     string
}

func compile(cfg *Config) *ruleset {
	rs := &ruleset{
		cfg:      cfg.Clone(),
		domains:  make(map[string]struct{}, len(cfg.AllowedDomains)),
		entities: make(map[string]struct{}, len(cfg.EntityAllowList)),
		hash:     cfg.Hash(),
	}
	for _, d := range cfg.AllowedDomains {
		rs.domains[normalize(d)] = struct{}{}
	}
	for _, id := range cfg.EntityAllowList {
		rs.entities[normalize(id)] = struct{}{}
	}
	return rs
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
