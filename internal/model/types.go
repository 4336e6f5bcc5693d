package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WildcardTarget addresses every entity in a domain.
const WildcardTarget = "all"

// Target is the set of entity ids a command acts on.
// A nil Target means the command names no entity.
type Target []string

// IsWildcard reports whether the target addresses every entity.
func (t Target) IsWildcard() bool {
	for _, id := range t {
		if strings.EqualFold(strings.TrimSpace(id), WildcardTarget) {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts null, a single id string or a list of ids.
func (t *Target) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*t = nil
		return nil
	}

	if strings.HasPrefix(trimmed, "\"") {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return fmt.Errorf("target: %w", err)
		}
		if strings.TrimSpace(id) == "" {
			*t = nil
			return nil
		}
		*t = Target{id}
		return nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("target must be a string or a list of strings: %w", err)
	}
	out := make(Target, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		*t = nil
		return nil
	}
	*t = out
	return nil
}

// MarshalJSON writes a single id as a string and several ids as a list.
func (t Target) MarshalJSON() ([]byte, error) {
	switch len(t) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(t[0])
	default:
		return json.Marshal([]string(t))
	}
}

// String joins the ids with commas.
func (t Target) String() string {
	return strings.Join(t, ",")
}

// Command is one proposed domain/action/target instruction.
// Values are copied on every modification; a Command is never mutated in place.
type Command struct {
	Domain    string         `json:"domain"`
	Action    string         `json:"action"`
	Target    Target         `json:"target,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Confirmed bool           `json:"confirmed"`
}

// WithConfirmed returns a copy of the command with the confirmed flag set.
func (c Command) WithConfirmed(confirmed bool) Command {
	out := c.clone()
	out.Confirmed = confirmed
	return out
}

// WithTarget returns a copy of the command addressing the given target.
func (c Command) WithTarget(target Target) Command {
	out := c.clone()
	out.Target = append(Target(nil), target...)
	return out
}

func (c Command) clone() Command {
	out := c
	if c.Target != nil {
		out.Target = append(Target(nil), c.Target...)
	}
	if c.Params != nil {
		out.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Summary renders the command as "domain.action -> targets" for logs and audit.
func (c Command) Summary() string {
	s := c.Domain + "." + c.Action
	if len(c.Target) > 0 {
		s += " -> " + c.Target.String()
	}
	return s
}
