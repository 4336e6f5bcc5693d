package policy

import (
	"fmt"
	"strings"

	"github.com/ppiankov/voxgate/internal/model"
)

// actionPhrases maps service names to the verb phrase spoken in prompts.
var actionPhrases = map[string]string{
	"turn_off":        "turn off",
	"turn_on":         "turn on",
	"unlock":          "unlock",
	"lock":            "lock",
	"open_cover":      "open",
	"close_cover":     "close",
	"alarm_disarm":    "disarm",
	"alarm_arm_away":  "arm",
	"set_temperature": "set the temperature of",
	"start":           "start",
}

// Prompt builds the confirmation question for a high-risk command.
// A single target is named; a wildcard or several targets are counted per domain.
func Prompt(cmd model.Command, cfg *Config) string {
	verb := actionPhrase(cmd.Action)
	domain := strings.ReplaceAll(cmd.Domain, "_", " ")

	var subject string
	switch {
	case cmd.Target.IsWildcard():
		subject = fmt.Sprintf("all %s devices", domain)
	case len(cmd.Target) == 1:
		subject = FriendlyName(cmd.Target[0])
	case len(cmd.Target) > 1:
		subject = fmt.Sprintf("%d %s devices", len(cmd.Target), domain)
	default:
		subject = fmt.Sprintf("the %s system", domain)
	}

	prompt := fmt.Sprintf("Please confirm: %s %s", verb, subject)
	if names := outOfBand(cmd.Params, cfg.SafeBand); len(names) > 0 {
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s %s", strings.ReplaceAll(name, "_", " "), formatNumber(cmd.Params[name])))
		}
		prompt += fmt.Sprintf(" with %s, outside the safe range %s to %s",
			strings.Join(parts, " and "), formatNumber(cfg.SafeBand.Min), formatNumber(cfg.SafeBand.Max))
	}
	return prompt + "?"
}

// FriendlyName turns an entity id such as "lock.front_door" into "front door".
func FriendlyName(entityID string) string {
	name := entityID
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	if name == "" {
		return entityID
	}
	return name
}

func actionPhrase(action string) string {
	if p, ok := actionPhrases[normalize(action)]; ok {
		return p
	}
	return strings.ReplaceAll(action, "_", " ")
}
