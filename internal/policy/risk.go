package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ppiankov/voxgate/internal/model"
)

// Risk names one reason a command is classified as high-risk.
type Risk string

const (
	RiskDomain        Risk = "high_impact_domain"
	RiskAction        Risk = "high_impact_action"
	RiskWildcard      Risk = "wildcard_target"
	RiskFanOut        Risk = "too_many_targets"
	RiskOutOfSafeBand Risk = "parameter_out_of_safe_band"
)

// highImpactDomains covers access control, locking, enclosures, climate and cleaning schedules.
var highImpactDomains = map[string]bool{
	"alarm_control_panel": true,
	"lock":                true,
	"cover":               true,
	"climate":             true,
	"vacuum":              true,
}

// highImpactActions covers power-off, unlock, open-enclosure and disarm.
var highImpactActions = map[string]bool{
	"turn_off":     true,
	"unlock":       true,
	"open_cover":   true,
	"alarm_disarm": true,
}

// bandedParams are set-point parameters checked against the safe band.
var bandedParams = []string{"temperature", "target_temp_high", "target_temp_low"}

// IsHighImpactDomain reports whether every command in the domain is high-risk.
func IsHighImpactDomain(domain string) bool {
	return highImpactDomains[normalize(domain)]
}

// IsHighImpactAction reports whether the action is high-risk in any domain.
func IsHighImpactAction(action string) bool {
	return highImpactActions[normalize(action)]
}

// Classify returns every risk that applies to the command. An empty result
// means the command is routine.
func Classify(cmd model.Command, cfg *Config) []Risk {
	var risks []Risk
	if IsHighImpactDomain(cmd.Domain) {
		risks = append(risks, RiskDomain)
	}
	if IsHighImpactAction(cmd.Action) {
		risks = append(risks, RiskAction)
	}
	if cmd.Target.IsWildcard() {
		risks = append(risks, RiskWildcard)
	} else if len(cmd.Target) > cfg.MaxTargets {
		risks = append(risks, RiskFanOut)
	}
	if len(outOfBand(cmd.Params, cfg.SafeBand)) > 0 {
		risks = append(risks, RiskOutOfSafeBand)
	}
	return risks
}

// outOfBand returns the banded parameters whose numeric value lies outside the band, sorted.
// Non-numeric values are ignored here; the controller rejects them.
func outOfBand(params map[string]any, band SafeBand) []string {
	var names []string
	for _, name := range bandedParams {
		raw, ok := params[name]
		if !ok {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}
		if !band.Contains(v) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func formatNumber(v any) string {
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
