package policy

import (
	"strings"

	"github.com/ppiankov/voxgate/internal/model"
)

// shellMeta lists the characters stripped from target ids before execution.
const shellMeta = ";&|`$(){}[]\\"

// SanitizeID removes shell metacharacters and surrounding whitespace from one id.
func SanitizeID(id string) string {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(shellMeta, r) {
			return -1
		}
		return r
	}, id)
	return strings.TrimSpace(clean)
}

// SanitizeTarget sanitizes every id and drops ids left empty.
// Returns nil when nothing remains.
func SanitizeTarget(t model.Target) model.Target {
	if len(t) == 0 {
		return nil
	}
	out := make(model.Target, 0, len(t))
	for _, id := range t {
		if clean := SanitizeID(id); clean != "" {
			out = append(out, clean)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
