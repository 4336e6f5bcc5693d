package policy

import (
	"strings"

	"github.com/ppiankov/voxgate/internal/audit"
	"github.com/ppiankov/voxgate/internal/model"
)

// DenialReason names the rule a denied command failed.
type DenialReason string

const (
	DenyDomainNotAllowed DenialReason = "domain_not_allowed"
	DenyEntityNotAllowed DenialReason = "entity_not_allowed"
	DenyInvalidCommand   DenialReason = "invalid_command"
)

// Verdict is the engine's decision for one command.
// It is exactly one of Allow, Deny or NeedsConfirmation.
type Verdict interface {
	// Allowed reports whether the command may be executed.
	Allowed() bool
	label() string
}

// Allow permits execution against the sanitized targets.
type Allow struct {
	Targets   model.Target
	HighRisk  bool
	Confirmed bool
}

// Deny refuses the command outright.
type Deny struct {
	Reason DenialReason
	Detail string
}

// NeedsConfirmation refuses the command until it is resubmitted with Confirmed set.
type NeedsConfirmation struct {
	Prompt string
	Risks  []Risk
}

func (Allow) Allowed() bool             { return true }
func (Deny) Allowed() bool              { return false }
func (NeedsConfirmation) Allowed() bool { return false }

func (Allow) label() string             { return audit.VerdictAllow }
func (Deny) label() string              { return audit.VerdictDeny }
func (NeedsConfirmation) label() string { return audit.VerdictConfirm }

// SanitizedTargetID returns the sanitized targets joined by commas.
func (a Allow) SanitizedTargetID() string {
	return strings.Join(a.Targets, ",")
}

// Label returns the audit label of a verdict: allow, deny or confirm.
func Label(v Verdict) string {
	return v.label()
}
