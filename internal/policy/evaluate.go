package policy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/ppiankov/voxgate/internal/audit"
	"github.com/ppiankov/voxgate/internal/model"
)

// Engine evaluates commands against the current policy.
// It holds no per-command state; configuration is swapped atomically.
type Engine struct {
	rules    atomic.Pointer[ruleset]
	recorder audit.Recorder
	logger   *slog.Logger
}

// NewEngine creates an engine for cfg (nil means DefaultConfig) that records
// every verdict to recorder (nil discards).
func NewEngine(cfg *Config, recorder audit.Recorder) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	e := &Engine{
		recorder: recorder,
		logger:   slog.Default().With("component", "policy"),
	}
	if err := e.Update(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Update validates cfg and atomically replaces the active policy.
// Evaluations already running finish against the policy they started with.
func (e *Engine) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("invalid policy: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	rs := compile(cfg)
	if prev := e.rules.Swap(rs); prev != nil && prev.hash != rs.hash {
		e.logger.Info("policy updated", "previous_hash", prev.hash, "hash", rs.hash)
	}
	return nil
}

// Config returns a copy of the active policy.
func (e *Engine) Config() *Config {
	return e.rules.Load().cfg.Clone()
}

// Hash returns the hash of the active policy.
func (e *Engine) Hash() string {
	return e.rules.Load().hash
}

// Evaluate decides whether a command may run and records the decision.
//
// Evaluation order (must not be changed):
//  1. Domain check: deny, audited as violation
//  2. Entity check: deny, audited as violation (only with a non-empty allow-list)
//  3. Risk classification
//  4. High-risk without confirmation: needs confirmation, audited
//  5. High-risk with confirmation: allow, audited as confirmation honored
//  6. Otherwise: allow, audited as validated
//
// Targets are sanitized before the entity and risk checks; Allow carries
// the sanitized ids.
func (e *Engine) Evaluate(cmd model.Command) Verdict {
	rs := e.rules.Load()

	if strings.TrimSpace(cmd.Domain) == "" || strings.TrimSpace(cmd.Action) == "" {
		v := Deny{Reason: DenyInvalidCommand, Detail: "command must name a domain and an action"}
		e.record(rs, cmd, audit.EventViolation, v, string(v.Reason))
		return v
	}

	// Step 1: domain allow-list
	if _, ok := rs.domains[normalize(cmd.Domain)]; !ok {
		v := Deny{
			Reason: DenyDomainNotAllowed,
			Detail: fmt.Sprintf("domain %q is not allowed", cmd.Domain),
		}
		e.record(rs, cmd, audit.EventViolation, v, string(v.Reason))
		return v
	}

	// Every later step sees the ids that would reach the controller.
	target := SanitizeTarget(cmd.Target)
	if len(cmd.Target) > 0 && len(target) == 0 {
		v := Deny{Reason: DenyInvalidCommand, Detail: "target has no usable entity id"}
		e.record(rs, cmd, audit.EventViolation, v, string(v.Reason))
		return v
	}
	checked := cmd.WithTarget(target)

	// Step 2: entity allow-list; a wildcard is never listed
	if len(rs.entities) > 0 && len(target) > 0 {
		for _, id := range target {
			if _, ok := rs.entities[normalize(id)]; !ok {
				v := Deny{
					Reason: DenyEntityNotAllowed,
					Detail: fmt.Sprintf("entity %q is not allowed", id),
				}
				e.record(rs, cmd, audit.EventViolation, v, string(v.Reason))
				return v
			}
		}
	}

	// Step 3: risk classification
	risks := Classify(checked, rs.cfg)
	highRisk := len(risks) > 0

	// Step 4: confirmation gate
	if highRisk && rs.cfg.RequireConfirmationForHighRisk && !cmd.Confirmed {
		v := NeedsConfirmation{Prompt: Prompt(checked, rs.cfg), Risks: risks}
		e.record(rs, cmd, audit.EventConfirmationRequired, v, joinRisks(risks))
		return v
	}

	v := Allow{
		Targets:   target,
		HighRisk:  highRisk,
		Confirmed: cmd.Confirmed,
	}

	// Steps 5 and 6
	if highRisk && cmd.Confirmed {
		e.record(rs, cmd, audit.EventConfirmationHonored, v, joinRisks(risks))
	} else {
		e.record(rs, cmd, audit.EventValidated, v, "")
	}
	return v
}

// Permits reports whether a single entity may be read under the active policy.
// Unlike Evaluate it records nothing; reads do not change device state.
func (e *Engine) Permits(entityID string) (bool, DenialReason) {
	rs := e.rules.Load()

	domain, _, ok := strings.Cut(entityID, ".")
	if !ok || strings.TrimSpace(domain) == "" {
		return false, DenyInvalidCommand
	}
	if _, ok := rs.domains[normalize(domain)]; !ok {
		return false, DenyDomainNotAllowed
	}
	if len(rs.entities) > 0 {
		if _, ok := rs.entities[normalize(entityID)]; !ok {
			return false, DenyEntityNotAllowed
		}
	}
	return true, ""
}

func (e *Engine) record(rs *ruleset, cmd model.Command, event audit.Event, v Verdict, reason string) {
	e.recorder.Record(audit.Entry{
		Event:      event,
		Command:    audit.Summarize(cmd),
		Verdict:    v.label(),
		Reason:     reason,
		Confirmed:  cmd.Confirmed,
		PolicyHash: rs.hash,
	})
	e.logger.Debug("policy verdict",
		"command", cmd.Summary(),
		"event", string(event),
		"verdict", v.label(),
		"reason", reason,
	)
}

func joinRisks(risks []Risk) string {
	parts := make([]string, len(risks))
	for i, r := range risks {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}
