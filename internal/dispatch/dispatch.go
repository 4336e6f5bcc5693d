// Package dispatch routes proposed commands through the policy engine and,
// when allowed, to the controller.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/ppiankov/voxgate/internal/audit"
	"github.com/ppiankov/voxgate/internal/model"
	"github.com/ppiankov/voxgate/internal/policy"
	"github.com/ppiankov/voxgate/internal/protocol"
)

// Executor sends one request to the controller and waits for its result.
// *protocol.Client implements it.
type Executor interface {
	Execute(ctx context.Context, payload protocol.Payload, timeout time.Duration) (json.RawMessage, error)
}

// Policy decides whether commands and state reads are permitted.
// *policy.Engine implements it.
type Policy interface {
	Evaluate(cmd model.Command) policy.Verdict
	Permits(entityID string) (bool, policy.DenialReason)
	Hash() string
}

// Options configures a Dispatcher.
type Options struct {
	// RequestTimeout is passed to the executor; zero uses its default.
	RequestTimeout time.Duration
	// RatePerSecond limits executions after policy approval; zero disables.
	RatePerSecond float64
	Burst         int

	Meter    metric.Meter
	Recorder audit.Recorder
	Logger   *slog.Logger
}

// Dispatcher is the single entry point for device-affecting commands.
type Dispatcher struct {
	policy   Policy
	exec     Executor
	timeout  time.Duration
	limiter  *rate.Limiter
	recorder audit.Recorder
	logger   *slog.Logger

	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a dispatcher. The recorder should be the one the policy engine
// writes to so that verdicts and execution results share one trail.
func New(p Policy, exec Executor, opts Options) (*Dispatcher, error) {
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("github.com/ppiankov/voxgate/internal/dispatch")
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = audit.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		policy:   p,
		exec:     exec,
		timeout:  opts.RequestTimeout,
		recorder: recorder,
		logger:   logger.With("component", "dispatch"),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	var err error
	d.outcomes, err = meter.Int64Counter("voxgate.dispatch.outcomes",
		metric.WithDescription("Dispatched commands by outcome"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create outcome counter: %w", err)
	}
	d.duration, err = meter.Float64Histogram("voxgate.dispatch.duration",
		metric.WithDescription("Time from dispatch to outcome in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return d, nil
}

// Dispatch evaluates cmd and executes it if the policy allows.
// Denied and unconfirmed high-risk commands never reach the controller.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd model.Command) model.Outcome {
	start := time.Now()
	var out model.Outcome

	switch v := d.policy.Evaluate(cmd).(type) {
	case policy.Deny:
		out = model.Outcome{
			ErrorKind:    model.KindPolicyDenied,
			Message:      v.Detail,
			DenialReason: string(v.Reason),
		}
	case policy.NeedsConfirmation:
		out = model.Outcome{
			ErrorKind: model.KindConfirmationRequired,
			Message:   "confirmation required",
			Prompt:    v.Prompt,
		}
	case policy.Allow:
		out = d.execute(ctx, cmd, v)
	default:
		out = model.Failed(model.KindInternal, fmt.Sprintf("unknown verdict %T", v))
	}

	d.observe(ctx, "call_service", cmd.Domain, out, start)
	d.logger.Info("command dispatched",
		"command", cmd.Summary(),
		"confirmed", cmd.Confirmed,
		"success", out.Success,
		"error_kind", string(out.ErrorKind),
		"duration", time.Since(start),
	)
	return out
}

func (d *Dispatcher) execute(ctx context.Context, cmd model.Command, allow policy.Allow) model.Outcome {
	if d.limiter != nil && !d.limiter.Allow() {
		out := model.Failed(model.KindRateLimited, "dispatch rate limit exceeded")
		d.recordExecution(cmd, out)
		return out
	}

	res, err := d.exec.Execute(ctx, CallService(cmd, allow.Targets), d.timeout)
	var out model.Outcome
	if err != nil {
		out = Classify(err)
	} else {
		out = model.Succeeded(res)
	}
	d.recordExecution(cmd, out)
	return out
}

// EntityState returns the controller's current state object for one entity.
// Reads are checked against the allow-lists but are not audited.
func (d *Dispatcher) EntityState(ctx context.Context, entityID string) model.Outcome {
	start := time.Now()
	out := d.entityState(ctx, entityID)
	domain, _, _ := strings.Cut(entityID, ".")
	d.observe(ctx, "get_states", domain, out, start)
	return out
}

func (d *Dispatcher) entityState(ctx context.Context, entityID string) model.Outcome {
	entityID = policy.SanitizeID(entityID)
	if ok, reason := d.policy.Permits(entityID); !ok {
		return model.Outcome{
			ErrorKind:    model.KindPolicyDenied,
			Message:      fmt.Sprintf("reading %q is not allowed", entityID),
			DenialReason: string(reason),
		}
	}

	res, err := d.exec.Execute(ctx, protocol.Payload{"type": protocol.TypeGetStates}, d.timeout)
	if err != nil {
		return Classify(err)
	}

	var states []json.RawMessage
	if err := json.Unmarshal(res, &states); err != nil {
		return model.Failed(model.KindInternal, fmt.Sprintf("decode states: %v", err))
	}
	for _, raw := range states {
		var s struct {
			EntityID string `json:"entity_id"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s.EntityID == entityID {
			return model.Succeeded(raw)
		}
	}
	return model.Failed(model.KindNotFound, fmt.Sprintf("entity %q not found", entityID))
}

// CallService builds the call_service request for cmd addressing targets.
func CallService(cmd model.Command, targets model.Target) protocol.Payload {
	p := protocol.Payload{
		"type":    protocol.TypeCallService,
		"domain":  cmd.Domain,
		"service": cmd.Action,
	}
	switch len(targets) {
	case 0:
	case 1:
		p["target"] = map[string]any{"entity_id": targets[0]}
	default:
		p["target"] = map[string]any{"entity_id": []string(targets)}
	}
	if len(cmd.Params) > 0 {
		data := make(map[string]any, len(cmd.Params))
		for k, v := range cmd.Params {
			data[k] = v
		}
		p["service_data"] = data
	}
	return p
}

// Classify maps an executor error to an outcome.
func Classify(err error) model.Outcome {
	var remote *protocol.RemoteError
	switch {
	case errors.Is(err, protocol.ErrConnectionNotReady):
		return model.Failed(model.KindConnectionNotReady, err.Error())
	case errors.Is(err, protocol.ErrConnectionLost):
		return model.Failed(model.KindConnectionLost, err.Error())
	case errors.Is(err, protocol.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.Failed(model.KindRequestTimeout, err.Error())
	case errors.As(err, &remote):
		return model.Failed(model.KindRemoteRejected, remote.Error())
	default:
		return model.Failed(model.KindInternal, err.Error())
	}
}

func (d *Dispatcher) recordExecution(cmd model.Command, out model.Outcome) {
	entry := audit.Entry{
		Event:      audit.EventExecuted,
		Command:    audit.Summarize(cmd),
		Verdict:    audit.VerdictOK,
		Confirmed:  cmd.Confirmed,
		PolicyHash: d.policy.Hash(),
	}
	if !out.Success {
		entry.Event = audit.EventExecutionFailed
		entry.Verdict = audit.VerdictError
		entry.Reason = string(out.ErrorKind) + ": " + out.Message
	}
	d.recorder.Record(entry)
}

func (d *Dispatcher) observe(ctx context.Context, operation, domain string, out model.Outcome, start time.Time) {
	result := "success"
	if !out.Success {
		result = string(out.ErrorKind)
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("domain", domain),
		attribute.String("outcome", result),
	)
	d.outcomes.Add(ctx, 1, attrs)
	d.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}
