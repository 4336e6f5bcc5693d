package mcp

import (
	"context"
	"encoding/json"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/voxgate/internal/audit"
	"github.com/ppiankov/voxgate/internal/model"
)

// --- Input/Output types ---

// ControlInput defines parameters for the control_device tool.
type ControlInput struct {
	Domain    string         `json:"domain" jsonschema:"entity domain, e.g. light or lock"`
	Action    string         `json:"action" jsonschema:"service to call, e.g. turn_on or unlock"`
	EntityIDs []string       `json:"entity_ids,omitempty" jsonschema:"target entity ids, or [\"all\"] for every entity in the domain"`
	Params    map[string]any `json:"params,omitempty" jsonschema:"service data, e.g. brightness or temperature"`
	Confirmed bool           `json:"confirmed,omitempty" jsonschema:"set after the user confirmed a high-risk command"`
}

// EntityStateInput defines parameters for the entity_state tool.
type EntityStateInput struct {
	EntityID string `json:"entity_id" jsonschema:"entity id, e.g. sensor.hall_temperature"`
}

// OutcomeOutput is the result of control_device and entity_state.
type OutcomeOutput struct {
	Success      bool   `json:"success"`
	Result       any    `json:"result,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Message      string `json:"message,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	DenialReason string `json:"denial_reason,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

// RecentAuditInput defines parameters for the recent_audit tool.
type RecentAuditInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum entries to return, default 20"`
}

// RecentAuditOutput lists audit entries, most recent last.
type RecentAuditOutput struct {
	Entries []audit.Entry `json:"entries"`
}

const defaultAuditLimit = 20

// --- Handlers ---

func (s *Server) handleControl(ctx context.Context, req *mcpsdk.CallToolRequest, input ControlInput) (*mcpsdk.CallToolResult, OutcomeOutput, error) {
	cmd := model.Command{
		Domain:    strings.TrimSpace(input.Domain),
		Action:    strings.TrimSpace(input.Action),
		Target:    buildTarget(input.EntityIDs),
		Params:    input.Params,
		Confirmed: input.Confirmed,
	}

	out := toOutput(s.gateway.Dispatch(ctx, cmd))
	if !out.Success && out.ErrorKind != string(model.KindConfirmationRequired) {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleEntityState(ctx context.Context, req *mcpsdk.CallToolRequest, input EntityStateInput) (*mcpsdk.CallToolResult, OutcomeOutput, error) {
	out := toOutput(s.gateway.EntityState(ctx, strings.TrimSpace(input.EntityID)))
	if !out.Success {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleRecentAudit(ctx context.Context, req *mcpsdk.CallToolRequest, input RecentAuditInput) (*mcpsdk.CallToolResult, RecentAuditOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	entries := s.trail.Recent(limit)
	if entries == nil {
		entries = []audit.Entry{}
	}
	return nil, RecentAuditOutput{Entries: entries}, nil
}

// --- Helpers ---

func buildTarget(ids []string) model.Target {
	var out model.Target
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func toOutput(o model.Outcome) OutcomeOutput {
	out := OutcomeOutput{
		Success:      o.Success,
		ErrorKind:    string(o.ErrorKind),
		Message:      o.Message,
		Prompt:       o.Prompt,
		DenialReason: o.DenialReason,
		Retryable:    o.ErrorKind.Retryable(),
	}
	if len(o.Result) > 0 {
		var v any
		if err := json.Unmarshal(o.Result, &v); err == nil {
			out.Result = v
		} else {
			out.Result = string(o.Result)
		}
	}
	return out
}
