package model

import "encoding/json"

// ErrorKind classifies why a dispatch did not succeed.
type ErrorKind string

const (
	KindPolicyDenied         ErrorKind = "policy_denied"
	KindConfirmationRequired ErrorKind = "confirmation_required"
	KindConnectionNotReady   ErrorKind = "connection_not_ready"
	KindConnectionLost       ErrorKind = "connection_lost"
	KindRequestTimeout       ErrorKind = "request_timeout"
	KindRemoteRejected       ErrorKind = "remote_rejected"
	KindNotFound             ErrorKind = "not_found"
	KindRateLimited          ErrorKind = "rate_limited"
	KindInternal             ErrorKind = "internal"
)

// Retryable reports whether the caller may retry after the cause clears.
// Policy denials and remote rejections are final.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConnectionNotReady, KindConnectionLost, KindRequestTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}

// NotPermitted reports whether the kind is a policy outcome rather than an execution failure.
func (k ErrorKind) NotPermitted() bool {
	return k == KindPolicyDenied || k == KindConfirmationRequired
}

// Outcome is the uniform result handed back to the function-call source.
type Outcome struct {
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	Message      string          `json:"message,omitempty"`
	Prompt       string          `json:"prompt,omitempty"`
	DenialReason string          `json:"denial_reason,omitempty"`
}

// Succeeded builds a success outcome.
func Succeeded(result json.RawMessage) Outcome {
	return Outcome{Success: true, Result: result}
}

// Failed builds a failure outcome.
func Failed(kind ErrorKind, message string) Outcome {
	return Outcome{ErrorKind: kind, Message: message}
}
