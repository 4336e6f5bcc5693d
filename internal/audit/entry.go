package audit

import (
	"github.com/ppiankov/voxgate/internal/model"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Event tags what kind of decision an entry records.
type Event string

const (
	EventValidated            Event = "validated"
	EventViolation            Event = "violation"
	EventConfirmationRequired Event = "confirmation_required"
	EventConfirmationHonored  Event = "confirmation_honored"
	EventExecuted             Event = "executed"
	EventExecutionFailed      Event = "execution_failed"
)

// Verdict labels recorded in Entry.Verdict.
const (
	VerdictAllow   = "allow"
	VerdictDeny    = "deny"
	VerdictConfirm = "confirm"
	VerdictOK      = "ok"
	VerdictError   = "error"
)

// CommandSummary is the flattened command recorded in each audit entry.
type CommandSummary struct {
	Domain  string   `json:"domain"`
	Action  string   `json:"action"`
	Targets []string `json:"targets,omitempty"`
}

// Summarize flattens a command for the audit trail.
func Summarize(cmd model.Command) CommandSummary {
	s := CommandSummary{Domain: cmd.Domain, Action: cmd.Action}
	if len(cmd.Target) > 0 {
		s.Targets = append([]string(nil), cmd.Target...)
	}
	return s
}

// Entry is one authorization decision or execution result.
// All fields are structs (no map[string]any) to guarantee deterministic
// json.Marshal field order for reproducible hashing.
type Entry struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"ts"`
	Event      Event          `json:"event"`
	Command    CommandSummary `json:"command"`
	Verdict    string         `json:"verdict"`
	Reason     string         `json:"reason,omitempty"`
	Confirmed  bool           `json:"confirmed"`
	PolicyHash string         `json:"policy_hash,omitempty"`
	PrevHash   string         `json:"prev_hash,omitempty"`
}

// Recorder accepts audit entries. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(entry Entry)
}

// Discard is a Recorder that drops every entry.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(Entry) {}
