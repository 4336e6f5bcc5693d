package audit

import (
	"log/slog"
)

// Trail is the audit trail the gateway writes to: a bounded in-memory ring
// answering Recent queries, optionally mirrored to a durable hash-chained Log.
type Trail struct {
	ring   *Ring
	sink   *Log
	logger *slog.Logger
}

// NewTrail creates a trail with the given ring capacity. sink may be nil.
func NewTrail(capacity int, sink *Log) *Trail {
	return &Trail{
		ring:   NewRing(capacity),
		sink:   sink,
		logger: slog.Default().With("component", "audit"),
	}
}

// Record appends the entry to the ring and, if configured, the durable log.
// A sink failure is logged; the in-memory record is kept either way.
func (t *Trail) Record(entry Entry) {
	stamp(&entry)
	t.ring.Record(entry)
	if t.sink == nil {
		return
	}
	if err := t.sink.Append(entry); err != nil {
		t.logger.Error("audit sink write failed",
			"path", t.sink.Path(),
			"entry_id", entry.ID,
			"error", err,
		)
	}
}

// Recent returns up to limit entries, most recent last.
func (t *Trail) Recent(limit int) []Entry {
	return t.ring.Recent(limit)
}

// Capacity returns the in-memory ring capacity.
func (t *Trail) Capacity() int {
	return t.ring.Capacity()
}

// Close closes the durable sink if one is configured.
func (t *Trail) Close() error {
	if t.sink != nil {
		return t.sink.Close()
	}
	return nil
}
