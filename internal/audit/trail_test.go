package audit

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestTrailMirrorsToSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trail.jsonl")
	sink, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	trail := NewTrail(2, sink)

	for i := 0; i < 3; i++ {
		trail.Record(numbered(i))
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := trail.Recent(10); len(got) != 2 {
		t.Fatalf("expected ring to hold 2 entries, got %d", len(got))
	}

	result := Verify(path)
	if !result.Valid || result.Lines != 3 {
		t.Fatalf("expected 3 chained lines on disk, got %+v", result)
	}

	onDisk, err := ReadTail(path, 1)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	inMemory := trail.Recent(1)
	if onDisk[0].ID != inMemory[0].ID {
		t.Fatalf("expected same entry id on disk and in memory, got %s vs %s", onDisk[0].ID, inMemory[0].ID)
	}
}

func TestTrailWithoutSink(t *testing.T) {
	trail := NewTrail(5, nil)
	trail.Record(numbered(1))
	if trail.Capacity() != 5 {
		t.Fatalf("expected capacity 5, got %d", trail.Capacity())
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("Close without sink: %v", err)
	}
}

func TestFormatTimeline(t *testing.T) {
	entries := []Entry{
		{Timestamp: "2026-10-18T09:00:00.000Z", Event: EventConfirmationRequired, Verdict: VerdictConfirm,
			Command: CommandSummary{Domain: "lock", Action: "unlock", Targets: []string{"lock.front_door"}}},
		{Timestamp: "2026-10-18T09:00:05.000Z", Event: EventConfirmationHonored, Verdict: VerdictAllow, Confirmed: true,
			Command: CommandSummary{Domain: "lock", Action: "unlock", Targets: []string{"lock.front_door"}}},
	}

	out := FormatTimeline(entries)
	for _, want := range []string{"2026-10-18 09:00:00", "CONFIRM", "lock.unlock", "[confirmed]", "1 allow, 1 confirm"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected timeline to contain %q:\n%s", want, out)
		}
	}
	if FormatTimeline(nil) != "No audit entries.\n" {
		t.Error("expected empty message for no entries")
	}
}
