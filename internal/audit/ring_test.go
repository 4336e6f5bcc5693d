package audit

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ppiankov/voxgate/internal/model"
)

func numbered(i int) Entry {
	return Entry{Event: EventValidated, Verdict: VerdictAllow, Reason: fmt.Sprintf("n%d", i)}
}

func TestRingEvictsOldestAtCapacity(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 4; i++ {
		r.Record(numbered(i))
	}

	got := r.Recent(3)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"n1", "n2", "n3"} {
		if got[i].Reason != want {
			t.Errorf("position %d: expected %s, got %s", i, want, got[i].Reason)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
}

func TestRingRecentLimit(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Record(numbered(i))
	}

	got := r.Recent(2)
	if len(got) != 2 || got[0].Reason != "n3" || got[1].Reason != "n4" {
		t.Fatalf("expected [n3 n4], got %+v", got)
	}
	if all := r.Recent(0); len(all) != 5 {
		t.Fatalf("expected all 5 entries for limit 0, got %d", len(all))
	}
	if over := r.Recent(50); len(over) != 5 {
		t.Fatalf("expected 5 entries for oversized limit, got %d", len(over))
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	if c := NewRing(0).Capacity(); c != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, c)
	}
}

func TestRingStampsEntries(t *testing.T) {
	r := NewRing(2)
	r.Record(Entry{Event: EventViolation})
	e := r.Recent(1)[0]
	if e.ID == "" || e.Timestamp == "" {
		t.Fatalf("expected stamped entry, got %+v", e)
	}
}

func TestRingRecentReturnsCopies(t *testing.T) {
	r := NewRing(2)
	r.Record(numbered(1))
	got := r.Recent(1)
	got[0].Reason = "mutated"
	if r.Recent(1)[0].Reason != "n1" {
		t.Fatal("stored entry must not change through returned slice")
	}
}

func TestRingConcurrentRecord(t *testing.T) {
	r := NewRing(50)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Record(numbered(i))
		}(i)
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Fatalf("expected ring to stay at capacity 50, got %d", r.Len())
	}
}

func TestRingCapacityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ring keeps the last capacity inserts in order", prop.ForAll(
		func(capacity, inserts int) bool {
			r := NewRing(capacity)
			for i := 0; i < inserts; i++ {
				r.Record(numbered(i))
			}

			got := r.Recent(capacity)
			want := inserts
			if want > capacity {
				want = capacity
			}
			if len(got) != want || r.Len() > capacity {
				return false
			}
			first := inserts - want
			for i, e := range got {
				if e.Reason != fmt.Sprintf("n%d", first+i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 40),
		gen.IntRange(0, 120),
	))

	properties.TestingRun(t)
}

func TestSummarizeCopiesTargets(t *testing.T) {
	cmd := model.Command{Domain: "lock", Action: "unlock", Target: model.Target{"lock.front_door"}}
	s := Summarize(cmd)
	cmd.Target[0] = "lock.back_door"
	if s.Targets[0] != "lock.front_door" {
		t.Fatal("summary must not alias the command target")
	}
}
