package model

import (
	"encoding/json"
	"testing"
)

func TestTargetUnmarshalString(t *testing.T) {
	var cmd Command
	if err := json.Unmarshal([]byte(`{"domain":"lock","action":"unlock","target":"lock.front_door"}`), &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cmd.Target) != 1 || cmd.Target[0] != "lock.front_door" {
		t.Fatalf("expected single target, got %v", cmd.Target)
	}
}

func TestTargetUnmarshalList(t *testing.T) {
	var cmd Command
	if err := json.Unmarshal([]byte(`{"domain":"light","action":"turn_on","target":["light.a","","light.b"]}`), &cmd); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cmd.Target) != 2 {
		t.Fatalf("expected empty ids dropped, got %v", cmd.Target)
	}
}

func TestTargetUnmarshalAbsent(t *testing.T) {
	for _, raw := range []string{
		`{"domain":"scene","action":"turn_on"}`,
		`{"domain":"scene","action":"turn_on","target":null}`,
		`{"domain":"scene","action":"turn_on","target":""}`,
		`{"domain":"scene","action":"turn_on","target":[]}`,
	} {
		var cmd Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if cmd.Target != nil {
			t.Errorf("%s: expected nil target, got %v", raw, cmd.Target)
		}
	}
}

func TestTargetUnmarshalRejectsObjects(t *testing.T) {
	var cmd Command
	if err := json.Unmarshal([]byte(`{"domain":"light","action":"turn_on","target":{"id":1}}`), &cmd); err == nil {
		t.Fatal("expected error for object target")
	}
}

func TestTargetWildcard(t *testing.T) {
	if !(Target{"ALL"}).IsWildcard() {
		t.Error("expected ALL to be a wildcard")
	}
	if (Target{"light.all_lamps"}).IsWildcard() {
		t.Error("entity containing 'all' is not a wildcard")
	}
}

func TestTargetMarshalShape(t *testing.T) {
	one, _ := json.Marshal(Target{"light.a"})
	if string(one) != `"light.a"` {
		t.Errorf("expected string form, got %s", one)
	}
	many, _ := json.Marshal(Target{"light.a", "light.b"})
	if string(many) != `["light.a","light.b"]` {
		t.Errorf("expected list form, got %s", many)
	}
}

func TestWithConfirmedCopies(t *testing.T) {
	orig := Command{
		Domain: "climate",
		Action: "set_temperature",
		Target: Target{"climate.hall"},
		Params: map[string]any{"temperature": 21},
	}
	confirmed := orig.WithConfirmed(true)
	confirmed.Params["temperature"] = 35
	confirmed.Target[0] = "climate.other"

	if orig.Confirmed {
		t.Error("original must stay unconfirmed")
	}
	if orig.Params["temperature"] != 21 {
		t.Error("original params must not change")
	}
	if orig.Target[0] != "climate.hall" {
		t.Error("original target must not change")
	}
}

func TestErrorKindClassification(t *testing.T) {
	if !KindRequestTimeout.Retryable() || !KindConnectionLost.Retryable() {
		t.Error("transient kinds must be retryable")
	}
	if KindPolicyDenied.Retryable() || KindRemoteRejected.Retryable() {
		t.Error("final kinds must not be retryable")
	}
	if !KindConfirmationRequired.NotPermitted() || KindRemoteRejected.NotPermitted() {
		t.Error("only policy kinds are not-permitted outcomes")
	}
}
