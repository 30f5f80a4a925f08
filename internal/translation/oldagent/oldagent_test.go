package oldagent

import (
	"encoding/json"
	"testing"
)

func TestConvertToOldAgentRequestInjectsID(t *testing.T) {
	a := NewAdapter("te", "c8y")
	payload, _ := json.Marshal(map[string]any{"status": "init", "foo": "bar"})
	out, err := a.Convert(Message{Topic: "te/device/main///cmd/restart/c1", Payload: payload})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == nil {
		t.Fatal("expected a converted message")
	}
	if out.Topic != "tedge/commands/req/control/restart" {
		t.Fatalf("unexpected topic: %s", out.Topic)
	}
	var got map[string]any
	if err := json.Unmarshal(out.Payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["id"] != "c1" {
		t.Fatalf("expected injected id c1, got %v", got["id"])
	}
	if _, hasStatus := got["status"]; hasStatus {
		t.Fatal("expected status field stripped")
	}
}

func TestConvertToOldAgentRequestIgnoresNonInit(t *testing.T) {
	a := NewAdapter("te", "c8y")
	payload, _ := json.Marshal(map[string]any{"status": "executing"})
	out, err := a.Convert(Message{Topic: "te/device/main///cmd/restart/c1", Payload: payload})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected non-init status to be ignored, got %+v", out)
	}
}

func TestConvertToOldAgentRequestIgnoresClear(t *testing.T) {
	a := NewAdapter("te", "c8y")
	out, err := a.Convert(Message{Topic: "te/device/main///cmd/restart/c1", Payload: nil})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected a clearing message to be ignored, got %+v", out)
	}
}

func TestConvertFromOldAgentResponseStampsPrefix(t *testing.T) {
	a := NewAdapter("te", "c8y")
	payload, _ := json.Marshal(map[string]any{"id": "42", "status": "successful"})
	out, err := a.Convert(Message{Topic: "tedge/commands/res/control/restart", Payload: payload})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == nil {
		t.Fatal("expected a converted message")
	}
	if want := "te/device/main///cmd/restart/c8y-mapper-42"; out.Topic != want {
		t.Fatalf("got topic %q want %q", out.Topic, want)
	}
	if !out.Retain {
		t.Fatal("expected the new-schema message to be retained")
	}
}

func TestConvertFromOldAgentResponseKeepsOwnPrefix(t *testing.T) {
	a := NewAdapter("te", "c8y")
	payload, _ := json.Marshal(map[string]any{"id": "c8y-mapper-42", "status": "successful"})
	out, err := a.Convert(Message{Topic: "tedge/commands/res/software/list", Payload: payload})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "te/device/main///cmd/software_list/c8y-mapper-42"; out.Topic != want {
		t.Fatalf("got topic %q want %q", out.Topic, want)
	}
}

func TestConvertIgnoresUnrelatedTopic(t *testing.T) {
	a := NewAdapter("te", "c8y")
	out, err := a.Convert(Message{Topic: "te/device/main/m/temperature", Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Fatalf("expected unrelated topic to be ignored, got %+v", out)
	}
}
