package workflow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/edgestack/gateway/internal/workflow/definition"
	"github.com/edgestack/gateway/pkg/models"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	topic   string
	retain  bool
	payload []byte
}

func (f *fakePublisher) Publish(_ context.Context, topic string, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic, retain, append([]byte(nil), payload...)})
	return nil
}

func (f *fakePublisher) last() publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func (f *fakePublisher) statusOf(topic string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic != topic {
			continue
		}
		var m map[string]any
		if json.Unmarshal(f.published[i].payload, &m) != nil {
			continue
		}
		s, _ := m["status"].(string)
		return s
	}
	return ""
}

// lastPayloadOf returns the newest non-empty payload published on topic,
// skipping the empty retraction a clear action publishes last.
func (f *fakePublisher) lastPayloadOf(topic string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic && len(f.published[i].payload) > 0 {
			return f.published[i].payload
		}
	}
	return nil
}

type succeedingBuiltin struct{}

func (succeedingBuiltin) Dispatch(context.Context, models.CommandInstance) error { return nil }

func newEngine(t *testing.T) (*Engine, *fakePublisher) {
	t.Helper()
	reg := definition.NewRegistry(t.TempDir())
	pub := &fakePublisher{}
	return New("te", reg, pub, t.TempDir()), pub
}

func TestEngineBuiltinHappyPath(t *testing.T) {
	e, pub := newEngine(t)
	e.RegisterBuiltin("software_list", succeedingBuiltin{})

	topicStr := "te/device/main///cmd/software_list/c1"
	payload, _ := json.Marshal(map[string]any{"status": "init"})
	if err := e.HandleMessage(context.Background(), topicStr, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := pub.statusOf(topicStr); got != "successful" {
		t.Fatalf("expected final status successful, got %q", got)
	}
}

func TestEngineUnknownOperationFails(t *testing.T) {
	e, pub := newEngine(t)
	topicStr := "te/device/main///cmd/no-such-op/c1"
	payload, _ := json.Marshal(map[string]any{"status": "init"})
	if err := e.HandleMessage(context.Background(), topicStr, payload); err == nil {
		t.Fatal("expected error for unknown operation")
	}
	if got := pub.statusOf(topicStr); got != "failed" {
		t.Fatalf("expected failed status published, got %q", got)
	}
}

func TestEngineClearRetractsRetainedMessage(t *testing.T) {
	e, pub := newEngine(t)
	e.RegisterBuiltin("software_list", succeedingBuiltin{})

	topicStr := "te/device/main///cmd/software_list/c1"
	payload, _ := json.Marshal(map[string]any{"status": "init"})
	if err := e.HandleMessage(context.Background(), topicStr, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := pub.last()
	if last.topic != topicStr || len(last.payload) != 0 {
		t.Fatalf("expected a trailing empty-payload retraction on %s, got topic=%s payload=%q", topicStr, last.topic, last.payload)
	}

	e.mu.Lock()
	_, stillTracked := e.commands["c1"]
	e.mu.Unlock()
	if stillTracked {
		t.Fatal("expected command instance to be dropped after clear")
	}
}

func TestEngineRestartParksAtAwaitingRestart(t *testing.T) {
	e, pub := newEngine(t)
	e.RegisterBuiltin("restart", succeedingBuiltin{})

	topicStr := "te/device/main///cmd/restart/c1"
	payload, _ := json.Marshal(map[string]any{"status": "init"})
	if err := e.HandleMessage(context.Background(), topicStr, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := pub.statusOf(topicStr); got != "awaiting_restart" {
		t.Fatalf("expected restart to park at awaiting_restart pending the agent coming back, got %q", got)
	}
}

const waitRestartDefinition = `
operation: wait_restart
states:
  init:
    action: move-to
    next_state: rebooting
  rebooting:
    action: await-agent-restart
    on_success: successful
    on_error: failed
    timeout: 20ms
  successful:
    action: clear
  failed:
    action: clear
`

func TestEngineAwaitAgentRestartTimesOutWithoutRestart(t *testing.T) {
	defDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(defDir, "wait_restart.yaml"), []byte(waitRestartDefinition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	reg := definition.NewRegistry(defDir)
	pub := &fakePublisher{}
	e := New("te", reg, pub, t.TempDir())

	topicStr := "te/device/main///cmd/wait_restart/c1"
	payload, _ := json.Marshal(map[string]any{"status": "init"})
	if err := e.HandleMessage(context.Background(), topicStr, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if got := pub.statusOf(topicStr); got != "failed" {
		t.Fatalf("expected timeout to fail the command, got %q", got)
	}
}

const verifyScriptDefinition = `
operation: verify
states:
  init:
    action: move-to
    next_state: verifying
  verifying:
    action: script
    command: /usr/bin/false
    on_success: successful
    on_error: failed
  successful:
    action: clear
  failed:
    action: clear
`

func TestEngineScriptFailureReachesFailedWithExitCode(t *testing.T) {
	defDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(defDir, "verify.yaml"), []byte(verifyScriptDefinition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	reg := definition.NewRegistry(defDir)
	pub := &fakePublisher{}
	e := New("te", reg, pub, t.TempDir())

	topicStr := "te/device/main///cmd/verify/c1"
	payload, _ := json.Marshal(map[string]any{"status": "init"})
	if err := e.HandleMessage(context.Background(), topicStr, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := pub.statusOf(topicStr); got != "failed" {
		t.Fatalf("expected the failing script to reach the failed state, got %q", got)
	}
	var m map[string]any
	if err := json.Unmarshal(pub.lastPayloadOf(topicStr), &m); err != nil {
		t.Fatalf("unmarshal last published payload: %v", err)
	}
	exitCode, ok := m["exit_code"].(float64)
	if !ok || exitCode == 0 {
		t.Fatalf("expected a non-zero exit_code field in the terminal payload, got %v", m["exit_code"])
	}
}

const invalidStdoutScriptDefinition = `
operation: snapshot
states:
  init:
    action: move-to
    next_state: capturing
  capturing:
    action: script
    command: /bin/sh
    args: ["-c", "echo not-json"]
    on_success: successful
    on_error: failed
    output_excerpt: ["result"]
  successful:
    action: clear
  failed:
    action: clear
`

func TestEngineScriptInvalidJSONStdoutStillSucceedsWithUnchangedPayload(t *testing.T) {
	defDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(defDir, "snapshot.yaml"), []byte(invalidStdoutScriptDefinition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	reg := definition.NewRegistry(defDir)
	pub := &fakePublisher{}
	e := New("te", reg, pub, t.TempDir())

	topicStr := "te/device/main///cmd/snapshot/c1"
	payload, _ := json.Marshal(map[string]any{"status": "init"})
	if err := e.HandleMessage(context.Background(), topicStr, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := pub.statusOf(topicStr); got != "successful" {
		t.Fatalf("expected the on-success path despite non-JSON stdout, got %q", got)
	}
	var m map[string]any
	if err := json.Unmarshal(pub.lastPayloadOf(topicStr), &m); err != nil {
		t.Fatalf("unmarshal last published payload: %v", err)
	}
	if _, ok := m["result"]; ok {
		t.Fatal("expected no output_excerpt field merged in, since stdout did not parse as JSON")
	}
}

func TestEngineRecoverSucceedsAwaitingRestartWithBreadcrumb(t *testing.T) {
	defDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(defDir, "wait_restart.yaml"), []byte(waitRestartDefinition), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}
	breadcrumbDir := t.TempDir()
	reg := definition.NewRegistry(defDir)
	pub := &fakePublisher{}
	e := New("te", reg, pub, breadcrumbDir)

	topicStr := "te/device/main///cmd/wait_restart/c1"
	cmd := models.CommandInstance{Operation: "wait_restart", CommandID: "c1", Target: "device/main//", State: "rebooting"}
	data, _ := json.Marshal(cmd)
	if err := os.WriteFile(filepath.Join(breadcrumbDir, "c1.json"), data, 0o644); err != nil {
		t.Fatalf("seed breadcrumb: %v", err)
	}

	retained := map[string][]byte{topicStr: mustJSON(t, map[string]any{"status": "rebooting"})}
	e.Recover(context.Background(), retained)

	if got := pub.statusOf(topicStr); got != "successful" {
		t.Fatalf("expected recovered command to succeed, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(breadcrumbDir, "c1.json")); !os.IsNotExist(err) {
		t.Fatal("expected breadcrumb file to be removed after recovery")
	}
}

func TestEngineLookupReflectsLiveState(t *testing.T) {
	e, _ := newEngine(t)
	// restart parks at awaiting_restart, so the command is still live when
	// it is looked up (a command that reaches clear is dropped).
	e.RegisterBuiltin("restart", succeedingBuiltin{})

	topicStr := "te/device/main///cmd/restart/c1"
	payload, _ := json.Marshal(map[string]any{"status": "init"})
	if err := e.HandleMessage(context.Background(), topicStr, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cmd, ok := e.Lookup("c1")
	if !ok {
		t.Fatal("expected command to be found")
	}
	if cmd.State == "" {
		t.Fatal("expected a non-empty state")
	}

	if _, ok := e.Lookup("no-such-command"); ok {
		t.Fatal("expected lookup miss for unknown command id")
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
