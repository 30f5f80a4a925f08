package gateway

import (
	"context"
	"testing"

	"github.com/edgestack/gateway/internal/entitystore"
	"github.com/edgestack/gateway/internal/mqttio"
	"github.com/edgestack/gateway/internal/translation/oldagent"
	"github.com/edgestack/gateway/pkg/models"
)

type fakeEngine struct {
	lastTopic   string
	lastPayload []byte
	calls       int
}

func (f *fakeEngine) HandleMessage(_ context.Context, topicStr string, payload []byte) error {
	f.calls++
	f.lastTopic = topicStr
	f.lastPayload = payload
	return nil
}

type fakePublisher struct {
	lastTopic  string
	lastRetain bool
	lastBody   []byte
}

func (f *fakePublisher) Publish(_ context.Context, topic string, retain bool, payload []byte) error {
	f.lastTopic = topic
	f.lastRetain = retain
	f.lastBody = payload
	return nil
}

type fakeBridge struct {
	out *oldagent.Message
	err error
}

func (f *fakeBridge) Convert(oldagent.Message) (*oldagent.Message, error) {
	return f.out, f.err
}

func TestCoreActorRoutesCommandTopicToEngine(t *testing.T) {
	store := entitystore.New("te", "main-device")
	engine := &fakeEngine{}
	pub := &fakePublisher{}
	bridge := &fakeBridge{}
	c := newCoreActor(store, engine, pub, bridge, "main-device", "c8y")

	c.handle(context.Background(), mqttio.InboundMessage{
		Topic:   "te/device/main///cmd/restart/c1",
		Payload: []byte(`{"status":"init"}`),
		Retain:  true,
	})

	if engine.calls != 1 {
		t.Fatalf("expected the workflow engine to be invoked once, got %d", engine.calls)
	}
	if engine.lastTopic != "te/device/main///cmd/restart/c1" {
		t.Fatalf("unexpected topic forwarded to engine: %s", engine.lastTopic)
	}
}

func TestCoreActorRepublishesBridgedMessageAndSkipsEngine(t *testing.T) {
	store := entitystore.New("te", "main-device")
	engine := &fakeEngine{}
	pub := &fakePublisher{}
	bridge := &fakeBridge{out: &oldagent.Message{
		Topic:   "tedge/commands/req/control/restart",
		Payload: []byte(`{"id":"c1"}`),
		Retain:  false,
	}}
	c := newCoreActor(store, engine, pub, bridge, "main-device", "c8y")

	c.handle(context.Background(), mqttio.InboundMessage{
		Topic:   "te/device/main///cmd/restart/c1",
		Payload: []byte(`{"status":"init"}`),
	})

	if pub.lastTopic != "tedge/commands/req/control/restart" {
		t.Fatalf("expected bridged message republished, got topic %q", pub.lastTopic)
	}
	if engine.calls != 0 {
		t.Fatalf("expected engine to be bypassed once the bridge claimed the message, got %d calls", engine.calls)
	}
}

func TestCoreActorAutoRegistersFromTelemetryTopic(t *testing.T) {
	store := entitystore.New("te", "main-device")
	engine := &fakeEngine{}
	pub := &fakePublisher{}
	bridge := &fakeBridge{}
	c := newCoreActor(store, engine, pub, bridge, "main-device", "c8y")

	c.handle(context.Background(), mqttio.InboundMessage{
		Topic:   "te/device/child1///m/temperature",
		Payload: []byte(`{}`),
	})

	if _, ok := store.Get("device/child1//"); !ok {
		t.Fatalf("expected child1 to be auto-registered from telemetry arrival")
	}
	if pub.lastTopic != "c8y/s/us" {
		t.Fatalf("expected the registration create message published to c8y/s/us, got %q", pub.lastTopic)
	}
	wantBody := "101,main-device:device:child1,child1,thin-edge.io-child"
	if string(pub.lastBody) != wantBody {
		t.Fatalf("got %q, want %q", pub.lastBody, wantBody)
	}
}

func TestCoreActorBridgesAlarmCreate(t *testing.T) {
	store := entitystore.New("te", "main-device")
	engine := &fakeEngine{}
	pub := &fakePublisher{}
	bridge := &fakeBridge{}
	c := newCoreActor(store, engine, pub, bridge, "main-device", "c8y")

	c.handle(context.Background(), mqttio.InboundMessage{
		Topic:   "te/device/main///a/temperature_alarm",
		Payload: []byte(`{"severity":"critical","text":"I raised it","time":"2021-04-23T19:00:00+05:00"}`),
	})

	if pub.lastTopic != "c8y/s/us" {
		t.Fatalf("expected the alarm create message published to c8y/s/us, got %q", pub.lastTopic)
	}
	want := "301,temperature_alarm,I raised it,2021-04-23T19:00:00+05:00"
	if string(pub.lastBody) != want {
		t.Fatalf("got %q, want %q", pub.lastBody, want)
	}
}

func TestCoreActorBridgesAlarmClearOnEmptyPayload(t *testing.T) {
	store := entitystore.New("te", "main-device")
	engine := &fakeEngine{}
	pub := &fakePublisher{}
	bridge := &fakeBridge{}
	c := newCoreActor(store, engine, pub, bridge, "main-device", "c8y")

	c.handle(context.Background(), mqttio.InboundMessage{
		Topic:   "te/device/main///a/temperature_alarm",
		Payload: nil,
	})

	want := "306,temperature_alarm"
	if string(pub.lastBody) != want {
		t.Fatalf("got %q, want %q", pub.lastBody, want)
	}
}

func TestCoreActorIgnoresEmptyRetraction(t *testing.T) {
	store := entitystore.New("te", "main-device")
	engine := &fakeEngine{}
	pub := &fakePublisher{}
	bridge := &fakeBridge{}
	c := newCoreActor(store, engine, pub, bridge, "main-device", "c8y")

	c.handle(context.Background(), mqttio.InboundMessage{
		Topic:   "te/device/child2//",
		Payload: nil,
	})

	if _, ok := store.Get("device/child2//"); ok {
		t.Fatalf("expected no registration from an empty (retraction) payload")
	}
}

func TestCoreActorRegistersExplicitLaxPayloadOverMQTT(t *testing.T) {
	store := entitystore.New("te", "main-device")
	if _, err := store.RegisterStrict(models.Entity{TopicID: "device/hub//", ExternalID: "hub", Kind: models.EntityChildDevice, Parent: "device/main//"}); err != nil {
		t.Fatalf("seed hub: %v", err)
	}
	engine := &fakeEngine{}
	pub := &fakePublisher{}
	bridge := &fakeBridge{}
	c := newCoreActor(store, engine, pub, bridge, "main-device", "c8y")

	c.handle(context.Background(), mqttio.InboundMessage{
		Topic:   "te/device/pump1//",
		Payload: []byte(`{"@type":"child-device","@parent":"device/hub//"}`),
		Retain:  true,
	})

	e, ok := store.Get("device/pump1//")
	if !ok {
		t.Fatal("expected pump1 to be registered from the explicit lax payload")
	}
	if e.Parent != "device/hub//" {
		t.Fatalf("expected the declared @parent to be honored, got %q", e.Parent)
	}
	if pub.lastTopic != "c8y/s/us" {
		t.Fatalf("expected a create message published to c8y/s/us, got %q", pub.lastTopic)
	}
	want := "101,main-device:device:pump1,pump1,thin-edge.io-child"
	if string(pub.lastBody) != want {
		t.Fatalf("got %q, want %q", pub.lastBody, want)
	}
}
