package mqttio

import "testing"

func TestInboundEnvelopeTagAndPayload(t *testing.T) {
	env := inboundEnvelope("te/device/main///m/temperature", []byte(`{"temp":21}`), true)
	if env.Tag != "mqtt.in" {
		t.Fatalf("unexpected tag: %s", env.Tag)
	}
	msg, ok := env.Payload.(InboundMessage)
	if !ok {
		t.Fatalf("unexpected payload type: %T", env.Payload)
	}
	if msg.Topic != "te/device/main///m/temperature" || string(msg.Payload) != `{"temp":21}` || !msg.Retain {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestInboundEnvelopeNonRetained(t *testing.T) {
	env := inboundEnvelope("te/device/main///cmd/restart/c1", nil, false)
	msg := env.Payload.(InboundMessage)
	if msg.Retain {
		t.Fatal("expected non-retained message")
	}
}
