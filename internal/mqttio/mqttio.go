// Package mqttio is the concrete MQTT transport actor: it owns the single
// paho.mqtt.golang client connection, subscribes to the command and
// telemetry wildcard filters the composition root wires it with, and
// forwards inbound messages into the actor runtime while exposing a
// Publish method the workflow engine and translation layer use as their
// outbound sink.
//
// Wire-level MQTT behavior (QoS semantics, broker failover) is out of
// scope; this actor only needs to exist as the real transport so the rest
// of the gateway has somewhere to publish and subscribe.
package mqttio

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/edgestack/gateway/internal/actor"
)

// Config carries the connection parameters the composition root reads out
// of internal/config.
type Config struct {
	BrokerURL   string
	ClientID    string
	Root        string        // topic root prefix, e.g. "te"
	Filters     []string      // wildcard filters subscribed on connect
	ConnTimeout time.Duration // 0 uses the paho default
}

// Client wraps a paho client with the gateway's Sender/Receiver contract:
// Run forwards every message matching a subscribed filter to box.Out["core"]
// as an actor.Envelope tagged "mqtt.in"; Publish is this actor's outbound API,
// consumed by internal/workflow.Publisher and internal/operations.Publisher.
type Client struct {
	cfg    Config
	client mqtt.Client

	mu   sync.Mutex
	sink actor.Sender // where inbound messages are forwarded; set by Run

	connectOnce sync.Once
	connectErr  error
}

// NewClient builds a Client and its underlying paho client, but does not
// connect — connection happens in Run so a connection failure surfaces
// through the actor runtime's fatal-error path instead of at construction.
func NewClient(cfg Config) *Client {
	c := &Client{cfg: cfg}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	c.client = mqtt.NewClient(opts)
	return c
}

func (c *Client) onConnect(cl mqtt.Client) {
	log.Info().Str("broker", c.cfg.BrokerURL).Msg("mqttio: connected")
	for _, filter := range c.cfg.Filters {
		filter := filter
		if token := cl.Subscribe(filter, 1, c.onMessage); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("filter", filter).Msg("mqttio: subscribe failed")
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	log.Warn().Err(err).Msg("mqttio: connection lost, paho will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return
	}
	env := inboundEnvelope(msg.Topic(), msg.Payload(), msg.Retained())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Send(ctx, env); err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqttio: dropping inbound message, sink full or closed")
	}
}

// InboundMessage is the payload carried by "mqtt.in" envelopes.
type InboundMessage struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// inboundEnvelope builds the actor.Envelope onMessage forwards, factored
// out so the translation from a paho message to the gateway's own message
// shape is testable without a live broker.
func inboundEnvelope(topic string, payload []byte, retain bool) actor.Envelope {
	return actor.Envelope{Tag: "mqtt.in", Payload: InboundMessage{
		Topic:   topic,
		Payload: payload,
		Retain:  retain,
	}}
}

// Connect establishes the broker connection if it hasn't already been made.
// It is safe to call more than once (e.g. once explicitly for startup
// recovery, then again from Run) — every call after the first returns the
// first call's cached result without touching the network.
func (c *Client) Connect() error {
	c.connectOnce.Do(func() {
		connTimeout := c.cfg.ConnTimeout
		if connTimeout == 0 {
			connTimeout = 10 * time.Second
		}
		token := c.client.Connect()
		if !token.WaitTimeout(connTimeout) {
			c.connectErr = fmt.Errorf("mqttio: connect timed out after %s", connTimeout)
			return
		}
		if err := token.Error(); err != nil {
			c.connectErr = fmt.Errorf("mqttio: connect failed: %w", err)
		}
	})
	return c.connectErr
}

// Run implements actor.Actor: connects to the broker (if Connect hasn't
// already been called), forwards inbound messages to box.Out["core"], and
// disconnects when the context is cancelled.
func (c *Client) Run(ctx context.Context, name string, box *actor.Box) error {
	c.mu.Lock()
	c.sink = box.Out["core"]
	c.mu.Unlock()

	if err := c.Connect(); err != nil {
		return &actor.FatalError{Actor: name, Cause: err}
	}

	<-ctx.Done()
	c.client.Disconnect(250)
	return nil
}

// Publish implements the Publisher interface internal/workflow and
// internal/operations depend on.
func (c *Client) Publish(ctx context.Context, topic string, retain bool, payload []byte) error {
	token := c.client.Publish(topic, 1, retain, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetainedSnapshot subscribes to filter, collects every retained message
// the broker replays within window, and unsubscribes. Used at startup to
// feed internal/workflow.Engine.Recover and internal/entitystore's
// rebuild-from-retained path.
func (c *Client) RetainedSnapshot(filter string, window time.Duration) (map[string][]byte, error) {
	result := make(map[string][]byte)
	var mu sync.Mutex
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		if !msg.Retained() {
			return
		}
		mu.Lock()
		result[msg.Topic()] = msg.Payload()
		mu.Unlock()
	}
	token := c.client.Subscribe(filter, 1, handler)
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttio: retained snapshot subscribe failed: %w", token.Error())
	}
	time.Sleep(window)
	if token := c.client.Unsubscribe(filter); token.Wait() && token.Error() != nil {
		log.Warn().Err(token.Error()).Str("filter", filter).Msg("mqttio: unsubscribe after snapshot failed")
	}
	mu.Lock()
	defer mu.Unlock()
	return result, nil
}
