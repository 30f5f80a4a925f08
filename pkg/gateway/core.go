package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/edgestack/gateway/internal/actor"
	"github.com/edgestack/gateway/internal/entitystore"
	"github.com/edgestack/gateway/internal/mqttio"
	"github.com/edgestack/gateway/internal/topic"
	"github.com/edgestack/gateway/internal/translation"
	"github.com/edgestack/gateway/internal/translation/oldagent"
	"github.com/edgestack/gateway/pkg/models"
)

// commandEngine is the narrow slice of internal/workflow.Engine the core
// actor drives messages through.
type commandEngine interface {
	HandleMessage(ctx context.Context, topicStr string, payload []byte) error
}

// republisher is the narrow outbound API the core actor needs to hand an
// old-agent-bridge conversion back onto the bus.
type republisher interface {
	Publish(ctx context.Context, topic string, retain bool, payload []byte) error
}

// converter is the old-agent bridge's narrow contract, so tests can swap a
// fake in without constructing a real oldagent.Adapter.
type converter interface {
	Convert(msg oldagent.Message) (*oldagent.Message, error)
}

// coreActor drains every inbound MQTT message and routes it to whichever
// of the entity store, workflow engine, or legacy-agent bridge owns that
// topic, the way the teacher's gateway handler functions dispatch one HTTP
// request to one route handler.
type coreActor struct {
	store        *entitystore.Store
	engine       commandEngine
	publisher    republisher
	bridge       converter
	mainDeviceID string
	cloudTopic   string // e.g. "c8y/s/us"
}

func newCoreActor(store *entitystore.Store, engine commandEngine, publisher republisher, bridge converter, mainDeviceID, cloudPrefix string) *coreActor {
	return &coreActor{
		store:        store,
		engine:       engine,
		publisher:    publisher,
		bridge:       bridge,
		mainDeviceID: mainDeviceID,
		cloudTopic:   cloudPrefix + "/s/us",
	}
}

// run implements actor.Actor: it owns no outbound sinks of its own, only
// drains box.In until the runtime cancels it.
func (c *coreActor) run(ctx context.Context, name string, box *actor.Box) error {
	for {
		select {
		case env, ok := <-box.In:
			if !ok {
				return nil
			}
			msg, ok := env.Payload.(mqttio.InboundMessage)
			if !ok {
				log.Warn().Str("tag", env.Tag).Msg("core: dropping envelope with unexpected payload type")
				continue
			}
			c.handle(ctx, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *coreActor) handle(ctx context.Context, msg mqttio.InboundMessage) {
	if converted, err := c.bridge.Convert(oldagent.Message{Topic: msg.Topic, Payload: msg.Payload, Retain: msg.Retain}); err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("core: old-agent conversion failed")
	} else if converted != nil {
		if err := c.publisher.Publish(ctx, converted.Topic, converted.Retain, converted.Payload); err != nil {
			log.Warn().Err(err).Str("topic", converted.Topic).Msg("core: failed to republish old-agent bridge message")
		}
		return
	}

	if _, _, _, _, err := topic.ParseCommandTopic(msg.Topic); err == nil {
		if err := c.engine.HandleMessage(ctx, msg.Topic, msg.Payload); err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic).Msg("core: workflow engine rejected message")
		}
		return
	}

	root, id, leaf, err := topic.Parse(msg.Topic)
	if err != nil || root == "" {
		return
	}

	if len(leaf) == 0 && len(msg.Payload) > 0 && !id.IsMainDevice() {
		if c.store.IsRegistered(id.String()) {
			return
		}
		if e, ok := parseRegistrationPayload(id, msg.Payload, c.mainDeviceID); ok {
			promoted, err := c.store.RegisterLax(e)
			if err != nil {
				log.Warn().Err(err).Str("topic", msg.Topic).Msg("core: explicit lax registration rejected")
				return
			}
			log.Info().Strs("registered", promoted).Str("topic", msg.Topic).Msg("core: lax-registered entity declared over MQTT")
			for _, topicID := range promoted {
				c.announceRegistration(ctx, topicID)
			}
			return
		}
		if registered, ok := c.store.AutoRegister(id, c.mainDeviceID); ok {
			log.Info().Strs("registered", registered).Str("topic", msg.Topic).Msg("core: auto-registered entity from telemetry arrival")
			for _, topicID := range registered {
				c.announceRegistration(ctx, topicID)
			}
		}
		return
	}

	if len(leaf) == 2 && (leaf[0] == string(topic.Measurement) || leaf[0] == string(topic.Event) || leaf[0] == string(topic.Alarm)) {
		if registered, ok := c.store.AutoRegister(id, c.mainDeviceID); ok {
			log.Info().Strs("registered", registered).Str("topic", msg.Topic).Msg("core: auto-registered entity from telemetry arrival")
			for _, topicID := range registered {
				c.announceRegistration(ctx, topicID)
			}
		}
	}

	if len(leaf) == 2 && leaf[0] == string(topic.Alarm) {
		c.bridgeAlarm(ctx, leaf[1], msg.Payload)
	}
}

// registrationPayload is the MQTT-retained lax-registration message shape:
// a bare entity topic (no leaf path) carrying a declared type and parent,
// e.g. {"@type":"child-device","@parent":"device/main//"}.
type registrationPayload struct {
	Type   string `json:"@type"`
	Parent string `json:"@parent"`
}

// parseRegistrationPayload builds an explicit lax-registration entity from a
// retained registration message. Returns ok=false if the payload doesn't
// declare a recognized "@type" and "@parent" together, in which case the
// caller falls back to auto-registration's topic-derived defaults.
func parseRegistrationPayload(id topic.ID, payload []byte, mainExternalID string) (models.Entity, bool) {
	var p registrationPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Type == "" || p.Parent == "" {
		return models.Entity{}, false
	}
	var kind models.EntityKind
	switch p.Type {
	case "child-device":
		kind = models.EntityChildDevice
	case "service":
		kind = models.EntityService
	default:
		return models.Entity{}, false
	}
	return models.Entity{
		TopicID:    id.String(),
		ExternalID: entitystore.DefaultExternalID(mainExternalID, id),
		Kind:       kind,
		Parent:     p.Parent,
	}, true
}

// announceRegistration publishes the cloud-side create message for a
// newly-registered entity, the outbound half of auto-registration.
func (c *coreActor) announceRegistration(ctx context.Context, topicID string) {
	e, ok := c.store.Get(topicID)
	if !ok || e.IsMainDevice() {
		return
	}

	var (
		line string
		err  error
	)
	switch e.Kind {
	case models.EntityService:
		line, err = translation.SerializeServiceCreate(e, entityName(e.TopicID), "service")
	default:
		line, err = translation.SerializeChildDeviceCreate(e, entityName(e.TopicID))
	}
	if err != nil {
		log.Warn().Err(err).Str("topic_id", topicID).Msg("core: failed to serialize registration create message")
		return
	}
	if err := c.publisher.Publish(ctx, c.cloudTopic, false, []byte(line)); err != nil {
		log.Warn().Err(err).Str("topic_id", topicID).Msg("core: failed to publish registration create message")
	}
}

// entityName extracts a human-readable name from a topic id: the service id
// for a service, otherwise the device id.
func entityName(topicID string) string {
	parts := strings.Split(topicID, "/")
	if len(parts) == 4 && parts[3] != "" {
		return parts[3]
	}
	if len(parts) >= 2 {
		return parts[1]
	}
	return topicID
}

type alarmPayload struct {
	Severity translation.AlarmSeverity `json:"severity"`
	Text     string                    `json:"text"`
	Time     string                    `json:"time"`
}

// bridgeAlarm translates an alarm telemetry arrival into the cloud's
// SmartREST create/clear line. An empty payload is a clear; any decode
// failure is logged and dropped rather than forwarded malformed.
func (c *coreActor) bridgeAlarm(ctx context.Context, alarmType string, payload []byte) {
	var line string
	if len(payload) == 0 {
		line, _ = translation.SerializeAlarmClear(alarmType)
	} else {
		var p alarmPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Warn().Err(err).Str("alarm_type", alarmType).Msg("core: failed to decode alarm payload")
			return
		}
		var err error
		line, err = translation.SerializeAlarmCreate(p.Severity, alarmType, p.Text, p.Time)
		if err != nil {
			log.Warn().Err(err).Str("alarm_type", alarmType).Msg("core: failed to serialize alarm create message")
			return
		}
	}
	if err := c.publisher.Publish(ctx, c.cloudTopic, false, []byte(line)); err != nil {
		log.Warn().Err(err).Str("alarm_type", alarmType).Msg("core: failed to publish alarm message")
	}
}
