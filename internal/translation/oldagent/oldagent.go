// Package oldagent bridges the legacy `tedge/commands/...` topics used by
// an agent that has not yet been upgraded with the current
// `<root>/device/main///cmd/<op>/<cmd_id>` schema the rest of the gateway
// speaks. It is a pure converting function, not an actor: the MQTT actor
// wiring decides which messages to route through it and what to do with
// its output.
package oldagent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edgestack/gateway/internal/topic"
)

// Message is the minimal MQTT message shape the adapter converts between.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Adapter holds the command-id prefix this mapper instance stamps onto
// commands it originates, so responses can be routed back without
// depending on broker-side correlation state.
type Adapter struct {
	root   string
	prefix string
}

// NewAdapter creates an Adapter. mapperPrefix should be stable across
// restarts (e.g. derived from the configured cloud prefix) so command ids
// this mapper minted can be recognized in old-agent responses.
func NewAdapter(root, mapperPrefix string) *Adapter {
	return &Adapter{root: root, prefix: mapperPrefix + "-mapper"}
}

var legacyCommandType = map[string]string{
	"restart":         "control/restart",
	"software_list":   "software/list",
	"software_update": "software/update",
}

var legacyResponseOperation = map[string]string{
	"tedge/commands/res/control/restart": "restart",
	"tedge/commands/res/software/list":   "software_list",
	"tedge/commands/res/software/update": "software_update",
}

var mainDevice = topic.ID{DeviceKind: "device", DeviceID: "main"}

// Convert applies the adapter to one message observed on either a legacy
// response topic or a current command topic for one of the three
// old-agent-compatible operations, and returns the converted message (nil
// if the input isn't one this adapter handles, or doesn't warrant a
// translation — e.g. a clearing message or a non-init status).
func (a *Adapter) Convert(msg Message) (*Message, error) {
	if operation, ok := legacyResponseOperation[msg.Topic]; ok {
		return a.convertFromOldAgentResponse(operation, msg.Payload)
	}

	root, id, operation, cmdID, err := topic.ParseCommandTopic(msg.Topic)
	if err != nil || root != a.root || id != mainDevice {
		return nil, nil
	}
	cmdType, ok := legacyCommandType[operation]
	if !ok {
		return nil, nil
	}
	return convertToOldAgentRequest(cmdType, cmdID, msg.Payload)
}

func convertToOldAgentRequest(cmdType, cmdID string, payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, nil // a clearing message has nothing for the old agent to act on
	}
	var request map[string]any
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("oldagent: malformed %s request: %w", cmdType, err)
	}
	status, _ := request["status"].(string)
	if status != "init" {
		return nil, nil // the old agent only understands the init request, never intermediate states
	}
	request["id"] = cmdID
	delete(request, "status") // the old agent rejects requests carrying an unknown "status" field

	updated, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	return &Message{Topic: "tedge/commands/req/" + cmdType, Payload: updated, Retain: false}, nil
}

func (a *Adapter) convertFromOldAgentResponse(operation string, payload []byte) (*Message, error) {
	var response map[string]any
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("oldagent: malformed %s response: %w", operation, err)
	}
	cmdID, _ := response["id"].(string)
	if cmdID == "" {
		return nil, fmt.Errorf("oldagent: %s response is missing command id", operation)
	}
	if !strings.HasPrefix(cmdID, a.prefix) {
		cmdID = a.prefix + "-" + cmdID
	}
	return &Message{
		Topic:   topic.CommandTopic(a.root, mainDevice, operation, cmdID),
		Payload: payload,
		Retain:  true,
	}, nil
}
