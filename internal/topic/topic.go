// Package topic parses and constructs the gateway's MQTT topic identifiers:
// five slash-separated groups,
// <device_kind>/<device_id>/<service_kind>/<service_id>/<leaf_path>, always
// addressed under a configurable root prefix (default "te").
//
// This is a pure function library: no I/O, no retained state.
package topic

import "strings"

// DefaultRoot is the root prefix used when none is configured.
const DefaultRoot = "te"

// DefaultMainDevice is the shorthand identifier for the main device with no
// service — "device/main//".
const DefaultMainDevice = "device/main//"

// ID is a parsed entity topic identifier: the four address segments that
// precede any leaf path. An empty group is canonical for "not applicable".
type ID struct {
	DeviceKind  string
	DeviceID    string
	ServiceKind string
	ServiceID   string
}

// String serializes an ID back to its canonical four-segment form, e.g.
// "device/main/service/collectd".
func (id ID) String() string {
	return strings.Join([]string{id.DeviceKind, id.DeviceID, id.ServiceKind, id.ServiceID}, "/")
}

// IsMainDevice reports whether id addresses the default main device with no
// service (device/main//).
func (id ID) IsMainDevice() bool {
	return id.DeviceKind == "device" && id.DeviceID == "main" && id.ServiceKind == "" && id.ServiceID == ""
}

// IsService reports whether id addresses a service (both service groups set).
func (id ID) IsService() bool {
	return id.ServiceKind != "" && id.ServiceID != ""
}

// ParseError reports a topic string that does not match the schema.
type ParseError struct {
	Topic  string
	Reason string
}

func (e *ParseError) Error() string {
	return "topic: cannot parse " + e.Topic + ": " + e.Reason
}

// Default returns the main-device shorthand ID, always available as the
// addressing target when no explicit entity is named.
func Default() ID {
	return ID{DeviceKind: "device", DeviceID: "main"}
}

// Parse splits a full topic string (root/group1/group2/group3/group4[/leaf...])
// into its root prefix, entity ID, and the remaining leaf path segments.
func Parse(full string) (root string, id ID, leaf []string, err error) {
	parts := strings.Split(full, "/")
	if len(parts) < 5 {
		return "", ID{}, nil, &ParseError{Topic: full, Reason: "fewer than 5 segments"}
	}
	root = parts[0]
	id = ID{DeviceKind: parts[1], DeviceID: parts[2], ServiceKind: parts[3], ServiceID: parts[4]}
	leaf = parts[5:]
	return root, id, leaf, nil
}

// Serialize is infallible: it always produces a valid topic string from an
// ID plus optional trailing leaf segments.
func Serialize(root string, id ID, leaf ...string) string {
	segs := append([]string{root}, id.DeviceKind, id.DeviceID, id.ServiceKind, id.ServiceID)
	segs = append(segs, leaf...)
	return strings.Join(segs, "/")
}

// CapabilityTopic returns "<root>/<entity>/cmd/<op>", a retained topic
// describing that the entity supports operation op.
func CapabilityTopic(root string, id ID, op string) string {
	return Serialize(root, id, "cmd", op)
}

// CommandTopic returns "<root>/<entity>/cmd/<op>/<cmd_id>", the topic a
// single command instance is addressed on.
func CommandTopic(root string, id ID, op, cmdID string) string {
	return Serialize(root, id, "cmd", op, cmdID)
}

// TelemetryKind selects among measurement/event/alarm telemetry topics.
type TelemetryKind string

const (
	Measurement TelemetryKind = "m"
	Event       TelemetryKind = "e"
	Alarm       TelemetryKind = "a"
)

// TelemetryTopic returns "<root>/<entity>/<kind>/<type>".
func TelemetryTopic(root string, id ID, kind TelemetryKind, typ string) string {
	return Serialize(root, id, string(kind), typ)
}

// CommandFilter returns the wildcard filter matching every command topic
// for operation op across all entities ("<root>/+/+/+/+/cmd/<op>/+").
func CommandFilter(root, op string) string {
	return strings.Join([]string{root, "+", "+", "+", "+", "cmd", op, "+"}, "/")
}

// CapabilityFilter returns the wildcard filter matching every capability
// announcement for operation op ("<root>/+/+/+/+/cmd/<op>").
func CapabilityFilter(root, op string) string {
	return strings.Join([]string{root, "+", "+", "+", "+", "cmd", op}, "/")
}

// TelemetryFilter returns the wildcard filter matching every telemetry
// topic of the given kind and type across all entities.
func TelemetryFilter(root string, kind TelemetryKind, typ string) string {
	return strings.Join([]string{root, "+", "+", "+", "+", string(kind), typ}, "/")
}

// AllCommandsFilter matches every command topic under root, of any
// operation ("<root>/+/+/+/+/cmd/+/+").
func AllCommandsFilter(root string) string {
	return strings.Join([]string{root, "+", "+", "+", "+", "cmd", "+", "+"}, "/")
}

// AllTopicsFilter matches every topic under root, of any shape: bare
// entity-registration messages, telemetry (measurement/event/alarm), and
// commands alike ("<root>/#"). Subscribed alongside the narrower command
// filters so registration and telemetry arrivals actually reach the gateway.
func AllTopicsFilter(root string) string {
	return root + "/#"
}

// ParseCommandTopic extracts the entity ID, operation, and command id from a
// command topic ("<root>/<entity>/cmd/<op>/<cmd_id>"); returns an error if
// the topic's leaf path is not exactly ["cmd", op, cmd_id].
func ParseCommandTopic(full string) (root string, id ID, operation, cmdID string, err error) {
	root, id, leaf, err := Parse(full)
	if err != nil {
		return "", ID{}, "", "", err
	}
	if len(leaf) != 3 || leaf[0] != "cmd" {
		return "", ID{}, "", "", &ParseError{Topic: full, Reason: "not a command topic"}
	}
	return root, id, leaf[1], leaf[2], nil
}
