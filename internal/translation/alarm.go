// Package translation is the bidirectional codec between local MQTT
// payloads and the cloud's SmartREST line protocol and REST inventory
// model. Subpackages hold the serializer (smartrest), the code table
// (catalog), the legacy-topic bridge (oldagent), and inventory request
// builders (inventory); this file and registration.go hold the call sites
// that combine them into the messages named in the catalog.
package translation

import (
	"fmt"

	"github.com/edgestack/gateway/internal/translation/catalog"
	"github.com/edgestack/gateway/internal/translation/smartrest"
)

// AlarmSeverity mirrors the four severities the cloud's alarm API accepts.
type AlarmSeverity string

const (
	SeverityCritical AlarmSeverity = "critical"
	SeverityMajor    AlarmSeverity = "major"
	SeverityMinor    AlarmSeverity = "minor"
	SeverityWarning  AlarmSeverity = "warning"
)

var alarmOperationBySeverity = map[AlarmSeverity]string{
	SeverityCritical: "create-critical-alarm",
	SeverityMajor:    "create-major-alarm",
	SeverityMinor:    "create-minor-alarm",
	SeverityWarning:  "create-warning-alarm",
}

// SerializeAlarmCreate builds the SmartREST line for raising an alarm:
// <code>,<type>,<text>,<rfc3339-time>.
func SerializeAlarmCreate(severity AlarmSeverity, alarmType, text, rfc3339Time string) (string, error) {
	operation, ok := alarmOperationBySeverity[severity]
	if !ok {
		return "", fmt.Errorf("translation: unknown alarm severity %q", severity)
	}
	code, ok := catalog.Lookup(operation, catalog.Upstream)
	if !ok {
		return "", fmt.Errorf("translation: no catalog entry for %s", operation)
	}
	return smartrest.SerializeWithCode(code, alarmType, text, rfc3339Time)
}

// SerializeAlarmClear builds the SmartREST line for clearing an alarm:
// <code>,<type>.
func SerializeAlarmClear(alarmType string) (string, error) {
	code := catalog.MustLookup("clear-alarm", catalog.Upstream)
	return smartrest.SerializeWithCode(code, alarmType)
}
