package translation

import (
	"github.com/edgestack/gateway/internal/translation/catalog"
	"github.com/edgestack/gateway/internal/translation/smartrest"
	"github.com/edgestack/gateway/pkg/models"
)

// Cloud-side managed-object types for the two entity kinds the gateway
// registers. The main device is provisioned out of band and never goes
// through these messages.
const (
	ChildDeviceType = "thin-edge.io-child"
	ServiceType     = "thin-edge.io-service"
)

// SerializeChildDeviceCreate builds the child-device-create message:
// <code>,<external-id>,<name>,<type>.
func SerializeChildDeviceCreate(e models.Entity, name string) (string, error) {
	code := catalog.MustLookup("child-device-create", catalog.Upstream)
	return smartrest.SerializeWithCode(code, e.ExternalID, name, ChildDeviceType)
}

// SerializeServiceCreate builds the service-create message:
// <code>,<external-id>,<name>,<service-type>.
func SerializeServiceCreate(e models.Entity, name, serviceType string) (string, error) {
	code := catalog.MustLookup("service-create", catalog.Upstream)
	return smartrest.SerializeWithCode(code, e.ExternalID, name, serviceType)
}

// SerializeSupportedOperations builds the set-supported-operations message
// advertising the operation names a device or service accepts.
func SerializeSupportedOperations(operations []string) (string, error) {
	code := catalog.MustLookup("set-supported-operations", catalog.Upstream)
	return smartrest.SerializeWithCode(code, operations...)
}
