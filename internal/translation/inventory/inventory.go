// Package inventory builds the REST requests that create or update a
// managed object in the cloud's inventory API — the counterpart to the
// smartrest package's MQTT-side registration messages, used when the
// gateway's HTTP egress actor (rather than the MQTT bridge) owns the
// operation.
package inventory

import (
	"encoding/json"
	"fmt"
)

// Request is a REST call the HTTP egress actor should make; Body is
// already-marshaled JSON.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// InvalidFieldError reports a required field that was empty.
type InvalidFieldError struct {
	Field string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("inventory: field %q must not be empty", e.Field)
}

// CreateManagedObject builds a POST request creating a managed object for a
// newly registered entity. fragments are merged into the body alongside
// name and type, overwriting neither.
func CreateManagedObject(externalID, name, typ string, fragments map[string]any) (Request, error) {
	for field, value := range map[string]string{"externalID": externalID, "name": name, "type": typ} {
		if value == "" {
			return Request{}, &InvalidFieldError{Field: field}
		}
	}
	body := make(map[string]any, len(fragments)+2)
	for k, v := range fragments {
		body[k] = v
	}
	body["name"] = name
	body["type"] = typ

	data, err := json.Marshal(body)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: "POST", Path: "/inventory/managedObjects", Body: data}, nil
}

// UpdateManagedObject builds a PATCH request against an already-created
// managed object, merging fragments into it.
func UpdateManagedObject(internalID string, fragments map[string]any) (Request, error) {
	if internalID == "" {
		return Request{}, &InvalidFieldError{Field: "internalID"}
	}
	data, err := json.Marshal(fragments)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: "PATCH", Path: "/inventory/managedObjects/" + internalID, Body: data}, nil
}
