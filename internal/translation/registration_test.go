package translation

import (
	"testing"

	"github.com/edgestack/gateway/pkg/models"
)

func TestSerializeServiceCreateMatchesWireFormat(t *testing.T) {
	e := models.Entity{ExternalID: "main-device:device:main:service:svc1", Kind: models.EntityService}

	got, err := SerializeServiceCreate(e, "svc1", "systemd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "102,main-device:device:main:service:svc1,svc1,systemd"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSerializeSupportedOperationsMatchesWireFormat(t *testing.T) {
	got, err := SerializeSupportedOperations([]string{"c8y_Restart", "c8y_SoftwareUpdate"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "114,c8y_Restart,c8y_SoftwareUpdate"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSerializeAlarmCreateRejectsUnknownSeverity(t *testing.T) {
	if _, err := SerializeAlarmCreate(AlarmSeverity("bogus"), "t", "text", "time"); err == nil {
		t.Fatal("expected an error for an unrecognized severity")
	}
}
