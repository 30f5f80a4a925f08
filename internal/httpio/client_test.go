package httpio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgestack/gateway/internal/translation/inventory"
)

func TestInventoryClientSendsRequestAndReturnsBody(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"12345"}`))
	}))
	defer srv.Close()

	client := NewInventoryClient(srv.URL, "tok123", 0)
	req, err := inventory.CreateManagedObject("main-device:device:pump1", "pump1", "thin-edge.io-child", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	body, err := client.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("unexpected auth header: %s", gotAuth)
	}
	if gotMethod != "POST" || gotPath != "/inventory/managedObjects" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	var decoded map[string]string
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["id"] != "12345" {
		t.Fatalf("unexpected body: %v", decoded)
	}
}

func TestInventoryClientPropagatesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := NewInventoryClient(srv.URL, "", 0)
	req, _ := inventory.UpdateManagedObject("12345", map[string]any{"status": "up"})
	if _, err := client.Do(context.Background(), req); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
