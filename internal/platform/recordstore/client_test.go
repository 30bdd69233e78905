package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/hie/gateway/internal/platform/fhir"
	"github.com/hie/gateway/internal/platform/recordstore/recordstoretest"
)

func newTestClient(t *testing.T) (*Client, *recordstoretest.Store) {
	t.Helper()
	store := recordstoretest.New()
	t.Cleanup(store.Close)
	return NewClient(Config{BaseURL: store.URL() + "/", Timeout: 2 * time.Second}), store
}

func TestClient_ReadFound(t *testing.T) {
	c, store := newTestClient(t)
	store.SeedPatient("P1", "ID-123")

	res, err := c.Read(context.Background(), "Patient", "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK() || res.Status != StatusSuccess {
		t.Fatalf("expected success, got %d %s", res.StatusCode, res.Status)
	}
	if res.ResourceType() != "Patient" {
		t.Errorf("expected Patient, got %q", res.ResourceType())
	}
	if res.VersionID() != "1" {
		t.Errorf("expected version 1, got %q", res.VersionID())
	}
}

func TestClient_ReadNotFound(t *testing.T) {
	c, _ := newTestClient(t)

	res, err := c.Read(context.Background(), "Consent", "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NotFound() {
		t.Errorf("expected not found, got %d", res.StatusCode)
	}
	if res.Status != StatusError {
		t.Errorf("expected error status, got %s", res.Status)
	}
	if res.ResourceType() != "OperationOutcome" {
		t.Errorf("expected OperationOutcome body, got %q", res.ResourceType())
	}
}

func TestClient_SearchByIdentifier(t *testing.T) {
	c, store := newTestClient(t)
	store.SeedPatient("P1", "ID-123")
	store.SeedPatient("P2", "ID-456")

	res, err := c.Search(context.Background(), "Patient", url.Values{"identifier": {"ID-456"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var bundle fhir.Bundle
	if err := res.Decode(&bundle); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(bundle.Entry) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(bundle.Entry))
	}
	var p fhir.Patient
	if err := json.Unmarshal(bundle.Entry[0].Resource, &p); err != nil || p.ID != "P2" {
		t.Errorf("expected P2, got %+v (%v)", p, err)
	}
}

func TestClient_UpdateIfMatch(t *testing.T) {
	c, store := newTestClient(t)
	ctx := context.Background()

	res, err := c.Update(ctx, "Consent", "P1", fhir.Consent{ResourceType: "Consent", Status: "active"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 on first upsert, got %d", res.StatusCode)
	}

	res, err = c.Update(ctx, "Consent", "P1", fhir.Consent{ResourceType: "Consent", Status: "active"}, IfMatch("1"))
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for matching version, got %v %v", res, err)
	}
	if res.VersionID() != "2" {
		t.Errorf("expected version 2, got %q", res.VersionID())
	}

	res, err = c.Update(ctx, "Consent", "P1", fhir.Consent{ResourceType: "Consent"}, IfMatch("1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Conflict() {
		t.Errorf("expected conflict for stale version, got %d", res.StatusCode)
	}

	var stored fhir.Consent
	if !store.Get("Consent", "P1", &stored) || stored.Status != "active" {
		t.Errorf("stale write must not be applied, got %+v", stored)
	}
}

func TestClient_CreateAssignsID(t *testing.T) {
	c, _ := newTestClient(t)

	res, err := c.Create(context.Background(), "Patient", fhir.Patient{ResourceType: "Patient"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.StatusCode)
	}
	if res.CreatedID("Patient") == "" {
		t.Error("expected a server-assigned id")
	}
	if fhir.ParseReference(res.Location, "Patient") != res.CreatedID("Patient") {
		t.Errorf("Location %q does not match id %q", res.Location, res.CreatedID("Patient"))
	}
}

func TestClient_HeadersAndRequestID(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"resourceType":"Patient","id":"1"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if _, err := c.Post(context.Background(), "/Patient", map[string]string{"resourceType": "Patient"}, WithRequestID("rid-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Get("Content-Type") != "application/fhir+json" {
		t.Errorf("unexpected content type %q", got.Get("Content-Type"))
	}
	if got.Get("X-Request-ID") != "rid-1" {
		t.Errorf("expected request id to be propagated, got %q", got.Get("X-Request-ID"))
	}
	if got.Get("If-Match") != "" {
		t.Error("unconditional write must not send If-Match")
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Read(context.Background(), "Patient", "1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: base, Timeout: time.Second})
	_, err := c.Read(context.Background(), "Patient", "1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestResult_VersionFromMeta(t *testing.T) {
	r := &Result{StatusCode: 200, Data: []byte(`{"resourceType":"Consent","id":"1","meta":{"versionId":"7"}}`)}
	if r.VersionID() != "7" {
		t.Errorf("expected 7, got %q", r.VersionID())
	}
}

func TestParseETag(t *testing.T) {
	for in, want := range map[string]string{`W/"3"`: "3", `"4"`: "4", "5": "5", "": ""} {
		if got := parseETag(in); got != want {
			t.Errorf("parseETag(%q) = %q, want %q", in, got, want)
		}
	}
}
