// Package recordstoretest provides an in-memory FHIR record store served
// over httptest for exercising the record store client end to end.
package recordstoretest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/hie/gateway/internal/platform/fhir"
)

type entry struct {
	version int
	body    map[string]any
}

// Store is a minimal FHIR server: read, identifier search, PUT upsert with
// If-Match, POST create and transaction bundles. It is safe for concurrent
// use.
type Store struct {
	Server *httptest.Server

	mu        sync.Mutex
	resources map[string]*entry // "Type/id" -> entry
	failures  map[string]int    // "METHOD /path-prefix" -> status

	calls    atomic.Int64
	requests []string
}

// New starts a store. Callers must Close it.
func New() *Store {
	s := &Store{
		resources: make(map[string]*entry),
		failures:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *Store) URL() string { return s.Server.URL }
func (s *Store) Close()      { s.Server.Close() }

// Calls returns the number of requests served.
func (s *Store) Calls() int { return int(s.calls.Load()) }

// Requests returns "METHOD path" for every served request, in order.
func (s *Store) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// Fail makes every request whose "METHOD path" starts with prefix answer
// with status.
func (s *Store) Fail(prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[prefix] = status
}

// Seed stores resource directly, bypassing HTTP. The resource must carry
// resourceType and id.
func (s *Store) Seed(resource any) {
	body := toMap(resource)
	key := fmt.Sprintf("%v/%v", body["resourceType"], body["id"])
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, body)
}

// SeedPatient stores a Patient with the given identifier values.
func (s *Store) SeedPatient(id string, identifiers ...string) {
	p := fhir.Patient{ResourceType: "Patient", ID: id}
	for _, v := range identifiers {
		p.Identifier = append(p.Identifier, fhir.Identifier{Value: v})
	}
	s.Seed(p)
}

// Get returns the stored resource decoded into v and whether it exists.
func (s *Store) Get(resourceType, id string, v any) bool {
	s.mu.Lock()
	e, ok := s.resources[resourceType+"/"+id]
	var raw []byte
	if ok {
		raw, _ = json.Marshal(e.body)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func (s *Store) serve(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	sig := r.Method + " " + r.URL.Path

	s.mu.Lock()
	s.requests = append(s.requests, sig)
	for prefix, status := range s.failures {
		if strings.HasPrefix(sig, prefix) {
			s.mu.Unlock()
			writeJSON(w, status, fhir.ErrorOutcome("injected failure"), "")
			return
		}
	}
	s.mu.Unlock()

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodPost && parts[0] == "":
		s.transaction(w, r)
	case r.Method == http.MethodGet && len(parts) == 1:
		s.search(w, r, parts[0])
	case r.Method == http.MethodGet && len(parts) == 2:
		s.read(w, parts[0], parts[1])
	case r.Method == http.MethodGet && len(parts) == 3 && strings.HasPrefix(parts[2], "$"):
		s.operation(w, parts[0], parts[1], parts[2])
	case r.Method == http.MethodPut && len(parts) == 2:
		s.update(w, r, parts[0], parts[1])
	case r.Method == http.MethodPost && len(parts) == 1:
		s.create(w, r, parts[0])
	default:
		writeJSON(w, http.StatusBadRequest, fhir.InvalidOutcome("unsupported request"), "")
	}
}

func (s *Store) read(w http.ResponseWriter, resourceType, id string) {
	s.mu.Lock()
	e, ok := s.resources[resourceType+"/"+id]
	var body map[string]any
	var version int
	if ok {
		body, version = e.body, e.version
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id), "")
		return
	}
	writeJSON(w, http.StatusOK, body, strconv.Itoa(version))
}

func (s *Store) operation(w http.ResponseWriter, resourceType, id, op string) {
	s.mu.Lock()
	e, ok := s.resources[resourceType+"/"+id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id), "")
		return
	}
	raw, _ := json.Marshal(e.body)
	total := 1
	writeJSON(w, http.StatusOK, fhir.Bundle{
		ResourceType: "Bundle",
		ID:           strings.TrimPrefix(op, "$"),
		Type:         "searchset",
		Total:        &total,
		Entry:        []fhir.BundleEntry{{Resource: raw}},
	}, "")
}

func (s *Store) search(w http.ResponseWriter, r *http.Request, resourceType string) {
	identifier := r.URL.Query().Get("identifier")
	ids := splitValues(r.URL.Query().Get("_id"))
	patientParam := r.URL.Query().Get("patient")
	if patientParam == "" {
		patientParam = r.URL.Query().Get("beneficiary")
	}
	var patients []string
	for _, v := range splitValues(patientParam) {
		patients = append(patients, strings.TrimPrefix(v, "Patient/"))
	}

	s.mu.Lock()
	var entries []fhir.BundleEntry
	for key, e := range s.resources {
		if !strings.HasPrefix(key, resourceType+"/") {
			continue
		}
		if len(ids) > 0 && !containsString(ids, strings.TrimPrefix(key, resourceType+"/")) {
			continue
		}
		if identifier != "" && !hasIdentifier(e.body, identifier) {
			continue
		}
		if len(patients) > 0 && !refersTo(e.body, patients) {
			continue
		}
		raw, _ := json.Marshal(e.body)
		entries = append(entries, fhir.BundleEntry{FullURL: key, Resource: raw})
	}
	s.mu.Unlock()

	total := len(entries)
	writeJSON(w, http.StatusOK, fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Entry:        entries,
	}, "")
}

func (s *Store) update(w http.ResponseWriter, r *http.Request, resourceType, id string) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()), "")
		return
	}
	body["resourceType"] = resourceType
	body["id"] = id
	key := resourceType + "/" + id

	s.mu.Lock()
	if match := r.Header.Get("If-Match"); match != "" {
		want := strings.Trim(strings.TrimPrefix(match, "W/"), `"`)
		current := ""
		if e, ok := s.resources[key]; ok {
			current = strconv.Itoa(e.version)
		}
		if want != current {
			s.mu.Unlock()
			writeJSON(w, http.StatusPreconditionFailed, fhir.NewOperationOutcome("error", "conflict", "version mismatch"), "")
			return
		}
	}
	_, existed := s.resources[key]
	e := s.put(key, body)
	s.mu.Unlock()

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	writeJSON(w, status, e.body, strconv.Itoa(e.version))
}

func (s *Store) create(w http.ResponseWriter, r *http.Request, resourceType string) {
	body, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, fhir.InvalidOutcome(err.Error()), "")
		return
	}
	if rt, _ := body["resourceType"].(string); rt != resourceType {
		writeJSON(w, http.StatusBadRequest, fhir.InvalidOutcome("resourceType mismatch"), "")
		return
	}
	id := uuid.NewString()
	body["id"] = id

	s.mu.Lock()
	e := s.put(resourceType+"/"+id, body)
	s.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("%s/%s/%s/_history/%d", s.Server.URL, resourceType, id, e.version))
	writeJSON(w, http.StatusCreated, e.body, strconv.Itoa(e.version))
}

func (s *Store) transaction(w http.ResponseWriter, r *http.Request) {
	var bundle fhir.Bundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil || bundle.ResourceType != "Bundle" {
		writeJSON(w, http.StatusBadRequest, fhir.InvalidOutcome("expected a Bundle"), "")
		return
	}

	resp := fhir.Bundle{ResourceType: "Bundle", Type: "transaction-response"}
	s.mu.Lock()
	for _, be := range bundle.Entry {
		body := map[string]any{}
		if err := json.Unmarshal(be.Resource, &body); err != nil {
			continue
		}
		rt, _ := body["resourceType"].(string)
		id, _ := body["id"].(string)
		if be.Request == nil || be.Request.Method == http.MethodPost || id == "" {
			id = uuid.NewString()
			body["id"] = id
		}
		e := s.put(rt+"/"+id, body)
		resp.Entry = append(resp.Entry, fhir.BundleEntry{Response: &fhir.BundleEntryResponse{
			Status:   "201 Created",
			Location: fmt.Sprintf("%s/%s/_history/%d", rt, id, e.version),
		}})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp, "")
}

// put must be called with s.mu held.
func (s *Store) put(key string, body map[string]any) *entry {
	version := 1
	if e, ok := s.resources[key]; ok {
		version = e.version + 1
	}
	body["meta"] = map[string]any{"versionId": strconv.Itoa(version)}
	e := &entry{version: version, body: body}
	s.resources[key] = e
	return e
}

// hasIdentifier matches any of the comma separated values, as a FHIR
// server ORs them.
func hasIdentifier(body map[string]any, values string) bool {
	ids, _ := body["identifier"].([]any)
	for _, raw := range ids {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if v, _ := m["value"].(string); containsString(splitValues(values), v) {
			return true
		}
	}
	return false
}

func splitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func refersTo(body map[string]any, patientIDs []string) bool {
	for _, field := range []string{"beneficiary", "subject", "patient"} {
		if ref, ok := body[field].(map[string]any); ok {
			if containsString(patientIDs, fhir.ParseReference(fmt.Sprint(ref["reference"]), "Patient")) {
				return true
			}
		}
	}
	return false
}

func readBody(r *http.Request) (map[string]any, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return body, nil
}

func toMap(v any) map[string]any {
	raw, _ := json.Marshal(v)
	m := map[string]any{}
	_ = json.Unmarshal(raw, &m)
	return m
}

func writeJSON(w http.ResponseWriter, status int, v any, version string) {
	w.Header().Set("Content-Type", "application/fhir+json")
	if version != "" {
		w.Header().Set("ETag", `W/"`+version+`"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
