package consent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/platform/fhir"
	"github.com/hie/gateway/internal/platform/lock"
	"github.com/hie/gateway/internal/platform/recordstore"
	"github.com/hie/gateway/internal/platform/recordstore/recordstoretest"
)

// memRecorder collects events in memory.
type memRecorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memRecorder) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memRecorder) outcomes(action string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.Action == action {
			out = append(out, e.Outcome)
		}
	}
	return out
}

// conflictStore answers the first n updates with 412 before delegating.
type conflictStore struct {
	Store
	mu        sync.Mutex
	conflicts int
	updates   int
}

func (s *conflictStore) Update(ctx context.Context, resourceType, id string, resource any, opts ...recordstore.RequestOption) (*recordstore.Result, error) {
	s.mu.Lock()
	s.updates++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return &recordstore.Result{Status: recordstore.StatusError, StatusCode: http.StatusPreconditionFailed}, nil
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, resourceType, id, resource, opts...)
}

func newTestStore(t *testing.T) (*recordstoretest.Store, *recordstore.Client) {
	t.Helper()
	store := recordstoretest.New()
	t.Cleanup(store.Close)
	client := recordstore.NewClient(recordstore.Config{BaseURL: store.URL(), Timeout: 2 * time.Second})
	return store, client
}

func newTestLedger(t *testing.T, opts Options) (*Ledger, *recordstoretest.Store, *memRecorder) {
	t.Helper()
	store, client := newTestStore(t)
	events := &memRecorder{}
	if opts.WriteRetries == 0 {
		opts.WriteRetries = 3
	}
	return NewLedger(client, lock.NewLocal(), events, zerolog.Nop(), opts), store, events
}

func countRequests(store *recordstoretest.Store, prefix string) int {
	n := 0
	for _, r := range store.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func storedConsent(t *testing.T, store *recordstoretest.Store, patientID string) *Record {
	t.Helper()
	var c fhir.Consent
	if !store.Get("Consent", patientID, &c) {
		t.Fatalf("expected Consent/%s to exist", patientID)
	}
	rec, err := FromFHIR(&c, "")
	if err != nil {
		t.Fatalf("stored consent is malformed: %v", err)
	}
	return rec
}

func TestLedger_Issue_CreatesConsentKeyedByPatient(t *testing.T) {
	l, store, events := newTestLedger(t, Options{})
	store.SeedPatient("p1")

	rec, err := l.Issue(context.Background(), "p1", "FAC-A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "p1" || rec.PatientID != "p1" {
		t.Errorf("expected consent keyed by patient p1, got id=%s patient=%s", rec.ID, rec.PatientID)
	}
	if rec.Version == "" {
		t.Error("expected saved record to carry a version")
	}

	stored := storedConsent(t, store, "p1")
	if got := stored.FacilityIDs(); len(got) != 1 || got[0] != "FAC-A" {
		t.Errorf("expected allow-list [FAC-A], got %v", got)
	}
	if stored.Status != StatusActive {
		t.Errorf("expected status active, got %s", stored.Status)
	}
	if got := events.outcomes(ActionIssue); len(got) != 1 || got[0] != OutcomeGranted {
		t.Errorf("expected one granted issue event, got %v", got)
	}
}

func TestLedger_Issue_Idempotent(t *testing.T) {
	l, store, events := newTestLedger(t, Options{})
	store.SeedPatient("p1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Issue(ctx, "p1", "FAC-A"); err != nil {
			t.Fatalf("issue %d: unexpected error: %v", i, err)
		}
	}

	if got := storedConsent(t, store, "p1").FacilityIDs(); len(got) != 1 {
		t.Errorf("expected a single allow-list entry, got %v", got)
	}
	if n := countRequests(store, "PUT /Consent/p1"); n != 1 {
		t.Errorf("expected exactly one write, got %d", n)
	}
	got := events.outcomes(ActionIssue)
	want := []string{OutcomeGranted, OutcomeUnchanged, OutcomeUnchanged}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected outcomes %v, got %v", want, got)
	}
}

func TestLedger_Issue_OneReadAndAtMostOneWrite(t *testing.T) {
	l, store, _ := newTestLedger(t, Options{})
	store.SeedPatient("p1")

	if _, err := l.Issue(context.Background(), "p1", "FAC-A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := countRequests(store, "GET /Consent/p1"); n != 1 {
		t.Errorf("expected one consent read, got %d", n)
	}
	if n := countRequests(store, "PUT /Consent/p1"); n != 1 {
		t.Errorf("expected one consent write, got %d", n)
	}
}

func TestLedger_Issue_AppendsFacilities(t *testing.T) {
	l, store, _ := newTestLedger(t, Options{})
	store.SeedPatient("p1")
	ctx := context.Background()

	if _, err := l.Issue(ctx, "p1", "FAC-A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := l.Issue(ctx, "p1", "FAC-B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.FacilityIDs(); len(got) != 2 || got[0] != "FAC-A" || got[1] != "FAC-B" {
		t.Errorf("expected [FAC-A FAC-B], got %v", got)
	}
	if !l.Validate(ctx, "p1", "FAC-A") || !l.Validate(ctx, "p1", "FAC-B") {
		t.Error("expected both facilities to validate")
	}
}

func TestLedger_Issue_PreservesForeignExtensions(t *testing.T) {
	l, store, _ := newTestLedger(t, Options{})
	store.SeedPatient("p1")
	store.Seed(map[string]any{
		"resourceType": "Consent",
		"id":           "p1",
		"status":       "active",
		"patient":      map[string]any{"reference": "Patient/p1"},
		"provision": map[string]any{
			"type": "permit",
			"extension": []any{
				map[string]any{"url": "http://example.org/note", "valueString": "keep me"},
			},
		},
	})

	if _, err := l.Issue(context.Background(), "p1", "FAC-A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var c fhir.Consent
	store.Get("Consent", "p1", &c)
	found := false
	for _, ext := range c.Provision.Extension {
		if ext.URL == "http://example.org/note" && ext.ValueString == "keep me" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected foreign extension to survive the rewrite, got %+v", c.Provision.Extension)
	}
}

func TestLedger_Issue_UnknownPatient(t *testing.T) {
	l, store, events := newTestLedger(t, Options{})

	_, err := l.Issue(context.Background(), "ghost", "FAC-A")
	if !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
	if n := countRequests(store, "PUT "); n != 0 {
		t.Errorf("expected no writes, got %d", n)
	}
	if got := events.outcomes(ActionIssue); len(got) != 1 || got[0] != OutcomeError {
		t.Errorf("expected one error event, got %v", got)
	}
}

func TestLedger_Issue_StoreFailures(t *testing.T) {
	tests := []struct {
		name string
		fail string
	}{
		{"patient read fails", "GET /Patient"},
		{"consent read fails", "GET /Consent"},
		{"consent write fails", "PUT /Consent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store, _ := newTestLedger(t, Options{})
			store.SeedPatient("p1")
			store.Fail(tt.fail, http.StatusInternalServerError)

			_, err := l.Issue(context.Background(), "p1", "FAC-A")
			if !errors.Is(err, ErrConsentIssuanceFailed) {
				t.Errorf("expected ErrConsentIssuanceFailed, got %v", err)
			}
		})
	}
}

func TestLedger_Issue_InvalidArguments(t *testing.T) {
	l, store, _ := newTestLedger(t, Options{})
	for _, args := range [][2]string{{"", "FAC-A"}, {"p1", ""}, {"  ", "  "}} {
		if _, err := l.Issue(context.Background(), args[0], args[1]); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Issue(%q, %q): expected ErrInvalidArgument, got %v", args[0], args[1], err)
		}
	}
	if store.Calls() != 0 {
		t.Errorf("expected no store calls, got %d", store.Calls())
	}
}

func TestLedger_Issue_RetriesOnConflict(t *testing.T) {
	store, client := newTestStore(t)
	store.SeedPatient("p1")
	cs := &conflictStore{Store: client, conflicts: 2}
	l := NewLedger(cs, lock.NewLocal(), nil, zerolog.Nop(), Options{WriteRetries: 3})

	if _, err := l.Issue(context.Background(), "p1", "FAC-A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cs.updates != 3 {
		t.Errorf("expected 3 write attempts, got %d", cs.updates)
	}
	if n := countRequests(store, "GET /Consent/p1"); n != 3 {
		t.Errorf("expected a fresh read per attempt, got %d", n)
	}
	if !l.Validate(context.Background(), "p1", "FAC-A") {
		t.Error("expected FAC-A to be granted after retry")
	}
}

func TestLedger_Issue_GivesUpAfterRetries(t *testing.T) {
	store, client := newTestStore(t)
	store.SeedPatient("p1")
	cs := &conflictStore{Store: client, conflicts: 10}
	l := NewLedger(cs, lock.NewLocal(), nil, zerolog.Nop(), Options{WriteRetries: 2})

	_, err := l.Issue(context.Background(), "p1", "FAC-A")
	if !errors.Is(err, ErrConsentIssuanceFailed) || !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("expected issuance failure caused by a write conflict, got %v", err)
	}
	if cs.updates != 3 {
		t.Errorf("expected 3 write attempts, got %d", cs.updates)
	}
}

func TestLedger_Issue_ConcurrentGrantsAreNotLost(t *testing.T) {
	l, store, _ := newTestLedger(t, Options{})
	store.SeedPatient("p1")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Issue(context.Background(), "p1", fmt.Sprintf("FAC-%d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	if got := storedConsent(t, store, "p1").FacilityIDs(); len(got) != 10 {
		t.Errorf("expected 10 facilities, got %d: %v", len(got), got)
	}
}

func TestLedger_Issue_ReplicasReconcileThroughVersionCheck(t *testing.T) {
	store, client := newTestStore(t)
	store.SeedPatient("p1")
	// An existing record makes every write conditional.
	store.Seed(newRecord("p1", time.Now()).ToFHIR())

	// Two ledgers with separate in-process locks stand in for two replicas.
	a := NewLedger(client, lock.NewLocal(), nil, zerolog.Nop(), Options{WriteRetries: 10})
	b := NewLedger(client, lock.NewLocal(), nil, zerolog.Nop(), Options{WriteRetries: 10})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		for name, l := range map[string]*Ledger{"A": a, "B": b} {
			wg.Add(1)
			go func(l *Ledger, facility string) {
				defer wg.Done()
				if _, err := l.Issue(context.Background(), "p1", facility); err != nil {
					t.Errorf("issue %s: %v", facility, err)
				}
			}(l, fmt.Sprintf("FAC-%s%d", name, i))
		}
	}
	wg.Wait()

	if got := storedConsent(t, store, "p1").FacilityIDs(); len(got) != 6 {
		t.Errorf("expected 6 facilities, got %d: %v", len(got), got)
	}
}

func TestLedger_Validate_FailClosed(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *recordstoretest.Store)
		patient string
		want    Reason
	}{
		{
			name:    "no consent",
			setup:   func(s *recordstoretest.Store) {},
			patient: "p1",
			want:    ReasonNoConsent,
		},
		{
			name: "facility not listed",
			setup: func(s *recordstoretest.Store) {
				rec := newRecord("p1", time.Now())
				rec.grant(Facility{ID: "FAC-B"})
				s.Seed(rec.ToFHIR())
			},
			patient: "p1",
			want:    ReasonNotListed,
		},
		{
			name: "store error",
			setup: func(s *recordstoretest.Store) {
				s.Fail("GET /Consent", http.StatusInternalServerError)
			},
			patient: "p1",
			want:    ReasonStoreError,
		},
		{
			name: "malformed allow-list entry",
			setup: func(s *recordstoretest.Store) {
				s.Seed(map[string]any{
					"resourceType": "Consent",
					"id":           "p1",
					"provision": map[string]any{
						"extension": []any{map[string]any{"url": FacilityExtensionURL}},
					},
				})
			},
			patient: "p1",
			want:    ReasonMalformed,
		},
		{
			name:    "missing patient id",
			setup:   func(s *recordstoretest.Store) {},
			patient: "",
			want:    ReasonInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store, _ := newTestLedger(t, Options{})
			tt.setup(store)

			reason, _ := l.Check(context.Background(), tt.patient, "FAC-A")
			if reason != tt.want {
				t.Errorf("expected reason %s, got %s", tt.want, reason)
			}
			if l.Validate(context.Background(), tt.patient, "FAC-A") {
				t.Error("expected Validate to deny")
			}
		})
	}
}

func TestLedger_Validate_IgnoresBodyID(t *testing.T) {
	l, store, _ := newTestLedger(t, Options{})
	rec := newRecord("p1", time.Now())
	rec.grant(Facility{ID: "FAC-A"})
	c := rec.ToFHIR()
	c.Patient = &fhir.Reference{Reference: "Patient/someone-else"}
	store.Seed(c)

	loaded, err := l.load(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.PatientID != "p1" || loaded.ID != "p1" {
		t.Errorf("expected record addressed by p1, got id=%s patient=%s", loaded.ID, loaded.PatientID)
	}
}

func TestLedger_Revoke_Disabled(t *testing.T) {
	l, store, events := newTestLedger(t, Options{})
	store.SeedPatient("p1")
	ctx := context.Background()
	if _, err := l.Issue(ctx, "p1", "FAC-A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	writes := countRequests(store, "PUT ")

	rec, err := l.Revoke(ctx, "p1", "FAC-A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected no record, got %+v", rec)
	}
	if n := countRequests(store, "PUT "); n != writes {
		t.Errorf("expected no writes, got %d new", n-writes)
	}
	if !l.Validate(ctx, "p1", "FAC-A") {
		t.Error("expected FAC-A to remain granted")
	}
	if got := events.outcomes(ActionRevoke); len(got) != 1 || got[0] != OutcomeUnchanged {
		t.Errorf("expected one unchanged revoke event, got %v", got)
	}
}

func TestLedger_Revoke_Enabled(t *testing.T) {
	l, store, events := newTestLedger(t, Options{RevokeEnabled: true})
	store.SeedPatient("p1")
	ctx := context.Background()
	for _, f := range []string{"FAC-A", "FAC-B"} {
		if _, err := l.Issue(ctx, "p1", f); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	rec, err := l.Revoke(ctx, "p1", "FAC-A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Has("FAC-A") || !rec.Has("FAC-B") {
		t.Errorf("expected only FAC-B to remain, got %v", rec.FacilityIDs())
	}
	if l.Validate(ctx, "p1", "FAC-A") {
		t.Error("expected FAC-A to be denied after revoke")
	}

	// Revoking again is a no-op.
	if _, err := l.Revoke(ctx, "p1", "FAC-A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := events.outcomes(ActionRevoke)
	if strings.Join(got, ",") != OutcomeRevoked+","+OutcomeUnchanged {
		t.Errorf("expected revoked then unchanged, got %v", got)
	}
}

func TestLedger_Revoke_NoConsent(t *testing.T) {
	l, _, _ := newTestLedger(t, Options{RevokeEnabled: true})
	rec, err := l.Revoke(context.Background(), "p1", "FAC-A")
	if err != nil || rec != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", rec, err)
	}
}

func TestLedger_Revoke_InvalidArguments(t *testing.T) {
	l, _, _ := newTestLedger(t, Options{RevokeEnabled: true})
	if _, err := l.Revoke(context.Background(), "", "FAC-A"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for missing patient, got %v", err)
	}
	if _, err := l.Revoke(context.Background(), "p1", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for missing facility, got %v", err)
	}
}

func TestLedger_EventFailureDoesNotFailIssue(t *testing.T) {
	store, client := newTestStore(t)
	store.SeedPatient("p1")
	events := &memRecorder{err: errors.New("db down")}
	l := NewLedger(client, nil, events, zerolog.Nop(), Options{})

	if _, err := l.Issue(context.Background(), "p1", "FAC-A"); err != nil {
		t.Fatalf("expected issue to succeed despite recorder failure, got %v", err)
	}
}

func TestPermitted(t *testing.T) {
	if !Permitted(ReasonPermit, nil) {
		t.Error("expected permit without error to be permitted")
	}
	if Permitted(ReasonPermit, errors.New("boom")) {
		t.Error("expected an error to deny")
	}
	for _, r := range []Reason{ReasonNoConsent, ReasonNotListed, ReasonMalformed, ReasonStoreError, ReasonInvalid} {
		if Permitted(r, nil) {
			t.Errorf("expected %s to deny", r)
		}
	}
}
