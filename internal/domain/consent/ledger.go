package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/platform/fhir"
	"github.com/hie/gateway/internal/platform/lock"
	"github.com/hie/gateway/internal/platform/middleware"
	"github.com/hie/gateway/internal/platform/recordstore"
)

// Store is the part of the record store client the ledger uses.
type Store interface {
	Read(ctx context.Context, resourceType, id string, opts ...recordstore.RequestOption) (*recordstore.Result, error)
	Update(ctx context.Context, resourceType, id string, resource any, opts ...recordstore.RequestOption) (*recordstore.Result, error)
}

// Reason explains a Check result. Callers outside the ledger only ever see
// allow or deny; the reason exists for logs and the audit trail.
type Reason string

const (
	ReasonPermit     Reason = "permit"
	ReasonNoConsent  Reason = "no-consent"
	ReasonNotListed  Reason = "not-listed"
	ReasonMalformed  Reason = "malformed"
	ReasonStoreError Reason = "store-error"
	ReasonInvalid    Reason = "invalid-request"
)

// Options tune a Ledger.
type Options struct {
	// RevokeEnabled turns Revoke from an acknowledged no-op into a real
	// removal from the allow-list.
	RevokeEnabled bool
	// WriteRetries is how many times a conflicting conditional write is
	// retried with a fresh read.
	WriteRetries int
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Ledger owns the per-patient consent records held in the record store.
// Each record is a FHIR Consent whose id is the patient id.
type Ledger struct {
	store  Store
	locker lock.Locker
	events EventRecorder
	logger zerolog.Logger
	opts   Options
}

func NewLedger(store Store, locker lock.Locker, events EventRecorder, logger zerolog.Logger, opts Options) *Ledger {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.WriteRetries < 0 {
		opts.WriteRetries = 0
	}
	return &Ledger{store: store, locker: locker, events: events, logger: logger, opts: opts}
}

// Issue grants facilityID access to patientID's record. The consent record
// is created on first use and the call is idempotent: a facility already on
// the allow-list leaves the record untouched. Each attempt reads the
// consent once and writes it at most once; a concurrent change detected by
// the store's version check causes a bounded retry.
func (l *Ledger) Issue(ctx context.Context, patientID, facilityID string) (*Record, error) {
	patientID, facilityID = strings.TrimSpace(patientID), strings.TrimSpace(facilityID)
	if patientID == "" || facilityID == "" {
		return nil, fmt.Errorf("%w: patient and facility are required", ErrInvalidArgument)
	}

	rec, outcome, err := l.issue(ctx, patientID, facilityID)
	if err != nil {
		l.record(ctx, patientID, facilityID, ActionIssue, OutcomeError, err.Error())
		l.logger.Warn().Err(err).
			Str("patient_id", patientID).
			Str("facility_id", facilityID).
			Msg("consent issuance failed")
		return nil, err
	}

	l.record(ctx, patientID, facilityID, ActionIssue, outcome, "")
	l.logger.Debug().
		Str("patient_id", patientID).
		Str("facility_id", facilityID).
		Str("outcome", outcome).
		Msg("consent issued")
	return rec, nil
}

func (l *Ledger) issue(ctx context.Context, patientID, facilityID string) (*Record, string, error) {
	if err := l.resolvePatient(ctx, patientID); err != nil {
		return nil, "", err
	}

	unlock, err := l.locker.Lock(ctx, "consent:"+patientID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrConsentIssuanceFailed, err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		rec, err := l.load(ctx, patientID)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrConsentIssuanceFailed, err)
		}
		if rec == nil {
			rec = newRecord(patientID, l.opts.Now())
		}

		if !rec.grant(Facility{ID: facilityID, Display: facilityID}) {
			return rec, OutcomeUnchanged, nil
		}

		saved, err := l.save(ctx, rec)
		if errors.Is(err, ErrWriteConflict) && attempt < l.opts.WriteRetries {
			l.logger.Debug().
				Str("patient_id", patientID).
				Int("attempt", attempt+1).
				Msg("consent changed during issuance, retrying")
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrConsentIssuanceFailed, err)
		}
		return saved, OutcomeGranted, nil
	}
}

// resolvePatient confirms patientID names a Patient in the store.
func (l *Ledger) resolvePatient(ctx context.Context, patientID string) error {
	res, err := l.store.Read(ctx, "Patient", patientID, l.requestOpts(ctx)...)
	if err != nil {
		return fmt.Errorf("%w: read patient: %w", ErrConsentIssuanceFailed, err)
	}
	if res.NotFound() || (res.OK() && res.ResourceType() != "Patient") {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
	}
	if !res.OK() {
		return fmt.Errorf("%w: read patient: store returned %d", ErrConsentIssuanceFailed, res.StatusCode)
	}
	return nil
}

// load reads the consent for patientID. A missing record, or a body that is
// not a Consent, yields (nil, nil).
func (l *Ledger) load(ctx context.Context, patientID string) (*Record, error) {
	res, err := l.store.Read(ctx, "Consent", patientID, l.requestOpts(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("read consent: %w", err)
	}
	if res.NotFound() {
		return nil, nil
	}
	if !res.OK() {
		return nil, fmt.Errorf("read consent: store returned %d", res.StatusCode)
	}
	if res.ResourceType() != "Consent" {
		return nil, nil
	}

	var c fhir.Consent
	if err := res.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConsent, err)
	}
	rec, err := FromFHIR(&c, res.VersionID())
	if err != nil {
		return nil, err
	}
	// The record is addressed by patient id whatever the body claims.
	rec.ID, rec.PatientID = patientID, patientID
	return rec, nil
}

// save replaces the full record. Records read from the store are written
// conditionally on the version they were read at.
func (l *Ledger) save(ctx context.Context, rec *Record) (*Record, error) {
	opts := append(l.requestOpts(ctx), recordstore.IfMatch(rec.Version))
	res, err := l.store.Update(ctx, "Consent", rec.ID, rec.ToFHIR(), opts...)
	if err != nil {
		return nil, fmt.Errorf("write consent: %w", err)
	}
	if res.Conflict() {
		return nil, ErrWriteConflict
	}
	if !res.OK() {
		return nil, fmt.Errorf("write consent: store returned %d", res.StatusCode)
	}

	saved := *rec
	saved.Version = res.VersionID()
	return &saved, nil
}

// Check reports whether facilityID is on patientID's allow-list together
// with the reason. Any failure to obtain a well-formed record denies; the
// error is returned for logging only.
func (l *Ledger) Check(ctx context.Context, patientID, facilityID string) (Reason, error) {
	if strings.TrimSpace(patientID) == "" || strings.TrimSpace(facilityID) == "" {
		return ReasonInvalid, nil
	}
	rec, err := l.load(ctx, patientID)
	switch {
	case errors.Is(err, ErrMalformedConsent):
		return ReasonMalformed, err
	case err != nil:
		return ReasonStoreError, err
	case rec == nil:
		return ReasonNoConsent, nil
	case !rec.Has(facilityID):
		return ReasonNotListed, nil
	}
	return ReasonPermit, nil
}

// Validate is the fail-closed membership test: true only when the consent
// exists, is well formed and lists facilityID.
func (l *Ledger) Validate(ctx context.Context, patientID, facilityID string) bool {
	reason, err := l.Check(ctx, patientID, facilityID)
	allowed := Permitted(reason, err)

	evt := l.logger.Debug()
	if err != nil {
		evt = l.logger.Warn().Err(err)
	}
	evt.Str("patient_id", patientID).
		Str("facility_id", facilityID).
		Str("reason", string(reason)).
		Bool("allowed", allowed).
		Msg("consent validated")
	return allowed
}

// Permitted is the single decision rule shared by Validate and the gate.
func Permitted(reason Reason, err error) bool {
	return err == nil && reason == ReasonPermit
}

// Revoke withdraws facilityID from patientID's allow-list. Unless revocation
// is enabled it only acknowledges the request and leaves the ledger
// unchanged. Either way it is idempotent: revoking an absent grant
// succeeds. The returned record is nil when nothing was read.
func (l *Ledger) Revoke(ctx context.Context, patientID, facilityID string) (*Record, error) {
	patientID, facilityID = strings.TrimSpace(patientID), strings.TrimSpace(facilityID)
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient is required", ErrInvalidArgument)
	}

	if !l.opts.RevokeEnabled {
		l.record(ctx, patientID, facilityID, ActionRevoke, OutcomeUnchanged, "revocation disabled")
		l.logger.Info().
			Str("patient_id", patientID).
			Str("facility_id", facilityID).
			Msg("consent revoke acknowledged without change; revocation is disabled")
		return nil, nil
	}
	if facilityID == "" {
		return nil, fmt.Errorf("%w: facility is required", ErrInvalidArgument)
	}

	rec, outcome, err := l.revoke(ctx, patientID, facilityID)
	if err != nil {
		l.record(ctx, patientID, facilityID, ActionRevoke, OutcomeError, err.Error())
		return nil, err
	}
	l.record(ctx, patientID, facilityID, ActionRevoke, outcome, "")
	return rec, nil
}

func (l *Ledger) revoke(ctx context.Context, patientID, facilityID string) (*Record, string, error) {
	unlock, err := l.locker.Lock(ctx, "consent:"+patientID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrConsentRevokeFailed, err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		rec, err := l.load(ctx, patientID)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrConsentRevokeFailed, err)
		}
		if rec == nil {
			return nil, OutcomeUnchanged, nil
		}
		if !rec.revoke(facilityID) {
			return rec, OutcomeUnchanged, nil
		}

		saved, err := l.save(ctx, rec)
		if errors.Is(err, ErrWriteConflict) && attempt < l.opts.WriteRetries {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrConsentRevokeFailed, err)
		}
		return saved, OutcomeRevoked, nil
	}
}

func (l *Ledger) record(ctx context.Context, patientID, facilityID, action, outcome, reason string) {
	if l.events == nil {
		return
	}
	e := newEvent(ctx, patientID, facilityID, action, outcome, reason)
	e.At = l.opts.Now().UTC()
	// The audit write must not be cut short by a request that is ending.
	if err := l.events.Record(context.WithoutCancel(ctx), e); err != nil {
		l.logger.Error().Err(err).
			Str("patient_id", patientID).
			Str("action", action).
			Msg("failed to record consent event")
	}
}

func (l *Ledger) requestOpts(ctx context.Context) []recordstore.RequestOption {
	if rid := middleware.RequestIDFromContext(ctx); rid != "" {
		return []recordstore.RequestOption{recordstore.WithRequestID(rid)}
	}
	return nil
}
