package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hie/gateway/internal/platform/middleware"
)

// Event actions.
const (
	ActionIssue     = "issue"
	ActionRevoke    = "revoke"
	ActionAuthorize = "authorize"
)

// Event outcomes.
const (
	OutcomeGranted   = "granted"
	OutcomeUnchanged = "unchanged"
	OutcomeRevoked   = "revoked"
	OutcomePermit    = "permit"
	OutcomeDeny      = "deny"
	OutcomeError     = "error"
)

// Event is one entry of the consent audit trail.
type Event struct {
	ID         uuid.UUID `json:"id"`
	PatientID  string    `json:"patient_id"`
	FacilityID string    `json:"facility_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	At         time.Time `json:"at"`
}

func newEvent(ctx context.Context, patientID, facilityID, action, outcome, reason string) Event {
	return Event{
		ID:         uuid.New(),
		PatientID:  patientID,
		FacilityID: facilityID,
		Action:     action,
		Outcome:    outcome,
		Reason:     reason,
		RequestID:  middleware.RequestIDFromContext(ctx),
		At:         time.Now().UTC(),
	}
}

// EventRecorder persists consent events. Recording failures never change
// the outcome of the operation that produced the event.
type EventRecorder interface {
	Record(ctx context.Context, e Event) error
}

// LogRecorder writes events to the structured log. It is the recorder used
// when no database is configured.
type LogRecorder struct {
	Logger zerolog.Logger
}

func (r LogRecorder) Record(_ context.Context, e Event) error {
	r.Logger.Info().
		Str("type", "consent_event").
		Str("event_id", e.ID.String()).
		Str("request_id", e.RequestID).
		Str("patient_id", e.PatientID).
		Str("facility_id", e.FacilityID).
		Str("action", e.Action).
		Str("outcome", e.Outcome).
		Str("reason", e.Reason).
		Time("at", e.At).
		Msg("consent_event")
	return nil
}

// MultiRecorder fans an event out to every recorder and returns the first
// error.
type MultiRecorder []EventRecorder

func (m MultiRecorder) Record(ctx context.Context, e Event) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
