package consent

import (
	"context"

	"github.com/rs/zerolog"
)

// Decision is the gate's answer.
type Decision bool

const (
	Deny  Decision = false
	Allow Decision = true
)

func (d Decision) String() string {
	if d {
		return "allow"
	}
	return "deny"
}

// Checker is the ledger operation the gate consults.
type Checker interface {
	Check(ctx context.Context, patientID, facilityID string) (Reason, error)
}

// Gate is the authorization checkpoint in front of every proxied clinical
// read or write. It holds no cache: each decision re-reads the ledger, and
// a decision is exactly the ledger's Validate for the same pair.
type Gate struct {
	ledger Checker
	events EventRecorder
	logger zerolog.Logger
}

func NewGate(ledger Checker, events EventRecorder, logger zerolog.Logger) *Gate {
	return &Gate{ledger: ledger, events: events, logger: logger}
}

func (g *Gate) Authorize(ctx context.Context, patientID, facilityID string) Decision {
	reason, err := g.ledger.Check(ctx, patientID, facilityID)
	d := Decision(Permitted(reason, err))

	evt := g.logger.Debug()
	if err != nil {
		evt = g.logger.Warn().Err(err)
	}
	evt.Str("patient_id", patientID).
		Str("facility_id", facilityID).
		Str("reason", string(reason)).
		Stringer("decision", d).
		Msg("consent gate decision")

	if g.events != nil {
		outcome := OutcomeDeny
		if d == Allow {
			outcome = OutcomePermit
		}
		e := newEvent(ctx, patientID, facilityID, ActionAuthorize, outcome, string(reason))
		if recErr := g.events.Record(context.WithoutCancel(ctx), e); recErr != nil {
			g.logger.Error().Err(recErr).Str("patient_id", patientID).Msg("failed to record consent event")
		}
	}
	return d
}
