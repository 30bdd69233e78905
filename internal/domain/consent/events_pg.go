package consent

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PGQuerier is the subset of *pgxpool.Pool used by PGEventStore.
type PGQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGEventStore keeps the consent audit trail in the consent_event table.
type PGEventStore struct {
	db PGQuerier
}

func NewPGEventStore(db PGQuerier) *PGEventStore {
	return &PGEventStore{db: db}
}

func (s *PGEventStore) Record(ctx context.Context, e Event) error {
	const query = `
		INSERT INTO consent_event (id, patient_id, facility_id, action, outcome, reason, request_id, at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`

	_, err := s.db.Exec(ctx, query,
		e.ID, e.PatientID, e.FacilityID, e.Action, e.Outcome, e.Reason, e.RequestID, e.At)
	if err != nil {
		return fmt.Errorf("consent event: insert: %w", err)
	}
	return nil
}

// History returns the most recent events for a patient, newest first.
func (s *PGEventStore) History(ctx context.Context, patientID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	const query = `
		SELECT id, patient_id, facility_id, action, outcome, COALESCE(reason, ''), COALESCE(request_id, ''), at
		FROM consent_event
		WHERE patient_id = $1
		ORDER BY at DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("consent event: query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PatientID, &e.FacilityID, &e.Action, &e.Outcome, &e.Reason, &e.RequestID, &e.At); err != nil {
			return nil, fmt.Errorf("consent event: scan: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consent event: iterate: %w", err)
	}
	return events, nil
}
