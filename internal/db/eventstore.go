package db

import (
	"context"
	"database/sql"

	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/eventlog"
)

// EventStore persists the hash chain in the events table. It binds to a
// Querier so a store scoped to an open transaction appends the event in
// the same commit as the records it describes.
type EventStore struct {
	q Querier
}

// NewEventStore creates an event store over a database or transaction.
func NewEventStore(q Querier) *EventStore {
	return &EventStore{q: q}
}

// Append writes one event. Rows are insert-only; the chain is never
// rewritten in place.
func (s *EventStore) Append(ctx context.Context, e *eventlog.Event) error {
	query := `
		INSERT INTO events (id, type, timestamp, hlc, actor, capsule_id, previous_event, payload, signature, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.q.ExecContext(ctx, query,
		e.ID, e.Type, e.Timestamp, e.HLC, e.Actor,
		toNullString(e.CapsuleID), toNullString(e.PreviousEvent),
		e.Payload, toNullString(e.Signature), e.Hash)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// All returns the full chain in append order.
func (s *EventStore) All(ctx context.Context) ([]*eventlog.Event, error) {
	query := `
		SELECT id, type, timestamp, hlc, actor, capsule_id, previous_event, payload, signature, hash
		FROM events
		ORDER BY seq ASC
	`
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*eventlog.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// Head returns the most recently appended event, or nil for an empty
// chain.
func (s *EventStore) Head(ctx context.Context) (*eventlog.Event, error) {
	query := `
		SELECT id, type, timestamp, hlc, actor, capsule_id, previous_event, payload, signature, hash
		FROM events
		ORDER BY seq DESC
		LIMIT 1
	`
	e, err := scanEvent(s.q.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return e, nil
}

// scanEvent scans a single row into an Event struct.
func scanEvent(row rowScanner) (*eventlog.Event, error) {
	var (
		e         eventlog.Event
		capsuleID sql.NullString
		prevEvent sql.NullString
		signature sql.NullString
	)
	err := row.Scan(&e.ID, &e.Type, &e.Timestamp, &e.HLC, &e.Actor,
		&capsuleID, &prevEvent, &e.Payload, &signature, &e.Hash)
	if err != nil {
		return nil, err
	}
	e.CapsuleID = capsuleID.String
	e.PreviousEvent = prevEvent.String
	e.Signature = signature.String
	return &e, nil
}

// toNullString converts an optional string column value.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
