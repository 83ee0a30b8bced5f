package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EventKind names a step in the life of a subscription attempt.
type EventKind string

const (
	EventRequested    EventKind = "requested"
	EventAccepted     EventKind = "accepted"
	EventFailed       EventKind = "failed"
	EventDelivered    EventKind = "delivered"
	EventUnsubscribed EventKind = "unsubscribed"
	EventGone         EventKind = "gone"
	EventErrored      EventKind = "errored"
	EventReset        EventKind = "reset"
	EventResumed      EventKind = "resumed"
)

// Event is one row of the subscription lifecycle log.
type Event struct {
	Seq       int64     `json:"seq"`
	Kind      EventKind `json:"kind"`
	Key       string    `json:"key,omitempty"`
	FullKey   string    `json:"full_key,omitempty"`
	ServerIDs []string  `json:"server_ids"`
	Detail    string    `json:"detail,omitempty"`
}

// AppendEvent writes an event to the log.
// Uses ON CONFLICT(seq) DO NOTHING: writing the same seq twice is a no-op.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	if err := appendEvent(ctx, s.db, ev); err != nil {
		return err
	}
	return nil
}

func appendEvent(ctx context.Context, db execer, ev Event) error {
	if ev.Seq <= 0 {
		return fmt.Errorf("append event: seq must be positive, got %d", ev.Seq)
	}
	ids, err := marshalServerIDs(ev.ServerIDs)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO subscription_events (seq, kind, key, full_key, server_ids, detail)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`, ev.Seq, string(ev.Kind), ev.Key, ev.FullKey, ids, ev.Detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the log ordered by seq. A non-empty key restricts it
// to that key. Returns an empty slice (not nil) if there are no events.
func (s *Store) ListEvents(ctx context.Context, key string) ([]Event, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if key == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT seq, kind, key, full_key, server_ids, detail
			FROM subscription_events
			ORDER BY seq ASC
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT seq, kind, key, full_key, server_ids, detail
			FROM subscription_events
			WHERE key = ?
			ORDER BY seq ASC
		`, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev   Event
			kind string
			ids  string
		)
		if err := rows.Scan(&ev.Seq, &kind, &ev.Key, &ev.FullKey, &ids, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = EventKind(kind)
		if ev.ServerIDs, err = unmarshalServerIDs(ids); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LastEventSeq returns the highest seq in the log, or 0 if it is empty.
// A coordinator starts its clock here after a restart.
func (s *Store) LastEventSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM subscription_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	return seq.Int64, nil
}
