package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/shapesub/internal/subscription"
)

// MetaSubscriptions is the meta key of the subscription manager snapshot.
const MetaSubscriptions = "subscriptions"

// SetMeta upserts a meta row.
func (s *Store) SetMeta(ctx context.Context, key, value string, seq int64) error {
	if err := setMeta(ctx, s.db, key, value, seq); err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// GetMeta returns a meta value. The bool is false if the key is not set.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, true, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setMeta(ctx context.Context, db execer, key, value string, seq int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO meta (key, value, seq)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, seq = excluded.seq
	`, key, value, seq)
	return err
}

// SaveSubscriptions stores the manager snapshot.
func (s *Store) SaveSubscriptions(ctx context.Context, st subscription.State, seq int64) error {
	data, err := marshalJSON(st)
	if err != nil {
		return fmt.Errorf("save subscriptions: %w", err)
	}
	if err := setMeta(ctx, s.db, MetaSubscriptions, data, seq); err != nil {
		return fmt.Errorf("save subscriptions: %w", err)
	}
	return nil
}

// LoadSubscriptions returns the stored manager snapshot. The bool is false
// if none was saved yet.
func (s *Store) LoadSubscriptions(ctx context.Context) (subscription.State, bool, error) {
	data, ok, err := s.GetMeta(ctx, MetaSubscriptions)
	if err != nil || !ok {
		return subscription.State{}, false, err
	}
	var st subscription.State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return subscription.State{}, false, fmt.Errorf("load subscriptions: %w", err)
	}
	return st, true, nil
}

// Commit stores the manager snapshot and appends events in one
// transaction, so the log never runs ahead of the persisted state.
func (s *Store) Commit(ctx context.Context, st subscription.State, events ...Event) error {
	data, err := marshalJSON(st)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	var seq int64
	for _, ev := range events {
		seq = max(seq, ev.Seq)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			if err := appendEvent(ctx, tx, ev); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
		}
		if err := setMeta(ctx, tx, MetaSubscriptions, data, seq); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}
