package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveState upserts the serialised crawl state for a base domain. The upsert
// runs as a single transaction through the queue.
func SaveState(ctx context.Context, q *DbQueue, baseDomain string, stateBlob []byte) error {
	err := q.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO crawl_states (base_domain, state_blob, saved_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (base_domain) DO UPDATE SET
				state_blob = EXCLUDED.state_blob,
				saved_at = EXCLUDED.saved_at
		`, baseDomain, string(stateBlob), time.Now())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save crawl state for %s: %w", baseDomain, err)
	}
	return nil
}

// LoadState returns the stored state blob for a base domain, or ok=false
// when no checkpoint exists.
func (db *DB) LoadState(ctx context.Context, baseDomain string) ([]byte, bool, error) {
	var blob string
	err := db.client.QueryRowContext(ctx, `
		SELECT state_blob FROM crawl_states WHERE base_domain = $1
	`, baseDomain).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load crawl state for %s: %w", baseDomain, err)
	}
	return []byte(blob), true, nil
}

// DeleteState removes the checkpoint for a base domain.
func DeleteState(ctx context.Context, q *DbQueue, baseDomain string) error {
	err := q.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM crawl_states WHERE base_domain = $1`, baseDomain)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete crawl state for %s: %w", baseDomain, err)
	}
	return nil
}
