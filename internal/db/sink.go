package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FlushLinks appends a batch of external-link rows and folds the batch into
// the per-domain aggregation, in one transaction through the queue.
// Duplicate rows are discarded by the unique index (at-most-once per link),
// so replays after a resume do not double-insert. Aggregation counts the
// batch groups as presented; the caller dedups within a page.
func FlushLinks(ctx context.Context, q *DbQueue, batch []LinkRecord) error {
	if len(batch) == 0 {
		return nil
	}

	err := q.Execute(ctx, func(tx *sql.Tx) error {
		if err := batchInsertLinks(ctx, tx, batch); err != nil {
			return err
		}
		return upsertDomainCounts(ctx, tx, batch)
	})
	if err != nil {
		return fmt.Errorf("failed to flush link batch: %w", err)
	}

	log.Debug().
		Int("batch_size", len(batch)).
		Msg("Flushed external link batch")

	return nil
}

// batchInsertLinks inserts all rows of a batch in a single multi-row statement
func batchInsertLinks(ctx context.Context, tx *sql.Tx, batch []LinkRecord) error {
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]any, 0, len(batch)*8)

	paramIndex := 1
	for _, link := range batch {
		placeholders := fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			paramIndex, paramIndex+1, paramIndex+2, paramIndex+3,
			paramIndex+4, paramIndex+5, paramIndex+6, paramIndex+7)
		valueStrings = append(valueStrings, placeholders)
		paramIndex += 8

		observedAt := link.ObservedAt
		if observedAt.IsZero() {
			observedAt = time.Now()
		}

		valueArgs = append(valueArgs,
			link.CrawlID, link.SourceURL, link.TargetURL, link.TargetDomain,
			link.AnchorText, link.Rel, link.IsNofollow, observedAt)
	}

	query := fmt.Sprintf(`
		INSERT INTO outgoing_links
		(crawl_id, source_url, target_url, target_domain, anchor_text, rel, is_nofollow, observed_at)
		VALUES %s
		ON CONFLICT (crawl_id, source_url, target_url) DO NOTHING
	`, strings.Join(valueStrings, ","))

	result, err := tx.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		return fmt.Errorf("failed to batch insert outgoing links: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	log.Debug().
		Int("batch_size", len(batch)).
		Int64("rows_inserted", rowsAffected).
		Msg("Batch inserted outgoing links")

	return nil
}

// upsertDomainCounts groups the batch by target domain and increments each
// domain's link_count, keeping first_seen_at/last_seen_at monotonic.
func upsertDomainCounts(ctx context.Context, tx *sql.Tx, batch []LinkRecord) error {
	type group struct {
		crawlID int
		domain  string
		count   int
	}

	grouped := make(map[string]*group)
	for _, link := range batch {
		key := fmt.Sprintf("%d|%s", link.CrawlID, link.TargetDomain)
		if g, ok := grouped[key]; ok {
			g.count++
		} else {
			grouped[key] = &group{crawlID: link.CrawlID, domain: link.TargetDomain, count: 1}
		}
	}

	// Stable ordering keeps concurrent flushes from deadlocking on row locks.
	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outgoing_domains (crawl_id, target_domain, link_count, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (crawl_id, target_domain) DO UPDATE SET
			link_count = outgoing_domains.link_count + EXCLUDED.link_count,
			last_seen_at = GREATEST(outgoing_domains.last_seen_at, EXCLUDED.last_seen_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare outgoing_domains upsert: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		g := grouped[k]
		if _, err := stmt.ExecContext(ctx, g.crawlID, g.domain, g.count); err != nil {
			return fmt.Errorf("failed to upsert outgoing domain %s: %w", g.domain, err)
		}
	}

	return nil
}
