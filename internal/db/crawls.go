package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Crawl record statuses. A record never leaves a terminal status.
const (
	CrawlStatusQueued     = "queued"
	CrawlStatusProcessing = "processing"
	CrawlStatusCompleted  = "completed"
	CrawlStatusFailed     = "failed"
)

// CrawlRecord is the external status surface of a crawl. The row id is the
// crawl id; one row exists per base domain and is reused across crawls.
type CrawlRecord struct {
	ID                 int       `json:"crawl_id"`
	BaseDomain         string    `json:"base_domain"`
	Status             string    `json:"status"`
	PagesCrawled       int       `json:"pages_crawled"`
	ExternalLinksTotal int       `json:"external_links_total"`
	MaxDepth           int       `json:"max_depth"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LinkRecord is one external link occurrence appended to the sink.
type LinkRecord struct {
	CrawlID      int       `json:"crawl_id"`
	SourceURL    string    `json:"source_url"`
	TargetURL    string    `json:"target_url"`
	TargetDomain string    `json:"target_domain"`
	AnchorText   string    `json:"anchor_text"`
	Rel          string    `json:"rel"`
	IsNofollow   bool      `json:"is_nofollow"`
	ObservedAt   time.Time `json:"observed_at"`
}

// DomainSummary aggregates external links per target domain for one crawl.
type DomainSummary struct {
	TargetDomain string    `json:"target_domain"`
	LinkCount    int       `json:"link_count"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// LinkQuery filters and paginates ListLinks.
type LinkQuery struct {
	Page         int    // 1-based
	Limit        int
	TextFilter   string // substring match on anchor_text
	RelType      string // "all", "nofollow", "dofollow"
	DomainFilter string // exact target_domain match
}

// StartCrawlRecord upserts the crawl record for a base domain, marking it
// processing and resetting counters, and returns the crawl id. The id is
// stable per domain so historical link rows stay attached to it.
func (db *DB) StartCrawlRecord(ctx context.Context, baseDomain string, maxDepth int) (int, error) {
	var id int
	err := db.client.QueryRowContext(ctx, `
		INSERT INTO domains (base_domain, status, max_depth, pages_crawled, external_links_total)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (base_domain) DO UPDATE SET
			status = EXCLUDED.status,
			max_depth = EXCLUDED.max_depth,
			pages_crawled = 0,
			external_links_total = 0,
			updated_at = NOW()
		RETURNING id
	`, baseDomain, CrawlStatusProcessing, maxDepth).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert crawl record for %s: %w", baseDomain, err)
	}
	return id, nil
}

// UpdateCrawlCounters writes the running page and link counters.
func (db *DB) UpdateCrawlCounters(ctx context.Context, crawlID, pagesCrawled, externalLinks int) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE domains
		SET pages_crawled = $1,
			external_links_total = $2,
			updated_at = NOW()
		WHERE id = $3
	`, pagesCrawled, externalLinks, crawlID)
	if err != nil {
		return fmt.Errorf("failed to update crawl counters: %w", err)
	}
	return nil
}

// FinishCrawlRecord writes the terminal status and final counters. Rows
// already in a terminal status are left untouched.
func (db *DB) FinishCrawlRecord(ctx context.Context, crawlID int, status string, pagesCrawled, externalLinks int) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE domains
		SET status = $1,
			pages_crawled = $2,
			external_links_total = $3,
			updated_at = NOW()
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, status, pagesCrawled, externalLinks, crawlID, CrawlStatusCompleted, CrawlStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to finish crawl record: %w", err)
	}
	return nil
}

// GetCrawlRecord returns the latest crawl record for a base domain.
func (db *DB) GetCrawlRecord(ctx context.Context, baseDomain string) (*CrawlRecord, error) {
	var rec CrawlRecord
	err := db.client.QueryRowContext(ctx, `
		SELECT id, base_domain, status, pages_crawled, external_links_total,
			max_depth, created_at, updated_at
		FROM domains
		WHERE base_domain = $1
		ORDER BY id DESC
		LIMIT 1
	`, baseDomain).Scan(
		&rec.ID, &rec.BaseDomain, &rec.Status, &rec.PagesCrawled,
		&rec.ExternalLinksTotal, &rec.MaxDepth, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read crawl record for %s: %w", baseDomain, err)
	}
	return &rec, nil
}

// GetDomainSummary returns the outgoing-domain aggregation for a crawl,
// largest link counts first.
func (db *DB) GetDomainSummary(ctx context.Context, crawlID int) ([]DomainSummary, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT target_domain, link_count, first_seen_at, last_seen_at
		FROM outgoing_domains
		WHERE crawl_id = $1
		ORDER BY link_count DESC, target_domain ASC
	`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outgoing domains: %w", err)
	}
	defer rows.Close()

	var summaries []DomainSummary
	for rows.Next() {
		var s DomainSummary
		if err := rows.Scan(&s.TargetDomain, &s.LinkCount, &s.FirstSeenAt, &s.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan outgoing domain row: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ListLinks returns one page of external-link rows for a crawl id, in
// insertion order (oldest first).
func (db *DB) ListLinks(ctx context.Context, crawlID int, q LinkQuery) ([]LinkRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	var conditions []string
	var args []any
	args = append(args, crawlID)
	conditions = append(conditions, fmt.Sprintf("crawl_id = $%d", len(args)))

	if q.TextFilter != "" {
		args = append(args, "%"+q.TextFilter+"%")
		conditions = append(conditions, fmt.Sprintf("anchor_text ILIKE $%d", len(args)))
	}
	switch q.RelType {
	case "nofollow":
		conditions = append(conditions, "is_nofollow = TRUE")
	case "dofollow":
		conditions = append(conditions, "is_nofollow = FALSE")
	}
	if q.DomainFilter != "" {
		args = append(args, q.DomainFilter)
		conditions = append(conditions, fmt.Sprintf("target_domain = $%d", len(args)))
	}

	args = append(args, q.Limit)
	limitIdx := len(args)
	args = append(args, (q.Page-1)*q.Limit)
	offsetIdx := len(args)

	query := fmt.Sprintf(`
		SELECT crawl_id, source_url, target_url, target_domain,
			anchor_text, rel, is_nofollow, observed_at
		FROM outgoing_links
		WHERE %s
		ORDER BY id ASC
		LIMIT $%d OFFSET $%d
	`, strings.Join(conditions, " AND "), limitIdx, offsetIdx)

	rows, err := db.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outgoing links: %w", err)
	}
	defer rows.Close()

	var links []LinkRecord
	for rows.Next() {
		var l LinkRecord
		if err := rows.Scan(&l.CrawlID, &l.SourceURL, &l.TargetURL, &l.TargetDomain,
			&l.AnchorText, &l.Rel, &l.IsNofollow, &l.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outgoing link row: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
