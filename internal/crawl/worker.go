package crawl

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/funnelweb-au/funnelweb/internal/db"
	"github.com/funnelweb-au/funnelweb/internal/extract"
	"github.com/funnelweb-au/funnelweb/internal/frontier"
	"github.com/funnelweb-au/funnelweb/internal/observability"
	"github.com/funnelweb-au/funnelweb/internal/urlutil"
)

// frontierEntry builds a frontier entry for admission.
func frontierEntry(url string, depth int, sourceURL, entryType string, priority int) frontier.Entry {
	return frontier.Entry{
		URL:       url,
		Depth:     depth,
		SourceURL: sourceURL,
		Type:      entryType,
		Priority:  priority,
	}
}

// worker draws entries from the frontier until it drains. Each worker keeps
// its own link batch; only the flush touches shared storage. A panic is
// recovered and returned so the pool can mark the crawl failed.
func (c *Crawl) worker(ctx context.Context, workerID int) (err error) {
	batch := make([]db.LinkRecord, 0, linkBatchSize)

	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Int("worker_id", workerID).
				Str("domain", c.baseDomain).
				Msg("Worker panicked")
			err = fmt.Errorf("worker %d panicked: %v", workerID, r)
		}
		c.flushRemaining(&batch)
	}()

	log.Debug().Int("worker_id", workerID).Str("domain", c.baseDomain).Msg("Worker started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		entry, ok := c.frontier.Pop()
		if !ok {
			// An empty pop may just mean other workers are mid-page; wait
			// once and re-check before treating it as drain.
			select {
			case <-time.After(emptyFrontierWait):
			case <-ctx.Done():
				return nil
			}
			entry, ok = c.frontier.Pop()
			if !ok {
				log.Debug().Int("worker_id", workerID).Str("domain", c.baseDomain).Msg("Frontier drained, worker exiting")
				return nil
			}
		}

		c.processEntry(ctx, entry.URL, entry.Depth, &batch)

		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
	}
}

// processEntry fetches one URL, records it as crawled, and routes extracted
// links: external targets into the worker's batch, in-scope targets back
// into the frontier.
func (c *Crawl) processEntry(ctx context.Context, url string, depth int, batch *[]db.LinkRecord) {
	if depth > c.opts.MaxDepth {
		return
	}
	if c.crawled.Contains(url) {
		return
	}

	res, err := c.crawler.Fetch(ctx, url)
	if err != nil {
		c.errorCount.Add(1)
		observability.RecordFetchError()
		log.Debug().
			Err(err).
			Str("url", url).
			Str("domain", c.baseDomain).
			Msg("Fetch failed, continuing")
		return
	}

	// Record both the requested and the landing URL so neither is retried.
	c.crawled.Add(url)
	c.crawled.Add(res.FinalURL)
	pages := c.pagesCrawled.Add(1)
	observability.RecordPageCrawled()

	if res.IsHTML() {
		c.extractAndRoute(res.Body, res.FinalURL, depth, batch)
	}

	if len(*batch) >= linkBatchSize {
		c.flushBatch(ctx, batch)
	}

	if pages%counterUpdateInterval == 0 {
		if err := c.database.UpdateCrawlCounters(ctx, c.id, int(pages), int(c.externalLinks.Load())); err != nil {
			log.Error().Err(err).Str("domain", c.baseDomain).Msg("Failed to update crawl counters")
		}
	}

	if pages%checkpointInterval == 0 {
		c.saveCheckpoint(ctx)
	}
}

// extractAndRoute parses one HTML page and distributes what it finds.
// External rows are deduplicated per page by target URL and appended in
// document order.
func (c *Crawl) extractAndRoute(body []byte, finalURL string, depth int, batch *[]db.LinkRecord) {
	page, err := extract.Parse(body, finalURL)
	if err != nil {
		log.Debug().Err(err).Str("url", finalURL).Msg("Failed to parse page")
		return
	}

	observedAt := time.Now()
	seenTargets := make(map[string]bool)

	for _, anchor := range page.Anchors {
		host := urlutil.Host(anchor.URL)
		if host == "" {
			continue
		}

		if !urlutil.InScope(host, c.baseDomain, c.opts.IncludeSubdomains) {
			if seenTargets[anchor.URL] {
				continue
			}
			seenTargets[anchor.URL] = true

			*batch = append(*batch, db.LinkRecord{
				CrawlID:      c.id,
				SourceURL:    finalURL,
				TargetURL:    anchor.URL,
				TargetDomain: host,
				AnchorText:   anchor.Text,
				Rel:          anchor.Rel,
				IsNofollow:   anchor.IsNofollow,
				ObservedAt:   observedAt,
			})
			c.externalLinks.Add(1)
			observability.RecordExternalLink()
			continue
		}

		if urlutil.IsFeed(anchor.URL) {
			c.frontier.Add(frontierEntry(anchor.URL, depth+1, finalURL, TypePage, urlutil.PriorityFeed))
			continue
		}

		priority, entryType := urlutil.Classify(anchor.URL, urlutil.ClassifyOptions{
			LanguageVariants: c.opts.IncludeLanguageVariants,
			Pagination:       c.opts.FollowPagination,
		})
		c.frontier.Add(frontierEntry(anchor.URL, depth+1, finalURL, entryType, priority))
	}

	for _, jsonldURL := range page.JSONLDURLs {
		host := urlutil.Host(jsonldURL)
		if host == "" || !urlutil.InScope(host, c.baseDomain, c.opts.IncludeSubdomains) {
			continue
		}
		c.frontier.Add(frontierEntry(jsonldURL, depth+1, finalURL, TypePage, urlutil.PriorityDefault))
	}
}

// flushBatch appends the batch to the sink. On persistence errors the batch
// is dropped and the crawl continues; the rows are lost, not retried.
func (c *Crawl) flushBatch(ctx context.Context, batch *[]db.LinkRecord) {
	if len(*batch) == 0 {
		return
	}
	if err := db.FlushLinks(ctx, c.dbQueue, *batch); err != nil {
		log.Error().
			Err(err).
			Int("batch_size", len(*batch)).
			Str("domain", c.baseDomain).
			Msg("Failed to flush link batch, dropping")
	}
	*batch = (*batch)[:0]
}

// flushRemaining flushes a worker's partial batch at exit, on a fresh
// deadline so cancellation does not lose the tail of the crawl.
func (c *Crawl) flushRemaining(batch *[]db.LinkRecord) {
	if len(*batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.flushBatch(flushCtx, batch)
}
