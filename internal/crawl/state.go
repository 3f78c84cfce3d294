package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog/log"

	"github.com/funnelweb-au/funnelweb/internal/db"
	"github.com/funnelweb-au/funnelweb/internal/frontier"
)

// checkpointState is the serialised form of a crawl's resumable state,
// written as one blob keyed by base domain.
type checkpointState struct {
	Discovered    []string          `json:"discovered"`
	Crawled       []string          `json:"crawled"`
	Frontier      []frontier.Entry  `json:"frontier"`
	RobotsCache   map[string][]string `json:"robots_cache"`
	SitemapCache  map[string][]string `json:"sitemap_cache"`
	PagesCrawled  int64             `json:"pages_crawled"`
	ExternalLinks int64             `json:"external_links_total"`
	SavedAtMs     int64             `json:"saved_at_ms"`
}

// snapshotState captures the crawl's current state. Safe to call while
// workers run; each component is snapshotted under its own lock.
func (c *Crawl) snapshotState() *checkpointState {
	discovered, pending := c.frontier.Snapshot()
	return &checkpointState{
		Discovered:    discovered,
		Crawled:       c.crawled.ToSlice(),
		Frontier:      pending,
		RobotsCache:   c.robotsCache.Snapshot(),
		SitemapCache:  c.sitemapCache.Snapshot(),
		PagesCrawled:  c.pagesCrawled.Load(),
		ExternalLinks: c.externalLinks.Load(),
		SavedAtMs:     time.Now().UnixMilli(),
	}
}

// saveCheckpoint serialises and upserts the crawl state. Failures are logged
// and never fatal; the next interval will try again. A mutex serialises
// concurrent saves from different workers.
func (c *Crawl) saveCheckpoint(ctx context.Context) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	state := c.snapshotState()
	blob, err := json.Marshal(state)
	if err != nil {
		log.Error().Err(err).Str("domain", c.baseDomain).Msg("Failed to serialise crawl state")
		return
	}

	if err := db.SaveState(ctx, c.dbQueue, c.baseDomain, blob); err != nil {
		log.Error().Err(err).Str("domain", c.baseDomain).Msg("Failed to save checkpoint")
		return
	}

	log.Debug().
		Str("domain", c.baseDomain).
		Int("discovered", len(state.Discovered)).
		Int("crawled", len(state.Crawled)).
		Int("frontier", len(state.Frontier)).
		Msg("Checkpoint saved")
}

// restoreState loads a checkpoint into the crawl. Returns whether a
// checkpoint existed and, if so, whether its frontier still has entries.
func (c *Crawl) restoreState(ctx context.Context, database *db.DB) (found, frontierPending bool, err error) {
	blob, ok, err := database.LoadState(ctx, c.baseDomain)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return false, false, nil
	}

	var state checkpointState
	if err := json.Unmarshal(blob, &state); err != nil {
		return false, false, fmt.Errorf("failed to deserialise crawl state for %s: %w", c.baseDomain, err)
	}

	c.frontier.Restore(state.Discovered, state.Frontier)
	c.crawled = mapset.NewSet[string](state.Crawled...)
	c.robotsCache.Replace(state.RobotsCache)
	c.sitemapCache.Replace(state.SitemapCache)
	c.pagesCrawled.Store(state.PagesCrawled)
	c.externalLinks.Store(state.ExternalLinks)

	log.Info().
		Str("domain", c.baseDomain).
		Int("discovered", len(state.Discovered)).
		Int("crawled", len(state.Crawled)).
		Int("frontier", len(state.Frontier)).
		Int64("pages_crawled", state.PagesCrawled).
		Msg("Restored crawl state from checkpoint")

	return true, len(state.Frontier) > 0, nil
}
