package crawl

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/funnelweb-au/funnelweb/internal/cache"
	"github.com/funnelweb-au/funnelweb/internal/crawler"
	"github.com/funnelweb-au/funnelweb/internal/db"
	"github.com/funnelweb-au/funnelweb/internal/frontier"
	"github.com/funnelweb-au/funnelweb/internal/urlutil"
)

// Crawl is one running execution against a base domain.
type Crawl struct {
	id         int
	baseDomain string
	startURL   string
	opts       Options

	crawler  *crawler.Crawler
	database *db.DB
	dbQueue  *db.DbQueue

	frontier     *frontier.Frontier
	crawled      mapset.Set[string]
	robotsCache  *cache.URLListCache
	sitemapCache *cache.URLListCache

	pagesCrawled  atomic.Int64
	externalLinks atomic.Int64
	errorCount    atomic.Int64

	limiter *rate.Limiter
	saveMu  sync.Mutex
}

// Manager owns the lifecycle of crawls: it validates start requests, creates
// crawl records, drives the worker pool to completion in the background, and
// serves status and link queries. One Manager exists per process.
type Manager struct {
	database *db.DB
	dbQueue  *db.DbQueue
	crawler  *crawler.Crawler

	rootCtx context.Context
	mu      sync.Mutex
	active  map[string]*Crawl
	wg      sync.WaitGroup
}

// NewManager creates a crawl manager. rootCtx bounds every background crawl;
// cancelling it makes workers exit at their next pop boundary.
func NewManager(rootCtx context.Context, database *db.DB, dbQueue *db.DbQueue, c *crawler.Crawler) *Manager {
	return &Manager{
		database: database,
		dbQueue:  dbQueue,
		crawler:  c,
		rootCtx:  rootCtx,
		active:   make(map[string]*Crawl),
	}
}

// Start validates the start URL, creates the crawl record, and schedules the
// crawl asynchronously. It returns as soon as the record exists.
func (m *Manager) Start(ctx context.Context, startURL string, opts Options) (*StartResult, error) {
	baseDomain, err := urlutil.BaseDomain(startURL)
	if err != nil {
		return nil, err
	}

	canonical := urlutil.Canonicalise(startURL, nil)
	if canonical == "" {
		return nil, fmt.Errorf("invalid start URL %q", startURL)
	}

	opts.Normalise()

	m.mu.Lock()
	if _, running := m.active[baseDomain]; running {
		m.mu.Unlock()
		return nil, fmt.Errorf("a crawl for %s is already running", baseDomain)
	}
	m.mu.Unlock()

	crawlID, err := m.database.StartCrawlRecord(ctx, baseDomain, opts.MaxDepth)
	if err != nil {
		return nil, err
	}

	c := &Crawl{
		id:           crawlID,
		baseDomain:   baseDomain,
		startURL:     canonical,
		opts:         opts,
		crawler:      m.crawler,
		database:     m.database,
		dbQueue:      m.dbQueue,
		frontier:     frontier.New(opts.MaxPages),
		crawled:      mapset.NewSet[string](),
		robotsCache:  cache.NewURLListCache(),
		sitemapCache: cache.NewURLListCache(),
		limiter:      rate.NewLimiter(rate.Every(opts.CrawlDelay), 1),
	}

	m.mu.Lock()
	m.active[baseDomain] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, baseDomain)
			m.mu.Unlock()
		}()
		m.run(m.rootCtx, c)
	}()

	log.Info().
		Int("crawl_id", crawlID).
		Str("domain", baseDomain).
		Int("max_pages", opts.MaxPages).
		Int("max_depth", opts.MaxDepth).
		Int("concurrency", opts.Concurrency).
		Bool("resume", opts.Resume).
		Msg("Crawl scheduled")

	return &StartResult{CrawlID: crawlID, BaseDomain: baseDomain}, nil
}

// run seeds the frontier, drives the worker pool to drain, and writes the
// terminal crawl record. Any error escaping the pool marks the crawl failed.
func (m *Manager) run(ctx context.Context, c *Crawl) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("domain", c.baseDomain).
				Msg("Crawl controller panicked")
			m.finish(c, db.CrawlStatusFailed)
		}
	}()

	seeded := false
	if c.opts.Resume {
		found, pending, err := c.restoreState(ctx, m.database)
		if err != nil {
			log.Error().Err(err).Str("domain", c.baseDomain).Msg("Failed to restore checkpoint, starting fresh")
		}
		// A checkpoint with pending frontier entries resumes in place; an
		// empty one falls through to seeding, where the restored discovered
		// set makes re-admission a no-op.
		if found && pending {
			seeded = true
		}
	}

	if !seeded {
		c.seed(ctx)
	}

	log.Info().
		Str("domain", c.baseDomain).
		Int("frontier", c.frontier.Len()).
		Int("workers", c.opts.Concurrency).
		Msg("Starting worker pool")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return c.worker(gctx, workerID)
		})
	}

	err := g.Wait()

	status := db.CrawlStatusCompleted
	if err != nil {
		status = db.CrawlStatusFailed
		sentry.CaptureException(err)
		log.Error().Err(err).Str("domain", c.baseDomain).Msg("Crawl failed")
	}

	m.finish(c, status)
}

// finish flushes the terminal checkpoint and counters. It runs on its own
// deadline so a cancelled crawl still records where it stopped.
func (m *Manager) finish(c *Crawl, status string) {
	finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.saveCheckpoint(finalCtx)

	pages := int(c.pagesCrawled.Load())
	links := int(c.externalLinks.Load())
	if err := m.database.FinishCrawlRecord(finalCtx, c.id, status, pages, links); err != nil {
		log.Error().Err(err).Str("domain", c.baseDomain).Msg("Failed to write terminal crawl record")
	}

	log.Info().
		Str("domain", c.baseDomain).
		Str("status", status).
		Int("pages_crawled", pages).
		Int("external_links", links).
		Int64("fetch_errors", c.errorCount.Load()).
		Msg("Crawl finished")
}

// seed admits the start URL and, subject to flags, every in-scope sitemap
// URL. Robots failures and unparseable sitemaps are logged and skipped.
func (c *Crawl) seed(ctx context.Context) {
	c.frontier.Add(frontier.Entry{
		URL:       c.startURL,
		Depth:     0,
		SourceURL: "start",
		Type:      TypeStart,
		Priority:  urlutil.PriorityStart,
	})

	if !c.opts.FollowSitemaps {
		return
	}

	sitemaps := c.crawler.DiscoverSitemaps(ctx, c.baseDomain, c.opts.RespectRobots, c.robotsCache)
	for _, sitemapURL := range sitemaps {
		urls, err := c.crawler.ParseSitemap(ctx, sitemapURL, c.sitemapCache)
		if err != nil {
			log.Debug().Err(err).Str("sitemap", sitemapURL).Msg("Sitemap not usable")
			continue
		}
		admitted := 0
		for _, raw := range urls {
			canonical := urlutil.Canonicalise(raw, nil)
			if canonical == "" {
				continue
			}
			if !urlutil.InScope(urlutil.Host(canonical), c.baseDomain, c.opts.IncludeSubdomains) {
				continue
			}
			if c.frontier.Add(frontier.Entry{
				URL:       canonical,
				Depth:     1,
				SourceURL: sitemapURL,
				Type:      TypeSitemap,
				Priority:  urlutil.PrioritySitemap,
			}) {
				admitted++
			}
		}
		log.Debug().
			Str("sitemap", sitemapURL).
			Int("urls", len(urls)).
			Int("admitted", admitted).
			Msg("Sitemap URLs admitted")
	}
}

// Status returns the latest crawl record for a base domain, with the
// outgoing-domain summary attached once the crawl has completed.
func (m *Manager) Status(ctx context.Context, baseDomain string) (*StatusResult, error) {
	record, err := m.database.GetCrawlRecord(ctx, baseDomain)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	result := &StatusResult{Record: record}
	if record.Status == db.CrawlStatusCompleted {
		domains, err := m.database.GetDomainSummary(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		result.Domains = domains
	}
	return result, nil
}

// Links returns one page of external-link rows for the latest crawl of a
// base domain.
func (m *Manager) Links(ctx context.Context, baseDomain string, q db.LinkQuery) ([]db.LinkRecord, error) {
	record, err := m.database.GetCrawlRecord(ctx, baseDomain)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("no crawl found for %s", baseDomain)
	}
	return m.database.ListLinks(ctx, record.ID, q)
}

// Wait blocks until every background crawl goroutine has exited. Used during
// shutdown after cancelling the root context.
func (m *Manager) Wait() {
	m.wg.Wait()
}
