package crawl

import (
	"time"

	"github.com/funnelweb-au/funnelweb/internal/db"
)

// Frontier entry types recorded at admission.
const (
	TypeStart      = "start"
	TypePage       = "page"
	TypeSitemap    = "sitemap"
	TypeRobots     = "robots"
	TypePagination = "pagination"
	TypeInternal   = "internal"
)

// Tunables for the worker loop.
const (
	// linkBatchSize is how many external-link rows a worker buffers before
	// flushing to the sink.
	linkBatchSize = 20
	// counterUpdateInterval is how many crawled pages between crawl-record
	// counter writes.
	counterUpdateInterval = 10
	// checkpointInterval is how many crawled pages between checkpoint saves.
	checkpointInterval = 20
	// emptyFrontierWait is how long a worker waits after an empty pop before
	// re-checking; a second empty pop means drain.
	emptyFrontierWait = 1 * time.Second
)

// Options are the start-time configuration of a crawl.
type Options struct {
	MaxPages                int           `json:"max_pages"`
	MaxDepth                int           `json:"max_depth"`
	Concurrency             int           `json:"concurrency"`
	IncludeSubdomains       bool          `json:"include_subdomains"`
	FollowSitemaps          bool          `json:"follow_sitemaps"`
	RespectRobots           bool          `json:"respect_robots"`
	IncludeLanguageVariants bool          `json:"include_language_variants"`
	FollowPagination        bool          `json:"follow_pagination"`
	CrawlDelay              time.Duration `json:"crawl_delay"`
	UserAgent               string        `json:"user_agent"`
	Resume                  bool          `json:"resume"`
}

// DefaultOptions returns the documented defaults for a crawl.
func DefaultOptions() Options {
	return Options{
		MaxPages:                5000,
		MaxDepth:                10,
		Concurrency:             5,
		IncludeSubdomains:       true,
		FollowSitemaps:          true,
		RespectRobots:           true,
		IncludeLanguageVariants: true,
		FollowPagination:        true,
		CrawlDelay:              300 * time.Millisecond,
	}
}

// Normalise clamps options into their allowed ranges.
func (o *Options) Normalise() {
	if o.MaxPages <= 0 {
		o.MaxPages = 5000
	}
	if o.MaxPages > 10000 {
		o.MaxPages = 10000
	}
	if o.MaxDepth < 0 {
		o.MaxDepth = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.CrawlDelay <= 0 {
		o.CrawlDelay = 300 * time.Millisecond
	}
}

// StartResult is returned synchronously from Manager.Start.
type StartResult struct {
	CrawlID    int    `json:"crawl_id"`
	BaseDomain string `json:"base_domain"`
}

// StatusResult is the crawl record plus, for completed crawls, the
// outgoing-domain summary.
type StatusResult struct {
	Record  *db.CrawlRecord    `json:"crawl"`
	Domains []db.DomainSummary `json:"outgoing_domains,omitempty"`
}
