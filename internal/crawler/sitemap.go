package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/funnelweb-au/funnelweb/internal/cache"
)

// candidateSitemapPaths are always probed, in order, after any sitemaps
// declared in robots.txt.
var candidateSitemapPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemaps.xml",
	"/sitemap/sitemap.xml",
}

// DiscoverSitemaps returns every sitemap URL worth parsing for a domain:
// robots-declared sitemaps first (when respectRobots is set), then the fixed
// candidate locations. Results are deduplicated and cached per domain in
// robotsCache so a resumed crawl skips the probing.
func (c *Crawler) DiscoverSitemaps(ctx context.Context, baseDomain string, respectRobots bool, robotsCache *cache.URLListCache) []string {
	if cached, ok := robotsCache.Get(baseDomain); ok {
		log.Debug().
			Str("domain", baseDomain).
			Int("count", len(cached)).
			Msg("Sitemap locations served from cache")
		return cached
	}

	var sitemaps []string

	if respectRobots {
		robots, err := c.FetchRobots(ctx, baseDomain)
		if err != nil {
			log.Debug().
				Err(err).
				Str("domain", baseDomain).
				Msg("Failed to parse robots.txt, falling back to candidate sitemap paths")
		} else {
			sitemaps = append(sitemaps, robots.Sitemaps...)
		}
	}

	for _, path := range candidateSitemapPaths {
		sitemaps = append(sitemaps, "https://"+baseDomain+path)
	}

	seen := make(map[string]bool)
	var unique []string
	for _, sm := range sitemaps {
		if !seen[sm] {
			seen[sm] = true
			unique = append(unique, sm)
		}
	}

	robotsCache.Set(baseDomain, unique)

	log.Debug().
		Str("domain", baseDomain).
		Int("count", len(unique)).
		Msg("Sitemap locations discovered")

	return unique
}

// ParseSitemap fetches a sitemap and returns every terminal page URL it
// reaches. Nested sitemaps (locs ending in .xml) are parsed recursively;
// each sitemap URL is parsed at most once per crawl via sitemapCache.
func (c *Crawler) ParseSitemap(ctx context.Context, sitemapURL string, sitemapCache *cache.URLListCache) ([]string, error) {
	if cached, ok := sitemapCache.Get(sitemapURL); ok {
		return cached, nil
	}
	// Mark before fetching so self-referencing sitemap loops terminate.
	sitemapCache.Set(sitemapURL, nil)

	body, status, err := c.fetchWithRetry(ctx, sitemapURL)
	if err != nil {
		sitemapCache.Delete(sitemapURL)
		return nil, err
	}
	if status != http.StatusOK {
		sitemapCache.Delete(sitemapURL)
		return nil, fmt.Errorf("failed to fetch sitemap: %d", status)
	}

	content := string(body)
	locs := extractLocs(content)

	log.Debug().
		Str("url", sitemapURL).
		Int("content_length", len(content)).
		Int("loc_count", len(locs)).
		Msg("Sitemap content received")

	var urls []string
	for _, loc := range locs {
		if strings.HasSuffix(strings.ToLower(loc), ".xml") {
			childURLs, err := c.ParseSitemap(ctx, loc, sitemapCache)
			if err != nil {
				log.Warn().Err(err).Str("url", loc).Msg("Failed to parse child sitemap")
				continue
			}
			urls = append(urls, childURLs...)
		} else {
			urls = append(urls, loc)
		}
	}

	sitemapCache.Set(sitemapURL, urls)

	log.Debug().
		Str("sitemap_url", sitemapURL).
		Int("total_url_count", len(urls)).
		Msg("Finished parsing sitemap")

	return urls, nil
}

// extractLocs pulls every <loc>…</loc> value out of sitemap XML with a
// tolerant string scan; malformed surrounding markup is ignored.
func extractLocs(content string) []string {
	var locs []string

	startIdx := 0
	for {
		openIdx := strings.Index(content[startIdx:], "<loc>")
		if openIdx == -1 {
			break
		}
		openIdx += startIdx

		closeIdx := strings.Index(content[openIdx:], "</loc>")
		if closeIdx == -1 {
			break
		}
		closeIdx += openIdx

		loc := strings.TrimSpace(content[openIdx+len("<loc>") : closeIdx])
		if loc != "" {
			locs = append(locs, loc)
		}

		startIdx = closeIdx + len("</loc>")
	}

	return locs
}

// fetchWithRetry GETs a sitemap or robots URL with exponential backoff:
// RetryAttempts tries, RetryDelay initial wait, doubled per attempt. Only
// discovery fetches use this; page fetches are single-shot.
func (c *Crawler) fetchWithRetry(ctx context.Context, targetURL string) ([]byte, int, error) {
	client := &http.Client{
		Timeout: c.config.DefaultTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 1; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 1 {
			log.Debug().
				Str("url", targetURL).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying discovery fetch")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
			delay *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("User-Agent", c.config.UserAgent)

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.config.MaxBodySize)))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		// 404 is a definitive answer, not a transient failure.
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("fetch %s: status %d", targetURL, resp.StatusCode)
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, fmt.Errorf("fetch %s failed after %d attempts: %w", targetURL, c.config.RetryAttempts, lastErr)
}
