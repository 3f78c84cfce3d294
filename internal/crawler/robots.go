package crawler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RobotsResult carries what the crawl engine consumes from robots.txt:
// declared sitemaps, plus any crawl-delay hint. Disallow rules are
// deliberately not collected; robots.txt is read only for discovery.
type RobotsResult struct {
	// Sitemaps found in robots.txt, in file order.
	Sitemaps []string
	// CrawlDelaySeconds is the largest Crawl-delay directive seen, 0 if none.
	CrawlDelaySeconds int
}

// FetchRobots fetches and parses robots.txt for a base domain, using the
// sitemap retry policy. A missing robots.txt (404) yields an empty result;
// an unreachable one or any other non-200 status returns an error, which
// DiscoverSitemaps logs before falling back to the candidate paths.
func (c *Crawler) FetchRobots(ctx context.Context, baseDomain string) (*RobotsResult, error) {
	robotsURL := fmt.Sprintf("https://%s/robots.txt", baseDomain)

	log.Debug().
		Str("domain", baseDomain).
		Str("robots_url", robotsURL).
		Msg("Fetching robots.txt")

	body, status, err := c.fetchWithRetry(ctx, robotsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch robots.txt: %w", err)
	}
	if status == 404 {
		log.Debug().Str("domain", baseDomain).Msg("No robots.txt found")
		return &RobotsResult{}, nil
	}
	if status != 200 {
		return nil, fmt.Errorf("robots.txt returned status %d", status)
	}

	// Cap robots.txt at 1MB to prevent memory exhaustion on hostile files.
	limited := body
	if len(limited) > 1*1024*1024 {
		log.Warn().
			Int("size_bytes", len(limited)).
			Str("domain", baseDomain).
			Msg("robots.txt truncated at 1MB limit")
		limited = limited[:1*1024*1024]
	}

	return parseRobots(bytes.NewReader(limited))
}

// parseRobots scans robots.txt content for Sitemap and Crawl-delay
// directives. Sitemap lines apply globally regardless of user-agent section.
func parseRobots(r io.Reader) (*RobotsResult, error) {
	result := &RobotsResult{
		Sitemaps: []string{},
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		lowerLine := strings.ToLower(line)

		if strings.HasPrefix(lowerLine, "sitemap:") {
			sitemapURL := strings.TrimSpace(line[len("sitemap:"):])
			if sitemapURL != "" {
				result.Sitemaps = append(result.Sitemaps, sitemapURL)
			}
			continue
		}

		if strings.HasPrefix(lowerLine, "crawl-delay:") {
			delayStr := strings.TrimSpace(line[len("crawl-delay:"):])
			if delay, err := strconv.Atoi(delayStr); err == nil && delay > result.CrawlDelaySeconds {
				result.CrawlDelaySeconds = delay
			}
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading robots.txt: %w", err)
	}

	log.Debug().
		Int("sitemaps", len(result.Sitemaps)).
		Int("crawl_delay", result.CrawlDelaySeconds).
		Msg("Parsed robots.txt")

	return result, nil
}
