package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Crawler fetches pages and sitemaps for the crawl engine. A single instance
// is shared by all workers of a crawl; each Fetch call clones the underlying
// collector so per-request state never leaks between workers.
type Crawler struct {
	config *Config
	colly  *colly.Collector
	id     string
}

// GetUserAgent returns the user agent string for this crawler
func (c *Crawler) GetUserAgent() string {
	return c.config.UserAgent
}

// Config returns the Crawler's configuration.
func (c *Crawler) Config() *Config {
	return c.config
}

// New creates a new Crawler instance with the given configuration and optional ID
// If config is nil, default configuration is used
func New(config *Config, id ...string) *Crawler {
	if config == nil {
		config = DefaultConfig()
	}

	crawlerID := ""
	if len(id) > 0 {
		crawlerID = id[0]
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.MaxDepth(1),
		colly.Async(true),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(config.MaxBodySize),
	)
	c.IgnoreRobotsTxt = true

	baseTransport := &http.Transport{
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	httpClient := &http.Client{
		Timeout:   config.DefaultTimeout,
		Transport: otelhttp.NewTransport(baseTransport),
	}
	c.SetClient(httpClient)

	return &Crawler{
		config: config,
		colly:  c,
		id:     crawlerID,
	}
}

// validateFetchRequest validates the fetch parameters and URL format
func validateFetchRequest(ctx context.Context, targetURL string) (*url.URL, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme: %s", targetURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL format: %s", targetURL)
	}

	return parsed, nil
}

// Fetch performs a single GET of the target URL and returns the terminal
// result. Redirects are followed transparently and FinalURL reflects the
// landing URL. The body is retained only for HTML responses; a non-HTML
// success still returns a result so the page can be marked crawled. A 3xx
// terminal status counts as success; 4xx/5xx return an error. Pages are
// attempted exactly once; retry policy belongs to sitemap/robots fetches.
func (c *Crawler) Fetch(ctx context.Context, targetURL string) (*FetchResult, error) {
	if _, err := validateFetchRequest(ctx, targetURL); err != nil {
		return nil, err
	}

	start := time.Now()
	res := &FetchResult{URL: targetURL, FinalURL: targetURL}

	// Clone() drops the parent's callbacks, so per-request handlers and
	// headers are registered here on each clone.
	collyClone := c.colly.Clone()

	var fetchErr error

	collyClone.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")

		log.Debug().
			Str("url", r.URL.String()).
			Msg("Crawler sending request")
	})

	collyClone.OnResponse(func(r *colly.Response) {
		res.FinalURL = r.Request.URL.String()
		res.StatusCode = r.StatusCode
		res.ContentType = r.Headers.Get("Content-Type")
		res.ResponseTime = time.Since(start).Milliseconds()

		if isHTMLContentType(res.ContentType) {
			body := make([]byte, len(r.Body))
			copy(body, r.Body)
			res.Body = body
		} else {
			log.Debug().
				Str("url", res.FinalURL).
				Str("content_type", res.ContentType).
				Msg("Non-HTML content type, body discarded")
		}
	})

	collyClone.OnError(func(r *colly.Response, err error) {
		res.ResponseTime = time.Since(start).Milliseconds()
		if r != nil {
			res.StatusCode = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				res.FinalURL = r.Request.URL.String()
			}
		}

		// A terminal 3xx after redirect following is still a successful
		// fetch; everything else surfaces as a fetch error.
		if r != nil && r.StatusCode >= 300 && r.StatusCode < 400 {
			res.ContentType = r.Headers.Get("Content-Type")
			return
		}

		if r != nil && r.StatusCode > 0 {
			fetchErr = fmt.Errorf("fetch %s: status %d", targetURL, r.StatusCode)
		} else {
			fetchErr = fmt.Errorf("fetch %s: %w", targetURL, err)
		}
	})

	done := make(chan error, 1)
	go func() {
		if err := collyClone.Visit(targetURL); err != nil {
			done <- err
			return
		}
		collyClone.Wait()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", targetURL, err)
		}
	case <-ctx.Done():
		log.Debug().
			Str("url", targetURL).
			Msg("Fetch cancelled by context")
		return nil, ctx.Err()
	}

	if fetchErr != nil {
		log.Debug().
			Err(fetchErr).
			Str("url", targetURL).
			Int("status", res.StatusCode).
			Dur("duration_ms", time.Duration(res.ResponseTime)*time.Millisecond).
			Msg("Fetch failed")
		return nil, fetchErr
	}

	log.Debug().
		Int("status", res.StatusCode).
		Str("url", targetURL).
		Str("final_url", res.FinalURL).
		Bool("html", res.IsHTML()).
		Dur("duration_ms", time.Duration(res.ResponseTime)*time.Millisecond).
		Msg("Fetch completed")

	return res, nil
}

// isHTMLContentType reports whether a Content-Type header denotes HTML.
func isHTMLContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}
