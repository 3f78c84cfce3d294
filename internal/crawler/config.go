package crawler

import (
	"time"
)

// Config holds the configuration for a crawler instance
type Config struct {
	DefaultTimeout time.Duration // Hard per-request timeout
	UserAgent      string        // User agent string for requests
	RetryAttempts  int           // Retry attempts for sitemap and robots fetches
	RetryDelay     time.Duration // Initial delay between retry attempts, doubled per attempt
	MaxBodySize    int           // Largest response body read into memory
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 30 * time.Second,
		UserAgent:      "FunnelwebBot/1.0 (+https://funnelweb.au/about-the-bot)",
		RetryAttempts:  3,
		RetryDelay:     500 * time.Millisecond,
		MaxBodySize:    10 * 1024 * 1024,
	}
}
