package urlutil

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Frontier priorities, fixed at admission. Higher pops first.
const (
	PriorityStart      = 10
	PrioritySitemap    = 8
	PriorityHighValue  = 7
	PriorityLanguage   = 6
	PriorityPagination = 6
	PriorityFeed       = 6
	PriorityDefault    = 5
)

// highValuePaths are substrings that mark content-dense sections of a site.
var highValuePaths = []string{
	"/blog/", "/article/", "/post/", "/news/", "/wiki/", "/page/",
	"/category/", "/tag/", "/archive/", "/search/", "/index", "/sitemap",
	"/directory/", "/list/", "/browse/",
}

var languageVariantPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/[a-z]{2}/`),
	regexp.MustCompile(`/[a-z]{2}-[a-z]{2}/`),
	regexp.MustCompile(`\.[a-z]{2}\.`),
	regexp.MustCompile(`lang=`),
	regexp.MustCompile(`language=`),
	regexp.MustCompile(`locale=`),
}

var paginationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`page=\d+`),
	regexp.MustCompile(`p=\d+`),
	regexp.MustCompile(`offset=\d+`),
	regexp.MustCompile(`start=\d+`),
	regexp.MustCompile(`/page/\d+`),
	regexp.MustCompile(`/p\d+`),
	regexp.MustCompile(`/\d+/$`),
	regexp.MustCompile(`next`),
	regexp.MustCompile(`more`),
	regexp.MustCompile(`continue`),
}

var feedTokens = []string{"rss", "atom", "feed"}

// BaseDomain extracts the lowercased hostname from a start URL.
// The returned domain anchors crawl scope and keys all persisted state.
func BaseDomain(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid start URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q: only http and https are crawlable", parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("start URL %q has no host", rawURL)
	}
	return host, nil
}

// Canonicalise resolves href against base and returns the canonical absolute
// form used for dedup: scheme and host lowercased, fragment dropped, path and
// query preserved as-is. Returns an empty string for hrefs that can never be
// crawled (fragments, javascript:, mailto:, tel:, non-HTTP schemes).
func Canonicalise(href string, base *url.URL) string {
	href = strings.TrimSpace(href)
	if href == "" || href == "#" || strings.HasPrefix(href, "#") {
		return ""
	}
	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, prefix) {
			return ""
		}
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}

	var resolved *url.URL
	if base != nil {
		resolved = base.ResolveReference(ref)
	} else {
		resolved = ref
	}

	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	if resolved.Host == "" {
		return ""
	}

	resolved.Scheme = strings.ToLower(resolved.Scheme)
	resolved.Host = strings.ToLower(resolved.Host)
	resolved.Fragment = ""

	return resolved.String()
}

// Host returns the lowercased hostname of an absolute URL, or "" if unparseable.
func Host(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

// InScope reports whether host belongs to the crawl scope anchored at
// baseDomain. With subdomains enabled, any host ending in "."+baseDomain
// qualifies; otherwise only an exact match does.
func InScope(host, baseDomain string, includeSubdomains bool) bool {
	host = strings.ToLower(host)
	if host == baseDomain {
		return true
	}
	if includeSubdomains {
		return strings.HasSuffix(host, "."+baseDomain)
	}
	return false
}

// IsHighValue reports whether the URL path matches a content-dense section.
func IsHighValue(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, p := range highValuePaths {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsLanguageVariant reports whether the URL looks like a language or locale
// variant of another page.
func IsLanguageVariant(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, re := range languageVariantPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// IsPagination reports whether the URL looks like a paginated listing.
func IsPagination(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, re := range paginationPatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

// IsFeed reports whether the URL references an RSS/Atom style feed.
func IsFeed(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	for _, token := range feedTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// ClassifyOptions gates the optional priority classifiers.
type ClassifyOptions struct {
	LanguageVariants bool
	Pagination       bool
}

// Classify returns the admission priority and entry type for an in-scope
// internal link. Pagination wins over the generic classifiers so the entry
// type reflects it.
func Classify(rawURL string, opts ClassifyOptions) (priority int, entryType string) {
	if opts.Pagination && IsPagination(rawURL) {
		return PriorityPagination, "pagination"
	}
	if IsHighValue(rawURL) {
		return PriorityHighValue, "internal"
	}
	if opts.LanguageVariants && IsLanguageVariant(rawURL) {
		return PriorityLanguage, "internal"
	}
	if IsFeed(rawURL) {
		return PriorityFeed, "internal"
	}
	return PriorityDefault, "internal"
}
