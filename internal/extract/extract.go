// Package extract pulls link candidates out of fetched HTML: anchor tags,
// JSON-LD URL fields, and feed references. Parsing is tolerant; a malformed
// element or script block is skipped without failing the page.
package extract

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/funnelweb-au/funnelweb/internal/urlutil"
)

// MaxAnchorTextLength bounds stored anchor text after normalisation.
const MaxAnchorTextLength = 500

// Anchor is a single <a href> occurrence, in document order.
type Anchor struct {
	// URL is the canonical absolute target, resolved against the page URL.
	URL string
	// Text is the tag-stripped, whitespace-collapsed inner text, truncated
	// to MaxAnchorTextLength.
	Text string
	// Rel is the raw rel attribute as authored.
	Rel string
	// IsNofollow is true when the tokenised rel attribute contains nofollow.
	IsNofollow bool
}

// Page holds everything extracted from one HTML document.
type Page struct {
	// Anchors are all HTTP(S) anchor targets in document order.
	Anchors []Anchor
	// JSONLDURLs are HTTP(S) strings found in ld+json blocks. Blocks are read
	// in document order; the order of URLs within one block is not defined.
	JSONLDURLs []string
}

// Parse extracts anchors and JSON-LD URLs from an HTML body. finalURL is the
// post-redirect page URL used to resolve relative references.
func Parse(body []byte, finalURL string) (*Page, error) {
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	page := &Page{}

	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		canonical := urlutil.Canonicalise(href, base)
		if canonical == "" {
			return
		}

		rel := s.AttrOr("rel", "")
		page.Anchors = append(page.Anchors, Anchor{
			URL:        canonical,
			Text:       NormaliseAnchorText(s.Text()),
			Rel:        rel,
			IsNofollow: HasNofollow(rel),
		})
	})

	doc.Find(`script[type="application/ld+json"]`).Each(func(i int, s *goquery.Selection) {
		var tree any
		if err := json.Unmarshal([]byte(s.Text()), &tree); err != nil {
			log.Debug().Err(err).Str("url", finalURL).Msg("Skipping malformed JSON-LD block")
			return
		}
		walkJSONLD(tree, &page.JSONLDURLs)
	})

	return page, nil
}

// walkJSONLD recursively visits a decoded JSON tree and collects every
// string leaf that looks like an HTTP(S) URL.
func walkJSONLD(node any, out *[]string) {
	switch v := node.(type) {
	case map[string]any:
		for _, child := range v {
			walkJSONLD(child, out)
		}
	case []any:
		for _, child := range v {
			walkJSONLD(child, out)
		}
	case string:
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			if canonical := urlutil.Canonicalise(v, nil); canonical != "" {
				*out = append(*out, canonical)
			}
		}
	}
}

// NormaliseAnchorText collapses whitespace runs to single spaces, trims, and
// truncates to MaxAnchorTextLength bytes. It does not strip markup; Parse
// passes it the element's text content, which carries no tags.
func NormaliseAnchorText(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if len(collapsed) > MaxAnchorTextLength {
		collapsed = collapsed[:MaxAnchorTextLength]
	}
	return collapsed
}

// HasNofollow tokenises a rel attribute (lowercase, whitespace-split) and
// reports whether any token is exactly "nofollow".
func HasNofollow(rel string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "nofollow" {
			return true
		}
	}
	return false
}
