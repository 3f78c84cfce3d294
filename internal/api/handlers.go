package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/funnelweb-au/funnelweb/internal/crawl"
	"github.com/funnelweb-au/funnelweb/internal/db"
)

// Handler serves the Control API: starting crawls, polling status, and
// querying extracted links. Dashboards, exports, and auth live elsewhere.
type Handler struct {
	Manager  *crawl.Manager
	Database *db.DB
}

// NewHandler creates an API handler wired to the crawl manager.
func NewHandler(manager *crawl.Manager, database *db.DB) *Handler {
	return &Handler{Manager: manager, Database: database}
}

// Routes returns the API mux with middleware applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/crawls", h.startCrawl)
	mux.HandleFunc("GET /v1/crawls/status", h.crawlStatus)
	mux.HandleFunc("GET /v1/crawls/links", h.crawlLinks)
	mux.HandleFunc("GET /health", h.health)

	return RequestIDMiddleware(LoggingMiddleware(mux))
}

// startCrawlRequest is the body of POST /v1/crawls.
type startCrawlRequest struct {
	URL                     string `json:"url"`
	MaxPages                int    `json:"max_pages"`
	MaxDepth                int    `json:"max_depth"`
	Concurrency             int    `json:"concurrency"`
	IncludeSubdomains       *bool  `json:"include_subdomains"`
	FollowSitemaps          *bool  `json:"follow_sitemaps"`
	RespectRobots           *bool  `json:"respect_robots"`
	IncludeLanguageVariants *bool  `json:"include_language_variants"`
	FollowPagination        *bool  `json:"follow_pagination"`
	CrawlDelayMs            int    `json:"crawl_delay_ms"`
	Resume                  bool   `json:"resume"`
}

func (h *Handler) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		WriteError(w, r, "url is required", http.StatusBadRequest)
		return
	}

	opts := crawl.DefaultOptions()
	if req.MaxPages > 0 {
		opts.MaxPages = req.MaxPages
	}
	if req.MaxDepth > 0 {
		opts.MaxDepth = req.MaxDepth
	}
	if req.Concurrency > 0 {
		opts.Concurrency = req.Concurrency
	}
	if req.IncludeSubdomains != nil {
		opts.IncludeSubdomains = *req.IncludeSubdomains
	}
	if req.FollowSitemaps != nil {
		opts.FollowSitemaps = *req.FollowSitemaps
	}
	if req.RespectRobots != nil {
		opts.RespectRobots = *req.RespectRobots
	}
	if req.IncludeLanguageVariants != nil {
		opts.IncludeLanguageVariants = *req.IncludeLanguageVariants
	}
	if req.FollowPagination != nil {
		opts.FollowPagination = *req.FollowPagination
	}
	if req.CrawlDelayMs > 0 {
		opts.CrawlDelay = time.Duration(req.CrawlDelayMs) * time.Millisecond
	}
	opts.Resume = req.Resume

	result, err := h.Manager.Start(r.Context(), req.URL, opts)
	if err != nil {
		log.Debug().Err(err).Str("url", req.URL).Msg("Crawl start rejected")
		WriteError(w, r, err.Error(), http.StatusBadRequest)
		return
	}

	WriteCreated(w, r, result, "crawl scheduled")
}

func (h *Handler) crawlStatus(w http.ResponseWriter, r *http.Request) {
	baseDomain := r.URL.Query().Get("domain")
	if baseDomain == "" {
		WriteError(w, r, "domain is required", http.StatusBadRequest)
		return
	}

	status, err := h.Manager.Status(r.Context(), baseDomain)
	if err != nil {
		log.Error().Err(err).Str("domain", baseDomain).Msg("Failed to read crawl status")
		WriteError(w, r, "failed to read crawl status", http.StatusInternalServerError)
		return
	}
	if status == nil {
		WriteError(w, r, "no crawl found for domain", http.StatusNotFound)
		return
	}

	WriteSuccess(w, r, status, "")
}

func (h *Handler) crawlLinks(w http.ResponseWriter, r *http.Request) {
	baseDomain := r.URL.Query().Get("domain")
	if baseDomain == "" {
		WriteError(w, r, "domain is required", http.StatusBadRequest)
		return
	}

	query := db.LinkQuery{
		Page:         parseIntParam(r, "page", 1),
		Limit:        parseIntParam(r, "limit", 50),
		TextFilter:   r.URL.Query().Get("text"),
		RelType:      r.URL.Query().Get("rel_type"),
		DomainFilter: r.URL.Query().Get("target_domain"),
	}
	switch query.RelType {
	case "", "all", "nofollow", "dofollow":
	default:
		WriteError(w, r, "rel_type must be all, nofollow or dofollow", http.StatusBadRequest)
		return
	}

	links, err := h.Manager.Links(r.Context(), baseDomain, query)
	if err != nil {
		log.Error().Err(err).Str("domain", baseDomain).Msg("Failed to list links")
		WriteError(w, r, err.Error(), http.StatusNotFound)
		return
	}

	WriteSuccess(w, r, map[string]any{
		"links": links,
		"page":  query.Page,
		"limit": query.Limit,
	}, "")
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	if err := h.Database.GetDB().PingContext(r.Context()); err != nil {
		dbStatus = "unavailable"
	}
	WriteHealthy(w, r, "funnelweb", dbStatus)
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
