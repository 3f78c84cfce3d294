package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelweb-au/funnelweb/internal/crawl"
	"github.com/funnelweb-au/funnelweb/internal/crawler"
	"github.com/funnelweb-au/funnelweb/internal/db"
)

func setupHandler(t *testing.T) (*Handler, sqlmock.Sqlmock, func()) {
	t.Helper()

	client, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	require.NoError(t, err)

	database := db.NewWithClient(client)
	queue := db.NewDbQueue(client)
	manager := crawl.NewManager(context.Background(), database, queue, crawler.New(crawler.DefaultConfig()))

	handler := NewHandler(manager, database)
	cleanup := func() {
		queue.Stop()
		client.Close()
	}
	return handler, mock, cleanup
}

func TestStartCrawlRejectsMissingURL(t *testing.T) {
	handler, _, cleanup := setupHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "url is required")
}

func TestStartCrawlRejectsInvalidJSON(t *testing.T) {
	handler, _, cleanup := setupHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/v1/crawls", strings.NewReader(`{bad`))
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartCrawlRejectsBadScheme(t *testing.T) {
	handler, mock, cleanup := setupHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/v1/crawls",
		strings.NewReader(`{"url": "ftp://example.test/"}`))
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	// Validation failures never touch the database.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlStatusRequiresDomain(t *testing.T) {
	handler, _, cleanup := setupHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/status", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrawlStatusUnknownDomain(t *testing.T) {
	handler, mock, cleanup := setupHandler(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT id, base_domain, status`).
		WithArgs("missing.test").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "base_domain", "status", "pages_crawled",
			"external_links_total", "max_depth", "created_at", "updated_at",
		}))

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/status?domain=missing.test", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCrawlLinksValidatesRelType(t *testing.T) {
	handler, _, cleanup := setupHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/links?domain=example.test&rel_type=bogus", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "rel_type")
}

func TestHealth(t *testing.T) {
	handler, mock, cleanup := setupHandler(t)
	defer cleanup()

	mock.ExpectPing()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
