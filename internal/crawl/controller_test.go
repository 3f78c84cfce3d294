package crawl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelweb-au/funnelweb/internal/crawler"
	"github.com/funnelweb-au/funnelweb/internal/db"
)

func setupManager(t *testing.T) (*Manager, sqlmock.Sqlmock, func()) {
	t.Helper()

	client, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	database := db.NewWithClient(client)
	queue := db.NewDbQueue(client)
	fetcher := crawler.New(crawler.DefaultConfig())

	m := NewManager(context.Background(), database, queue, fetcher)
	cleanup := func() {
		queue.Stop()
		client.Close()
	}
	return m, mock, cleanup
}

// testOptions returns options suited to a small single-worker test crawl
// against an httptest server: no sitemap probing, minimal pacing.
func testOptions() Options {
	opts := DefaultOptions()
	opts.FollowSitemaps = false
	opts.RespectRobots = false
	opts.Concurrency = 1
	opts.CrawlDelay = time.Millisecond
	return opts
}

func expectFinalCheckpoint(mock sqlmock.Sqlmock, baseDomain string) {
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO crawl_states`).
		WithArgs(baseDomain, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestCrawlExtractsExternalLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
			<a href="/about">A</a>
			<a href="https://other.test/x" rel="nofollow">X</a>
		</body></html>`))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>about</body></html>`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	m, mock, cleanup := setupManager(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO domains`).
		WithArgs("127.0.0.1", db.CrawlStatusProcessing, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	// Worker drain: flush the single external row, then final checkpoint
	// and terminal counters.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outgoing_links`).
		WithArgs(1, ts.URL+"/", "https://other.test/x", "other.test", "X", "nofollow", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare(`INSERT INTO outgoing_domains`)
	prep.ExpectExec().
		WithArgs(1, "other.test", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	expectFinalCheckpoint(mock, "127.0.0.1")

	mock.ExpectExec(`UPDATE domains`).
		WithArgs(db.CrawlStatusCompleted, 2, 1, 1, db.CrawlStatusCompleted, db.CrawlStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := m.Start(context.Background(), ts.URL+"/", testOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, result.CrawlID)
	assert.Equal(t, "127.0.0.1", result.BaseDomain)

	m.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlFollowsRedirectAndRecordsFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/home", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="https://other.test/x">X</a></body></html>`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	m, mock, cleanup := setupManager(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO domains`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	mock.ExpectBegin()
	// source_url is the post-redirect landing page.
	mock.ExpectExec(`INSERT INTO outgoing_links`).
		WithArgs(1, ts.URL+"/home", "https://other.test/x", "other.test", "X", "", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare(`INSERT INTO outgoing_domains`)
	prep.ExpectExec().
		WithArgs(1, "other.test", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	expectFinalCheckpoint(mock, "127.0.0.1")

	mock.ExpectExec(`UPDATE domains`).
		WithArgs(db.CrawlStatusCompleted, 1, 1, 1, db.CrawlStatusCompleted, db.CrawlStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := m.Start(context.Background(), ts.URL+"/", testOptions())
	require.NoError(t, err)

	m.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlMaxPagesOne(t *testing.T) {
	var aboutFetches atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/about">A</a></body></html>`))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		aboutFetches.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html></html>`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	m, mock, cleanup := setupManager(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO domains`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	expectFinalCheckpoint(mock, "127.0.0.1")
	mock.ExpectExec(`UPDATE domains`).
		WithArgs(db.CrawlStatusCompleted, 1, 0, 1, db.CrawlStatusCompleted, db.CrawlStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	opts := testOptions()
	opts.MaxPages = 1
	_, err := m.Start(context.Background(), ts.URL+"/", opts)
	require.NoError(t, err)

	m.Wait()
	assert.Equal(t, int64(0), aboutFetches.Load(), "discovery past the cap must not admit new pages")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlMaxDepthZero(t *testing.T) {
	var aboutFetches atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/about">A</a></body></html>`))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		aboutFetches.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html></html>`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	m, mock, cleanup := setupManager(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO domains`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	expectFinalCheckpoint(mock, "127.0.0.1")
	mock.ExpectExec(`UPDATE domains`).
		WithArgs(db.CrawlStatusCompleted, 1, 0, 1, db.CrawlStatusCompleted, db.CrawlStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	opts := testOptions()
	opts.MaxDepth = 0
	_, err := m.Start(context.Background(), ts.URL+"/", opts)
	require.NoError(t, err)

	m.Wait()
	assert.Equal(t, int64(0), aboutFetches.Load(), "outlinks are admitted at depth 1 but skipped at pop")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlNonHTMLStartURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"not":"html"}`))
	}))
	defer ts.Close()

	m, mock, cleanup := setupManager(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO domains`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	expectFinalCheckpoint(mock, "127.0.0.1")
	mock.ExpectExec(`UPDATE domains`).
		WithArgs(db.CrawlStatusCompleted, 1, 0, 1, db.CrawlStatusCompleted, db.CrawlStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := m.Start(context.Background(), ts.URL+"/", testOptions())
	require.NoError(t, err)

	m.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlResumeAfterCompletionIsNoOp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("resumed crawl with empty frontier should not fetch anything")
	}))
	defer ts.Close()

	m, mock, cleanup := setupManager(t)
	defer cleanup()

	startURL := ts.URL + "/"
	blob := `{
		"discovered": ["` + startURL + `"],
		"crawled": ["` + startURL + `"],
		"frontier": [],
		"robots_cache": {},
		"sitemap_cache": {},
		"pages_crawled": 40,
		"external_links_total": 17,
		"saved_at_ms": 1700000000000
	}`

	mock.ExpectQuery(`INSERT INTO domains`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`SELECT state_blob FROM crawl_states`).
		WithArgs("127.0.0.1").
		WillReturnRows(sqlmock.NewRows([]string{"state_blob"}).AddRow(blob))
	expectFinalCheckpoint(mock, "127.0.0.1")
	mock.ExpectExec(`UPDATE domains`).
		WithArgs(db.CrawlStatusCompleted, 40, 17, 1, db.CrawlStatusCompleted, db.CrawlStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	opts := testOptions()
	opts.Resume = true
	_, err := m.Start(context.Background(), startURL, opts)
	require.NoError(t, err)

	m.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRejectsBadSchemes(t *testing.T) {
	m, mock, cleanup := setupManager(t)
	defer cleanup()

	_, err := m.Start(context.Background(), "ftp://example.test/", testOptions())
	assert.Error(t, err)

	_, err = m.Start(context.Background(), "javascript:void(0)", testOptions())
	assert.Error(t, err)

	_, err = m.Start(context.Background(), "", testOptions())
	assert.Error(t, err)

	// No crawl record is created for validation failures.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartAcceptsPlainHTTP(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer ts.Close()

	m, mock, cleanup := setupManager(t)
	defer cleanup()

	mock.ExpectQuery(`INSERT INTO domains`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	expectFinalCheckpoint(mock, "127.0.0.1")
	mock.ExpectExec(`UPDATE domains`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := m.Start(context.Background(), ts.URL+"/", testOptions())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", result.BaseDomain)

	m.Wait()
	assert.NoError(t, mock.ExpectationsWereMet())
}
