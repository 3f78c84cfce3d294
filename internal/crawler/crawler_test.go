package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchHTML(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body><a href=\"/next\">next</a></body></html>"))
	}))
	defer ts.Close()

	c := New(DefaultConfig())
	res, err := c.Fetch(context.Background(), ts.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	// The collector serialises the empty path of ts.URL as "/".
	assert.Equal(t, ts.URL+"/", res.FinalURL)
	assert.True(t, res.IsHTML())
	assert.Contains(t, string(res.Body), "next")
}

func TestFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/home", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>home</body></html>"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(DefaultConfig())
	res, err := c.Fetch(context.Background(), ts.URL+"/")
	require.NoError(t, err)

	assert.Equal(t, ts.URL+"/home", res.FinalURL)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.IsHTML())
}

func TestFetchNonHTMLDiscardsBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer ts.Close()

	c := New(DefaultConfig())
	res, err := c.Fetch(context.Background(), ts.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, res.IsHTML())
	assert.Empty(t, res.Body)
}

func TestFetchErrorStatuses(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := New(DefaultConfig())
		_, err := c.Fetch(context.Background(), ts.URL)
		assert.Error(t, err, "status %d should be a fetch error", status)

		ts.Close()
	}
}

func TestFetchRejectsBadURLs(t *testing.T) {
	c := New(DefaultConfig())

	_, err := c.Fetch(context.Background(), "ftp://example.test/")
	assert.Error(t, err)

	_, err = c.Fetch(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestFetchCancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(DefaultConfig())
	_, err := c.Fetch(ctx, ts.URL)
	assert.Error(t, err)
}

func TestFetchSendsUserAgent(t *testing.T) {
	var gotUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer ts.Close()

	cfg := DefaultConfig()
	c := New(cfg)
	_, err := c.Fetch(context.Background(), ts.URL)
	require.NoError(t, err)

	assert.Equal(t, cfg.UserAgent, gotUA)
}

func TestIsHTMLContentType(t *testing.T) {
	assert.True(t, isHTMLContentType("text/html"))
	assert.True(t, isHTMLContentType("text/html; charset=utf-8"))
	assert.True(t, isHTMLContentType("Text/HTML"))
	assert.False(t, isHTMLContentType("application/json"))
	assert.False(t, isHTMLContentType(""))
}
