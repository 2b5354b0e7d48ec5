package replay

import (
	"context"
	"encoding/json"
	"html"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigman78/wayback-replay/internal/metrics"
	"github.com/sigman78/wayback-replay/internal/wayback"
)

const publicURL = "http://replay.test/"

func newArchive(t *testing.T, name, base string, files map[string]string) *wayback.Archive {
	t.Helper()
	a, err := wayback.NewArchive(name, base, wayback.NewLocalStorage(t.TempDir()), false)
	require.NoError(t, err)
	for p, body := range files {
		require.NoError(t, a.Store.PutBytes(p, []byte(body)))
	}
	return a
}

func siteArchive(t *testing.T) *wayback.Archive {
	return newArchive(t, "site", "http://example.com/", map[string]string{
		"index.html":   `<html><head><meta charset="utf-8"></head><body><a href="/about.html">about</a><a href="https://elsewhere.org/">x</a></body></html>`,
		"css/site.css": `body{background:url("/img/bg.png")}`,
		"img/bg.png":   "\x89PNG\r\n\x1a\n",
	})
}

func newServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.PublicURL == "" {
		opts.PublicURL = publicURL
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServeContentRewritesHTML(t *testing.T) {
	s := newServer(t, Options{Registry: wayback.NewRegistry(siteArchive(t))})
	rec := get(t, s, "/ServeContent?url=http://example.com/")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "site", rec.Header().Get("X-Archive"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	body := rec.Body.String()
	assert.Contains(t, body, `href="http://replay.test/ServeContent?url=http://example.com/about.html"`)
	assert.Contains(t, body, `href="https://elsewhere.org/"`)
}

func TestServeContentRewritesCSS(t *testing.T) {
	s := newServer(t, Options{Registry: wayback.NewRegistry(siteArchive(t))})
	rec := get(t, s, "/ServeContent?url=https://www.example.com/css/site.css")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/css; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, `body{background:url('http://replay.test/ServeContent?url=https://www.example.com/img/bg.png')}`, rec.Body.String())
}

func TestServeContentArchiveCSSMode(t *testing.T) {
	a := siteArchive(t)
	a.CSSMode = "rules"
	s := newServer(t, Options{Registry: wayback.NewRegistry(a)})
	rec := get(t, s, "/ServeContent?url=http://example.com/css/site.css")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `body{background:url("http://replay.test/ServeContent?url=http://example.com/img/bg.png")}`, rec.Body.String())
}

func TestServeContentPassesBinaryThrough(t *testing.T) {
	s := newServer(t, Options{Registry: wayback.NewRegistry(siteArchive(t))})
	rec := get(t, s, "/ServeContent?url=example.com/img/bg.png")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG\r\n\x1a\n", rec.Body.String())
}

func TestServeContentHead(t *testing.T) {
	s := newServer(t, Options{Registry: wayback.NewRegistry(siteArchive(t))})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/ServeContent?url=http://example.com/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Body.String())
}

func TestServeContentErrors(t *testing.T) {
	s := newServer(t, Options{Registry: wayback.NewRegistry(siteArchive(t))})
	tests := []struct {
		name, target string
		code         int
	}{
		{"missing url", "/ServeContent", http.StatusBadRequest},
		{"blank url", "/ServeContent?url=%20", http.StatusBadRequest},
		{"foreign url", "/ServeContent?url=http://elsewhere.org/", http.StatusNotFound},
		{"absent file", "/ServeContent?url=http://example.com/missing.js", http.StatusNotFound},
		{"wrong method", "/healthz", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodGet
			if tt.name == "wrong method" {
				method = http.MethodPost
			}
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(method, tt.target, nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestServeContentWaybackTarget(t *testing.T) {
	a := siteArchive(t)
	a.Index.Register("http://example.com/about.html", "20200101000000")
	s := newServer(t, Options{
		Registry:         wayback.NewRegistry(a),
		Target:           TargetWayback,
		WaybackTimestamp: "2019",
	})
	rec := get(t, s, "/ServeContent?url=http://example.com/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `href="https://web.archive.org/web/20200101000000id_/http://example.com/about.html"`)

	rec = get(t, s, "/ServeContent?url=http://example.com/css/site.css")
	assert.Contains(t, rec.Body.String(), "https://web.archive.org/web/2019id_/http://example.com/img/bg.png")
}

func TestLookupPrefersMostSpecificArchive(t *testing.T) {
	site := siteArchive(t)
	blog := newArchive(t, "blog", "http://example.com/blog/", map[string]string{
		"blog/index.html": "<p>blog</p>",
	})
	s := newServer(t, Options{Registry: wayback.NewRegistry(site, blog)})
	rec := get(t, s, "/ServeContent?url=http://example.com/blog/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "blog", rec.Header().Get("X-Archive"))
}

func TestHealthArchivesAndMetrics(t *testing.T) {
	m := metrics.NewCollector()
	s := newServer(t, Options{Registry: wayback.NewRegistry(siteArchive(t)), Metrics: m})

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, s, "/archives")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []archiveInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "site", list[0].Name)
	assert.Contains(t, list[0].Stems, "https://www.example.com/")

	get(t, s, "/ServeContent?url=http://example.com/")
	rec = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `wayback_replay_requests_total{code="200",method="GET"}`)
	assert.Contains(t, body, `wayback_replay_documents_total{archive="site",mode="rewritten"} 1`)
	assert.Contains(t, body, `wayback_replay_links_total{mime="text/html",outcome="rewritten"} 1`)
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newServer(t, Options{Registry: wayback.NewRegistry(siteArchive(t))})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, Options{
		Registry:  wayback.NewRegistry(siteArchive(t)),
		RateLimit: RateLimit{Enabled: true, RPS: 0.001, Burst: 1},
	})
	defer s.limiter.stop()

	req := func(ip string) int {
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		r.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, r)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, req("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.1"))
	assert.Equal(t, http.StatusOK, req("10.0.0.2"))
}

func TestIPLimiterEvictsIdle(t *testing.T) {
	l := newIPLimiter(1, 1)
	defer l.stop()
	l.allow("a")
	l.evict(time.Now().Add(10 * time.Minute))
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.limiters)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(r))
	r.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", clientIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", clientIP(r))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Registry: wayback.NewRegistry(siteArchive(t)), Target: "live"})
	assert.Error(t, err)

	a := siteArchive(t)
	a.CSSMode = "fancy"
	_, err = New(Options{Registry: wayback.NewRegistry(a)})
	assert.Error(t, err)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := newServer(t, Options{Registry: wayback.NewRegistry(siteArchive(t))})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(b))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServeContentMultiParamQueryRoundTrip(t *testing.T) {
	const target = "http://example.com/search?a=1&b=2"
	a := newArchive(t, "site", "http://example.com/", map[string]string{
		"index.html": `<html><body><a href="/search?a=1&amp;b=2">search</a></body></html>`,
	})
	require.NoError(t, a.Store.PutBytes(a.LocalPath(target), []byte("search results")))
	s := newServer(t, Options{Registry: wayback.NewRegistry(a)})

	page := get(t, s, "/ServeContent?url=http://example.com/")
	require.Equal(t, http.StatusOK, page.Code)
	m := regexp.MustCompile(`href="([^"]*)"`).FindStringSubmatch(page.Body.String())
	require.Len(t, m, 2, page.Body.String())
	link := html.UnescapeString(m[1])
	assert.Equal(t, publicURL+"ServeContent?url="+target, link)

	rec := get(t, s, "/"+strings.TrimPrefix(link, publicURL))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "search results")
}

func TestArchivedURL(t *testing.T) {
	tests := []struct {
		query, want string
	}{
		{"url=http://example.com/a?x=1&y=2", "http://example.com/a?x=1&y=2"},
		{"x=1&url=http://example.com/", "http://example.com/"},
		{"url=http%3A%2F%2Fexample.com%2Fa%3Fx%3D1", "http://example.com/a?x=1"},
		{"url=example.com/a", "example.com/a"},
		{"url=%20", ""},
		{"curl=http://example.com/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, archivedURL(tt.query), tt.query)
	}
}
