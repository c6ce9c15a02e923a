package service

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"edgegate/internal/cache"
	"edgegate/internal/clock"
	"edgegate/internal/config"
	"edgegate/internal/model"
	"edgegate/internal/origin"
	"edgegate/internal/session"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Origin.PrivateURL = "http://backend:9000"
	cfg.Cache.Enabled = true
	cfg.Cache.FreshSeconds = 60
	cfg.Cache.StaleSeconds = 60
	cfg.Cache.Paths = []string{"/health", "/public"}
	cfg.Gateway.Prefix = "/api/gateway"
	cfg.Gateway.StreamSuffix = "/jobs/stream"
	cfg.Gateway.SessionCookie = "sid"
	return cfg
}

func testService(t *testing.T, cfg *config.Config) (*GatewayService, *session.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Fake(time.Unix(1000, 0))
	r, err := origin.NewResolver(cfg)
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewStore(clk)
	store := cache.NewStore(clk, nil)
	return NewGatewayService(nil, cfg, r, store, sessions, logger), sessions
}

func TestBuildUpstreamHeaders_AllowList(t *testing.T) {
	svc, _ := testService(t, testConfig())

	pr := &model.ProxyRequest{
		Path: "/jobs",
		Header: http.Header{
			"Accept":           {"application/json"},
			"Accept-Language":  {"en"},
			"Authorization":    {"Bearer abc"},
			"Content-Type":     {"application/json"},
			"Cookie":           {"sid=1"},
			"User-Agent":       {"dash/1.0"},
			"X-Csrf-Token":     {"tok"},
			"X-Requested-With": {"XMLHttpRequest"},
			"X-Forwarded-For":  {"1.2.3.4"},
			"X-Api-Key":        {"secret"},
			"Referer":          {"https://evil.example"},
		},
	}

	dst := svc.buildUpstreamHeaders(pr)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Accept-Language forwarded", "Accept-Language", 1},
		{"Authorization forwarded", "Authorization", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"Cookie forwarded", "Cookie", 1},
		{"User-Agent forwarded", "User-Agent", 1},
		{"CSRF token forwarded", "X-CSRF-Token", 1},
		{"X-Requested-With forwarded", "X-Requested-With", 1},
		{"X-Forwarded-For dropped", "X-Forwarded-For", 0},
		{"X-Api-Key dropped", "X-Api-Key", 0},
		{"Referer dropped", "Referer", 0},
		{"marker stamped", MarkerHeader, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestBuildUpstreamHeaders_StreamInjection(t *testing.T) {
	svc, sessions := testService(t, testConfig())
	id := sessions.Create(session.Credential{AccessToken: "sess-token"})

	t.Run("session injected when no Authorization", func(t *testing.T) {
		pr := &model.ProxyRequest{
			Path:   "/api/gateway/jobs/stream",
			Header: http.Header{"Cookie": {"sid=" + id}},
		}
		dst := svc.buildUpstreamHeaders(pr)
		if got := dst.Get("Authorization"); got != "Bearer sess-token" {
			t.Errorf("Authorization = %q, want injected bearer", got)
		}
	})

	t.Run("existing Authorization wins", func(t *testing.T) {
		pr := &model.ProxyRequest{
			Path: "/api/gateway/jobs/stream",
			Header: http.Header{
				"Cookie":        {"sid=" + id},
				"Authorization": {"Bearer caller-token"},
			},
		}
		dst := svc.buildUpstreamHeaders(pr)
		if got := dst.Get("Authorization"); got != "Bearer caller-token" {
			t.Errorf("Authorization = %q, want caller token", got)
		}
	})

	t.Run("no session no injection", func(t *testing.T) {
		pr := &model.ProxyRequest{
			Path:   "/api/gateway/jobs/stream",
			Header: http.Header{},
		}
		dst := svc.buildUpstreamHeaders(pr)
		if got := dst.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want none", got)
		}
	})

	t.Run("non-stream path never injected", func(t *testing.T) {
		pr := &model.ProxyRequest{
			Path:   "/jobs",
			Header: http.Header{"Cookie": {"sid=" + id}},
		}
		dst := svc.buildUpstreamHeaders(pr)
		if got := dst.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want none on non-stream path", got)
		}
	})
}

func TestStripTokenParams(t *testing.T) {
	q := url.Values{
		"token":        {"secret"},
		"access_token": {"secret"},
		"apikey":       {"secret"},
		"api_key":      {"secret"},
		"page":         {"2"},
	}
	got := stripTokenParams(q)
	if got.Get("page") != "2" {
		t.Error("non-token param dropped")
	}
	for _, k := range []string{"token", "access_token", "apikey", "api_key"} {
		if got.Has(k) {
			t.Errorf("param %q not stripped", k)
		}
	}
	// Original values are untouched.
	if !q.Has("token") {
		t.Error("input map mutated")
	}
}

func TestCacheEligibleRequest(t *testing.T) {
	cfg := testConfig()
	svc, _ := testService(t, cfg)

	tests := []struct {
		name   string
		method string
		path   string
		header http.Header
		want   bool
	}{
		{"cacheable GET", http.MethodGet, "/health/live", http.Header{}, true},
		{"prefix exact match", http.MethodGet, "/health", http.Header{}, true},
		{"POST never cached", http.MethodPost, "/health/live", http.Header{}, false},
		{"path not allow-listed", http.MethodGet, "/jobs", http.Header{}, false},
		{"prefix must be a segment", http.MethodGet, "/healthy", http.Header{}, false},
		{"Authorization blocks", http.MethodGet, "/health/live", http.Header{"Authorization": {"Bearer x"}}, false},
		{"Cookie blocks", http.MethodGet, "/health/live", http.Header{"Cookie": {"sid=1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := &model.ProxyRequest{Method: tt.method, Path: tt.path, Header: tt.header, Query: url.Values{}}
			if got := svc.CacheEligibleRequest(pr); got != tt.want {
				t.Errorf("CacheEligibleRequest() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("cache disabled", func(t *testing.T) {
		off := testConfig()
		off.Cache.Enabled = false
		svcOff, _ := testService(t, off)
		pr := &model.ProxyRequest{Method: http.MethodGet, Path: "/health/live", Header: http.Header{}, Query: url.Values{}}
		if svcOff.CacheEligibleRequest(pr) {
			t.Error("CacheEligibleRequest() = true with cache disabled")
		}
	})
}

func TestFinalizeHeaders(t *testing.T) {
	svc, _ := testService(t, testConfig())

	t.Run("eligible response gets cache headers", func(t *testing.T) {
		pr := &model.ProxyRequest{Method: http.MethodGet, Path: "/health/live", Header: http.Header{}, Query: url.Values{}}
		hdr := http.Header{"Content-Type": {"application/json"}}

		entry := svc.FinalizeHeaders(pr, http.StatusOK, hdr)
		if entry == nil {
			t.Fatal("FinalizeHeaders() = nil, want cache entry")
		}
		cc := hdr.Get("Cache-Control")
		if !strings.Contains(cc, "public") || !strings.Contains(cc, "max-age=60") || !strings.Contains(cc, "stale-while-revalidate=60") {
			t.Errorf("Cache-Control = %q", cc)
		}
		if hdr.Get(CacheStatusHeader) != "MISS" {
			t.Errorf("%s = %q, want MISS", CacheStatusHeader, hdr.Get(CacheStatusHeader))
		}
		if hdr.Get(MarkerHeader) != MarkerValue {
			t.Error("marker header missing")
		}
	})

	t.Run("Set-Cookie blocks caching", func(t *testing.T) {
		pr := &model.ProxyRequest{Method: http.MethodGet, Path: "/health/live", Header: http.Header{}, Query: url.Values{}}
		hdr := http.Header{"Set-Cookie": {"sid=1"}}

		if entry := svc.FinalizeHeaders(pr, http.StatusOK, hdr); entry != nil {
			t.Error("FinalizeHeaders() cached a Set-Cookie response")
		}
		if hdr.Get("Cache-Control") != "no-store" {
			t.Errorf("Cache-Control = %q, want no-store", hdr.Get("Cache-Control"))
		}
	})

	t.Run("non-2xx blocks caching", func(t *testing.T) {
		pr := &model.ProxyRequest{Method: http.MethodGet, Path: "/health/live", Header: http.Header{}, Query: url.Values{}}
		hdr := http.Header{}

		if entry := svc.FinalizeHeaders(pr, http.StatusBadGateway, hdr); entry != nil {
			t.Error("FinalizeHeaders() cached a 502")
		}
	})

	t.Run("upstream cache-control preserved on ineligible path", func(t *testing.T) {
		pr := &model.ProxyRequest{Method: http.MethodGet, Path: "/jobs", Header: http.Header{}, Query: url.Values{}}
		hdr := http.Header{"Cache-Control": {"max-age=10"}}

		svc.FinalizeHeaders(pr, http.StatusOK, hdr)
		if got := hdr.Get("Cache-Control"); got != "max-age=10" {
			t.Errorf("Cache-Control = %q, want upstream value kept", got)
		}
	})
}

func TestFilterResponseHeaders_HopByHop(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"keep-alive"},
		"Upgrade":           {"h2c"},
		"Date":              {"Mon, 01 Jan 2025 00:00:00 GMT"},
	}
	dst := filterResponseHeaders(src)

	if dst.Get("Content-Type") == "" || dst.Get("Date") == "" {
		t.Error("end-to-end headers dropped")
	}
	for _, k := range []string{"Transfer-Encoding", "Connection", "Upgrade"} {
		if dst.Get(k) != "" {
			t.Errorf("hop-by-hop header %q forwarded", k)
		}
	}
}
