package metrics

import "testing"

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"DELETE", "DELETE"},
		{"XYZZY", "other"},
		{"get", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := NormalizeMethod(tt.method); got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/gateway", "/api/gateway"},
		{"/api/gateway/jobs/stream", "/api/gateway"},
		{"/api/gatewayextra", "other"},
		{"/healthz", "/healthz"},
		{"/gateway/status", "/gateway/status"},
		{"/metrics", "/metrics"},
		{"/anything/else", "other"},
		{"", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := NormalizePath(tt.path); got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNew_RegistersCollectors(t *testing.T) {
	m := New()

	m.RequestsTotal.WithLabelValues("GET", "200", "/api/gateway").Inc()
	m.CacheEvents.WithLabelValues(CacheHit).Inc()
	m.StreamSessions.Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"edgegate_http_requests_total": false,
		"edgegate_cache_events_total":  false,
		"edgegate_stream_sessions":     false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric family %q not registered", name)
		}
	}
}
