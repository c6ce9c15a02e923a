package origin

import (
	"errors"
	"testing"

	"edgegate/internal/config"
)

func TestNewResolver_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		private    string
		public     string
		wantOrigin string
		wantErr    bool
	}{
		{
			name:       "private origin wins",
			private:    "http://backend.internal:9000",
			public:     "https://api.example.com/v1",
			wantOrigin: "http://backend.internal:9000",
		},
		{
			name:       "public base URL fallback drops path",
			public:     "https://api.example.com/v1/dash",
			wantOrigin: "https://api.example.com",
		},
		{
			name:    "private with bad scheme",
			private: "ftp://backend",
			wantErr: true,
		},
		{
			name:    "private without host",
			private: "http://",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			cfg.Origin.PrivateURL = tt.private
			cfg.Origin.PublicAPIURL = tt.public

			r, err := NewResolver(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewResolver() expected error, got nil")
				}
				if !errors.Is(err, ErrNoOrigin) {
					t.Errorf("NewResolver() error = %v, want ErrNoOrigin", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewResolver() error = %v", err)
			}
			if got := r.Origin().String(); got != tt.wantOrigin {
				t.Errorf("Origin() = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestNewResolver_NothingConfigured(t *testing.T) {
	r, err := NewResolver(&config.Config{})
	if err != nil {
		t.Fatalf("NewResolver() error = %v, want construction to succeed", err)
	}
	if r.Origin() != nil {
		t.Errorf("Origin() = %v, want nil", r.Origin())
	}

	_, err = r.Target("/jobs", "")
	if !errors.Is(err, ErrNoOrigin) {
		t.Errorf("Target() error = %v, want ErrNoOrigin", err)
	}
}

func TestTarget(t *testing.T) {
	cfg := &config.Config{}
	cfg.Origin.PrivateURL = "http://backend:9000"
	r, err := NewResolver(cfg)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		path  string
		query string
		want  string
	}{
		{"plain path", "/health/live", "", "http://backend:9000/health/live"},
		{"with query", "/jobs", "page=2&sort=desc", "http://backend:9000/jobs?page=2&sort=desc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Target(tt.path, tt.query)
			if err != nil {
				t.Fatalf("Target() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Target() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTarget_PrivateOriginWithBasePath(t *testing.T) {
	cfg := &config.Config{}
	cfg.Origin.PrivateURL = "http://backend:9000/base/"
	r, err := NewResolver(cfg)
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Target("/jobs", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "http://backend:9000/base/jobs" {
		t.Errorf("Target() = %q, want %q", got, "http://backend:9000/base/jobs")
	}
}
