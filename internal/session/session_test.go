package session

import (
	"context"
	"net/http"
	"testing"
	"time"

	"edgegate/internal/clock"
)

func TestStore_CreateAndToken(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	s := NewStore(clk)

	id := s.Create(Credential{AccessToken: "tok-1"})
	if id == "" {
		t.Fatal("Create() returned empty session ID")
	}
	if got := s.Token(id); got != "tok-1" {
		t.Errorf("Token() = %q, want %q", got, "tok-1")
	}
	if got := s.Token("unknown"); got != "" {
		t.Errorf("Token(unknown) = %q, want empty", got)
	}
}

func TestStore_Expiry(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	s := NewStore(clk)

	id := s.Create(Credential{
		AccessToken: "tok-1",
		ExpiresAt:   clk.Now().Add(time.Minute),
	})

	if got := s.Token(id); got != "tok-1" {
		t.Fatalf("Token() before expiry = %q, want %q", got, "tok-1")
	}
	clk.Advance(2 * time.Minute)
	if got := s.Token(id); got != "" {
		t.Errorf("Token() after expiry = %q, want empty", got)
	}
}

func TestStore_SetAndDelete(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	s := NewStore(clk)

	id := s.Create(Credential{AccessToken: "old"})
	s.Set(id, Credential{AccessToken: "new"})
	if got := s.Token(id); got != "new" {
		t.Errorf("Token() after Set = %q, want %q", got, "new")
	}

	s.Delete(id)
	if got := s.Token(id); got != "" {
		t.Errorf("Token() after Delete = %q, want empty", got)
	}
}

func TestStore_TokenForRequest(t *testing.T) {
	clk := clock.Fake(time.Unix(1000, 0))
	s := NewStore(clk)
	id := s.Create(Credential{AccessToken: "tok-1"})

	req, _ := http.NewRequest(http.MethodGet, "/x", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: id})

	if got := s.TokenForRequest(req, "sid"); got != "tok-1" {
		t.Errorf("TokenForRequest() = %q, want %q", got, "tok-1")
	}
	if got := s.TokenForRequest(req, "other"); got != "" {
		t.Errorf("TokenForRequest(wrong cookie) = %q, want empty", got)
	}

	bare, _ := http.NewRequest(http.MethodGet, "/x", nil)
	if got := s.TokenForRequest(bare, "sid"); got != "" {
		t.Errorf("TokenForRequest(no cookie) = %q, want empty", got)
	}
}

func TestStatic(t *testing.T) {
	src := Static("fixed")
	if got := src.Token(); got != "fixed" {
		t.Errorf("Token() = %q, want %q", got, "fixed")
	}
	tok, err := src.Refresh(context.Background())
	if err != nil || tok != "" {
		t.Errorf("Refresh() = (%q, %v), want empty and nil", tok, err)
	}
}

func TestFuncSource(t *testing.T) {
	calls := 0
	src := FuncSource{
		TokenFunc: func() string { return "t" },
		RefreshFunc: func(context.Context) (string, error) {
			calls++
			return "t2", nil
		},
	}
	if src.Token() != "t" {
		t.Error("TokenFunc not used")
	}
	tok, err := src.Refresh(context.Background())
	if err != nil || tok != "t2" || calls != 1 {
		t.Errorf("Refresh() = (%q, %v), calls=%d", tok, err, calls)
	}

	var empty FuncSource
	if empty.Token() != "" {
		t.Error("zero FuncSource Token should be empty")
	}
}
