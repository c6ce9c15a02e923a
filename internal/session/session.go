// Package session holds the session credentials the gateway reads when
// authenticating the SSE stream path, and the TokenSource the client
// transport uses for its 401 refresh.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"edgegate/internal/clock"
)

// Credential is a session's access token. Only the auth provider
// mutates credentials; the gateway reads and forwards them.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

// valid reports whether the credential is usable at time now.
func (c Credential) valid(now time.Time) bool {
	return c.AccessToken != "" && (c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt))
}

// Store maps session IDs to credentials. Session IDs are issued by
// Create and travel in the gateway's session cookie.
type Store struct {
	mu    sync.RWMutex
	creds map[string]Credential
	clk   clock.Clock
}

// NewStore creates an empty session store.
func NewStore(clk clock.Clock) *Store {
	return &Store{
		creds: make(map[string]Credential),
		clk:   clk,
	}
}

// Create registers a credential and returns its new session ID.
func (s *Store) Create(cred Credential) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.creds[id] = cred
	s.mu.Unlock()
	return id
}

// Set replaces the credential for an existing session ID.
func (s *Store) Set(id string, cred Credential) {
	s.mu.Lock()
	s.creds[id] = cred
	s.mu.Unlock()
}

// Delete removes a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.creds, id)
	s.mu.Unlock()
}

// Token returns the access token for a session ID, or "" when the
// session is unknown or expired.
func (s *Store) Token(id string) string {
	s.mu.RLock()
	cred, ok := s.creds[id]
	s.mu.RUnlock()
	if !ok || !cred.valid(s.clk.Now()) {
		return ""
	}
	return cred.AccessToken
}

// TokenForRequest resolves the session cookie on an inbound request to
// a bearer token, or "" when no valid session exists.
func (s *Store) TokenForRequest(r *http.Request, cookieName string) string {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return ""
	}
	return s.Token(c.Value)
}

// TokenSource supplies the client transport with the current access
// token and a way to refresh it after a 401. Refresh returns the new
// token, or "" when the session could not be refreshed.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// Static is a TokenSource with a fixed token and no refresh
// capability. Refresh always reports failure with a nil error.
type Static string

func (s Static) Token() string { return string(s) }

func (s Static) Refresh(context.Context) (string, error) { return "", nil }

// FuncSource adapts a pair of functions to TokenSource. The auth
// collaborator is opaque to this repo, so glue code supplies whatever
// closure it has.
type FuncSource struct {
	TokenFunc   func() string
	RefreshFunc func(ctx context.Context) (string, error)
}

func (f FuncSource) Token() string {
	if f.TokenFunc == nil {
		return ""
	}
	return f.TokenFunc()
}

func (f FuncSource) Refresh(ctx context.Context) (string, error) {
	if f.RefreshFunc == nil {
		return "", nil
	}
	return f.RefreshFunc(ctx)
}
