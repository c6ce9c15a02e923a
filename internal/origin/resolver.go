// Package origin resolves the backend origin the gateway forwards to.
package origin

import (
	"errors"
	"fmt"
	"net/url"

	"edgegate/internal/config"
)

// ErrNoOrigin means neither the private origin nor the public API base
// URL yields a usable backend origin. This is a deployment
// misconfiguration: the handler maps it to HTTP 500 and nothing
// retries it.
var ErrNoOrigin = errors.New("no backend origin configured")

// Resolver holds the origin resolved once at startup. An unresolved
// origin is not a construction error; every request through it fails
// with ErrNoOrigin instead, so health and metrics endpoints stay up on
// a misconfigured deployment.
type Resolver struct {
	origin *url.URL
}

// NewResolver resolves the backend origin with the configured
// precedence: the operator-set private origin wins; otherwise the
// origin (scheme + host) is derived from the public API base URL.
// Only malformed URLs error; absent ones leave the resolver empty.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	u, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	return &Resolver{origin: u}, nil
}

func resolve(cfg *config.Config) (*url.URL, error) {
	if cfg.Origin.PrivateURL != "" {
		u, err := parseOrigin(cfg.Origin.PrivateURL)
		if err != nil {
			return nil, fmt.Errorf("origin: private_url: %w", err)
		}
		return u, nil
	}

	if cfg.Origin.PublicAPIURL != "" {
		u, err := parseOrigin(cfg.Origin.PublicAPIURL)
		if err != nil {
			return nil, fmt.Errorf("origin: public_api_url: %w", err)
		}
		// Only the origin part is kept: the public base URL may carry
		// an API path prefix that must not be duplicated on forward.
		return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
	}

	return nil, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrNoOrigin, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrNoOrigin, raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}, nil
}

// Origin returns the resolved backend origin, or nil when none is
// configured.
func (r *Resolver) Origin() *url.URL {
	return r.origin
}

// Target builds the absolute upstream URL for a wildcard path and raw
// query string. Returns ErrNoOrigin when no origin is configured.
func (r *Resolver) Target(path, rawQuery string) (string, error) {
	if r.origin == nil {
		return "", ErrNoOrigin
	}
	u := *r.origin
	u.Path = joinPath(u.Path, path)
	u.RawQuery = rawQuery
	return u.String(), nil
}

func joinPath(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}
