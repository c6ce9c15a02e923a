package middleware

import (
	"github.com/labstack/echo/v4"
)

// inboundHopByHopHeaders are stripped before a request reaches the
// proxy pipeline; they describe the client connection, not the one the
// gateway opens to the origin.
var inboundHopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop
// headers from inbound requests and stamps browser protections on
// every response. Referrer-Policy covers the stream page: a client
// that put a token in the URL must not leak it through the Referer.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range inboundHopByHopHeaders {
				c.Request().Header.Del(h)
			}

			// Stamped before the handler runs so they make it out
			// even on streamed responses, whose status line is sent
			// mid-handler.
			hdr := c.Response().Header()
			hdr.Set("X-Content-Type-Options", "nosniff")
			hdr.Set("X-Frame-Options", "DENY")
			hdr.Set("Referrer-Policy", "no-referrer")

			return next(c)
		}
	}
}
