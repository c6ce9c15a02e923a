package transport

import (
	"fmt"
	"time"
)

// TimeoutError reports a request that hit the transport's deadline.
// It is distinct from generic network failure so callers can tell the
// two apart when deciding what to surface.
type TimeoutError struct {
	URL   string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Limit)
}

// SecurityError reports a tenant-isolation violation found in a
// response body during development checks. It is always propagated,
// never swallowed.
type SecurityError struct {
	Field string
	Got   string
	Want  string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("tenant isolation violation: field %q is %q, expected %q", e.Field, e.Got, e.Want)
}
