package handler

import "regexp"

// credentialPatterns match token material that can leak into error
// messages via upstream URLs (stripped query params) or headers echoed
// back by net/http errors.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:access_)?token=)[^&\s"]+`),
	regexp.MustCompile(`(?i)(api_?key=)[^&\s"]+`),
	regexp.MustCompile(`(?i)(Bearer )[A-Za-z0-9._~+/-]+=*`),
}

// sanitizeError redacts credential material from error messages before
// they reach logs.
func sanitizeError(err error) string {
	msg := err.Error()
	for _, p := range credentialPatterns {
		msg = p.ReplaceAllString(msg, "${1}[REDACTED]")
	}
	return msg
}
