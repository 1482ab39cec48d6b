package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

// RedactOptions configures a Redactor.
//
// MaskHeaders names extra headers whose values are replaced entirely with
// "[REDACTED]". Matching is case-insensitive and merged with the built-in
// set (Authorization, Cookie, Set-Cookie).
type RedactOptions struct {
	MaskHeaders []string
}

// Redactor scrubs obvious PII from request metadata before it is logged.
// UUIDs are replaced before phone numbers so the loose phone pattern never
// eats the digit groups of an id.
type Redactor struct {
	uuidRE  *regexp.Regexp
	emailRE *regexp.Regexp
	phoneRE *regexp.Regexp
	masked  map[string]struct{}
}

// NewRedactor compiles the patterns once.
func NewRedactor(opts RedactOptions) *Redactor {
	r := &Redactor{
		uuidRE:  regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`),
		emailRE: regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`),
		phoneRE: regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`),
		masked: map[string]struct{}{
			"authorization": {},
			"cookie":        {},
			"set-cookie":    {},
		},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.masked[h] = struct{}{}
		}
	}
	return r
}

// Scrub replaces ids, emails and phone numbers in s.
func (r *Redactor) Scrub(s string) string {
	if s == "" {
		return s
	}
	s = r.uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = r.emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return r.phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// Headers returns a loggable copy of h with masked headers blanked and the
// rest scrubbed.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := r.masked[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.Scrub(strings.Join(vv, ", "))
	}
	return out
}
