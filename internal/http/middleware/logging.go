// Package middleware contains the Gin middleware of the HTTP adapter.
//
// This file provides the correlation and identity plumbing every handler
// relies on:
//
//   - RequestID() reuses or mints an X-Request-ID and echoes it back.
//   - Identity() resolves the acting user from X-User-ID. Authentication is
//     handled upstream of this service; the header is trusted as-is.
//   - Logger() emits one structured access log per request with query and
//     header values scrubbed by a Redactor, and attaches a request-scoped
//     zerolog.Logger both to the Gin context and to the request's
//     context.Context so services logging through log.Ctx(ctx) inherit the
//     request_id and user_id fields.
//   - Recovery() turns panics into the standard JSON 500 envelope.
//
// Recommended order: RequestID, Identity, Logger, Recovery.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"

	// UserIDKey is the Gin context key holding the acting user id.
	UserIDKey = "userID"
	// UserIDHeader carries the acting user id.
	UserIDHeader = "X-User-ID"

	loggerKey         = "logger"
	maxQueryLogLength = 2048
	maxUserIDLength   = 64
)

// RequestID attaches (or propagates) a correlation identifier per request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Identity copies a trimmed X-User-ID into the Gin context under UserIDKey.
// An identity set by an earlier middleware wins. Ids longer than the
// storage column are rejected with 400.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v, ok := c.Get(UserIDKey); ok {
			if s, _ := v.(string); s != "" {
				c.Next()
				return
			}
		}
		uid := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if len(uid) > maxUserIDLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_request",
				"message":    "X-User-ID too long",
			})
			return
		}
		if uid != "" {
			c.Set(UserIDKey, uid)
		}
		c.Next()
	}
}

// UserID returns the acting user id or "" when none was supplied.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(UserIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Logger writes a structured access log for each request. Query strings and
// header values pass through red before they are logged; bodies never are.
//
// Level is chosen by outcome: error for 5xx or when handlers recorded Gin
// errors, warn for 4xx, info otherwise.
func Logger(red *Redactor) gin.HandlerFunc {
	if red == nil {
		red = NewRedactor(RedactOptions{})
	}
	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", asString(rid)).
			Str("user_id", UserID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()

		c.Set(loggerKey, &l)
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))

		c.Next()

		ev := l.With().
			Str("remote_ip", c.ClientIP()).
			Str("query", truncate(red.Scrub(c.Request.URL.RawQuery), maxQueryLogLength)).
			Interface("headers", red.Headers(c.Request.Header)).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", c.Writer.Status()).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Logger()

		status := c.Writer.Status()
		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				v, _ := c.Get(requestIDKey)
				rid := asString(v)
				LoggerFrom(c).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header(requestIDHeader, rid)
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": rid,
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// Logger() did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes. A max <= 0 disables truncation.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
