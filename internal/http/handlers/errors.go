// Package handlers defines the HTTP error taxonomy of the API.
//
// Codes are lowercase snake_case and stable; clients branch on them. Generic
// codes mirror HTTP status semantics, domain codes name the service rule
// that rejected the request.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "meeting_not_active",
//	  "message": "meeting is not active"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-affinity-backend/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeSelfReference     = "self_reference"
	ErrCodeInvalidAmount     = "invalid_amount"
	ErrCodeInvalidReason     = "invalid_reason"
	ErrCodeUnknownMode       = "unknown_mode"
	ErrCodeInvalidCursor     = "invalid_cursor"
	ErrCodeEmptyMessage      = "empty_message"
	ErrCodeMessageTooLong    = "message_too_long"
	ErrCodeSessionEnded      = "session_ended"
	ErrCodeNotParticipant    = "not_participant"
	ErrCodeMeetingNotActive  = "meeting_not_active"
	ErrCodeNotEligible       = "not_eligible"
	ErrCodeInsufficientFunds = "insufficient_funds"
)

// errorMapping ties a service sentinel to its HTTP status and code.
type errorMapping struct {
	err    error
	status int
	code   string
}

var serviceErrors = []errorMapping{
	{services.ErrMissingUser, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrSelfReference, http.StatusBadRequest, ErrCodeSelfReference},
	{services.ErrInvalidAmount, http.StatusBadRequest, ErrCodeInvalidAmount},
	{services.ErrInvalidReason, http.StatusBadRequest, ErrCodeInvalidReason},
	{services.ErrUnknownMode, http.StatusBadRequest, ErrCodeUnknownMode},
	{services.ErrInvalidCursor, http.StatusBadRequest, ErrCodeInvalidCursor},
	{services.ErrInvalidAnswer, http.StatusBadRequest, ErrCodeBadRequest},
	{services.ErrEmptyMessage, http.StatusBadRequest, ErrCodeEmptyMessage},
	{services.ErrMessageTooLong, http.StatusBadRequest, ErrCodeMessageTooLong},
	{services.ErrSessionNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrMeetingNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrNotParticipant, http.StatusForbidden, ErrCodeNotParticipant},
	{services.ErrSessionEnded, http.StatusConflict, ErrCodeSessionEnded},
	{services.ErrMeetingNotActive, http.StatusConflict, ErrCodeMeetingNotActive},
	{services.ErrNotEligible, http.StatusConflict, ErrCodeNotEligible},
}

// serviceError answers with the status and code mapped to err. Anything
// unmapped, including services.ErrStorage, is a 500 whose message does not
// leak driver details; the full error goes to the request log.
func serviceError(c *gin.Context, err error) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.err) {
			fail(c, m.status, m.code, m.err.Error())
			return
		}
	}
	_ = c.Error(err)
	fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
}
