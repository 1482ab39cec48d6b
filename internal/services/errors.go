// Package services implements the affinity economy: the points ledger, the
// directed affinity store, the per-viewer ranking cache, the quiz session
// gate and the meeting state machine.
//
// This file centralizes service-level error values. Expected business
// outcomes that callers branch on (insufficient funds, rate limited) are not
// errors; they are reported through typed result statuses. Errors here are
// validation, not-found/forbidden, or a wrapped storage failure.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"
)

// Validation errors. Returned before any storage call.
var (
	// ErrSelfReference is returned for self-quiz and self-meeting requests.
	ErrSelfReference = errors.New("cannot target yourself")

	// ErrMissingUser is returned when a user id argument is blank.
	ErrMissingUser = errors.New("user id is required")

	// ErrInvalidAmount is returned when an earn/spend amount is not positive.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidReason is returned for an empty ledger reason.
	ErrInvalidReason = errors.New("ledger reason is required")

	// ErrUnknownMode is returned when a quiz mode is not configured.
	ErrUnknownMode = errors.New("unknown quiz mode")

	// ErrInvalidCursor is returned when a ledger page cursor does not name
	// one of the caller's entries.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrInvalidAnswer is returned when a question id or option is blank.
	ErrInvalidAnswer = errors.New("question id and options are required")

	// ErrEmptyMessage is returned for blank chat text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLong is returned when chat text exceeds the rune limit.
	ErrMessageTooLong = errors.New("message too long")
)

// Not found / unauthorized errors.
var (
	// ErrSessionNotFound indicates the quiz session does not exist or is not
	// owned by the caller.
	ErrSessionNotFound = errors.New("quiz session not found")

	// ErrSessionEnded is returned when answering into an ended session.
	ErrSessionEnded = errors.New("quiz session has ended")

	// ErrMeetingNotFound indicates the meeting does not exist.
	ErrMeetingNotFound = errors.New("meeting not found")

	// ErrNotParticipant is returned when the caller is not one of the pair.
	ErrNotParticipant = errors.New("not a participant of this meeting")

	// ErrMeetingNotActive is returned when sending into a meeting that is
	// not CONNECTED or CHATTING.
	ErrMeetingNotActive = errors.New("meeting is not active")

	// ErrNotEligible is returned by Enter when affinity is below T3.
	ErrNotEligible = errors.New("affinity too low to meet")
)

// ErrStorage marks an infrastructure failure. It is always wrapped together
// with the underlying driver error, so errors.Is works for both.
var ErrStorage = errors.New("storage failure")

// rejections lists every sentinel a transaction body may return on purpose.
var rejections = []error{
	ErrSelfReference, ErrMissingUser, ErrInvalidAmount, ErrInvalidReason,
	ErrUnknownMode, ErrInvalidCursor, ErrInvalidAnswer, ErrEmptyMessage,
	ErrMessageTooLong, ErrSessionNotFound, ErrSessionEnded, ErrMeetingNotFound,
	ErrNotParticipant, ErrMeetingNotActive, ErrNotEligible,
}

// txErr passes service rejections through and wraps everything else as a
// storage failure.
func txErr(err error) error {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return err
		}
	}
	return storageErr(err)
}

func storageErr(err error) error {
	if err == nil || errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
