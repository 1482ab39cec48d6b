// Package services – Meetings
//
// This file implements Meetings, the state machine for the shared
// meeting/chat resource of an unordered user pair:
//
//	LOCKED -> AVAILABLE -> CONNECTED -> CHATTING
//
// Every entry point canonicalizes the pair with domain.CanonicalPair before
// touching storage, and the unique (user1_id, user2_id) index is the
// concurrency backstop: the loser of a create race re-reads the winner's row.
//
// Chat text is trimmed and NFC-normalized before validation, so the rune
// limit counts what is stored.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/observability"
	"github.com/tbourn/go-affinity-backend/internal/repo"
	"github.com/tbourn/go-affinity-backend/internal/utils"
)

// DefaultMaxMessageRunes bounds chat text when MaxMessageRunes is unset.
const DefaultMaxMessageRunes = 1000

const messageTypeText = "text"

// Meetings owns meeting rows and their chat log.
type Meetings struct {
	DB         *gorm.DB
	Thresholds domain.Thresholds

	// MaxMessageRunes caps chat text (default 1000).
	MaxMessageRunes int
}

// AvailableMeeting is a target the user may enter a meeting with.
type AvailableMeeting struct {
	TargetID  string               `json:"target_id"`
	Score     int64                `json:"affinity_score"`
	MeetingID string               `json:"meeting_id,omitempty"`
	State     domain.MeetingStatus `json:"state,omitempty"`
}

// ActiveChat is a CONNECTED or CHATTING meeting involving the user.
type ActiveChat struct {
	MeetingID   string               `json:"meeting_id"`
	Counterpart string               `json:"counterpart_id"`
	State       domain.MeetingStatus `json:"state"`
	ConnectedAt *time.Time           `json:"connected_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// MeetingOverview is the read model returned by GetState.
type MeetingOverview struct {
	Available []AvailableMeeting `json:"available_meetings"`
	Active    []ActiveChat       `json:"active_chats"`
}

// EnterResult is the meeting after Enter plus what the call changed.
type EnterResult struct {
	Meeting *domain.MeetingState `json:"meeting"`
	// From is the state before the call; empty when the row was created.
	From    domain.MeetingStatus `json:"from,omitempty"`
	Changed bool                 `json:"changed"`
}

// SendResult is the stored message and the meeting state after sending.
type SendResult struct {
	Message *domain.ChatMessage  `json:"message"`
	State   domain.MeetingStatus `json:"state"`
}

// MessagePage is a chronological page of messages.
type MessagePage struct {
	Items      []domain.ChatMessage `json:"messages"`
	Pagination utils.Pagination     `json:"pagination"`
	MarkedRead int64                `json:"marked_read"`
}

var errRetryAsRead = errors.New("meeting created concurrently")

func (s *Meetings) tracer() trace.Tracer { return otel.Tracer("services/Meetings") }

func (s *Meetings) maxRunes() int {
	if s.MaxMessageRunes > 0 {
		return s.MaxMessageRunes
	}
	return DefaultMaxMessageRunes
}

// GetState lists the user's meetable targets and active chats. Targets whose
// pair row is LOCKED or already active are not listed as available.
func (s *Meetings) GetState(ctx context.Context, userID string) (*MeetingOverview, error) {
	ctx, span := s.tracer().Start(ctx, "GetState", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	eligible, err := repo.ListMeetEligible(ctx, s.DB, userID, s.Thresholds.T3)
	if err != nil {
		return nil, storageErr(err)
	}
	rows, err := repo.ListMeetingsForUser(ctx, s.DB, userID)
	if err != nil {
		return nil, storageErr(err)
	}

	byCounterpart := make(map[string]domain.MeetingState, len(rows))
	out := &MeetingOverview{Available: []AvailableMeeting{}, Active: []ActiveChat{}}
	for _, m := range rows {
		other := m.Counterpart(userID)
		byCounterpart[other] = m
		if m.State.Active() {
			out.Active = append(out.Active, ActiveChat{
				MeetingID:   m.ID,
				Counterpart: other,
				State:       m.State,
				ConnectedAt: m.ConnectedAt,
				UpdatedAt:   m.UpdatedAt,
			})
		}
	}
	for _, a := range eligible {
		if a.TargetID == userID {
			continue
		}
		m, ok := byCounterpart[a.TargetID]
		if ok && m.State != domain.MeetingAvailable {
			continue
		}
		am := AvailableMeeting{TargetID: a.TargetID, Score: a.Score}
		if ok {
			am.MeetingID, am.State = m.ID, m.State
		}
		out.Available = append(out.Available, am)
	}
	return out, nil
}

// Enter connects user and target. It requires the user's affinity toward
// target to be meet-eligible and is idempotent once the pair is active.
func (s *Meetings) Enter(ctx context.Context, userID, targetID string) (*EnterResult, error) {
	ctx, span := s.tracer().Start(ctx, "Enter", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("target.id", targetID),
	))
	defer span.End()

	if strings.TrimSpace(userID) == "" || strings.TrimSpace(targetID) == "" {
		return nil, ErrMissingUser
	}
	if userID == targetID {
		return nil, ErrSelfReference
	}

	a, err := repo.GetAffinity(ctx, s.DB, userID, targetID)
	if err != nil && !repo.IsNotFound(err) {
		return nil, storageErr(err)
	}
	if a == nil || !s.Thresholds.CanMeet(a.Score, a.StagesUnlocked) {
		return nil, ErrNotEligible
	}

	u1, u2 := domain.CanonicalPair(userID, targetID)
	var res *EnterResult
	for attempt := 0; attempt < 2; attempt++ {
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			r, err := s.enterTx(ctx, tx, u1, u2)
			res = r
			return err
		})
		if !errors.Is(err, errRetryAsRead) {
			break
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, txErr(err)
	}
	if res.Changed {
		from := string(res.From)
		if from == "" {
			from = "NONE"
		}
		observability.MeetingTransitions.WithLabelValues(from, string(res.Meeting.State)).Inc()
		log.Ctx(ctx).Info().
			Str("meeting_id", res.Meeting.ID).
			Str("from", from).
			Str("to", string(res.Meeting.State)).
			Msg("meeting entered")
	}
	return res, nil
}

func (s *Meetings) enterTx(ctx context.Context, tx *gorm.DB, u1, u2 string) (*EnterResult, error) {
	now := time.Now().UTC()
	m, err := repo.GetMeetingByPair(ctx, tx, u1, u2)
	if repo.IsNotFound(err) {
		m, err = repo.CreateMeeting(ctx, tx, u1, u2, domain.MeetingConnected, &now, &now)
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, errRetryAsRead
		}
		if err != nil {
			return nil, err
		}
		return &EnterResult{Meeting: m, Changed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	var extra map[string]any
	switch m.State {
	case domain.MeetingConnected, domain.MeetingChatting:
		return &EnterResult{Meeting: m, From: m.State}, nil
	case domain.MeetingLocked:
		extra = map[string]any{"unlocked_at": now, "connected_at": now}
	case domain.MeetingAvailable:
		extra = map[string]any{"connected_at": now}
	}
	from := m.State
	moved, err := repo.TransitionMeeting(ctx, tx, m.ID, []domain.MeetingStatus{from}, domain.MeetingConnected, extra)
	if err != nil {
		return nil, err
	}
	if m, err = repo.GetMeeting(ctx, tx, m.ID); err != nil {
		return nil, err
	}
	return &EnterResult{Meeting: m, From: from, Changed: moved}, nil
}

// markAvailableTx records that the pair crossed T3: a missing row is
// created AVAILABLE and a LOCKED row moves to AVAILABLE. Active rows are
// left alone. from is "NONE" when the row was created.
func (s *Meetings) markAvailableTx(ctx context.Context, tx *gorm.DB, a, b string) (from string, moved bool, err error) {
	u1, u2 := domain.CanonicalPair(a, b)
	now := time.Now().UTC()
	m, err := repo.GetMeetingByPair(ctx, tx, u1, u2)
	if repo.IsNotFound(err) {
		if err := repo.InsertMeetingIfAbsent(ctx, tx, u1, u2, domain.MeetingAvailable, &now); err != nil {
			return "", false, err
		}
		return "NONE", true, nil
	}
	if err != nil {
		return "", false, err
	}
	if m.State != domain.MeetingLocked {
		return string(m.State), false, nil
	}
	moved, err = repo.TransitionMeeting(ctx, tx, m.ID, []domain.MeetingStatus{domain.MeetingLocked}, domain.MeetingAvailable, map[string]any{"unlocked_at": now})
	return string(m.State), moved, err
}

// SendMessage appends text from sender. The first message moves a
// CONNECTED meeting to CHATTING.
func (s *Meetings) SendMessage(ctx context.Context, meetingID, senderID, text string) (*SendResult, error) {
	ctx, span := s.tracer().Start(ctx, "SendMessage", trace.WithAttributes(
		attribute.String("meeting.id", meetingID),
		attribute.String("sender.id", senderID),
	))
	defer span.End()

	if strings.TrimSpace(senderID) == "" {
		return nil, ErrMissingUser
	}
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > s.maxRunes() {
		return nil, ErrMessageTooLong
	}

	var res *SendResult
	var from domain.MeetingStatus
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := s.participantTx(ctx, tx, meetingID, senderID)
		if err != nil {
			return err
		}
		if !m.State.Active() {
			return ErrMeetingNotActive
		}
		msg, err := repo.CreateChatMessage(ctx, tx, m.ID, senderID, text, messageTypeText)
		if err != nil {
			return err
		}
		from = m.State
		state := m.State
		if m.State == domain.MeetingConnected {
			moved, err := repo.TransitionMeeting(ctx, tx, m.ID, []domain.MeetingStatus{domain.MeetingConnected}, domain.MeetingChatting, nil)
			if err != nil {
				return err
			}
			if moved {
				state = domain.MeetingChatting
			}
		}
		res = &SendResult{Message: msg, State: state}
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, txErr(err)
	}
	if from != res.State {
		observability.MeetingTransitions.WithLabelValues(string(from), string(res.State)).Inc()
	}
	return res, nil
}

// ListMessages returns a page of the meeting's messages in chronological
// order. Page 1 holds the newest messages. As a side effect every unread
// message from the counterpart is marked read.
func (s *Meetings) ListMessages(ctx context.Context, meetingID, userID string, page, perPage int) (*MessagePage, error) {
	ctx, span := s.tracer().Start(ctx, "ListMessages", trace.WithAttributes(
		attribute.String("meeting.id", meetingID),
		attribute.String("user.id", userID),
		attribute.Int("page", page),
		attribute.Int("per_page", perPage),
	))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	page, perPage, offset := utils.ClampPage(page, perPage)

	out := &MessagePage{Items: []domain.ChatMessage{}}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.participantTx(ctx, tx, meetingID, userID); err != nil {
			return err
		}
		marked, err := repo.MarkChatMessagesRead(ctx, tx, meetingID, userID, time.Now().UTC())
		if err != nil {
			return err
		}
		out.MarkedRead = marked

		total, err := repo.CountChatMessages(ctx, tx, meetingID)
		if err != nil {
			return err
		}
		out.Pagination = utils.NewPagination(page, perPage, total)
		if total == 0 {
			return nil
		}
		items, err := repo.ListChatMessagesPage(ctx, tx, meetingID, offset, perPage)
		if err != nil {
			return err
		}
		// Stored newest first; callers get oldest first.
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
		out.Items = items
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, txErr(err)
	}
	return out, nil
}

func (s *Meetings) participantTx(ctx context.Context, tx *gorm.DB, meetingID, userID string) (*domain.MeetingState, error) {
	m, err := repo.GetMeeting(ctx, tx, meetingID)
	if repo.IsNotFound(err) {
		return nil, ErrMeetingNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Counterpart(userID) == "" {
		return nil, ErrNotParticipant
	}
	return m, nil
}
