// Package handlers is the thin HTTP adapter over the affinity services.
//
// Handlers resolve the acting user, bind and shape input, call exactly one
// service operation, and translate the outcome into JSON. They carry no
// economy rules: thresholds, costs, limits and state transitions live in
// the services package.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/http/middleware"
	"github.com/tbourn/go-affinity-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// LedgerService is the points ledger as seen by HTTP handlers.
type LedgerService interface {
	GetBalance(ctx context.Context, userID string) (*services.Balance, error)
	Earn(ctx context.Context, userID string, delta int64, reason domain.LedgerReason, refID *string) (*services.EarnResult, error)
	Spend(ctx context.Context, userID string, amount int64, reason domain.LedgerReason, refID *string) (*services.SpendResult, error)
	ListEntries(ctx context.Context, userID string, q services.EntryQuery) (*services.EntryPage, error)
	Audit(ctx context.Context, userID string) (*services.AuditReport, error)
}

// AffinityService reads directed affinity.
type AffinityService interface {
	Get(ctx context.Context, viewerID, targetID string) (*services.AffinityView, error)
	CanQuiz(ctx context.Context, viewerID, targetID string) (bool, error)
}

// RankingService serves per-viewer rankings.
type RankingService interface {
	GetRanking(ctx context.Context, viewerID string, topN int) ([]services.RankedTarget, error)
}

// QuizService runs quiz sessions.
type QuizService interface {
	StartSession(ctx context.Context, askerID, targetID, mode string) (*services.StartResult, error)
	ResolveAnswer(ctx context.Context, in services.AnswerInput) (*services.AnswerResult, error)
	EndSession(ctx context.Context, sessionID, askerID string) (*domain.QuizSession, error)
	Answers(ctx context.Context, sessionID, askerID string) ([]domain.QuizAnswer, error)
}

// MeetingService drives the meeting state machine and its chat.
type MeetingService interface {
	GetState(ctx context.Context, userID string) (*services.MeetingOverview, error)
	Enter(ctx context.Context, userID, targetID string) (*services.EnterResult, error)
	SendMessage(ctx context.Context, meetingID, senderID, text string) (*services.SendResult, error)
	ListMessages(ctx context.Context, meetingID, userID string, page, perPage int) (*services.MessagePage, error)
}

//
// Handler wiring
//

// Services bundles the dependencies of Handlers.
type Services struct {
	Ledger   LedgerService
	Affinity AffinityService
	Ranking  RankingService
	Quiz     QuizService
	Meetings MeetingService
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	ledger   LedgerService
	affinity AffinityService
	ranking  RankingService
	quiz     QuizService
	meetings MeetingService
}

// New binds Handlers to the given services.
func New(s Services) *Handlers {
	return &Handlers{
		ledger:   s.Ledger,
		affinity: s.Affinity,
		ranking:  s.Ranking,
		quiz:     s.Quiz,
		meetings: s.Meetings,
	}
}

// requireUser returns the acting user or answers 401. Identity is resolved
// by middleware.Identity; there is no anonymous fallback because every
// operation reads or moves a specific user's points or relationships.
func requireUser(c *gin.Context) (string, bool) {
	if uid := middleware.UserID(c); uid != "" {
		return uid, true
	}
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
	return "", false
}
