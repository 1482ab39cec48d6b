// Package services – Quiz
//
// This file implements Quiz, the gate in front of every quiz round. A round
// is started with StartSession, which spends the entry cost, enforces the
// per-pair rate limit and inserts the session inside one transaction, so a
// rejected start leaves no ledger entry and no session behind. Rejections
// are reported as StartStatus values, never as errors.
//
// ResolveAnswer applies one answer. Each (session, question) pair resolves
// once; a repeated call returns the stored outcome with Replayed=true.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/observability"
	"github.com/tbourn/go-affinity-backend/internal/repo"
)

// DefaultQuizMode is the mode used when none is given.
const DefaultQuizMode = "standard"

// Quiz defaults.
const (
	DefaultQuizEntryCost    int64 = 50
	DefaultQuizRateLimit          = 3
	DefaultQuizRateWindow         = time.Hour
	DefaultQuizCorrectDelta int64 = 5
)

// QuizConfig holds the economy parameters of a quiz round.
type QuizConfig struct {
	// EntryCost is spent (QUIZ_ENTER) when a session starts. Zero is free.
	EntryCost int64
	// RateLimit is the number of sessions allowed per (asker, target) within
	// RateWindow.
	RateLimit  int
	RateWindow time.Duration
	// CorrectDelta is added to affinity on a correct answer.
	CorrectDelta int64
	// WrongDelta is added on a wrong answer. Positive values are treated as 0.
	WrongDelta int64
	// CorrectReward is credited (QUIZ_REWARD) on a correct answer.
	CorrectReward int64
	// WrongPenalty is spent (QUIZ_WRONG) on a wrong answer when the balance
	// covers it; otherwise nothing is charged.
	WrongPenalty int64
	// Modes maps each allowed mode to the minimum affinity needed to start.
	Modes map[string]int64
}

// DefaultQuizConfig returns the standard economy.
func DefaultQuizConfig() QuizConfig {
	return QuizConfig{
		EntryCost:    DefaultQuizEntryCost,
		RateLimit:    DefaultQuizRateLimit,
		RateWindow:   DefaultQuizRateWindow,
		CorrectDelta: DefaultQuizCorrectDelta,
		Modes:        map[string]int64{DefaultQuizMode: 0},
	}
}

func (c QuizConfig) wrongDelta() int64 {
	if c.WrongDelta > 0 {
		return 0
	}
	return c.WrongDelta
}

func (c QuizConfig) rateLimit() (int, time.Duration) {
	limit, window := c.RateLimit, c.RateWindow
	if limit <= 0 {
		limit = DefaultQuizRateLimit
	}
	if window <= 0 {
		window = DefaultQuizRateWindow
	}
	return limit, window
}

func (c QuizConfig) minAffinity(mode string) (int64, bool) {
	if len(c.Modes) == 0 {
		return 0, mode == DefaultQuizMode
	}
	min, ok := c.Modes[mode]
	return min, ok
}

// Quiz orchestrates quiz rounds across the ledger, affinity and meetings.
type Quiz struct {
	DB       *gorm.DB
	Ledger   *Ledger
	Affinity *Affinity
	Meetings *Meetings
	Config   QuizConfig
}

// StartStatus is the typed outcome of StartSession.
type StartStatus string

const (
	StartAccepted          StartStatus = "ACCEPTED"
	StartInsufficientFunds StartStatus = "INSUFFICIENT_FUNDS"
	StartRateLimited       StartStatus = "RATE_LIMITED"
	StartAffinityTooLow    StartStatus = "AFFINITY_TOO_LOW"
)

// StartResult reports a start attempt. Session is nil unless Accepted.
// Balance is the asker's balance after the attempt.
type StartResult struct {
	Status  StartStatus         `json:"status"`
	Session *domain.QuizSession `json:"session,omitempty"`
	Balance int64               `json:"balance"`
}

// Accepted reports whether a session was created.
func (r StartResult) Accepted() bool { return r.Status == StartAccepted }

// AnswerInput is one answer to resolve.
type AnswerInput struct {
	SessionID  string
	AskerID    string
	QuestionID string
	Chosen     string
	Correct    string
}

// AnswerResult is the outcome of ResolveAnswer.
type AnswerResult struct {
	Correct          bool          `json:"correct"`
	DeltaPoints      int64         `json:"delta_points"`
	DeltaAffinity    int64         `json:"delta_affinity"`
	NewAffinityScore int64         `json:"new_affinity_score"`
	NewlyUnlocked    domain.Stages `json:"newly_unlocked"`
	MeetingAvailable bool          `json:"meeting_available"`
	Replayed         bool          `json:"replayed,omitempty"`
}

// errRejected rolls back a start whose outcome is already decided.
var errRejected = errors.New("quiz start rejected")

func (s *Quiz) tracer() trace.Tracer { return otel.Tracer("services/Quiz") }

// StartSession starts a quiz round of asker about target.
func (s *Quiz) StartSession(ctx context.Context, askerID, targetID, mode string) (*StartResult, error) {
	if strings.TrimSpace(mode) == "" {
		mode = DefaultQuizMode
	}
	ctx, span := s.tracer().Start(ctx, "StartSession", trace.WithAttributes(
		attribute.String("asker.id", askerID),
		attribute.String("target.id", targetID),
		attribute.String("mode", mode),
	))
	defer span.End()

	if strings.TrimSpace(askerID) == "" || strings.TrimSpace(targetID) == "" {
		return nil, ErrMissingUser
	}
	if askerID == targetID {
		return nil, ErrSelfReference
	}
	minAffinity, ok := s.Config.minAffinity(mode)
	if !ok {
		return nil, ErrUnknownMode
	}
	limit, window := s.Config.rateLimit()

	now := time.Now().UTC()
	sess := &domain.QuizSession{
		ID:        uuid.NewString(),
		AskerID:   askerID,
		TargetID:  targetID,
		Mode:      mode,
		StartedAt: now,
	}
	res := &StartResult{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if minAffinity > 0 {
			a, err := repo.GetAffinity(ctx, tx, askerID, targetID)
			if err != nil && !repo.IsNotFound(err) {
				return err
			}
			if a == nil || a.Score < minAffinity {
				res.Status = StartAffinityTooLow
				return errRejected
			}
		}

		n, err := repo.CountQuizSessionsSince(ctx, tx, askerID, targetID, now.Add(-window))
		if err != nil {
			return err
		}
		if n >= int64(limit) {
			res.Status = StartRateLimited
			return errRejected
		}

		if s.Config.EntryCost > 0 {
			ref := sess.ID
			sr, err := s.Ledger.spendTx(ctx, tx, askerID, s.Config.EntryCost, domain.ReasonQuizEnter, &ref)
			if err != nil {
				return err
			}
			res.Balance = sr.Balance
			if !sr.OK() {
				res.Status = StartInsufficientFunds
				return errRejected
			}
		}

		if err := repo.CreateQuizSession(ctx, tx, sess); err != nil {
			return err
		}
		res.Status, res.Session = StartAccepted, sess
		return nil
	})
	if errors.Is(err, errRejected) {
		// The rollback undid any lazy balance row; report what is stored.
		res.Balance = s.currentBalance(ctx, askerID)
		observability.QuizStarts.WithLabelValues(string(res.Status)).Inc()
		span.SetAttributes(attribute.String("start.status", string(res.Status)))
		return res, nil
	}
	if err != nil {
		observability.QuizStarts.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, storageErr(err)
	}
	if s.Config.EntryCost <= 0 {
		res.Balance = s.currentBalance(ctx, askerID)
	}
	observability.QuizStarts.WithLabelValues(string(res.Status)).Inc()
	log.Ctx(ctx).Debug().
		Str("session_id", sess.ID).
		Str("asker_id", askerID).
		Str("target_id", targetID).
		Str("mode", mode).
		Msg("quiz session started")
	return res, nil
}

func (s *Quiz) currentBalance(ctx context.Context, userID string) int64 {
	b, err := repo.GetBalance(ctx, s.DB, userID)
	if err != nil {
		return 0
	}
	return b.Balance
}

// CanStart is a read-only prediction of StartSession. It reserves nothing.
func (s *Quiz) CanStart(ctx context.Context, askerID, targetID, mode string) (bool, error) {
	if strings.TrimSpace(mode) == "" {
		mode = DefaultQuizMode
	}
	ctx, span := s.tracer().Start(ctx, "CanStart", trace.WithAttributes(
		attribute.String("asker.id", askerID),
		attribute.String("target.id", targetID),
		attribute.String("mode", mode),
	))
	defer span.End()

	if strings.TrimSpace(askerID) == "" || strings.TrimSpace(targetID) == "" {
		return false, ErrMissingUser
	}
	if askerID == targetID {
		return false, nil
	}
	minAffinity, ok := s.Config.minAffinity(mode)
	if !ok {
		return false, ErrUnknownMode
	}
	if minAffinity > 0 {
		a, err := repo.GetAffinity(ctx, s.DB, askerID, targetID)
		if repo.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, storageErr(err)
		}
		if a.Score < minAffinity {
			return false, nil
		}
	}
	limit, window := s.Config.rateLimit()
	n, err := repo.CountQuizSessionsSince(ctx, s.DB, askerID, targetID, time.Now().UTC().Add(-window))
	if err != nil {
		return false, storageErr(err)
	}
	if n >= int64(limit) {
		return false, nil
	}
	if s.Config.EntryCost <= 0 {
		return true, nil
	}
	return s.Ledger.CanAfford(ctx, askerID, s.Config.EntryCost)
}

// ResolveAnswer applies one answer of an open session. The answer record,
// the affinity change, any points reward or penalty, and a T3 meeting
// unlock commit together.
func (s *Quiz) ResolveAnswer(ctx context.Context, in AnswerInput) (*AnswerResult, error) {
	ctx, span := s.tracer().Start(ctx, "ResolveAnswer", trace.WithAttributes(
		attribute.String("session.id", in.SessionID),
		attribute.String("asker.id", in.AskerID),
		attribute.String("question.id", in.QuestionID),
	))
	defer span.End()

	if strings.TrimSpace(in.AskerID) == "" {
		return nil, ErrMissingUser
	}
	in.QuestionID = strings.TrimSpace(in.QuestionID)
	in.Chosen = strings.TrimSpace(in.Chosen)
	in.Correct = strings.TrimSpace(in.Correct)
	if in.QuestionID == "" || in.Chosen == "" || in.Correct == "" {
		return nil, ErrInvalidAnswer
	}

	var (
		res         *AnswerResult
		applied     *ApplyResult
		target      string
		meetingFrom string
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := s.ownedSessionTx(ctx, tx, in.SessionID, in.AskerID)
		if err != nil {
			return err
		}
		target = sess.TargetID

		if prev, err := repo.GetQuizAnswer(ctx, tx, sess.ID, in.QuestionID); err == nil {
			res, err = s.replayTx(ctx, tx, sess, prev)
			return err
		} else if !repo.IsNotFound(err) {
			return err
		}
		if sess.EndedAt != nil {
			return ErrSessionEnded
		}

		ans := &domain.QuizAnswer{
			ID:         uuid.NewString(),
			SessionID:  sess.ID,
			QuestionID: in.QuestionID,
			Chosen:     in.Chosen,
			Correct:    in.Correct,
			IsCorrect:  in.Chosen == in.Correct,
		}
		if ans.IsCorrect {
			ans.AffinityDelta = s.Config.CorrectDelta
		} else {
			ans.AffinityDelta = s.Config.wrongDelta()
		}
		if ans.PointsDelta, err = s.settlePointsTx(ctx, tx, sess, ans); err != nil {
			return err
		}
		if err := repo.CreateQuizAnswer(ctx, tx, ans); err != nil {
			return err
		}

		applied, err = s.Affinity.applyTx(ctx, tx, sess.AskerID, sess.TargetID, ans.AffinityDelta)
		if err != nil {
			return err
		}
		res = &AnswerResult{
			Correct:          ans.IsCorrect,
			DeltaPoints:      ans.PointsDelta,
			DeltaAffinity:    ans.AffinityDelta,
			NewAffinityScore: applied.Score,
			NewlyUnlocked:    applied.NewlyUnlocked,
		}
		if applied.NewlyUnlocked.Has(domain.StageT3) && s.Meetings != nil {
			from, moved, err := s.Meetings.markAvailableTx(ctx, tx, sess.AskerID, sess.TargetID)
			if err != nil {
				return err
			}
			res.MeetingAvailable = true
			if moved {
				meetingFrom = from
			}
		}
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// A concurrent call resolved the same question first.
		return s.ResolveAnswer(ctx, in)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, txErr(err)
	}
	if res.Replayed {
		return res, nil
	}

	s.Affinity.afterCommit(ctx, in.AskerID, target, applied)
	observability.QuizAnswers.WithLabelValues(boolLabel(res.Correct)).Inc()
	if meetingFrom != "" {
		observability.MeetingTransitions.WithLabelValues(meetingFrom, string(domain.MeetingAvailable)).Inc()
	}
	return res, nil
}

// settlePointsTx moves the reward or penalty for ans and returns the
// applied delta. The answer id is the ledger ref.
func (s *Quiz) settlePointsTx(ctx context.Context, tx *gorm.DB, sess *domain.QuizSession, ans *domain.QuizAnswer) (int64, error) {
	ref := "answer:" + ans.ID
	switch {
	case ans.IsCorrect && s.Config.CorrectReward > 0:
		if _, err := s.Ledger.earnTx(ctx, tx, sess.AskerID, s.Config.CorrectReward, domain.ReasonQuizReward, &ref); err != nil {
			return 0, err
		}
		return s.Config.CorrectReward, nil
	case !ans.IsCorrect && s.Config.WrongPenalty > 0:
		sr, err := s.Ledger.spendTx(ctx, tx, sess.AskerID, s.Config.WrongPenalty, domain.ReasonQuizWrong, &ref)
		if err != nil {
			return 0, err
		}
		if !sr.OK() {
			return 0, nil
		}
		return -s.Config.WrongPenalty, nil
	}
	return 0, nil
}

func (s *Quiz) replayTx(ctx context.Context, tx *gorm.DB, sess *domain.QuizSession, prev *domain.QuizAnswer) (*AnswerResult, error) {
	var score int64
	a, err := repo.GetAffinity(ctx, tx, sess.AskerID, sess.TargetID)
	switch {
	case repo.IsNotFound(err):
	case err != nil:
		return nil, err
	default:
		score = a.Score
	}
	return &AnswerResult{
		Correct:          prev.IsCorrect,
		DeltaPoints:      prev.PointsDelta,
		DeltaAffinity:    prev.AffinityDelta,
		NewAffinityScore: score,
		Replayed:         true,
	}, nil
}

func (s *Quiz) ownedSessionTx(ctx context.Context, tx *gorm.DB, sessionID, askerID string) (*domain.QuizSession, error) {
	sess, err := repo.GetQuizSession(ctx, tx, sessionID)
	if repo.IsNotFound(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.AskerID != askerID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// EndSession marks the session ended. Ending an ended session is a no-op.
func (s *Quiz) EndSession(ctx context.Context, sessionID, askerID string) (*domain.QuizSession, error) {
	ctx, span := s.tracer().Start(ctx, "EndSession", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("asker.id", askerID),
	))
	defer span.End()

	if strings.TrimSpace(askerID) == "" {
		return nil, ErrMissingUser
	}
	var out *domain.QuizSession
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := s.ownedSessionTx(ctx, tx, sessionID, askerID)
		if err != nil {
			return err
		}
		if sess.EndedAt == nil {
			if _, err := repo.EndQuizSession(ctx, tx, sess.ID, askerID, time.Now().UTC()); err != nil {
				return err
			}
			if sess, err = repo.GetQuizSession(ctx, tx, sess.ID); err != nil {
				return err
			}
		}
		out = sess
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, txErr(err)
	}
	return out, nil
}

// Answers lists the resolved answers of a session owned by askerID.
func (s *Quiz) Answers(ctx context.Context, sessionID, askerID string) ([]domain.QuizAnswer, error) {
	ctx, span := s.tracer().Start(ctx, "Answers", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if _, err := s.ownedSessionTx(ctx, s.DB, sessionID, askerID); err != nil {
		return nil, txErr(err)
	}
	items, err := repo.ListQuizAnswers(ctx, s.DB, sessionID)
	if err != nil {
		return nil, storageErr(err)
	}
	return items, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
