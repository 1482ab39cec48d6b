// Package services – Affinity
//
// This file implements Affinity, the only writer of directed viewer→target
// scores. ApplyQuizResult adds a delta, floors the score at zero, and ORs any
// newly crossed stage into the row's bitmask; no code path clears a bit, so
// unlocks are permanent. Every write drops the viewer's persisted ranking in
// the same transaction and evicts the in-process entry after commit.
package services

import (
	"context"
	"strings"
	"time"

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

// RankingInvalidator is the slice of Ranking that Affinity needs.
type RankingInvalidator interface {
	// DropPersisted deletes the viewer's persisted ranking inside tx and
	// orders tx against concurrent rebuilds of that viewer.
	DropPersisted(ctx context.Context, tx *gorm.DB, viewerID string) error
	// Evict removes the viewer's in-process entry. Never fails.
	Evict(ctx context.Context, viewerID string)
}

// QuizGate answers whether a quiz could start right now.
type QuizGate interface {
	CanStart(ctx context.Context, askerID, targetID, mode string) (bool, error)
}

// Affinity owns directed affinity rows.
type Affinity struct {
	DB         *gorm.DB
	Thresholds domain.Thresholds
	Ranking    RankingInvalidator
	// Gate backs CanQuiz. Wired after the quiz service is built.
	Gate QuizGate
}

// AffinityView is the read model of one directed pair. A pair with no row
// reads as score 0 with no stages.
type AffinityView struct {
	ViewerID       string        `json:"viewer_id"`
	TargetID       string        `json:"target_id"`
	Score          int64         `json:"score"`
	StagesUnlocked domain.Stages `json:"stages_unlocked"`
	LastQuizAt     *time.Time    `json:"last_quiz_at,omitempty"`
	PhotosUnlocked bool          `json:"photos_unlocked"`
	CanMeet        bool          `json:"can_meet"`
}

// ApplyResult reports the score after a quiz answer and the stages this call
// unlocked. Stages already held are not re-reported.
type ApplyResult struct {
	Score          int64         `json:"new_score"`
	StagesUnlocked domain.Stages `json:"stages_unlocked"`
	NewlyUnlocked  domain.Stages `json:"newly_unlocked"`
}

func (s *Affinity) tracer() trace.Tracer { return otel.Tracer("services/Affinity") }

// Get returns the viewer→target view.
func (s *Affinity) Get(ctx context.Context, viewerID, targetID string) (*AffinityView, error) {
	ctx, span := s.tracer().Start(ctx, "Get", trace.WithAttributes(
		attribute.String("viewer.id", viewerID),
		attribute.String("target.id", targetID),
	))
	defer span.End()

	if strings.TrimSpace(viewerID) == "" || strings.TrimSpace(targetID) == "" {
		return nil, ErrMissingUser
	}
	v := &AffinityView{ViewerID: viewerID, TargetID: targetID}
	a, err := repo.GetAffinity(ctx, s.DB, viewerID, targetID)
	if repo.IsNotFound(err) {
		return v, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	v.Score, v.StagesUnlocked, v.LastQuizAt = a.Score, a.StagesUnlocked, a.LastQuizAt
	v.PhotosUnlocked = a.StagesUnlocked.Has(domain.StageT1)
	v.CanMeet = s.Thresholds.CanMeet(a.Score, a.StagesUnlocked)
	return v, nil
}

// ApplyQuizResult adds delta to the viewer→target score in one transaction
// and invalidates the viewer's ranking.
func (s *Affinity) ApplyQuizResult(ctx context.Context, viewerID, targetID string, delta int64, correct bool) (*ApplyResult, error) {
	ctx, span := s.tracer().Start(ctx, "ApplyQuizResult", trace.WithAttributes(
		attribute.String("viewer.id", viewerID),
		attribute.String("target.id", targetID),
		attribute.Int64("delta", delta),
		attribute.Bool("correct", correct),
	))
	defer span.End()

	if strings.TrimSpace(viewerID) == "" || strings.TrimSpace(targetID) == "" {
		return nil, ErrMissingUser
	}
	if viewerID == targetID {
		return nil, ErrSelfReference
	}

	var res *ApplyResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := s.applyTx(ctx, tx, viewerID, targetID, delta)
		res = r
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, storageErr(err)
	}
	s.afterCommit(ctx, viewerID, targetID, res)
	return res, nil
}

// applyTx performs the score update inside the caller's transaction.
// Callers must invoke afterCommit once the transaction commits.
func (s *Affinity) applyTx(ctx context.Context, tx *gorm.DB, viewerID, targetID string, delta int64) (*ApplyResult, error) {
	// The viewer epoch is taken before any affinity row, the same order a
	// rebuild uses.
	if s.Ranking != nil {
		if err := s.Ranking.DropPersisted(ctx, tx, viewerID); err != nil {
			return nil, err
		}
	}
	if err := repo.EnsureAffinity(ctx, tx, viewerID, targetID); err != nil {
		return nil, err
	}
	if err := repo.AddAffinityScore(ctx, tx, viewerID, targetID, delta, time.Now().UTC()); err != nil {
		return nil, err
	}
	a, err := repo.GetAffinity(ctx, tx, viewerID, targetID)
	if err != nil {
		return nil, err
	}
	newly := s.Thresholds.Crossed(a.Score) &^ a.StagesUnlocked
	if err := repo.UnionAffinityStages(ctx, tx, viewerID, targetID, newly); err != nil {
		return nil, err
	}
	return &ApplyResult{
		Score:          a.Score,
		StagesUnlocked: a.StagesUnlocked | newly,
		NewlyUnlocked:  newly,
	}, nil
}

func (s *Affinity) afterCommit(ctx context.Context, viewerID, targetID string, res *ApplyResult) {
	if s.Ranking != nil {
		s.Ranking.Evict(ctx, viewerID)
	}
	for _, name := range res.NewlyUnlocked.Names() {
		observability.StageUnlocks.WithLabelValues(name).Inc()
	}
	if res.NewlyUnlocked != 0 {
		log.Ctx(ctx).Info().
			Str("viewer_id", viewerID).
			Str("target_id", targetID).
			Int64("score", res.Score).
			Str("unlocked", res.NewlyUnlocked.String()).
			Msg("affinity stage unlocked")
	}
}

// CanQuiz reports whether viewer could start a standard quiz about target
// right now. It reserves nothing; a later StartSession may still be refused.
func (s *Affinity) CanQuiz(ctx context.Context, viewerID, targetID string) (bool, error) {
	ctx, span := s.tracer().Start(ctx, "CanQuiz", trace.WithAttributes(
		attribute.String("viewer.id", viewerID),
		attribute.String("target.id", targetID),
	))
	defer span.End()

	if s.Gate == nil {
		return false, nil
	}
	return s.Gate.CanStart(ctx, viewerID, targetID, DefaultQuizMode)
}
