// Package services – Ranking
//
// This file implements Ranking, the per-viewer ordering of targets by
// affinity score. Reads go through two tiers: a short-lived cache.Store and
// the persisted ranking_cache_entries table. A viewer with no persisted rows
// is rebuilt synchronously from the affinity table before answering.
//
// The cache only buys latency. A cache error or panic is logged, the store is
// replaced with a fresh one, and the read continues from the table exactly as
// on a miss.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-affinity-backend/internal/cache"
	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/observability"
	"github.com/tbourn/go-affinity-backend/internal/repo"
)

// DefaultTopN caps ranking reads when neither the caller nor config does.
const DefaultTopN = 50

// RankedTarget is one row of a viewer's ranking.
type RankedTarget struct {
	TargetID       string        `json:"target_id"`
	RankPosition   int           `json:"rank_position"`
	AffinityScore  int64         `json:"affinity_score"`
	StagesUnlocked domain.Stages `json:"stages_unlocked"`
	PhotosUnlocked bool          `json:"photos_unlocked"`
	CanMeet        bool          `json:"can_meet"`
}

// Ranking serves and maintains per-viewer rankings.
type Ranking struct {
	DB         *gorm.DB
	Thresholds domain.Thresholds
	TopN       int

	// NewCache builds a fresh store; it is called at construction and again
	// whenever the current store fails. nil disables the cache tier.
	NewCache func() cache.Store[[]RankedTarget]

	mu    sync.RWMutex
	store cache.Store[[]RankedTarget]
}

// NewRanking builds a Ranking and its initial cache store.
func NewRanking(db *gorm.DB, th domain.Thresholds, topN int, newCache func() cache.Store[[]RankedTarget]) *Ranking {
	r := &Ranking{DB: db, Thresholds: th, TopN: topN, NewCache: newCache}
	r.resetStore()
	return r
}

func (s *Ranking) tracer() trace.Tracer { return otel.Tracer("services/Ranking") }

// GetRanking returns at most topN targets for viewer, best first. topN <= 0
// uses the configured default.
func (s *Ranking) GetRanking(ctx context.Context, viewerID string, topN int) ([]RankedTarget, error) {
	ctx, span := s.tracer().Start(ctx, "GetRanking", trace.WithAttributes(
		attribute.String("viewer.id", viewerID),
		attribute.Int("top_n", topN),
	))
	defer span.End()

	if viewerID == "" {
		return nil, ErrMissingUser
	}
	n := topN
	if n <= 0 {
		n = s.TopN
	}
	if n <= 0 {
		n = DefaultTopN
	}

	if items, ok := s.cacheGet(ctx, viewerID); ok {
		observability.RankingLookups.WithLabelValues("memory").Inc()
		span.SetAttributes(attribute.String("ranking.tier", "memory"))
		return head(items, n), nil
	}

	rows, err := repo.ListRankingEntries(ctx, s.DB, viewerID, 0)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, storageErr(err)
	}
	tier := "table"
	if len(rows) == 0 {
		tier = "rebuild"
		rows, err = s.rebuild(ctx, viewerID)
		if err != nil && repo.IsUniqueViolation(err) {
			// A concurrent rebuild won; its rows are as good as ours.
			rows, err = repo.ListRankingEntries(ctx, s.DB, viewerID, 0)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, storageErr(err)
		}
	}
	observability.RankingLookups.WithLabelValues(tier).Inc()
	span.SetAttributes(attribute.String("ranking.tier", tier))

	items := s.toRanked(rows)
	s.cacheSet(ctx, viewerID, items)
	return head(items, n), nil
}

// RebuildRanking recomputes the viewer's persisted ranking from affinity rows
// in one transaction and evicts the cached copy.
func (s *Ranking) RebuildRanking(ctx context.Context, viewerID string) ([]RankedTarget, error) {
	ctx, span := s.tracer().Start(ctx, "RebuildRanking", trace.WithAttributes(attribute.String("viewer.id", viewerID)))
	defer span.End()

	if viewerID == "" {
		return nil, ErrMissingUser
	}
	rows, err := s.rebuild(ctx, viewerID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, storageErr(err)
	}
	s.Evict(ctx, viewerID)
	return s.toRanked(rows), nil
}

// RebuildAll rebuilds every viewer that has affinity rows and returns how
// many were rebuilt.
func (s *Ranking) RebuildAll(ctx context.Context) (int, error) {
	viewers, err := repo.ListAffinityViewers(ctx, s.DB)
	if err != nil {
		return 0, storageErr(err)
	}
	for i, v := range viewers {
		if _, err := s.RebuildRanking(ctx, v); err != nil {
			return i, err
		}
	}
	return len(viewers), nil
}

func (s *Ranking) rebuild(ctx context.Context, viewerID string) ([]domain.RankingCacheEntry, error) {
	var rows []domain.RankingCacheEntry
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Waits for any in-flight score update of this viewer to commit, so
		// the read below sees it.
		if err := repo.BumpRankingEpoch(ctx, tx, viewerID); err != nil {
			return err
		}
		affs, err := repo.ListAffinitiesRanked(ctx, tx, viewerID)
		if err != nil {
			return err
		}
		if err := repo.DeleteRankingEntries(ctx, tx, viewerID); err != nil {
			return err
		}
		now := time.Now().UTC()
		rows = make([]domain.RankingCacheEntry, len(affs))
		for i, a := range affs {
			rows[i] = domain.RankingCacheEntry{
				ViewerID:       viewerID,
				TargetID:       a.TargetID,
				RankPosition:   i + 1,
				AffinityScore:  a.Score,
				StagesUnlocked: a.StagesUnlocked,
				UpdatedAt:      now,
			}
		}
		return repo.InsertRankingEntries(ctx, tx, rows)
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Invalidate drops the persisted ranking and the cached copy. The next read
// rebuilds.
func (s *Ranking) Invalidate(ctx context.Context, viewerID string) error {
	if err := s.DropPersisted(ctx, s.DB, viewerID); err != nil {
		return storageErr(err)
	}
	s.Evict(ctx, viewerID)
	return nil
}

// DropPersisted implements RankingInvalidator. It bumps the viewer epoch
// first, which serializes it against a concurrent rebuild.
func (s *Ranking) DropPersisted(ctx context.Context, tx *gorm.DB, viewerID string) error {
	if err := repo.BumpRankingEpoch(ctx, tx, viewerID); err != nil {
		return err
	}
	return repo.DeleteRankingEntries(ctx, tx, viewerID)
}

// Evict implements RankingInvalidator.
func (s *Ranking) Evict(ctx context.Context, viewerID string) {
	st := s.current()
	if st == nil {
		return
	}
	defer s.absorbPanic(ctx, "invalidate")
	if err := st.Invalidate(ctx, viewerID); err != nil {
		s.degrade(ctx, "invalidate", err)
	}
}

func (s *Ranking) toRanked(rows []domain.RankingCacheEntry) []RankedTarget {
	out := make([]RankedTarget, len(rows))
	for i, r := range rows {
		out[i] = RankedTarget{
			TargetID:       r.TargetID,
			RankPosition:   r.RankPosition,
			AffinityScore:  r.AffinityScore,
			StagesUnlocked: r.StagesUnlocked,
			PhotosUnlocked: r.StagesUnlocked.Has(domain.StageT1),
			CanMeet:        s.Thresholds.CanMeet(r.AffinityScore, r.StagesUnlocked),
		}
	}
	return out
}

func (s *Ranking) current() cache.Store[[]RankedTarget] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

func (s *Ranking) resetStore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NewCache == nil {
		s.store = nil
		return
	}
	s.store = s.NewCache()
}

func (s *Ranking) cacheGet(ctx context.Context, viewerID string) (items []RankedTarget, ok bool) {
	st := s.current()
	if st == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			s.degrade(ctx, "get", fmt.Errorf("panic: %v", r))
			items, ok = nil, false
		}
	}()
	v, hit, err := st.Get(ctx, viewerID)
	if err != nil {
		s.degrade(ctx, "get", err)
		return nil, false
	}
	return v, hit
}

func (s *Ranking) cacheSet(ctx context.Context, viewerID string, items []RankedTarget) {
	st := s.current()
	if st == nil {
		return
	}
	defer s.absorbPanic(ctx, "set")
	if err := st.Set(ctx, viewerID, items); err != nil {
		s.degrade(ctx, "set", err)
	}
}

func (s *Ranking) absorbPanic(ctx context.Context, op string) {
	if r := recover(); r != nil {
		s.degrade(ctx, op, fmt.Errorf("panic: %v", r))
	}
}

func (s *Ranking) degrade(ctx context.Context, op string, err error) {
	observability.RankingLookups.WithLabelValues("cache_error").Inc()
	log.Ctx(ctx).Warn().Err(err).Str("op", op).Msg("ranking cache failed; resetting store")
	s.resetStore()
}

func head(items []RankedTarget, n int) []RankedTarget {
	if len(items) > n {
		items = items[:n]
	}
	out := make([]RankedTarget, len(items))
	copy(out, items)
	return out
}
