// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for directed
// affinity rows and the per-viewer ranking materialization derived from them.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-affinity-backend/internal/domain"
)

// GetAffinity fetches the viewer→target row or ErrNotFound.
func GetAffinity(ctx context.Context, db *gorm.DB, viewerID, targetID string) (*domain.Affinity, error) {
	var a domain.Affinity
	err := db.WithContext(ctx).
		Where("viewer_id = ? AND target_id = ?", viewerID, targetID).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// EnsureAffinity inserts a zero row for the pair unless it exists.
func EnsureAffinity(ctx context.Context, db *gorm.DB, viewerID, targetID string) error {
	now := time.Now().UTC()
	row := &domain.Affinity{ViewerID: viewerID, TargetID: targetID, CreatedAt: now, UpdatedAt: now}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "viewer_id"}, {Name: "target_id"}},
			DoNothing: true,
		}).
		Create(row).Error
}

// AddAffinityScore adds delta to the score in place, flooring at zero, and
// stamps last_quiz_at.
func AddAffinityScore(ctx context.Context, db *gorm.DB, viewerID, targetID string, delta int64, at time.Time) error {
	res := db.WithContext(ctx).Model(&domain.Affinity{}).
		Where("viewer_id = ? AND target_id = ?", viewerID, targetID).
		Updates(map[string]any{
			"score":        gorm.Expr("CASE WHEN score + ? < 0 THEN 0 ELSE score + ? END", delta, delta),
			"last_quiz_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UnionAffinityStages ORs bits into stages_unlocked. There is no statement in
// this package that clears a bit.
func UnionAffinityStages(ctx context.Context, db *gorm.DB, viewerID, targetID string, s domain.Stages) error {
	if s == 0 {
		return nil
	}
	return db.WithContext(ctx).Model(&domain.Affinity{}).
		Where("viewer_id = ? AND target_id = ?", viewerID, targetID).
		Update("stages_unlocked", gorm.Expr("stages_unlocked | ?", int(s))).Error
}

// ListAffinitiesRanked returns all rows for viewer in ranking order:
// score desc, then first interaction, then target id.
func ListAffinitiesRanked(ctx context.Context, db *gorm.DB, viewerID string) ([]domain.Affinity, error) {
	var out []domain.Affinity
	err := db.WithContext(ctx).
		Where("viewer_id = ?", viewerID).
		Order("score DESC, created_at ASC, target_id ASC").
		Find(&out).Error
	return out, err
}

// ListMeetEligible returns viewer rows at or above t3, or with T3 unlocked.
func ListMeetEligible(ctx context.Context, db *gorm.DB, viewerID string, t3 int64) ([]domain.Affinity, error) {
	var out []domain.Affinity
	err := db.WithContext(ctx).
		Where("viewer_id = ? AND (score >= ? OR (stages_unlocked & ?) <> 0)", viewerID, t3, int(domain.StageT3)).
		Order("score DESC, target_id ASC").
		Find(&out).Error
	return out, err
}

// ListAffinityViewers returns every distinct viewer id.
func ListAffinityViewers(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.Affinity{}).
		Distinct("viewer_id").
		Order("viewer_id ASC").
		Pluck("viewer_id", &ids).Error
	return ids, err
}

// ListRankingEntries returns the persisted ranking for viewer by position.
// limit <= 0 returns all rows.
func ListRankingEntries(ctx context.Context, db *gorm.DB, viewerID string, limit int) ([]domain.RankingCacheEntry, error) {
	q := db.WithContext(ctx).Where("viewer_id = ?", viewerID).Order("rank_position ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.RankingCacheEntry
	err := q.Find(&out).Error
	return out, err
}

// DeleteRankingEntries drops all persisted ranking rows for viewer.
func DeleteRankingEntries(ctx context.Context, db *gorm.DB, viewerID string) error {
	return db.WithContext(ctx).Where("viewer_id = ?", viewerID).Delete(&domain.RankingCacheEntry{}).Error
}

// InsertRankingEntries bulk-inserts a ranked set.
func InsertRankingEntries(ctx context.Context, db *gorm.DB, rows []domain.RankingCacheEntry) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

// BumpRankingEpoch increments the viewer's epoch, creating the row on first
// use. The write holds the row lock until the transaction ends.
func BumpRankingEpoch(ctx context.Context, db *gorm.DB, viewerID string) error {
	row := &domain.RankingEpoch{ViewerID: viewerID, Epoch: 1, UpdatedAt: time.Now().UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "viewer_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"epoch":      gorm.Expr("ranking_epochs.epoch + 1"),
				"updated_at": row.UpdatedAt,
			}),
		}).
		Create(row).Error
}

// GetRankingEpoch returns the viewer's epoch, zero when never bumped.
func GetRankingEpoch(ctx context.Context, db *gorm.DB, viewerID string) (int64, error) {
	var e domain.RankingEpoch
	err := db.WithContext(ctx).Where("viewer_id = ?", viewerID).Limit(1).Find(&e).Error
	return e.Epoch, err
}
