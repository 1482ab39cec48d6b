// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for quiz sessions
// and their resolved answers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-affinity-backend/internal/domain"
)

// CreateQuizSession inserts a prepared session row.
func CreateQuizSession(ctx context.Context, db *gorm.DB, s *domain.QuizSession) error {
	return db.WithContext(ctx).Create(s).Error
}

// GetQuizSession fetches a session by id or ErrNotFound.
func GetQuizSession(ctx context.Context, db *gorm.DB, id string) (*domain.QuizSession, error) {
	var s domain.QuizSession
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// CountQuizSessionsSince counts sessions for (asker, target) started at or
// after since.
func CountQuizSessionsSince(ctx context.Context, db *gorm.DB, askerID, targetID string, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.QuizSession{}).
		Where("asker_id = ? AND target_id = ? AND started_at >= ?", askerID, targetID, since).
		Count(&n).Error
	return n, err
}

// EndQuizSession stamps ended_at on an open session owned by askerID.
// ended is false when the session was already closed or is not the asker's.
func EndQuizSession(ctx context.Context, db *gorm.DB, id, askerID string, at time.Time) (ended bool, err error) {
	res := db.WithContext(ctx).Model(&domain.QuizSession{}).
		Where("id = ? AND asker_id = ? AND ended_at IS NULL", id, askerID).
		Update("ended_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CreateQuizAnswer records a resolved question. ErrDuplicate if the question
// was already resolved in this session.
func CreateQuizAnswer(ctx context.Context, db *gorm.DB, a *domain.QuizAnswer) error {
	if err := db.WithContext(ctx).Omit("Session").Create(a).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetQuizAnswer fetches the answer recorded for a question or ErrNotFound.
func GetQuizAnswer(ctx context.Context, db *gorm.DB, sessionID, questionID string) (*domain.QuizAnswer, error) {
	var a domain.QuizAnswer
	err := db.WithContext(ctx).
		Where("session_id = ? AND question_id = ?", sessionID, questionID).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListQuizAnswers returns a session's answers in resolution order.
func ListQuizAnswers(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.QuizAnswer, error) {
	var out []domain.QuizAnswer
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
