// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for point balances
// and the append-only point ledger.
//
// All functions accept a *gorm.DB handle so they compose inside a caller's
// transaction. They carry no business rules; the services.Ledger type decides
// when a balance row is created and which entries are written.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-affinity-backend/internal/domain"
)

// InsertBalanceIfAbsent creates the balance row with the given starting
// amount unless one already exists. created is true only for the first writer.
func InsertBalanceIfAbsent(ctx context.Context, db *gorm.DB, userID string, initial int64) (created bool, err error) {
	now := time.Now().UTC()
	row := &domain.PointBalance{UserID: userID, Balance: initial, CreatedAt: now, UpdatedAt: now}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetBalance fetches a balance row or ErrNotFound.
func GetBalance(ctx context.Context, db *gorm.DB, userID string) (*domain.PointBalance, error) {
	var b domain.PointBalance
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// IncrementBalance adds delta to an existing balance row and returns the new
// balance. ErrNotFound if the row is missing.
func IncrementBalance(ctx context.Context, db *gorm.DB, userID string, delta int64) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.PointBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	b, err := GetBalance(ctx, db, userID)
	if err != nil {
		return 0, err
	}
	return b.Balance, nil
}

// DebitIfSufficient subtracts amount in a single conditional UPDATE.
// ok is false when the row is missing or holds less than amount; nothing is
// written in that case.
func DebitIfSufficient(ctx context.Context, db *gorm.DB, userID string, amount int64) (ok bool, err error) {
	res := db.WithContext(ctx).Model(&domain.PointBalance{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CreateLedgerEntry appends an entry. Returns ErrDuplicate when the
// (user_id, reason, ref_id) key is already taken.
func CreateLedgerEntry(ctx context.Context, db *gorm.DB, userID string, delta int64, reason domain.LedgerReason, refID *string) (*domain.PointLedgerEntry, error) {
	e := &domain.PointLedgerEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Delta:     delta,
		Reason:    reason,
		RefID:     refID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return e, nil
}

// FindLedgerEntryByRef returns the entry recorded under (user, reason, ref)
// or ErrNotFound.
func FindLedgerEntryByRef(ctx context.Context, db *gorm.DB, userID string, reason domain.LedgerReason, refID string) (*domain.PointLedgerEntry, error) {
	var e domain.PointLedgerEntry
	err := db.WithContext(ctx).
		Where("user_id = ? AND reason = ? AND ref_id = ?", userID, reason, refID).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// LedgerRefExists reports whether the (user, reason, ref) key is already
// recorded.
func LedgerRefExists(ctx context.Context, db *gorm.DB, userID string, reason domain.LedgerReason, refID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.PointLedgerEntry{}).
		Where("user_id = ? AND reason = ? AND ref_id = ?", userID, reason, refID).
		Limit(1).Count(&n).Error
	return n > 0, err
}

// LedgerDirection filters entries by sign of delta.
type LedgerDirection int

const (
	LedgerAll LedgerDirection = iota
	LedgerIncome
	LedgerExpense
)

// LedgerCursor is the (created_at, id) position of the last entry seen.
type LedgerCursor struct {
	CreatedAt time.Time
	ID        string
}

// ListLedgerEntries returns up to limit entries newest first, strictly after
// cursor when one is given.
func ListLedgerEntries(ctx context.Context, db *gorm.DB, userID string, dir LedgerDirection, cursor *LedgerCursor, limit int) ([]domain.PointLedgerEntry, error) {
	q := db.WithContext(ctx).Where("user_id = ?", userID)
	switch dir {
	case LedgerIncome:
		q = q.Where("delta > 0")
	case LedgerExpense:
		q = q.Where("delta < 0")
	}
	if cursor != nil {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.PointLedgerEntry
	err := q.Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

// GetLedgerEntry fetches a single entry by id, scoped to its owner.
func GetLedgerEntry(ctx context.Context, db *gorm.DB, userID, id string) (*domain.PointLedgerEntry, error) {
	var e domain.PointLedgerEntry
	if err := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// LedgerTotals returns the entry count and the sum of deltas for a user.
func LedgerTotals(ctx context.Context, db *gorm.DB, userID string) (count, sum int64, err error) {
	var row struct {
		N int64
		S int64
	}
	err = db.WithContext(ctx).Model(&domain.PointLedgerEntry{}).
		Select("COUNT(*) AS n, COALESCE(SUM(delta), 0) AS s").
		Where("user_id = ?", userID).
		Scan(&row).Error
	return row.N, row.S, err
}

// ListBalanceHolders pages through user ids holding a balance row, ordered by
// id and starting after afterUserID.
func ListBalanceHolders(ctx context.Context, db *gorm.DB, afterUserID string, limit int) ([]string, error) {
	var ids []string
	q := db.WithContext(ctx).Model(&domain.PointBalance{}).Where("user_id > ?", afterUserID).Order("user_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("user_id", &ids).Error
	return ids, err
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool { return errors.Is(err, gorm.ErrRecordNotFound) }
