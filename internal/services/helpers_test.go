package services

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-affinity-backend/internal/cache"
	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// stack wires every service against one database the way cmd does.
type stack struct {
	DB       *gorm.DB
	Ledger   *Ledger
	Affinity *Affinity
	Ranking  *Ranking
	Quiz     *Quiz
	Meetings *Meetings
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db := newTestDB(t)
	th := domain.DefaultThresholds

	ledger := NewLedger(db)
	ranking := NewRanking(db, th, 10, func() cache.Store[[]RankedTarget] {
		return cache.NewMemory[[]RankedTarget](time.Minute, 16)
	})
	aff := &Affinity{DB: db, Thresholds: th, Ranking: ranking}
	meetings := &Meetings{DB: db, Thresholds: th}
	quiz := &Quiz{DB: db, Ledger: ledger, Affinity: aff, Meetings: meetings, Config: DefaultQuizConfig()}
	aff.Gate = quiz

	return &stack{DB: db, Ledger: ledger, Affinity: aff, Ranking: ranking, Quiz: quiz, Meetings: meetings}
}

// setScore writes an affinity row directly, bypassing the quiz flow.
func setScore(t *testing.T, db *gorm.DB, viewer, target string, score int64, stages domain.Stages) {
	t.Helper()
	a := domain.Affinity{ViewerID: viewer, TargetID: target, Score: score, StagesUnlocked: stages}
	if err := db.Save(&a).Error; err != nil {
		t.Fatalf("seed affinity: %v", err)
	}
}

func strPtr(s string) *string { return &s }
