package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-affinity-backend/internal/domain"
)

func TestQuizSessions_CountWindowAndEnd(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []domain.QuizSession{
		{ID: "old", AskerID: "a", TargetID: "t", Mode: "standard", StartedAt: now.Add(-2 * time.Hour)},
		{ID: "s1", AskerID: "a", TargetID: "t", Mode: "standard", StartedAt: now.Add(-30 * time.Minute)},
		{ID: "s2", AskerID: "a", TargetID: "t", Mode: "standard", StartedAt: now},
		{ID: "other", AskerID: "a", TargetID: "u", Mode: "standard", StartedAt: now},
	}
	for i := range seed {
		if err := CreateQuizSession(ctx, db, &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	n, err := CountQuizSessionsSince(ctx, db, "a", "t", now.Add(-time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("count = %d %v; want 2", n, err)
	}

	ended, err := EndQuizSession(ctx, db, "s1", "a", now)
	if err != nil || !ended {
		t.Fatalf("end: %v %v", ended, err)
	}
	ended, _ = EndQuizSession(ctx, db, "s1", "a", now)
	if ended {
		t.Fatalf("second end should be a no-op")
	}
	ended, _ = EndQuizSession(ctx, db, "s2", "intruder", now)
	if ended {
		t.Fatalf("non-owner must not end a session")
	}
	s, err := GetQuizSession(ctx, db, "s1")
	if err != nil || s.EndedAt == nil {
		t.Fatalf("GetQuizSession = %+v %v", s, err)
	}
	if _, err := GetQuizSession(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQuizAnswers_UniquePerQuestion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := CreateQuizSession(ctx, db, &domain.QuizSession{ID: "s", AskerID: "a", TargetID: "t", Mode: "standard", StartedAt: now}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	a1 := &domain.QuizAnswer{ID: "x1", SessionID: "s", QuestionID: "q1", Chosen: "A", Correct: "A", IsCorrect: true, AffinityDelta: 5, CreatedAt: now}
	if err := CreateQuizAnswer(ctx, db, a1); err != nil {
		t.Fatalf("create answer: %v", err)
	}
	a2 := &domain.QuizAnswer{ID: "x2", SessionID: "s", QuestionID: "q1", Chosen: "B", Correct: "A", CreatedAt: now}
	if err := CreateQuizAnswer(ctx, db, a2); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	a3 := &domain.QuizAnswer{ID: "x3", SessionID: "s", QuestionID: "q2", Chosen: "B", Correct: "A", CreatedAt: now.Add(time.Second)}
	if err := CreateQuizAnswer(ctx, db, a3); err != nil {
		t.Fatalf("create q2: %v", err)
	}

	got, err := GetQuizAnswer(ctx, db, "s", "q1")
	if err != nil || got.ID != "x1" || !got.IsCorrect {
		t.Fatalf("GetQuizAnswer = %+v %v", got, err)
	}
	all, err := ListQuizAnswers(ctx, db, "s")
	if err != nil || len(all) != 2 || all[0].ID != "x1" {
		t.Fatalf("ListQuizAnswers = %+v %v", all, err)
	}
}
