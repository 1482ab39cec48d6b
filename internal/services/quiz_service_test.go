package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/repo"
)

func mustStart(t *testing.T, s *stack, asker, target string) *domain.QuizSession {
	t.Helper()
	res, err := s.Quiz.StartSession(context.Background(), asker, target, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !res.Accepted() {
		t.Fatalf("StartSession rejected: %s", res.Status)
	}
	return res.Session
}

func answer(t *testing.T, s *stack, sess *domain.QuizSession, qid, chosen, correct string) *AnswerResult {
	t.Helper()
	res, err := s.Quiz.ResolveAnswer(context.Background(), AnswerInput{
		SessionID: sess.ID, AskerID: sess.AskerID, QuestionID: qid, Chosen: chosen, Correct: correct,
	})
	if err != nil {
		t.Fatalf("ResolveAnswer: %v", err)
	}
	return res
}

func TestQuiz_ExampleScenario_StartAndUnlockT1(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	res, err := s.Quiz.StartSession(ctx, "U", "T", DefaultQuizMode)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !res.Accepted() || res.Balance != 9950 || res.Session == nil {
		t.Fatalf("unexpected start: %+v", res)
	}
	if _, err := repo.GetQuizSession(ctx, s.DB, res.Session.ID); err != nil {
		t.Fatalf("session row missing: %v", err)
	}

	r1 := answer(t, s, res.Session, "q1", "cats", "cats")
	if !r1.Correct || r1.DeltaAffinity != 5 || r1.NewAffinityScore != 5 || r1.NewlyUnlocked != domain.StageT1 {
		t.Fatalf("first answer: %+v", r1)
	}
	r2 := answer(t, s, res.Session, "q2", "tea", "tea")
	if r2.NewAffinityScore != 10 || r2.NewlyUnlocked != 0 {
		t.Fatalf("second answer must not re-report T1: %+v", r2)
	}
	assertConserved(t, s.Ledger, "U")
}

func TestQuiz_RateLimit_FourthRejected(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustStart(t, s, "U", "T")
	}
	res, err := s.Quiz.StartSession(ctx, "U", "T", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if res.Status != StartRateLimited || res.Session != nil {
		t.Fatalf("want rate limited, got %+v", res)
	}
	if res.Balance != DefaultStartingBalance-3*DefaultQuizEntryCost {
		t.Fatalf("rejected start must not charge: balance=%d", res.Balance)
	}
	rep := assertConserved(t, s.Ledger, "U")
	if rep.Entries != 4 {
		t.Fatalf("want grant + 3 entries, got %d", rep.Entries)
	}

	// Another target has its own window.
	mustStart(t, s, "U", "T2")
}

func TestQuiz_InsufficientFunds_NoPartialEffects(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	if _, err := s.Ledger.Initialize(ctx, "U", 20); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	res, err := s.Quiz.StartSession(ctx, "U", "T", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if res.Status != StartInsufficientFunds || res.Balance != 20 {
		t.Fatalf("want insufficient funds at 20, got %+v", res)
	}
	n, _ := repo.CountQuizSessionsSince(ctx, s.DB, "U", "T", time.Time{})
	if n != 0 {
		t.Fatalf("rejected start created %d sessions", n)
	}
	rep := assertConserved(t, s.Ledger, "U")
	if rep.Entries != 1 {
		t.Fatalf("rejected start wrote ledger entries: %d", rep.Entries)
	}
}

func TestQuiz_InsufficientFunds_FreshUserLeavesNoRow(t *testing.T) {
	s := newStack(t)
	s.Ledger.StartingBalance = 10
	ctx := context.Background()

	res, err := s.Quiz.StartSession(ctx, "U", "T", "")
	if err != nil || res.Status != StartInsufficientFunds {
		t.Fatalf("want insufficient funds, got %+v err=%v", res, err)
	}
	if _, err := repo.GetBalance(ctx, s.DB, "U"); !repo.IsNotFound(err) {
		t.Fatalf("rolled-back start left a balance row: %v", err)
	}
}

func TestQuiz_StartSession_Validation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if _, err := s.Quiz.StartSession(ctx, "U", "U", ""); !errors.Is(err, ErrSelfReference) {
		t.Fatalf("want ErrSelfReference, got %v", err)
	}
	if _, err := s.Quiz.StartSession(ctx, "U", "T", "speed-dating"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("want ErrUnknownMode, got %v", err)
	}
	if _, err := repo.GetBalance(ctx, s.DB, "U"); !repo.IsNotFound(err) {
		t.Fatalf("validation failure touched storage: %v", err)
	}
}

func TestQuiz_ModeMinimumAffinity(t *testing.T) {
	s := newStack(t)
	s.Quiz.Config.Modes = map[string]int64{DefaultQuizMode: 0, "deep": 50}
	ctx := context.Background()

	res, err := s.Quiz.StartSession(ctx, "U", "T", "deep")
	if err != nil || res.Status != StartAffinityTooLow {
		t.Fatalf("want affinity too low, got %+v err=%v", res, err)
	}
	setScore(t, s.DB, "U", "T", 50, domain.StageT1|domain.StageT2)
	res, err = s.Quiz.StartSession(ctx, "U", "T", "deep")
	if err != nil || !res.Accepted() {
		t.Fatalf("want accepted, got %+v err=%v", res, err)
	}
}

func TestQuiz_FreeEntry(t *testing.T) {
	s := newStack(t)
	s.Quiz.Config.EntryCost = 0
	ctx := context.Background()

	res, err := s.Quiz.StartSession(ctx, "U", "T", "")
	if err != nil || !res.Accepted() {
		t.Fatalf("StartSession: %+v err=%v", res, err)
	}
	if _, err := repo.GetBalance(ctx, s.DB, "U"); !repo.IsNotFound(err) {
		t.Fatalf("free entry must not touch the ledger: %v", err)
	}
}

func TestQuiz_CanStart_MirrorsStartSession(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if ok, err := s.Affinity.CanQuiz(ctx, "U", "T"); err != nil || !ok {
		t.Fatalf("fresh pair should be quizzable: ok=%v err=%v", ok, err)
	}
	for i := 0; i < 3; i++ {
		mustStart(t, s, "U", "T")
	}
	if ok, _ := s.Affinity.CanQuiz(ctx, "U", "T"); ok {
		t.Fatalf("rate-limited pair must not be quizzable")
	}
	if ok, _ := s.Quiz.CanStart(ctx, "U", "U", ""); ok {
		t.Fatalf("self quiz must not be startable")
	}

	s.Ledger.StartingBalance = 1
	if ok, _ := s.Quiz.CanStart(ctx, "poor", "T", ""); ok {
		t.Fatalf("user who cannot afford entry must not be startable")
	}
}

func TestQuiz_ResolveAnswer_ReplayIsNotReapplied(t *testing.T) {
	s := newStack(t)
	sess := mustStart(t, s, "U", "T")

	first := answer(t, s, sess, "q1", "a", "a")
	again := answer(t, s, sess, "q1", "a", "a")
	if !again.Replayed || again.NewAffinityScore != first.NewAffinityScore || again.DeltaAffinity != first.DeltaAffinity {
		t.Fatalf("replay mismatch: first=%+v again=%+v", first, again)
	}
	v, _ := s.Affinity.Get(context.Background(), "U", "T")
	if v.Score != 5 {
		t.Fatalf("replayed answer applied twice: score=%d", v.Score)
	}
}

func TestQuiz_ResolveAnswer_WrongAnswerPolicy(t *testing.T) {
	s := newStack(t)
	s.Quiz.Config.WrongDelta = -2
	s.Quiz.Config.WrongPenalty = 10
	sess := mustStart(t, s, "U", "T")

	r := answer(t, s, sess, "q1", "a", "b")
	if r.Correct || r.DeltaAffinity != -2 || r.NewAffinityScore != 0 || r.DeltaPoints != -10 {
		t.Fatalf("unexpected wrong-answer outcome: %+v", r)
	}
	assertConserved(t, s.Ledger, "U")

	s.Quiz.Config.WrongDelta = 7
	if s.Quiz.Config.wrongDelta() != 0 {
		t.Fatalf("positive wrong delta must be clamped to zero")
	}
}

func TestQuiz_ResolveAnswer_CorrectReward(t *testing.T) {
	s := newStack(t)
	s.Quiz.Config.CorrectReward = 15
	sess := mustStart(t, s, "U", "T")

	r := answer(t, s, sess, "q1", "x", "x")
	if r.DeltaPoints != 15 {
		t.Fatalf("want reward 15, got %+v", r)
	}
	b, _ := s.Ledger.GetBalance(context.Background(), "U")
	if b.Balance != DefaultStartingBalance-DefaultQuizEntryCost+15 {
		t.Fatalf("unexpected balance %d", b.Balance)
	}
	assertConserved(t, s.Ledger, "U")
}

func TestQuiz_ResolveAnswer_Errors(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	sess := mustStart(t, s, "U", "T")

	_, err := s.Quiz.ResolveAnswer(ctx, AnswerInput{SessionID: sess.ID, AskerID: "intruder", QuestionID: "q", Chosen: "a", Correct: "a"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound for foreign asker, got %v", err)
	}
	_, err = s.Quiz.ResolveAnswer(ctx, AnswerInput{SessionID: "missing", AskerID: "U", QuestionID: "q", Chosen: "a", Correct: "a"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
	_, err = s.Quiz.ResolveAnswer(ctx, AnswerInput{SessionID: sess.ID, AskerID: "U", QuestionID: " ", Chosen: "a", Correct: "a"})
	if !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("want ErrInvalidAnswer, got %v", err)
	}

	if _, err := s.Quiz.EndSession(ctx, sess.ID, "U"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	_, err = s.Quiz.ResolveAnswer(ctx, AnswerInput{SessionID: sess.ID, AskerID: "U", QuestionID: "q", Chosen: "a", Correct: "a"})
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("want ErrSessionEnded, got %v", err)
	}
}

func TestQuiz_EndSession_Idempotent(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	sess := mustStart(t, s, "U", "T")

	first, err := s.Quiz.EndSession(ctx, sess.ID, "U")
	if err != nil || first.EndedAt == nil {
		t.Fatalf("EndSession: %+v err=%v", first, err)
	}
	second, err := s.Quiz.EndSession(ctx, sess.ID, "U")
	if err != nil || !second.EndedAt.Equal(*first.EndedAt) {
		t.Fatalf("second EndSession changed ended_at: %+v err=%v", second, err)
	}
	if _, err := s.Quiz.EndSession(ctx, sess.ID, "other"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestQuiz_T3UnlockMarksMeetingAvailable(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	setScore(t, s.DB, "U", "T", 95, domain.StageT1|domain.StageT2)
	sess := mustStart(t, s, "U", "T")

	r := answer(t, s, sess, "q1", "a", "a")
	if !r.NewlyUnlocked.Has(domain.StageT3) || !r.MeetingAvailable {
		t.Fatalf("want T3 unlock with meeting, got %+v", r)
	}
	m, err := repo.GetMeetingByPair(ctx, s.DB, "T", "U")
	if err != nil {
		t.Fatalf("meeting row missing: %v", err)
	}
	if m.State != domain.MeetingAvailable || m.UnlockedAt == nil {
		t.Fatalf("want AVAILABLE with unlocked_at, got %+v", m)
	}

	st, err := s.Meetings.GetState(ctx, "U")
	if err != nil || len(st.Available) != 1 || st.Available[0].MeetingID != m.ID {
		t.Fatalf("meeting not listed as available: %+v err=%v", st, err)
	}
}

func TestQuiz_Answers(t *testing.T) {
	s := newStack(t)
	sess := mustStart(t, s, "U", "T")
	answer(t, s, sess, "q1", "a", "a")
	answer(t, s, sess, "q2", "a", "b")

	items, err := s.Quiz.Answers(context.Background(), sess.ID, "U")
	if err != nil || len(items) != 2 {
		t.Fatalf("Answers: %d err=%v", len(items), err)
	}
	if _, err := s.Quiz.Answers(context.Background(), sess.ID, "X"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}
