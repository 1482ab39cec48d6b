package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-affinity-backend/internal/domain"
)

func TestAffinity_Get_ZeroWhenAbsent(t *testing.T) {
	s := newStack(t)
	v, err := s.Affinity.Get(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Score != 0 || v.StagesUnlocked != 0 || v.PhotosUnlocked || v.CanMeet {
		t.Fatalf("want zero view, got %+v", v)
	}
}

func TestAffinity_ApplyQuizResult_ReportsOnlyNewStages(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	r, err := s.Affinity.ApplyQuizResult(ctx, "a", "b", 5, true)
	if err != nil {
		t.Fatalf("Apply #1: %v", err)
	}
	if r.Score != 5 || r.NewlyUnlocked != domain.StageT1 {
		t.Fatalf("want score 5 newly T1, got %+v", r)
	}
	r, err = s.Affinity.ApplyQuizResult(ctx, "a", "b", 5, true)
	if err != nil {
		t.Fatalf("Apply #2: %v", err)
	}
	if r.Score != 10 || r.NewlyUnlocked != 0 || r.StagesUnlocked != domain.StageT1 {
		t.Fatalf("T1 must not be re-reported, got %+v", r)
	}

	// A jump across several thresholds reports all of them at once.
	r, err = s.Affinity.ApplyQuizResult(ctx, "a", "b", 95, true)
	if err != nil {
		t.Fatalf("Apply #3: %v", err)
	}
	if r.NewlyUnlocked != domain.StageT2|domain.StageT3 {
		t.Fatalf("want T2|T3, got %v", r.NewlyUnlocked)
	}

	// Directed: b→a is untouched.
	v, _ := s.Affinity.Get(ctx, "b", "a")
	if v.Score != 0 {
		t.Fatalf("reverse direction changed: %+v", v)
	}
}

func TestAffinity_StagesAreMonotonic(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if _, err := s.Affinity.ApplyQuizResult(ctx, "a", "b", 120, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for i := 0; i < 5; i++ {
		r, err := s.Affinity.ApplyQuizResult(ctx, "a", "b", -50, false)
		if err != nil {
			t.Fatalf("Apply negative: %v", err)
		}
		if r.StagesUnlocked != domain.StageT1|domain.StageT2|domain.StageT3 {
			t.Fatalf("stage revoked after negative delta: %v", r.StagesUnlocked)
		}
		if r.Score < 0 {
			t.Fatalf("score went negative: %d", r.Score)
		}
	}
	v, _ := s.Affinity.Get(ctx, "a", "b")
	if v.Score != 0 || !v.CanMeet || !v.PhotosUnlocked {
		t.Fatalf("want floored score with kept unlocks, got %+v", v)
	}
}

func TestAffinity_ApplyQuizResult_Validation(t *testing.T) {
	s := newStack(t)
	if _, err := s.Affinity.ApplyQuizResult(context.Background(), "a", "a", 5, true); !errors.Is(err, ErrSelfReference) {
		t.Fatalf("want ErrSelfReference, got %v", err)
	}
	if _, err := s.Affinity.ApplyQuizResult(context.Background(), "", "a", 5, true); !errors.Is(err, ErrMissingUser) {
		t.Fatalf("want ErrMissingUser, got %v", err)
	}
}

func TestAffinity_ApplyInvalidatesRanking(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	if _, err := s.Affinity.ApplyQuizResult(ctx, "a", "b", 10, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, err := s.Ranking.GetRanking(ctx, "a", 0)
	if err != nil || len(got) != 1 || got[0].AffinityScore != 10 {
		t.Fatalf("initial ranking: %+v err=%v", got, err)
	}

	if _, err := s.Affinity.ApplyQuizResult(ctx, "a", "c", 20, true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, err = s.Ranking.GetRanking(ctx, "a", 0)
	if err != nil {
		t.Fatalf("GetRanking: %v", err)
	}
	if len(got) != 2 || got[0].TargetID != "c" {
		t.Fatalf("stale ranking served after write: %+v", got)
	}
}

type fakeGate struct {
	ok    bool
	mode  string
	calls int
}

func (g *fakeGate) CanStart(_ context.Context, _, _, mode string) (bool, error) {
	g.calls++
	g.mode = mode
	return g.ok, nil
}

func TestAffinity_CanQuiz_DelegatesToGate(t *testing.T) {
	s := newStack(t)
	g := &fakeGate{ok: true}
	s.Affinity.Gate = g

	ok, err := s.Affinity.CanQuiz(context.Background(), "a", "b")
	if err != nil || !ok || g.calls != 1 || g.mode != DefaultQuizMode {
		t.Fatalf("unexpected delegation: ok=%v err=%v gate=%+v", ok, err, g)
	}

	s.Affinity.Gate = nil
	if ok, _ := s.Affinity.CanQuiz(context.Background(), "a", "b"); ok {
		t.Fatalf("no gate must answer false")
	}
}
