package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-affinity-backend/internal/domain"
)

func TestInsertBalanceIfAbsent_FirstWriterWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	created, err := InsertBalanceIfAbsent(ctx, db, "u1", 100)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	created, err = InsertBalanceIfAbsent(ctx, db, "u1", 999)
	if err != nil || created {
		t.Fatalf("second insert: created=%v err=%v", created, err)
	}
	b, err := GetBalance(ctx, db, "u1")
	if err != nil || b.Balance != 100 {
		t.Fatalf("balance = %+v err=%v; want 100", b, err)
	}
}

func TestGetBalance_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := GetBalance(context.Background(), db, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementAndDebit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := InsertBalanceIfAbsent(ctx, db, "u1", 10); err != nil {
		t.Fatalf("seed: %v", err)
	}

	nb, err := IncrementBalance(ctx, db, "u1", 5)
	if err != nil || nb != 15 {
		t.Fatalf("IncrementBalance = %d, %v; want 15", nb, err)
	}
	if _, err := IncrementBalance(ctx, db, "ghost", 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing row, got %v", err)
	}

	ok, err := DebitIfSufficient(ctx, db, "u1", 15)
	if err != nil || !ok {
		t.Fatalf("exact debit should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = DebitIfSufficient(ctx, db, "u1", 1)
	if err != nil || ok {
		t.Fatalf("debit on empty balance should fail: ok=%v err=%v", ok, err)
	}
	ok, err = DebitIfSufficient(ctx, db, "ghost", 1)
	if err != nil || ok {
		t.Fatalf("debit on missing row should fail: ok=%v err=%v", ok, err)
	}
	b, _ := GetBalance(ctx, db, "u1")
	if b.Balance != 0 {
		t.Fatalf("balance = %d; want 0", b.Balance)
	}
}

func TestCreateLedgerEntry_DuplicateRef(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ref := "r1"

	e, err := CreateLedgerEntry(ctx, db, "u1", 5, domain.ReasonPurchase, &ref)
	if err != nil || e.ID == "" {
		t.Fatalf("create: %+v %v", e, err)
	}
	if _, err := CreateLedgerEntry(ctx, db, "u1", 5, domain.ReasonPurchase, &ref); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Same ref under another reason is a different key.
	if _, err := CreateLedgerEntry(ctx, db, "u1", 5, domain.ReasonDailyBonus, &ref); err != nil {
		t.Fatalf("other reason: %v", err)
	}

	got, err := FindLedgerEntryByRef(ctx, db, "u1", domain.ReasonPurchase, ref)
	if err != nil || got.ID != e.ID {
		t.Fatalf("FindLedgerEntryByRef = %+v %v", got, err)
	}
	if _, err := FindLedgerEntryByRef(ctx, db, "u1", domain.ReasonPurchase, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListLedgerEntries_CursorAndDirection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t0 := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	seed := []domain.PointLedgerEntry{
		{ID: "a", UserID: "u1", Delta: 100, Reason: domain.ReasonInitialGrant, CreatedAt: t0},
		{ID: "b", UserID: "u1", Delta: -10, Reason: domain.ReasonQuizEnter, CreatedAt: t0.Add(time.Second)},
		{ID: "c", UserID: "u1", Delta: 5, Reason: domain.ReasonTraitAdd, CreatedAt: t0.Add(2 * time.Second)},
		{ID: "d", UserID: "u1", Delta: -10, Reason: domain.ReasonQuizEnter, CreatedAt: t0.Add(2 * time.Second)},
		{ID: "z", UserID: "u2", Delta: 1, Reason: domain.ReasonTraitAdd, CreatedAt: t0},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	all, err := ListLedgerEntries(ctx, db, "u1", LedgerAll, nil, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := ""
	for _, e := range all {
		ids += e.ID
	}
	if ids != "dcba" {
		t.Fatalf("order = %q; want dcba", ids)
	}

	page1, _ := ListLedgerEntries(ctx, db, "u1", LedgerAll, nil, 2)
	last := page1[len(page1)-1]
	page2, _ := ListLedgerEntries(ctx, db, "u1", LedgerAll, &LedgerCursor{CreatedAt: last.CreatedAt, ID: last.ID}, 2)
	if len(page2) != 2 || page2[0].ID != "b" || page2[1].ID != "a" {
		t.Fatalf("page2 = %+v", page2)
	}

	exp, _ := ListLedgerEntries(ctx, db, "u1", LedgerExpense, nil, 0)
	if len(exp) != 2 {
		t.Fatalf("expense entries = %d; want 2", len(exp))
	}
	inc, _ := ListLedgerEntries(ctx, db, "u1", LedgerIncome, nil, 0)
	if len(inc) != 2 {
		t.Fatalf("income entries = %d; want 2", len(inc))
	}

	n, sum, err := LedgerTotals(ctx, db, "u1")
	if err != nil || n != 4 || sum != 85 {
		t.Fatalf("LedgerTotals = %d, %d, %v; want 4, 85", n, sum, err)
	}
	n, sum, err = LedgerTotals(ctx, db, "nobody")
	if err != nil || n != 0 || sum != 0 {
		t.Fatalf("empty LedgerTotals = %d, %d, %v", n, sum, err)
	}
}

func TestListBalanceHolders_Pages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := InsertBalanceIfAbsent(ctx, db, id, 1); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	first, err := ListBalanceHolders(ctx, db, "", 2)
	if err != nil || len(first) != 2 || first[0] != "a" || first[1] != "b" {
		t.Fatalf("first page = %v %v", first, err)
	}
	rest, _ := ListBalanceHolders(ctx, db, first[1], 2)
	if len(rest) != 1 || rest[0] != "c" {
		t.Fatalf("second page = %v", rest)
	}
}

func TestLedgerRefExists(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ref := "idem-1"
	if _, err := CreateLedgerEntry(ctx, db, "u1", 5, domain.ReasonPurchase, &ref); err != nil {
		t.Fatalf("create: %v", err)
	}

	if ok, err := LedgerRefExists(ctx, db, "u1", domain.ReasonPurchase, ref); err != nil || !ok {
		t.Fatalf("own ref: ok=%v err=%v", ok, err)
	}
	if ok, err := LedgerRefExists(ctx, db, "u1", domain.ReasonTraitAdd, ref); err != nil || ok {
		t.Fatalf("ref under another reason must not match: ok=%v err=%v", ok, err)
	}
	if ok, err := LedgerRefExists(ctx, db, "u2", domain.ReasonPurchase, ref); err != nil || ok {
		t.Fatalf("other user's ref must not match: ok=%v err=%v", ok, err)
	}
	if ok, err := LedgerRefExists(ctx, db, "u1", domain.ReasonPurchase, "idem-2"); err != nil || ok {
		t.Fatalf("unknown ref: ok=%v err=%v", ok, err)
	}
}
