// Package services – Ledger
//
// This file implements Ledger, the only writer of point balances. Every
// balance mutation is paired with exactly one append-only ledger entry inside
// the same transaction, so a user's balance always equals the sum of their
// entries. The starting balance is itself written as an INITIAL_GRANT entry
// when the row is lazily created.
//
// Spend is a single conditional UPDATE whose affected-row count decides the
// outcome; there is no read-then-write window. Insufficient funds is reported
// as a SpendResult status, not an error.
//
// Observability: all public methods are OpenTelemetry-instrumented and
// counted in observability.LedgerOps.
package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/observability"
	"github.com/tbourn/go-affinity-backend/internal/repo"
)

// DefaultStartingBalance is granted to a user on their first mutation.
const DefaultStartingBalance int64 = 10000

// Ledger owns point balances and their ledger.
type Ledger struct {
	DB *gorm.DB

	// StartingBalance is credited when a balance row is first created.
	StartingBalance int64
	// RecentLimit bounds the entries returned by GetBalance (default 20).
	RecentLimit int
}

// NewLedger constructs a Ledger with the default starting balance.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db, StartingBalance: DefaultStartingBalance, RecentLimit: 20}
}

// Balance is the read model returned by GetBalance. Exists is false when the
// user has never been credited or debited; Balance is then zero.
type Balance struct {
	UserID  string                    `json:"user_id"`
	Balance int64                     `json:"balance"`
	Exists  bool                      `json:"exists"`
	Recent  []domain.PointLedgerEntry `json:"recent_entries"`
}

// EarnResult reports a credit. Replayed is true when the (user, reason, ref)
// key had already been credited; no new points were added.
type EarnResult struct {
	Balance  int64  `json:"balance"`
	EntryID  string `json:"entry_id"`
	Replayed bool   `json:"replayed"`
}

// SpendStatus is the typed outcome of a debit.
type SpendStatus string

const (
	SpendOK                SpendStatus = "OK"
	SpendInsufficientFunds SpendStatus = "INSUFFICIENT_FUNDS"
)

// SpendResult reports a debit. EntryID is empty on insufficient funds.
type SpendResult struct {
	Status   SpendStatus `json:"status"`
	Balance  int64       `json:"balance"`
	EntryID  string      `json:"entry_id,omitempty"`
	Replayed bool        `json:"replayed,omitempty"`
}

// OK reports whether the debit was applied.
func (r SpendResult) OK() bool { return r.Status == SpendOK }

var (
	errReplay = errors.New("ledger replay")
	// errDeclined rolls back a refused spend so a lazily created row and its
	// grant do not outlive it.
	errDeclined = errors.New("spend declined")
)

func (l *Ledger) tracer() trace.Tracer { return otel.Tracer("services/Ledger") }

func (l *Ledger) startingBalance() int64 {
	if l.StartingBalance < 0 {
		return 0
	}
	return l.StartingBalance
}

// ensureTx creates the balance row with the starting grant if it is missing.
func (l *Ledger) ensureTx(ctx context.Context, tx *gorm.DB, userID string) error {
	initial := l.startingBalance()
	created, err := repo.InsertBalanceIfAbsent(ctx, tx, userID, initial)
	if err != nil {
		return err
	}
	if created && initial > 0 {
		if _, err := repo.CreateLedgerEntry(ctx, tx, userID, initial, domain.ReasonInitialGrant, nil); err != nil {
			return err
		}
	}
	return nil
}

// GetBalance returns the balance and most recent entries. It never writes:
// a missing row reads as zero with Exists=false.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	ctx, span := l.tracer().Start(ctx, "GetBalance", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	out := &Balance{UserID: userID, Recent: []domain.PointLedgerEntry{}}
	b, err := repo.GetBalance(ctx, l.DB, userID)
	if repo.IsNotFound(err) {
		return out, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	limit := l.RecentLimit
	if limit <= 0 {
		limit = 20
	}
	recent, err := repo.ListLedgerEntries(ctx, l.DB, userID, repo.LedgerAll, nil, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	out.Balance, out.Exists, out.Recent = b.Balance, true, recent
	return out, nil
}

// Initialize creates the balance row with initial points if none exists.
// Later calls are no-ops; created reports whether this call won.
func (l *Ledger) Initialize(ctx context.Context, userID string, initial int64) (created bool, err error) {
	ctx, span := l.tracer().Start(ctx, "Initialize", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("initial", initial),
	))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return false, ErrMissingUser
	}
	if initial < 0 {
		return false, ErrInvalidAmount
	}
	err = l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.InsertBalanceIfAbsent(ctx, tx, userID, initial)
		if err != nil {
			return err
		}
		created = c
		if c && initial > 0 {
			_, err = repo.CreateLedgerEntry(ctx, tx, userID, initial, domain.ReasonInitialGrant, nil)
		}
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, storageErr(err)
	}
	return created, nil
}

// Earn credits delta points. With a refID, the (user, reason, ref) key makes
// the call idempotent: a retry returns the original entry with Replayed=true
// and credits nothing.
func (l *Ledger) Earn(ctx context.Context, userID string, delta int64, reason domain.LedgerReason, refID *string) (*EarnResult, error) {
	ctx, span := l.tracer().Start(ctx, "Earn", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("delta", delta),
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	if err := validateMutation(userID, delta, reason); err != nil {
		return nil, err
	}
	refID = normalizeRef(refID)

	if refID != nil {
		if res, ok, err := l.replayEarn(ctx, userID, reason, *refID); err != nil {
			return nil, err
		} else if ok {
			observability.LedgerOps.WithLabelValues("earn", "replayed").Inc()
			return res, nil
		}
	}

	var res *EarnResult
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := l.earnTx(ctx, tx, userID, delta, reason, refID)
		res = r
		return err
	})
	if errors.Is(err, repo.ErrDuplicate) && refID != nil {
		// Lost a race with a concurrent retry; the winner's entry stands.
		if r, ok, rerr := l.replayEarn(ctx, userID, reason, *refID); rerr == nil && ok {
			observability.LedgerOps.WithLabelValues("earn", "replayed").Inc()
			return r, nil
		}
	}
	if err != nil {
		observability.LedgerOps.WithLabelValues("earn", "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, storageErr(err)
	}
	observability.LedgerOps.WithLabelValues("earn", "ok").Inc()
	return res, nil
}

// earnTx credits inside the caller's transaction.
func (l *Ledger) earnTx(ctx context.Context, tx *gorm.DB, userID string, delta int64, reason domain.LedgerReason, refID *string) (*EarnResult, error) {
	if err := l.ensureTx(ctx, tx, userID); err != nil {
		return nil, err
	}
	e, err := repo.CreateLedgerEntry(ctx, tx, userID, delta, reason, refID)
	if err != nil {
		return nil, err
	}
	nb, err := repo.IncrementBalance(ctx, tx, userID, delta)
	if err != nil {
		return nil, err
	}
	return &EarnResult{Balance: nb, EntryID: e.ID}, nil
}

func (l *Ledger) replayEarn(ctx context.Context, userID string, reason domain.LedgerReason, refID string) (*EarnResult, bool, error) {
	e, err := repo.FindLedgerEntryByRef(ctx, l.DB, userID, reason, refID)
	if repo.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr(err)
	}
	b, err := repo.GetBalance(ctx, l.DB, userID)
	if err != nil {
		return nil, false, storageErr(err)
	}
	return &EarnResult{Balance: b.Balance, EntryID: e.ID, Replayed: true}, true, nil
}

// Spend debits amount if and only if the balance covers it. Insufficient
// funds is a normal SpendResult; only storage failures are errors.
func (l *Ledger) Spend(ctx context.Context, userID string, amount int64, reason domain.LedgerReason, refID *string) (*SpendResult, error) {
	ctx, span := l.tracer().Start(ctx, "Spend", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("amount", amount),
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	if err := validateMutation(userID, amount, reason); err != nil {
		return nil, err
	}
	refID = normalizeRef(refID)

	var res *SpendResult
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := l.spendTx(ctx, tx, userID, amount, reason, refID)
		if errors.Is(err, repo.ErrDuplicate) {
			return errReplay
		}
		res = r
		if err == nil && !r.OK() {
			return errDeclined
		}
		return err
	})
	if errors.Is(err, errDeclined) {
		err = nil
	}
	if errors.Is(err, errReplay) {
		e, ferr := repo.FindLedgerEntryByRef(ctx, l.DB, userID, reason, *refID)
		b, berr := repo.GetBalance(ctx, l.DB, userID)
		if ferr != nil || berr != nil {
			return nil, storageErr(errors.Join(ferr, berr))
		}
		observability.LedgerOps.WithLabelValues("spend", "replayed").Inc()
		return &SpendResult{Status: SpendOK, Balance: b.Balance, EntryID: e.ID, Replayed: true}, nil
	}
	if err != nil {
		observability.LedgerOps.WithLabelValues("spend", "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, storageErr(err)
	}
	if res.OK() {
		observability.LedgerOps.WithLabelValues("spend", "ok").Inc()
	} else {
		observability.LedgerOps.WithLabelValues("spend", "insufficient").Inc()
	}
	span.SetAttributes(attribute.String("spend.status", string(res.Status)))
	return res, nil
}

// spendTx debits inside the caller's transaction. The balance row is
// ensured first, then a single conditional UPDATE decides the outcome.
func (l *Ledger) spendTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, reason domain.LedgerReason, refID *string) (*SpendResult, error) {
	if err := l.ensureTx(ctx, tx, userID); err != nil {
		return nil, err
	}
	ok, err := repo.DebitIfSufficient(ctx, tx, userID, amount)
	if err != nil {
		return nil, err
	}
	b, err := repo.GetBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &SpendResult{Status: SpendInsufficientFunds, Balance: b.Balance}, nil
	}
	e, err := repo.CreateLedgerEntry(ctx, tx, userID, -amount, reason, refID)
	if err != nil {
		return nil, err
	}
	return &SpendResult{Status: SpendOK, Balance: b.Balance, EntryID: e.ID}, nil
}

// CanAfford is a read-only check; a missing row is judged against the
// starting balance it would be created with.
func (l *Ledger) CanAfford(ctx context.Context, userID string, amount int64) (bool, error) {
	b, err := repo.GetBalance(ctx, l.DB, userID)
	if repo.IsNotFound(err) {
		return l.startingBalance() >= amount, nil
	}
	if err != nil {
		return false, storageErr(err)
	}
	return b.Balance >= amount, nil
}

// EntryQuery selects a page of ledger entries.
type EntryQuery struct {
	Direction repo.LedgerDirection
	// Cursor is the id of the last entry of the previous page.
	Cursor string
	Limit  int
}

// EntryPage is one page of entries, newest first. NextCursor is empty on the
// last page.
type EntryPage struct {
	Items      []domain.PointLedgerEntry `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

// ListEntries pages through a user's ledger newest first.
func (l *Ledger) ListEntries(ctx context.Context, userID string, q EntryQuery) (*EntryPage, error) {
	ctx, span := l.tracer().Start(ctx, "ListEntries", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("limit", q.Limit),
	))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	var cur *repo.LedgerCursor
	if q.Cursor != "" {
		e, err := repo.GetLedgerEntry(ctx, l.DB, userID, q.Cursor)
		if repo.IsNotFound(err) {
			return nil, ErrInvalidCursor
		}
		if err != nil {
			return nil, storageErr(err)
		}
		cur = &repo.LedgerCursor{CreatedAt: e.CreatedAt, ID: e.ID}
	}
	// One extra row tells us whether another page exists.
	items, err := repo.ListLedgerEntries(ctx, l.DB, userID, q.Direction, cur, q.Limit+1)
	if err != nil {
		return nil, storageErr(err)
	}
	page := &EntryPage{Items: items}
	if len(items) > q.Limit {
		page.Items = items[:q.Limit]
		page.NextCursor = page.Items[q.Limit-1].ID
	}
	return page, nil
}

// AuditReport compares a balance to the sum of its ledger.
type AuditReport struct {
	UserID     string `json:"user_id"`
	Balance    int64  `json:"balance"`
	LedgerSum  int64  `json:"ledger_sum"`
	Entries    int64  `json:"entries"`
	Consistent bool   `json:"consistent"`
}

// Audit checks the conservation law for one user. Both reads run in one
// transaction so they see the same snapshot.
func (l *Ledger) Audit(ctx context.Context, userID string) (*AuditReport, error) {
	ctx, span := l.tracer().Start(ctx, "Audit", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	rep := &AuditReport{UserID: userID}
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		b, err := repo.GetBalance(ctx, tx, userID)
		switch {
		case repo.IsNotFound(err):
		case err != nil:
			return err
		default:
			rep.Balance = b.Balance
		}
		rep.Entries, rep.LedgerSum, err = repo.LedgerTotals(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, storageErr(err)
	}
	rep.Consistent = rep.Balance == rep.LedgerSum
	span.SetAttributes(attribute.Bool("audit.consistent", rep.Consistent))
	return rep, nil
}

func validateMutation(userID string, amount int64, reason domain.LedgerReason) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUser
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(string(reason)) == "" {
		return ErrInvalidReason
	}
	return nil
}

func normalizeRef(ref *string) *string {
	if ref == nil {
		return nil
	}
	r := strings.TrimSpace(*ref)
	if r == "" {
		return nil
	}
	return &r
}
