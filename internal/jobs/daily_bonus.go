// Package jobs runs the scheduled work of the points economy.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/repo"
	"github.com/tbourn/go-affinity-backend/internal/services"
)

// Earner is the slice of services.Ledger the bonus job needs.
type Earner interface {
	Earn(ctx context.Context, userID string, delta int64, reason domain.LedgerReason, refID *string) (*services.EarnResult, error)
}

// DailyBonus credits every balance holder once per UTC day. The ledger ref
// is "daily:YYYY-MM-DD", so running the job twice on one day credits nobody
// twice.
type DailyBonus struct {
	DB     *gorm.DB
	Ledger Earner
	Amount int64

	// BatchSize is the number of holders read per page (default 500).
	BatchSize int
	// Workers bounds concurrent credits (default 4).
	Workers int

	Now func() time.Time
}

// BonusReport summarizes one run.
type BonusReport struct {
	Day      string
	Credited int64
	Replayed int64
	Failed   int64
}

// RefFor returns the ledger ref of the bonus for day.
func RefFor(day time.Time) string {
	return "daily:" + day.UTC().Format(time.DateOnly)
}

// Run credits the bonus for the current day. Individual failures are
// collected and returned joined; they do not stop the run.
func (j *DailyBonus) Run(ctx context.Context) (BonusReport, error) {
	now := time.Now
	if j.Now != nil {
		now = j.Now
	}
	ref := RefFor(now())
	rep := BonusReport{Day: ref[len("daily:"):]}

	ctx, span := otel.Tracer("jobs/DailyBonus").Start(ctx, "Run")
	defer span.End()
	span.SetAttributes(attribute.String("bonus.day", rep.Day))

	if j.Amount <= 0 {
		return rep, nil
	}
	batch := j.BatchSize
	if batch <= 0 {
		batch = 500
	}
	workers := j.Workers
	if workers <= 0 {
		workers = 4
	}

	var credited, replayed, failed atomic.Int64
	var errs []error
	after := ""
	for {
		ids, err := repo.ListBalanceHolders(ctx, j.DB, after, batch)
		if err != nil {
			return rep, fmt.Errorf("list balance holders: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		p := pool.New().WithContext(ctx).WithMaxGoroutines(workers)
		for _, id := range ids {
			p.Go(func(ctx context.Context) error {
				r := ref
				res, err := j.Ledger.Earn(ctx, id, j.Amount, domain.ReasonDailyBonus, &r)
				if err != nil {
					failed.Add(1)
					return fmt.Errorf("user %s: %w", id, err)
				}
				if res.Replayed {
					replayed.Add(1)
				} else {
					credited.Add(1)
				}
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		after = ids[len(ids)-1]
		if len(ids) < batch {
			break
		}
	}

	rep.Credited, rep.Replayed, rep.Failed = credited.Load(), replayed.Load(), failed.Load()
	span.SetAttributes(
		attribute.Int64("bonus.credited", rep.Credited),
		attribute.Int64("bonus.replayed", rep.Replayed),
		attribute.Int64("bonus.failed", rep.Failed),
	)
	log.Ctx(ctx).Info().
		Str("day", rep.Day).
		Int64("credited", rep.Credited).
		Int64("replayed", rep.Replayed).
		Int64("failed", rep.Failed).
		Msg("daily bonus run finished")
	return rep, errors.Join(errs...)
}
