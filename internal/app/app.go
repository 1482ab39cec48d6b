// Package app wires the affinity services together from a Config. Both the
// HTTP server and the maintenance commands build their object graph here so
// the two never disagree on thresholds, costs or cache tiers.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-affinity-backend/internal/cache"
	"github.com/tbourn/go-affinity-backend/internal/config"
	"github.com/tbourn/go-affinity-backend/internal/domain"
	"github.com/tbourn/go-affinity-backend/internal/http/handlers"
	"github.com/tbourn/go-affinity-backend/internal/jobs"
	"github.com/tbourn/go-affinity-backend/internal/services"
)

// Cache backends accepted by RANKING_CACHE_BACKEND.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

const (
	redisKeyPrefix   = "affinity:ranking:"
	redisPingTimeout = 2 * time.Second
)

// App is the wired service graph.
type App struct {
	DB       *gorm.DB
	Ledger   *services.Ledger
	Affinity *services.Affinity
	Ranking  *services.Ranking
	Quiz     *services.Quiz
	Meetings *services.Meetings
	Bonus    *jobs.DailyBonus

	redis redis.UniversalClient
}

// New builds every service over db. A redis backend that does not answer a
// ping is kept anyway; ranking reads degrade to storage until it recovers.
func New(ctx context.Context, db *gorm.DB, cfg config.Config) (*App, error) {
	th := domain.Thresholds{T1: cfg.Affinity.T1, T2: cfg.Affinity.T2, T3: cfg.Affinity.T3}
	if err := th.Validate(); err != nil {
		return nil, err
	}

	a := &App{DB: db}
	newCache, err := a.rankingCache(ctx, cfg.Ranking)
	if err != nil {
		return nil, err
	}

	a.Ledger = services.NewLedger(db)
	a.Ledger.StartingBalance = cfg.StartingBalance

	a.Ranking = services.NewRanking(db, th, cfg.Ranking.TopN, newCache)
	a.Affinity = &services.Affinity{DB: db, Thresholds: th, Ranking: a.Ranking}
	a.Meetings = &services.Meetings{DB: db, Thresholds: th, MaxMessageRunes: cfg.MessageMaxLen}
	a.Quiz = &services.Quiz{
		DB:       db,
		Ledger:   a.Ledger,
		Affinity: a.Affinity,
		Meetings: a.Meetings,
		Config:   QuizConfig(cfg.Quiz),
	}
	a.Affinity.Gate = a.Quiz

	a.Bonus = &jobs.DailyBonus{DB: db, Ledger: a.Ledger, Amount: cfg.Jobs.DailyBonusAmount}
	return a, nil
}

// QuizConfig maps the environment settings onto the service's policy.
func QuizConfig(c config.QuizConfig) services.QuizConfig {
	modes := make(map[string]int64, len(c.ModeMinimums))
	for k, v := range c.ModeMinimums {
		modes[k] = v
	}
	if len(modes) == 0 {
		modes[services.DefaultQuizMode] = 0
	}
	return services.QuizConfig{
		EntryCost:     c.EntryCost,
		RateLimit:     c.RateLimit,
		RateWindow:    c.RateWindow,
		CorrectDelta:  c.CorrectDelta,
		WrongDelta:    c.WrongDelta,
		CorrectReward: c.CorrectReward,
		WrongPenalty:  c.WrongPenalty,
		Modes:         modes,
	}
}

func (a *App) rankingCache(ctx context.Context, rc config.RankingConfig) (func() cache.Store[[]services.RankedTarget], error) {
	switch strings.ToLower(rc.CacheBackend) {
	case "", CacheMemory:
		return func() cache.Store[[]services.RankedTarget] {
			return cache.NewMemory[[]services.RankedTarget](rc.CacheTTL, rc.CacheCapacity)
		}, nil
	case CacheNone:
		return nil, nil
	case CacheRedis:
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{rc.RedisAddr},
			Password: rc.RedisPassword,
			DB:       rc.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := a.redis.Ping(pctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", rc.RedisAddr).Msg("ranking redis unreachable; reads fall through to storage")
		}
		client := a.redis
		return func() cache.Store[[]services.RankedTarget] {
			return cache.NewRedis[[]services.RankedTarget](client, redisKeyPrefix, rc.CacheTTL)
		}, nil
	default:
		return nil, fmt.Errorf("unknown ranking cache backend %q", rc.CacheBackend)
	}
}

// Services exposes the graph to the HTTP adapter.
func (a *App) Services() handlers.Services {
	return handlers.Services{
		Ledger:   a.Ledger,
		Affinity: a.Affinity,
		Ranking:  a.Ranking,
		Quiz:     a.Quiz,
		Meetings: a.Meetings,
	}
}

// Close releases the redis client, if any. The database is owned by the
// caller.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
