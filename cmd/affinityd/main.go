// Command affinityd runs the affinity economy service and its maintenance
// tasks.
//
//	affinityd serve                      # HTTP API + daily bonus scheduler
//	affinityd migrate                    # create/upgrade the schema
//	affinityd rebuild-rankings --viewer alice
//	affinityd rebuild-rankings --all
//	affinityd bonus                      # run today's daily bonus once
//
// Configuration comes from the environment; a .env file in the working
// directory is loaded first when present.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-affinity-backend/internal/app"
	"github.com/tbourn/go-affinity-backend/internal/config"
	httpapi "github.com/tbourn/go-affinity-backend/internal/http"
	"github.com/tbourn/go-affinity-backend/internal/jobs"
	"github.com/tbourn/go-affinity-backend/internal/observability"
	"github.com/tbourn/go-affinity-backend/internal/repo"
	"github.com/tbourn/go-affinity-backend/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

var envFile string

func main() {
	root := &cobra.Command{
		Use:           "affinityd",
		Short:         "Affinity economy and social-unlock service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(serveCmd(), migrateCmd(), rebuildCmd(), bonusCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("affinityd failed")
		os.Exit(1)
	}
}

// loadEnv loads path into the environment without overriding variables that
// are already set. A missing file is skipped.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// bootstrap loads config, installs logging and opens the database.
func bootstrap() (config.Config, *gorm.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName, nil)

	db, err := repo.Open(repo.Options{
		Driver: cfg.DB.Driver,
		DSN:    cfg.DB.DSN,
		Path:   cfg.DB.Path,
		Silent: cfg.LogLevel != "debug",
	})
	if err != nil {
		return cfg, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, db, err := bootstrap()
	if err != nil {
		return err
	}
	defer closeDB(db)

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	a, err := app.New(ctx, db, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, a.Services(), cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	var sched *jobs.Scheduler
	if cfg.Jobs.DailyBonusAmount > 0 {
		sched = jobs.NewScheduler(a.Bonus)
		if err := sched.Start(ctx, cfg.Jobs.DailyBonusSchedule); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if sched != nil {
			sched.Stop()
		}
		log.Info().Msg("http server shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeDB(db)
			if err := repo.AutoMigrate(db); err != nil {
				return err
			}
			log.Info().Msg("schema up to date")
			return nil
		},
	}
}

func rebuildCmd() *cobra.Command {
	var (
		viewer string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "rebuild-rankings",
		Short: "Recompute persisted rankings from affinity rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (viewer == "") == !all {
				return errors.New("exactly one of --viewer or --all is required")
			}
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeDB(db)
			a, err := app.New(cmd.Context(), db, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				n, err := a.Ranking.RebuildAll(cmd.Context())
				if err != nil {
					return err
				}
				log.Info().Int("viewers", n).Msg("rankings rebuilt")
				return nil
			}
			items, err := a.Ranking.RebuildRanking(cmd.Context(), viewer)
			if err != nil {
				return err
			}
			log.Info().Str("viewer_id", viewer).Int("targets", len(items)).Msg("ranking rebuilt")
			return nil
		},
	}
	cmd.Flags().StringVar(&viewer, "viewer", "", "viewer whose ranking to rebuild")
	cmd.Flags().BoolVar(&all, "all", false, "rebuild every viewer")
	return cmd
}

func bonusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bonus",
		Short: "Credit today's daily bonus once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := bootstrap()
			if err != nil {
				return err
			}
			defer closeDB(db)
			if cfg.Jobs.DailyBonusAmount <= 0 {
				return errors.New("DAILY_BONUS_AMOUNT must be positive")
			}
			a, err := app.New(cmd.Context(), db, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Bonus.Run(cmd.Context())
			log.Info().
				Str("day", rep.Day).
				Int64("credited", rep.Credited).
				Int64("replayed", rep.Replayed).
				Int64("failed", rep.Failed).
				Msg("daily bonus")
			return err
		},
	}
}
