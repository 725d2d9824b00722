package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	openaiagent "github.com/havenlabs/haven/internal/agent/openai"
	"github.com/havenlabs/haven/internal/config"
	"github.com/havenlabs/haven/internal/convo"
	"github.com/havenlabs/haven/internal/crypto"
	"github.com/havenlabs/haven/internal/fieldcache"
	"github.com/havenlabs/haven/internal/health"
	"github.com/havenlabs/haven/internal/ingest"
	"github.com/havenlabs/haven/internal/keyring"
	"github.com/havenlabs/haven/internal/ops"
	"github.com/havenlabs/haven/internal/platform/logger"
	"github.com/havenlabs/haven/internal/scheduler"
	"github.com/havenlabs/haven/internal/store"
	"github.com/havenlabs/haven/internal/store/postgres"
	sqlitestore "github.com/havenlabs/haven/internal/store/sqlite"
	"github.com/havenlabs/haven/internal/transport/telegram"
)

func main() {
	// Optional driver flag override (sqlite | postgres)
	dbDriver := flag.String("db-driver", "", "Override HAVEN_DB_DRIVER (sqlite, postgres)")
	flag.Parse()

	log := logger.New("haven")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *dbDriver != "" {
		cfg.DBDriver = *dbDriver
		if err := cfg.ResolveDefaults(); err != nil {
			log.Fatal().Err(err).Msg("Invalid db-driver override")
		}
	}

	log.Info().
		Str("db_driver", cfg.DBDriver).
		Int("http_port", cfg.HTTPPort).
		Msg("haven starting…")

	rootKey, err := crypto.DecodeKey(cfg.RootKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid root key")
	}
	cache := fieldcache.New(cfg.FieldCacheSize, cfg.FieldCacheTTL())

	// -------- Storage layer -----------------
	var (
		db *sql.DB
		st store.Store
	)
	switch cfg.DBDriver {
	case "postgres":
		db, err = postgres.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Postgres unavailable")
		}
		st = postgres.New(db, cache)
	default:
		db, err = sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("SQLite unavailable")
		}
		st = sqlitestore.New(db, cache)
	}
	defer func() { _ = db.Close() }()

	keys := keyring.New(st.Chats(), cache, rootKey)

	// -------- Outbound adapters -------------
	tg, err := telegram.New(cfg.TelegramToken, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Telegram unavailable")
	}
	agent := openaiagent.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, log)

	// -------- Turn scheduler ----------------
	// The orchestrator schedules evaluation jobs through the scheduler,
	// and the scheduler ticks the orchestrator; break the cycle with a
	// late-bound run func.
	var orch *convo.Orchestrator
	sched := scheduler.New(func(ctx context.Context, chatID string) (bool, error) {
		return orch.Run(ctx, chatID)
	}, cfg.TickInterval(), log)
	defer sched.Close()

	evalSvc := convo.NewEvaluation(st, keys, cache, agent, log)
	jobs := scheduler.NewEvaluations(sched, evalSvc.EvaluateSession, time.Minute, log)

	orch = convo.NewOrchestrator(st, tg, agent, agent, jobs, keys, cache, convo.Config{
		SessionTimeout:      cfg.SessionTimeout(),
		TurnDelay:           cfg.TurnDelay(),
		MaxNewInputRetries:  cfg.MaxNewInputRetries,
		EvaluationThreshold: cfg.EvaluationThreshold,
	}, log)

	ing := ingest.New(st, keys, sched, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------- Health monitor ----------------
	dbCheck := health.NewPingChecker("database", st, log, 0)
	svc := health.NewService(log, dbCheck)
	go dbCheck.Start(ctx, 30*time.Second)
	go svc.Start(ctx, 30*time.Second)

	// -------- History retention -------------
	ret := scheduler.NewRetention(st.Events().PurgeClosedSessions, cfg.EventRetention(), time.Hour, log)
	go ret.Start(ctx)

	// -------- Router & Server ---------------
	router := ops.NewRouter(svc, st, cache)
	server := &http.Server{
		Addr:         cfg.GetHTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msg("Telegram long-poll starting")
		return tg.Listen(gctx, ing)
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down…")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctxShutdown)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("haven terminated")
	}
	log.Info().Msg("haven exited")
}
