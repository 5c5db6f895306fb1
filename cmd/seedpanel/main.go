package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"seedpanel/internal/api"
	"seedpanel/internal/registry"
	"seedpanel/internal/scheduler"
	"seedpanel/internal/store"
	"seedpanel/internal/telegram"
	"seedpanel/internal/worker"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "HTTP bind address")
		dbPath    = flag.String("db", "seedpanel.db", "SQLite DB path")
		dataDir   = flag.String("data", "uploaded_sessions", "session upload directory")
		bridgeURL = flag.String("bridge", "http://127.0.0.1:9001", "session bridge base URL")
		apiID     = flag.Int("api-id", 0, "Telegram API id")
		apiHash   = flag.String("api-hash", "", "Telegram API hash")
		schedPoll = flag.Duration("schedule-poll", 30*time.Second, "poll interval for auto-run schedules")
		debug     = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if *apiID == 0 || *apiHash == "" {
		log.Fatal().Msg("-api-id and -api-hash are required")
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := store.NewSQLiteRepo(db)

	dialer := telegram.NewBridgeDialer(telegram.BridgeConfig{
		BaseURL: *bridgeURL,
		APIID:   *apiID,
		APIHash: *apiHash,
	})
	pool := telegram.NewPool(dialer)

	reg := registry.New()
	runner := worker.NewRunner(reg, repo, pool, *dataDir)

	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.NewService(repo, runner, *schedPoll)
	go sched.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(repo, reg, runner, *dataDir, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	sched.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
