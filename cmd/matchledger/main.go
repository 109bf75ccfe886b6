package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"MatchLedger/internal/config"
	"MatchLedger/internal/engine"
	"MatchLedger/internal/event"
	"MatchLedger/internal/ledger"
	"MatchLedger/internal/observability"
	"MatchLedger/internal/persistence"
	"MatchLedger/internal/query"
	"MatchLedger/internal/stream"
)

func main() {
	// .env is optional; env vars win over file values.
	_ = godotenv.Load()

	log := observability.NewLogger("main")
	log.Info().Msg("matchledger starting")

	cfg := config.Default()

	markets, err := config.LoadMarkets(cfg.MarketsFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.MarketsFile).Msg("load markets")
	}
	log.Info().Int("markets", len(markets)).Msg("market registry loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// Persist blocks under backpressure; publish drops, the database is
	// the authoritative record.
	persistChan := make(chan persistence.Item, cfg.PersistChanSize)
	publishChan := make(chan event.Outbound, cfg.PublishChanSize)
	metrics.SetChannelMetrics("persist", 0, cfg.PersistChanSize)
	metrics.SetChannelMetrics("publish", 0, cfg.PublishChanSize)

	// --- Engine ---
	led := ledger.New()
	sink := engine.NewSink(persistChan, publishChan, metrics)
	eng := engine.New(markets, led, sink, metrics, observability.NewLogger("engine"), cfg.SubmitQueueSize)

	// --- Recovery: balances, open orders, applied funding ids ---
	recovery := persistence.NewRecovery(db, observability.NewLogger("recovery"))

	nBalances, err := recovery.LoadBalances(ctx, led)
	if err != nil {
		log.Fatal().Err(err).Msg("recover balances")
	}

	openOrders, err := recovery.LoadOpenOrders(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("recover open orders")
	}
	eng.RestoreOpenOrders(openOrders)

	fundingIDs, err := recovery.LoadFundingIDs(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("recover funding ids")
	}
	eng.SeedFundingIDs(fundingIDs)

	log.Info().
		Int("balances", nBalances).
		Int("open_orders", len(openOrders)).
		Int("funding_ids", len(fundingIDs)).
		Msg("recovery complete")

	// --- NATS ---
	nc, js, err := stream.Connect(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("nats connected")

	if err := stream.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure streams")
	}

	publisher := stream.NewPublisher(js, publishChan, observability.NewLogger("publisher"))
	subscriber := stream.NewFundingSubscriber(js, eng, observability.NewLogger("funding"))

	// --- Start goroutines ---
	errChan := make(chan error, 4)

	persistWorker := persistence.NewWorker(
		db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		metrics, observability.NewLogger("persist"))
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	go func() {
		if err := publisher.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("publisher: %w", err)
		}
	}()

	eng.Start(ctx)

	if err := subscriber.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("funding subscriber")
	}

	serveMetrics(ctx, cfg.MetricsAddr, errChan, log)
	serveHealth(ctx, cfg.HealthAddr, healthChecker, errChan, log)

	querySvc := query.NewService(db, metrics)
	serveQuery(ctx, cfg.QueryAddr, querySvc, errChan, log)

	healthChecker.SetReady(true)
	log.Info().
		Str("metrics", cfg.MetricsAddr).
		Str("health", cfg.HealthAddr).
		Str("query", cfg.QueryAddr).
		Msg("matchledger ready")

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			}
		}
	}()

	// --- Poison watchdog: a failed settlement is fatal for the process ---
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := eng.Healthy(); err != nil {
					healthChecker.SetReady(false)
					errChan <- fmt.Errorf("engine poisoned: %w", err)
					return
				}
			}
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	subscriber.Stop()
	cancel()

	// Workers drain on cancel: engine goroutines exit, then the persist
	// channel can be closed so the final flush runs.
	eng.Wait()
	close(persistChan)

	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		log.Error().Msg("persistence worker did not drain in time")
	}

	log.Info().Msg("matchledger shutdown complete")
}

func serveMetrics(ctx context.Context, addr string, errChan chan<- error, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go shutdownOnCancel(ctx, srv)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

func serveQuery(ctx context.Context, addr string, svc *query.Service, errChan chan<- error, log zerolog.Logger) {
	srv := &http.Server{
		Addr:    addr,
		Handler: query.NewHandler(svc, observability.NewLogger("query")),
	}

	go shutdownOnCancel(ctx, srv)
	go func() {
		log.Info().Str("addr", addr).Msg("query server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("query server: %w", err)
		}
	}()
}

func serveHealth(ctx context.Context, addr string, hc *observability.HealthChecker, errChan chan<- error, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", hc.LivenessHandler)
	mux.HandleFunc("/readyz", hc.ReadinessHandler)
	srv := &http.Server{Addr: addr, Handler: mux}

	go shutdownOnCancel(ctx, srv)
	go func() {
		log.Info().Str("addr", addr).Msg("health server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("health server: %w", err)
		}
	}()
}

func shutdownOnCancel(ctx context.Context, srv *http.Server) {
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutCtx)
}
