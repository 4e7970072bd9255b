package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a-h/templ"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/lems-live/project/internal/app/commandapi"
	"github.com/lems-live/project/internal/app/engine"
	"github.com/lems-live/project/internal/app/identity"
	"github.com/lems-live/project/internal/app/relay"
	"github.com/lems-live/project/internal/app/schedule"
	"github.com/lems-live/project/internal/app/stream"
	"github.com/lems-live/project/internal/platform/dbpool"
	"github.com/lems-live/project/internal/platform/env"
	"github.com/lems-live/project/internal/platform/metrics"
	"github.com/lems-live/project/internal/platform/natsutil"
	"github.com/lems-live/project/services/frontend"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineAddr := env.String("ENGINE_ADDR", env.DefaultEngineAddr)
	uiOrigin := env.String("UI_ORIGIN", "http://localhost:8080")
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	queueSize := env.Int("STREAM_QUEUE_SIZE", 64)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	if err := waitForIdentitySchema(runCtx, identityRepo, 30*time.Second); err != nil {
		log.Fatal(err)
	}
	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager(jwtSecret))

	scheduleRepo := schedule.NewRepository(pool)
	if err := scheduleRepo.WaitForSchema(runCtx, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	eng := engine.New(queueSize)
	if err := registerDivisions(runCtx, eng, scheduleRepo); err != nil {
		log.Fatal(err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	eventRelay := relay.New(eng, publisher.Publish)
	relayDone := make(chan struct{})
	go func() {
		eventRelay.Run(runCtx)
		close(relayDone)
	}()

	commandSvc := commandapi.NewService(eng)
	commandHandler := commandapi.NewHandler(commandSvc, identitySvc, uiOrigin)
	streamHandler := stream.NewHandler(eng, identity.NewTokenManager(jwtSecret))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	streamHandler.Register(mux)
	mux.Handle("/", templ.Handler(frontend.LoginPage()))
	mux.Handle("/board", templ.Handler(frontend.BoardPage()))
	mux.Handle("/static/", http.StripPrefix("/static/", frontend.StaticHandler()))
	mux.Handle("/api/", commandHandler.Router())

	server := &http.Server{
		Addr:              engineAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Division Engine listening on %s (divisions: %d)\n", engineAddr, len(eng.Divisions()))
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("division-engine graceful shutdown failed: %v", err)
	}
	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		log.Printf("relay did not drain before shutdown deadline")
	}
}

func registerDivisions(ctx context.Context, eng *engine.Engine, repo *schedule.Repository) error {
	divisions, err := repo.ListDivisions(ctx)
	if err != nil {
		return err
	}
	if len(divisions) == 0 {
		return errors.New("no divisions seeded; run cmd/seed first")
	}
	for _, division := range divisions {
		setup, err := repo.LoadDivisionSetup(ctx, division.ID)
		if err != nil {
			return fmt.Errorf("load division %s: %w", division.ID, err)
		}
		if err := eng.RegisterDivision(setup); err != nil {
			return fmt.Errorf("register division %s: %w", division.ID, err)
		}
	}
	return nil
}

func waitForIdentitySchema(ctx context.Context, repo *identity.PostgresRepository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for identity schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
