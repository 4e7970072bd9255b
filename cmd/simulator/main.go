package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lems-live/project/internal/contracts"
	"github.com/lems-live/project/internal/platform/env"
	"github.com/lems-live/project/internal/platform/metrics"
)

// simulator drives a seeded division through a tournament day against a
// running engine: matches are called, loaded, activated and completed in
// schedule order, with the occasional abort, while an SSE follower
// verifies the feed stays contiguous.
type config struct {
	EngineBase     string
	DivisionID     string
	Username       string
	Password       string
	StartupWait    time.Duration
	ActionInterval time.Duration
	AbortPercent   int
	RequestTimeout time.Duration
	MetricsAddr    string
	EnableSSE      bool
}

var (
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lems_simulator_actions_total",
		Help: "Match commands issued by the simulator.",
	}, []string{"action", "outcome"})

	sseEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lems_simulator_sse_events_total",
		Help: "Events observed on the simulator's SSE connection.",
	})

	sseGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lems_simulator_sse_gaps_total",
		Help: "Sequence gaps observed on the SSE feed.",
	})
)

type runner struct {
	cfg    config
	client *http.Client
	token  string

	success atomic.Int64
	failure atomic.Int64
}

func main() {
	cfg := config{
		EngineBase:     env.String("SIM_ENGINE_BASE", "http://localhost:8080"),
		DivisionID:     env.String("SIM_DIVISION_ID", "div-1"),
		Username:       env.String("SIM_USERNAME", "admin"),
		Password:       env.String("SIM_PASSWORD", ""),
		StartupWait:    env.Duration("SIM_STARTUP_WAIT", 2*time.Minute),
		ActionInterval: env.Duration("SIM_ACTION_INTERVAL", 2*time.Second),
		AbortPercent:   env.Int("SIM_ABORT_PERCENT", 5),
		RequestTimeout: env.Duration("SIM_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:    env.String("SIM_METRICS_ADDR", ":9099"),
		EnableSSE:      env.String("SIM_ENABLE_SSE", "true") == "true",
	}
	if cfg.Password == "" {
		log.Fatal("SIM_PASSWORD is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runMetricsServer(cfg.MetricsAddr)

	r := &runner{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}

	if err := r.waitForEngine(ctx); err != nil {
		log.Fatalf("engine readiness failed: %v", err)
	}
	if err := r.login(ctx); err != nil {
		log.Fatalf("login failed: %v", err)
	}

	if cfg.EnableSSE {
		go r.followEvents(ctx)
	}
	go r.logProgress(ctx)

	if err := r.runDay(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("simulation failed: %v", err)
	}
	log.Printf("simulation complete: success=%d failure=%d", r.success.Load(), r.failure.Load())
}

func (r *runner) waitForEngine(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.StartupWait)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.EngineBase+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		} else {
			lastErr = err
		}
		time.Sleep(1200 * time.Millisecond)
	}
	return lastErr
}

func (r *runner) login(ctx context.Context) error {
	var auth struct {
		AccessToken string `json:"access_token"`
	}
	status, err := r.requestJSON(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": r.cfg.Username,
		"password": r.cfg.Password,
	}, &auth)
	if err != nil {
		return err
	}
	if status != http.StatusOK || auth.AccessToken == "" {
		return fmt.Errorf("login status=%d", status)
	}
	r.token = auth.AccessToken
	return nil
}

// runDay walks every scheduled match through its lifecycle in order.
func (r *runner) runDay(ctx context.Context) error {
	var matches []contracts.Match
	if _, err := r.requestJSON(ctx, http.MethodGet, "/api/v1/divisions/"+url.PathEscape(r.cfg.DivisionID)+"/matches", nil, &matches); err != nil {
		return err
	}
	log.Printf("driving %d matches in %s", len(matches), r.cfg.DivisionID)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(r.cfg.ActionInterval)
	defer ticker.Stop()

	for _, match := range matches {
		if match.Status != contracts.MatchStatusScheduled {
			continue
		}
		steps := []string{"called", "load", "activate", "complete"}
		if rng.Intn(100) < r.cfg.AbortPercent {
			steps = []string{"called", "load", "activate", "abort"}
		}
		for _, step := range steps {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			r.matchCommand(ctx, match.ID, step)
		}
	}
	return nil
}

func (r *runner) matchCommand(ctx context.Context, matchID, action string) {
	path := fmt.Sprintf("/api/v1/divisions/%s/matches/%s/%s",
		url.PathEscape(r.cfg.DivisionID), url.PathEscape(matchID), action)

	var payload any
	if action == "called" {
		payload = map[string]any{"called": true}
	}
	status, err := r.requestJSON(ctx, http.MethodPost, path, payload, nil)
	if err != nil || status >= 300 {
		actionsTotal.WithLabelValues(action, "error").Inc()
		r.failure.Add(1)
		if err == nil {
			err = fmt.Errorf("status=%d", status)
		}
		log.Printf("match %s %s failed: %v", matchID, action, err)
		if status == http.StatusUnauthorized {
			if loginErr := r.login(ctx); loginErr != nil {
				log.Printf("re-login failed: %v", loginErr)
			}
		}
		return
	}
	actionsTotal.WithLabelValues(action, "success").Inc()
	r.success.Add(1)
}

// followEvents keeps one SSE connection open and checks that division
// seq numbers never skip.
func (r *runner) followEvents(ctx context.Context) {
	var lastSeq uint64
	for ctx.Err() == nil {
		if err := r.readEventStream(ctx, &lastSeq); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sse reconnect: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) readEventStream(ctx context.Context, lastSeq *uint64) error {
	streamURL := r.cfg.EngineBase + "/events?division_id=" + url.QueryEscape(r.cfg.DivisionID) +
		"&from=" + strconv.FormatUint(*lastSeq, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected SSE status: %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 || line[:4] != "id: " {
			continue
		}
		seq, err := strconv.ParseUint(line[4:], 10, 64)
		if err != nil {
			continue
		}
		sseEventsTotal.Inc()
		if *lastSeq != 0 && seq != *lastSeq+1 {
			sseGaps.Inc()
			log.Printf("sse gap: had seq %d, got %d", *lastSeq, seq)
		}
		*lastSeq = seq
	}
	return scanner.Err()
}

func (r *runner) requestJSON(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.EngineBase+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && resp.StatusCode < 300 && len(responseBody) > 0 {
		if err := json.Unmarshal(responseBody, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success=%d failure=%d", r.success.Load(), r.failure.Load())
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("simulator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("simulator metrics server failed: %v", err)
	}
}
