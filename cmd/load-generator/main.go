package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/todo-1m/realtime/internal/contracts"
	"github.com/todo-1m/realtime/internal/platform/config"
	"github.com/todo-1m/realtime/internal/platform/logging"
	"github.com/todo-1m/realtime/internal/platform/metrics"
)

type loadConfig struct {
	StreamerBase           string        `env:"LOADGEN_STREAMER_BASE"            env-default:"http://sse-streamer:8081"`
	InternalToken          string        `env:"INTERNAL_TOKEN"`
	Users                  int           `env:"LOADGEN_USERS"                    env-default:"200"`
	StreamsPerUser         int           `env:"LOADGEN_STREAMS_PER_USER"         env-default:"2"`
	SetupConcurrency       int           `env:"LOADGEN_SETUP_CONCURRENCY"        env-default:"25"`
	StartupWait            time.Duration `env:"LOADGEN_STARTUP_WAIT"             env-default:"2m"`
	Duration               time.Duration `env:"LOADGEN_DURATION"                 env-default:"10m"`
	RampUp                 time.Duration `env:"LOADGEN_RAMP_UP"                  env-default:"30s"`
	EventsPerUserPerSecond float64       `env:"LOADGEN_EVENTS_PER_USER_PER_SECOND" env-default:"0.3"`
	RequestTimeout         time.Duration `env:"LOADGEN_REQUEST_TIMEOUT"          env-default:"10s"`
	MetricsAddr            string        `env:"LOADGEN_METRICS_ADDR"             env-default:":9099"`
	Password               string        `env:"LOADGEN_PASSWORD"                 env-default:"load-test-pass-123"`
	LogLevel               string        `env:"LOG_LEVEL"                        env-default:"info"`
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

type simulatedUser struct {
	Index       int
	Username    string
	ClientIP    string
	AccessToken string
	UserID      string
}

type runner struct {
	cfg       loadConfig
	runID     string
	logger    *slog.Logger
	apiClient *http.Client
	sseClient *http.Client

	published   atomic.Int64
	delivered   atomic.Int64
	activeSSE   atomic.Int64
	requestErrs atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "realtime_loadgen_requests_total",
		Help: "Total HTTP requests sent by load generator.",
	}, []string{"endpoint", "status", "outcome"})

	framesTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "realtime_loadgen_frames_total",
		Help: "Stream frames received by load generator, by entity.",
	}, []string{"entity"})
)

func main() {
	var cfg loadConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "load generator config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(config.LogConfig{Level: cfg.LogLevel, Format: "text"})
	if cfg.Users <= 0 || cfg.SetupConcurrency <= 0 || cfg.StreamsPerUser <= 0 {
		logger.Error("LOADGEN_USERS, LOADGEN_STREAMS_PER_USER and LOADGEN_SETUP_CONCURRENCY must be > 0")
		os.Exit(1)
	}
	cfg.StreamerBase = strings.TrimRight(strings.TrimSpace(cfg.StreamerBase), "/")

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Users * 4,
		MaxIdleConnsPerHost: cfg.Users * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	r := &runner{
		cfg:       cfg,
		runID:     strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		logger:    logger,
		apiClient: &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		sseClient: &http.Client{Transport: transport},
	}
	r.registerMetrics()
	go r.runMetricsServer()

	if err := r.waitForReady(ctx); err != nil {
		logger.Error("streamer not ready", slog.String("error", err.Error()))
		os.Exit(1)
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		logger.Error("failed to initialize any users")
		os.Exit(1)
	}
	logger.Info("load generator initialized",
		slog.Int("users", len(users)),
		slog.Int("streams_per_user", cfg.StreamsPerUser),
		slog.Duration("duration", cfg.Duration),
		slog.Float64("events_per_user_per_second", cfg.EventsPerUserPerSecond),
	)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			r.runUser(ctx, u)
		}(user)
	}

	<-ctx.Done()
	wg.Wait()

	logger.Info("load test complete",
		slog.Int64("published", r.published.Load()),
		slog.Int64("delivered", r.delivered.Load()),
		slog.Int64("expected_deliveries", r.published.Load()*int64(cfg.StreamsPerUser)),
		slog.Int64("request_errors", r.requestErrs.Load()),
	)
}

func (r *runner) registerMetrics() {
	metrics.Default.MustRegister(
		requestsTotal,
		framesTotal,
		metrics.NewGaugeFunc(metrics.Opts{
			Name: "realtime_loadgen_open_streams",
			Help: "Streams currently held open by the load generator.",
		}, func() float64 { return float64(r.activeSSE.Load()) }),
		metrics.NewGaugeFunc(metrics.Opts{
			Name: "realtime_loadgen_published_events",
			Help: "Events accepted by the ingest endpoint.",
		}, func() float64 { return float64(r.published.Load()) }),
	)
}

func (r *runner) waitForReady(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.StartupWait)
	var lastErr error
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.StreamerBase+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := r.apiClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1200 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	var (
		mu    sync.Mutex
		users []*simulatedUser
		wg    sync.WaitGroup
	)
	for i := 0; i < r.cfg.Users; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			user, err := r.setupSingleUser(ctx, idx)
			if err != nil {
				r.logger.Warn("user setup failed", slog.String("error", err.Error()))
				return
			}
			mu.Lock()
			users = append(users, user)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	r.logger.Info("user setup complete", slog.Int("success", len(users)), slog.Int("failed", r.cfg.Users-len(users)))
	return users
}

func (r *runner) setupSingleUser(ctx context.Context, idx int) (*simulatedUser, error) {
	user := &simulatedUser{
		Index:    idx,
		Username: fmt.Sprintf("load-%s-%04d", r.runID, idx),
		ClientIP: fmt.Sprintf("10.0.%d.%d", 1+(idx/250), 1+(idx%250)),
	}
	credentials := map[string]string{"username": user.Username, "password": r.cfg.Password}

	var auth authResponse
	status, err := r.requestJSON(ctx, user, "register", "/api/v1/auth/register", nil, credentials, &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", user.Username, err)
	}
	if status == http.StatusConflict {
		if _, err := r.requestJSON(ctx, user, "login", "/api/v1/auth/login", nil, credentials, &auth, http.StatusOK); err != nil {
			return nil, fmt.Errorf("login %s: %w", user.Username, err)
		}
	}
	if strings.TrimSpace(auth.AccessToken) == "" || strings.TrimSpace(auth.UserID) == "" {
		return nil, fmt.Errorf("empty credentials for %s", user.Username)
	}
	user.AccessToken = auth.AccessToken
	user.UserID = auth.UserID
	return user, nil
}

func (r *runner) runUser(ctx context.Context, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(r.cfg.Users) * float64(user.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	for i := 0; i < r.cfg.StreamsPerUser; i++ {
		go r.runStreamLoop(ctx, user)
	}

	interval := time.Second
	if r.cfg.EventsPerUserPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / r.cfg.EventsPerUserPerSecond)
		if interval < 25*time.Millisecond {
			interval = 25 * time.Millisecond
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.Index*7)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rng.Int63n(int64(interval)))):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publish(ctx, user, randomEvent(user.UserID, rng))
		}
	}
}

func randomEvent(owner string, rng *rand.Rand) contracts.DomainEvent {
	now := time.Now().UTC()
	changes := []contracts.ChangeType{contracts.ChangeCreate, contracts.ChangeUpdate, contracts.ChangeDelete}
	change := changes[rng.Intn(len(changes))]
	n := rng.Intn(1_000_000)

	switch rng.Intn(4) {
	case 0:
		return contracts.NewTagEvent(change, owner, contracts.TagPayload{TagID: fmt.Sprintf("tag-%d", n), Name: "load"}, now)
	case 1:
		return contracts.NewListEvent(change, owner, contracts.ListPayload{ListID: fmt.Sprintf("list-%d", n), Name: "Load list"}, now)
	case 2:
		return contracts.NewTodoEvent(change, owner, contracts.TodoPayload{TodoID: fmt.Sprintf("todo-%d", n), Title: "Load todo"}, now)
	default:
		return contracts.NewHabitEvent(change, owner, contracts.HabitPayload{HabitID: fmt.Sprintf("habit-%d", n), Streak: rng.Intn(30)}, now)
	}
}

func (r *runner) publish(ctx context.Context, user *simulatedUser, event contracts.DomainEvent) {
	headers := map[string]string{"X-Internal-Token": r.cfg.InternalToken}
	if _, err := r.requestJSON(ctx, user, "ingest", "/internal/v1/events", headers, event, nil, http.StatusAccepted); err != nil {
		r.logger.Debug("publish failed", slog.String("user", user.Username), slog.String("error", err.Error()))
		return
	}
	r.published.Add(1)
}

func (r *runner) runStreamLoop(ctx context.Context, user *simulatedUser) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.readStream(ctx, user); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Info("stream reconnect", slog.String("user", user.Username), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(1200 * time.Millisecond):
		}
	}
}

func (r *runner) readStream(ctx context.Context, user *simulatedUser) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.StreamerBase+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+user.AccessToken)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Forwarded-For", user.ClientIP)

	resp, err := r.sseClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues("events", "0", "error").Inc()
		r.requestErrs.Add(1)
		return err
	}
	defer resp.Body.Close()

	statusText := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		requestsTotal.WithLabelValues("events", statusText, "error").Inc()
		r.requestErrs.Add(1)
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected stream status: %d", resp.StatusCode)
	}
	requestsTotal.WithLabelValues("events", statusText, "success").Inc()

	r.activeSSE.Add(1)
	defer r.activeSSE.Add(-1)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame struct {
			Entity string `json:"entity"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			continue
		}
		framesTotal.WithLabelValues(frame.Entity).Inc()
		if frame.Entity != string(contracts.EntitySystem) {
			r.delivered.Add(1)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return nil
}

func (r *runner) requestJSON(
	ctx context.Context,
	user *simulatedUser,
	endpoint, path string,
	headers map[string]string,
	payload any,
	out any,
	expectedStatuses ...int,
) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.StreamerBase+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", user.ClientIP)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "0", "error").Inc()
		r.requestErrs.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	statusText := strconv.Itoa(resp.StatusCode)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, statusText, "error").Inc()
		r.requestErrs.Add(1)
		return resp.StatusCode, err
	}

	for _, expected := range expectedStatuses {
		if resp.StatusCode != expected {
			continue
		}
		requestsTotal.WithLabelValues(endpoint, statusText, "success").Inc()
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, statusText, "error").Inc()
	r.requestErrs.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(body), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Info("progress",
				slog.Int64("published", r.published.Load()),
				slog.Int64("delivered", r.delivered.Load()),
				slog.Int64("open_streams", r.activeSSE.Load()),
				slog.Int64("request_errors", r.requestErrs.Load()),
			)
		}
	}
}

func (r *runner) runMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              r.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.logger.Info("load generator metrics endpoint listening", slog.String("addr", r.cfg.MetricsAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.logger.Warn("load generator metrics server failed", slog.String("error", err.Error()))
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
