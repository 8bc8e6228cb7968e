package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/engine"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPServer exposes the queue control API: enqueue, status, manual drain
// and failed-update retry. Field tooling on the same device talks to it.
type HTTPServer struct {
	cfg    config.APIConfig
	engine *engine.Engine
	server *http.Server
	auth   *HTTPAuth
	logger *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, eng *engine.Engine, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, engine: eng, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/api/v1/updates", srv.handleUpdates)
	mux.HandleFunc("/api/v1/sync/status", srv.handleSyncStatus)
	mux.HandleFunc("/api/v1/sync/failed", srv.handleSyncFailed)
	mux.HandleFunc("/api/v1/sync/drain", srv.handleSyncDrain)
	mux.HandleFunc("/api/v1/sync/retry", srv.handleSyncRetry)
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	handler := loggingMiddleware(logger, srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleUpdates(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("updates")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	type request struct {
		ComponentID   string        `json:"component_id"`
		MilestoneName string        `json:"milestone_name"`
		Value         *models.Value `json:"value"`
		UserID        string        `json:"user_id"`
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var body request
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if strings.TrimSpace(body.ComponentID) == "" {
		writeError(w, http.StatusBadRequest, "component_id is required")
		return
	}
	if strings.TrimSpace(body.MilestoneName) == "" {
		writeError(w, http.StatusBadRequest, "milestone_name is required")
		return
	}
	if body.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	update, err := s.engine.Enqueue(r.Context(), body.ComponentID, body.MilestoneName, *body.Value, body.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue update")
		return
	}

	writeJSON(w, http.StatusAccepted, update)
}

func (s *HTTPServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_status")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status, err := s.engine.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read sync status")
		return
	}
	pending, failed, err := s.engine.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue counts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sync_status": status,
		"pending":     pending,
		"failed":      failed,
	})
}

func (s *HTTPServer) handleSyncFailed(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_failed")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	failed, err := s.engine.FailedUpdates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read failed updates")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"failed_updates": failed})
}

func (s *HTTPServer) handleSyncDrain(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_drain")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.engine.Drain(r.Context()); err != nil {
		if errors.Is(err, engine.ErrSessionExpired) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	status, err := s.engine.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read sync status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sync_status": status})
}

func (s *HTTPServer) handleSyncRetry(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync_retry")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.engine.RetryFailed(r.Context()); err != nil {
		if errors.Is(err, engine.ErrSessionExpired) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	status, err := s.engine.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read sync status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sync_status": status})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HTTPAuth provides API-key auth and per-key rate limiting.
type HTTPAuth struct {
	cfg      config.APIConfig
	clients  map[string]config.APIClientKey
	limiters sync.Map // map[string]*rate.Limiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}

		if err := a.checkRateLimit(r); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKeyHeader := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if apiKeyHeader == "" {
		apiKeyHeader = "x-api-key"
	}

	apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	if apiKey == "" {
		return fmt.Errorf("missing api key header")
	}

	for _, client := range a.clients {
		if subtle.ConstantTimeCompare([]byte(client.Key), []byte(apiKey)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("invalid api key")
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) error {
	if a.cfg.RateLimit.RPS <= 0 {
		return nil
	}

	key := a.clientKey(r)
	lim := a.getLimiter(key)
	if !lim.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	apiKeyHeader := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if apiKeyHeader == "" {
		apiKeyHeader = "x-api-key"
	}

	if apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader)); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func (a *HTTPAuth) getLimiter(key string) *rate.Limiter {
	if v, ok := a.limiters.Load(key); ok {
		return v.(*rate.Limiter)
	}

	burst := a.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 5
	}

	lim := rate.NewLimiter(rate.Limit(a.cfg.RateLimit.RPS), burst)
	actual, loaded := a.limiters.LoadOrStore(key, lim)
	if loaded {
		return actual.(*rate.Limiter)
	}
	return lim
}

func loggingMiddleware(logger *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
