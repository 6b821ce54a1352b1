package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/crypto"
	"github.com/felipepmaragno/gemini-gateway/internal/dispatcher"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/ratelimit"
	"github.com/felipepmaragno/gemini-gateway/internal/resolver"
	"github.com/felipepmaragno/gemini-gateway/internal/session"
	"github.com/felipepmaragno/gemini-gateway/internal/stream"
	"github.com/felipepmaragno/gemini-gateway/internal/telemetry"
)

// Version is reported by the health endpoints.
const Version = "0.1.0"

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request, sink dispatcher.Sink) (dispatcher.Result, error)
}

type HandlerConfig struct {
	Dispatcher  Dispatcher
	Settings    func() *config.Snapshot
	Keys        *crypto.KeySet
	RateLimiter ratelimit.RateLimiter
	ClientRPM   int
	Checkers    []HealthChecker
}

type Handler struct {
	dispatcher  Dispatcher
	settings    func() *config.Snapshot
	keys        *crypto.KeySet
	rateLimiter ratelimit.RateLimiter
	clientRPM   int
	checkers    []HealthChecker
	mux         *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		dispatcher:  cfg.Dispatcher,
		settings:    cfg.Settings,
		keys:        cfg.Keys,
		rateLimiter: cfg.RateLimiter,
		clientRPM:   cfg.ClientRPM,
		checkers:    cfg.Checkers,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(h.checkers, 5*time.Second))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authorize checks the client key and its per-minute budget. It writes the
// error response itself and reports whether the request may proceed.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, requestID string) (string, bool) {
	if h.keys.Empty() {
		return "anonymous", true
	}

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "missing API key")
		return "", false
	}
	if !h.keys.Contains(apiKey) {
		slog.Warn("invalid API key", "request_id", requestID)
		writeError(w, http.StatusUnauthorized, "invalid_api_key", domain.ErrInvalidAPIKey.Error())
		return "", false
	}

	client := crypto.HashAPIKey(apiKey)[:12]
	if h.rateLimiter == nil || h.clientRPM <= 0 {
		return client, true
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(r.Context(), client, h.clientRPM)
	if err != nil {
		slog.Error("rate limiter error", "error", err, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return "", false
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.clientRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RecordRateLimitHit(client)
		slog.Warn("rate limit exceeded", "client", client, "request_id", requestID)
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", domain.ErrRateLimitExceeded.Error())
		return "", false
	}
	return client, true
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	client, ok := h.authorize(w, r, requestID)
	if !ok {
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}

	user := req.User
	if user == "" {
		user = client
	}
	dreq := dispatcher.Request{
		ID:              requestID,
		Model:           req.Model,
		Messages:        req.Messages,
		ConversationKey: session.ConversationKey(r.Header.Get("X-Conversation-ID"), user, req.Messages),
		Settings:        h.settings(),
	}

	c := completion{
		id:        "chatcmpl-" + uuid.New().String(),
		created:   start.Unix(),
		model:     req.Model,
		requestID: requestID,
		start:     start,
	}

	var status string
	if req.Stream {
		status = h.streamCompletion(w, r, dreq, &c)
	} else {
		status = h.completeOnce(w, r, dreq, &c)
	}
	metrics.RecordRequest(req.Model, status, time.Since(start).Seconds())
}

// completion carries the identifiers shared by every chunk of one response.
type completion struct {
	id        string
	created   int64
	model     string
	requestID string
	start     time.Time
}

func (c *completion) gateway(ctx context.Context, res dispatcher.Result) *domain.Gateway {
	return &domain.Gateway{
		AccountID: res.AccountID,
		Attempts:  len(res.Attempts),
		LatencyMs: time.Since(c.start).Milliseconds(),
		RequestID: c.requestID,
		TraceID:   telemetry.GetTraceID(ctx),
	}
}

func (h *Handler) completeOnce(w http.ResponseWriter, r *http.Request, req dispatcher.Request, c *completion) string {
	ctx := r.Context()

	var answer, reasoning strings.Builder
	res, err := h.dispatcher.Dispatch(ctx, req, func(ev stream.Event) error {
		if ev.Channel == stream.Reasoning {
			reasoning.WriteString(ev.Text)
		} else {
			answer.WriteString(ev.Text)
		}
		return nil
	})
	if err != nil {
		return h.dispatchFailed(w, ctx, c, err)
	}

	resp := domain.ChatResponse{
		ID:      c.id,
		Object:  "chat.completion",
		Created: c.created,
		Model:   c.model,
		Choices: []domain.Choice{{
			Index: 0,
			Message: &domain.Message{
				Role:             "assistant",
				Content:          answer.String(),
				ReasoningContent: reasoning.String(),
			},
			FinishReason: "stop",
		}},
		Gateway: c.gateway(ctx, res),
	}

	slog.Info("request completed",
		"request_id", c.requestID,
		"model", c.model,
		"account_id", res.AccountID,
		"attempts", len(res.Attempts),
		"latency_ms", resp.Gateway.LatencyMs,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
	return "success"
}

// streamCompletion relays events as server-sent chunks. Headers are
// committed on the first event, so a dispatch that fails before producing
// output still gets a proper HTTP status.
func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, req dispatcher.Request, c *completion) string {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return "error"
	}

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	sse := &sseWriter{w: w, flusher: flusher, c: c}
	res, err := h.dispatcher.Dispatch(ctx, req, sse.event)

	if err != nil {
		if !sse.started {
			return h.dispatchFailed(w, ctx, c, err)
		}
		if ctx.Err() != nil {
			slog.Info("client disconnected mid-stream", "request_id", c.requestID)
			return "cancelled"
		}
		status, kind := errorStatus(err)
		slog.Error("stream failed after partial output", "request_id", c.requestID, "kind", kind, "error", err)
		sse.fail(status, kind, err)
		sse.done()
		return "error"
	}

	if !sse.started {
		sse.start()
	}
	sse.chunk(domain.Delta{}, "stop")
	sse.data(map[string]any{"x_gateway": c.gateway(ctx, res)})
	sse.done()

	slog.Info("streaming request completed",
		"request_id", c.requestID,
		"model", c.model,
		"account_id", res.AccountID,
		"attempts", len(res.Attempts),
		"latency_ms", time.Since(c.start).Milliseconds(),
	)
	return "success"
}

func (h *Handler) dispatchFailed(w http.ResponseWriter, ctx context.Context, c *completion, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		slog.Info("client disconnected", "request_id", c.requestID)
		return "cancelled"
	}
	status, kind := errorStatus(err)
	slog.Warn("dispatch failed",
		"request_id", c.requestID,
		"model", c.model,
		"kind", kind,
		"status", status,
		"error", err,
	)
	writeError(w, status, kind, err.Error())
	return "error"
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	c       *completion
	started bool
}

func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	s.chunk(domain.Delta{Role: "assistant"}, "")
}

func (s *sseWriter) event(ev stream.Event) error {
	if !s.started {
		s.start()
	}
	delta := domain.Delta{Content: ev.Text}
	if ev.Channel == stream.Reasoning {
		delta = domain.Delta{ReasoningContent: ev.Text}
	}
	return s.chunk(delta, "")
}

func (s *sseWriter) chunk(delta domain.Delta, finish string) error {
	return s.data(domain.StreamChunk{
		ID:      s.c.id,
		Object:  "chat.completion.chunk",
		Created: s.c.created,
		Model:   s.c.model,
		Choices: []domain.Choice{{Index: 0, Delta: &delta, FinishReason: finish}},
	})
}

func (s *sseWriter) data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: " + string(b) + "\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) fail(status int, kind string, err error) {
	s.data(errorBody(status, kind, err.Error()))
}

func (s *sseWriter) done() {
	s.w.Write([]byte("data: [DONE]\n\n"))
	s.flusher.Flush()
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	snap := h.settings()

	names := resolver.Names(snap.Models...)
	models := make([]domain.Model, 0, len(names))
	for _, name := range names {
		models = append(models, domain.Model{ID: name, Object: "model", OwnedBy: "google"})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.ModelsResponse{Object: "list", Data: models})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results := runHealthChecks(ctx, h.checkers)
	status := "healthy"
	for _, res := range results {
		if res.Status != "ok" {
			status = "degraded"
			break
		}
	}

	resp := HealthStatus{Status: status, Checks: results, Version: Version}
	if h.settings != nil {
		resp.ConfigVersion = h.settings().Version
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// errorStatus maps a dispatch error to the HTTP status and error type
// reported to the client.
func errorStatus(err error) (int, string) {
	var de *domain.DispatchError
	if !errors.As(err, &de) {
		return http.StatusBadGateway, string(domain.KindFatal)
	}
	if de.Kind == domain.KindUnknownModel {
		return http.StatusBadRequest, string(de.Kind)
	}

	switch de.Reason {
	case domain.ReasonNoCapacity:
		return http.StatusServiceUnavailable, string(de.Reason)
	case domain.ReasonTimedOut:
		return http.StatusGatewayTimeout, string(de.Reason)
	default:
		return http.StatusBadGateway, string(domain.ReasonProviderRejected)
	}
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func errorBody(status int, kind, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    status,
		},
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody(status, kind, message))
}
