// Package proxy implements the stateless HTTP endpoint forwarding chat requests to the upstream
// model providers. Provider keys stay on the proxy; callers only name a logical model.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Provider streams the answer of one upstream provider into sw. It must not touch sw before it
// knows the upstream accepted the request; early failures are returned as *UpstreamError.
type Provider interface {
	Stream(ctx context.Context, sw *StreamWriter, req UpstreamRequest) error
}

// UpstreamRequest is a validated chat request resolved to its route.
type UpstreamRequest struct {
	Route        Route
	APIKey       string
	SystemPrompt string
	Chat         ChatRequest
}

// Handler is the proxy endpoint. It answers OPTIONS with CORS preflight headers, GET with the list
// of served models and POST with the upstream event stream.
type Handler struct {
	routes       Routes
	providers    map[string]Provider
	getenv       func(string) string
	systemPrompt string

	metrics *Metrics
	logger  *slog.Logger
}

type healthResponse struct {
	Status string   `json:"status"`
	Models []string `json:"models"`
}

const (
	errLoggerKey = "err"

	maxRequestBytes = 20 << 20
)

// NewHandler creates a Handler. getenv resolves the API key variables named by the routes.
// metrics may be nil.
func NewHandler(
	routes Routes,
	providers map[string]Provider,
	getenv func(string) string,
	systemPrompt string,
	metrics *Metrics,
	logger *slog.Logger,
) Handler {
	return Handler{
		routes:       routes,
		providers:    providers,
		getenv:       getenv,
		systemPrompt: systemPrompt,
		metrics:      metrics,
		logger:       logger.With(slog.String("module", "proxy")),
	}
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Models: h.routes.Names()})
	case http.MethodPost:
		h.handleChat(w, r)
	default:
		h.logger.Warn("Method not allowed", slog.String("method", r.Method))
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "Method not allowed"})
	}
}

func (h Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.reject(w, "", http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		h.reject(w, "", http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Details: err.Error()})
		return
	}

	route, ok := h.routes[req.Model]
	if !ok {
		h.reject(w, "", http.StatusBadRequest, ErrorResponse{Error: "Unknown model", Details: req.Model})
		return
	}
	provider, ok := h.providers[route.Provider]
	if !ok {
		h.reject(w, route.Provider, http.StatusBadRequest, ErrorResponse{
			Error:   "Provider is not configured",
			Details: route.Provider,
		})
		return
	}

	var apiKey string
	if route.APIKeyEnv != "" {
		apiKey = h.getenv(route.APIKeyEnv)
		if apiKey == "" {
			h.logger.Error("Missing API key", slog.String("model", req.Model), slog.String("env", route.APIKeyEnv))
			h.reject(w, route.Provider, http.StatusBadRequest, ErrorResponse{
				Error:   "Missing API key configuration",
				Details: "model " + req.Model + " is not configured on the server",
			})
			return
		}
	}

	sw := newStreamWriter(w)
	start := time.Now()
	err := provider.Stream(r.Context(), sw, UpstreamRequest{
		Route:        route,
		APIKey:       apiKey,
		SystemPrompt: h.systemPrompt,
		Chat:         req,
	})
	h.metrics.observeUpstream(route.Provider, time.Since(start))
	if err == nil {
		h.metrics.countRequest(route.Provider, http.StatusOK)
		return
	}

	h.logger.Error("Upstream failed",
		slog.String("model", req.Model),
		slog.String("provider", route.Provider),
		slog.Bool("streaming", sw.Started()),
		slog.String(errLoggerKey, err.Error()))

	if sw.Started() {
		h.metrics.countRequest(route.Provider, http.StatusOK)
		if !errors.Is(err, context.Canceled) {
			_ = sw.ErrorEvent(err.Error())
		}
		return
	}

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		ue = &UpstreamError{Status: http.StatusBadGateway, Message: "Upstream request failed", Details: err.Error()}
	}
	h.reject(w, route.Provider, ue.Status, ErrorResponse{Error: ue.Message, Details: ue.Details})
}

func (h Handler) reject(w http.ResponseWriter, provider string, status int, body ErrorResponse) {
	h.metrics.countRequest(provider, status)
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
