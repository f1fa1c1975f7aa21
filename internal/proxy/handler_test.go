package proxy_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/proxy"
)

type fakeProvider struct {
	events []string
	err    error

	calls int
	got   proxy.UpstreamRequest
}

func (f *fakeProvider) Stream(_ context.Context, sw *proxy.StreamWriter, req proxy.UpstreamRequest) error {
	f.calls++
	f.got = req
	if len(f.events) == 0 && f.err != nil {
		return f.err
	}
	if err := sw.Start(proxy.FormatOpenAI); err != nil {
		return err
	}
	for _, e := range f.events {
		if err := sw.Event([]byte(e)); err != nil {
			return err
		}
	}
	return f.err
}

var testEnv = map[string]string{
	"OPENROUTER_API_KEY": "or-secret",
}

func testRoutes() proxy.Routes {
	return proxy.Routes{
		"deepseek-chat": {Provider: proxy.ProviderOpenRouter, Model: "deepseek/deepseek-chat", APIKeyEnv: "OPENROUTER_API_KEY"},
		"gemini-2.5-flash": {
			Provider:  proxy.ProviderGemini,
			Model:     "gemini-2.5-flash",
			APIKeyEnv: "GEMINI_API_KEY",
		},
		"llama3.2": {Provider: proxy.ProviderOllama, Model: "llama3.2"},
	}
}

func newTestHandler(providers map[string]proxy.Provider, metrics *proxy.Metrics) proxy.Handler {
	getenv := func(key string) string { return testEnv[key] }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return proxy.NewHandler(testRoutes(), providers, getenv, "You are helpful.", metrics, logger)
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) proxy.ErrorResponse {
	t.Helper()
	var e proxy.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return e
}

func TestHandlerPreflight(t *testing.T) {
	h := newTestHandler(nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Access-Control-Allow-Methods = %q, want POST allowed", got)
	}
}

func TestHandlerHealth(t *testing.T) {
	h := newTestHandler(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body struct {
		Status string   `json:"status"`
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	want := []string{"deepseek-chat", "gemini-2.5-flash", "llama3.2"}
	if strings.Join(body.Models, ",") != strings.Join(want, ",") {
		t.Errorf("models = %v, want %v", body.Models, want)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	h := newTestHandler(nil, nil)

	for _, method := range []string{http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req := httptest.NewRequest(method, "/", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want %d", method, rr.Code, http.StatusMethodNotAllowed)
		}
		if e := decodeError(t, rr); e.Error == "" {
			t.Errorf("%s: expected error message", method)
		}
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	provider := &fakeProvider{events: []string{"{}"}}
	h := newTestHandler(map[string]proxy.Provider{proxy.ProviderOpenRouter: provider}, nil)

	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{
			name:      "malformed body",
			body:      `{"model":`,
			wantError: "Invalid request body",
		},
		{
			name:      "missing model",
			body:      `{"history":[],"newMessage":"hi"}`,
			wantError: "Invalid request",
		},
		{
			name:      "empty message without image",
			body:      `{"model":"deepseek-chat","history":[],"newMessage":"   "}`,
			wantError: "Invalid request",
		},
		{
			name:      "unknown history role",
			body:      `{"model":"deepseek-chat","history":[{"role":"system","text":"x"}],"newMessage":"hi"}`,
			wantError: "Invalid request",
		},
		{
			name:      "image not base64",
			body:      `{"model":"deepseek-chat","history":[],"newMessage":"","image":{"mimeType":"image/png","data":"%%%"}}`,
			wantError: "Invalid request",
		},
		{
			name:      "unknown model",
			body:      `{"model":"gpt-9","history":[],"newMessage":"hi"}`,
			wantError: "Unknown model",
		},
		{
			name:      "provider not configured",
			body:      `{"model":"llama3.2","history":[],"newMessage":"hi"}`,
			wantError: "Provider is not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postChat(t, h, tt.body)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
			if got := rr.Header().Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", got)
			}
			if e := decodeError(t, rr); e.Error != tt.wantError {
				t.Errorf("error = %q, want %q", e.Error, tt.wantError)
			}
		})
	}

	if provider.calls != 0 {
		t.Errorf("provider called %d times, want 0", provider.calls)
	}
}

func TestHandlerMissingAPIKey(t *testing.T) {
	provider := &fakeProvider{events: []string{"{}"}}
	h := newTestHandler(map[string]proxy.Provider{proxy.ProviderGemini: provider}, nil)

	rr := postChat(t, h, `{"model":"gemini-2.5-flash","history":[],"newMessage":"hi"}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	body := rr.Body.String()
	if strings.Contains(body, "GEMINI_API_KEY") {
		t.Errorf("response leaks key variable name: %s", body)
	}
	if !strings.Contains(body, "Missing API key configuration") {
		t.Errorf("unexpected body: %s", body)
	}
	if provider.calls != 0 {
		t.Errorf("provider called %d times, want 0", provider.calls)
	}
}

func TestHandlerStreams(t *testing.T) {
	provider := &fakeProvider{events: []string{`{"a":1}`, `{"a":2}`, "[DONE]"}}
	h := newTestHandler(map[string]proxy.Provider{proxy.ProviderOpenRouter: provider}, nil)

	rr := postChat(t, h, `{
		"model": "deepseek-chat",
		"history": [{"role":"user","text":"Hi"},{"role":"model","text":"Hello!"}],
		"newMessage": "How are you?",
		"useSearch": true
	}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}
	if got := rr.Header().Get(proxy.ProviderHeader); got != proxy.FormatOpenAI {
		t.Errorf("%s = %q, want %q", proxy.ProviderHeader, got, proxy.FormatOpenAI)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	body := rr.Body.String()
	for _, want := range []string{`{"a":1}`, `{"a":2}`, "[DONE]"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q: %s", want, body)
		}
	}
	if strings.Contains(body, "or-secret") {
		t.Errorf("body leaks api key: %s", body)
	}

	got := provider.got
	if got.APIKey != "or-secret" {
		t.Errorf("APIKey = %q, want or-secret", got.APIKey)
	}
	if got.SystemPrompt != "You are helpful." {
		t.Errorf("SystemPrompt = %q", got.SystemPrompt)
	}
	if got.Route.Model != "deepseek/deepseek-chat" {
		t.Errorf("Route.Model = %q", got.Route.Model)
	}
	if !got.Chat.UseSearch || got.Chat.NewMessage != "How are you?" {
		t.Errorf("unexpected chat request: %+v", got.Chat)
	}
	if len(got.Chat.History) != 2 || got.Chat.History[1].Role != models.RoleModel {
		t.Errorf("unexpected history: %+v", got.Chat.History)
	}
}

func TestHandlerUpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "client error passes through",
			err:        &proxy.UpstreamError{Status: http.StatusUnauthorized, Message: "OpenRouter rejected the request", Details: "bad key"},
			wantStatus: http.StatusUnauthorized,
			wantError:  "OpenRouter rejected the request",
		},
		{
			name:       "rate limit passes through",
			err:        &proxy.UpstreamError{Status: http.StatusTooManyRequests, Message: "Too many requests"},
			wantStatus: http.StatusTooManyRequests,
			wantError:  "Too many requests",
		},
		{
			name:       "unclassified error",
			err:        errors.New("connection reset"),
			wantStatus: http.StatusBadGateway,
			wantError:  "Upstream request failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{err: tt.err}
			h := newTestHandler(map[string]proxy.Provider{proxy.ProviderOpenRouter: provider}, nil)

			rr := postChat(t, h, `{"model":"deepseek-chat","history":[],"newMessage":"hi"}`)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if e := decodeError(t, rr); e.Error != tt.wantError {
				t.Errorf("error = %q, want %q", e.Error, tt.wantError)
			}
		})
	}
}

func TestHandlerMidStreamError(t *testing.T) {
	provider := &fakeProvider{events: []string{`{"a":1}`}, err: errors.New("upstream went away")}
	h := newTestHandler(map[string]proxy.Provider{proxy.ProviderOpenRouter: provider}, nil)

	rr := postChat(t, h, `{"model":"deepseek-chat","history":[],"newMessage":"hi"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "event: error") && !strings.Contains(body, "event:error") {
		t.Errorf("body missing error event: %s", body)
	}
	if !strings.Contains(body, "upstream went away") {
		t.Errorf("body missing error message: %s", body)
	}
}

func TestHandlerMetrics(t *testing.T) {
	metrics := proxy.NewMetrics()
	provider := &fakeProvider{events: []string{"[DONE]"}}
	h := newTestHandler(map[string]proxy.Provider{proxy.ProviderOpenRouter: provider}, metrics)

	postChat(t, h, `{"model":"deepseek-chat","history":[],"newMessage":"hi"}`)
	postChat(t, h, `{"model":"unknown","history":[],"newMessage":"hi"}`)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	for _, want := range []string{
		`chatwebui_proxy_requests_total{provider="openrouter",status="200"} 1`,
		`chatwebui_proxy_requests_total{provider="none",status="400"} 1`,
		`chatwebui_proxy_upstream_duration_seconds_count{provider="openrouter"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}
