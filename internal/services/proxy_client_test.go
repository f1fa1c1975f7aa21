package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/proxy"
	"github.com/MegaGrindStone/chat-web-ui/internal/services"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func sseServer(t *testing.T, format string, events []string, got *proxy.ChatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("failed to decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(proxy.ProviderHeader, format)
		w.WriteHeader(http.StatusOK)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, client services.ProxyClient, req conversation.StreamRequest) ([]models.Fragment, error) {
	t.Helper()
	var fragments []models.Fragment
	for f, err := range client.Stream(context.Background(), req) {
		if err != nil {
			return fragments, err
		}
		fragments = append(fragments, f)
	}
	return fragments, nil
}

func TestProxyClientOpenAIStream(t *testing.T) {
	var got proxy.ChatRequest
	srv := sseServer(t, proxy.FormatOpenAI, []string{
		`{"choices":[{"delta":{"role":"assistant","content":""}}]}`,
		`{"choices":[{"delta":{"content":"Xin "}}]}`,
		`{"choices":[]}`,
		`{"choices":[{"delta":{"content":"chào"}}]}`,
		`{"choices":[{"delta":{"content":"","annotations":[{"type":"url_citation","url_citation":{"url":"https://a.example","title":"A"}}]}}]}`,
		`[DONE]`,
		`{"choices":[{"delta":{"content":"after done"}}]}`,
	}, &got)

	client := services.NewProxyClient(srv.URL, "free-model", 0, logger)
	fragments, err := collect(t, client, conversation.StreamRequest{
		History: []models.HistoryEntry{{Role: models.RoleUser, Text: "hi"}, {Role: models.RoleModel, Text: "hello"}},
		Text:    "Xin chào",
		Image:   &models.Image{MimeType: "image/png", Data: "aGk="},
		Search:  true,
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	if len(fragments) != 3 {
		t.Fatalf("got %d fragments, want 3: %+v", len(fragments), fragments)
	}
	var text strings.Builder
	for _, f := range fragments {
		text.WriteString(f.Text)
	}
	if text.String() != "Xin chào" {
		t.Errorf("text = %q, want %q", text.String(), "Xin chào")
	}
	last := fragments[2].Grounding
	if last == nil || len(last.Sources) != 1 || last.Sources[0].URI != "https://a.example" {
		t.Errorf("grounding = %+v, want one source", last)
	}

	if got.Model != "free-model" || got.NewMessage != "Xin chào" || !got.UseSearch {
		t.Errorf("request = %+v", got)
	}
	if len(got.History) != 2 || got.Image == nil || got.Image.MimeType != "image/png" {
		t.Errorf("request history/image = %+v / %+v", got.History, got.Image)
	}
}

func TestProxyClientGeminiStream(t *testing.T) {
	srv := sseServer(t, proxy.FormatGemini, []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Trời "}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"thinking","thought":true},{"text":"nắng."}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[]},"groundingMetadata":{"webSearchQueries":["thời tiết"],"groundingChunks":[{"web":{"uri":"https://w.example","title":"W"}}]}}]}`,
	}, nil)

	client := services.NewProxyClient(srv.URL, "gemini-flash", 0, logger)
	fragments, err := collect(t, client, conversation.StreamRequest{Text: "Thời tiết?"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if len(fragments) != 3 {
		t.Fatalf("got %d fragments, want 3", len(fragments))
	}
	if fragments[0].Text+fragments[1].Text != "Trời nắng." {
		t.Errorf("text = %q", fragments[0].Text+fragments[1].Text)
	}
	g := fragments[2].Grounding
	if g == nil || len(g.SearchQueries) != 1 || len(g.Sources) != 1 || g.Sources[0].Title != "W" {
		t.Errorf("grounding = %+v", g)
	}
}

func TestProxyClientFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "Error status with JSON body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(proxy.ErrorResponse{Error: "unknown model", Details: "nope"})
			},
			wantErr: "unknown model",
		},
		{
			name: "Malformed chunk",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
				fmt.Fprint(w, "data: {broken\n\n")
			},
			wantErr: "error unmarshaling response",
		},
		{
			name: "Upstream error chunk",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: {\"error\":{\"code\":502,\"message\":\"provider down\"}}\n\n")
			},
			wantErr: "provider down",
		},
		{
			name: "Gemini blocked prompt",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set(proxy.ProviderHeader, proxy.FormatGemini)
				fmt.Fprint(w, "data: {\"promptFeedback\":{\"blockReason\":\"SAFETY\"}}\n\n")
			},
			wantErr: "prompt blocked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			client := services.NewProxyClient(srv.URL, "m", 0, logger)
			_, err := collect(t, client, conversation.StreamRequest{Text: "hi"})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Stream() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProxyClientCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := services.NewProxyClient(srv.URL, "m", 0, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gotErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f, err := range client.Stream(ctx, conversation.StreamRequest{Text: "hi"}) {
			if err != nil {
				gotErr = err
				return
			}
			if f.Text == "partial" {
				cancel()
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after cancellation")
	}
	if gotErr == nil {
		t.Error("cancellation must surface as an error")
	}
}

func TestProxyClientPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	client := services.NewProxyClient(srv.URL, "m", time.Second, logger)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}

	srv.Close()
	if err := client.Ping(context.Background()); err == nil {
		t.Error("Ping() on a closed server should fail")
	}
}
