package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
	"github.com/tmaxmax/go-sse"
)

func replayTo(t *testing.T, r finishedMessageReplayer, target string) []string {
	t.Helper()

	rr := httptest.NewRecorder()
	s, err := sse.Upgrade(rr, httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("Upgrade() error = %v", err)
	}
	if err := r.Replay(sse.Subscription{Client: s, Topics: []string{sse.DefaultTopic}}); err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	var types []string
	for ev, err := range sse.Read(rr.Body, nil) {
		if err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		types = append(types, ev.Type)
		if ev.Type == "messages" && !strings.Contains(ev.Data, "<strong>Done</strong>") {
			t.Errorf("unexpected message content: %s", ev.Data)
		}
	}
	return types
}

func TestFinishedMessageReplayer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewStore(nil, nil, logger)
	sessionID := store.CreateSession()

	user := models.Message{ID: "u1", Role: models.RoleUser, Content: "hi"}
	placeholder := models.Message{ID: "m1", Role: models.RoleModel, IsStreaming: true}
	if err := store.AppendMessagePair(sessionID, user, placeholder); err != nil {
		t.Fatal(err)
	}

	m, err := NewMain(store, nil, nil, logger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	r := finishedMessageReplayer{events: m.finishedMessageEvents}
	target := "/sse?session_id=" + sessionID + "&message_id=m1"

	if types := replayTo(t, r, target); len(types) != 0 {
		t.Errorf("streaming message replayed %v, want nothing", types)
	}

	// No listener is registered, so the final update is never published.
	content, streaming := "**Done**", false
	patch := session.MessagePatch{Content: &content, IsStreaming: &streaming}
	if err := store.UpdateMessage(sessionID, "m1", patch); err != nil {
		t.Fatal(err)
	}

	types := replayTo(t, r, target)
	if strings.Join(types, ",") != "messages,closeMessage" {
		t.Errorf("event types = %v, want [messages closeMessage]", types)
	}

	if types := replayTo(t, r, "/sse"); len(types) != 0 {
		t.Errorf("page subscription replayed %v, want nothing", types)
	}
}
