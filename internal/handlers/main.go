package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	chatwebui "github.com/MegaGrindStone/chat-web-ui"
	"github.com/MegaGrindStone/chat-web-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
	"github.com/tmaxmax/go-sse"
)

// Store is the read side of the session store the pages are rendered from, plus the session
// management operations exposed to the user.
type Store interface {
	CreateSession() string
	SelectSession(id string)
	ActiveSession() (string, bool)
	ListSessions() []models.SessionSummary
	Messages(sessionID string) ([]models.Message, error)
	Message(sessionID, messageID string) (models.Message, error)
}

// Controller starts send operations.
type Controller interface {
	Begin(req conversation.SendRequest) (*conversation.Turn, error)
}

// Preferences keeps the display theme.
type Preferences interface {
	LoadTheme(ctx context.Context) models.Theme
	SaveTheme(ctx context.Context, theme models.Theme)
}

// Main serves the web interface. It renders pages from store snapshots and pushes every store
// change to the connected browsers over server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  markdownRenderer

	store      Store
	controller Controller
	prefs      Preferences

	// Turns outlive the request that started them; they are cancelled on Shutdown.
	turnsCtx    context.Context
	cancelTurns context.CancelFunc

	logger *slog.Logger
}

const (
	sessionsSSETopic = "sessions"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance and parses the templates from the embedded filesystem. Main
// must be registered as the store listener to publish updates.
func NewMain(store Store, controller Controller, prefs Preferences, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		chatwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := Main{
		templates:   tmpl,
		markdown:    newMarkdownRenderer(),
		store:       store,
		controller:  controller,
		prefs:       prefs,
		turnsCtx:    ctx,
		cancelTurns: cancel,
		logger:      logger.With(slog.String("module", "handlers")),
	}
	m.sseSrv = &sse.Server{
		Provider: &sse.Joe{
			Replayer: finishedMessageReplayer{events: m.finishedMessageEvents},
		},
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			topics := []string{sse.DefaultTopic, sessionsSSETopic}

			// Message pages also follow the streaming answer.
			messageID := s.Req.URL.Query().Get("message_id")
			if messageID != "" {
				topics = append(topics, messageIDTopic(messageID))
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}
	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// OnSessionChange publishes the parts of the page affected by a store mutation.
func (m Main) OnSessionChange(event session.ChangeEvent) {
	switch event.Op {
	case session.OperationUpdateMessage:
		m.publishMessage(event.SessionID, event.MessageID)
	case session.OperationCreate, session.OperationAppend, session.OperationSelect:
		m.publishSessions()
	}
}

// Shutdown cancels the streaming turns and terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.cancelTurns()

	e := &sse.Message{Type: sse.Type("closeChat")}
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
