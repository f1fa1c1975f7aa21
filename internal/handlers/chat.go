package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
	"github.com/tmaxmax/go-sse"
)

type sessionView struct {
	ID    string
	Title string

	Active bool
}

type messageView struct {
	ID        string
	SessionID string
	Role      string
	Text      string
	HTML      template.HTML
	ImageURL  template.URL
	Grounding *models.GroundingMetadata
	CreatedAt time.Time

	StreamingState string
	Failed         bool
}

// SSE event types for real-time updates.
var (
	sessionsSSEType     = sse.Type("sessions")
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
)

const (
	streamingStatePending   = "pending"
	streamingStateStreaming = "streaming"
	streamingStateEnded     = "ended"

	maxUploadBytes = 10 << 20
)

var errNotAnImage = errors.New("attachment is not an image")

// HandleChats sends a message to the model through HTTP POST requests. It accepts the "message"
// form field, an optional "session_id" (the active session otherwise), an optional "search"
// checkbox and an optional "image" file. On success it renders the user message and the pending
// model message, whose content then arrives through SSE.
//
// Empty messages are rejected with 400, a send while another answer is streaming with 409 and an
// unknown session with 404.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		m.logger.Error("Failed to parse form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		sessionID, _ = m.store.ActiveSession()
	}

	image, err := imageFromForm(r)
	if err != nil {
		m.logger.Error("Failed to read image", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	turn, err := m.controller.Begin(conversation.SendRequest{
		SessionID: sessionID,
		Text:      r.FormValue("message"),
		Image:     image,
		Search:    r.FormValue("search") == "on",
	})
	if err != nil {
		status := sendErrorStatus(err)
		m.logger.Warn("Send rejected",
			slog.String("sessionID", sessionID),
			slog.Int("status", status),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), status)
		return
	}

	go turn.Stream(m.turnsCtx)

	um, err := m.messageView(sessionID, turn.UserMessage)
	if err != nil {
		m.logger.Error("Failed to render user message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "user_message", um); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	am, err := m.messageView(sessionID, turn.ModelMessage)
	if err != nil {
		m.logger.Error("Failed to render model message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "model_message", am); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSSE streams page updates. A client following a message that already finished receives
// its final content right away.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if events, ok := m.finishedMessageEvents(q.Get("session_id"), q.Get("message_id")); ok {
		m.serveEvents(w, events)
		return
	}
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) serveEvents(w http.ResponseWriter, events []*sse.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, ev := range events {
		if _, err := ev.WriteTo(w); err != nil {
			m.logger.Warn("Failed to write event", slog.String(errLoggerKey, err.Error()))
			return
		}
	}
	flusher.Flush()
}

// finishedMessageEvents returns the final content of the message followed by a close event, ok is
// false when the message is unknown or still streaming.
func (m Main) finishedMessageEvents(sessionID, messageID string) ([]*sse.Message, bool) {
	if sessionID == "" || messageID == "" {
		return nil, false
	}
	msg, err := m.store.Message(sessionID, messageID)
	if err != nil || msg.IsStreaming {
		return nil, false
	}
	content, err := m.renderModelContent(sessionID, msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		return nil, false
	}

	e := &sse.Message{Type: messagesSSEType}
	e.AppendData(content)
	c := &sse.Message{Type: closeMessageSSEType}
	c.AppendData("bye")
	return []*sse.Message{e, c}, true
}

// finishedMessageReplayer runs when a subscription is registered, in order with the published
// messages. A message that finished after HandleSSE looked at it and before the subscription
// existed is sent to the new client here.
type finishedMessageReplayer struct {
	events func(sessionID, messageID string) ([]*sse.Message, bool)
}

func (finishedMessageReplayer) Put(msg *sse.Message, _ []string) (*sse.Message, error) {
	return msg, nil
}

func (r finishedMessageReplayer) Replay(sub sse.Subscription) error {
	s, ok := sub.Client.(*sse.Session)
	if !ok {
		return nil
	}
	q := s.Req.URL.Query()
	events, ok := r.events(q.Get("session_id"), q.Get("message_id"))
	if !ok {
		return nil
	}
	for _, e := range events {
		if err := sub.Client.Send(e); err != nil {
			return err
		}
	}
	return sub.Client.Flush()
}

func (m Main) publishMessage(sessionID, messageID string) {
	msg, err := m.store.Message(sessionID, messageID)
	if err != nil {
		m.logger.Error("Failed to get message",
			slog.String("sessionID", sessionID),
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	content, err := m.renderModelContent(sessionID, msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(content)
	if err := m.sseSrv.Publish(&e, messageIDTopic(messageID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if msg.IsStreaming {
		return
	}
	c := sse.Message{Type: closeMessageSSEType}
	c.AppendData("bye")
	if err := m.sseSrv.Publish(&c, messageIDTopic(messageID)); err != nil {
		m.logger.Error("Failed to publish close message",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishSessions() {
	divs, err := m.sessionDivs()
	if err != nil {
		m.logger.Error("Failed to generate session divs", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: sessionsSSEType}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, sessionsSSETopic); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) sessionDivs() (string, error) {
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "session_list", m.sessionViews()); err != nil {
		return "", fmt.Errorf("failed to execute session_list template: %w", err)
	}
	return sb.String(), nil
}

func (m Main) sessionViews() []sessionView {
	activeID, _ := m.store.ActiveSession()
	summaries := m.store.ListSessions()
	views := make([]sessionView, len(summaries))
	for i, s := range summaries {
		views[i] = sessionView{
			ID:     s.ID,
			Title:  s.Title,
			Active: s.ID == activeID,
		}
	}
	return views
}

func (m Main) renderModelContent(sessionID string, msg models.Message) (string, error) {
	view, err := m.messageView(sessionID, msg)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "model_content", view); err != nil {
		return "", fmt.Errorf("failed to execute model_content template: %w", err)
	}
	return sb.String(), nil
}

func (m Main) messageView(sessionID string, msg models.Message) (messageView, error) {
	view := messageView{
		ID:             msg.ID,
		SessionID:      sessionID,
		Role:           string(msg.Role),
		Grounding:      msg.Grounding,
		CreatedAt:      msg.CreatedAt,
		StreamingState: streamingStateEnded,
	}
	if msg.Image != nil {
		view.ImageURL = imageURL(*msg.Image)
	}

	if msg.Role == models.RoleUser {
		view.Text = msg.Content
		return view, nil
	}

	switch {
	case msg.IsStreaming && msg.Content == "":
		view.StreamingState = streamingStatePending
	case msg.IsStreaming:
		view.StreamingState = streamingStateStreaming
	case msg.Content == models.FailureMessage:
		view.Failed = true
	}

	if msg.Content != "" {
		html, err := m.markdown.render(msg.Content)
		if err != nil {
			return messageView{}, err
		}
		view.HTML = html
	}
	return view, nil
}

// imageURL returns the data URL of an image, or an empty URL for anything that isn't a plain image
// type.
func imageURL(img models.Image) template.URL {
	mediaType, _, err := mime.ParseMediaType(img.MimeType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return ""
	}
	if _, err := base64.StdEncoding.DecodeString(img.Data); err != nil {
		return ""
	}
	return template.URL("data:" + mediaType + ";base64," + img.Data) //nolint:gosec
}

func imageFromForm(r *http.Request) (*models.Image, error) {
	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	mediaType, _, err := mime.ParseMediaType(header.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		mediaType, _, _ = mime.ParseMediaType(http.DetectContentType(data))
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, errNotAnImage
	}

	return &models.Image{
		MimeType: mediaType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

func sendErrorStatus(err error) int {
	switch {
	case errors.Is(err, conversation.ErrEmptySend):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrSendInFlight):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
