// Package conversation drives a single send operation from the user's input to the terminal
// state of the model's answer.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/assembler"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/session"
	"github.com/google/uuid"
)

// Transport obtains the streamed answer of the model. The returned sequence is finite, ordered and
// can only be consumed once. Cancelling ctx must end the sequence with an error.
type Transport interface {
	Stream(ctx context.Context, req StreamRequest) iter.Seq2[models.Fragment, error]
}

// Store is the subset of the session store the controller mutates.
type Store interface {
	Messages(sessionID string) ([]models.Message, error)
	AppendMessagePair(sessionID string, user, placeholder models.Message) error
	UpdateMessage(sessionID, messageID string, patch session.MessagePatch) error
}

// SearchPredicate decides from the user's text whether web search should be enabled.
type SearchPredicate func(text string) bool

// StreamRequest is what the transport needs to ask the model for the next answer. History only
// holds the turns that existed before the current user message.
type StreamRequest struct {
	History []models.HistoryEntry
	Text    string
	Image   *models.Image
	Search  bool
}

// SendRequest is the user's intent to send a message.
type SendRequest struct {
	SessionID string
	Text      string
	Image     *models.Image
	// Search forces web search on, regardless of the auto-search predicate.
	Search bool
}

// Controller orchestrates send operations. At most one turn is in flight per Controller; a send
// requested while a turn is streaming is rejected, never queued.
type Controller struct {
	store      Store
	transport  Transport
	autoSearch SearchPredicate

	inFlight atomic.Bool

	now    func() time.Time
	logger *slog.Logger
}

// Turn is an accepted send whose answer has not been streamed yet. Stream must be called exactly
// once, it releases the controller for the next send.
type Turn struct {
	SessionID    string
	UserMessage  models.Message
	ModelMessage models.Message

	c       *Controller
	request StreamRequest
	once    sync.Once
}

const errLoggerKey = "err"

var (
	// ErrEmptySend is returned when the text is blank and no image is attached.
	ErrEmptySend = errors.New("message is empty")
	// ErrSendInFlight is returned when a send is requested while another one is streaming.
	ErrSendInFlight = errors.New("another message is still streaming")
)

// NewController creates a Controller. autoSearch may be nil, in which case search is only enabled
// when requested explicitly.
func NewController(store Store, transport Transport, autoSearch SearchPredicate, logger *slog.Logger) *Controller {
	return &Controller{
		store:      store,
		transport:  transport,
		autoSearch: autoSearch,
		now:        time.Now,
		logger:     logger.With(slog.String("module", "conversation")),
	}
}

// InFlight reports whether a turn is currently streaming.
func (c *Controller) InFlight() bool {
	return c.inFlight.Load()
}

// Send appends the user message with its placeholder and streams the answer into the placeholder.
// It blocks until the answer reached a terminal state. The returned error is only non-nil when the
// send was rejected, in which case nothing was changed. Streaming failures are recovered into the
// placeholder.
func (c *Controller) Send(ctx context.Context, req SendRequest) error {
	turn, err := c.Begin(req)
	if err != nil {
		return err
	}
	turn.Stream(ctx)
	return nil
}

// Begin validates the request, appends the user message and the model placeholder, and marks the
// controller busy. It fails with ErrEmptySend, ErrSendInFlight or session.ErrSessionNotFound
// without any side effect.
func (c *Controller) Begin(req SendRequest) (*Turn, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && req.Image == nil {
		return nil, ErrEmptySend
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSendInFlight
	}

	turn, err := c.begin(req.SessionID, text, req.Image, req.Search)
	if err != nil {
		c.inFlight.Store(false)
		return nil, err
	}
	return turn, nil
}

func (c *Controller) begin(sessionID, text string, image *models.Image, search bool) (*Turn, error) {
	prior, err := c.store.Messages(sessionID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		Image:     image,
		CreatedAt: now,
	}
	am := models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleModel,
		IsStreaming: true,
		CreatedAt:   now,
	}
	if err := c.store.AppendMessagePair(sessionID, um, am); err != nil {
		c.logger.Error("Failed to append message pair",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return nil, err
	}

	if !search && c.autoSearch != nil {
		search = c.autoSearch(text)
	}

	return &Turn{
		SessionID:    sessionID,
		UserMessage:  um.Clone(),
		ModelMessage: am.Clone(),
		c:            c,
		request: StreamRequest{
			History: models.History(prior),
			Text:    text,
			Image:   image,
			Search:  search,
		},
	}, nil
}

// Stream consumes the transport's fragments into the placeholder until the sequence ends or fails.
// On failure the placeholder's content is replaced with models.FailureMessage. In every case the
// placeholder ends with IsStreaming false and the controller accepts sends again. Calls after the
// first one do nothing.
func (t *Turn) Stream(ctx context.Context) {
	t.once.Do(func() {
		defer t.c.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				t.fail(fmt.Errorf("panic while streaming: %v", r))
			}
		}()

		a := assembler.New()
		if err := t.consume(ctx, a); err != nil {
			t.fail(err)
			return
		}

		final := a.Finalize()
		if err := t.update(final, false); err != nil {
			t.fail(err)
			return
		}
		t.c.logger.Debug("Turn completed",
			slog.String("sessionID", t.SessionID),
			slog.String("messageID", t.ModelMessage.ID),
			slog.Int("length", len(final.Content)))
	})
}

func (t *Turn) consume(ctx context.Context, a *assembler.Assembler) error {
	for fragment, err := range t.c.transport.Stream(ctx, t.request) {
		if err != nil {
			return fmt.Errorf("error from transport: %w", err)
		}
		if err := t.update(a.ApplyFragment(fragment), true); err != nil {
			return err
		}
	}
	// A cancelled sequence may end without reporting it.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("stream cancelled: %w", err)
	}
	return nil
}

func (t *Turn) update(snap assembler.Snapshot, streaming bool) error {
	patch := session.MessagePatch{
		Content:       &snap.Content,
		Grounding:     snap.Grounding,
		DropGrounding: snap.Grounding == nil,
		IsStreaming:   &streaming,
	}
	if err := t.c.store.UpdateMessage(t.SessionID, t.ModelMessage.ID, patch); err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

func (t *Turn) fail(cause error) {
	t.c.logger.Error("Streaming failed",
		slog.String("sessionID", t.SessionID),
		slog.String("messageID", t.ModelMessage.ID),
		slog.String(errLoggerKey, cause.Error()))

	content := models.FailureMessage
	streaming := false
	err := t.c.store.UpdateMessage(t.SessionID, t.ModelMessage.ID, session.MessagePatch{
		Content:       &content,
		DropGrounding: true,
		IsStreaming:   &streaming,
	})
	if err != nil {
		t.c.logger.Error("Failed to finalize failed message",
			slog.String("sessionID", t.SessionID),
			slog.String("messageID", t.ModelMessage.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}
