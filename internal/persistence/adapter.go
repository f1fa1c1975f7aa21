// Package persistence makes the session collection and the display preference durable across
// restarts on top of a simple key-value substrate.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

// Substrate is a durable key-value store. Get returns ErrNotFound when the key was never written.
type Substrate interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Adapter serializes sessions and the theme into a Substrate. Durability is best-effort: write
// failures are logged and swallowed, read failures are reported as "nothing stored".
type Adapter struct {
	substrate Substrate
	logger    *slog.Logger
}

const (
	// SessionsKey holds the JSON encoded session collection.
	SessionsKey = "sessions"
	// ThemeKey holds the display theme.
	ThemeKey = "theme"

	errLoggerKey = "err"
)

// ErrNotFound is returned by substrates for keys that were never written.
var ErrNotFound = errors.New("key not found")

// NewAdapter creates an Adapter on top of substrate.
func NewAdapter(substrate Substrate, logger *slog.Logger) Adapter {
	return Adapter{
		substrate: substrate,
		logger:    logger.With(slog.String("module", "persistence")),
	}
}

// Save writes the full ordered session collection.
func (a Adapter) Save(ctx context.Context, sessions []models.ChatSession) {
	v, err := json.Marshal(sessions)
	if err != nil {
		a.logger.Error("Failed to marshal sessions", slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := a.substrate.Put(ctx, SessionsKey, v); err != nil {
		a.logger.Error("Failed to save sessions",
			slog.Int("count", len(sessions)),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Load reads the stored session collection. ok is false when nothing was stored or the payload
// can't be used.
func (a Adapter) Load(ctx context.Context) ([]models.ChatSession, bool) {
	v, err := a.substrate.Get(ctx, SessionsKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.logger.Error("Failed to read sessions", slog.String(errLoggerKey, err.Error()))
		}
		return nil, false
	}

	sessions, err := decodeSessions(v)
	if err != nil {
		a.logger.Warn("Ignoring stored sessions", slog.String(errLoggerKey, err.Error()))
		return nil, false
	}
	return sessions, true
}

// SaveTheme writes the display theme.
func (a Adapter) SaveTheme(ctx context.Context, theme models.Theme) {
	if err := a.substrate.Put(ctx, ThemeKey, []byte(theme)); err != nil {
		a.logger.Error("Failed to save theme",
			slog.String("theme", string(theme)),
			slog.String(errLoggerKey, err.Error()))
	}
}

// LoadTheme reads the display theme, falling back to models.ThemeLight.
func (a Adapter) LoadTheme(ctx context.Context) models.Theme {
	v, err := a.substrate.Get(ctx, ThemeKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.logger.Error("Failed to read theme", slog.String(errLoggerKey, err.Error()))
		}
		return models.ThemeLight
	}
	theme := models.Theme(v)
	if !theme.Valid() {
		return models.ThemeLight
	}
	return theme
}

func decodeSessions(v []byte) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	if err := json.Unmarshal(v, &sessions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
	}
	for _, sess := range sessions {
		if sess.ID == "" {
			return nil, errors.New("session without id")
		}
		for _, msg := range sess.Messages {
			if !msg.Role.Valid() {
				return nil, fmt.Errorf("message %s of session %s has unknown role %q", msg.ID, sess.ID, msg.Role)
			}
		}
	}
	return sessions, nil
}
