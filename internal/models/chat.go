package models

import (
	"time"
	"unicode/utf8"
)

// ChatSession represents a conversation container in the chat system. Its messages are kept in
// conversation order; only the most recent model message is ever mutated in place, and only while
// it is streaming.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionSummary is the read-only projection of a ChatSession used to list sessions.
type SessionSummary struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// Theme is the persisted display preference.
type Theme string

const (
	// DefaultSessionTitle is the title a session carries until its first user message arrives.
	DefaultSessionTitle = "New Chat"
	// ImageTitle is used as the title when the first user message only carries an image.
	ImageTitle = "Image"

	titleMaxLength = 30
	titleEllipsis  = "..."

	// ThemeLight is the default display theme.
	ThemeLight Theme = "light"
	// ThemeDark is the dark display theme.
	ThemeDark Theme = "dark"
)

// Valid reports whether t is one of the known themes.
func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark
}

// Summary returns the listing projection of the session.
func (c ChatSession) Summary() SessionSummary {
	return SessionSummary{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
	}
}

// Clone returns a deep copy of the session, sharing no mutable state with c.
func (c ChatSession) Clone() ChatSession {
	msgs := make([]Message, len(c.Messages))
	for i, msg := range c.Messages {
		msgs[i] = msg.Clone()
	}
	c.Messages = msgs
	return c
}

// TitleFromMessage derives a session title from the first user message. Text longer than 30
// characters is cut to 30 characters followed by an ellipsis; an empty text with an image yields
// ImageTitle. Length is measured in runes.
func TitleFromMessage(msg Message) string {
	text := msg.Content
	if text == "" {
		if msg.Image != nil {
			return ImageTitle
		}
		return DefaultSessionTitle
	}
	if utf8.RuneCountInString(text) <= titleMaxLength {
		return text
	}
	return string([]rune(text)[:titleMaxLength]) + titleEllipsis
}
