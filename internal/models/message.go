package models

import (
	"slices"
	"time"
)

// Message represents an individual entry within a chat session. A user message is fixed at
// creation; a model message starts empty with IsStreaming set and grows until the stream reaches a
// terminal state.
type Message struct {
	ID          string             `json:"id"`
	Role        Role               `json:"role"`
	Content     string             `json:"content"`
	Image       *Image             `json:"image,omitempty"`
	IsStreaming bool               `json:"isStreaming"`
	Grounding   *GroundingMetadata `json:"groundingMetadata,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Image is an image attached to a user message. Data holds the base64 encoded payload.
type Image struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GroundingMetadata is the citation information a model attaches to its answer when it searched
// the web.
type GroundingMetadata struct {
	SearchQueries []string `json:"searchQueries,omitempty"`
	Sources       []Source `json:"sources,omitempty"`
}

// Source is a single cited web page.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

// Fragment is one incremental unit of a streamed model response. Either field may be empty.
type Fragment struct {
	Text      string
	Grounding *GroundingMetadata
}

// HistoryEntry is a prior turn sent to the model as context.
type HistoryEntry struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleModel represents a message produced by the model.
	RoleModel Role = "model"

	// FailureMessage replaces the content of a model message whose stream failed.
	FailureMessage = "Sorry, something went wrong while getting a response. Please try again."
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	if m.Image != nil {
		img := *m.Image
		m.Image = &img
	}
	m.Grounding = m.Grounding.Clone()
	return m
}

// Clone returns a deep copy of the metadata, or nil when g is nil.
func (g *GroundingMetadata) Clone() *GroundingMetadata {
	if g == nil {
		return nil
	}
	return &GroundingMetadata{
		SearchQueries: slices.Clone(g.SearchQueries),
		Sources:       slices.Clone(g.Sources),
	}
}

// ImageHistoryText stands in for the text of a user message that only carries an image.
const ImageHistoryText = "[Image]"

// History converts messages into the history entries sent upstream. Messages still streaming are
// skipped, so every answer stays paired with the user turn it replies to.
func History(messages []Message) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(messages))
	for _, msg := range messages {
		if msg.IsStreaming {
			continue
		}
		text := msg.Content
		if text == "" && msg.Image != nil {
			text = ImageHistoryText
		}
		entries = append(entries, HistoryEntry{
			Role: msg.Role,
			Text: text,
		})
	}
	return entries
}
