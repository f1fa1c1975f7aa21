package proxy

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

// ChatRequest is the JSON body accepted by the proxy.
type ChatRequest struct {
	Model      string                `json:"model"`
	History    []models.HistoryEntry `json:"history"`
	NewMessage string                `json:"newMessage"`
	UseSearch  bool                  `json:"useSearch"`
	Image      *models.Image         `json:"image,omitempty"`
}

// ErrorResponse is the JSON body of every non-streaming failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

const (
	// ProviderHeader tells the caller which chunk format the event stream carries.
	ProviderHeader = "X-Chat-Provider"

	// FormatOpenAI marks streams of OpenAI compatible chat completion chunks.
	FormatOpenAI = "openai"
	// FormatGemini marks streams of Gemini GenerateContentResponse objects.
	FormatGemini = "gemini"
)

func (r ChatRequest) validate() error {
	if r.Model == "" {
		return errors.New("model is required")
	}
	if strings.TrimSpace(r.NewMessage) == "" && r.Image == nil {
		return errors.New("newMessage or image is required")
	}
	for i, h := range r.History {
		if !h.Role.Valid() {
			return fmt.Errorf("history entry %d has unknown role %q", i, h.Role)
		}
	}
	if r.Image != nil {
		if r.Image.MimeType == "" {
			return errors.New("image mimeType is required")
		}
		if _, err := r.imageBytes(); err != nil {
			return fmt.Errorf("image data is not valid base64: %w", err)
		}
	}
	return nil
}

func (r ChatRequest) imageBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Image.Data)
}

func (r ChatRequest) imageDataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", r.Image.MimeType, r.Image.Data)
}
