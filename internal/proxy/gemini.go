package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"google.golang.org/genai"
)

// GeminiModels is the part of the genai client used to stream answers.
type GeminiModels interface {
	GenerateContentStream(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiClientFunc creates a GeminiModels for an API key.
type GeminiClientFunc func(ctx context.Context, apiKey string) (GeminiModels, error)

// Gemini streams answers from the Gemini API, re-emitting every GenerateContentResponse as one
// event.
type Gemini struct {
	newClient GeminiClientFunc

	logger *slog.Logger
}

// NewGemini creates a Gemini provider. newClient may be nil to use the genai SDK.
func NewGemini(newClient GeminiClientFunc, logger *slog.Logger) Gemini {
	if newClient == nil {
		newClient = newGenaiModels
	}
	return Gemini{
		newClient: newClient,
		logger:    logger.With(slog.String("module", "gemini")),
	}
}

func newGenaiModels(ctx context.Context, apiKey string) (GeminiModels, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return client.Models, nil
}

// Stream implements Provider.
func (g Gemini) Stream(ctx context.Context, sw *StreamWriter, req UpstreamRequest) error {
	client, err := g.newClient(ctx, req.APIKey)
	if err != nil {
		return &UpstreamError{Status: http.StatusBadGateway, Message: "Failed to create Gemini client", Details: err.Error()}
	}

	contents, err := geminiContents(req.Chat)
	if err != nil {
		return &UpstreamError{Status: http.StatusBadRequest, Message: "Invalid image", Details: err.Error()}
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Chat.UseSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	for res, err := range client.GenerateContentStream(ctx, req.Route.Model, contents, cfg) {
		if err != nil {
			if sw.Started() {
				return fmt.Errorf("error receiving response: %w", err)
			}
			return geminiUpstreamError(err)
		}
		if err := sw.Start(FormatGemini); err != nil {
			return err
		}

		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("error marshaling response: %w", err)
		}
		if err := sw.Event(data); err != nil {
			return err
		}
	}

	// An answer without any chunk still has to open the stream.
	return sw.Start(FormatGemini)
}

func geminiContents(chat ChatRequest) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(chat.History)+1)
	for _, h := range chat.History {
		role := genai.Role(genai.RoleUser)
		if h.Role == models.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(h.Text, role))
	}

	var parts []*genai.Part
	if chat.NewMessage != "" {
		parts = append(parts, genai.NewPartFromText(chat.NewMessage))
	}
	if chat.Image != nil {
		data, err := chat.imageBytes()
		if err != nil {
			return nil, err
		}
		parts = append(parts, genai.NewPartFromBytes(data, chat.Image.MimeType))
	}
	return append(contents, genai.NewContentFromParts(parts, genai.RoleUser)), nil
}

func geminiUpstreamError(err error) *UpstreamError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{
			Status:  upstreamStatus(apiErr.Code),
			Message: "Gemini rejected the request",
			Details: apiErr.Message,
		}
	}
	return &UpstreamError{Status: http.StatusBadGateway, Message: "Gemini request failed", Details: err.Error()}
}
