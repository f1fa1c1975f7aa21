package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/google/uuid"
	"github.com/ollama/ollama/api"
	goopenai "github.com/sashabaranov/go-openai"
)

// Ollama serves models from a local Ollama server. Its answers are re-encoded as OpenAI compatible
// chunks so callers decode them like OpenRouter streams. Web search is not available.
type Ollama struct {
	client *api.Client

	logger *slog.Logger
}

// NewOllama creates an Ollama provider for the server at host.
func NewOllama(host string, logger *slog.Logger) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host: %w", err)
	}

	return Ollama{
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

// Stream implements Provider.
func (o Ollama) Stream(ctx context.Context, sw *StreamWriter, req UpstreamRequest) error {
	msgs, err := ollamaMessages(req.SystemPrompt, req.Chat)
	if err != nil {
		return &UpstreamError{Status: http.StatusBadRequest, Message: "Invalid image", Details: err.Error()}
	}
	if req.Chat.UseSearch {
		o.logger.Debug("Web search is not supported, ignoring", slog.String("model", req.Route.Model))
	}

	t := true
	chatReq := api.ChatRequest{
		Model:    req.Route.Model,
		Messages: msgs,
		Stream:   &t,
	}

	id := "chatcmpl-" + uuid.New().String()
	err = o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
		if err := sw.Start(FormatOpenAI); err != nil {
			return err
		}

		chunk := goopenai.ChatCompletionStreamResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   req.Route.Model,
			Choices: []goopenai.ChatCompletionStreamChoice{
				{
					Delta: goopenai.ChatCompletionStreamChoiceDelta{
						Role:    goopenai.ChatMessageRoleAssistant,
						Content: res.Message.Content,
					},
				},
			},
		}
		if res.Done {
			chunk.Choices[0].FinishReason = goopenai.FinishReasonStop
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("error marshaling chunk: %w", err)
		}
		return sw.Event(data)
	})
	if err != nil {
		if sw.Started() {
			return fmt.Errorf("error receiving response: %w", err)
		}
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return &UpstreamError{
				Status:  upstreamStatus(statusErr.StatusCode),
				Message: "Ollama rejected the request",
				Details: statusErr.ErrorMessage,
			}
		}
		return &UpstreamError{Status: http.StatusBadGateway, Message: "Ollama request failed", Details: err.Error()}
	}

	if err := sw.Start(FormatOpenAI); err != nil {
		return err
	}
	return sw.Event([]byte("[DONE]"))
}

func ollamaMessages(systemPrompt string, chat ChatRequest) ([]api.Message, error) {
	msgs := make([]api.Message, 0, len(chat.History)+2)
	for _, h := range chat.History {
		role := "user"
		if h.Role == models.RoleModel {
			role = "assistant"
		}
		msgs = append(msgs, api.Message{Role: role, Content: h.Text})
	}

	last := api.Message{Role: "user", Content: chat.NewMessage}
	if chat.Image != nil {
		data, err := chat.imageBytes()
		if err != nil {
			return nil, err
		}
		last.Images = []api.ImageData{data}
	}
	msgs = append(msgs, last)

	if systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, api.Message{Role: "system", Content: systemPrompt})
	}
	return msgs, nil
}
