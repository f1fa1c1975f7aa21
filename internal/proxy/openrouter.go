package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenRouter forwards chat requests to OpenRouter's OpenAI compatible API and relays the upstream
// event stream byte for byte.
type OpenRouter struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

const (
	// OpenRouterAPIEndpoint is the default OpenRouter base URL.
	OpenRouterAPIEndpoint = "https://openrouter.ai/api/v1"

	openRouterOnlineSuffix = ":online"
)

// NewOpenRouter creates an OpenRouter provider talking to endpoint.
func NewOpenRouter(endpoint string, logger *slog.Logger) OpenRouter {
	return OpenRouter{
		endpoint: endpoint,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "openrouter")),
	}
}

// Stream implements Provider.
func (o OpenRouter) Stream(ctx context.Context, sw *StreamWriter, req UpstreamRequest) error {
	resp, err := o.doRequest(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := sw.Start(FormatOpenAI); err != nil {
		return err
	}

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := sw.Write(buf[:n]); werr != nil {
				return fmt.Errorf("error writing response: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading upstream response: %w", err)
		}
	}
}

func (o OpenRouter) doRequest(ctx context.Context, req UpstreamRequest) (*http.Response, error) {
	model := req.Route.Model
	if req.Chat.UseSearch {
		model += openRouterOnlineSuffix
	}

	reqBody := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: openRouterMessages(req.SystemPrompt, req.Chat),
		Stream:   true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/chat-web-ui/")
	httpReq.Header.Set("X-Title", "Chat Web UI")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{
			Status:  http.StatusBadGateway,
			Message: "Failed to reach OpenRouter",
			Details: err.Error(),
		}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		o.logger.Warn("OpenRouter rejected request",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))
		return nil, &UpstreamError{
			Status:  upstreamStatus(resp.StatusCode),
			Message: "OpenRouter rejected the request",
			Details: string(body),
		}
	}

	return resp, nil
}

func openRouterMessages(systemPrompt string, chat ChatRequest) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(chat.History)+2)
	if systemPrompt != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, h := range chat.History {
		role := goopenai.ChatMessageRoleUser
		if h.Role == models.RoleModel {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    role,
			Content: h.Text,
		})
	}

	if chat.Image == nil {
		return append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleUser,
			Content: chat.NewMessage,
		})
	}

	var parts []goopenai.ChatMessagePart
	if chat.NewMessage != "" {
		parts = append(parts, goopenai.ChatMessagePart{
			Type: goopenai.ChatMessagePartTypeText,
			Text: chat.NewMessage,
		})
	}
	parts = append(parts, goopenai.ChatMessagePart{
		Type: goopenai.ChatMessagePartTypeImageURL,
		ImageURL: &goopenai.ChatMessageImageURL{
			URL:    chat.imageDataURL(),
			Detail: goopenai.ImageURLDetailAuto,
		},
	})
	return append(msgs, goopenai.ChatCompletionMessage{
		Role:         goopenai.ChatMessageRoleUser,
		MultiContent: parts,
	})
}
