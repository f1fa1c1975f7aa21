package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/conversation"
	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/MegaGrindStone/chat-web-ui/internal/proxy"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tmaxmax/go-sse"
	"google.golang.org/genai"
)

// ProxyClient implements conversation.Transport by posting the conversation to the chat proxy and
// decoding the event stream it forwards from the upstream provider.
type ProxyClient struct {
	endpoint string
	model    string

	client *http.Client

	logger *slog.Logger
}

// chunkDecoder turns the data of one event into a fragment. ok is false for events that carry
// nothing for the message.
type chunkDecoder interface {
	decode(data []byte) (fragment models.Fragment, ok bool, err error)
}

type openAIDecoder struct {
	sources []models.Source
}

type geminiDecoder struct{}

type openAIChunkExtras struct {
	Choices []struct {
		Delta struct {
			Annotations []openAIAnnotation `json:"annotations"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type openAIAnnotation struct {
	Type        string `json:"type"`
	URLCitation struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
}

const openAIDoneData = "[DONE]"

// NewProxyClient creates a ProxyClient posting to endpoint and asking for model. timeout bounds a
// whole turn, zero means no limit.
func NewProxyClient(endpoint, model string, timeout time.Duration, logger *slog.Logger) ProxyClient {
	return ProxyClient{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("module", "proxy_client")),
	}
}

// Stream posts the request and yields the decoded fragments in arrival order. Every failure,
// including cancellation of ctx, is yielded as an error and ends the sequence.
func (p ProxyClient) Stream(ctx context.Context, req conversation.StreamRequest) iter.Seq2[models.Fragment, error] {
	return func(yield func(models.Fragment, error) bool) {
		resp, err := p.doRequest(ctx, req)
		if err != nil {
			yield(models.Fragment{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		decoder := newChunkDecoder(resp.Header.Get(proxy.ProviderHeader))
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Fragment{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			p.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Type == "error" {
				yield(models.Fragment{}, fmt.Errorf("error from proxy: %s", ev.Data))
				return
			}
			if ev.Data == openAIDoneData {
				break
			}

			fragment, ok, err := decoder.decode([]byte(ev.Data))
			if err != nil {
				yield(models.Fragment{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(fragment, nil) {
				return
			}
		}

		if err := ctx.Err(); err != nil {
			yield(models.Fragment{}, err)
		}
	}
}

func (p ProxyClient) doRequest(ctx context.Context, req conversation.StreamRequest) (*http.Response, error) {
	reqBody := proxy.ChatRequest{
		Model:      p.model,
		History:    req.History,
		NewMessage: req.Text,
		UseSearch:  req.Search,
		Image:      req.Image,
	}
	if reqBody.History == nil {
		reqBody.History = []models.HistoryEntry{}
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		var e proxy.ErrorResponse
		if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
			return nil, fmt.Errorf("unexpected status code: %d, error: %s, details: %s", resp.StatusCode, e.Error, e.Details)
		}
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

func newChunkDecoder(format string) chunkDecoder {
	if format == proxy.FormatGemini {
		return geminiDecoder{}
	}
	return &openAIDecoder{}
}

func (o *openAIDecoder) decode(data []byte) (models.Fragment, bool, error) {
	var res goopenai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return models.Fragment{}, false, fmt.Errorf("error unmarshaling response: %w", err)
	}
	var extras openAIChunkExtras
	if err := json.Unmarshal(data, &extras); err != nil {
		return models.Fragment{}, false, fmt.Errorf("error unmarshaling response: %w", err)
	}
	if extras.Error != nil {
		return models.Fragment{}, false, fmt.Errorf("upstream error %v: %s", extras.Error.Code, extras.Error.Message)
	}

	if len(res.Choices) == 0 {
		return models.Fragment{}, false, nil
	}

	fragment := models.Fragment{Text: res.Choices[0].Delta.Content}

	// Citations may arrive over several chunks, the fragment carries all of them so far.
	if len(extras.Choices) > 0 && len(extras.Choices[0].Delta.Annotations) > 0 {
		for _, a := range extras.Choices[0].Delta.Annotations {
			if a.Type != "url_citation" || a.URLCitation.URL == "" {
				continue
			}
			src := models.Source{URI: a.URLCitation.URL, Title: a.URLCitation.Title}
			if !slices.Contains(o.sources, src) {
				o.sources = append(o.sources, src)
			}
		}
		fragment.Grounding = &models.GroundingMetadata{Sources: slices.Clone(o.sources)}
	}

	return fragment, fragment.Text != "" || fragment.Grounding != nil, nil
}

func (geminiDecoder) decode(data []byte) (models.Fragment, bool, error) {
	var res genai.GenerateContentResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return models.Fragment{}, false, fmt.Errorf("error unmarshaling response: %w", err)
	}

	if res.PromptFeedback != nil && res.PromptFeedback.BlockReason != "" {
		return models.Fragment{}, false, fmt.Errorf("prompt blocked: %s", res.PromptFeedback.BlockReason)
	}
	if len(res.Candidates) == 0 || res.Candidates[0] == nil {
		return models.Fragment{}, false, nil
	}

	cand := res.Candidates[0]
	var fragment models.Fragment
	if cand.Content != nil {
		var buf bytes.Buffer
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			buf.WriteString(part.Text)
		}
		fragment.Text = buf.String()
	}
	fragment.Grounding = geminiGrounding(cand.GroundingMetadata)

	return fragment, fragment.Text != "" || fragment.Grounding != nil, nil
}

func geminiGrounding(g *genai.GroundingMetadata) *models.GroundingMetadata {
	if g == nil {
		return nil
	}
	meta := &models.GroundingMetadata{
		SearchQueries: slices.Clone(g.WebSearchQueries),
	}
	for _, chunk := range g.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		meta.Sources = append(meta.Sources, models.Source{
			URI:   chunk.Web.URI,
			Title: chunk.Web.Title,
		})
	}
	if len(meta.SearchQueries) == 0 && len(meta.Sources) == 0 {
		return nil
	}
	return meta
}

// ErrProxyUnavailable is returned by Ping when the proxy can't be reached.
var ErrProxyUnavailable = errors.New("proxy unavailable")

// Ping checks that the proxy answers its health endpoint.
func (p ProxyClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProxyUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrProxyUnavailable, resp.StatusCode)
	}
	return nil
}
