package proxy

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

// StreamWriter writes the event stream answered to the caller. Nothing is sent before Start, so
// a provider failing early still lets the handler answer with a JSON error.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// UpstreamError is a failure of the upstream provider that happened before streaming started.
type UpstreamError struct {
	Status  int
	Message string
	Details string
}

var errStreamingUnsupported = errors.New("response writer does not support streaming")

func newStreamWriter(w http.ResponseWriter) *StreamWriter {
	f, _ := w.(http.Flusher)
	return &StreamWriter{w: w, flusher: f}
}

// Start sends the event stream headers, announcing the chunk format.
func (s *StreamWriter) Start(format string) error {
	if s.started {
		return nil
	}
	if s.flusher == nil {
		return errStreamingUnsupported
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(ProviderHeader, format)
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.started = true
	return nil
}

// Started reports whether the headers were sent.
func (s *StreamWriter) Started() bool {
	return s.started
}

// Write forwards raw bytes and flushes them.
func (s *StreamWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	s.flusher.Flush()
	return n, nil
}

// Event sends data as one SSE event.
func (s *StreamWriter) Event(data []byte) error {
	msg := &sse.Message{}
	msg.AppendData(string(data))
	return s.send(msg)
}

// ErrorEvent sends an event of type "error" telling the caller the stream failed midway.
func (s *StreamWriter) ErrorEvent(message string) error {
	msg := &sse.Message{Type: sse.Type("error")}
	msg.AppendData(message)
	return s.send(msg)
}

func (s *StreamWriter) send(msg *sse.Message) error {
	if _, err := msg.WriteTo(s.w); err != nil {
		return fmt.Errorf("error writing event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (e *UpstreamError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("upstream error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error %d: %s: %s", e.Status, e.Message, e.Details)
}

// upstreamStatus keeps client errors of the provider and maps everything else to 502.
func upstreamStatus(code int) int {
	if code >= 400 && code < 500 {
		return code
	}
	return http.StatusBadGateway
}
