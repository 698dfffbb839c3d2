// Package sse writes Anthropic-style Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sx2000cn/antigravity-pool/pkg/anthropic"
)

// Writer streams SSE frames to a response writer, flushing after each
// event. Headers are committed on the first write, which lets callers
// fall back to a plain JSON error as long as nothing has been sent.
type Writer struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	committed bool
}

// NewWriter wraps w. Fails when the writer cannot flush, which SSE
// requires.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Committed reports whether any bytes have been written.
func (sw *Writer) Committed() bool {
	return sw.committed
}

func (sw *Writer) commit() {
	if sw.committed {
		return
	}
	header := sw.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.committed = true
}

// WriteEvent sends one Anthropic streaming event as an SSE frame named
// after the event's type.
func (sw *Writer) WriteEvent(event *anthropic.SSEEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return sw.writeFrame(string(event.Type), data)
}

// WriteError sends an error frame in the Anthropic error shape.
func (sw *Writer) WriteError(errorType, message string) error {
	data, err := json.Marshal(anthropic.NewErrorResponse(errorType, message))
	if err != nil {
		return err
	}
	return sw.writeFrame("error", data)
}

func (sw *Writer) writeFrame(name string, data []byte) error {
	sw.commit()
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
