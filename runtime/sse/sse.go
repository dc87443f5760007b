// Package sse implements Server-Sent Events framing for run events. Each event
// is written as a single frame:
//
//	data: <json>\n\n
//
// where <json> is the event encoding produced by event.Marshal. Writer is a
// stream.Sink over an HTTP response; Decoder reads frames back into events.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"goa.design/agui/runtime/event"
	"goa.design/agui/runtime/stream"
)

// ContentType is the media type of an SSE response.
const ContentType = "text/event-stream"

// maxFrameSize bounds a single decoded frame.
const maxFrameSize = 8 << 20

type (
	// Writer writes run events to an HTTP response as SSE frames, flushing
	// after every frame.
	Writer struct {
		mu      sync.Mutex
		w       io.Writer
		flusher http.Flusher
		closed  bool
	}

	// Decoder reads SSE frames carrying run events.
	Decoder struct {
		scanner *bufio.Scanner
	}
)

var _ stream.Sink = (*Writer)(nil)

// NewWriter prepares w for streaming: it sets the SSE headers and writes the
// status line. It returns an error when w cannot be flushed incrementally.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes e as a single frame and flushes it.
func (w *Writer) Send(_ context.Context, e event.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return stream.ErrClosed
	}
	if err := Encode(w.w, e); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Close stops the writer. The underlying response is left to the HTTP server.
func (w *Writer) Close(context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

// Encode writes e to w as a single SSE frame.
func Encode(w io.Writer, e event.Event) error {
	data, err := event.Marshal(e)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 8)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("sse: write frame: %w", err)
	}
	return nil
}

// NewDecoder returns a decoder reading frames from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Decoder{scanner: s}
}

// Decode returns the next event. Comment lines and the event, id and retry
// fields are ignored; multiple data lines in one frame are joined with a
// newline. Decode returns io.EOF once the input is exhausted.
func (d *Decoder) Decode() (event.Event, error) {
	var data []string
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if len(data) == 0 {
				continue
			}
			return event.Unmarshal([]byte(strings.Join(data, "\n")))
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			data = append(data, value)
		}
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("sse: read frame: %w", err)
	}
	if len(data) > 0 {
		return event.Unmarshal([]byte(strings.Join(data, "\n")))
	}
	return nil, io.EOF
}
