// Copyright 2024-2025 Dillon Rush
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sse serializes search results as server-sent events. One Writer
// owns one connection; the search goroutine and the keep-alive goroutine
// write through it concurrently.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// Frame kinds
const (
	KindEvent     = "event"
	KindMessage   = "message"
	KindKeepAlive = "keep_alive"
	KindError     = "error"
	KindClose     = "close"
)

// Writer emits SSE frames with per-connection monotonic ids. Writes are
// mutex-serialized; frames are flushed immediately so records reach the
// client as they are found. After Close every write reports the stream
// closed.
type Writer struct {
	mu      sync.Mutex
	rw      http.ResponseWriter
	flusher http.Flusher
	nextID  uint64
	closed  bool
}

// NewWriter prepares the response for event streaming and sends the headers.
// The response writer must support flushing.
func NewWriter(rw http.ResponseWriter) (*Writer, error) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		return nil, errs.New(errs.KindInternal, "response writer does not support streaming")
	}

	h := rw.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{rw: rw, flusher: flusher}, nil
}

// WriteEvent emits one event frame. The payload is the prepared wire entity,
// full or metadata-only.
func (w *Writer) WriteEvent(entity any) error {
	return w.write(KindEvent, entity)
}

// WriteMessage emits one message frame.
func (w *Writer) WriteMessage(entity any) error {
	return w.write(KindMessage, entity)
}

// WriteKeepAlive emits the latest scan position.
func (w *Writer) WriteKeepAlive(info records.LastScannedObjectInfo) error {
	return w.write(KindKeepAlive, info)
}

type errorPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteError emits the terminal error frame of a failed search.
func (w *Writer) WriteError(kind errs.Kind, message, requestID string) error {
	return w.write(KindError, errorPayload{Kind: kind.String(), Message: message, RequestID: requestID})
}

// WriteClose emits the frame that tells the client the search is over and no
// reconnect is wanted.
func (w *Writer) WriteClose() error {
	return w.write(KindClose, struct{}{})
}

// Close stops the writer. Idempotent; concurrent writers observe the closed
// state on their next write.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *Writer) write(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal sse frame", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errs.New(errs.KindCancelled, "sse stream closed")
	}

	w.nextID++
	if _, err := fmt.Fprintf(w.rw, "id: %d\nevent: %s\ndata: %s\n\n", w.nextID, kind, data); err != nil {
		// a failed write means the client went away
		return errs.Wrap(errs.KindCancelled, "sse write", err)
	}
	w.flusher.Flush()
	return nil
}

// RunKeepAlive writes keep-alive frames every interval until the context ends
// or the connection drops. last yields the current scan position; it is read
// fresh on every tick.
func RunKeepAlive(ctx context.Context, w *Writer, interval time.Duration, last func() records.LastScannedObjectInfo) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.WriteKeepAlive(last()); err != nil {
				return
			}
		}
	}
}
