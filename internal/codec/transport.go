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

package codec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/logging"
)

// RawFrame is one outbound decode request.
type RawFrame struct {
	RequestID  string            `json:"requestId"`
	StreamName string            `json:"streamName"`
	Direction  string            `json:"direction"`
	Pin        string            `json:"pin,omitempty"`
	Messages   []RawFrameMessage `json:"messages"`
}

// RawFrameMessage carries one raw message; Timestamp is unix nanoseconds.
type RawFrameMessage struct {
	Sequence      int64  `json:"sequence"`
	Timestamp     int64  `json:"timestamp"`
	PayloadBase64 string `json:"payloadBase64"`
}

// DecodedFrame is one inbound decode response.
type DecodedFrame struct {
	RequestID string                `json:"requestId"`
	Messages  []DecodedFrameMessage `json:"messages"`
}

type DecodedFrameMessage struct {
	Sequence    int64           `json:"sequence"`
	MessageType string          `json:"messageType"`
	Body        json.RawMessage `json:"body"`
}

// Transport is a duplex connection to the decoder. Responses arrive in any
// order and are matched to requests by id.
type Transport interface {
	Send(ctx context.Context, frame *RawFrame) error
	Responses() <-chan *DecodedFrame
	Close() error
}

// maxReconnectBackoff caps the delay between reconnect attempts.
const maxReconnectBackoff = 30 * time.Second

// WSTransport speaks JSON frames over a websocket and reconnects with capped
// backoff when the connection drops. Sends fail while disconnected; the
// broker turns those into per-message decode notes.
type WSTransport struct {
	endpoint       string
	reconnectDelay time.Duration
	usePin         bool
	logger         zerolog.Logger

	mu   sync.Mutex // serializes writes and guards conn
	conn *websocket.Conn

	responses chan *DecodedFrame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type WSTransportOptions struct {
	Endpoint       string
	ReconnectDelay time.Duration
	UsePin         bool
}

// NewWSTransport starts the connection loop. A decoder that is down at
// startup is tolerated; the transport keeps dialing in the background.
func NewWSTransport(opts WSTransportOptions) *WSTransport {
	t := &WSTransport{
		endpoint:       opts.Endpoint,
		reconnectDelay: opts.ReconnectDelay,
		usePin:         opts.UsePin,
		logger:         logging.ForComponent("codec-transport"),
		responses:      make(chan *DecodedFrame, 64),
		done:           make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

func (t *WSTransport) run() {
	defer t.wg.Done()

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	delay := t.reconnectDelay

	for {
		conn, _, err := dialer.Dial(t.endpoint, nil)
		if err != nil {
			t.logger.Warn().
				Err(err).
				Str("endpoint", t.endpoint).
				Dur("retry_in", delay).
				Msg("codec dial failed")
			select {
			case <-t.done:
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxReconnectBackoff)
			continue
		}

		t.logger.Info().Str("endpoint", t.endpoint).Msg("codec connected")
		delay = t.reconnectDelay

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		t.readPump(conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()

		select {
		case <-t.done:
			return
		default:
		}
	}
}

// readPump delivers frames until the connection breaks.
func (t *WSTransport) readPump(conn *websocket.Conn) {
	for {
		frame := new(DecodedFrame)
		if err := conn.ReadJSON(frame); err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Warn().Err(err).Msg("codec connection lost")
			}
			return
		}
		select {
		case t.responses <- frame:
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) Send(ctx context.Context, frame *RawFrame) error {
	if t.usePin && frame.Pin == "" {
		frame.Pin = frame.StreamName + ":" + frame.Direction
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return fmt.Errorf("codec transport disconnected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	} else {
		t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := t.conn.WriteJSON(frame); err != nil {
		// force the read pump off the broken connection
		t.conn.Close()
		t.conn = nil
		return fmt.Errorf("write codec frame: %w", err)
	}
	return nil
}

func (t *WSTransport) Responses() <-chan *DecodedFrame {
	return t.responses
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.conn != nil {
			t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			t.conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
		t.wg.Wait()
	})
	return nil
}
