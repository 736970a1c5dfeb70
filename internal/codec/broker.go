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

// Package codec brokers decode round-trips to an external decoder over a
// duplex transport. At most one request per fingerprint is in flight;
// admission is bounded; every request resolves exactly once.
package codec

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/logging"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/metrics"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/syncmap"
)

// admissionPoll is how often a blocked Decode re-checks the pending count.
const admissionPoll = 100 * time.Millisecond

// PendingRequest tracks one in-flight decode round-trip. It is owned by the
// broker from insertion until resolution; resolve runs exactly once.
type PendingRequest struct {
	id     string
	batch  *records.MessageBatch
	sentAt time.Time
	timer  *time.Timer

	resolveOnce sync.Once
	done        chan struct{}
	result      *records.MessageBatch // nil when the round-trip failed
	failure     errs.Kind
}

func (p *PendingRequest) resolve(result *records.MessageBatch, failure errs.Kind) {
	p.resolveOnce.Do(func() {
		p.result = result
		p.failure = failure
		if p.timer != nil {
			p.timer.Stop()
		}
		metrics.CodecPending.Dec()
		close(p.done)
	})
}

// BrokerOptions configures a Broker.
type BrokerOptions struct {
	ResponseTimeout time.Duration
	PendingLimit    int
	SendWorkers     int
	CallbackWorkers int
}

// Broker dispatches decode requests through a Transport and correlates
// responses by request id.
type Broker struct {
	transport Transport
	opts      BrokerOptions
	logger    zerolog.Logger

	pending   syncmap.SyncMap[string, *PendingRequest]
	sendQueue chan *PendingRequest

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewBroker(transport Transport, opts BrokerOptions) *Broker {
	b := &Broker{
		transport: transport,
		opts:      opts,
		logger:    logging.ForComponent("codec-broker"),
		sendQueue: make(chan *PendingRequest, opts.PendingLimit),
		done:      make(chan struct{}),
	}

	for i := 0; i < opts.SendWorkers; i++ {
		b.wg.Add(1)
		go b.sendWorker()
	}
	for i := 0; i < opts.CallbackWorkers; i++ {
		b.wg.Add(1)
		go b.callbackWorker()
	}
	return b
}

// Decode sends one batch for decoding and waits for the response. An
// identical in-flight request is joined instead of re-sent. Timeouts and
// dispatch failures are not errors: the returned batch then carries the raw
// payloads with a per-message diagnostic note. The only error causes are
// context cancellation and broker shutdown.
func (b *Broker) Decode(ctx context.Context, req *records.CodecRequest) (*records.MessageBatch, error) {
	if err := b.admit(ctx); err != nil {
		return nil, err
	}

	p := &PendingRequest{
		id:    req.RequestID,
		batch: req.Batch,
		done:  make(chan struct{}),
	}

	actual, loaded := b.pending.LoadOrStore(req.RequestID, p)
	if loaded {
		// same fingerprint already in flight; share its round-trip
		return b.await(ctx, actual)
	}

	metrics.CodecPending.Inc()
	p.sentAt = time.Now()
	p.timer = time.AfterFunc(b.opts.ResponseTimeout, func() { b.expire(p) })

	select {
	case b.sendQueue <- p:
	case <-ctx.Done():
		if b.pending.CompareAndDelete(p.id, p) {
			p.resolve(nil, errs.KindCancelled)
		}
		return nil, errs.Wrap(errs.KindCancelled, "queue decode request", ctx.Err())
	case <-b.done:
		if b.pending.CompareAndDelete(p.id, p) {
			p.resolve(nil, errs.KindCodecDispatchFailed)
		}
		return nil, errs.New(errs.KindCodecDispatchFailed, "codec broker closed")
	}

	return b.await(ctx, p)
}

// admit blocks while the pending map is full.
func (b *Broker) admit(ctx context.Context) error {
	for b.pending.Len() >= b.opts.PendingLimit {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "codec admission", ctx.Err())
		case <-b.done:
			return errs.New(errs.KindCodecDispatchFailed, "codec broker closed")
		case <-time.After(admissionPoll):
		}
	}
	return nil
}

func (b *Broker) await(ctx context.Context, p *PendingRequest) (*records.MessageBatch, error) {
	select {
	case <-ctx.Done():
		// the slot stays; other waiters may still use the result and the
		// deadline timer reclaims it
		return nil, errs.Wrap(errs.KindCancelled, "await decode response", ctx.Err())
	case <-p.done:
		if p.result != nil {
			return p.result, nil
		}
		return substituteBatch(p.batch, p.failure), nil
	}
}

// expire fires on the response deadline. The compare-and-delete identity
// check keeps a stale timer from evicting a successor slot that reused the
// fingerprint.
func (b *Broker) expire(p *PendingRequest) {
	if !b.pending.CompareAndDelete(p.id, p) {
		return
	}
	b.logger.Warn().
		Str("request_id", p.id).
		Dur("timeout", b.opts.ResponseTimeout).
		Msg("codec response deadline reached")
	metrics.CodecFailures.WithLabelValues("timeout").Inc()
	p.resolve(nil, errs.KindCodecTimeout)
}

func (b *Broker) sendWorker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case p := <-b.sendQueue:
			frame := buildRawFrame(p.batch, p.id)
			if err := b.transport.Send(context.Background(), frame); err == nil {
				continue
			} else if b.pending.CompareAndDelete(p.id, p) {
				b.logger.Warn().
					Err(err).
					Str("request_id", p.id).
					Msg("codec dispatch failed")
				metrics.CodecFailures.WithLabelValues("dispatch").Inc()
				p.resolve(nil, errs.KindCodecDispatchFailed)
			}
		}
	}
}

func (b *Broker) callbackWorker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case frame, ok := <-b.transport.Responses():
			if !ok {
				return
			}
			p, found := b.pending.LoadAndDelete(frame.RequestID)
			if !found {
				b.logger.Warn().
					Str("request_id", frame.RequestID).
					Msg("dropping unmatched codec response")
				continue
			}
			metrics.CodecLatency.Observe(time.Since(p.sentAt).Seconds())
			p.resolve(unpackFrame(p.batch, frame), errs.KindUnknown)
		}
	}
}

// Close resolves every pending request to its raw substitute and stops the
// workers. The transport is owned by the caller.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.pending.Range(func(id string, p *PendingRequest) bool {
			if b.pending.CompareAndDelete(id, p) {
				metrics.CodecFailures.WithLabelValues("shutdown").Inc()
				p.resolve(nil, errs.KindCodecDispatchFailed)
			}
			return true
		})
		b.wg.Wait()
	})
}

func buildRawFrame(batch *records.MessageBatch, requestID string) *RawFrame {
	frame := &RawFrame{
		RequestID:  requestID,
		StreamName: batch.StreamKey.Name,
		Direction:  batch.StreamKey.Direction.String(),
		Messages:   make([]RawFrameMessage, len(batch.Messages)),
	}
	for i := range batch.Messages {
		m := &batch.Messages[i]
		frame.Messages[i] = RawFrameMessage{
			Sequence:      m.ID.Sequence,
			Timestamp:     m.ID.Timestamp.UnixNano(),
			PayloadBase64: base64.StdEncoding.EncodeToString(m.Payload),
		}
	}
	return frame
}

// unpackFrame merges the decoded fields back into a copy of the raw batch,
// preserving framing and order. Messages missing from the response keep
// their raw form with a note.
func unpackFrame(batch *records.MessageBatch, frame *DecodedFrame) *records.MessageBatch {
	bySeq := make(map[int64]*DecodedFrameMessage, len(frame.Messages))
	for i := range frame.Messages {
		bySeq[frame.Messages[i].Sequence] = &frame.Messages[i]
	}

	out := &records.MessageBatch{
		BatchID:   batch.BatchID,
		StreamKey: batch.StreamKey,
		Messages:  make([]records.Message, len(batch.Messages)),
	}
	for i := range batch.Messages {
		msg := batch.Messages[i]
		if d, ok := bySeq[msg.ID.Sequence]; ok {
			if d.MessageType != "" {
				msg.MessageType = d.MessageType
			}
			msg.Body = d.Body
		} else {
			msg.DecodeNote = "no decoded form in codec response"
		}
		out.Messages[i] = msg
	}
	return out
}

func substituteBatch(batch *records.MessageBatch, failure errs.Kind) *records.MessageBatch {
	note := "codec dispatch failed, body unavailable"
	if failure == errs.KindCodecTimeout {
		note = "codec response timed out, body unavailable"
	}

	out := &records.MessageBatch{
		BatchID:   batch.BatchID,
		StreamKey: batch.StreamKey,
		Messages:  make([]records.Message, len(batch.Messages)),
	}
	for i := range batch.Messages {
		msg := batch.Messages[i]
		msg.DecodeNote = note
		out.Messages[i] = msg
	}
	return out
}
