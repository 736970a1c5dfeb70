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

package search

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/logging"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
)

// messageFetchBatchLimit bounds how many whole batches one store round-trip
// may return while a stream scan advances its cursor.
const messageFetchBatchLimit = 16

// ExtractorConfig describes one stream scan. Anchor nil means the stream has
// nothing in range and the extractor only reports it empty. ResumeSeq is set
// on the stream owning the resume id; its trim is by sequence, strictly past
// the resumed message, and overrides StartTime.
type ExtractorConfig struct {
	SearchID string
	Stream   records.StreamKey
	Order    records.Order

	Anchor    *records.MessageID
	ResumeSeq *int64
	StartTime time.Time
	EndTime   time.Time // zero means unbounded
	KeepOpen  bool

	SendEmptyDelay time.Duration
	PollDelay      time.Duration
}

// Extractor walks one stream's batches in scan order, trims them to the
// requested range and feeds the pipeline. While the store yields nothing it
// emits heartbeat ticks so the merger and the keep-alive loop observe
// progress; an exhausted scan ends with a final tick carrying the range edge.
type Extractor struct {
	gateway store.Gateway
	cfg     ExtractorConfig
	out     chan<- records.PipelineItem
	logger  zerolog.Logger
}

func NewExtractor(gateway store.Gateway, cfg ExtractorConfig, out chan<- records.PipelineItem) *Extractor {
	logger := logging.ForSearch("message-extract", cfg.SearchID).With().
		Str("stream", cfg.Stream.String()).
		Logger()
	return &Extractor{gateway: gateway, cfg: cfg, out: out, logger: logger}
}

// fetchResult carries one trimmed batch from the fetch goroutine, or the
// error that stopped it.
type fetchResult struct {
	batch *records.MessageBatch
	last  records.MessageID
	err   error
}

// Run drives the scan until the range is exhausted, the context ends or the
// downstream stops reading. The output channel is closed on return.
func (x *Extractor) Run(ctx context.Context) error {
	defer close(x.out)

	lastID := records.MessageID{StreamKey: x.cfg.Stream}
	if x.cfg.Anchor == nil {
		x.logger.Debug().Msg("stream empty, sending final tick")
		return x.send(ctx, records.NewEmptyTick(x.cfg.Stream, lastID, x.rangeEdge(), true))
	}

	results := make(chan fetchResult)
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go x.fetchLoop(fctx, results)

	lastScanned := x.cfg.Anchor.Timestamp
	ticker := time.NewTicker(x.cfg.SendEmptyDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "message extract", ctx.Err())
		case <-ticker.C:
			tick := records.NewEmptyTick(x.cfg.Stream, lastID, lastScanned, false)
			if err := x.send(ctx, tick); err != nil {
				return err
			}
		case res, ok := <-results:
			if !ok {
				return x.send(ctx, records.NewEmptyTick(x.cfg.Stream, lastID, x.rangeEdge(), true))
			}
			if res.err != nil {
				return res.err
			}
			if err := x.send(ctx, records.NewRawBatchItem(res.batch, res.last)); err != nil {
				return err
			}
			lastID = res.last
			lastScanned = res.last.Timestamp
			ticker.Reset(x.cfg.SendEmptyDelay)
		}
	}
}

// fetchLoop pages batches from the store, trims each to the range and hands
// the non-empty remainders over. A keep-open next scan polls the store after
// draining it instead of finishing.
func (x *Extractor) fetchLoop(ctx context.Context, out chan<- fetchResult) {
	defer close(out)

	cursor := x.cfg.Anchor.Sequence
	for {
		batches, err := x.gateway.GetMessageBatches(ctx, store.MessageBatchFilter{
			Stream:       x.cfg.Stream,
			Order:        x.cfg.Order,
			FromSequence: cursor,
			BatchLimit:   messageFetchBatchLimit,
		})
		if err != nil {
			select {
			case out <- fetchResult{err: err}:
			case <-ctx.Done():
			}
			return
		}

		if len(batches) == 0 {
			if !x.cfg.KeepOpen || x.cfg.Order == records.OrderBefore {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(x.cfg.PollDelay):
			}
			continue
		}

		for _, batch := range batches {
			trimmed, reachedEnd := x.trim(batch)
			if !trimmed.IsEmpty() {
				last := trimmed.Last()
				if x.cfg.Order == records.OrderBefore {
					last = trimmed.First()
				}
				select {
				case out <- fetchResult{batch: trimmed, last: last.ID}:
				case <-ctx.Done():
					return
				}
			}
			if reachedEnd {
				return
			}
		}
		cursor = x.advance(batches)
	}
}

// trim cuts a batch to the scan range without mutating the stored slice.
// reachedEnd reports that the batch extends past the end bound, making it the
// last batch of the scan.
func (x *Extractor) trim(batch *records.MessageBatch) (*records.MessageBatch, bool) {
	msgs := batch.Messages
	reachedEnd := false

	if x.cfg.Order == records.OrderAfter {
		lo := 0
		for lo < len(msgs) && x.behindHead(&msgs[lo]) {
			lo++
		}
		hi := len(msgs)
		if !x.cfg.EndTime.IsZero() {
			for hi > lo && msgs[hi-1].ID.Timestamp.After(x.cfg.EndTime) {
				hi--
				reachedEnd = true
			}
		}
		msgs = msgs[lo:hi]
	} else {
		// previous scan: the head bound is the high side of the batch, the
		// end bound the low side, and the end is exclusive
		hi := len(msgs)
		for hi > 0 && x.behindHead(&msgs[hi-1]) {
			hi--
		}
		lo := 0
		if !x.cfg.EndTime.IsZero() {
			for lo < hi && !msgs[lo].ID.Timestamp.After(x.cfg.EndTime) {
				lo++
				reachedEnd = true
			}
		}
		msgs = msgs[lo:hi]
	}

	return &records.MessageBatch{BatchID: batch.BatchID, StreamKey: batch.StreamKey, Messages: msgs}, reachedEnd
}

// behindHead reports whether a message precedes the scan origin. The resumed
// stream excludes the resumed message itself; other streams keep messages at
// the start bound.
func (x *Extractor) behindHead(m *records.Message) bool {
	if x.cfg.ResumeSeq != nil {
		if x.cfg.Order == records.OrderAfter {
			return m.ID.Sequence <= *x.cfg.ResumeSeq
		}
		return m.ID.Sequence >= *x.cfg.ResumeSeq
	}
	if x.cfg.StartTime.IsZero() {
		return false
	}
	if x.cfg.Order == records.OrderAfter {
		return m.ID.Timestamp.Before(x.cfg.StartTime)
	}
	return m.ID.Timestamp.After(x.cfg.StartTime)
}

// advance derives the next cursor from the raw batches of the last page.
func (x *Extractor) advance(batches []*records.MessageBatch) int64 {
	last := batches[len(batches)-1]
	if x.cfg.Order == records.OrderAfter {
		return last.Last().ID.Sequence + 1
	}
	return last.First().ID.Sequence - 1
}

// rangeEdge is the watermark of a finished scan. It pins the stream's final
// tick past every possible message so the merger never waits on it again.
func (x *Extractor) rangeEdge() time.Time {
	if x.cfg.Order == records.OrderBefore {
		return records.MinTimestamp
	}
	return records.MaxTimestamp
}

// send forwards one item downstream, honoring cancellation.
func (x *Extractor) send(ctx context.Context, item records.PipelineItem) error {
	select {
	case x.out <- item:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "message extract", ctx.Err())
	}
}
