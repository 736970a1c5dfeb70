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

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// StreamHolder tracks the head of one per-stream pipeline inside the merger.
type StreamHolder struct {
	stream  records.StreamKey
	in      <-chan records.PipelineItem
	current records.PipelineItem
	alive   bool
}

func NewStreamHolder(stream records.StreamKey, in <-chan records.PipelineItem) *StreamHolder {
	return &StreamHolder{stream: stream, in: in, alive: true}
}

// Merger zips the per-stream pipelines into one timestamp-ordered sequence.
// Ticks act as watermarks: a stream whose head is a tick older than every
// data head must be advanced first, because it may still produce a message
// that sorts ahead. Ticks themselves are consumed, never emitted.
type Merger struct {
	order    records.Order
	holders  []*StreamHolder
	progress *ProgressBus
	emit     func(*records.Message) error
}

func NewMerger(order records.Order, holders []*StreamHolder, progress *ProgressBus, emit func(*records.Message) error) *Merger {
	return &Merger{order: order, holders: holders, progress: progress, emit: emit}
}

// Run merges until every stream is exhausted or the sink stops the search.
func (m *Merger) Run(ctx context.Context) error {
	for _, h := range m.holders {
		if err := m.pop(ctx, h); err != nil {
			return err
		}
	}

	for {
		best := m.bestData()
		tick := m.tickToAdvance(best)
		switch {
		case tick != nil:
			if err := m.pop(ctx, tick); err != nil {
				return err
			}
		case best != nil:
			if err := m.emit(best.current.Message); err != nil {
				return err
			}
			if err := m.pop(ctx, best); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// pop publishes the consumed head to the progress bus and pulls the next
// item. Final ticks carry sentinel timestamps and are not published.
func (m *Merger) pop(ctx context.Context, h *StreamHolder) error {
	if h.current.Kind != 0 && !h.current.StreamEmpty && m.progress != nil {
		id := ""
		if !h.current.LastProcessedID.IsZero() {
			id = h.current.LastProcessedID.String()
		}
		m.progress.Publish(id, h.current.LastScannedTime)
	}

	select {
	case item, ok := <-h.in:
		if !ok {
			h.alive = false
			h.current = records.PipelineItem{}
			return nil
		}
		h.current = item
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "stream merge", ctx.Err())
	}
}

// bestData returns the holder whose data head sorts first, or nil when no
// stream currently heads with a message.
func (m *Merger) bestData() *StreamHolder {
	var best *StreamHolder
	for _, h := range m.holders {
		if !h.alive || h.current.Kind != records.ItemMessage {
			continue
		}
		if best == nil || m.less(h.current, best.current) {
			best = h
		}
	}
	return best
}

// tickToAdvance picks the tick head to consume next: with data pending, the
// oldest tick strictly behind the best data head; with no data pending, the
// oldest tick outright. Returns nil when data may be emitted.
func (m *Merger) tickToAdvance(best *StreamHolder) *StreamHolder {
	var oldest *StreamHolder
	for _, h := range m.holders {
		if !h.alive || h.current.Kind != records.ItemEmptyTick {
			continue
		}
		if oldest == nil || m.less(h.current, oldest.current) {
			oldest = h
		}
	}
	if oldest == nil {
		return nil
	}
	if best == nil || m.strictlyBehind(oldest.current, best.current) {
		return oldest
	}
	return nil
}

// less orders two heads by scan position with a deterministic tie-break, so
// equal-timestamp messages from different streams always merge the same way.
func (m *Merger) less(a, b records.PipelineItem) bool {
	at, bt := a.LastScannedTime, b.LastScannedTime
	if !at.Equal(bt) {
		if m.order == records.OrderBefore {
			return at.After(bt)
		}
		return at.Before(bt)
	}
	aid, bid := a.LastProcessedID, b.LastProcessedID
	if aid.Name != bid.Name {
		return aid.Name < bid.Name
	}
	if aid.Direction != bid.Direction {
		return aid.Direction < bid.Direction
	}
	if m.order == records.OrderBefore {
		return aid.Sequence > bid.Sequence
	}
	return aid.Sequence < bid.Sequence
}

// strictlyBehind reports whether a's watermark is strictly before b's in scan
// order. An equal watermark does not hold data back.
func (m *Merger) strictlyBehind(a, b records.PipelineItem) bool {
	if m.order == records.OrderBefore {
		return a.LastScannedTime.After(b.LastScannedTime)
	}
	return a.LastScannedTime.Before(b.LastScannedTime)
}
