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
	"github.com/dillon-rush/th2-rpt-data-provider/internal/filters"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// Decoder resolves raw message batches into decoded ones. *codec.Broker
// implements it; tests substitute their own.
type Decoder interface {
	Decode(ctx context.Context, req *records.CodecRequest) (*records.MessageBatch, error)
}

// runConvertStage routes raw batches through the decoder and forwards
// everything else untouched. With skipBody set the round-trip is bypassed and
// the raw batch stands in for the decoded one, which keeps metadata-only
// searches off the codec entirely.
func runConvertStage(ctx context.Context, dec Decoder, skipBody bool, in <-chan records.PipelineItem, out chan<- records.PipelineItem) error {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "message decode", ctx.Err())
		case item, ok := <-in:
			if !ok {
				return nil
			}
			if item.Kind == records.ItemRawBatch {
				decoded := item.Batch
				if !skipBody {
					d, err := dec.Decode(ctx, records.NewCodecRequest(item.Batch))
					if err != nil {
						return err
					}
					decoded = d
				}
				item = records.NewDecodedBatchItem(item, decoded)
			}
			if err := pipeSend(ctx, out, item); err != nil {
				return err
			}
		}
	}
}

// runUnpackStage explodes decoded batches into per-message items in scan
// order and applies the user filters. A non-passing message degrades into a
// tick with the same progress fields so the merger keeps advancing past it.
func runUnpackStage(ctx context.Context, fset filters.MessageFilterSet, order records.Order, in <-chan records.PipelineItem, out chan<- records.PipelineItem) error {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "message unpack", ctx.Err())
		case item, ok := <-in:
			if !ok {
				return nil
			}
			if item.Kind != records.ItemDecodedBatch {
				if err := pipeSend(ctx, out, item); err != nil {
					return err
				}
				continue
			}

			msgs := item.Decoded.Messages
			if order == records.OrderBefore {
				msgs = item.Decoded.MessagesReverse()
			}
			for i := range msgs {
				next := records.NewMessageItem(&msgs[i])
				if !fset.Apply(&msgs[i]) {
					next = next.AsTick()
				}
				if err := pipeSend(ctx, out, next); err != nil {
					return err
				}
			}
		}
	}
}

// pipeSend forwards one item downstream, honoring cancellation.
func pipeSend(ctx context.Context, out chan<- records.PipelineItem, item records.PipelineItem) error {
	select {
	case out <- item:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "message pipeline", ctx.Err())
	}
}
