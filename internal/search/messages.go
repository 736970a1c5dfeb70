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
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/filters"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/logging"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
)

// MessageSearchOptions tunes the message pipeline.
type MessageSearchOptions struct {
	// SendEmptyDelay is the extractor heartbeat period while no data flows.
	SendEmptyDelay time.Duration

	// PipelineBuffer is the capacity of each inter-stage channel.
	PipelineBuffer int

	// PollDelay is the pause between store polls of a drained keep-open scan.
	PollDelay time.Duration
}

// MessageSearchEngine runs message searches: one extract-decode-unpack
// pipeline per stream, zipped by a single merger.
type MessageSearchEngine struct {
	gateway store.Gateway
	decoder Decoder
	init    *StreamInitializer
	opts    MessageSearchOptions
}

func NewMessageSearchEngine(gateway store.Gateway, decoder Decoder, opts MessageSearchOptions) *MessageSearchEngine {
	return &MessageSearchEngine{
		gateway: gateway,
		decoder: decoder,
		init:    NewStreamInitializer(gateway),
		opts:    opts,
	}
}

// streamPlan is the resolved scan setup of one stream.
type streamPlan struct {
	stream    records.StreamKey
	anchor    *records.MessageID
	resumeSeq *int64
}

// Search streams matching messages to emit in scan order until the range or
// the result limit is exhausted. A resume id both anchors its own stream
// strictly past the resumed message and shifts the other streams' start to
// its timestamp.
func (e *MessageSearchEngine) Search(ctx context.Context, req *records.SearchRequest, fset filters.MessageFilterSet, progress *ProgressBus, emit func(*records.Message) error) error {
	logger := logging.ForSearch("message-search", progress.SearchID())

	streams := records.ExpandStreams(req.Streams)
	resumeID, hasResume := req.ResumeMessageID()

	origin := req.StartTimestamp
	if hasResume {
		origin = resumeID.Timestamp
	}

	logger.Info().
		Stringer("order", req.Order).
		Time("origin", origin).
		Int("streams", len(streams)).
		Bool("keepOpen", req.KeepOpen).
		Msg("starting message scan")

	plans := make([]streamPlan, 0, len(streams))
	for _, stream := range streams {
		plan := streamPlan{stream: stream}
		if hasResume && stream == resumeID.StreamKey {
			anchor, seq := resumeID, resumeID.Sequence
			plan.anchor, plan.resumeSeq = &anchor, &seq
		} else if id, ok, err := e.init.Locate(ctx, stream, origin, req); err != nil {
			return err
		} else if ok {
			anchor := id
			plan.anchor = &anchor
		}
		plans = append(plans, plan)
	}

	// Body decoding is skipped for metadata-only searches unless a filter
	// still has to look inside the message.
	skipBody := req.MetadataOnly && fset.Needs()&filters.NeedBody == 0

	g, gctx := errgroup.WithContext(ctx)

	holders := make([]*StreamHolder, 0, len(plans))
	for _, plan := range plans {
		cfg := ExtractorConfig{
			SearchID:       progress.SearchID(),
			Stream:         plan.stream,
			Order:          req.Order,
			Anchor:         plan.anchor,
			ResumeSeq:      plan.resumeSeq,
			StartTime:      origin,
			EndTime:        req.EndTimestamp,
			KeepOpen:       req.KeepOpen,
			SendEmptyDelay: e.opts.SendEmptyDelay,
			PollDelay:      e.opts.PollDelay,
		}

		raw := make(chan records.PipelineItem, e.opts.PipelineBuffer)
		decoded := make(chan records.PipelineItem, e.opts.PipelineBuffer)
		unpacked := make(chan records.PipelineItem, e.opts.PipelineBuffer)

		ext := NewExtractor(e.gateway, cfg, raw)
		g.Go(func() error { return ext.Run(gctx) })
		g.Go(func() error { return runConvertStage(gctx, e.decoder, skipBody, raw, decoded) })
		g.Go(func() error { return runUnpackStage(gctx, fset, req.Order, decoded, unpacked) })

		holders = append(holders, NewStreamHolder(plan.stream, unpacked))
	}

	emitted := 0
	sink := func(m *records.Message) error {
		if err := emit(m); err != nil {
			return err
		}
		emitted++
		if req.Limit > 0 && emitted >= req.Limit {
			return errLimitReached
		}
		return nil
	}

	merger := NewMerger(req.Order, holders, progress, sink)
	g.Go(func() error { return merger.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, errLimitReached) {
		err = nil
	}
	if err != nil {
		return err
	}

	logger.Info().Int("emitted", emitted).Msg("message scan finished")
	return nil
}
