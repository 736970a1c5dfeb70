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

	"github.com/dillon-rush/th2-rpt-data-provider/internal/logging"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
)

// StreamInitializer locates the message a stream scan should anchor on.
type StreamInitializer struct {
	gateway store.Gateway
	logger  zerolog.Logger
}

func NewStreamInitializer(gateway store.Gateway) *StreamInitializer {
	return &StreamInitializer{gateway: gateway, logger: logging.ForComponent("stream-init")}
}

// Locate finds the stored message nearest to origin on one stream. The day of
// the origin is probed in both relations, nearest-behind first, so a scan can
// anchor inside a batch that straddles the origin. Beyond the first day only
// the request direction is considered, bounded by lookupLimitDays (zero means
// unbounded) and by the end timestamp. ok is false when the stream holds
// nothing usable; the extractor then reports the stream empty right away.
func (si *StreamInitializer) Locate(ctx context.Context, stream records.StreamKey, origin time.Time, req *records.SearchRequest) (records.MessageID, bool, error) {
	var zero records.MessageID

	before, okBefore, err := si.gateway.GetFirstMessageID(ctx, origin, stream, records.OrderBefore)
	if err != nil {
		return zero, false, err
	}
	after, okAfter, err := si.gateway.GetFirstMessageID(ctx, origin, stream, records.OrderAfter)
	if err != nil {
		return zero, false, err
	}

	day := dayStartUTC(origin)
	var candidate records.MessageID
	found := false
	switch {
	case okBefore && dayStartUTC(before.Timestamp).Equal(day):
		candidate, found = before, true
	case okAfter && dayStartUTC(after.Timestamp).Equal(day):
		candidate, found = after, true
	case req.Order == records.OrderAfter && okAfter && withinLookup(after.Timestamp, origin, req.Order, req.LookupLimitDays):
		candidate, found = after, true
	case req.Order == records.OrderBefore && okBefore && withinLookup(before.Timestamp, origin, req.Order, req.LookupLimitDays):
		candidate, found = before, true
	}

	if !found || beyondEnd(candidate.Timestamp, req) {
		si.logger.Debug().
			Str("stream", stream.String()).
			Time("origin", origin).
			Msg("no anchor message within the lookup window")
		return zero, false, nil
	}

	return si.nearestInBatch(ctx, stream, candidate, origin, req.Order)
}

// nearestInBatch loads the batch holding the candidate and picks the member
// nearest to the origin on the requested side, falling back to the candidate
// itself when the batch cannot be read back.
func (si *StreamInitializer) nearestInBatch(ctx context.Context, stream records.StreamKey, candidate records.MessageID, origin time.Time, order records.Order) (records.MessageID, bool, error) {
	batches, err := si.gateway.GetMessageBatches(ctx, store.MessageBatchFilter{
		Stream:       stream,
		Order:        order,
		FromSequence: candidate.Sequence,
		BatchLimit:   1,
	})
	if err != nil {
		return records.MessageID{}, false, err
	}
	if len(batches) == 0 || batches[0].IsEmpty() {
		return candidate, true, nil
	}

	msgs := batches[0].Messages
	if order == records.OrderAfter {
		for i := range msgs {
			if !msgs[i].ID.Timestamp.Before(origin) {
				return msgs[i].ID, true, nil
			}
		}
		return msgs[len(msgs)-1].ID, true, nil
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].ID.Timestamp.After(origin) {
			return msgs[i].ID, true, nil
		}
	}
	return msgs[0].ID, true, nil
}

// withinLookup bounds how far past the origin's day a cross-day anchor may
// lie. The limit counts whole days beyond the first one.
func withinLookup(ts, origin time.Time, order records.Order, limitDays int) bool {
	if limitDays <= 0 {
		return true
	}
	if order == records.OrderAfter {
		edge := dayStartUTC(origin).Add(time.Duration(limitDays+1) * 24 * time.Hour)
		return ts.Before(edge)
	}
	edge := dayStartUTC(origin).Add(-time.Duration(limitDays) * 24 * time.Hour)
	return !ts.Before(edge)
}

// beyondEnd reports whether an anchor already lies outside the requested
// range: past an inclusive end for next scans, at or past an exclusive end
// for previous ones.
func beyondEnd(ts time.Time, req *records.SearchRequest) bool {
	if !req.HasEnd() {
		return false
	}
	if req.Order == records.OrderAfter {
		return ts.After(req.EndTimestamp)
	}
	return !ts.After(req.EndTimestamp)
}
