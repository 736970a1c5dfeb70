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

package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/logging"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/metrics"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// RetryingGateway retries transient store failures with a fixed delay. It
// wraps the gateway handed to streaming searches; single-record handlers use
// the raw gateway and fail fast.
type RetryingGateway struct {
	next     Gateway
	delay    time.Duration
	attempts int
	logger   zerolog.Logger
}

var _ Gateway = (*RetryingGateway)(nil)

func WithRetries(next Gateway, delay time.Duration, attempts int) *RetryingGateway {
	return &RetryingGateway{
		next:     next,
		delay:    delay,
		attempts: attempts,
		logger:   logging.ForComponent("store-retry"),
	}
}

func (g *RetryingGateway) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errs.IsKind(err, errs.KindStoreTransient) || attempt >= g.attempts {
			return err
		}

		metrics.StoreRetries.Inc()
		g.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", g.delay).
			Msg("retrying transient store failure")

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, op, ctx.Err())
		case <-time.After(g.delay):
		}
	}
}

func (g *RetryingGateway) GetEventsRange(ctx context.Context, from, to time.Time, order records.Order, page PageArgs) (out []records.EventWrapper, err error) {
	err = g.retry(ctx, "getEventsRange", func() error {
		out, err = g.next.GetEventsRange(ctx, from, to, order, page)
		return err
	})
	return out, err
}

func (g *RetryingGateway) GetEventsFromResume(ctx context.Context, resume records.ProviderEventID, end time.Time, order records.Order, page PageArgs) (out []records.EventWrapper, err error) {
	err = g.retry(ctx, "getEventsFromResume", func() error {
		out, err = g.next.GetEventsFromResume(ctx, resume, end, order, page)
		return err
	})
	return out, err
}

func (g *RetryingGateway) GetEventsUntilResume(ctx context.Context, start time.Time, resume records.ProviderEventID, order records.Order, page PageArgs) (out []records.EventWrapper, err error) {
	err = g.retry(ctx, "getEventsUntilResume", func() error {
		out, err = g.next.GetEventsUntilResume(ctx, start, resume, order, page)
		return err
	})
	return out, err
}

func (g *RetryingGateway) GetEvent(ctx context.Context, id records.ProviderEventID) (out *records.Event, err error) {
	err = g.retry(ctx, "getEvent", func() error {
		out, err = g.next.GetEvent(ctx, id)
		return err
	})
	return out, err
}

func (g *RetryingGateway) GetEventWrapper(ctx context.Context, wrapperID string) (out records.EventWrapper, err error) {
	err = g.retry(ctx, "getEventWrapper", func() error {
		out, err = g.next.GetEventWrapper(ctx, wrapperID)
		return err
	})
	return out, err
}

func (g *RetryingGateway) GetMessageBatches(ctx context.Context, filter MessageBatchFilter) (out []*records.MessageBatch, err error) {
	err = g.retry(ctx, "getMessages", func() error {
		out, err = g.next.GetMessageBatches(ctx, filter)
		return err
	})
	return out, err
}

func (g *RetryingGateway) GetMessage(ctx context.Context, id records.MessageID) (out *records.Message, err error) {
	err = g.retry(ctx, "getMessage", func() error {
		out, err = g.next.GetMessage(ctx, id)
		return err
	})
	return out, err
}

func (g *RetryingGateway) GetFirstMessageID(ctx context.Context, ts time.Time, stream records.StreamKey, relation records.Order) (id records.MessageID, ok bool, err error) {
	err = g.retry(ctx, "getFirstMessageId", func() error {
		id, ok, err = g.next.GetFirstMessageID(ctx, ts, stream, relation)
		return err
	})
	return id, ok, err
}

func (g *RetryingGateway) GetFirstMessageSequence(ctx context.Context, stream records.StreamKey) (seq int64, ok bool, err error) {
	err = g.retry(ctx, "getFirstMessageSequence", func() error {
		seq, ok, err = g.next.GetFirstMessageSequence(ctx, stream)
		return err
	})
	return seq, ok, err
}

func (g *RetryingGateway) GetEventIDs(ctx context.Context, id records.MessageID) (out []records.ProviderEventID, err error) {
	err = g.retry(ctx, "getEventIds", func() error {
		out, err = g.next.GetEventIDs(ctx, id)
		return err
	})
	return out, err
}

func (g *RetryingGateway) GetMessageIDs(ctx context.Context, id records.ProviderEventID) (out []records.MessageID, err error) {
	err = g.retry(ctx, "getMessageIds", func() error {
		out, err = g.next.GetMessageIDs(ctx, id)
		return err
	})
	return out, err
}

func (g *RetryingGateway) ListStreams(ctx context.Context) (out []string, err error) {
	err = g.retry(ctx, "listStreams", func() error {
		out, err = g.next.ListStreams(ctx)
		return err
	})
	return out, err
}

func (g *RetryingGateway) Close() error {
	return g.next.Close()
}
