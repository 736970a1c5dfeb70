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

	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// PageArgs carries keyset continuation state for event queries. The zero
// value (plus a limit) requests the first page.
type PageArgs struct {
	Limit     int
	AfterTime time.Time
	AfterID   string
}

// IsContinuation reports whether the args point past a previous page.
func (p PageArgs) IsContinuation() bool {
	return p.AfterID != ""
}

// NextPage derives the continuation from the last wrapper of a page.
func (p PageArgs) NextPage(last records.EventWrapper) PageArgs {
	return PageArgs{Limit: p.Limit, AfterTime: last.Start(), AfterID: last.ID()}
}

// MessageBatchFilter selects message batches for one stream cursor. The scan
// starts at FromSequence inclusive and walks in Order direction. A batch
// straddling the cursor is returned whole; callers trim.
type MessageBatchFilter struct {
	Stream       records.StreamKey
	Order        records.Order
	FromSequence int64
	BatchLimit   int
}

// Gateway is the read surface over the record store. Implementations must be
// safe for concurrent use. Single-record lookups return KindNotFound when the
// record does not exist; query failures are classified as KindStoreTransient
// or KindStoreFatal.
type Gateway interface {
	// GetEventsRange returns one page of event wrappers with start timestamps
	// inside [from, to], ascending for OrderAfter and descending for
	// OrderBefore, keyed by (start_timestamp, wrapper_id).
	GetEventsRange(ctx context.Context, from, to time.Time, order records.Order, page PageArgs) ([]records.EventWrapper, error)

	// GetEventsFromResume positions the scan at the wrapper holding the
	// resume id (inclusive) and walks toward end. Continuation pages ignore
	// the resume id.
	GetEventsFromResume(ctx context.Context, resume records.ProviderEventID, end time.Time, order records.Order, page PageArgs) ([]records.EventWrapper, error)

	// GetEventsUntilResume scans the window between start and the wrapper
	// holding the resume id (inclusive), walking in order direction.
	GetEventsUntilResume(ctx context.Context, start time.Time, resume records.ProviderEventID, order records.Order, page PageArgs) ([]records.EventWrapper, error)

	// GetEvent resolves a single event. For a batched id the batch is loaded
	// and the member extracted; a batch that exists but does not contain the
	// event yields KindNotFound.
	GetEvent(ctx context.Context, id records.ProviderEventID) (*records.Event, error)

	// GetEventWrapper loads a whole wrapper by its wrapper-level id: the
	// batch id for batches, the event id for singles.
	GetEventWrapper(ctx context.Context, wrapperID string) (records.EventWrapper, error)

	// GetMessageBatches returns up to BatchLimit whole batches per call.
	GetMessageBatches(ctx context.Context, filter MessageBatchFilter) ([]*records.MessageBatch, error)

	// GetMessage resolves a single raw message.
	GetMessage(ctx context.Context, id records.MessageID) (*records.Message, error)

	// GetFirstMessageID returns the stored message nearest to ts on one
	// stream: the latest at-or-before ts for OrderBefore, the earliest
	// at-or-after ts for OrderAfter. ok is false when no such message exists.
	GetFirstMessageID(ctx context.Context, ts time.Time, stream records.StreamKey, relation records.Order) (id records.MessageID, ok bool, err error)

	// GetFirstMessageSequence returns the lowest sequence stored for a
	// stream; ok is false when the stream holds no messages.
	GetFirstMessageSequence(ctx context.Context, stream records.StreamKey) (seq int64, ok bool, err error)

	// GetEventIDs returns the events attached to a message.
	GetEventIDs(ctx context.Context, id records.MessageID) ([]records.ProviderEventID, error)

	// GetMessageIDs returns the messages attached to an event.
	GetMessageIDs(ctx context.Context, id records.ProviderEventID) ([]records.MessageID, error)

	// ListStreams returns the distinct stream names present in the store.
	ListStreams(ctx context.Context) ([]string, error)

	Close() error
}
