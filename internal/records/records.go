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

package records

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
)

// Timestamp sentinels used by extractors to signal stream exhaustion.
var (
	MaxTimestamp = time.Unix(0, math.MaxInt64).UTC()
	MinTimestamp = time.Unix(0, math.MinInt64).UTC()
)

// Direction enum type
type Direction uint8

// Direction enum values
const (
	DirectionUnknown Direction = iota
	DirectionFirst
	DirectionSecond
)

// String method for readable output
func (d Direction) String() string {
	switch d {
	case DirectionFirst:
		return "first"
	case DirectionSecond:
		return "second"
	default:
		return "unknown"
	}
}

// ParseDirection parses a direction from its string form.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "first", "1":
		return DirectionFirst, nil
	case "second", "2":
		return DirectionSecond, nil
	default:
		return DirectionUnknown, errs.Newf(errs.KindInvalidRequest, "unknown direction %q", s)
	}
}

// Order enum type for the scan direction of a search.
type Order int8

const (
	OrderAfter  Order = 1
	OrderBefore Order = -1
)

func (o Order) String() string {
	if o == OrderBefore {
		return "previous"
	}
	return "next"
}

// ParseOrder parses the searchDirection query parameter.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "", "next":
		return OrderAfter, nil
	case "previous":
		return OrderBefore, nil
	default:
		return 0, errs.Newf(errs.KindInvalidRequest, "unknown searchDirection %q", s)
	}
}

// StreamKey identifies a logical conversation: a named stream plus a direction.
type StreamKey struct {
	Name      string
	Direction Direction
}

func (k StreamKey) String() string {
	return k.Name + ":" + k.Direction.String()
}

// ParseStreamKey parses the stream query parameter: "name" alone or
// "name:first" / "name:second". A bare name means both directions; a suffix
// that is not a direction is taken as part of the name.
func ParseStreamKey(s string) (StreamKey, error) {
	if s == "" {
		return StreamKey{}, errs.New(errs.KindInvalidRequest, "empty stream name")
	}
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		if dir, err := ParseDirection(s[i+1:]); err == nil {
			return StreamKey{Name: s[:i], Direction: dir}, nil
		}
	}
	return StreamKey{Name: s}, nil
}

// MessageID identifies a single stored message.
type MessageID struct {
	StreamKey
	Sequence  int64
	Timestamp time.Time
}

func (id MessageID) IsZero() bool {
	return id.Name == "" && id.Sequence == 0 && id.Timestamp.IsZero()
}

// String renders the wire form "name:direction:unixNano:sequence". Stream
// names may contain ':'; parsing works from the right.
func (id MessageID) String() string {
	return fmt.Sprintf("%s:%s:%d:%d", id.Name, id.Direction, id.Timestamp.UnixNano(), id.Sequence)
}

// ParseMessageID parses the wire form produced by MessageID.String.
func ParseMessageID(s string) (MessageID, error) {
	var zero MessageID

	parts := strings.Split(s, ":")
	if len(parts) < 4 {
		return zero, errs.Newf(errs.KindInvalidRequest, "malformed message id %q", s)
	}

	seq, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return zero, errs.Newf(errs.KindInvalidRequest, "malformed message id %q: bad sequence", s)
	}

	nanos, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return zero, errs.Newf(errs.KindInvalidRequest, "malformed message id %q: bad timestamp", s)
	}

	dir, err := ParseDirection(parts[len(parts)-3])
	if err != nil {
		return zero, errs.Newf(errs.KindInvalidRequest, "malformed message id %q: bad direction", s)
	}

	name := strings.Join(parts[:len(parts)-3], ":")
	if name == "" {
		return zero, errs.Newf(errs.KindInvalidRequest, "malformed message id %q: empty stream name", s)
	}

	return MessageID{
		StreamKey: StreamKey{Name: name, Direction: dir},
		Sequence:  seq,
		Timestamp: time.Unix(0, nanos).UTC(),
	}, nil
}

// ProviderEventID addresses an event, optionally through its batch.
// Batch ids and event ids must not contain ':'.
type ProviderEventID struct {
	BatchID string
	EventID string
}

func (id ProviderEventID) IsBatched() bool {
	return id.BatchID != ""
}

func (id ProviderEventID) String() string {
	if id.BatchID == "" {
		return id.EventID
	}
	return id.BatchID + ":" + id.EventID
}

// ParseProviderEventID parses "batchId:eventId" or a bare event id.
func ParseProviderEventID(s string) (ProviderEventID, error) {
	var zero ProviderEventID
	if s == "" {
		return zero, errs.New(errs.KindInvalidRequest, "empty event id")
	}

	switch parts := strings.SplitN(s, ":", 2); len(parts) {
	case 1:
		return ProviderEventID{EventID: parts[0]}, nil
	default:
		if parts[0] == "" || parts[1] == "" {
			return zero, errs.Newf(errs.KindInvalidRequest, "malformed event id %q", s)
		}
		return ProviderEventID{BatchID: parts[0], EventID: parts[1]}, nil
	}
}

// Message is a single stored message, raw or decoded.
type Message struct {
	ID          MessageID
	MessageType string

	// Raw store payload
	Payload []byte

	// Decoded body; nil until a codec round-trip succeeds
	Body json.RawMessage

	AttachedEventIDs []string

	// Diagnostic note set when the codec round-trip failed
	DecodeNote string
}

// MessageBatch is an ordered run of messages sharing a StreamKey.
// Messages are ascending by sequence; sequences are contiguous and
// timestamps non-decreasing.
type MessageBatch struct {
	BatchID   string
	StreamKey StreamKey
	Messages  []Message
}

func (b *MessageBatch) IsEmpty() bool {
	return b == nil || len(b.Messages) == 0
}

// First returns the first message by sequence.
func (b *MessageBatch) First() *Message {
	if b.IsEmpty() {
		return nil
	}
	return &b.Messages[0]
}

// Last returns the last message by sequence.
func (b *MessageBatch) Last() *Message {
	if b.IsEmpty() {
		return nil
	}
	return &b.Messages[len(b.Messages)-1]
}

// MessagesReverse returns the batch contents descending by sequence.
func (b *MessageBatch) MessagesReverse() []Message {
	out := slices.Clone(b.Messages)
	slices.Reverse(out)
	return out
}

// Event is a single test event.
type Event struct {
	ID       string
	BatchID  string // empty for single events
	ParentID string // empty for roots
	Name     string
	Type     string
	Start    time.Time
	End      time.Time

	Successful         bool
	Body               json.RawMessage
	AttachedMessageIDs []string
}

// ProviderID returns the externally addressable id of the event.
func (e *Event) ProviderID() ProviderEventID {
	return ProviderEventID{BatchID: e.BatchID, EventID: e.ID}
}

// EventBatch groups events sharing a batch id and a batch-level parent.
// Events are ascending by start timestamp.
type EventBatch struct {
	BatchID  string
	ParentID string
	Events   []Event

	index map[string]int
}

// NewEventBatch builds a batch with O(1) event lookup by id.
func NewEventBatch(batchID, parentID string, events []Event) *EventBatch {
	index := make(map[string]int, len(events))
	for i := range events {
		events[i].BatchID = batchID
		index[events[i].ID] = i
	}
	return &EventBatch{BatchID: batchID, ParentID: parentID, Events: events, index: index}
}

// Get returns the batch event with the given id.
func (b *EventBatch) Get(eventID string) (*Event, bool) {
	i, ok := b.index[eventID]
	if !ok {
		return nil, false
	}
	return &b.Events[i], true
}

// EventWrapper is either a single event or an event batch.
type EventWrapper struct {
	Single *Event
	Batch  *EventBatch
}

func (w EventWrapper) IsBatch() bool {
	return w.Batch != nil
}

// ID returns the wrapper-level id: the event id for singles, the batch id
// for batches.
func (w EventWrapper) ID() string {
	if w.Batch != nil {
		return w.Batch.BatchID
	}
	return w.Single.ID
}

// Start returns the wrapper-level start timestamp used for store ordering.
func (w EventWrapper) Start() time.Time {
	if w.Batch != nil {
		if len(w.Batch.Events) == 0 {
			return time.Time{}
		}
		return w.Batch.Events[0].Start
	}
	return w.Single.Start
}

// LastScannedObjectInfo reports scan progress on keep-alive frames.
type LastScannedObjectInfo struct {
	ID          string `json:"lastId,omitempty"`
	Timestamp   int64  `json:"timestamp"` // epoch millis
	ScanCounter int64  `json:"scanCounter"`
}
