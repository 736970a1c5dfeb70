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
	"encoding/base64"
	"encoding/json"
	"time"
)

// Millis converts a timestamp to epoch milliseconds, the wire form used by
// query parameters and response bodies. Zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// EventEntity is the wire form of a full event. EventID is the provider form
// (batchId:eventId for batched events) so it can be fed back as resumeFromId.
type EventEntity struct {
	EventID            string          `json:"eventId"`
	BatchID            string          `json:"batchId,omitempty"`
	IsBatched          bool            `json:"isBatched"`
	ParentEventID      string          `json:"parentEventId,omitempty"`
	EventName          string          `json:"eventName"`
	EventType          string          `json:"eventType,omitempty"`
	StartTimestamp     int64           `json:"startTimestamp"`
	EndTimestamp       int64           `json:"endTimestamp,omitempty"`
	Successful         bool            `json:"successful"`
	AttachedMessageIDs []string        `json:"attachedMessageIds,omitempty"`
	Body               json.RawMessage `json:"body,omitempty"`
}

// NewEventEntity builds the full wire form. Attached message ids are included
// only when the request asked for them.
func NewEventEntity(e *Event, attachedMessages bool) *EventEntity {
	out := &EventEntity{
		EventID:        e.ProviderID().String(),
		BatchID:        e.BatchID,
		IsBatched:      e.BatchID != "",
		ParentEventID:  e.ParentID,
		EventName:      e.Name,
		EventType:      e.Type,
		StartTimestamp: Millis(e.Start),
		EndTimestamp:   Millis(e.End),
		Successful:     e.Successful,
		Body:           e.Body,
	}
	if attachedMessages {
		out.AttachedMessageIDs = e.AttachedMessageIDs
	}
	return out
}

// EventTreeNode is the metadata-only event projection emitted when
// metadataOnly is set.
type EventTreeNode struct {
	EventID        string `json:"eventId"`
	ParentEventID  string `json:"parentEventId,omitempty"`
	EventName      string `json:"eventName"`
	EventType      string `json:"eventType,omitempty"`
	StartTimestamp int64  `json:"startTimestamp"`
	Successful     bool   `json:"successful"`
}

// NewEventTreeNode builds the metadata-only wire form.
func NewEventTreeNode(e *Event) *EventTreeNode {
	return &EventTreeNode{
		EventID:        e.ProviderID().String(),
		ParentEventID:  e.ParentID,
		EventName:      e.Name,
		EventType:      e.Type,
		StartTimestamp: Millis(e.Start),
		Successful:     e.Successful,
	}
}

// MessageEntity is the wire form of a message.
type MessageEntity struct {
	MessageID        string          `json:"messageId"`
	Timestamp        int64           `json:"timestamp"`
	Stream           string          `json:"stream"`
	Direction        string          `json:"direction"`
	Sequence         int64           `json:"sequence"`
	MessageType      string          `json:"messageType,omitempty"`
	AttachedEventIDs []string        `json:"attachedEventIds,omitempty"`
	Body             json.RawMessage `json:"body,omitempty"`
	BodyBase64       string          `json:"bodyBase64,omitempty"`
	DecodeNote       string          `json:"decodeNote,omitempty"`
}

// NewMessageEntity builds the wire form. metadataOnly drops both body
// representations; otherwise the raw payload rides along base64-encoded next
// to the decoded body, which may be absent when the codec round-trip failed.
func NewMessageEntity(m *Message, metadataOnly bool) *MessageEntity {
	out := &MessageEntity{
		MessageID:        m.ID.String(),
		Timestamp:        Millis(m.ID.Timestamp),
		Stream:           m.ID.Name,
		Direction:        m.ID.Direction.String(),
		Sequence:         m.ID.Sequence,
		MessageType:      m.MessageType,
		AttachedEventIDs: m.AttachedEventIDs,
		DecodeNote:       m.DecodeNote,
	}
	if metadataOnly {
		return out
	}
	out.Body = m.Body
	if len(m.Payload) > 0 {
		out.BodyBase64 = base64.StdEncoding.EncodeToString(m.Payload)
	}
	return out
}
