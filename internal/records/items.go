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
	"fmt"
	"time"
)

// ItemKind discriminates PipelineItem payloads.
type ItemKind uint8

const (
	ItemEmptyTick ItemKind = iota + 1
	ItemRawBatch
	ItemDecodedBatch
	ItemMessage
)

func (k ItemKind) String() string {
	switch k {
	case ItemEmptyTick:
		return "emptyTick"
	case ItemRawBatch:
		return "rawBatch"
	case ItemDecodedBatch:
		return "decodedBatch"
	case ItemMessage:
		return "message"
	default:
		return "unknown"
	}
}

// PipelineItem is the unit of flow between message search stages. Exactly one
// payload field matching Kind is set. The shared fields carry scan progress
// for merging and keep-alives; items are never mutated after send.
type PipelineItem struct {
	Kind   ItemKind
	Stream StreamKey

	// Scan progress as of this item
	LastProcessedID MessageID
	LastScannedTime time.Time

	// StreamEmpty marks the final tick of an exhausted extractor
	StreamEmpty bool

	Batch   *MessageBatch // ItemRawBatch
	Decoded *MessageBatch // ItemDecodedBatch
	Message *Message      // ItemMessage
}

// NewEmptyTick returns a heartbeat item carrying the extractor's watermark.
func NewEmptyTick(stream StreamKey, lastID MessageID, scanned time.Time, streamEmpty bool) PipelineItem {
	return PipelineItem{
		Kind:            ItemEmptyTick,
		Stream:          stream,
		LastProcessedID: lastID,
		LastScannedTime: scanned,
		StreamEmpty:     streamEmpty,
	}
}

// NewRawBatchItem wraps a trimmed store batch. lastID names the batch message
// the extractor scanned up to, which depends on the scan order.
func NewRawBatchItem(batch *MessageBatch, lastID MessageID) PipelineItem {
	return PipelineItem{
		Kind:            ItemRawBatch,
		Stream:          batch.StreamKey,
		LastProcessedID: lastID,
		LastScannedTime: lastID.Timestamp,
		Batch:           batch,
	}
}

// NewDecodedBatchItem carries a batch past the codec round-trip, preserving
// the progress fields of the raw item it came from.
func NewDecodedBatchItem(raw PipelineItem, decoded *MessageBatch) PipelineItem {
	return PipelineItem{
		Kind:            ItemDecodedBatch,
		Stream:          raw.Stream,
		LastProcessedID: raw.LastProcessedID,
		LastScannedTime: raw.LastScannedTime,
		Decoded:         decoded,
	}
}

// NewMessageItem carries one unpacked message.
func NewMessageItem(msg *Message) PipelineItem {
	return PipelineItem{
		Kind:            ItemMessage,
		Stream:          msg.ID.StreamKey,
		LastProcessedID: msg.ID,
		LastScannedTime: msg.ID.Timestamp,
		Message:         msg,
	}
}

// AsTick strips the payload, turning any item into a watermark with the same
// progress fields. The filter stage uses this for non-passing messages.
func (it PipelineItem) AsTick() PipelineItem {
	return PipelineItem{
		Kind:            ItemEmptyTick,
		Stream:          it.Stream,
		LastProcessedID: it.LastProcessedID,
		LastScannedTime: it.LastScannedTime,
		StreamEmpty:     it.StreamEmpty,
	}
}

// CodecRequest pairs a raw batch with the id used to correlate the decoder's
// response.
type CodecRequest struct {
	RequestID string
	Batch     *MessageBatch
}

// NewCodecRequest derives the request id from the batch identity so that
// identical in-flight batches share one decoder round-trip.
func NewCodecRequest(batch *MessageBatch) *CodecRequest {
	first, last := batch.First(), batch.Last()
	id := fmt.Sprintf("%s:%s:%d:%d",
		batch.StreamKey.Name, batch.StreamKey.Direction, first.ID.Sequence, last.ID.Sequence)
	return &CodecRequest{RequestID: id, Batch: batch}
}
