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
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/google/uuid"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// ProgressBus fans in scan-position updates from the pipeline stages of one
// search. Stages publish without knowing who listens; the keep-alive loop of
// the owning connection subscribes and turns updates into keep-alive frames.
type ProgressBus struct {
	id    string
	bus   EventBus.Bus
	topic string

	mu   sync.Mutex
	last records.LastScannedObjectInfo
}

// NewProgressBus builds a bus scoped to a single search. The topic carries
// the search id so a handler subscribed by one connection never sees foreign
// traffic.
func NewProgressBus() *ProgressBus {
	id := uuid.NewString()
	return &ProgressBus{
		id:    id,
		bus:   EventBus.New(),
		topic: "search:progress:" + id,
	}
}

// SearchID returns the identifier of the search this bus belongs to.
func (p *ProgressBus) SearchID() string { return p.id }

// Publish records that the scan has visited the object with the given id at
// the given timestamp. The scan counter increments on every call, so a
// consumer can tell a busy scan from a stalled one even when the id repeats.
func (p *ProgressBus) Publish(id string, ts time.Time) {
	p.mu.Lock()
	p.last = records.LastScannedObjectInfo{
		ID:          id,
		Timestamp:   records.Millis(ts),
		ScanCounter: p.last.ScanCounter + 1,
	}
	info := p.last
	p.mu.Unlock()
	p.bus.Publish(p.topic, info)
}

// Subscribe registers fn for every progress update of this search.
func (p *ProgressBus) Subscribe(fn func(records.LastScannedObjectInfo)) error {
	return p.bus.Subscribe(p.topic, fn)
}

// Unsubscribe removes a handler registered with Subscribe.
func (p *ProgressBus) Unsubscribe(fn func(records.LastScannedObjectInfo)) error {
	return p.bus.Unsubscribe(p.topic, fn)
}

// Last returns the most recent scan position, zero-valued before the first
// Publish.
func (p *ProgressBus) Last() records.LastScannedObjectInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
