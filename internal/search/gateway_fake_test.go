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
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
)

// fakeGateway is an in-memory store.Gateway with the same ordering, paging
// and trimming semantics as the ClickHouse implementation: event wrappers
// keyed by (start, wrapper id), message scans keyed by sequence, batches
// straddling a cursor returned whole. Safe for concurrent use so keep-open
// tests can add records mid-scan.
type fakeGateway struct {
	mu       sync.Mutex
	wrappers []records.EventWrapper
	streams  map[records.StreamKey][]*records.MessageBatch
}

var _ store.Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{streams: make(map[records.StreamKey][]*records.MessageBatch)}
}

func (f *fakeGateway) addSingle(e records.Event) {
	ev := e
	f.addWrapper(records.EventWrapper{Single: &ev})
}

func (f *fakeGateway) addBatch(batchID, parentID string, events ...records.Event) {
	f.addWrapper(records.EventWrapper{Batch: records.NewEventBatch(batchID, parentID, events)})
}

func (f *fakeGateway) addWrapper(w records.EventWrapper) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrappers = append(f.wrappers, w)
	slices.SortFunc(f.wrappers, func(a, b records.EventWrapper) int {
		if c := a.Start().Compare(b.Start()); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
}

func (f *fakeGateway) addMessages(stream records.StreamKey, batchID string, msgs ...records.Message) {
	for i := range msgs {
		msgs[i].ID.StreamKey = stream
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[stream] = append(f.streams[stream], &records.MessageBatch{
		BatchID:   batchID,
		StreamKey: stream,
		Messages:  msgs,
	})
	sort.Slice(f.streams[stream], func(i, j int) bool {
		return f.streams[stream][i].First().ID.Sequence < f.streams[stream][j].First().ID.Sequence
	})
}

// keyAfter reports (w.start, w.id) > (t, id).
func keyAfter(w records.EventWrapper, t time.Time, id string) bool {
	if !w.Start().Equal(t) {
		return w.Start().After(t)
	}
	return w.ID() > id
}

// keyBefore reports (w.start, w.id) < (t, id).
func keyBefore(w records.EventWrapper, t time.Time, id string) bool {
	if !w.Start().Equal(t) {
		return w.Start().Before(t)
	}
	return w.ID() < id
}

// orderedLocked returns the wrappers in scan order.
func (f *fakeGateway) orderedLocked(order records.Order) []records.EventWrapper {
	out := slices.Clone(f.wrappers)
	if order == records.OrderBefore {
		slices.Reverse(out)
	}
	return out
}

func (f *fakeGateway) rangeLocked(from, to time.Time, order records.Order, page store.PageArgs) []records.EventWrapper {
	var out []records.EventWrapper
	for _, w := range f.orderedLocked(order) {
		s := w.Start()
		if s.Before(from) || s.After(to) {
			continue
		}
		if page.IsContinuation() {
			if order == records.OrderAfter && !keyAfter(w, page.AfterTime, page.AfterID) {
				continue
			}
			if order == records.OrderBefore && !keyBefore(w, page.AfterTime, page.AfterID) {
				continue
			}
		}
		out = append(out, w)
		if len(out) == page.Limit {
			break
		}
	}
	return out
}

func (f *fakeGateway) resolveLocked(id records.ProviderEventID) (time.Time, string, error) {
	wrapperID := id.EventID
	if id.IsBatched() {
		wrapperID = id.BatchID
	}
	for _, w := range f.wrappers {
		if w.ID() == wrapperID {
			return w.Start(), wrapperID, nil
		}
	}
	return time.Time{}, "", errs.Newf(errs.KindNotFound, "event %s not found", id)
}

func (f *fakeGateway) GetEventsRange(_ context.Context, from, to time.Time, order records.Order, page store.PageArgs) ([]records.EventWrapper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rangeLocked(from, to, order, page), nil
}

func (f *fakeGateway) GetEventsFromResume(_ context.Context, resume records.ProviderEventID, end time.Time, order records.Order, page store.PageArgs) ([]records.EventWrapper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if page.IsContinuation() {
		if order == records.OrderAfter {
			return f.rangeLocked(page.AfterTime, end, order, page), nil
		}
		return f.rangeLocked(end, page.AfterTime, order, page), nil
	}

	resumeTime, wrapperID, err := f.resolveLocked(resume)
	if err != nil {
		return nil, err
	}

	var out []records.EventWrapper
	for _, w := range f.orderedLocked(order) {
		if order == records.OrderAfter {
			if keyBefore(w, resumeTime, wrapperID) || w.Start().After(end) {
				continue
			}
		} else {
			if keyAfter(w, resumeTime, wrapperID) || w.Start().Before(end) {
				continue
			}
		}
		out = append(out, w)
		if len(out) == page.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeGateway) GetEventsUntilResume(_ context.Context, start time.Time, resume records.ProviderEventID, order records.Order, page store.PageArgs) ([]records.EventWrapper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resumeTime, wrapperID, err := f.resolveLocked(resume)
	if err != nil {
		return nil, err
	}

	var out []records.EventWrapper
	for _, w := range f.orderedLocked(order) {
		if w.Start().Before(start) || keyAfter(w, resumeTime, wrapperID) {
			continue
		}
		if page.IsContinuation() {
			if order == records.OrderAfter && !keyAfter(w, page.AfterTime, page.AfterID) {
				continue
			}
			if order == records.OrderBefore && !keyBefore(w, page.AfterTime, page.AfterID) {
				continue
			}
		}
		out = append(out, w)
		if len(out) == page.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeGateway) GetEventWrapper(_ context.Context, wrapperID string) (records.EventWrapper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.wrappers {
		if w.ID() == wrapperID {
			return w, nil
		}
	}
	return records.EventWrapper{}, errs.Newf(errs.KindNotFound, "event wrapper %s not found", wrapperID)
}

func (f *fakeGateway) GetEvent(ctx context.Context, id records.ProviderEventID) (*records.Event, error) {
	wrapperID := id.EventID
	if id.IsBatched() {
		wrapperID = id.BatchID
	}
	w, err := f.GetEventWrapper(ctx, wrapperID)
	if err != nil {
		return nil, errs.Newf(errs.KindNotFound, "event %s not found", id)
	}
	if !id.IsBatched() {
		if w.IsBatch() {
			return nil, errs.Newf(errs.KindNotFound, "event %s not found", id)
		}
		return w.Single, nil
	}
	if !w.IsBatch() {
		return nil, errs.Newf(errs.KindNotFound, "event %s not found", id)
	}
	e, ok := w.Batch.Get(id.EventID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "event %s not found in batch %s", id.EventID, id.BatchID)
	}
	return e, nil
}

func (f *fakeGateway) GetMessageBatches(_ context.Context, filter store.MessageBatchFilter) ([]*records.MessageBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.streams[filter.Stream]
	var picked []*records.MessageBatch
	if filter.Order == records.OrderAfter {
		for _, b := range list {
			if b.Last().ID.Sequence < filter.FromSequence {
				continue
			}
			picked = append(picked, b)
			if len(picked) == filter.BatchLimit {
				break
			}
		}
	} else {
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].First().ID.Sequence > filter.FromSequence {
				continue
			}
			picked = append(picked, list[i])
			if len(picked) == filter.BatchLimit {
				break
			}
		}
	}

	out := make([]*records.MessageBatch, len(picked))
	for i, b := range picked {
		c := *b
		out[i] = &c
	}
	return out, nil
}

func (f *fakeGateway) GetMessage(_ context.Context, id records.MessageID) (*records.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.streams[id.StreamKey] {
		for i := range b.Messages {
			if b.Messages[i].ID.Sequence == id.Sequence {
				m := b.Messages[i]
				return &m, nil
			}
		}
	}
	return nil, errs.Newf(errs.KindNotFound, "message %s not found", id)
}

func (f *fakeGateway) GetFirstMessageID(_ context.Context, ts time.Time, stream records.StreamKey, relation records.Order) (records.MessageID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := f.streams[stream]
	if relation == records.OrderAfter {
		for _, b := range list {
			for i := range b.Messages {
				if !b.Messages[i].ID.Timestamp.Before(ts) {
					return b.Messages[i].ID, true, nil
				}
			}
		}
		return records.MessageID{}, false, nil
	}
	for i := len(list) - 1; i >= 0; i-- {
		msgs := list[i].Messages
		for j := len(msgs) - 1; j >= 0; j-- {
			if !msgs[j].ID.Timestamp.After(ts) {
				return msgs[j].ID, true, nil
			}
		}
	}
	return records.MessageID{}, false, nil
}

func (f *fakeGateway) GetFirstMessageSequence(_ context.Context, stream records.StreamKey) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.streams[stream]
	if len(list) == 0 {
		return 0, false, nil
	}
	return list[0].First().ID.Sequence, true, nil
}

func (f *fakeGateway) GetEventIDs(ctx context.Context, id records.MessageID) ([]records.ProviderEventID, error) {
	m, err := f.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]records.ProviderEventID, 0, len(m.AttachedEventIDs))
	for _, s := range m.AttachedEventIDs {
		eid, err := records.ParseProviderEventID(s)
		if err != nil {
			continue
		}
		out = append(out, eid)
	}
	return out, nil
}

func (f *fakeGateway) GetMessageIDs(ctx context.Context, id records.ProviderEventID) ([]records.MessageID, error) {
	e, err := f.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]records.MessageID, 0, len(e.AttachedMessageIDs))
	for _, s := range e.AttachedMessageIDs {
		mid, err := records.ParseMessageID(s)
		if err != nil {
			continue
		}
		out = append(out, mid)
	}
	return out, nil
}

func (f *fakeGateway) ListStreams(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for k := range f.streams {
		if _, ok := seen[k.Name]; ok {
			continue
		}
		seen[k.Name] = struct{}{}
		out = append(out, k.Name)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeGateway) Close() error { return nil }
