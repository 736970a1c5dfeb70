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
	"math"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/filters"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/logging"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/syncmap"
)

// errLimitReached stops a scan from inside the delivery path once
// resultCountLimit is satisfied. It never escapes the engine.
var errLimitReached = errors.New("result count limit reached")

// EventSearchOptions tunes the event scan pipeline.
type EventSearchOptions struct {
	// ChunkSize is the wrapper page size for store queries.
	ChunkSize int

	// PrefetchDepth bounds how many fetched pages may sit between the store
	// fetcher and the consumer.
	PrefetchDepth int

	// Gap is the overlap width at interval boundaries. Wrappers starting up
	// to Gap before a window are fetched again so events straddling the
	// boundary are not lost.
	Gap time.Duration

	// RescanDelay is the pause between keep-open passes once the scan has
	// caught up with the store.
	RescanDelay time.Duration
}

// EventSearchEngine streams events matching a SearchRequest in scan order.
type EventSearchEngine struct {
	gateway store.Gateway
	opts    EventSearchOptions
}

func NewEventSearchEngine(gateway store.Gateway, opts EventSearchOptions) *EventSearchEngine {
	return &EventSearchEngine{gateway: gateway, opts: opts}
}

// eventPage is one fetched store page tagged with its interval. final marks
// the last page of the interval.
type eventPage struct {
	interval Interval
	wrappers []records.EventWrapper
	final    bool
}

// scanItem pairs an expanded event with the start timestamp of the wrapper
// it came from; window admission needs both.
type scanItem struct {
	event        *records.Event
	wrapperStart time.Time
}

// Search scans the store per the request and invokes emit for every matching
// event, in scan order. It returns once the range is drained (or, with
// keepOpen, once the context ends) and reports nil after an exhausted
// resultCountLimit.
func (e *EventSearchEngine) Search(ctx context.Context, req *records.SearchRequest, fset filters.EventFilterSet, progress *ProgressBus, emit func(*records.Event) error) error {
	logger := logging.ForSearch("event-search", progress.SearchID())

	origin := req.StartTimestamp
	var resume *records.ProviderEventID
	if req.ResumeFromID != "" {
		id, err := records.ParseProviderEventID(req.ResumeFromID)
		if err != nil {
			return err
		}
		ev, err := e.gateway.GetEvent(ctx, id)
		if err != nil {
			if errs.IsKind(err, errs.KindNotFound) {
				return errs.Wrapf(errs.KindInvalidRequest, err, "resume event %s not found", id)
			}
			return err
		}
		resume = &id
		// The resume record's own timestamps become the scan origin; the
		// request start only matters when there is nothing to resume from.
		origin = ev.Start
		if req.Order == records.OrderBefore {
			origin = eventEnd(ev)
		}
	}

	scan := &eventScan{
		req:      req,
		fset:     fset,
		order:    req.Order,
		origin:   origin,
		resume:   resume,
		gap:      e.opts.Gap,
		capper:   newParentCapper(req.LimitForParent),
		progress: progress,
		emit:     emit,
	}

	if req.ParentEvent != nil && req.ParentEvent.IsBatched() {
		return e.searchBatch(ctx, scan)
	}

	logger.Info().
		Str("order", req.Order.String()).
		Time("origin", origin).
		Bool("keepOpen", req.KeepOpen).
		Msg("starting event scan")

	for pass := 1; ; pass++ {
		end := passEnd(req, time.Now().UTC())
		err := e.runPass(ctx, scan, end)
		switch {
		case errors.Is(err, errLimitReached):
			return nil
		case err != nil:
			return err
		}

		if !req.KeepOpen || req.Order != records.OrderAfter {
			return nil
		}
		if req.HasEnd() && !req.EndTimestamp.After(time.Now().UTC()) {
			return nil
		}

		if scan.lastID != nil {
			scan.resume = scan.lastID
			scan.origin = scan.lastStart
		}
		logger.Debug().Int("pass", pass).Msg("scan caught up with the store; waiting")

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "event search", ctx.Err())
		case <-time.After(e.opts.RescanDelay):
		}
	}
}

// passEnd resolves the end bound of one scan pass. Keep-open scans stop at
// the current wall clock and pick up new events on the next pass.
func passEnd(req *records.SearchRequest, now time.Time) time.Time {
	if req.Order == records.OrderBefore {
		return req.EndTimestamp
	}
	if req.HasEnd() && (!req.KeepOpen || req.EndTimestamp.Before(now)) {
		return req.EndTimestamp
	}
	return now
}

// runPass fetches pages concurrently with consuming them; the channel bounds
// how far the fetcher may run ahead.
func (e *EventSearchEngine) runPass(ctx context.Context, scan *eventScan, end time.Time) error {
	scan.beginPass(end)

	pages := make(chan eventPage, e.opts.PrefetchDepth)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pages)
		return e.fetchPass(gctx, scan, end, pages)
	})
	g.Go(func() error {
		return e.consumePass(gctx, scan, pages)
	})

	return g.Wait()
}

func (e *EventSearchEngine) fetchPass(ctx context.Context, scan *eventScan, end time.Time, out chan<- eventPage) error {
	gen := NewIntervalGenerator(scan.order, scan.origin, end, e.opts.Gap, scan.resume)
	for {
		iv, ok := gen.Next()
		if !ok {
			return nil
		}

		page := store.PageArgs{Limit: e.opts.ChunkSize}
		for {
			wrappers, err := e.fetchInterval(ctx, scan.order, iv, page)
			if err != nil {
				return err
			}
			final := len(wrappers) < e.opts.ChunkSize

			select {
			case out <- eventPage{interval: iv, wrappers: wrappers, final: final}:
			case <-ctx.Done():
				return errs.Wrap(errs.KindCancelled, "event fetch", ctx.Err())
			}

			if final {
				break
			}
			page = page.NextPage(wrappers[len(wrappers)-1])
		}
	}
}

// fetchInterval issues the store query for one page. The interval carrying
// the resume id scans from the resume wrapper instead of the window edge.
func (e *EventSearchEngine) fetchInterval(ctx context.Context, order records.Order, iv Interval, page store.PageArgs) ([]records.EventWrapper, error) {
	if iv.ResumeID != nil {
		if order == records.OrderAfter {
			return e.gateway.GetEventsFromResume(ctx, *iv.ResumeID, iv.To, order, page)
		}
		return e.gateway.GetEventsUntilResume(ctx, iv.StartWithGap, *iv.ResumeID, order, page)
	}
	return e.gateway.GetEventsRange(ctx, iv.StartWithGap, iv.To, order, page)
}

func (e *EventSearchEngine) consumePass(ctx context.Context, scan *eventScan, pages <-chan eventPage) error {
	for {
		var page eventPage
		var ok bool
		select {
		case page, ok = <-pages:
		case <-ctx.Done():
			return errs.Wrap(errs.KindCancelled, "event search", ctx.Err())
		}
		if !ok {
			break
		}
		if err := scan.consumePage(page); err != nil {
			return err
		}
	}

	// The resume event never showed up; deliver what was withheld.
	for _, item := range scan.trimmer.flush() {
		if err := scan.deliver(item); err != nil {
			return err
		}
	}
	return nil
}

// searchBatch serves a parent scope that names a batch: the store is hit
// exactly once for that batch and its members flow through the regular
// trim, admission and cap stages.
func (e *EventSearchEngine) searchBatch(ctx context.Context, scan *eventScan) error {
	w, err := e.gateway.GetEventWrapper(ctx, scan.req.ParentEvent.BatchID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return errs.Wrapf(errs.KindInvalidRequest, err, "parent batch %s not found", scan.req.ParentEvent.BatchID)
		}
		return err
	}

	end := scan.req.EndTimestamp
	if scan.order == records.OrderAfter && !scan.req.HasEnd() {
		end = records.MaxTimestamp
	}
	scan.beginPass(end)

	// One synthetic window covering the whole requested range.
	iv := Interval{From: scan.origin, To: end}
	if scan.order == records.OrderBefore {
		iv = Interval{From: end, To: scan.origin}
	}
	iv.StartWithGap = iv.From.Add(-scan.gap)
	scan.interval = iv
	scan.haveInterval = true

	wStart := w.Start()
	for _, ev := range expandWrapper(w, scan.order, scan.req.ParentEvent) {
		scan.progress.Publish(ev.ProviderID().String(), ev.Start)
		for _, item := range scan.trimmer.feed(scanItem{event: ev, wrapperStart: wStart}) {
			if err := scan.deliver(item); err != nil {
				if errors.Is(err, errLimitReached) {
					return nil
				}
				return err
			}
		}
	}
	for _, item := range scan.trimmer.flush() {
		if err := scan.deliver(item); err != nil {
			if errors.Is(err, errLimitReached) {
				return nil
			}
			return err
		}
	}
	return nil
}

// eventScan is the mutable state of one Search call. It lives on the consumer
// side of the page channel and is never touched concurrently.
type eventScan struct {
	req    *records.SearchRequest
	fset   filters.EventFilterSet
	order  records.Order
	origin time.Time
	resume *records.ProviderEventID
	gap    time.Duration

	end     time.Time
	trimmer *resumeTrimmer

	interval     Interval
	haveInterval bool
	stash        mapset.Set[string]
	nextStash    mapset.Set[string]

	capper  *parentCapper
	emitted int

	lastID    *records.ProviderEventID
	lastStart time.Time

	progress *ProgressBus
	emit     func(*records.Event) error
}

func (s *eventScan) beginPass(end time.Time) {
	s.end = end
	s.haveInterval = false
	s.stash = nil
	s.nextStash = mapset.NewThreadUnsafeSet[string]()
	s.trimmer = nil
	if s.resume != nil {
		s.trimmer = newResumeTrimmer(s.order, s.origin, *s.resume)
	}
}

func (s *eventScan) consumePage(page eventPage) error {
	if !s.haveInterval || !s.interval.SameWindow(page.interval) {
		s.interval = page.interval
		s.haveInterval = true
		s.stash = s.nextStash
		s.nextStash = mapset.NewThreadUnsafeSet[string]()
	}

	for _, w := range page.wrappers {
		wStart := w.Start()
		for _, ev := range expandWrapper(w, s.order, s.req.ParentEvent) {
			s.progress.Publish(ev.ProviderID().String(), ev.Start)
			for _, item := range s.trimmer.feed(scanItem{event: ev, wrapperStart: wStart}) {
				if err := s.deliver(item); err != nil {
					return err
				}
			}
		}
	}

	if page.final {
		edge := page.interval.To
		if s.order == records.OrderBefore {
			edge = page.interval.From
		}
		s.progress.Publish("", edge)
	}
	return nil
}

// deliver runs admission, user filters and caps, then emits.
func (s *eventScan) deliver(item scanItem) error {
	ev := item.event
	if !s.admit(item) {
		return nil
	}
	if !s.fset.Apply(ev) {
		return nil
	}
	if !s.capper.admit(ev) {
		return nil
	}

	if err := s.emit(ev); err != nil {
		return err
	}
	s.emitted++
	id := ev.ProviderID()
	s.lastID, s.lastStart = &id, ev.Start

	if s.req.Limit > 0 && s.emitted >= s.req.Limit {
		return errLimitReached
	}
	return nil
}

// admit applies the global and window bounds plus boundary de-duplication.
//
// Next scans admit everything from a window's From upward: a batch is fetched
// by the window holding its start, and its events may overflow past the
// window edge. The next window re-fetches wrappers from the gap prefix, so
// events admitted near the shared boundary are remembered and dropped when
// they come around again. Events starting inside the gap prefix of the first
// window are admitted when they overlap the range (end at or past From).
//
// Previous scans split a re-fetched wrapper at the window edge instead: the
// window that gap-fetched it takes the events from From upward, the window
// that owns the wrapper start takes the rest, so the halves never overlap.
func (s *eventScan) admit(item scanItem) bool {
	ev, iv := item.event, s.interval
	pid := ev.ProviderID().String()

	if s.order == records.OrderAfter {
		if !ev.Start.Before(s.end) { // end bound exclusive
			return false
		}
		inWindow := !ev.Start.Before(iv.From)
		overlap := !inWindow && !ev.Start.Before(iv.StartWithGap) && !eventEnd(ev).Before(iv.From)
		if !inWindow && !overlap {
			return false
		}
		if s.stash != nil && s.stash.Contains(pid) {
			return false
		}
		if overlap || ev.Start.After(iv.To.Add(-s.gap)) {
			s.nextStash.Add(pid)
		}
		return true
	}

	if !ev.Start.After(s.end) { // end bound exclusive
		return false
	}
	if ev.Start.After(s.origin) { // origin inclusive
		return false
	}
	if item.wrapperStart.Before(iv.From) {
		return !ev.Start.Before(iv.From)
	}
	return !ev.Start.After(iv.To)
}

// expandWrapper flattens a wrapper into scan-ordered events. Batch members
// without an own parent inherit the batch-level one. When a parent scope is
// set, batch members must match it exactly; single events pass when they are
// roots or match.
func expandWrapper(w records.EventWrapper, order records.Order, parent *records.ProviderEventID) []*records.Event {
	if !w.IsBatch() {
		if parent != nil && w.Single.ParentID != "" && w.Single.ParentID != parent.EventID {
			return nil
		}
		return []*records.Event{w.Single}
	}

	events := w.Batch.Events
	out := make([]*records.Event, 0, len(events))
	appendEvent := func(ev *records.Event) {
		if ev.ParentID == "" {
			ev.ParentID = w.Batch.ParentID
		}
		if parent != nil && ev.ParentID != parent.EventID {
			return
		}
		out = append(out, ev)
	}

	if order == records.OrderAfter {
		for i := range events {
			appendEvent(&events[i])
		}
	} else {
		for i := len(events) - 1; i >= 0; i-- {
			appendEvent(&events[i])
		}
	}
	return out
}

// eventEnd returns the end timestamp, falling back to the start for instant
// events stored without one.
func eventEnd(e *records.Event) time.Time {
	if e.End.IsZero() {
		return e.Start
	}
	return e.End
}

// resumeTrimmer drops the prefix of a scan the client has already seen.
// Events at or behind the origin are withheld until the resume event shows
// up, at which point they are discarded along with it. An event strictly past
// the origin before the resume id was seen means the resume event is gone
// from the store; the withheld run is delivered rather than lost.
type resumeTrimmer struct {
	order  records.Order
	origin time.Time
	resume records.ProviderEventID
	head   []scanItem
	active bool
}

func newResumeTrimmer(order records.Order, origin time.Time, resume records.ProviderEventID) *resumeTrimmer {
	return &resumeTrimmer{order: order, origin: origin, resume: resume, active: true}
}

// feed returns the items cleared for delivery.
func (t *resumeTrimmer) feed(item scanItem) []scanItem {
	if t == nil || !t.active {
		return []scanItem{item}
	}

	if item.event.ProviderID() == t.resume {
		t.active = false
		t.head = nil
		return nil
	}

	behind := !item.event.Start.After(t.origin)
	if t.order == records.OrderBefore {
		behind = !item.event.Start.Before(t.origin)
	}
	if behind {
		t.head = append(t.head, item)
		return nil
	}

	t.active = false
	out := append(t.head, item)
	t.head = nil
	return out
}

// flush returns whatever the trimmer still holds at scan end.
func (t *resumeTrimmer) flush() []scanItem {
	if t == nil || !t.active {
		return nil
	}
	t.active = false
	out := t.head
	t.head = nil
	return out
}

// parentCapper enforces limitForParent. Roots are never capped. A rejected
// event poisons its own id so its children cannot surface under other
// subtrees once their parent was suppressed.
type parentCapper struct {
	limit    int64
	counters syncmap.SyncMap[string, *atomic.Int64]
}

func newParentCapper(limit int) *parentCapper {
	return &parentCapper{limit: int64(limit)}
}

func (c *parentCapper) admit(e *records.Event) bool {
	if c.limit <= 0 || e.ParentID == "" {
		return true
	}

	counter, _ := c.counters.LoadOrStore(e.ParentID, &atomic.Int64{})
	if counter.Load() >= c.limit {
		poisoned := &atomic.Int64{}
		poisoned.Store(math.MaxInt64)
		c.counters.Store(e.ID, poisoned)
		return false
	}
	counter.Add(1)
	return true
}
