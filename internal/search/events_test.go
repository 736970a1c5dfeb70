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
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/filters"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
)

func testEventOptions() EventSearchOptions {
	return EventSearchOptions{
		ChunkSize:     4, // small page to force continuation queries
		PrefetchDepth: 2,
		Gap:           5 * time.Minute,
		RescanDelay:   20 * time.Millisecond,
	}
}

func tryEventSearch(gw store.Gateway, req *records.SearchRequest) ([]string, error) {
	engine := NewEventSearchEngine(gw, testEventOptions())
	fset, err := filters.BuildEventFilters(nil)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = engine.Search(context.Background(), req, fset, NewProgressBus(), func(e *records.Event) error {
		ids = append(ids, e.ID)
		return nil
	})
	return ids, err
}

func runEventSearch(t *testing.T, gw store.Gateway, req *records.SearchRequest) []string {
	t.Helper()
	ids, err := tryEventSearch(gw, req)
	require.NoError(t, err)
	return ids
}

// minuteEvents builds n events one minute apart named prefix-1..prefix-n.
func minuteEvents(prefix string, base time.Time, n int) []records.Event {
	out := make([]records.Event, n)
	for i := range out {
		out[i] = records.Event{
			ID:    fmt.Sprintf("%s-%d", prefix, i+1),
			Start: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestEventSearchWholeRange(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("1", "", minuteEvents("1", t0, 11)...)

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0.Add(-time.Minute),
		EndTimestamp:   t0.Add(11 * time.Minute),
	})

	want := []string{"1-1", "1-2", "1-3", "1-4", "1-5", "1-6", "1-7", "1-8", "1-9", "1-10", "1-11"}
	assert.Equal(t, want, got)
}

func TestEventSearchStartWindow(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("1", "", minuteEvents("1", t0, 11)...)

	// the end bound is exclusive: 1-2 sits exactly on it and stays out
	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0.Add(-time.Minute),
		EndTimestamp:   t0.Add(time.Minute),
	})
	assert.Equal(t, []string{"1-1"}, got)
}

func TestEventSearchAdjacentBatches(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("1", "", minuteEvents("1", t0, 6)...)
	gw.addBatch("2", "", minuteEvents("2", t0.Add(5*time.Minute), 6)...)

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0.Add(-100 * time.Minute),
		EndTimestamp:   t0.Add(100 * time.Minute),
	})

	want := []string{"1-1", "1-2", "1-3", "1-4", "1-5", "1-6", "2-1", "2-2", "2-3", "2-4", "2-5", "2-6"}
	assert.Equal(t, want, got)
}

func TestEventSearchIntersectingBatches(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("1", "", minuteEvents("1", t0, 6)...)
	gw.addBatch("2", "", minuteEvents("2", t0.Add(3*time.Minute), 6)...)

	req := &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0.Add(-100 * time.Minute),
		EndTimestamp:   t0.Add(100 * time.Minute),
	}

	// intersecting batches guarantee the set, not the interleaving
	got := runEventSearch(t, gw, req)
	assert.ElementsMatch(t,
		[]string{"1-1", "1-2", "1-3", "1-4", "1-5", "1-6", "2-1", "2-2", "2-3", "2-4", "2-5", "2-6"},
		got)

	// with a resume id the same set restricted to post-resume comes back
	req.ResumeFromID = "1:1-4"
	got = runEventSearch(t, gw, req)
	assert.ElementsMatch(t, []string{"1-5", "1-6", "2-1", "2-2", "2-3", "2-4", "2-5", "2-6"}, got)
}

func TestEventSearchResumeMidBatch(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("1", "", minuteEvents("1", t0, 6)...)
	gw.addBatch("2", "", minuteEvents("2", t0.Add(5*time.Minute), 6)...)

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0.Add(-100 * time.Minute),
		EndTimestamp:   t0.Add(100 * time.Minute),
		ResumeFromID:   "1:1-4",
	})

	want := []string{"1-5", "1-6", "2-1", "2-2", "2-3", "2-4", "2-5", "2-6"}
	assert.Equal(t, want, got)
}

func TestEventSearchReverseResume(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("1", "", minuteEvents("1", t0, 11)...)

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderBefore,
		StartTimestamp: t0.Add(10 * time.Minute),
		EndTimestamp:   t0,
		ResumeFromID:   "1:1-10",
	})

	// 1-11 is above the resume origin, 1-10 is the resume itself and 1-1
	// sits exactly on the exclusive end bound
	want := []string{"1-9", "1-8", "1-7", "1-6", "1-5", "1-4", "1-3", "1-2"}
	assert.Equal(t, want, got)
}

func TestEventSearchDayRolloverDedup(t *testing.T) {
	day1 := time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC)
	midnight := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)

	gw := newFakeGateway()
	// wrapper inside the boundary gap: re-fetched by the second window
	gw.addBatch("b1", "",
		records.Event{ID: "n1", Start: day1.Add(58 * time.Minute)},
		records.Event{ID: "n2", Start: day1.Add(59*time.Minute + 30*time.Second)},
		records.Event{ID: "n3", Start: midnight.Add(30 * time.Second)},
	)
	// single crossing midnight by its end timestamp
	gw.addSingle(records.Event{ID: "s2", Start: day1.Add(59 * time.Minute), End: midnight.Add(2 * time.Minute)})
	// single before the gap zone, fetched by the first window only
	gw.addSingle(records.Event{ID: "far", Start: day1.Add(50 * time.Minute)})
	// single on the second day
	gw.addSingle(records.Event{ID: "s1", Start: midnight})

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: day1,
		EndTimestamp:   midnight.Add(time.Hour),
	})

	// n3 overflows its wrapper into the first window and rides ahead of the
	// s2 single; everything re-fetched through the gap prefix is deduplicated
	want := []string{"far", "n1", "n2", "n3", "s2", "s1"}
	assert.Equal(t, want, got)
}

func TestEventSearchTrimsToWindow(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("1", "", minuteEvents("1", t0, 11)...)

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0.Add(2 * time.Minute),
		EndTimestamp:   t0.Add(4 * time.Minute),
	})

	// start inclusive, end exclusive
	assert.Equal(t, []string{"1-3", "1-4"}, got)
}

func TestEventSearchGapCapture(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	// crosses the range start by its end timestamp
	gw.addSingle(records.Event{ID: "g1", Start: t0.Add(-2 * time.Minute), End: t0.Add(time.Minute)})
	// ends before the range starts
	gw.addSingle(records.Event{ID: "g2", Start: t0.Add(-2 * time.Minute), End: t0.Add(-time.Minute)})
	gw.addBatch("gb", "",
		records.Event{ID: "gb-1", Start: t0.Add(-3 * time.Minute)},
		records.Event{ID: "gb-2", Start: t0.Add(-time.Minute), End: t0.Add(30 * time.Second)},
		records.Event{ID: "gb-3", Start: t0.Add(time.Minute)},
	)

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0,
		EndTimestamp:   t0.Add(10 * time.Minute),
	})

	assert.Equal(t, []string{"gb-2", "gb-3", "g1"}, got)
}

func TestEventSearchParentCap(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	for i := 1; i <= 5; i++ {
		gw.addSingle(records.Event{
			ID:       fmt.Sprintf("c%d", i),
			ParentID: "p",
			Start:    t0.Add(time.Duration(i-1) * time.Minute),
		})
	}
	gw.addSingle(records.Event{ID: "r1", Start: t0.Add(5 * time.Minute)})
	// child of a capped event must stay suppressed with its parent
	gw.addSingle(records.Event{ID: "d1", ParentID: "c3", Start: t0.Add(6 * time.Minute)})
	// child of an emitted event is unaffected
	gw.addSingle(records.Event{ID: "d2", ParentID: "c1", Start: t0.Add(7 * time.Minute)})

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0,
		EndTimestamp:   t0.Add(time.Hour),
		LimitForParent: 2,
	})

	assert.Equal(t, []string{"c1", "c2", "r1", "d2"}, got)
}

func TestEventSearchResultCountLimit(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("1", "", minuteEvents("1", t0, 11)...)

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0,
		EndTimestamp:   t0.Add(time.Hour),
		Limit:          5,
	})

	assert.Equal(t, []string{"1-1", "1-2", "1-3", "1-4", "1-5"}, got)
}

func TestEventSearchResumeNotFound(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("1", "", minuteEvents("1", t0, 3)...)

	_, err := tryEventSearch(gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0,
		EndTimestamp:   t0.Add(time.Hour),
		ResumeFromID:   "1:no-such-event",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// A parent scope can hide the resume event from the scan. The withheld prefix
// must then surface instead of silently disappearing.
func TestEventSearchResumeHiddenByParentScope(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("B", "",
		records.Event{ID: "m1", ParentID: "prt", Start: t0, End: t0.Add(2 * time.Minute)},
		records.Event{ID: "m2", ParentID: "other", Start: t0.Add(time.Minute)},
	)

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0.Add(-10 * time.Minute),
		EndTimestamp:   t0.Add(30 * time.Minute),
		ResumeFromID:   "B:m2",
		ParentEvent:    &records.ProviderEventID{EventID: "prt"},
	})

	assert.Equal(t, []string{"m1"}, got)
}

func TestEventSearchBatchScopedParent(t *testing.T) {
	t0 := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	gw := newFakeGateway()
	gw.addBatch("B", "",
		records.Event{ID: "e1", Start: t0},
		records.Event{ID: "c1", ParentID: "e1", Start: t0.Add(time.Minute)},
		records.Event{ID: "c2", ParentID: "e1", Start: t0.Add(2 * time.Minute)},
		records.Event{ID: "c3", ParentID: "other", Start: t0.Add(3 * time.Minute)},
	)

	req := &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: t0.Add(-time.Minute),
		EndTimestamp:   t0.Add(10 * time.Minute),
		ParentEvent:    &records.ProviderEventID{BatchID: "B", EventID: "e1"},
	}
	assert.Equal(t, []string{"c1", "c2"}, runEventSearch(t, gw, req))

	req.Limit = 1
	assert.Equal(t, []string{"c1"}, runEventSearch(t, gw, req))

	reverse := &records.SearchRequest{
		Order:          records.OrderBefore,
		StartTimestamp: t0.Add(10 * time.Minute),
		EndTimestamp:   t0,
		ParentEvent:    &records.ProviderEventID{BatchID: "B", EventID: "e1"},
	}
	assert.Equal(t, []string{"c2", "c1"}, runEventSearch(t, gw, reverse))
}

func TestEventSearchBatchScopedParentMissing(t *testing.T) {
	gw := newFakeGateway()
	_, err := tryEventSearch(gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC),
		EndTimestamp:   time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC),
		ParentEvent:    &records.ProviderEventID{BatchID: "nope", EventID: "e1"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestEventSearchKeepOpenPicksUpNewEvents(t *testing.T) {
	now := time.Now().UTC()
	gw := newFakeGateway()
	gw.addSingle(records.Event{ID: "old", Start: now.Add(-2 * time.Second)})

	late := records.Event{ID: "late", Start: now.Add(100 * time.Millisecond)}
	go func() {
		time.Sleep(150 * time.Millisecond)
		gw.addSingle(late)
	}()

	got := runEventSearch(t, gw, &records.SearchRequest{
		Order:          records.OrderAfter,
		StartTimestamp: now.Add(-3 * time.Second),
		EndTimestamp:   now.Add(600 * time.Millisecond),
		KeepOpen:       true,
	})

	assert.Equal(t, []string{"old", "late"}, got)
}

// Randomized single-event layouts: the emission must equal the model - every
// event inside the window plus the gap-captured ones, ordered by (start, id)
// in scan direction, each exactly once.
func TestEventSearchRandomizedSingles(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	gap := testEventOptions().Gap

	type flat struct {
		id    string
		start time.Time
		end   time.Time
	}
	var all []flat
	gw := newFakeGateway()
	for i := 0; i < 120; i++ {
		ev := flat{
			id: fmt.Sprintf("e%03d", i),
			// minute granularity forces timestamp collisions
			start: base.Add(time.Duration(rng.Intn(36*60)) * time.Minute),
		}
		if rng.Intn(3) == 0 {
			ev.end = ev.start.Add(time.Duration(rng.Intn(10)) * time.Minute)
		}
		all = append(all, ev)
		gw.addSingle(records.Event{ID: ev.id, Start: ev.start, End: ev.end})
	}

	flatEnd := func(ev flat) time.Time {
		if ev.end.IsZero() {
			return ev.start
		}
		return ev.end
	}

	origin := base.Add(6 * time.Hour)
	end := base.Add(30 * time.Hour)

	t.Run("after", func(t *testing.T) {
		var want []flat
		for _, ev := range all {
			if !ev.start.Before(end) {
				continue
			}
			inWindow := !ev.start.Before(origin)
			captured := !ev.start.Before(origin.Add(-gap)) && !flatEnd(ev).Before(origin)
			if inWindow || captured {
				want = append(want, ev)
			}
		}
		sort.Slice(want, func(i, j int) bool {
			if !want[i].start.Equal(want[j].start) {
				return want[i].start.Before(want[j].start)
			}
			return want[i].id < want[j].id
		})
		wantIDs := make([]string, len(want))
		for i, ev := range want {
			wantIDs[i] = ev.id
		}

		got := runEventSearch(t, gw, &records.SearchRequest{
			Order:          records.OrderAfter,
			StartTimestamp: origin,
			EndTimestamp:   end,
		})
		assert.Equal(t, wantIDs, got)

		limited := runEventSearch(t, gw, &records.SearchRequest{
			Order:          records.OrderAfter,
			StartTimestamp: origin,
			EndTimestamp:   end,
			Limit:          len(wantIDs) / 2,
		})
		assert.Equal(t, wantIDs[:len(wantIDs)/2], limited)
	})

	t.Run("before", func(t *testing.T) {
		// the scan walks from end down to origin: origin is now the
		// exclusive low bound, end the inclusive high one
		var want []flat
		for _, ev := range all {
			if ev.start.After(origin) && !ev.start.After(end) {
				want = append(want, ev)
			}
		}
		sort.Slice(want, func(i, j int) bool {
			if !want[i].start.Equal(want[j].start) {
				return want[i].start.After(want[j].start)
			}
			return want[i].id > want[j].id
		})
		wantIDs := make([]string, len(want))
		for i, ev := range want {
			wantIDs[i] = ev.id
		}

		got := runEventSearch(t, gw, &records.SearchRequest{
			Order:          records.OrderBefore,
			StartTimestamp: end,
			EndTimestamp:   origin,
		})
		assert.Equal(t, wantIDs, got)
	})
}
