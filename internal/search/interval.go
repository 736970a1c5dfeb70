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

// Package search implements the streaming search engines: time-interval
// enumeration over the event store, per-stream message extraction, codec
// decode stages, the time-ordered stream merger, and the progress bus that
// feeds keep-alive frames.
package search

import (
	"time"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// Interval is one scan window of an event search. From and To are inclusive
// and always fall on the same UTC day. StartWithGap is the fetch origin: it
// reaches gap-width before From so wrappers straddling the previous window
// boundary are fetched again and their tail events are not lost.
type Interval struct {
	From time.Time
	To   time.Time

	StartWithGap time.Time

	// ResumeID is set on the first interval of a scan only.
	ResumeID *records.ProviderEventID
}

// SameWindow reports whether two intervals cover the same [From, To] window.
func (iv Interval) SameWindow(other Interval) bool {
	return iv.From.Equal(other.From) && iv.To.Equal(other.To)
}

// IntervalGenerator tiles the requested time range with intervals of at most
// one UTC day, splitting windows at UTC midnight. For OrderBefore the cursor
// walks backward and the latest window is yielded first. The sequence is lazy
// and can only be restarted by building a new generator.
type IntervalGenerator struct {
	order  records.Order
	cursor time.Time
	end    time.Time
	gap    time.Duration
	resume *records.ProviderEventID

	first bool
	done  bool
}

// NewIntervalGenerator builds a generator walking from start toward end in
// order direction. The end bound is exclusive; a cursor that reaches it stops
// the sequence. resume attaches to the first yielded interval only.
func NewIntervalGenerator(order records.Order, start, end time.Time, gap time.Duration, resume *records.ProviderEventID) *IntervalGenerator {
	return &IntervalGenerator{
		order:  order,
		cursor: start.UTC(),
		end:    end.UTC(),
		gap:    gap,
		resume: resume,
		first:  true,
	}
}

// Next yields the following interval, or false when the cursor has crossed
// the end bound.
func (g *IntervalGenerator) Next() (Interval, bool) {
	if g.done {
		return Interval{}, false
	}

	var iv Interval
	if g.order == records.OrderAfter {
		if !g.cursor.Before(g.end) {
			g.done = true
			return Interval{}, false
		}
		to := endOfDayUTC(g.cursor)
		if to.After(g.end) {
			to = g.end
		}
		iv = Interval{From: g.cursor, To: to}
		g.cursor = to.Add(time.Nanosecond)
	} else {
		if !g.cursor.After(g.end) {
			g.done = true
			return Interval{}, false
		}
		from := dayStartUTC(g.cursor)
		if from.Before(g.end) {
			from = g.end
		}
		iv = Interval{From: from, To: g.cursor}
		g.cursor = from.Add(-time.Nanosecond)
	}

	iv.StartWithGap = iv.From.Add(-g.gap)
	if g.first {
		iv.ResumeID = g.resume
		g.first = false
	}
	return iv, true
}

// dayStartUTC returns the UTC midnight opening the day t falls on.
func dayStartUTC(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// endOfDayUTC returns the last representable instant of the day t falls on.
func endOfDayUTC(t time.Time) time.Time {
	return dayStartUTC(t).Add(24*time.Hour - time.Nanosecond)
}
