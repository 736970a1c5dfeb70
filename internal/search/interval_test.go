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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

func collectIntervals(g *IntervalGenerator) []Interval {
	var out []Interval
	for {
		iv, ok := g.Next()
		if !ok {
			return out
		}
		out = append(out, iv)
	}
}

func TestIntervalGeneratorAfterSplitsAtMidnight(t *testing.T) {
	gap := 5 * time.Minute
	start := time.Date(2024, 3, 5, 22, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 7, 1, 0, 0, 0, time.UTC)

	ivs := collectIntervals(NewIntervalGenerator(records.OrderAfter, start, end, gap, nil))
	require.Len(t, ivs, 3)

	day1End := time.Date(2024, 3, 5, 23, 59, 59, 999999999, time.UTC)
	day2Start := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	day2End := time.Date(2024, 3, 6, 23, 59, 59, 999999999, time.UTC)
	day3Start := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, start, ivs[0].From)
	assert.Equal(t, day1End, ivs[0].To)
	assert.Equal(t, day2Start, ivs[1].From)
	assert.Equal(t, day2End, ivs[1].To)
	assert.Equal(t, day3Start, ivs[2].From)
	assert.Equal(t, end, ivs[2].To)

	// every window carries the gap prefix, the midnight ones included
	for _, iv := range ivs {
		assert.Equal(t, iv.From.Add(-gap), iv.StartWithGap)
	}
}

func TestIntervalGeneratorBeforeWalksBackward(t *testing.T) {
	gap := 5 * time.Minute
	start := time.Date(2024, 3, 7, 1, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 5, 22, 0, 0, 0, time.UTC)

	ivs := collectIntervals(NewIntervalGenerator(records.OrderBefore, start, end, gap, nil))
	require.Len(t, ivs, 3)

	assert.Equal(t, time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC), ivs[0].From)
	assert.Equal(t, start, ivs[0].To)
	assert.Equal(t, time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC), ivs[1].From)
	assert.Equal(t, time.Date(2024, 3, 6, 23, 59, 59, 999999999, time.UTC), ivs[1].To)
	assert.Equal(t, end, ivs[2].From)
	assert.Equal(t, time.Date(2024, 3, 5, 23, 59, 59, 999999999, time.UTC), ivs[2].To)
}

func TestIntervalGeneratorSingleWindow(t *testing.T) {
	start := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	ivs := collectIntervals(NewIntervalGenerator(records.OrderAfter, start, end, time.Minute, nil))
	require.Len(t, ivs, 1)
	assert.Equal(t, start, ivs[0].From)
	assert.Equal(t, end, ivs[0].To)
}

func TestIntervalGeneratorEmptyRange(t *testing.T) {
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	assert.Empty(t, collectIntervals(NewIntervalGenerator(records.OrderAfter, at, at, time.Minute, nil)))
	assert.Empty(t, collectIntervals(NewIntervalGenerator(records.OrderBefore, at, at, time.Minute, nil)))
}

func TestIntervalGeneratorResumeOnFirstWindowOnly(t *testing.T) {
	start := time.Date(2024, 3, 5, 22, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 6, 4, 0, 0, 0, time.UTC)
	resume := &records.ProviderEventID{BatchID: "b1", EventID: "e1"}

	ivs := collectIntervals(NewIntervalGenerator(records.OrderAfter, start, end, time.Minute, resume))
	require.Len(t, ivs, 2)
	require.NotNil(t, ivs[0].ResumeID)
	assert.Equal(t, *resume, *ivs[0].ResumeID)
	assert.Nil(t, ivs[1].ResumeID)
}
