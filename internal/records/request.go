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
	"time"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
)

// SearchRequest holds the parsed parameters shared by the event and message
// search endpoints. Zero timestamps mean the bound was not supplied.
type SearchRequest struct {
	Order          Order
	StartTimestamp time.Time
	EndTimestamp   time.Time
	ResumeFromID   string
	Streams        []StreamKey

	// Limit is resultCountLimit; 0 means unbounded
	Limit          int
	LimitForParent int

	KeepOpen         bool
	MetadataOnly     bool
	AttachedMessages bool

	LookupLimitDays int
	ParentEvent     *ProviderEventID
}

func (r *SearchRequest) HasStart() bool { return !r.StartTimestamp.IsZero() }
func (r *SearchRequest) HasEnd() bool   { return !r.EndTimestamp.IsZero() }

// validateCommon checks the rules shared by both search kinds.
func (r *SearchRequest) validateCommon() error {
	if r.Order != OrderAfter && r.Order != OrderBefore {
		return errs.New(errs.KindInvalidRequest, "searchDirection must be next or previous")
	}
	if !r.HasStart() && r.ResumeFromID == "" {
		return errs.New(errs.KindInvalidRequest, "one of startTimestamp or resumeFromId is required")
	}
	if r.HasStart() && r.HasEnd() {
		if r.Order == OrderAfter && r.StartTimestamp.After(r.EndTimestamp) {
			return errs.New(errs.KindInvalidRequest, "startTimestamp must not be after endTimestamp for next search")
		}
		if r.Order == OrderBefore && r.StartTimestamp.Before(r.EndTimestamp) {
			return errs.New(errs.KindInvalidRequest, "startTimestamp must not be before endTimestamp for previous search")
		}
	}
	if r.Limit < 0 {
		return errs.New(errs.KindInvalidRequest, "resultCountLimit must be positive")
	}
	if r.LimitForParent < 0 {
		return errs.New(errs.KindInvalidRequest, "limitForParent must be positive")
	}
	if r.LookupLimitDays < 0 {
		return errs.New(errs.KindInvalidRequest, "lookupLimitDays must be positive")
	}
	return nil
}

// ValidateForEvents checks the event search rules. A previous-direction scan
// needs an end bound because event intervals are enumerated day by day.
func (r *SearchRequest) ValidateForEvents() error {
	if err := r.validateCommon(); err != nil {
		return err
	}
	if r.Order == OrderBefore && !r.HasEnd() {
		return errs.New(errs.KindInvalidRequest, "previous event search requires endTimestamp")
	}
	if r.ResumeFromID != "" {
		if _, err := ParseProviderEventID(r.ResumeFromID); err != nil {
			return err
		}
	}
	return nil
}

// ValidateForMessages checks the message search rules. The resume id must
// parse and must name one of the requested streams, otherwise the extractor
// for its stream would never be built.
func (r *SearchRequest) ValidateForMessages() error {
	if err := r.validateCommon(); err != nil {
		return err
	}
	if len(r.Streams) == 0 {
		return errs.New(errs.KindInvalidRequest, "at least one stream is required")
	}
	if r.ResumeFromID != "" {
		id, err := ParseMessageID(r.ResumeFromID)
		if err != nil {
			return err
		}
		found := false
		for _, s := range r.Streams {
			if s.Name == id.Name && (s.Direction == DirectionUnknown || s.Direction == id.Direction) {
				found = true
				break
			}
		}
		if !found {
			return errs.Newf(errs.KindInvalidRequest, "resumeFromId stream %q is not among the requested streams", id.Name)
		}
	}
	return nil
}

// ResumeMessageID returns the parsed resume id of a message search.
func (r *SearchRequest) ResumeMessageID() (MessageID, bool) {
	if r.ResumeFromID == "" {
		return MessageID{}, false
	}
	id, err := ParseMessageID(r.ResumeFromID)
	if err != nil {
		return MessageID{}, false
	}
	return id, true
}

// ExpandStreams resolves direction-less stream keys into one key per
// direction, deduplicating exact repeats while preserving request order.
func ExpandStreams(keys []StreamKey) []StreamKey {
	out := make([]StreamKey, 0, len(keys)*2)
	seen := make(map[StreamKey]struct{}, len(keys)*2)
	add := func(k StreamKey) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range keys {
		if k.Direction == DirectionUnknown {
			add(StreamKey{Name: k.Name, Direction: DirectionFirst})
			add(StreamKey{Name: k.Name, Direction: DirectionSecond})
			continue
		}
		add(k)
	}
	return out
}
