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

// Package filters implements the closed set of user filters applied by the
// search engines. A filter is active iff its {name}-values parameter is
// present; {name}-negative inverts the verdict and {name}-conjunct requires
// every value to match instead of any.
package filters

import (
	"bytes"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// Requirement flags capabilities a filter needs from the pipeline.
type Requirement uint8

const (
	NeedNone Requirement = 0

	// NeedBody forces the decoded body to be materialized before Apply.
	NeedBody Requirement = 1 << iota
)

// Params is one filter's request parameters.
type Params struct {
	Negative bool
	Conjunct bool
	Values   []string
}

func (p Params) verdict(matched bool) bool {
	if p.Negative {
		return !matched
	}
	return matched
}

// matchSubstrings reports whether the haystack contains the values: all of
// them when conjunct, any of them otherwise. Matching is case-insensitive;
// values must be pre-lowered.
func matchSubstrings(haystack string, lowered []string, conjunct bool) bool {
	for _, v := range lowered {
		ok := strings.Contains(haystack, v)
		if conjunct && !ok {
			return false
		}
		if !conjunct && ok {
			return true
		}
	}
	return conjunct
}

// matchEquality reports whether the candidate set covers the values: all of
// them when conjunct, any of them otherwise.
func matchEquality(candidates []string, values []string, conjunct bool) bool {
	set := mapset.NewThreadUnsafeSet(candidates...)
	for _, v := range values {
		ok := set.Contains(v)
		if conjunct && !ok {
			return false
		}
		if !conjunct && ok {
			return true
		}
	}
	return conjunct
}

// EventFilter evaluates one event.
type EventFilter interface {
	Name() string
	Needs() Requirement
	Apply(e *records.Event) bool
}

// MessageFilter evaluates one decoded message.
type MessageFilter interface {
	Name() string
	Needs() Requirement
	Apply(m *records.Message) bool
}

type eventSubstringFilter struct {
	name    string
	params  Params
	lowered []string
	needs   Requirement
	extract func(*records.Event) string
}

func (f *eventSubstringFilter) Name() string       { return f.name }
func (f *eventSubstringFilter) Needs() Requirement { return f.needs }

func (f *eventSubstringFilter) Apply(e *records.Event) bool {
	haystack := strings.ToLower(f.extract(e))
	return f.params.verdict(matchSubstrings(haystack, f.lowered, f.params.Conjunct))
}

type eventEqualityFilter struct {
	name    string
	params  Params
	extract func(*records.Event) []string
}

func (f *eventEqualityFilter) Name() string       { return f.name }
func (f *eventEqualityFilter) Needs() Requirement { return NeedNone }

func (f *eventEqualityFilter) Apply(e *records.Event) bool {
	return f.params.verdict(matchEquality(f.extract(e), f.params.Values, f.params.Conjunct))
}

type messageSubstringFilter struct {
	name    string
	params  Params
	lowered []string
	needs   Requirement
	extract func(*records.Message) string
}

func (f *messageSubstringFilter) Name() string       { return f.name }
func (f *messageSubstringFilter) Needs() Requirement { return f.needs }

func (f *messageSubstringFilter) Apply(m *records.Message) bool {
	haystack := strings.ToLower(f.extract(m))
	return f.params.verdict(matchSubstrings(haystack, f.lowered, f.params.Conjunct))
}

type messageBinaryFilter struct {
	params Params
}

func (f *messageBinaryFilter) Name() string       { return "bodyBinary" }
func (f *messageBinaryFilter) Needs() Requirement { return NeedNone }

func (f *messageBinaryFilter) Apply(m *records.Message) bool {
	matched := false
	if f.params.Conjunct {
		matched = true
		for _, v := range f.params.Values {
			if !bytes.Contains(m.Payload, []byte(v)) {
				matched = false
				break
			}
		}
	} else {
		for _, v := range f.params.Values {
			if bytes.Contains(m.Payload, []byte(v)) {
				matched = true
				break
			}
		}
	}
	return f.params.verdict(matched)
}

type messageEqualityFilter struct {
	name    string
	params  Params
	extract func(*records.Message) []string
}

func (f *messageEqualityFilter) Name() string       { return f.name }
func (f *messageEqualityFilter) Needs() Requirement { return NeedNone }

func (f *messageEqualityFilter) Apply(m *records.Message) bool {
	return f.params.verdict(matchEquality(f.extract(m), f.params.Values, f.params.Conjunct))
}

// EventFilterSet applies every active event filter; an event passes when all
// filters pass.
type EventFilterSet []EventFilter

func (s EventFilterSet) Apply(e *records.Event) bool {
	for _, f := range s {
		if !f.Apply(e) {
			return false
		}
	}
	return true
}

func (s EventFilterSet) Needs() Requirement {
	var needs Requirement
	for _, f := range s {
		needs |= f.Needs()
	}
	return needs
}

// MessageFilterSet applies every active message filter.
type MessageFilterSet []MessageFilter

func (s MessageFilterSet) Apply(m *records.Message) bool {
	for _, f := range s {
		if !f.Apply(m) {
			return false
		}
	}
	return true
}

func (s MessageFilterSet) Needs() Requirement {
	var needs Requirement
	for _, f := range s {
		needs |= f.Needs()
	}
	return needs
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

// EventFilterNames lists the registered event filters.
func EventFilterNames() []string {
	return []string{"attachedMessageId", "body", "name", "parentEvent", "type"}
}

// MessageFilterNames lists the registered message filters.
func MessageFilterNames() []string {
	return []string{"attachedEventId", "body", "bodyBinary", "type"}
}

// BuildEventFilters constructs the active event filters. Unknown names are
// rejected; the set is ordered by name so application order is stable.
func BuildEventFilters(params map[string]Params) (EventFilterSet, error) {
	var set EventFilterSet
	for _, name := range EventFilterNames() {
		p, ok := params[name]
		if !ok {
			continue
		}
		if len(p.Values) == 0 {
			return nil, errs.Newf(errs.KindInvalidRequest, "filter %q has no values", name)
		}

		switch name {
		case "name":
			set = append(set, &eventSubstringFilter{
				name: name, params: p, lowered: lowerAll(p.Values), needs: NeedNone,
				extract: func(e *records.Event) string { return e.Name },
			})
		case "type":
			set = append(set, &eventSubstringFilter{
				name: name, params: p, lowered: lowerAll(p.Values), needs: NeedNone,
				extract: func(e *records.Event) string { return e.Type },
			})
		case "body":
			set = append(set, &eventSubstringFilter{
				name: name, params: p, lowered: lowerAll(p.Values), needs: NeedBody,
				extract: func(e *records.Event) string { return string(e.Body) },
			})
		case "attachedMessageId":
			set = append(set, &eventEqualityFilter{
				name: name, params: p,
				extract: func(e *records.Event) []string { return e.AttachedMessageIDs },
			})
		case "parentEvent":
			set = append(set, &eventEqualityFilter{
				name: name, params: p,
				extract: func(e *records.Event) []string { return []string{e.ParentID} },
			})
		}
	}

	if err := rejectUnknown(params, EventFilterNames()); err != nil {
		return nil, err
	}
	return set, nil
}

// BuildMessageFilters constructs the active message filters.
func BuildMessageFilters(params map[string]Params) (MessageFilterSet, error) {
	var set MessageFilterSet
	for _, name := range MessageFilterNames() {
		p, ok := params[name]
		if !ok {
			continue
		}
		if len(p.Values) == 0 {
			return nil, errs.Newf(errs.KindInvalidRequest, "filter %q has no values", name)
		}

		switch name {
		case "type":
			set = append(set, &messageSubstringFilter{
				name: name, params: p, lowered: lowerAll(p.Values), needs: NeedNone,
				extract: func(m *records.Message) string { return m.MessageType },
			})
		case "body":
			set = append(set, &messageSubstringFilter{
				name: name, params: p, lowered: lowerAll(p.Values), needs: NeedBody,
				extract: func(m *records.Message) string { return string(m.Body) },
			})
		case "bodyBinary":
			set = append(set, &messageBinaryFilter{params: p})
		case "attachedEventId":
			set = append(set, &messageEqualityFilter{
				name: name, params: p,
				extract: func(m *records.Message) []string { return m.AttachedEventIDs },
			})
		}
	}

	if err := rejectUnknown(params, MessageFilterNames()); err != nil {
		return nil, err
	}
	return set, nil
}

func rejectUnknown(params map[string]Params, known []string) error {
	for name := range params {
		found := false
		for _, k := range known {
			if k == name {
				found = true
				break
			}
		}
		if !found {
			return errs.Newf(errs.KindInvalidRequest, "unknown filter %q", name)
		}
	}
	return nil
}
