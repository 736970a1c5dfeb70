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

package app

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/filters"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// parseSearchRequest reads the query parameters shared by both search
// endpoints. Cross-field validation stays with the records package.
func parseSearchRequest(c *gin.Context) (*records.SearchRequest, error) {
	req := &records.SearchRequest{}

	var err error
	if req.Order, err = records.ParseOrder(c.Query("searchDirection")); err != nil {
		return nil, err
	}
	if req.StartTimestamp, err = millisParam(c, "startTimestamp"); err != nil {
		return nil, err
	}
	if req.EndTimestamp, err = millisParam(c, "endTimestamp"); err != nil {
		return nil, err
	}
	req.ResumeFromID = c.Query("resumeFromId")

	for _, raw := range c.QueryArray("stream") {
		key, err := records.ParseStreamKey(raw)
		if err != nil {
			return nil, err
		}
		req.Streams = append(req.Streams, key)
	}

	if req.Limit, err = intParam(c, "resultCountLimit"); err != nil {
		return nil, err
	}
	if req.LimitForParent, err = intParam(c, "limitForParent"); err != nil {
		return nil, err
	}
	if req.LookupLimitDays, err = intParam(c, "lookupLimitDays"); err != nil {
		return nil, err
	}
	if req.KeepOpen, err = boolParam(c, "keepOpen"); err != nil {
		return nil, err
	}
	if req.MetadataOnly, err = boolParam(c, "metadataOnly"); err != nil {
		return nil, err
	}
	if req.AttachedMessages, err = boolParam(c, "attachedMessages"); err != nil {
		return nil, err
	}

	if raw := c.Query("parentEvent"); raw != "" {
		id, err := records.ParseProviderEventID(raw)
		if err != nil {
			return nil, err
		}
		req.ParentEvent = &id
	}

	return req, nil
}

// parseFilterParams collects the {name}-values / {name}-negative /
// {name}-conjunct parameter triples. A filter is active iff its values key is
// present; unknown filter names are rejected by the filter builders.
func parseFilterParams(c *gin.Context) (map[string]filters.Params, error) {
	var out map[string]filters.Params

	for key, values := range c.Request.URL.Query() {
		name, found := strings.CutSuffix(key, "-values")
		if !found || name == "" {
			continue
		}

		p := filters.Params{Values: values}
		var err error
		if p.Negative, err = boolParam(c, name+"-negative"); err != nil {
			return nil, err
		}
		if p.Conjunct, err = boolParam(c, name+"-conjunct"); err != nil {
			return nil, err
		}

		if out == nil {
			out = make(map[string]filters.Params)
		}
		out[name] = p
	}

	return out, nil
}

// millisParam parses an epoch-milliseconds parameter; absent means the zero
// time.
func millisParam(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errs.Newf(errs.KindInvalidRequest, "%s must be epoch milliseconds", name)
	}
	return records.FromMillis(ms), nil
}

func intParam(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Newf(errs.KindInvalidRequest, "%s must be an integer", name)
	}
	return n, nil
}

func boolParam(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errs.Newf(errs.KindInvalidRequest, "%s must be a boolean", name)
	}
	return b, nil
}
