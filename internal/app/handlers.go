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
	"context"
	"net/http"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/filters"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/metrics"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/search"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/sse"
)

// SearchHandlers owns the SSE search endpoints.
type SearchHandlers struct {
	*App
}

// EventsGET streams matching events.
func (h *SearchHandlers) EventsGET(c *gin.Context) {
	req, err := parseSearchRequest(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := req.ValidateForEvents(); err != nil {
		abortWithError(c, err)
		return
	}

	fparams, err := parseFilterParams(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	fset, err := filters.BuildEventFilters(fparams)
	if err != nil {
		abortWithError(c, err)
		return
	}

	h.streamSearch(c, "events", func(ctx context.Context, progress *search.ProgressBus, w *sse.Writer) error {
		return h.events.Search(ctx, req, fset, progress, func(e *records.Event) error {
			var payload any = records.NewEventEntity(e, req.AttachedMessages)
			if req.MetadataOnly {
				payload = records.NewEventTreeNode(e)
			}
			if err := w.WriteEvent(payload); err != nil {
				return err
			}
			metrics.RecordsEmitted.WithLabelValues("event").Inc()
			return nil
		})
	})
}

// MessagesGET streams matching messages.
func (h *SearchHandlers) MessagesGET(c *gin.Context) {
	req, err := parseSearchRequest(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := req.ValidateForMessages(); err != nil {
		abortWithError(c, err)
		return
	}
	if max := h.cfg.Search.MaxMessagesLimit; req.Limit > max {
		abortWithError(c, errs.Newf(errs.KindInvalidRequest, "resultCountLimit must not exceed %d", max))
		return
	}

	fparams, err := parseFilterParams(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	fset, err := filters.BuildMessageFilters(fparams)
	if err != nil {
		abortWithError(c, err)
		return
	}

	h.streamSearch(c, "messages", func(ctx context.Context, progress *search.ProgressBus, w *sse.Writer) error {
		return h.messages.Search(ctx, req, fset, progress, func(m *records.Message) error {
			if err := w.WriteMessage(records.NewMessageEntity(m, req.MetadataOnly)); err != nil {
				return err
			}
			metrics.RecordsEmitted.WithLabelValues("message").Inc()
			return nil
		})
	})
}

// streamSearch runs one search over an event stream: writer setup, the
// keep-alive goroutine, and the terminal error/close frames. The keep-alive
// loop is reaped before the terminal frames so close is always the last
// frame.
func (h *SearchHandlers) streamSearch(c *gin.Context, label string, run func(context.Context, *search.ProgressBus, *sse.Writer) error) {
	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer w.Close()

	metrics.ActiveSearches.WithLabelValues(label).Inc()
	defer metrics.ActiveSearches.WithLabelValues(label).Dec()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	progress := search.NewProgressBus()

	kaDone := make(chan struct{})
	go func() {
		defer close(kaDone)
		sse.RunKeepAlive(ctx, w, h.cfg.Search.KeepAliveTimeout, progress.Last)
	}()

	err = run(ctx, progress, w)

	cancel()
	<-kaDone

	logger := zerolog.Ctx(c.Request.Context())
	if err != nil {
		if errs.IsKind(err, errs.KindCancelled) {
			logger.Debug().Msg("search cancelled")
		} else {
			logger.Error().Err(err).Msg("search failed")
			_ = w.WriteError(publicKind(err), userMessage(err), requestid.Get(c))
		}
	}
	_ = w.WriteClose()
}

// RecordHandlers owns the single-record and listing endpoints.
type RecordHandlers struct {
	*App
}

// EventGET resolves one event by its provider id.
func (h *RecordHandlers) EventGET(c *gin.Context) {
	id, err := records.ParseProviderEventID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	ev, err := h.gateway.GetEvent(ctx, id)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			zerolog.Ctx(ctx).Warn().Str("eventId", id.String()).Msg("event not found")
		}
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, records.NewEventEntity(ev, true))
}

// MessageGET resolves one message, decoded unless raw=true.
func (h *RecordHandlers) MessageGET(c *gin.Context) {
	id, err := records.ParseMessageID(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	raw, err := boolParam(c, "raw")
	if err != nil {
		abortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	msg, err := h.gateway.GetMessage(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if !raw {
		batch := &records.MessageBatch{StreamKey: id.StreamKey, Messages: []records.Message{*msg}}
		decoded, err := h.decoder.Decode(ctx, records.NewCodecRequest(batch))
		if err != nil {
			abortWithError(c, err)
			return
		}
		msg = decoded.First()
	}

	c.JSON(http.StatusOK, records.NewMessageEntity(msg, false))
}

// MessageStreamsGET lists the distinct stream names in store.
func (h *RecordHandlers) MessageStreamsGET(c *gin.Context) {
	streams, err := h.gateway.ListStreams(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, streams)
}

// EventFiltersGET lists the registered event filter names.
func (h *RecordHandlers) EventFiltersGET(c *gin.Context) {
	c.JSON(http.StatusOK, filters.EventFilterNames())
}

// MessageFiltersGET lists the registered message filter names.
func (h *RecordHandlers) MessageFiltersGET(c *gin.Context) {
	c.JSON(http.StatusOK, filters.MessageFilterNames())
}
