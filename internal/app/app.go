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

// Package app assembles the HTTP surface of the data provider: the SSE
// search endpoints, the single-record lookups and the operational routes.
package app

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/requestid"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/middleware"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/search"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
	"github.com/dillon-rush/th2-rpt-data-provider/pkg/config"
)

type App struct {
	*gin.Engine

	cfg      *config.Config
	gateway  store.Gateway
	decoder  search.Decoder
	events   *search.EventSearchEngine
	messages *search.MessageSearchEngine
}

// Create new gin app
func NewApp(cfg *config.Config, gateway store.Gateway, decoder search.Decoder) *App {
	// Init app
	app := &App{
		Engine:  gin.New(),
		cfg:     cfg,
		gateway: gateway,
		decoder: decoder,
	}

	// Streaming searches retry transient store failures; single-record
	// lookups keep the raw gateway and fail fast.
	searchGateway := store.WithRetries(gateway, cfg.Store.RetryDelay, cfg.Store.RetryAttempts)

	app.events = search.NewEventSearchEngine(searchGateway, search.EventSearchOptions{
		ChunkSize:     cfg.Search.EventSearchChunkSize,
		PrefetchDepth: cfg.Search.SseEventSearchStep,
		Gap:           cfg.Search.EventSearchGap,
		RescanDelay:   cfg.Search.SseSearchDelay,
	})
	app.messages = search.NewMessageSearchEngine(searchGateway, decoder, search.MessageSearchOptions{
		SendEmptyDelay: cfg.Search.SendEmptyDelay,
		PipelineBuffer: cfg.Search.MessagePipelineBuffer,
		PollDelay:      cfg.Search.SseSearchDelay,
	})

	// If not in test-mode
	if gin.Mode() != gin.TestMode {
		app.Use(gin.Recovery())
	}

	// Add request-id middleware
	app.Use(requestid.New())

	// Add logging middleware
	if cfg.Logging.AccessLog.Enabled {
		app.Use(middleware.LoggingMiddleware(cfg.Logging.AccessLog.HideHealthChecks))
	}

	// Routes
	root := app.Group(cfg.BasePath)

	// https://security.stackexchange.com/questions/147554/security-headers-for-a-web-api
	// https://observatory.mozilla.org/faq/
	root.Use(secure.New(secure.Config{
		STSSeconds:            63072000,
		FrameDeny:             true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ContentTypeNosniff:    true,
	}))

	// SSE routes; no gzip so frames reach the client as they are flushed
	sseRoutes := root.Group("/search/sse")
	{
		h := &SearchHandlers{app}
		sseRoutes.GET("/events", h.EventsGET)
		sseRoutes.GET("/messages", h.MessagesGET)
	}

	// REST routes
	restRoutes := root.Group("/")
	{
		restRoutes.Use(gzip.Gzip(gzip.DefaultCompression))

		h := &RecordHandlers{app}
		restRoutes.GET("/event/:id", h.EventGET)
		restRoutes.GET("/message/:id", h.MessageGET)
		restRoutes.GET("/messageStreams", h.MessageStreamsGET)
		restRoutes.GET("/filters/sse-events", h.EventFiltersGET)
		restRoutes.GET("/filters/sse-messages", h.MessageFiltersGET)
	}

	// Health endpoint
	root.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Prometheus endpoint
	root.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return app
}
