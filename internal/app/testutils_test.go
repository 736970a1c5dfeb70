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
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/search"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
	storemock "github.com/dillon-rush/th2-rpt-data-provider/internal/store/mock"
	"github.com/dillon-rush/th2-rpt-data-provider/pkg/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Create new base config for testing. Periodic frames are pushed out far
// enough that they never show up in finished test streams.
func NewTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.AccessLog.Enabled = false
	cfg.Search.KeepAliveTimeout = time.Hour
	cfg.Search.SendEmptyDelay = time.Hour
	cfg.Search.SseSearchDelay = 5 * time.Millisecond
	return cfg
}

// Create new app for testing
func NewTestApp(cfg *config.Config, gateway store.Gateway, decoder search.Decoder) *App {
	if cfg == nil {
		cfg = NewTestConfig()
	}
	if gateway == nil {
		gateway = &storemock.MockGateway{}
	}
	if decoder == nil {
		decoder = &testDecoder{}
	}
	return NewApp(cfg, gateway, decoder)
}

// testDecoder resolves decode round-trips locally with a canned body.
type testDecoder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *testDecoder) Decode(_ context.Context, req *records.CodecRequest) (*records.MessageBatch, error) {
	d.mu.Lock()
	d.calls++
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := *req.Batch
	out.Messages = slices.Clone(req.Batch.Messages)
	for i := range out.Messages {
		m := &out.Messages[i]
		m.MessageType = "Echo"
		m.Body = json.RawMessage(fmt.Sprintf(`{"seq":%d}`, m.ID.Sequence))
	}
	return &out, nil
}

// Calls reports how many decode round-trips were requested
func (d *testDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
