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

package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
)

type MockGateway struct {
	mock.Mock
}

var _ store.Gateway = (*MockGateway)(nil)

func (m *MockGateway) GetEventsRange(ctx context.Context, from, to time.Time, order records.Order, page store.PageArgs) ([]records.EventWrapper, error) {
	args := m.Called(ctx, from, to, order, page)

	var out []records.EventWrapper
	if args.Get(0) != nil {
		out = args.Get(0).([]records.EventWrapper)
	}
	return out, args.Error(1)
}

func (m *MockGateway) GetEventsFromResume(ctx context.Context, resume records.ProviderEventID, end time.Time, order records.Order, page store.PageArgs) ([]records.EventWrapper, error) {
	args := m.Called(ctx, resume, end, order, page)

	var out []records.EventWrapper
	if args.Get(0) != nil {
		out = args.Get(0).([]records.EventWrapper)
	}
	return out, args.Error(1)
}

func (m *MockGateway) GetEventsUntilResume(ctx context.Context, start time.Time, resume records.ProviderEventID, order records.Order, page store.PageArgs) ([]records.EventWrapper, error) {
	args := m.Called(ctx, start, resume, order, page)

	var out []records.EventWrapper
	if args.Get(0) != nil {
		out = args.Get(0).([]records.EventWrapper)
	}
	return out, args.Error(1)
}

func (m *MockGateway) GetEvent(ctx context.Context, id records.ProviderEventID) (*records.Event, error) {
	args := m.Called(ctx, id)

	var out *records.Event
	if args.Get(0) != nil {
		out = args.Get(0).(*records.Event)
	}
	return out, args.Error(1)
}

func (m *MockGateway) GetEventWrapper(ctx context.Context, wrapperID string) (records.EventWrapper, error) {
	args := m.Called(ctx, wrapperID)

	var out records.EventWrapper
	if args.Get(0) != nil {
		out = args.Get(0).(records.EventWrapper)
	}
	return out, args.Error(1)
}

func (m *MockGateway) GetMessageBatches(ctx context.Context, filter store.MessageBatchFilter) ([]*records.MessageBatch, error) {
	args := m.Called(ctx, filter)

	var out []*records.MessageBatch
	if args.Get(0) != nil {
		out = args.Get(0).([]*records.MessageBatch)
	}
	return out, args.Error(1)
}

func (m *MockGateway) GetMessage(ctx context.Context, id records.MessageID) (*records.Message, error) {
	args := m.Called(ctx, id)

	var out *records.Message
	if args.Get(0) != nil {
		out = args.Get(0).(*records.Message)
	}
	return out, args.Error(1)
}

func (m *MockGateway) GetFirstMessageID(ctx context.Context, ts time.Time, stream records.StreamKey, relation records.Order) (records.MessageID, bool, error) {
	args := m.Called(ctx, ts, stream, relation)

	var out records.MessageID
	if args.Get(0) != nil {
		out = args.Get(0).(records.MessageID)
	}
	return out, args.Bool(1), args.Error(2)
}

func (m *MockGateway) GetFirstMessageSequence(ctx context.Context, stream records.StreamKey) (int64, bool, error) {
	args := m.Called(ctx, stream)

	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MockGateway) GetEventIDs(ctx context.Context, id records.MessageID) ([]records.ProviderEventID, error) {
	args := m.Called(ctx, id)

	var out []records.ProviderEventID
	if args.Get(0) != nil {
		out = args.Get(0).([]records.ProviderEventID)
	}
	return out, args.Error(1)
}

func (m *MockGateway) GetMessageIDs(ctx context.Context, id records.ProviderEventID) ([]records.MessageID, error) {
	args := m.Called(ctx, id)

	var out []records.MessageID
	if args.Get(0) != nil {
		out = args.Get(0).([]records.MessageID)
	}
	return out, args.Error(1)
}

func (m *MockGateway) ListStreams(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)

	var out []string
	if args.Get(0) != nil {
		out = args.Get(0).([]string)
	}
	return out, args.Error(1)
}

func (m *MockGateway) Close() error {
	args := m.Called()

	return args.Error(0)
}
