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

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/store"
	storemock "github.com/dillon-rush/th2-rpt-data-provider/internal/store/mock"
)

func TestRetryTransientThenSuccess(t *testing.T) {
	gw := &storemock.MockGateway{}
	gw.On("ListStreams", mock.Anything).
		Return(nil, errs.New(errs.KindStoreTransient, "connection reset")).Once()
	gw.On("ListStreams", mock.Anything).
		Return([]string{"fix01"}, nil).Once()

	retrying := store.WithRetries(gw, time.Millisecond, 3)

	out, err := retrying.ListStreams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fix01"}, out)
	gw.AssertNumberOfCalls(t, "ListStreams", 2)
}

func TestRetryFatalFailsFast(t *testing.T) {
	gw := &storemock.MockGateway{}
	gw.On("GetEvent", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindStoreFatal, "table missing"))

	retrying := store.WithRetries(gw, time.Millisecond, 3)

	_, err := retrying.GetEvent(context.Background(), records.ProviderEventID{EventID: "e1"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindStoreFatal))
	gw.AssertNumberOfCalls(t, "GetEvent", 1)
}

func TestRetryNotFoundFailsFast(t *testing.T) {
	gw := &storemock.MockGateway{}
	gw.On("GetMessage", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindNotFound, "message missing"))

	retrying := store.WithRetries(gw, time.Millisecond, 3)

	_, err := retrying.GetMessage(context.Background(), records.MessageID{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	gw.AssertNumberOfCalls(t, "GetMessage", 1)
}

func TestRetryEventIDsTransientThenSuccess(t *testing.T) {
	msgID := records.MessageID{
		StreamKey: records.StreamKey{Name: "fix01", Direction: records.DirectionFirst},
		Sequence:  42,
	}
	attached := []records.ProviderEventID{{EventID: "e1"}, {BatchID: "b1", EventID: "e2"}}

	gw := &storemock.MockGateway{}
	gw.On("GetEventIDs", mock.Anything, msgID).
		Return(nil, errs.New(errs.KindStoreTransient, "socket timeout")).Once()
	gw.On("GetEventIDs", mock.Anything, msgID).
		Return(attached, nil).Once()

	retrying := store.WithRetries(gw, time.Millisecond, 3)

	out, err := retrying.GetEventIDs(context.Background(), msgID)
	require.NoError(t, err)
	assert.Equal(t, attached, out)
	gw.AssertNumberOfCalls(t, "GetEventIDs", 2)
}

func TestRetryMessageIDsNotFoundFailsFast(t *testing.T) {
	gw := &storemock.MockGateway{}
	gw.On("GetMessageIDs", mock.Anything, mock.Anything).
		Return(nil, errs.New(errs.KindNotFound, "event missing"))

	retrying := store.WithRetries(gw, time.Millisecond, 3)

	_, err := retrying.GetMessageIDs(context.Background(), records.ProviderEventID{EventID: "ghost"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	gw.AssertNumberOfCalls(t, "GetMessageIDs", 1)
}

func TestRetryAttemptsExhausted(t *testing.T) {
	gw := &storemock.MockGateway{}
	gw.On("ListStreams", mock.Anything).
		Return(nil, errs.New(errs.KindStoreTransient, "connection reset"))

	retrying := store.WithRetries(gw, time.Millisecond, 3)

	_, err := retrying.ListStreams(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindStoreTransient))
	gw.AssertNumberOfCalls(t, "ListStreams", 3)
}

func TestRetryStopsOnCancel(t *testing.T) {
	gw := &storemock.MockGateway{}
	gw.On("ListStreams", mock.Anything).
		Return(nil, errs.New(errs.KindStoreTransient, "connection reset"))

	retrying := store.WithRetries(gw, time.Minute, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := retrying.ListStreams(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCancelled))
	assert.Less(t, time.Since(start), time.Second)
	gw.AssertNumberOfCalls(t, "ListStreams", 1)
}
