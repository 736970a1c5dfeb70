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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"github.com/dillon-rush/th2-rpt-data-provider/internal/errs"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/logging"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/metrics"
	"github.com/dillon-rush/th2-rpt-data-provider/internal/records"
)

// ClickHouseGateway implements Gateway over a native ClickHouse connection.
//
// Expected tables (DateTime64(9) in UTC):
//
//	CREATE TABLE event_wrappers (
//	    wrapper_id           String,
//	    is_batch             UInt8,
//	    parent_event_id      String,
//	    name                 String,
//	    type                 String,
//	    start_timestamp      DateTime64(9, 'UTC'),
//	    end_timestamp        DateTime64(9, 'UTC'),
//	    successful           UInt8,
//	    events               String,  -- JSON array of member events
//	    attached_message_ids Array(String)
//	) ENGINE = MergeTree
//	PARTITION BY toYYYYMMDD(start_timestamp)
//	ORDER BY (start_timestamp, wrapper_id);
//
//	CREATE TABLE messages (
//	    stream_name        String,
//	    direction          Enum8('first' = 1, 'second' = 2),
//	    sequence           Int64,
//	    timestamp          DateTime64(9, 'UTC'),
//	    batch_id           String,
//	    message_type       String,
//	    payload            String,
//	    attached_event_ids Array(String)
//	) ENGINE = MergeTree
//	PARTITION BY toYYYYMMDD(timestamp)
//	ORDER BY (stream_name, direction, sequence);
//
// Event pages are keyed by (start_timestamp, wrapper_id), message scans by
// sequence per (stream_name, direction). Tuple comparisons keep page cost
// independent of depth.
type ClickHouseGateway struct {
	conn   driver.Conn
	logger zerolog.Logger
}

var _ Gateway = (*ClickHouseGateway)(nil)

// NewClickHouseGateway opens a native connection and verifies it with a ping.
func NewClickHouseGateway(ctx context.Context, dsn string, dialTimeout time.Duration) (*ClickHouseGateway, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFatal, "parse store dsn", err)
	}
	opts.DialTimeout = dialTimeout
	opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreFatal, "open store connection", err)
	}

	g := &ClickHouseGateway{
		conn:   conn,
		logger: logging.ForComponent("store"),
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, g.wrapErr("ping", err)
	}
	return g, nil
}

func (g *ClickHouseGateway) Close() error {
	return g.conn.Close()
}

// eventMember is the stored JSON form of one event inside a wrapper row.
// Timestamps are unix nanoseconds.
type eventMember struct {
	EventID            string          `json:"eventId"`
	ParentEventID      string          `json:"parentEventId,omitempty"`
	Name               string          `json:"eventName"`
	Type               string          `json:"eventType,omitempty"`
	StartTimestamp     int64           `json:"startTimestamp"`
	EndTimestamp       int64           `json:"endTimestamp,omitempty"`
	Successful         bool            `json:"successful"`
	Body               json.RawMessage `json:"body,omitempty"`
	AttachedMessageIDs []string        `json:"attachedMessageIds,omitempty"`
}

func (m *eventMember) toEvent(batchID string) records.Event {
	var end time.Time
	if m.EndTimestamp != 0 {
		end = time.Unix(0, m.EndTimestamp).UTC()
	}
	return records.Event{
		ID:                 m.EventID,
		BatchID:            batchID,
		ParentID:           m.ParentEventID,
		Name:               m.Name,
		Type:               m.Type,
		Start:              time.Unix(0, m.StartTimestamp).UTC(),
		End:                end,
		Successful:         m.Successful,
		Body:               m.Body,
		AttachedMessageIDs: m.AttachedMessageIDs,
	}
}

const wrapperColumns = "wrapper_id, is_batch, parent_event_id, events"

func (g *ClickHouseGateway) scanWrappers(rows driver.Rows) ([]records.EventWrapper, error) {
	var out []records.EventWrapper
	for rows.Next() {
		var (
			wrapperID string
			isBatch   uint8
			parentID  string
			eventsRaw string
		)
		if err := rows.Scan(&wrapperID, &isBatch, &parentID, &eventsRaw); err != nil {
			return nil, err
		}

		var members []eventMember
		if err := json.Unmarshal([]byte(eventsRaw), &members); err != nil {
			return nil, errs.Wrapf(errs.KindStoreFatal, err, "malformed events column in wrapper %q", wrapperID)
		}

		if isBatch != 0 {
			events := make([]records.Event, 0, len(members))
			for i := range members {
				events = append(events, members[i].toEvent(wrapperID))
			}
			out = append(out, records.EventWrapper{Batch: records.NewEventBatch(wrapperID, parentID, events)})
			continue
		}

		if len(members) != 1 {
			return nil, errs.Newf(errs.KindStoreFatal, "single wrapper %q holds %d events", wrapperID, len(members))
		}
		e := members[0].toEvent("")
		out = append(out, records.EventWrapper{Single: &e})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *ClickHouseGateway) queryWrappers(ctx context.Context, op, query string, args []any) ([]records.EventWrapper, error) {
	defer observe(op)()

	rows, err := g.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, g.wrapErr(op, err)
	}
	defer rows.Close()

	out, err := g.scanWrappers(rows)
	if err != nil {
		return nil, g.wrapErr(op, err)
	}
	return out, nil
}

func (g *ClickHouseGateway) GetEventsRange(ctx context.Context, from, to time.Time, order records.Order, page PageArgs) ([]records.EventWrapper, error) {
	query := "SELECT " + wrapperColumns + ` FROM event_wrappers
		WHERE start_timestamp >= ? AND start_timestamp <= ?`
	args := []any{from, to}

	if page.IsContinuation() {
		if order == records.OrderAfter {
			query += " AND (start_timestamp, wrapper_id) > (?, ?)"
		} else {
			query += " AND (start_timestamp, wrapper_id) < (?, ?)"
		}
		args = append(args, page.AfterTime, page.AfterID)
	}

	query += orderAndLimit(order)
	args = append(args, page.Limit)

	return g.queryWrappers(ctx, "getEventsRange", query, args)
}

func (g *ClickHouseGateway) GetEventsFromResume(ctx context.Context, resume records.ProviderEventID, end time.Time, order records.Order, page PageArgs) ([]records.EventWrapper, error) {
	if page.IsContinuation() {
		// the continuation tuple already points past the resume position
		if order == records.OrderAfter {
			return g.GetEventsRange(ctx, page.AfterTime, end, order, page)
		}
		return g.GetEventsRange(ctx, end, page.AfterTime, order, page)
	}

	resumeTime, wrapperID, err := g.resolveWrapperTime(ctx, resume)
	if err != nil {
		return nil, err
	}

	var query string
	if order == records.OrderAfter {
		query = "SELECT " + wrapperColumns + ` FROM event_wrappers
			WHERE (start_timestamp, wrapper_id) >= (?, ?) AND start_timestamp <= ?`
	} else {
		query = "SELECT " + wrapperColumns + ` FROM event_wrappers
			WHERE (start_timestamp, wrapper_id) <= (?, ?) AND start_timestamp >= ?`
	}
	query += orderAndLimit(order)
	args := []any{resumeTime, wrapperID, end, page.Limit}

	return g.queryWrappers(ctx, "getEventsFromResume", query, args)
}

func (g *ClickHouseGateway) GetEventsUntilResume(ctx context.Context, start time.Time, resume records.ProviderEventID, order records.Order, page PageArgs) ([]records.EventWrapper, error) {
	resumeTime, wrapperID, err := g.resolveWrapperTime(ctx, resume)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + wrapperColumns + ` FROM event_wrappers
		WHERE start_timestamp >= ? AND (start_timestamp, wrapper_id) <= (?, ?)`
	args := []any{start, resumeTime, wrapperID}

	if page.IsContinuation() {
		if order == records.OrderAfter {
			query += " AND (start_timestamp, wrapper_id) > (?, ?)"
		} else {
			query += " AND (start_timestamp, wrapper_id) < (?, ?)"
		}
		args = append(args, page.AfterTime, page.AfterID)
	}

	query += orderAndLimit(order)
	args = append(args, page.Limit)

	return g.queryWrappers(ctx, "getEventsUntilResume", query, args)
}

// resolveWrapperTime looks up the start timestamp of the wrapper holding an
// event id. A missing wrapper is KindNotFound so callers can reject the
// resume id as invalid.
func (g *ClickHouseGateway) resolveWrapperTime(ctx context.Context, id records.ProviderEventID) (time.Time, string, error) {
	wrapperID := id.EventID
	if id.IsBatched() {
		wrapperID = id.BatchID
	}

	rows, err := g.conn.Query(ctx,
		"SELECT start_timestamp FROM event_wrappers WHERE wrapper_id = ? LIMIT 1", wrapperID)
	if err != nil {
		return time.Time{}, "", g.wrapErr("resolveWrapperTime", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return time.Time{}, "", g.wrapErr("resolveWrapperTime", err)
		}
		return time.Time{}, "", errs.Newf(errs.KindNotFound, "event %s not found", id)
	}

	var ts time.Time
	if err := rows.Scan(&ts); err != nil {
		return time.Time{}, "", g.wrapErr("resolveWrapperTime", err)
	}
	return ts, wrapperID, nil
}

func (g *ClickHouseGateway) GetEventWrapper(ctx context.Context, wrapperID string) (records.EventWrapper, error) {
	wrappers, err := g.queryWrappers(ctx, "getEventWrapper",
		"SELECT "+wrapperColumns+" FROM event_wrappers WHERE wrapper_id = ? LIMIT 1",
		[]any{wrapperID})
	if err != nil {
		return records.EventWrapper{}, err
	}
	if len(wrappers) == 0 {
		return records.EventWrapper{}, errs.Newf(errs.KindNotFound, "event wrapper %s not found", wrapperID)
	}
	return wrappers[0], nil
}

func (g *ClickHouseGateway) GetEvent(ctx context.Context, id records.ProviderEventID) (*records.Event, error) {
	wrapperID := id.EventID
	if id.IsBatched() {
		wrapperID = id.BatchID
	}

	w, err := g.GetEventWrapper(ctx, wrapperID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return nil, errs.Newf(errs.KindNotFound, "event %s not found", id)
		}
		return nil, err
	}
	if !id.IsBatched() {
		if w.IsBatch() {
			return nil, errs.Newf(errs.KindNotFound, "event %s not found: %q is a batch id", id, wrapperID)
		}
		return w.Single, nil
	}

	if !w.IsBatch() {
		return nil, errs.Newf(errs.KindNotFound, "event %s not found: %q is not a batch", id, id.BatchID)
	}
	e, ok := w.Batch.Get(id.EventID)
	if !ok {
		g.logger.Warn().
			Str("batch_id", id.BatchID).
			Str("event_id", id.EventID).
			Msg("batch does not contain the requested event")
		return nil, errs.Newf(errs.KindNotFound, "event %s not found in batch %s", id.EventID, id.BatchID)
	}
	return e, nil
}

const messageColumns = "batch_id, sequence, timestamp, message_type, payload, attached_event_ids"

func (g *ClickHouseGateway) GetMessageBatches(ctx context.Context, filter MessageBatchFilter) ([]*records.MessageBatch, error) {
	defer observe("getMessages")()

	// Step 1: narrow scan for the next batch ids along the cursor.
	idQuery := `SELECT batch_id FROM messages
		WHERE stream_name = ? AND direction = ? AND sequence >= ?
		GROUP BY batch_id ORDER BY min(sequence) ASC LIMIT ?`
	if filter.Order == records.OrderBefore {
		idQuery = `SELECT batch_id FROM messages
			WHERE stream_name = ? AND direction = ? AND sequence <= ?
			GROUP BY batch_id ORDER BY max(sequence) DESC LIMIT ?`
	}

	rows, err := g.conn.Query(ctx, idQuery,
		filter.Stream.Name, filter.Stream.Direction.String(), filter.FromSequence, filter.BatchLimit)
	if err != nil {
		return nil, g.wrapErr("getMessages", err)
	}

	var batchIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, g.wrapErr("getMessages", err)
		}
		batchIDs = append(batchIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, g.wrapErr("getMessages", err)
	}
	rows.Close()

	if len(batchIDs) == 0 {
		return nil, nil
	}

	// Step 2: wide fetch of whole batches. A batch straddling the cursor is
	// returned complete; the extractor trims.
	rows, err = g.conn.Query(ctx,
		"SELECT "+messageColumns+` FROM messages
		WHERE stream_name = ? AND direction = ? AND batch_id IN ?
		ORDER BY sequence ASC`,
		filter.Stream.Name, filter.Stream.Direction.String(), batchIDs)
	if err != nil {
		return nil, g.wrapErr("getMessages", err)
	}
	defer rows.Close()

	var batches []*records.MessageBatch
	var cur *records.MessageBatch
	for rows.Next() {
		var (
			batchID     string
			sequence    int64
			ts          time.Time
			messageType string
			payload     string
			attached    []string
		)
		if err := rows.Scan(&batchID, &sequence, &ts, &messageType, &payload, &attached); err != nil {
			return nil, g.wrapErr("getMessages", err)
		}

		if cur == nil || cur.BatchID != batchID {
			cur = &records.MessageBatch{BatchID: batchID, StreamKey: filter.Stream}
			batches = append(batches, cur)
		}
		cur.Messages = append(cur.Messages, records.Message{
			ID: records.MessageID{
				StreamKey: filter.Stream,
				Sequence:  sequence,
				Timestamp: ts.UTC(),
			},
			MessageType:      messageType,
			Payload:          []byte(payload),
			AttachedEventIDs: attached,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, g.wrapErr("getMessages", err)
	}

	if filter.Order == records.OrderBefore {
		for i, j := 0, len(batches)-1; i < j; i, j = i+1, j-1 {
			batches[i], batches[j] = batches[j], batches[i]
		}
	}
	return batches, nil
}

func (g *ClickHouseGateway) GetMessage(ctx context.Context, id records.MessageID) (*records.Message, error) {
	defer observe("getMessage")()

	rows, err := g.conn.Query(ctx,
		"SELECT "+messageColumns+` FROM messages
		WHERE stream_name = ? AND direction = ? AND sequence = ? LIMIT 1`,
		id.Name, id.Direction.String(), id.Sequence)
	if err != nil {
		return nil, g.wrapErr("getMessage", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, g.wrapErr("getMessage", err)
		}
		return nil, errs.Newf(errs.KindNotFound, "message %s not found", id)
	}

	var (
		batchID     string
		sequence    int64
		ts          time.Time
		messageType string
		payload     string
		attached    []string
	)
	if err := rows.Scan(&batchID, &sequence, &ts, &messageType, &payload, &attached); err != nil {
		return nil, g.wrapErr("getMessage", err)
	}

	return &records.Message{
		ID: records.MessageID{
			StreamKey: id.StreamKey,
			Sequence:  sequence,
			Timestamp: ts.UTC(),
		},
		MessageType:      messageType,
		Payload:          []byte(payload),
		AttachedEventIDs: attached,
	}, nil
}

func (g *ClickHouseGateway) GetFirstMessageID(ctx context.Context, ts time.Time, stream records.StreamKey, relation records.Order) (records.MessageID, bool, error) {
	defer observe("getFirstMessageId")()

	// per-stream timestamps are non-decreasing in sequence, so sequence order
	// stands in for time order
	query := `SELECT sequence, timestamp FROM messages
		WHERE stream_name = ? AND direction = ? AND timestamp >= ?
		ORDER BY sequence ASC LIMIT 1`
	if relation == records.OrderBefore {
		query = `SELECT sequence, timestamp FROM messages
			WHERE stream_name = ? AND direction = ? AND timestamp <= ?
			ORDER BY sequence DESC LIMIT 1`
	}

	rows, err := g.conn.Query(ctx, query, stream.Name, stream.Direction.String(), ts)
	if err != nil {
		return records.MessageID{}, false, g.wrapErr("getFirstMessageId", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return records.MessageID{}, false, g.wrapErr("getFirstMessageId", err)
		}
		return records.MessageID{}, false, nil
	}

	var (
		sequence  int64
		timestamp time.Time
	)
	if err := rows.Scan(&sequence, &timestamp); err != nil {
		return records.MessageID{}, false, g.wrapErr("getFirstMessageId", err)
	}
	return records.MessageID{StreamKey: stream, Sequence: sequence, Timestamp: timestamp.UTC()}, true, nil
}

func (g *ClickHouseGateway) GetFirstMessageSequence(ctx context.Context, stream records.StreamKey) (int64, bool, error) {
	defer observe("getFirstMessageSequence")()

	rows, err := g.conn.Query(ctx,
		`SELECT sequence FROM messages
		WHERE stream_name = ? AND direction = ?
		ORDER BY sequence ASC LIMIT 1`,
		stream.Name, stream.Direction.String())
	if err != nil {
		return 0, false, g.wrapErr("getFirstMessageSequence", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, false, g.wrapErr("getFirstMessageSequence", err)
		}
		return 0, false, nil
	}

	var sequence int64
	if err := rows.Scan(&sequence); err != nil {
		return 0, false, g.wrapErr("getFirstMessageSequence", err)
	}
	return sequence, true, nil
}

func (g *ClickHouseGateway) GetEventIDs(ctx context.Context, id records.MessageID) ([]records.ProviderEventID, error) {
	defer observe("getEventIds")()

	rows, err := g.conn.Query(ctx,
		`SELECT attached_event_ids FROM messages
		WHERE stream_name = ? AND direction = ? AND sequence = ? LIMIT 1`,
		id.Name, id.Direction.String(), id.Sequence)
	if err != nil {
		return nil, g.wrapErr("getEventIds", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, g.wrapErr("getEventIds", err)
		}
		return nil, errs.Newf(errs.KindNotFound, "message %s not found", id)
	}

	var attached []string
	if err := rows.Scan(&attached); err != nil {
		return nil, g.wrapErr("getEventIds", err)
	}

	out := make([]records.ProviderEventID, 0, len(attached))
	for _, s := range attached {
		eventID, err := records.ParseProviderEventID(s)
		if err != nil {
			g.logger.Warn().Str("message_id", id.String()).Str("event_id", s).Msg("skipping malformed attached event id")
			continue
		}
		out = append(out, eventID)
	}
	return out, nil
}

func (g *ClickHouseGateway) GetMessageIDs(ctx context.Context, id records.ProviderEventID) ([]records.MessageID, error) {
	event, err := g.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make([]records.MessageID, 0, len(event.AttachedMessageIDs))
	for _, s := range event.AttachedMessageIDs {
		msgID, err := records.ParseMessageID(s)
		if err != nil {
			g.logger.Warn().Str("event_id", id.String()).Str("message_id", s).Msg("skipping malformed attached message id")
			continue
		}
		out = append(out, msgID)
	}
	return out, nil
}

func (g *ClickHouseGateway) ListStreams(ctx context.Context) ([]string, error) {
	defer observe("listStreams")()

	rows, err := g.conn.Query(ctx, "SELECT DISTINCT stream_name FROM messages ORDER BY stream_name")
	if err != nil {
		return nil, g.wrapErr("listStreams", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, g.wrapErr("listStreams", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, g.wrapErr("listStreams", err)
	}
	return out, nil
}

func orderAndLimit(order records.Order) string {
	if order == records.OrderBefore {
		return " ORDER BY start_timestamp DESC, wrapper_id DESC LIMIT ?"
	}
	return " ORDER BY start_timestamp ASC, wrapper_id ASC LIMIT ?"
}

func observe(query string) func() {
	t0 := time.Now()
	return func() {
		metrics.StoreQueryDuration.WithLabelValues(query).Observe(time.Since(t0).Seconds())
	}
}

// Server-side failures that are worth retrying in streaming mode
var transientExceptionCodes = map[int32]bool{
	159: true, // TIMEOUT_EXCEEDED
	202: true, // TOO_MANY_SIMULTANEOUS_QUERIES
	209: true, // SOCKET_TIMEOUT
	210: true, // NETWORK_ERROR
	241: true, // MEMORY_LIMIT_EXCEEDED
}

func (g *ClickHouseGateway) wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindCancelled, op, err)
	}

	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		if transientExceptionCodes[ex.Code] {
			return errs.Wrap(errs.KindStoreTransient, op, err)
		}
		return errs.Wrap(errs.KindStoreFatal, op, err)
	}

	var kindErr *errs.Error
	if errors.As(err, &kindErr) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return errs.Wrap(errs.KindStoreTransient, op, err)
	}
	return errs.Wrap(errs.KindStoreFatal, op, err)
}
