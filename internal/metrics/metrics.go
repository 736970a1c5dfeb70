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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rpt"

var (
	// CodecPending tracks codec requests awaiting a response.
	CodecPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "codec",
		Name:      "pending_requests",
		Help:      "Number of codec requests currently awaiting a response.",
	})

	// CodecLatency observes successful decode round-trips.
	CodecLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "codec",
		Name:      "decode_duration_seconds",
		Help:      "Codec round-trip latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// CodecFailures counts decode round-trips resolved without a response.
	CodecFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "codec",
		Name:      "failures_total",
		Help:      "Codec requests resolved without a decoded batch.",
	}, []string{"reason"})

	// StoreQueryDuration observes store query latency per query name.
	StoreQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "query_duration_seconds",
		Help:      "Record store query latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})

	// StoreRetries counts transient store failures that were retried.
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "retries_total",
		Help:      "Store queries retried after a transient failure.",
	})

	// RecordsEmitted counts records written to SSE streams.
	RecordsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "records_emitted_total",
		Help:      "Records emitted to clients.",
	}, []string{"kind"})

	// ActiveSearches tracks open SSE search streams.
	ActiveSearches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "active_streams",
		Help:      "Currently open SSE search streams.",
	}, []string{"kind"})
)
