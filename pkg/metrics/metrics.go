// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics declares the Prometheus collectors exported by every
// long-lived loop (event poller, run checker, summary/enrichment
// workers) and the /metrics HTTP handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsProcessed counts activity-feed events inserted by the event
	// poller, labeled by whether the row was new or a duplicate.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_events_processed_total",
		Help: "Activity-feed events processed by the event poller.",
	}, []string{"outcome"})

	// IncidentsEmitted counts incidents inserted into the store, labeled
	// by kind and by the component that produced them.
	IncidentsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_incidents_emitted_total",
		Help: "Incidents inserted into the store.",
	}, []string{"kind", "source"})

	// PollCycleDuration observes how long one event-poller cycle takes.
	PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_poll_cycle_duration_seconds",
		Help:    "Duration of one event-poller cycle.",
		Buckets: prometheus.DefBuckets,
	})

	// RunCheckerCycleDuration observes how long one run-checker cycle
	// takes across every scheduled repo.
	RunCheckerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_run_checker_cycle_duration_seconds",
		Help:    "Duration of one run-checker cycle.",
		Buckets: prometheus.DefBuckets,
	})

	// QueueDepth reports the current depth of a named downstream queue,
	// set by InProcessQueue after each enqueue and dequeue and by
	// RedisQueue after each enqueue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_queue_depth",
		Help: "Approximate depth of a downstream queue.",
	}, []string{"queue"})

	// OSVQueryDuration observes OSV API call latency.
	OSVQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_osv_query_duration_seconds",
		Help:    "Duration of a single OSV API query.",
		Buckets: prometheus.DefBuckets,
	})

	// SummarizerCalls counts summarizer runs by outcome (llm or
	// fallback).
	SummarizerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_summarizer_calls_total",
		Help: "Summarizer invocations by outcome.",
	}, []string{"outcome"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
