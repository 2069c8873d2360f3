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

// Package httpapi is the thin net/http transport layer in front of the
// detection engine: health/summary/debug endpoints and the SSE live
// feed, all under an /api prefix. It exercises the engine's public
// interfaces rather than reimplementing any of its logic.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/forgeclient"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/metrics"
	"github.com/forgesentinel/sentinel/pkg/pipeline"
	"github.com/forgesentinel/sentinel/pkg/queue"
	"github.com/forgesentinel/sentinel/pkg/scheduler"
)

// IncidentStore is the subset of *store.Store the HTTP surface needs.
type IncidentStore interface {
	IncidentsSince(ctx context.Context, since string, limit int) ([]*forgetypes.Incident, error)
	InsertIncident(ctx context.Context, inc *forgetypes.Incident) (bool, error)
}

// EnrichmentEnqueuer mirrors pipeline.EnrichmentEnqueuer.
type EnrichmentEnqueuer interface {
	MaybeEnqueue(ctx context.Context, inc *forgetypes.Incident) error
}

// Router bundles every dependency an HTTP handler may call into.
type Router struct {
	store       IncidentStore
	broadcaster *broadcaster.Broadcaster
	summaryQ    queue.Queue
	enrichment  EnrichmentEnqueuer
	forge       *forgeclient.Client
	scheduler   *scheduler.Scheduler
	pipeline    *pipeline.Pipeline
	devMode     bool
}

// New builds the chi-routed HTTP handler described in spec §6: a
// CORS-wrapped mux with every API endpoint under /api, matching main.py's
// APIRouter-under-/api-prefix layout, plus /metrics at the root.
func New(store IncidentStore, b *broadcaster.Broadcaster, summaryQ queue.Queue, enrichment EnrichmentEnqueuer, forge *forgeclient.Client, sched *scheduler.Scheduler, pl *pipeline.Pipeline, devMode bool) http.Handler {
	rt := &Router{
		store:       store,
		broadcaster: b,
		summaryQ:    summaryQ,
		enrichment:  enrichment,
		forge:       forge,
		scheduler:   sched,
		pipeline:    pl,
		devMode:     devMode,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", rt.handleHealth)
		api.Get("/summary", rt.handleSummary)
		api.Get("/stream", rt.handleStream)
		api.Post("/dev/seed_failure", rt.handleSeedFailure)
		api.Post("/debug/replay_now", rt.handleReplayNow)
		api.Post("/debug/check_repo_once", rt.handleCheckRepoOnce)
		api.Get("/debug/runs_sample", rt.handleRunsSample)
		api.Get("/debug/recent_repos", rt.handleRecentRepos)
	})

	return r
}
