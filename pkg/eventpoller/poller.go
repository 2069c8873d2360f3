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

// Package eventpoller runs the long-lived loop that pulls the Forge's
// global activity feed, deduplicates and persists events, and drives
// the workflow-exfiltration detectors off every new push event.
package eventpoller

import (
	"context"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/forgeclient"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/metrics"
	"github.com/forgesentinel/sentinel/pkg/queue"
	"github.com/forgesentinel/sentinel/pkg/scheduler"
	"github.com/forgesentinel/sentinel/pkg/workflowsignals"
)

// DefaultPollSeconds is used when no POLL_EVENTS_SECONDS override is
// configured.
const DefaultPollSeconds = 10

// IncidentStore is the subset of *store.Store the poller needs.
type IncidentStore interface {
	InsertEvent(ctx context.Context, ev *forgetypes.Event) (bool, error)
	InsertIncident(ctx context.Context, inc *forgetypes.Incident) (bool, error)
}

// EnrichmentEnqueuer mirrors pipeline.EnrichmentEnqueuer, satisfied by
// *enrichment.Worker.
type EnrichmentEnqueuer interface {
	MaybeEnqueue(ctx context.Context, inc *forgetypes.Incident) error
}

// Config controls the Poller's cycle interval and per-cycle fetch
// budget.
type Config struct {
	PollInterval               time.Duration
	MaxWorkflowFetchesPerCycle int
}

// Poller runs the Event Poller loop.
type Poller struct {
	forge       *forgeclient.Client
	store       IncidentStore
	broadcaster *broadcaster.Broadcaster
	summaryQ    queue.Queue
	enrichment  EnrichmentEnqueuer
	scheduler   *scheduler.Scheduler
	cfg         Config
}

// New constructs a Poller.
func New(forge *forgeclient.Client, store IncidentStore, b *broadcaster.Broadcaster, summaryQ queue.Queue, enrichment EnrichmentEnqueuer, sched *scheduler.Scheduler, cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollSeconds * time.Second
	}
	return &Poller{
		forge:       forge,
		store:       store,
		broadcaster: b,
		summaryQ:    summaryQ,
		enrichment:  enrichment,
		scheduler:   sched,
		cfg:         cfg,
	}
}

// Run executes the poll loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.runOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	logger := logging.FromContext(ctx)
	budget := workflowsignals.NewFetchBudget(p.cfg.MaxWorkflowFetchesPerCycle)
	start := time.Now()
	defer func() { metrics.PollCycleDuration.Observe(time.Since(start).Seconds()) }()

	events, err := p.forge.ListGlobalEvents(ctx)
	if err != nil {
		logger.WarnContext(ctx, "event poller: failed to list global events", "error", err)
		return
	}

	newCount := 0
	for _, ev := range events {
		row := normalizeEvent(ev)
		if row.EventID == "" || row.EventID == "0" {
			continue
		}

		inserted, err := p.store.InsertEvent(ctx, &row)
		if err != nil {
			logger.WarnContext(ctx, "event poller: failed to insert event", "event_id", row.EventID, "error", err)
			continue
		}
		if !inserted {
			metrics.EventsProcessed.WithLabelValues("duplicate").Inc()
			continue
		}
		metrics.EventsProcessed.WithLabelValues("new").Inc()
		newCount++
		p.scheduler.AddRecentRepo(row.RepoFullName)

		pushCtx, ok := pushEventContext(ev, row.CreatedAt)
		if !ok {
			continue
		}

		p.detectAndEmit(ctx, pushCtx, budget)
	}

	if newCount > 0 {
		logger.InfoContext(ctx, "event poller: inserted new events", "count", newCount)
	}
}

func (p *Poller) detectAndEmit(ctx context.Context, pushCtx forgetypes.PushEventContext, budget *workflowsignals.FetchBudget) {
	logger := logging.FromContext(ctx)

	var incidents []*forgetypes.Incident
	ghostIncidents, err := workflowsignals.DetectGhostActionRisk(ctx, p.forge, pushCtx, budget)
	if err != nil {
		logger.WarnContext(ctx, "event poller: ghostaction detector failed", "repo_full_name", pushCtx.RepoFullName, "error", err)
	} else {
		incidents = append(incidents, ghostIncidents...)
	}

	exfilIncidents, err := workflowsignals.DetectPersonalizedExfiltration(ctx, p.forge, pushCtx, budget)
	if err != nil {
		logger.WarnContext(ctx, "event poller: exfiltration detector failed", "repo_full_name", pushCtx.RepoFullName, "error", err)
	} else {
		incidents = append(incidents, exfilIncidents...)
	}

	for _, inc := range incidents {
		inserted, err := p.store.InsertIncident(ctx, inc)
		if err != nil {
			logger.WarnContext(ctx, "event poller: failed to insert incident", "incident_id", inc.IncidentID, "error", err)
			continue
		}
		if !inserted {
			continue
		}
		metrics.IncidentsEmitted.WithLabelValues(string(inc.Kind), "event_poller").Inc()

		p.broadcaster.Publish(forgetypes.CardFromIncident(inc))
		if err := p.summaryQ.Enqueue(ctx, inc.IncidentID); err != nil {
			logger.WarnContext(ctx, "event poller: failed to enqueue summary job", "incident_id", inc.IncidentID, "error", err)
		}
		if err := p.enrichment.MaybeEnqueue(ctx, inc); err != nil {
			logger.WarnContext(ctx, "event poller: failed to enqueue enrichment", "incident_id", inc.IncidentID, "error", err)
		}
	}
}
