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

// Package pipeline composes the signal plugins, the ecosystem
// correlator, the incident store, the broadcaster, and the downstream
// queues into the single glue operation the Run Checker, the replay
// harness, and the HTTP debug endpoints drive: run logs in,
// emitted+persisted incidents out.
package pipeline

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/logging"
	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/correlator"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/queue"
	"github.com/forgesentinel/sentinel/pkg/runlogs"
	"github.com/forgesentinel/sentinel/pkg/signalplugins"
)

// IncidentStore is the subset of *store.Store the pipeline needs.
type IncidentStore interface {
	InsertIncident(ctx context.Context, inc *forgetypes.Incident) (bool, error)
}

// EnrichmentEnqueuer decides whether an incident warrants OSV
// enrichment and enqueues it (or records a not_applicable result)
// accordingly; satisfied by *enrichment.Worker.
type EnrichmentEnqueuer interface {
	MaybeEnqueue(ctx context.Context, inc *forgetypes.Incident) error
}

// Pipeline wires run-log signal matching to correlation, persistence,
// broadcast, and the downstream summary/enrichment queues.
type Pipeline struct {
	plugins     []signalplugins.Plugin
	correlator  *correlator.Correlator
	store       IncidentStore
	broadcaster *broadcaster.Broadcaster
	summaryQ    queue.Queue
	enrichment  EnrichmentEnqueuer
}

// New constructs a Pipeline. plugins defaults to
// signalplugins.Registry() when nil.
func New(plugins []signalplugins.Plugin, corr *correlator.Correlator, store IncidentStore, b *broadcaster.Broadcaster, summaryQ queue.Queue, enrichment EnrichmentEnqueuer) *Pipeline {
	if plugins == nil {
		plugins = signalplugins.Registry()
	}
	return &Pipeline{
		plugins:     plugins,
		correlator:  corr,
		store:       store,
		broadcaster: b,
		summaryQ:    summaryQ,
		enrichment:  enrichment,
	}
}

// ProcessRunLogs runs every plugin over every fetched job log for one
// workflow run, ingesting matches into the correlator and persisting
// any resulting ecosystem incident. It returns the number of incidents
// emitted, matching signal_pipeline.py:process_run_logs_for_signals.
func (p *Pipeline) ProcessRunLogs(ctx context.Context, runCtx forgetypes.RunContext, logs []runlogs.JobLog, source string) (int, error) {
	emitted := 0
	for _, entry := range logs {
		jobCtx := runCtx.WithJob(entry.JobName)

		for _, plugin := range p.plugins {
			match, ok := plugin.Match(jobCtx, entry.LogText)
			if !ok {
				continue
			}

			if match.Evidence == nil {
				match.Evidence = forgetypes.JSONMap{}
			}
			match.Evidence["run_id"] = jobCtx.RunID
			match.Evidence["job_name"] = entry.JobName

			bundle := p.correlator.Ingest(*match, jobCtx.RepoFullName, jobCtx.Owner, jobCtx.UpdatedAt, source)
			if bundle == nil {
				continue
			}

			inserted, err := p.store.InsertIncident(ctx, bundle.Incident)
			if err != nil {
				return emitted, fmt.Errorf("insert correlated incident: %w", err)
			}
			if !inserted {
				continue
			}

			if err := p.summaryQ.Enqueue(ctx, bundle.Incident.IncidentID); err != nil {
				logging.FromContext(ctx).WarnContext(ctx, "pipeline: failed to enqueue summary job",
					"incident_id", bundle.Incident.IncidentID, "error", err)
			}
			if err := p.enrichment.MaybeEnqueue(ctx, bundle.Incident); err != nil {
				logging.FromContext(ctx).WarnContext(ctx, "pipeline: failed to enqueue enrichment",
					"incident_id", bundle.Incident.IncidentID, "error", err)
			}

			p.broadcaster.Publish(forgetypes.CardFromIncident(bundle.Incident))
			emitted++
		}
	}
	return emitted, nil
}
