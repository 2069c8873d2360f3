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

// Package runchecker runs the loop that polls each scheduled repo's
// workflow runs, turns failing runs into workflow_failure incidents, and
// fetches+pipelines their job logs through the signal plugins.
package runchecker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v61/github"
	"github.com/google/uuid"

	"github.com/abcxyz/pkg/logging"
	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/forgeclient"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/metrics"
	"github.com/forgesentinel/sentinel/pkg/pipeline"
	"github.com/forgesentinel/sentinel/pkg/queue"
	"github.com/forgesentinel/sentinel/pkg/runlogs"
	"github.com/forgesentinel/sentinel/pkg/scheduler"
)

// FailConclusions are the workflow-run conclusions treated as failures,
// matching check_runs.py's FAIL_CONCLUSIONS set.
var FailConclusions = map[string]bool{
	"failure":   true,
	"timed_out": true,
}

// DefaultCheckSeconds is used when no CHECK_RUNS_SECONDS override is
// configured.
const DefaultCheckSeconds = 30

// DefaultMaxReposPerCycle and DefaultRunsPerRepo are conservative
// defaults matching the original service's settings defaults.
const (
	DefaultMaxReposPerCycle = 8
	DefaultRunsPerRepo      = 5
)

// IncidentStore is the subset of *store.Store the run checker needs.
type IncidentStore interface {
	InsertIncident(ctx context.Context, inc *forgetypes.Incident) (bool, error)
}

// EnrichmentEnqueuer mirrors pipeline.EnrichmentEnqueuer.
type EnrichmentEnqueuer interface {
	MaybeEnqueue(ctx context.Context, inc *forgetypes.Incident) error
}

// Config controls the run checker's cadence and per-cycle scope.
type Config struct {
	CheckInterval    time.Duration
	MaxReposPerCycle int
	RunsPerRepo      int

	// SingleFailurePerRepoPerCycle reproduces the v1 behavior of
	// emitting at most one failure card per repo per cycle: once a
	// failing run is processed for a repo, the checker stops scanning
	// that repo's remaining runs for this cycle. The server turns it on;
	// the zero value leaves it off.
	SingleFailurePerRepoPerCycle bool
}

// Checker runs the Run Checker loop.
type Checker struct {
	forge       *forgeclient.Client
	store       IncidentStore
	broadcaster *broadcaster.Broadcaster
	summaryQ    queue.Queue
	enrichment  EnrichmentEnqueuer
	scheduler   *scheduler.Scheduler
	logFetcher  *runlogs.Fetcher
	pipeline    *pipeline.Pipeline
	cfg         Config
}

// New constructs a Checker.
func New(forge *forgeclient.Client, store IncidentStore, b *broadcaster.Broadcaster, summaryQ queue.Queue, enrichment EnrichmentEnqueuer, sched *scheduler.Scheduler, logFetcher *runlogs.Fetcher, pl *pipeline.Pipeline, cfg Config) *Checker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckSeconds * time.Second
	}
	if cfg.MaxReposPerCycle <= 0 {
		cfg.MaxReposPerCycle = DefaultMaxReposPerCycle
	}
	if cfg.RunsPerRepo <= 0 {
		cfg.RunsPerRepo = DefaultRunsPerRepo
	}
	return &Checker{
		forge:       forge,
		store:       store,
		broadcaster: b,
		summaryQ:    summaryQ,
		enrichment:  enrichment,
		scheduler:   sched,
		logFetcher:  logFetcher,
		pipeline:    pl,
		cfg:         cfg,
	}
}

// Run executes the check loop until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		c.runOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Checker) runOnce(ctx context.Context) {
	logger := logging.FromContext(ctx)
	start := time.Now()
	defer func() { metrics.RunCheckerCycleDuration.Observe(time.Since(start).Seconds()) }()
	repos := c.scheduler.NextBatch(c.cfg.MaxReposPerCycle)

	emitted := 0
	for _, repoFullName := range repos {
		owner, repo, ok := strings.Cut(repoFullName, "/")
		if !ok {
			continue
		}

		n, err := c.checkRepo(ctx, owner, repo, repoFullName)
		if err != nil {
			logger.WarnContext(ctx, "run checker: failed to check repo", "repo_full_name", repoFullName, "error", err)
			continue
		}
		emitted += n
	}

	if emitted > 0 {
		logger.InfoContext(ctx, "run checker: emitted incidents", "count", emitted, "repos_checked", len(repos))
	}
}

func (c *Checker) checkRepo(ctx context.Context, owner, repo, repoFullName string) (int, error) {
	runs, err := c.forge.ListWorkflowRuns(ctx, owner, repo, c.cfg.RunsPerRepo)
	if err != nil {
		return 0, fmt.Errorf("list workflow runs: %w", err)
	}

	emitted := 0
	singleFailure := c.cfg.SingleFailurePerRepoPerCycle

	for _, run := range runs {
		if !FailConclusions[run.GetConclusion()] {
			continue
		}

		inc := RunToIncident(run, repoFullName)
		inserted, err := c.store.InsertIncident(ctx, inc)
		if err != nil {
			return emitted, fmt.Errorf("insert incident: %w", err)
		}
		if inserted {
			metrics.IncidentsEmitted.WithLabelValues(string(inc.Kind), "run_checker").Inc()
			c.broadcaster.Publish(forgetypes.CardFromIncident(inc))
			if err := c.summaryQ.Enqueue(ctx, inc.IncidentID); err != nil {
				logging.FromContext(ctx).WarnContext(ctx, "run checker: failed to enqueue summary job", "incident_id", inc.IncidentID, "error", err)
			}
			if err := c.enrichment.MaybeEnqueue(ctx, inc); err != nil {
				logging.FromContext(ctx).WarnContext(ctx, "run checker: failed to enqueue enrichment", "incident_id", inc.IncidentID, "error", err)
			}
			emitted++
		}

		c.processRunLogs(ctx, owner, repo, repoFullName, inc, run)

		if singleFailure {
			break
		}
	}

	return emitted, nil
}

func (c *Checker) processRunLogs(ctx context.Context, owner, repo, repoFullName string, inc *forgetypes.Incident, run *github.WorkflowRun) {
	logger := logging.FromContext(ctx)

	logs, err := c.logFetcher.FetchRunLogs(ctx, owner, repo, inc.RunID)
	if err != nil {
		logger.WarnContext(ctx, "run checker: failed to fetch run logs", "repo_full_name", repoFullName, "run_id", inc.RunID, "error", err)
		return
	}
	if len(logs) == 0 {
		return
	}

	runCtx := forgetypes.RunContext{
		RepoFullName: repoFullName,
		Owner:        owner,
		RunID:        inc.RunID,
		HTMLURL:      inc.HTMLURL,
		WorkflowName: inc.WorkflowName,
		Conclusion:   inc.Conclusion,
		UpdatedAt:    inc.UpdatedAt,
	}

	if _, err := c.pipeline.ProcessRunLogs(ctx, runCtx, logs, "live"); err != nil {
		logger.WarnContext(ctx, "run checker: signal pipeline failed", "repo_full_name", repoFullName, "run_id", inc.RunID, "error", err)
	}
}

// RunToIncident translates a failing workflow run into a workflow_failure
// incident, matching check_runs.py:run_to_incident. Unlike the sha1-keyed
// detectors in pkg/workflowsignals, these incidents have no dedupe key
// (each failing run is its own incident) and use a random UUID as the
// incident ID, exactly as the original does. Exported so pkg/httpapi's
// debug/check_repo_once endpoint can reuse it directly, matching
// main.py's own reuse of run_to_incident from check_runs.py.
func RunToIncident(run *github.WorkflowRun, repoFullName string) *forgetypes.Incident {
	conclusion := run.GetConclusion()
	status := run.GetStatus()
	workflowName := run.GetName()

	tags := forgetypes.TagSet{"workflow", "failure", "conclusion:" + conclusion, "status:" + status}
	title := fmt.Sprintf("%s failed in %s", orDefault(workflowName, "Workflow"), repoFullName)

	evidence := forgetypes.JSONMap{
		"repo":        repoFullName,
		"run_id":      run.GetID(),
		"run_number":  run.GetRunNumber(),
		"html_url":    run.GetHTMLURL(),
		"detected_at": time.Now().UTC().Format(time.RFC3339),
		"source":      "actions_runs",
	}

	var runNumber *int
	if n := run.GetRunNumber(); n != 0 {
		rn := int(n)
		runNumber = &rn
	}

	return &forgetypes.Incident{
		IncidentID:   uuid.NewString(),
		Kind:         forgetypes.KindWorkflowFailure,
		RunID:        run.GetID(),
		RepoFullName: repoFullName,
		WorkflowName: workflowName,
		RunNumber:    runNumber,
		Status:       status,
		Conclusion:   conclusion,
		HTMLURL:      run.GetHTMLURL(),
		CreatedAt:    run.GetCreatedAt().Format(time.RFC3339),
		UpdatedAt:    run.GetUpdatedAt().Format(time.RFC3339),
		Title:        title,
		Tags:         tags,
		Evidence:     evidence,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
