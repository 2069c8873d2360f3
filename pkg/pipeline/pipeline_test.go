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

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/correlator"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/queue"
	"github.com/forgesentinel/sentinel/pkg/runlogs"
	"github.com/forgesentinel/sentinel/pkg/signalplugins"
)

type fakeStore struct {
	inserted []*forgetypes.Incident
}

func (f *fakeStore) InsertIncident(ctx context.Context, inc *forgetypes.Incident) (bool, error) {
	f.inserted = append(f.inserted, inc)
	return true, nil
}

type fakeEnrichment struct {
	enqueued []string
}

func (f *fakeEnrichment) MaybeEnqueue(ctx context.Context, inc *forgetypes.Incident) error {
	f.enqueued = append(f.enqueued, inc.IncidentID)
	return nil
}

type alwaysMatchPlugin struct{}

func (alwaysMatchPlugin) Name() string { return "npm_auth_token_expired" }

func (alwaysMatchPlugin) Match(runCtx forgetypes.RunContext, logText string) (*forgetypes.SignalMatch, bool) {
	return &forgetypes.SignalMatch{
		Signature:  "npm_auth_token_expired",
		Confidence: 0.9,
		Evidence:   forgetypes.JSONMap{"matched_line": logText},
	}, true
}

func TestProcessRunLogsEmitsOnCorrelatedIncident(t *testing.T) {
	corr := correlator.New(correlator.Config{MinRepos: 2, MinOwners: 2, WindowMinutes: 30, CooldownMinutes: 30})
	fixedNow := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	corr.SetNowFunc(func() time.Time { return fixedNow })

	store := &fakeStore{}
	b := broadcaster.New()
	ch, unsub := b.Subscribe()
	defer unsub()
	summaryQ := queue.NewInProcessQueue(10)
	enrich := &fakeEnrichment{}

	p := New([]signalplugins.Plugin{alwaysMatchPlugin{}}, corr, store, b, summaryQ, enrich)

	logs := []runlogs.JobLog{{JobName: "build", LogText: "npm ERR! code E401"}}

	runCtx1 := forgetypes.RunContext{RepoFullName: "org-a/repo-1", Owner: "org-a", RunID: 1, UpdatedAt: fixedNow.Format(time.RFC3339)}
	if _, err := p.ProcessRunLogs(context.Background(), runCtx1, logs, "live"); err != nil {
		t.Fatalf("ProcessRunLogs() error = %v", err)
	}

	runCtx2 := forgetypes.RunContext{RepoFullName: "org-b/repo-2", Owner: "org-b", RunID: 2, UpdatedAt: fixedNow.Format(time.RFC3339)}
	emitted, err := p.ProcessRunLogs(context.Background(), runCtx2, logs, "live")
	if err != nil {
		t.Fatalf("ProcessRunLogs() error = %v", err)
	}
	if emitted != 1 {
		t.Fatalf("emitted = %d, want 1 on second distinct repo/owner", emitted)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("len(store.inserted) = %d, want 1", len(store.inserted))
	}

	incidentID, err := summaryQ.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if incidentID != store.inserted[0].IncidentID {
		t.Errorf("summary queue incident = %q, want %q", incidentID, store.inserted[0].IncidentID)
	}
	if len(enrich.enqueued) != 1 {
		t.Errorf("len(enrich.enqueued) = %d, want 1", len(enrich.enqueued))
	}

	select {
	case card := <-ch:
		if card.Kind != forgetypes.KindEcosystemIncident {
			t.Errorf("card.Kind = %v, want ecosystem_incident", card.Kind)
		}
	default:
		t.Error("expected a card to be published")
	}
}

func TestProcessRunLogsNoEmitBelowThreshold(t *testing.T) {
	corr := correlator.New(correlator.Config{MinRepos: 5, MinOwners: 5})
	store := &fakeStore{}
	b := broadcaster.New()
	p := New([]signalplugins.Plugin{alwaysMatchPlugin{}}, corr, store, b, queue.NewInProcessQueue(10), &fakeEnrichment{})

	logs := []runlogs.JobLog{{JobName: "build", LogText: "npm ERR! code E401"}}
	runCtx := forgetypes.RunContext{RepoFullName: "org-a/repo-1", Owner: "org-a", RunID: 1}
	emitted, err := p.ProcessRunLogs(context.Background(), runCtx, logs, "live")
	if err != nil {
		t.Fatalf("ProcessRunLogs() error = %v", err)
	}
	if emitted != 0 {
		t.Errorf("emitted = %d, want 0", emitted)
	}
	if len(store.inserted) != 0 {
		t.Errorf("len(store.inserted) = %d, want 0", len(store.inserted))
	}
}
