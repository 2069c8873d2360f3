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

package summarizer

import (
	"context"
	"testing"

	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/queue"
)

type fakeStore struct {
	incidents map[string]*forgetypes.Incident
	summaries map[string]forgetypes.JSONMap
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		incidents: make(map[string]*forgetypes.Incident),
		summaries: make(map[string]forgetypes.JSONMap),
	}
}

func (f *fakeStore) IncidentByID(ctx context.Context, incidentID string) (*forgetypes.Incident, error) {
	return f.incidents[incidentID], nil
}

func (f *fakeStore) RecentRepoIncidents(ctx context.Context, repoFullName string, limit int) ([]*forgetypes.Incident, error) {
	var out []*forgetypes.Incident
	for _, inc := range f.incidents {
		if inc.RepoFullName == repoFullName {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (f *fakeStore) SetSummary(ctx context.Context, incidentID string, summary forgetypes.JSONMap) error {
	f.summaries[incidentID] = summary
	return nil
}

func TestSummarizeOneUsesDeterministicFallbackWithoutAPIKey(t *testing.T) {
	runNumber := 42
	store := newFakeStore()
	store.incidents["inc-1"] = &forgetypes.Incident{
		IncidentID:   "inc-1",
		RepoFullName: "acme/widgets",
		WorkflowName: "CI",
		Conclusion:   "failure",
		RunNumber:    &runNumber,
	}

	b := broadcaster.New()
	ch, unsub := b.Subscribe()
	defer unsub()

	s := New(store, queue.NewInProcessQueue(1), b, "", "")
	if err := s.summarizeOne(context.Background(), "inc-1"); err != nil {
		t.Fatalf("summarizeOne() error = %v", err)
	}

	summary := store.summaries["inc-1"]
	if summary == nil {
		t.Fatal("expected a summary to be stored")
	}
	if summary["risk_trajectory"] != "stable" {
		t.Errorf("risk_trajectory = %v, want stable", summary["risk_trajectory"])
	}

	select {
	case card := <-ch:
		if card.IncidentID != "inc-1" {
			t.Errorf("published card incident_id = %q, want inc-1", card.IncidentID)
		}
		if card.Summary == nil {
			t.Error("expected published card to carry the summary")
		}
	default:
		t.Error("expected a card to be published")
	}
}

func TestSummarizeOneMissingIncidentIsANoop(t *testing.T) {
	store := newFakeStore()
	b := broadcaster.New()
	s := New(store, queue.NewInProcessQueue(1), b, "", "")

	if err := s.summarizeOne(context.Background(), "missing"); err != nil {
		t.Fatalf("summarizeOne() error = %v", err)
	}
	if len(store.summaries) != 0 {
		t.Error("expected no summary to be stored for a missing incident")
	}
}

func TestDeterministicSummaryFieldsWithoutRunNumber(t *testing.T) {
	summary := deterministicSummary(&forgetypes.Incident{})
	rootCause, ok := summary["root_cause"].([]string)
	if !ok || len(rootCause) != 3 {
		t.Fatalf("root_cause = %v, want 3-element slice", summary["root_cause"])
	}
	if rootCause[1] != "The failing signal comes from a recent run on GitHub Actions." {
		t.Errorf("root_cause[1] = %q", rootCause[1])
	}
}

func TestValidateTrajectoryFallsBackOnInvalidValue(t *testing.T) {
	traj, reason := validateTrajectory(map[string]any{"risk_trajectory": "exploding"})
	if traj != "stable" {
		t.Errorf("traj = %q, want stable", traj)
	}
	if reason == "" {
		t.Error("expected a non-empty fallback reason")
	}
}

func TestValidateWhyTruncatesLongStrings(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	why := validateWhy(map[string]any{"why_this_fired": string(long)})
	if len(why) != 120 {
		t.Errorf("len(why) = %d, want 120", len(why))
	}
}
