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

package correlator

import (
	"testing"
	"time"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

func matchFor(runID int) forgetypes.SignalMatch {
	return forgetypes.SignalMatch{
		Signature:  "npm_auth_token_expired",
		Confidence: 0.9,
		Evidence: forgetypes.JSONMap{
			"matched_line": "npm ERR! code E401",
			"run_id":       runID,
			"job_name":     "build",
		},
	}
}

func TestIngestBelowThresholdReturnsNil(t *testing.T) {
	c := New(Config{MinRepos: 3, MinOwners: 2})
	cur := time.Unix(1_700_000_000, 0)
	c.SetNowFunc(func() time.Time { return cur })

	if b := c.Ingest(matchFor(1), "org-a/repo-one", "org-a", "", "poll"); b != nil {
		t.Fatal("expected nil bundle with only one repo observed")
	}
	if b := c.Ingest(matchFor(2), "org-b/repo-two", "org-b", "", "poll"); b != nil {
		t.Fatal("expected nil bundle with only two repos observed")
	}
}

func TestIngestEmitsOnceThresholdsMet(t *testing.T) {
	c := New(Config{MinRepos: 3, MinOwners: 2, CooldownMinutes: 30})
	cur := time.Unix(1_700_000_000, 0)
	c.SetNowFunc(func() time.Time { return cur })

	c.Ingest(matchFor(1), "org-a/repo-one", "org-a", "", "poll")
	c.Ingest(matchFor(2), "org-b/repo-two", "org-b", "", "poll")
	bundle := c.Ingest(matchFor(3), "org-c/repo-three", "org-c", "", "poll")

	if bundle == nil {
		t.Fatal("expected a bundle once 3 repos / 2 owners observed")
	}
	if bundle.Incident.Kind != forgetypes.KindEcosystemIncident {
		t.Errorf("Kind = %v, want %v", bundle.Incident.Kind, forgetypes.KindEcosystemIncident)
	}
	if bundle.Incident.RepoFullName != "ecosystem" {
		t.Errorf("RepoFullName = %q, want ecosystem", bundle.Incident.RepoFullName)
	}
	if bundle.Incident.Evidence["affected_repos_count"] != 3 {
		t.Errorf("affected_repos_count = %v, want 3", bundle.Incident.Evidence["affected_repos_count"])
	}
}

func TestIngestRespectsCooldown(t *testing.T) {
	c := New(Config{WindowMinutes: 60, MinRepos: 2, MinOwners: 2, CooldownMinutes: 30})
	cur := time.Unix(1_700_000_000, 0)
	c.SetNowFunc(func() time.Time { return cur })

	c.Ingest(matchFor(1), "org-a/repo-one", "org-a", "", "poll")
	first := c.Ingest(matchFor(2), "org-b/repo-two", "org-b", "", "poll")
	if first == nil {
		t.Fatal("expected first bundle once thresholds met")
	}

	cur = cur.Add(5 * time.Minute)
	second := c.Ingest(matchFor(3), "org-c/repo-three", "org-c", "", "poll")
	if second != nil {
		t.Fatal("expected suppression within cooldown window")
	}

	cur = cur.Add(31 * time.Minute)
	third := c.Ingest(matchFor(4), "org-d/repo-four", "org-d", "", "poll")
	if third == nil {
		t.Fatal("expected a new bundle once cooldown has elapsed")
	}
}

func TestIngestPrunesEntriesOutsideWindow(t *testing.T) {
	c := New(Config{WindowMinutes: 10, MinRepos: 2, MinOwners: 2})
	cur := time.Unix(1_700_000_000, 0)
	c.SetNowFunc(func() time.Time { return cur })

	c.Ingest(matchFor(1), "org-a/repo-one", "org-a", "", "poll")

	cur = cur.Add(20 * time.Minute)
	bundle := c.Ingest(matchFor(2), "org-b/repo-two", "org-b", "", "poll")
	if bundle != nil {
		t.Fatal("expected the first entry to have aged out of the window")
	}
}

func TestParseOccurredAtFallsBackOnParseFailure(t *testing.T) {
	fallback := time.Unix(1_700_000_000, 0)
	got := parseOccurredAt("not-a-timestamp", fallback)
	if !got.Equal(fallback) {
		t.Errorf("parseOccurredAt() = %v, want fallback %v", got, fallback)
	}
}

func TestParseOccurredAtAcceptsZSuffix(t *testing.T) {
	fallback := time.Unix(0, 0)
	got := parseOccurredAt("2024-05-01T00:00:00Z", fallback)
	want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseOccurredAt() = %v, want %v", got, want)
	}
}
