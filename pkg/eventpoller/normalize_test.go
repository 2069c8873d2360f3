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

package eventpoller

import (
	"encoding/json"
	"testing"

	"github.com/google/go-github/v61/github"
)

func testEvent(t *testing.T, eventType string, payload any) *github.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &github.Event{
		ID:         github.String("12345"),
		Type:       github.String(eventType),
		Repo:       &github.Repository{Name: github.String("acme/widgets")},
		Actor:      &github.User{Login: github.String("someone")},
		RawPayload: (*json.RawMessage)(&raw),
	}
}

func TestNormalizeEventExtractsFields(t *testing.T) {
	ev := testEvent(t, "WatchEvent", map[string]any{})
	row := normalizeEvent(ev)
	if row.EventID != "12345" {
		t.Errorf("EventID = %q, want 12345", row.EventID)
	}
	if row.EventType != "WatchEvent" {
		t.Errorf("EventType = %q, want WatchEvent", row.EventType)
	}
	if row.RepoFullName != "acme/widgets" {
		t.Errorf("RepoFullName = %q, want acme/widgets", row.RepoFullName)
	}
	if row.ActorLogin != "someone" {
		t.Errorf("ActorLogin = %q, want someone", row.ActorLogin)
	}
}

func TestPushEventContextExtractsCommits(t *testing.T) {
	ev := testEvent(t, "PushEvent", map[string]any{
		"before": "aaa",
		"after":  "bbb",
		"head":   "bbb",
		"commits": []map[string]any{
			{"sha": "bbb", "added": []string{".github/workflows/ci.yml"}},
		},
	})

	ctx, ok := pushEventContext(ev, "2024-05-01T00:00:00Z")
	if !ok {
		t.Fatal("expected pushEventContext to recognize a PushEvent")
	}
	if ctx.RepoFullName != "acme/widgets" || ctx.Owner != "acme" || ctx.Name != "widgets" {
		t.Errorf("repo fields = %+v", ctx)
	}
	if ctx.BeforeSHA != "aaa" || ctx.AfterSHA != "bbb" {
		t.Errorf("sha fields = %+v", ctx)
	}
	if len(ctx.Commits) != 1 || len(ctx.Commits[0].Added) != 1 {
		t.Fatalf("Commits = %+v", ctx.Commits)
	}
}

func TestPushEventContextRejectsNonPushEvents(t *testing.T) {
	ev := testEvent(t, "WatchEvent", map[string]any{})
	_, ok := pushEventContext(ev, "2024-05-01T00:00:00Z")
	if ok {
		t.Error("expected pushEventContext to reject a non-PushEvent")
	}
}
