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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/google/go-github/v61/github"

	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/forgeclient"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/queue"
	"github.com/forgesentinel/sentinel/pkg/scheduler"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

type fakeStore struct {
	mu     sync.Mutex
	events []*forgetypes.Event
	seen   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: map[string]bool{}}
}

func (f *fakeStore) InsertEvent(ctx context.Context, ev *forgetypes.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[ev.EventID] {
		return false, nil
	}
	f.seen[ev.EventID] = true
	f.events = append(f.events, ev)
	return true, nil
}

func (f *fakeStore) InsertIncident(ctx context.Context, inc *forgetypes.Incident) (bool, error) {
	return true, nil
}

type fakeEnrichment struct{}

func (fakeEnrichment) MaybeEnqueue(ctx context.Context, inc *forgetypes.Incident) error { return nil }

func newTestPoller(t *testing.T, events []*github.Event) (*Poller, *fakeStore, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		b, _ := json.Marshal(events)
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})
	mux.HandleFunc("/repos/acme/widgets/contents/.github/workflows", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	})

	server := httptest.NewServer(mux)
	gh := github.NewClient(nil)
	gh.BaseURL = mustParseURL(t, server.URL+"/")
	gh.UploadURL = gh.BaseURL
	client := forgeclient.NewFromGitHubClient(gh, server.Client())

	store := newFakeStore()
	b := broadcaster.New()
	sched := scheduler.New(nil, 0)
	p := New(client, store, b, queue.NewInProcessQueue(10), fakeEnrichment{}, sched, Config{MaxWorkflowFetchesPerCycle: 5})
	return p, store, server
}

func TestRunOnceInsertsNewEventsOnce(t *testing.T) {
	events := []*github.Event{
		{ID: github.String("1"), Type: github.String("WatchEvent"), Repo: &github.Repository{Name: github.String("acme/widgets")}, Actor: &github.User{Login: github.String("alice")}},
		{ID: github.String("2"), Type: github.String("WatchEvent"), Repo: &github.Repository{Name: github.String("acme/widgets")}, Actor: &github.User{Login: github.String("bob")}},
	}
	p, store, server := newTestPoller(t, events)
	defer server.Close()

	p.runOnce(context.Background())
	if len(store.events) != 2 {
		t.Fatalf("len(store.events) = %d, want 2", len(store.events))
	}

	p.runOnce(context.Background())
	if len(store.events) != 2 {
		t.Fatalf("after second runOnce, len(store.events) = %d, want 2 (no duplicates)", len(store.events))
	}
}

func TestRunOnceFeedsSchedulerRecentRepos(t *testing.T) {
	events := []*github.Event{
		{ID: github.String("1"), Type: github.String("WatchEvent"), Repo: &github.Repository{Name: github.String("acme/widgets")}, Actor: &github.User{Login: github.String("alice")}},
	}
	p, _, server := newTestPoller(t, events)
	defer server.Close()

	p.runOnce(context.Background())
	batch := p.scheduler.NextBatch(1)
	if len(batch) != 1 || batch[0] != "acme/widgets" {
		t.Errorf("NextBatch(1) = %v, want [acme/widgets]", batch)
	}
}
