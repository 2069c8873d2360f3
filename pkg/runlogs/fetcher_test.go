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

package runlogs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/google/go-github/v61/github"

	"github.com/forgesentinel/sentinel/pkg/forgeclient"
)

func newTestClient(t *testing.T) (*forgeclient.Client, *httptest.Server, *int32) {
	t.Helper()
	var jobCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runs/", func(w http.ResponseWriter, r *http.Request) {
		jobs := &github.Jobs{
			Jobs: []*github.WorkflowJob{
				{ID: github.Int64(1), Name: github.String("build")},
				{ID: github.Int64(2), Name: github.String("test")},
			},
		}
		b, _ := json.Marshal(jobs)
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	})
	mux.HandleFunc("/repos/acme/widgets/actions/jobs/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", fmt.Sprintf("http://%s/download-logs", r.Host))
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/download-logs", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&jobCalls, 1)
		w.Write([]byte("##[group]Run build\nsome log text\n##[endgroup]\n"))
	})

	server := httptest.NewServer(mux)
	gh := github.NewClient(nil)
	base, _ := url.Parse(server.URL + "/")
	gh.BaseURL = base
	gh.UploadURL = base
	client := forgeclient.NewFromGitHubClient(gh, server.Client())
	return client, server, &jobCalls
}

func TestFetchRunLogsCachesSecondCall(t *testing.T) {
	client, server, jobCalls := newTestClient(t)
	defer server.Close()

	f := New(client, DefaultPerMinute, DefaultCacheSize)
	ctx := context.Background()

	if _, err := f.FetchRunLogs(ctx, "acme", "widgets", 42); err != nil {
		t.Fatalf("FetchRunLogs() error = %v", err)
	}
	firstCalls := atomic.LoadInt32(jobCalls)

	if _, err := f.FetchRunLogs(ctx, "acme", "widgets", 42); err != nil {
		t.Fatalf("FetchRunLogs() (cached) error = %v", err)
	}
	if atomic.LoadInt32(jobCalls) != firstCalls {
		t.Errorf("expected cached call to avoid refetching logs, calls went from %d to %d", firstCalls, atomic.LoadInt32(jobCalls))
	}
}

func TestFetchRunLogsReturnsNilWhenBudgetExhausted(t *testing.T) {
	client, server, _ := newTestClient(t)
	defer server.Close()

	f := New(client, 1, DefaultCacheSize)
	ctx := context.Background()

	if _, err := f.FetchRunLogs(ctx, "acme", "widgets", 1); err != nil {
		t.Fatalf("FetchRunLogs() error = %v", err)
	}
	logs, err := f.FetchRunLogs(ctx, "acme", "widgets", 2)
	if err != nil {
		t.Fatalf("FetchRunLogs() error = %v", err)
	}
	if logs != nil {
		t.Errorf("FetchRunLogs() = %v, want nil (budget exhausted)", logs)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	client, server, _ := newTestClient(t)
	defer server.Close()

	f := New(client, 1000, 2)
	ctx := context.Background()

	if _, err := f.FetchRunLogs(ctx, "acme", "widgets", 1); err != nil {
		t.Fatalf("FetchRunLogs(1) error = %v", err)
	}
	if _, err := f.FetchRunLogs(ctx, "acme", "widgets", 2); err != nil {
		t.Fatalf("FetchRunLogs(2) error = %v", err)
	}
	if _, err := f.FetchRunLogs(ctx, "acme", "widgets", 3); err != nil {
		t.Fatalf("FetchRunLogs(3) error = %v", err)
	}

	if _, ok := f.cacheGet(1); ok {
		t.Error("expected run 1 to have been evicted as least-recently-used")
	}
	if _, ok := f.cacheGet(3); !ok {
		t.Error("expected run 3 to still be cached")
	}
}
