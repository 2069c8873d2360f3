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

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abcxyz/pkg/logging"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/replay"
	"github.com/forgesentinel/sentinel/pkg/runchecker"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleSummary serves GET /api/summary?since=...&limit=..., matching
// main.py's summary() handler: "since" is compared as a raw string
// against inserted_at, not parsed.
func (rt *Router) handleSummary(w http.ResponseWriter, r *http.Request) {
	since := r.URL.Query().Get("since")
	if since == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "since is required"})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	cards, err := rt.store.IncidentsSince(r.Context(), since, limit)
	if err != nil {
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "httpapi: summary query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

// handleStream serves GET /api/stream, an SSE feed of live incident
// cards, matching main.py's stream() generator: an initial ": connected"
// comment, then one "event: <name>\ndata: <json>\n\n" frame per card.
func (rt *Router) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch, unsub := rt.broadcaster.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case card, ok := <-ch:
			if !ok {
				return
			}
			eventName := card.Event
			if eventName == "" {
				eventName = "incident"
			}
			b, err := json.Marshal(card)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, b)
			flusher.Flush()
		}
	}
}

// handleSeedFailure serves POST /api/dev/seed_failure: dev-mode gated,
// inserts a synthetic workflow_failure incident for local testing of the
// live card/SSE path, matching main.py's seed_failure().
func (rt *Router) handleSeedFailure(w http.ResponseWriter, r *http.Request) {
	if !rt.devMode {
		writeJSON(w, http.StatusOK, map[string]any{"error": "DEV_MODE is false"})
		return
	}

	now := time.Now().UTC()
	runID := now.Unix()
	repoFullName := "vercel/next.js"
	workflowName := "CI"
	status := "completed"
	conclusion := "failure"
	htmlURL := "https://github.com/vercel/next.js/actions"
	createdAt := now.Format(time.RFC3339)

	runNumber := 1
	inc := &forgetypes.Incident{
		IncidentID:   uuid.NewString(),
		Kind:         forgetypes.KindWorkflowFailure,
		RunID:        runID,
		RepoFullName: repoFullName,
		WorkflowName: workflowName,
		RunNumber:    &runNumber,
		Status:       status,
		Conclusion:   conclusion,
		HTMLURL:      htmlURL,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
		Title:        fmt.Sprintf("%s failed in %s", workflowName, repoFullName),
		Tags:         forgetypes.TagSet{"workflow", "failure", "conclusion:" + conclusion, "status:" + status},
		Evidence: forgetypes.JSONMap{
			"repo": repoFullName,
			"run": forgetypes.JSONMap{
				"id":         runID,
				"name":       workflowName,
				"status":     status,
				"conclusion": conclusion,
				"html_url":   htmlURL,
				"created_at": createdAt,
			},
			"detected_at": createdAt,
			"source":      "dev_seed",
		},
	}

	if _, err := rt.store.InsertIncident(r.Context(), inc); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := rt.summaryQ.Enqueue(r.Context(), inc.IncidentID); err != nil {
		logging.FromContext(r.Context()).WarnContext(r.Context(), "httpapi: failed to enqueue seed summary job", "error", err)
	}
	if err := rt.enrichment.MaybeEnqueue(r.Context(), inc); err != nil {
		logging.FromContext(r.Context()).WarnContext(r.Context(), "httpapi: failed to enqueue seed enrichment", "error", err)
	}
	rt.broadcaster.Publish(forgetypes.CardFromIncident(inc))

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "incident_id": inc.IncidentID, "run_id": inc.RunID})
}

// handleReplayNow serves POST /api/debug/replay_now, re-running the
// replay fixtures on demand, matching main.py's replay_now().
func (rt *Router) handleReplayNow(w http.ResponseWriter, r *http.Request) {
	emitted, err := replay.Run(r.Context(), rt.pipeline, rt.store, rt.broadcaster, rt.summaryQ, rt.enrichment)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "emitted": emitted})
}

// handleCheckRepoOnce serves POST /api/debug/check_repo_once?repo=..., a
// one-shot version of the run checker's per-repo scan, matching
// main.py's debug_check_repo_once().
func (rt *Router) handleCheckRepoOnce(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		repo = "vercel/next.js"
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "repo must be owner/name"})
		return
	}

	runs, err := rt.forge.ListWorkflowRuns(r.Context(), owner, name, 10)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}

	type failureResult struct {
		RunID      int64  `json:"run_id"`
		Conclusion string `json:"conclusion"`
		Inserted   bool   `json:"inserted"`
	}

	var failures []failureResult
	inserted := 0
	for _, run := range runs {
		if !runchecker.FailConclusions[run.GetConclusion()] {
			continue
		}
		inc := runchecker.RunToIncident(run, repo)
		ok, err := rt.store.InsertIncident(r.Context(), inc)
		if err != nil {
			logging.FromContext(r.Context()).WarnContext(r.Context(), "httpapi: check_repo_once insert failed", "repo", repo, "error", err)
			continue
		}
		failures = append(failures, failureResult{RunID: run.GetID(), Conclusion: run.GetConclusion(), Inserted: ok})
		if ok {
			inserted++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"repo":         repo,
		"runs_checked": len(runs),
		"failures":     failures,
		"inserted":     inserted,
	})
}

// handleRunsSample serves GET /api/debug/runs_sample?repo=...&per_page=...,
// matching main.py's debug_runs_sample().
func (rt *Router) handleRunsSample(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		repo = "vercel/next.js"
	}
	perPage := 5
	if v := r.URL.Query().Get("per_page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			perPage = n
		}
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "repo must be owner/name"})
		return
	}

	runs, err := rt.forge.ListWorkflowRuns(r.Context(), owner, name, perPage)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}

	type runSummary struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		CreatedAt  string `json:"created_at"`
		HTMLURL    string `json:"html_url"`
	}

	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, runSummary{
			ID:         run.GetID(),
			Name:       run.GetName(),
			Status:     run.GetStatus(),
			Conclusion: run.GetConclusion(),
			CreatedAt:  run.GetCreatedAt().Format(time.RFC3339),
			HTMLURL:    run.GetHTMLURL(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"repo": repo, "count": len(out), "runs": out})
}

// handleRecentRepos serves GET /api/debug/recent_repos?limit=...,
// matching main.py's debug_recent_repos() (which reverses RECENT_REPOS'
// trailing slice so the newest repo comes first).
func (rt *Router) handleRecentRepos(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recent := rt.scheduler.RecentRepos(limit)
	reversed := make([]string, len(recent))
	for i, repo := range recent {
		reversed[len(recent)-1-i] = repo
	}

	writeJSON(w, http.StatusOK, map[string]any{"recent_repos": reversed})
}
