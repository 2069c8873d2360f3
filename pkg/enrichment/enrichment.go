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

// Package enrichment drains the OSV enrichment queue and attaches
// dependency-vulnerability lookups (via osv.dev) to npm-relevant
// incidents, falling back to package.json inspection when the incident
// itself carries no package references.
package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/abcxyz/pkg/logging"
	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/forgeclient"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/metrics"
	"github.com/forgesentinel/sentinel/pkg/queue"
)

const osvEndpoint = "https://api.osv.dev/v1/query"

// maxConcurrentQueries bounds in-flight OSV lookups across the Worker,
// mirroring osv_enrichment.py's asyncio.Semaphore(5).
const maxConcurrentQueries = 5

// VulnMatch is one normalized OSV vulnerability record attached to a
// queried package@version.
type VulnMatch struct {
	Package        string   `json:"package"`
	Version        string   `json:"version"`
	OSVID          string   `json:"osv_id"`
	Summary        string   `json:"summary"`
	Severity       string   `json:"severity"`
	AffectedRanges []any    `json:"affected_ranges"`
	References     []string `json:"references"`
}

// IncidentStore is the subset of *store.Store the enrichment worker
// needs.
type IncidentStore interface {
	IncidentByID(ctx context.Context, incidentID string) (*forgetypes.Incident, error)
	SetEnrichment(ctx context.Context, incidentID string, enrichment forgetypes.JSONMap) error
}

// Worker drains a queue.Queue of incident IDs and attaches an OSV-based
// dependency enrichment to each, republishing the enriched card.
type Worker struct {
	store       IncidentStore
	queue       queue.Queue
	broadcaster *broadcaster.Broadcaster
	forge       *forgeclient.Client
	http        *http.Client
	endpoint    string
	cache       *osvCache
	sem         *semaphore.Weighted
}

// New constructs an enrichment Worker. forge is used to fetch
// package.json for incidents with no package references in their
// evidence.
func New(store IncidentStore, q queue.Queue, b *broadcaster.Broadcaster, forge *forgeclient.Client) *Worker {
	return &Worker{
		store:       store,
		queue:       q,
		broadcaster: b,
		forge:       forge,
		http:        &http.Client{Timeout: 15 * time.Second},
		endpoint:    osvEndpoint,
		cache:       newOSVCache(),
		sem:         semaphore.NewWeighted(maxConcurrentQueries),
	}
}

// MaybeEnqueue decides whether inc warrants OSV enrichment; if not, it
// writes a not_applicable enrichment immediately instead of queueing,
// matching osv_enrichment.py:maybe_enqueue_enrichment.
func (w *Worker) MaybeEnqueue(ctx context.Context, inc *forgetypes.Incident) error {
	if !isOSVRelevant(inc) {
		return w.store.SetEnrichment(ctx, inc.IncidentID, notApplicableEnrichment())
	}
	return w.queue.Enqueue(ctx, inc.IncidentID)
}

func notApplicableEnrichment() forgetypes.JSONMap {
	return forgetypes.JSONMap{"osv": map[string]any{"status": "not_applicable"}}
}

// Run drains the queue until ctx is cancelled, enriching each incident
// ID it receives.
func (w *Worker) Run(ctx context.Context) error {
	for {
		incidentID, err := w.queue.Dequeue(ctx)
		if err != nil {
			return fmt.Errorf("enrichment: dequeue: %w", err)
		}
		if incidentID == "" {
			continue
		}
		if err := w.enrichOne(ctx, incidentID); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "enrichment: failed to enrich incident",
				"incident_id", incidentID, "error", err)
		}
	}
}

func (w *Worker) enrichOne(ctx context.Context, incidentID string) error {
	inc, err := w.store.IncidentByID(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("fetch incident: %w", err)
	}
	if inc == nil {
		return nil
	}
	if !isOSVRelevant(inc) {
		return w.store.SetEnrichment(ctx, incidentID, notApplicableEnrichment())
	}

	packages := extractPackagesFromIncident(inc)
	status := "ok"

	if len(packages) == 0 {
		sha, _ := inc.Evidence["sha"].(string)
		repoFullName, _ := inc.Evidence["repo_full_name"].(string)
		if repoFullName == "" {
			repoFullName = inc.RepoFullName
		}
		if inc.Kind == forgetypes.KindEcosystemIncident && repoFullName != "" && sha != "" && strings.Contains(repoFullName, "/") {
			owner, repo, _ := strings.Cut(repoFullName, "/")
			pkgJSON, fetchErr := w.forge.GetContentsText(ctx, owner, repo, "package.json", sha)
			if fetchErr != nil {
				logging.FromContext(ctx).WarnContext(ctx, "enrichment: failed to fetch package.json",
					"repo_full_name", repoFullName, "error", fetchErr)
				packages = nil
			} else {
				packages = depsFromPackageJSON(pkgJSON)
			}
		} else {
			status = "skipped_no_package_context"
		}
	}

	if len(packages) > 10 {
		packages = packages[:10]
	}

	var packagesQueried []string
	var topVulns []VulnMatch
	for _, pv := range packages {
		matches, queried := w.queryOne(ctx, pv)
		if queried {
			packagesQueried = append(packagesQueried, fmt.Sprintf("%s@%s", pv.name, pv.version))
		}
		topVulns = append(topVulns, matches...)
	}
	if len(topVulns) > 5 {
		topVulns = topVulns[:5]
	}

	enrichment := forgetypes.JSONMap{
		"osv": map[string]any{
			"status":            status,
			"queried_at":        time.Now().UTC().Format("2006-01-02T15:04:05Z"),
			"packages_queried":  packagesQueried,
			"vuln_count_total":  len(topVulns),
			"top_vulns":         topVulns,
		},
	}

	if err := w.store.SetEnrichment(ctx, incidentID, enrichment); err != nil {
		return fmt.Errorf("set enrichment: %w", err)
	}

	w.broadcaster.Publish(forgetypes.Card{
		Event:      "incident_enriched",
		IncidentID: incidentID,
		Enrichment: enrichment,
	})
	return nil
}

// queryOne fetches (and caches) OSV results for one package@version.
// Network and decode errors degrade to "no match" rather than aborting
// the whole incident's enrichment, matching the python worker's
// per-package try/except.
func (w *Worker) queryOne(ctx context.Context, pv packageVersion) ([]VulnMatch, bool) {
	key := fmt.Sprintf("osv:npm:%s@%s", pv.name, pv.version)
	if cached, ok := w.cache.get(key); ok {
		return cached, true
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return nil, false
	}
	defer w.sem.Release(1)

	body, err := json.Marshal(map[string]any{
		"package": map[string]string{"name": pv.name, "ecosystem": "npm"},
		"version":  pv.version,
	})
	if err != nil {
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")

	queryStart := time.Now()
	resp, err := w.http.Do(req)
	metrics.OSVQueryDuration.Observe(time.Since(queryStart).Seconds())
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "enrichment: osv query failed", "package", pv.name, "error", err)
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	var data osvResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, false
	}

	matches := normalizeOSVResponse(pv.name, pv.version, data)
	w.cache.set(key, matches)
	return matches, true
}
