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

// Package correlator implements the ecosystem correlator: a
// sliding-window, multi-tenant aggregator that turns repeated identical
// signals across unrelated repos/owners into one suppressed-by-cooldown
// ecosystem incident.
package correlator

import (
	"crypto/sha1" //nolint:gosec // non-cryptographic fingerprint
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

// DefaultWindowMinutes, DefaultMinRepos, DefaultMinOwners, and
// DefaultCooldownMinutes are the conservative defaults chosen where the
// upstream configuration left these unspecified: wide enough that the
// five-repo/three-owner replay fixture still trips the correlator inside
// one run.
const (
	DefaultWindowMinutes   = 30
	DefaultMinRepos        = 3
	DefaultMinOwners       = 2
	DefaultCooldownMinutes = 30
)

type entry struct {
	repoFullName string
	owner        string
	occurredAt   time.Time
	match        forgetypes.SignalMatch
}

// Config controls the correlator's thresholds.
type Config struct {
	WindowMinutes   int
	MinRepos        int
	MinOwners       int
	CooldownMinutes int
}

// Bundle is the result of a successful correlation: the synthesized
// ecosystem incident plus its narrative summary.
type Bundle struct {
	Incident *forgetypes.Incident
	Summary  forgetypes.JSONMap
}

// Correlator is a single-owner aggregator guarded by a mutex: the
// python implementation uses one asyncio task, and a mutex is the
// idiomatic Go equivalent for shared state touched from multiple
// goroutines (the run checker and the HTTP debug handlers both ingest
// signals through the pipeline).
type Correlator struct {
	mu       sync.Mutex
	window   time.Duration
	minRepos int
	minOwners int
	cooldown time.Duration
	entries  map[string][]entry
	lastEmit map[string]time.Time
	now      func() time.Time
}

// New builds a Correlator from cfg, applying the package defaults for
// any zero-valued field.
func New(cfg Config) *Correlator {
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = DefaultWindowMinutes
	}
	if cfg.MinRepos <= 0 {
		cfg.MinRepos = DefaultMinRepos
	}
	if cfg.MinOwners <= 0 {
		cfg.MinOwners = DefaultMinOwners
	}
	if cfg.CooldownMinutes <= 0 {
		cfg.CooldownMinutes = DefaultCooldownMinutes
	}
	return &Correlator{
		window:    time.Duration(cfg.WindowMinutes) * time.Minute,
		minRepos:  cfg.MinRepos,
		minOwners: cfg.MinOwners,
		cooldown:  time.Duration(cfg.CooldownMinutes) * time.Minute,
		entries:   make(map[string][]entry),
		lastEmit:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetNowFunc overrides the correlator's clock, for tests and replay.
func (c *Correlator) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func parseOccurredAt(value string, fallback time.Time) time.Time {
	if value == "" {
		return fallback
	}
	normalized := value
	if strings.HasSuffix(normalized, "Z") {
		normalized = normalized[:len(normalized)-1] + "+00:00"
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.999999-07:00", "2006-01-02T15:04:05-07:00"} {
		if t, err := time.Parse(layout, normalized); err == nil {
			return t
		}
	}
	return fallback
}

func stableRunID(key string) int64 {
	digest := sha1.Sum([]byte(key)) //nolint:gosec
	value := binary.BigEndian.Uint64(digest[:8])
	return -int64(value % (1 << 63))
}

func incidentIDFromKey(key string) string {
	digest := sha1.Sum([]byte(key)) //nolint:gosec
	return hex.EncodeToString(digest[:])
}

// Ingest records a new observed signal match and, once the sliding
// window holds enough distinct repos and owners (and the per-signature
// cooldown has elapsed), returns a synthesized ecosystem incident
// bundle.
func (c *Correlator) Ingest(match forgetypes.SignalMatch, repoFullName, owner, occurredAt, source string) *Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ts := parseOccurredAt(occurredAt, now)
	signature := match.Signature

	entries := c.entries[signature]
	cutoff := now.Add(-c.window)
	kept := entries[:0]
	for _, e := range entries {
		if !e.occurredAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, entry{
		repoFullName: repoFullName,
		owner:        owner,
		occurredAt:   ts,
		match:        match,
	})
	c.entries[signature] = kept

	uniqueRepos := make(map[string]bool)
	uniqueOwners := make(map[string]bool)
	for _, e := range kept {
		uniqueRepos[e.repoFullName] = true
		uniqueOwners[e.owner] = true
	}

	if len(uniqueRepos) < c.minRepos || len(uniqueOwners) < c.minOwners {
		return nil
	}

	if last, ok := c.lastEmit[signature]; ok && now.Sub(last) < c.cooldown {
		return nil
	}
	c.lastEmit[signature] = now

	return buildIncident(signature, kept, source, now, c.window, uniqueRepos, uniqueOwners, c.cooldown)
}

func buildIncident(signature string, entries []entry, source string, now time.Time, window time.Duration, uniqueRepos, uniqueOwners map[string]bool, cooldown time.Duration) *Bundle {
	repos := make([]string, 0, len(uniqueRepos))
	for r := range uniqueRepos {
		repos = append(repos, r)
	}
	sort.Strings(repos)
	sampleRepos := repos
	if len(sampleRepos) > 10 {
		sampleRepos = sampleRepos[:10]
	}

	sampleCount := len(entries)
	if sampleCount > 5 {
		sampleCount = 5
	}
	evidenceSamples := make([]forgetypes.JSONMap, 0, sampleCount)
	var confidence float64
	for i, e := range entries {
		if e.match.Confidence > confidence {
			confidence = e.match.Confidence
		}
		if i < sampleCount {
			evidenceSamples = append(evidenceSamples, forgetypes.JSONMap{
				"repo":         e.repoFullName,
				"matched_line": e.match.Evidence["matched_line"],
				"run_id":       e.match.Evidence["run_id"],
				"job_name":     e.match.Evidence["job_name"],
			})
		}
	}

	const rootCauseHypothesis = "Widespread npm authentication failures consistent with token expiration/revocation " +
		"(often from tokens stored in .npmrc or short-lived tokens in CI)."
	const impact = "CI fails during npm install / npm ci across multiple repositories in a short window."
	nextSteps := []string{
		"Rotate/regenerate npm token used in CI secrets.",
		"Avoid committing tokens to .npmrc; use CI secrets or automation tokens.",
		"Re-run failed workflows after updating credentials.",
	}

	payload := forgetypes.JSONMap{
		"type":                 "ECOSYSTEM_INCIDENT",
		"signature":            signature,
		"plugin":               signature,
		"confidence":           confidence,
		"window_minutes":       int(window.Minutes()),
		"affected_repos_count": len(uniqueRepos),
		"unique_owners_count":  len(uniqueOwners),
		"sample_repos":         sampleRepos,
		"evidence_samples":     evidenceSamples,
		"root_cause_hypothesis": rootCauseHypothesis,
		"impact":               impact,
		"next_steps":           nextSteps,
		"source":               source,
	}

	summary := forgetypes.JSONMap{
		"root_cause": []string{rootCauseHypothesis},
		"impact":     []string{impact},
		"next_steps": nextSteps,
	}

	bucket := now.Unix() / int64(cooldown.Seconds())
	dedupeKey := fmt.Sprintf("ecosystem:%s:%d", signature, bucket)
	runID := stableRunID(dedupeKey)
	tags := forgetypes.TagSet{
		"ecosystem",
		"incident",
		"signature:" + signature,
		fmt.Sprintf("repos:%d", len(uniqueRepos)),
		fmt.Sprintf("owners:%d", len(uniqueOwners)),
		"source:" + source,
	}

	nowStr := now.UTC().Format(time.RFC3339)
	incident := &forgetypes.Incident{
		IncidentID:   incidentIDFromKey(dedupeKey),
		Kind:         forgetypes.KindEcosystemIncident,
		RunID:        runID,
		DedupeKey:    &dedupeKey,
		RepoFullName: "ecosystem",
		WorkflowName: signature,
		Status:       "detected",
		Conclusion:   "high",
		HTMLURL:      "https://www.npmjs.com/",
		CreatedAt:    nowStr,
		UpdatedAt:    nowStr,
		Title:        fmt.Sprintf("Ecosystem incident: %s", signature),
		Tags:         tags,
		Evidence:     payload,
	}

	return &Bundle{Incident: incident, Summary: summary}
}
