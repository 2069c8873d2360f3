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

// Package forgetypes defines the closed data model shared across the
// signal and correlation engine: events, incidents, run contexts, and
// signal matches.
package forgetypes

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// IncidentKind enumerates the kinds of incidents the engine can emit.
type IncidentKind string

const (
	KindWorkflowFailure               IncidentKind = "workflow_failure"
	KindGhostActionRisk               IncidentKind = "ghostaction_risk"
	KindPersonalizedSecretExfiltration IncidentKind = "personalized_secret_exfiltration"
	KindEcosystemIncident             IncidentKind = "ecosystem_incident"
)

// Scope enumerates the blast radius of an incident.
type Scope string

const (
	ScopeRepo      Scope = "repo"
	ScopeEcosystem Scope = "ecosystem"
)

// Surface enumerates the kind of asset an incident threatens.
type Surface string

const (
	SurfaceCredentials  Surface = "credentials"
	SurfaceDependencies Surface = "dependencies"
	SurfaceOps          Surface = "ops"
	SurfaceAutomation   Surface = "automation"
)

// ActorType enumerates the categories an incident's actor can fall into.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorBot     ActorType = "bot"
	ActorOrg     ActorType = "org"
	ActorUnknown ActorType = "unknown"
)

// RiskTrajectory enumerates the direction a summarized incident is trending.
type RiskTrajectory string

const (
	TrajectoryIncreasing RiskTrajectory = "increasing"
	TrajectoryStable     RiskTrajectory = "stable"
	TrajectoryRecovering RiskTrajectory = "recovering"
)

// JSONMap is a free-form JSON object that round-trips through sqlx/SQLite
// as a TEXT column. It exists because incident evidence has no fixed
// schema by design (spec §3: "evidence remains a free-form map").
type JSONMap map[string]any

// Value implements [driver.Valuer].
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("forgetypes: marshal evidence: %w", err)
	}
	return string(b), nil
}

// Scan implements [sql.Scanner].
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("forgetypes: unsupported scan type %T for JSONMap", src)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("forgetypes: unmarshal evidence: %w", err)
	}
	*m = out
	return nil
}

// TagSet is an ordered set of free-form incident tags, stored as a JSON
// array.
type TagSet []string

// Value implements [driver.Valuer].
func (t TagSet) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, fmt.Errorf("forgetypes: marshal tags: %w", err)
	}
	return string(b), nil
}

// Scan implements [sql.Scanner].
func (t *TagSet) Scan(src any) error {
	if src == nil {
		*t = TagSet{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("forgetypes: unsupported scan type %T for TagSet", src)
	}
	if len(raw) == 0 {
		*t = TagSet{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("forgetypes: unmarshal tags: %w", err)
	}
	*t = out
	return nil
}

// Contains reports whether some tag in the set is exactly equal to substr
// (case-sensitive); it does not match substrings within a tag.
func (t TagSet) Contains(substr string) bool {
	for _, tag := range t {
		if tag == substr {
			return true
		}
	}
	return false
}

// Event is an immutable record of one observed Forge activity-feed entry.
type Event struct {
	EventID      string          `db:"event_id" json:"event_id"`
	EventType    string          `db:"event_type" json:"event_type"`
	RepoFullName string          `db:"repo_full_name" json:"repo_full_name"`
	ActorLogin   string          `db:"actor_login" json:"actor_login"`
	CreatedAt    string          `db:"created_at" json:"created_at"`
	Raw          json.RawMessage `db:"raw_json" json:"-"`
	InsertedAt   string          `db:"inserted_at" json:"inserted_at"`
}

// WorkflowRun is a transient snapshot of a Forge Actions run; it is never
// persisted on its own, only turned into an Incident.
type WorkflowRun struct {
	ID         int64  `json:"id"`
	RepoFullName string `json:"repo_full_name"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
	RunNumber  int    `json:"run_number"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// RunContext snapshots enough of a run to drive plugin matching and
// correlation without re-fetching it.
type RunContext struct {
	RepoFullName string
	Owner        string
	RunID        int64
	HTMLURL      string
	WorkflowName string
	Conclusion   string
	UpdatedAt    string
	JobName      string
	StepName     string
}

// WithJob returns a copy of the context scoped to a specific job.
func (c RunContext) WithJob(jobName string) RunContext {
	c.JobName = jobName
	return c
}

// SignalMatch is a named, confidence-tagged observation produced by a
// plugin from raw log text.
type SignalMatch struct {
	Signature  string
	Evidence   JSONMap
	Confidence float64
}

// Actor captures who/what triggered an incident.
type Actor struct {
	Login string    `json:"login"`
	Type  ActorType `json:"type"`
	IsBot bool      `json:"is_bot"`
}

// Incident is the persisted, deduplicated unit of detection output.
type Incident struct {
	IncidentID           string         `db:"incident_id" json:"incident_id"`
	Kind                 IncidentKind   `db:"kind" json:"kind"`
	RunID                int64          `db:"run_id" json:"run_id"`
	DedupeKey            *string        `db:"dedupe_key" json:"dedupe_key,omitempty"`
	RepoFullName         string         `db:"repo_full_name" json:"repo_full_name"`
	WorkflowName         string         `db:"workflow_name" json:"workflow_name"`
	RunNumber            *int           `db:"run_number" json:"run_number,omitempty"`
	Status               string         `db:"status" json:"status"`
	Conclusion           string         `db:"conclusion" json:"conclusion"`
	HTMLURL              string         `db:"html_url" json:"html_url"`
	CreatedAt            string         `db:"created_at" json:"created_at"`
	UpdatedAt            string         `db:"updated_at" json:"updated_at"`
	Title                string         `db:"title" json:"title"`
	Tags                 TagSet         `db:"tags_json" json:"tags"`
	Evidence             JSONMap        `db:"evidence_json" json:"evidence"`
	Summary              JSONMap        `db:"summary_json" json:"summary,omitempty"`
	Enrichment           JSONMap        `db:"enrichment_json" json:"enrichment,omitempty"`
	WhyThisFired         string         `db:"why_this_fired" json:"why_this_fired,omitempty"`
	RiskTrajectory       RiskTrajectory `db:"risk_trajectory" json:"risk_trajectory,omitempty"`
	RiskTrajectoryReason string         `db:"risk_trajectory_reason" json:"risk_trajectory_reason,omitempty"`
	Scope                Scope          `db:"scope" json:"scope,omitempty"`
	Surface              Surface        `db:"surface" json:"surface,omitempty"`
	Actor                JSONMap        `db:"actor_json" json:"actor,omitempty"`
	InsertedAt           string         `db:"inserted_at" json:"inserted_at,omitempty"`
}

// Card is the wire shape published to live subscribers over the
// broadcaster/SSE surface. It carries a subset of Incident fields plus an
// optional event-name override used by follow-up publishes
// (incident_enriched).
type Card struct {
	Event        string  `json:"_event,omitempty"`
	IncidentID   string  `json:"incident_id"`
	Kind         IncidentKind `json:"kind"`
	RepoFullName string  `json:"repo_full_name"`
	Title        string  `json:"title"`
	WorkflowName string  `json:"workflow_name"`
	RunID        int64   `json:"run_id"`
	RunNumber    *int    `json:"run_number,omitempty"`
	Conclusion   string  `json:"conclusion"`
	Status       string  `json:"status"`
	HTMLURL      string  `json:"html_url"`
	CreatedAt    string  `json:"created_at"`
	Tags         TagSet  `json:"tags,omitempty"`
	Evidence     JSONMap `json:"evidence,omitempty"`
	Scope        Scope   `json:"scope,omitempty"`
	Surface      Surface `json:"surface,omitempty"`
	Actor        JSONMap `json:"actor,omitempty"`
	Summary      JSONMap `json:"summary,omitempty"`
	Enrichment   JSONMap `json:"enrichment,omitempty"`
	WhyThisFired string  `json:"why_this_fired,omitempty"`
}

// CardFromIncident builds the live-subscriber card for a freshly inserted
// incident, matching the shape built inline throughout
// poll_events.py/check_runs.py/signal_pipeline.py.
func CardFromIncident(inc *Incident) Card {
	return Card{
		IncidentID:   inc.IncidentID,
		Kind:         inc.Kind,
		RepoFullName: inc.RepoFullName,
		Title:        inc.Title,
		WorkflowName: inc.WorkflowName,
		RunID:        inc.RunID,
		RunNumber:    inc.RunNumber,
		Conclusion:   inc.Conclusion,
		Status:       inc.Status,
		HTMLURL:      inc.HTMLURL,
		CreatedAt:    inc.CreatedAt,
		Tags:         inc.Tags,
		Evidence:     inc.Evidence,
		Scope:        inc.Scope,
		Surface:      inc.Surface,
		Actor:        inc.Actor,
	}
}
