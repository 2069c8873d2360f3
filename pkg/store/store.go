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

// Package store persists events and incidents to an embedded SQLite
// database, with idempotent incident inserts and additive-only schema
// migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/incidentfields"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a sqlx.DB handle to the incidents/events schema.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at dbPath in
// WAL mode and runs any pending additive migrations.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", dbPath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid pool contention

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEvent records an observed activity-feed entry, silently
// absorbing duplicate primary keys. Reports whether a new row was
// written.
func (s *Store) InsertEvent(ctx context.Context, ev *forgetypes.Event) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events(event_id, event_type, repo_full_name, actor_login, created_at, raw_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, ev.RepoFullName, ev.ActorLogin, ev.CreatedAt, string(ev.Raw))
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event rows affected: %w", err)
	}
	return n > 0, nil
}

// InsertIncident persists inc with INSERT OR IGNORE semantics, filling
// in scope/surface/actor if they are unset. Reports whether a new row
// was written.
func (s *Store) InsertIncident(ctx context.Context, inc *forgetypes.Incident) (bool, error) {
	incidentfields.Apply(inc)

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO incidents(
			incident_id, kind, run_id, dedupe_key, repo_full_name, workflow_name, run_number,
			status, conclusion, html_url, created_at, updated_at,
			title, tags_json, evidence_json, enrichment_json,
			why_this_fired, risk_trajectory, risk_trajectory_reason,
			scope, surface, actor_json
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inc.IncidentID, inc.Kind, inc.RunID, inc.DedupeKey, inc.RepoFullName, inc.WorkflowName, inc.RunNumber,
		inc.Status, inc.Conclusion, inc.HTMLURL, inc.CreatedAt, inc.UpdatedAt,
		inc.Title, inc.Tags, inc.Evidence, inc.Enrichment,
		nullString(inc.WhyThisFired), nullString(string(inc.RiskTrajectory)), nullString(inc.RiskTrajectoryReason),
		inc.Scope, inc.Surface, inc.Actor)
	if err != nil {
		return false, fmt.Errorf("insert incident %s: %w", inc.IncidentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert incident rows affected: %w", err)
	}
	return n > 0, nil
}

// SetSummary idempotently upserts an incident's summarizer output.
func (s *Store) SetSummary(ctx context.Context, incidentID string, summary forgetypes.JSONMap) error {
	whyThisFired, _ := summary["why_this_fired"].(string)
	riskTrajectory, _ := summary["risk_trajectory"].(string)
	riskTrajectoryReason, _ := summary["risk_trajectory_reason"].(string)

	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		SET summary_json = ?, why_this_fired = ?, risk_trajectory = ?, risk_trajectory_reason = ?
		WHERE incident_id = ?`,
		summary, nullString(whyThisFired), nullString(riskTrajectory), nullString(riskTrajectoryReason), incidentID)
	if err != nil {
		return fmt.Errorf("set summary for incident %s: %w", incidentID, err)
	}
	return nil
}

// SetEnrichment idempotently upserts an incident's enrichment payload.
func (s *Store) SetEnrichment(ctx context.Context, incidentID string, enrichment forgetypes.JSONMap) error {
	_, err := s.db.ExecContext(ctx, `UPDATE incidents SET enrichment_json = ? WHERE incident_id = ?`, enrichment, incidentID)
	if err != nil {
		return fmt.Errorf("set enrichment for incident %s: %w", incidentID, err)
	}
	return nil
}

// RecentIncidents returns the most recently inserted incidents, newest
// first, for the HTTP summary/debug surfaces.
func (s *Store) RecentIncidents(ctx context.Context, limit int) ([]*forgetypes.Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*forgetypes.Incident
	err := s.db.SelectContext(ctx, &out, `
		SELECT incident_id, kind, run_id, dedupe_key, repo_full_name, workflow_name, run_number,
			status, conclusion, html_url, created_at, updated_at,
			title, tags_json, evidence_json, summary_json, enrichment_json,
			why_this_fired, risk_trajectory, risk_trajectory_reason,
			scope, surface, actor_json, inserted_at
		FROM incidents
		ORDER BY inserted_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent incidents: %w", err)
	}
	return out, nil
}

// RecentRepoIncidents returns up to limit incidents for repoFullName
// created within the last hour, newest first, for the summarizer's
// "recent repo incidents" context.
func (s *Store) RecentRepoIncidents(ctx context.Context, repoFullName string, limit int) ([]*forgetypes.Incident, error) {
	if limit <= 0 {
		limit = 5
	}
	var out []*forgetypes.Incident
	err := s.db.SelectContext(ctx, &out, `
		SELECT incident_id, kind, run_id, dedupe_key, repo_full_name, workflow_name, run_number,
			status, conclusion, html_url, created_at, updated_at,
			title, tags_json, evidence_json, summary_json, enrichment_json,
			why_this_fired, risk_trajectory, risk_trajectory_reason,
			scope, surface, actor_json, inserted_at
		FROM incidents
		WHERE repo_full_name = ? AND datetime(created_at) >= datetime('now', '-1 hour')
		ORDER BY created_at DESC
		LIMIT ?`, repoFullName, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent repo incidents for %s: %w", repoFullName, err)
	}
	return out, nil
}

// IncidentsSince returns incidents inserted at or after since (a SQLite
// datetime or ISO-8601 string), newest first, for GET /api/summary.
func (s *Store) IncidentsSince(ctx context.Context, since string, limit int) ([]*forgetypes.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*forgetypes.Incident
	err := s.db.SelectContext(ctx, &out, `
		SELECT incident_id, kind, run_id, dedupe_key, repo_full_name, workflow_name, run_number,
			status, conclusion, html_url, created_at, updated_at,
			title, tags_json, evidence_json, summary_json, enrichment_json,
			why_this_fired, risk_trajectory, risk_trajectory_reason,
			scope, surface, actor_json, inserted_at
		FROM incidents
		WHERE inserted_at >= ?
		ORDER BY inserted_at DESC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query incidents since %s: %w", since, err)
	}
	return out, nil
}

// IncidentByID fetches a single incident, returning (nil, nil) if not
// found.
func (s *Store) IncidentByID(ctx context.Context, incidentID string) (*forgetypes.Incident, error) {
	var inc forgetypes.Incident
	err := s.db.GetContext(ctx, &inc, `
		SELECT incident_id, kind, run_id, dedupe_key, repo_full_name, workflow_name, run_number,
			status, conclusion, html_url, created_at, updated_at,
			title, tags_json, evidence_json, summary_json, enrichment_json,
			why_this_fired, risk_trajectory, risk_trajectory_reason,
			scope, surface, actor_json, inserted_at
		FROM incidents WHERE incident_id = ?`, incidentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", incidentID, err)
	}
	return &inc, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
