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

// Package summarizer drains the summary queue and attaches a
// root-cause/impact/next-steps write-up to each incident, preferring an
// LLM-generated summary and falling back to a deterministic template
// when no API key is configured or the call fails.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/abcxyz/pkg/logging"
	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
	"github.com/forgesentinel/sentinel/pkg/metrics"
	"github.com/forgesentinel/sentinel/pkg/queue"
)

// DefaultModel is used when no model override is configured.
const DefaultModel = "claude-3-5-sonnet-20241022"

const llmSystemPrompt = "You are a security incident summarizer. Return ONLY JSON with keys " +
	"root_cause, impact, next_steps (arrays of 3-5 bullets), plus " +
	"why_this_fired (1 concise sentence, max 120 chars), " +
	"risk_trajectory (increasing|stable|recovering) and risk_trajectory_reason (1 sentence). " +
	"Do not include secrets or token values. Keep each bullet under 20 words."

// IncidentStore is the subset of *store.Store the summarizer needs,
// narrowed to keep this package testable without a real database.
type IncidentStore interface {
	IncidentByID(ctx context.Context, incidentID string) (*forgetypes.Incident, error)
	RecentRepoIncidents(ctx context.Context, repoFullName string, limit int) ([]*forgetypes.Incident, error)
	SetSummary(ctx context.Context, incidentID string, summary forgetypes.JSONMap) error
}

// Summarizer drains a queue.Queue of incident IDs, builds a summary for
// each, persists it, and republishes the incident card with the summary
// attached.
type Summarizer struct {
	store        IncidentStore
	queue        queue.Queue
	broadcaster  *broadcaster.Broadcaster
	anthropicKey string
	model        string
	client       anthropic.Client
}

// New constructs a Summarizer. anthropicKey may be empty, in which case
// every incident gets the deterministic fallback summary.
func New(store IncidentStore, q queue.Queue, b *broadcaster.Broadcaster, anthropicKey, model string) *Summarizer {
	if model == "" {
		model = DefaultModel
	}
	var client anthropic.Client
	if anthropicKey != "" {
		client = anthropic.NewClient(option.WithAPIKey(anthropicKey))
	}
	return &Summarizer{
		store:        store,
		queue:        q,
		broadcaster:  b,
		anthropicKey: anthropicKey,
		model:        model,
		client:       client,
	}
}

// Run drains the queue until ctx is cancelled, summarizing each incident
// ID it receives.
func (s *Summarizer) Run(ctx context.Context) error {
	for {
		incidentID, err := s.queue.Dequeue(ctx)
		if err != nil {
			return fmt.Errorf("summarizer: dequeue: %w", err)
		}
		if incidentID == "" {
			continue
		}
		if err := s.summarizeOne(ctx, incidentID); err != nil {
			logging.FromContext(ctx).WarnContext(ctx, "summarizer: failed to summarize incident",
				"incident_id", incidentID, "error", err)
		}
	}
}

func (s *Summarizer) summarizeOne(ctx context.Context, incidentID string) error {
	inc, err := s.store.IncidentByID(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("fetch incident: %w", err)
	}
	if inc == nil {
		return nil
	}

	recent, err := s.store.RecentRepoIncidents(ctx, inc.RepoFullName, 5)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "summarizer: failed to fetch recent repo incidents",
			"repo_full_name", inc.RepoFullName, "error", err)
		recent = nil
	}

	summary := s.buildSummary(ctx, inc, recent)

	if err := s.store.SetSummary(ctx, incidentID, summary); err != nil {
		return fmt.Errorf("set summary: %w", err)
	}

	card := forgetypes.CardFromIncident(inc)
	card.Summary = summary
	if v, ok := summary["why_this_fired"].(string); ok {
		card.WhyThisFired = v
	}
	s.broadcaster.Publish(card)
	return nil
}

func (s *Summarizer) buildSummary(ctx context.Context, inc *forgetypes.Incident, recent []*forgetypes.Incident) forgetypes.JSONMap {
	if s.anthropicKey != "" {
		if llm := s.llmSummary(ctx, inc, recent); llm != nil {
			metrics.SummarizerCalls.WithLabelValues("llm").Inc()
			return llm
		}
		metrics.SummarizerCalls.WithLabelValues("fallback").Inc()
		return deterministicSummary(inc)
	}
	metrics.SummarizerCalls.WithLabelValues("fallback").Inc()
	return deterministicSummary(inc)
}

// deterministicSummary mirrors summary_queue.py's _build_summary
// fallback path verbatim.
func deterministicSummary(inc *forgetypes.Incident) forgetypes.JSONMap {
	repo := inc.RepoFullName
	if repo == "" {
		repo = "unknown repo"
	}
	workflow := inc.WorkflowName
	if workflow == "" {
		workflow = "Workflow"
	}
	conclusion := inc.Conclusion
	if conclusion == "" {
		conclusion = "unknown"
	}
	runLabel := "a recent run"
	if inc.RunNumber != nil {
		runLabel = fmt.Sprintf("run #%d", *inc.RunNumber)
	}

	return forgetypes.JSONMap{
		"root_cause": []string{
			fmt.Sprintf("%s reported %s for %s.", workflow, conclusion, repo),
			fmt.Sprintf("The failing signal comes from %s on GitHub Actions.", runLabel),
			"No additional diagnostics were captured yet.",
		},
		"impact": []string{
			"Recent changes may be blocked from clean CI validation.",
			"Downstream workflows could be delayed until this clears.",
			"Confidence in the latest commit state is reduced.",
		},
		"next_steps": []string{
			"Open the run logs and identify the first failing step.",
			"Check recent commits or configuration changes in the repo.",
			"Re-run the workflow after applying a fix or rollback.",
		},
		"why_this_fired":         "",
		"risk_trajectory":        string(forgetypes.TrajectoryStable),
		"risk_trajectory_reason": "Insufficient trend data; defaulting to stable.",
	}
}

type llmPrompt struct {
	Title               string            `json:"title"`
	Kind                string            `json:"kind"`
	RepoFullName        string            `json:"repo_full_name"`
	WorkflowName        string            `json:"workflow_name"`
	Status              string            `json:"status"`
	Conclusion          string            `json:"conclusion"`
	Tags                []string          `json:"tags"`
	Evidence            forgetypes.JSONMap `json:"evidence"`
	RecentRepoIncidents []summaryRecentIncident `json:"recent_repo_incidents,omitempty"`
}

type summaryRecentIncident struct {
	IncidentID string `json:"incident_id"`
	CreatedAt  string `json:"created_at"`
	Kind       string `json:"kind"`
	Conclusion string `json:"conclusion"`
}

// llmSummary calls the Anthropic Messages API and validates the
// response, returning nil on any failure so the caller falls back to
// the deterministic summary. Mirrors summary_queue.py's _llm_summary.
func (s *Summarizer) llmSummary(ctx context.Context, inc *forgetypes.Incident, recent []*forgetypes.Incident) forgetypes.JSONMap {
	prompt := llmPrompt{
		Title:        inc.Title,
		Kind:         string(inc.Kind),
		RepoFullName: inc.RepoFullName,
		WorkflowName: inc.WorkflowName,
		Status:       inc.Status,
		Conclusion:   inc.Conclusion,
		Tags:         []string(inc.Tags),
		Evidence:     inc.Evidence,
	}
	for _, r := range recent {
		prompt.RecentRepoIncidents = append(prompt.RecentRepoIncidents, summaryRecentIncident{
			IncidentID: r.IncidentID,
			CreatedAt:  r.CreatedAt,
			Kind:       string(r.Kind),
			Conclusion: r.Conclusion,
		})
	}

	body, err := json.Marshal(prompt)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "summarizer: failed to marshal llm prompt", "error", err)
		return nil
	}
	userMessage := fmt.Sprintf("Summarize this incident:\n%s", body)

	message, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 450,
		System: []anthropic.TextBlockParam{
			{Text: llmSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
		},
	})
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "summarizer: llm call failed", "error", err)
		return nil
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "summarizer: llm response was not valid JSON", "error", err)
		return nil
	}
	if _, ok := parsed["root_cause"]; !ok {
		return nil
	}
	if _, ok := parsed["impact"]; !ok {
		return nil
	}
	if _, ok := parsed["next_steps"]; !ok {
		return nil
	}

	out := forgetypes.JSONMap(parsed)
	out["risk_trajectory"], out["risk_trajectory_reason"] = validateTrajectory(parsed)
	out["why_this_fired"] = validateWhy(parsed)
	return out
}

func validateTrajectory(payload map[string]any) (string, string) {
	traj, _ := payload["risk_trajectory"].(string)
	switch traj {
	case "increasing", "stable", "recovering":
	default:
		traj = string(forgetypes.TrajectoryStable)
	}
	reason, ok := payload["risk_trajectory_reason"].(string)
	if !ok || reason == "" {
		reason = "Insufficient trend data; defaulting to stable."
	}
	return traj, reason
}

func validateWhy(payload map[string]any) string {
	why, ok := payload["why_this_fired"].(string)
	if !ok || why == "" {
		return ""
	}
	if len(why) > 120 {
		return why[:120]
	}
	return why
}
