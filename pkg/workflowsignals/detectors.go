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

package workflowsignals

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/abcxyz/pkg/logging"
	"github.com/forgesentinel/sentinel/pkg/forgeclient"
	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

// GhostActionScoreThreshold is the aggregate-score cutoff for emitting a
// ghostaction_risk incident absent any direct secret reference. A
// package-level var rather than a const so internal/config can apply a
// GHOSTACTION_SCORE_THRESHOLD override once at startup without changing
// every DetectGhostActionRisk call site.
var GhostActionScoreThreshold = 60

type workflowPath struct {
	sha  string
	path string
}

func changedWorkflowPaths(commits []forgetypes.CommitChange, fallback string) []workflowPath {
	var out []workflowPath
	for _, c := range commits {
		sha := c.SHA
		if sha == "" {
			sha = fallback
		}
		if sha == "" {
			continue
		}
		for _, path := range c.Added {
			if isWorkflowPath(path) {
				out = append(out, workflowPath{sha: sha, path: path})
			}
		}
		for _, path := range c.Modified {
			if isWorkflowPath(path) {
				out = append(out, workflowPath{sha: sha, path: path})
			}
		}
		for _, path := range c.Removed {
			if isWorkflowPath(path) {
				out = append(out, workflowPath{sha: sha, path: path})
			}
		}
	}
	return out
}

func getCommitFiles(ctx context.Context, gh *forgeclient.Client, owner, repo, sha string, budget *FetchBudget) []string {
	if !budget.Take() {
		return nil
	}
	commit, err := gh.GetCommit(ctx, owner, repo, sha)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "commit fetch failed", "repo", owner+"/"+repo, "sha", shortSHA(sha), "error", err)
		return nil
	}
	if commit == nil {
		return nil
	}
	var out []string
	for _, f := range commit.Files {
		out = append(out, f.GetFilename())
	}
	return out
}

func getWorkflowText(ctx context.Context, gh *forgeclient.Client, owner, repo, path, sha string, budget *FetchBudget) string {
	if !budget.Take() {
		return ""
	}
	text, err := gh.GetContentsText(ctx, owner, repo, path, sha)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "content fetch failed", "repo", owner+"/"+repo, "path", path, "sha", shortSHA(sha), "error", err)
		return ""
	}
	return text
}

func listWorkflowFiles(ctx context.Context, gh *forgeclient.Client, owner, repo, ref string, budget *FetchBudget) []string {
	if !budget.Take() {
		return nil
	}
	entries, err := gh.ListDirectory(ctx, owner, repo, strings.TrimSuffix(workflowDir, "/"), ref)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "workflows list failed", "repo", owner+"/"+repo, "ref", shortSHA(ref), "error", err)
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.GetType() != "file" {
			continue
		}
		if isWorkflowPath(e.GetPath()) {
			out = append(out, e.GetPath())
		}
	}
	return out
}

func collectKnownSecrets(ctx context.Context, gh *forgeclient.Client, owner, repo, ref string, budget *FetchBudget) []string {
	files := listWorkflowFiles(ctx, gh, owner, repo, ref, budget)
	if len(files) > 10 {
		files = files[:10]
	}
	seen := make(map[string]bool)
	for _, path := range files {
		text := getWorkflowText(ctx, gh, owner, repo, path, ref, budget)
		if text == "" {
			continue
		}
		for _, m := range secretExprRe.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func fetchActorContext(ctx context.Context, gh *forgeclient.Client, owner, repo, login string, budget *FetchBudget) forgetypes.JSONMap {
	if login == "" || !budget.Take() {
		return nil
	}
	user, err := gh.GetUser(ctx, login)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "actor fetch failed", "actor", login, "error", err)
		return nil
	}
	if user == nil {
		return nil
	}
	out := forgetypes.JSONMap{
		"login":        login,
		"type":         user.GetType(),
		"created_at":   user.GetCreatedAt().String(),
		"followers":    user.GetFollowers(),
		"public_repos": user.GetPublicRepos(),
		"site_admin":   user.GetSiteAdmin(),
	}
	if budget.Take() {
		perm, err := gh.GetCollaboratorPermission(ctx, owner, repo, login)
		if err == nil && perm != "" {
			out["permission"] = perm
		}
	}
	return out
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func isBotActor(login string) string {
	if strings.HasSuffix(strings.ToLower(login), "[bot]") {
		return "bot"
	}
	return "user"
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DetectGhostActionRisk inspects a PushEvent for newly added/modified
// workflow files and scores them for GhostAction-style exfiltration
// risk, emitting at most one incident per invocation.
func DetectGhostActionRisk(ctx context.Context, gh *forgeclient.Client, ev forgetypes.PushEventContext, budget *FetchBudget) ([]*forgetypes.Incident, error) {
	if ev.RepoFullName == "" || !strings.Contains(ev.RepoFullName, "/") {
		return nil, nil
	}

	paths := changedWorkflowPaths(ev.Commits, ev.AfterSHA)
	if len(paths) == 0 && ev.AfterSHA != "" {
		for _, filename := range getCommitFiles(ctx, gh, ev.Owner, ev.Name, ev.AfterSHA, budget) {
			if isWorkflowPath(filename) {
				paths = append(paths, workflowPath{sha: ev.AfterSHA, path: filename})
			}
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}

	var allIndicators, allDomains, allSnippets []string
	secretRefCount := 0
	maxScore := 0

	for _, p := range paths {
		text := getWorkflowText(ctx, gh, ev.Owner, ev.Name, p.path, p.sha, budget)
		if text == "" {
			continue
		}
		analysis := AnalyzeWorkflowText(text)
		secretRefCount += analysis.SecretRefCount
		allDomains = append(allDomains, analysis.ExternalDomains...)
		allIndicators = append(allIndicators, analysis.MatchedIndicators...)
		allSnippets = append(allSnippets, analysis.Snippets...)
		if analysis.Score > maxScore {
			maxScore = analysis.Score
		}
	}

	if len(allIndicators) == 0 {
		return nil, nil
	}

	score := maxScore
	shouldEmit := secretRefCount > 0 || score >= GhostActionScoreThreshold
	if !shouldEmit {
		return nil, nil
	}

	dedupeKey := fmt.Sprintf("ghostaction:%s:%s", ev.RepoFullName, ev.AfterSHA)
	runID := StableRunID(dedupeKey)
	severity := "high"
	if score >= 80 {
		severity = "critical"
	}

	indicators := uniqueSorted(allIndicators)
	tags := forgetypes.TagSet{
		"security",
		"ghostaction",
		"risk:" + severity,
		"signals:" + strings.Join(indicators, ","),
		"actor:" + isBotActor(ev.Actor),
		fmt.Sprintf("score:%d", score),
	}

	var uniquePaths []string
	{
		seen := make(map[string]bool)
		for _, p := range paths {
			if !seen[p.path] {
				seen[p.path] = true
				uniquePaths = append(uniquePaths, p.path)
			}
		}
		sort.Strings(uniquePaths)
	}

	var actorCtx forgetypes.JSONMap
	if ev.Actor != "" {
		actorCtx = fetchActorContext(ctx, gh, ev.Owner, ev.Name, ev.Actor, budget)
	}

	if len(allSnippets) > 3 {
		allSnippets = allSnippets[:3]
	}

	evidence := forgetypes.JSONMap{
		"repo_full_name":     ev.RepoFullName,
		"sha":                ev.AfterSHA,
		"actor":               ev.Actor,
		"workflow_paths":      uniquePaths,
		"secret_ref_count":    secretRefCount,
		"external_domains":    uniqueSorted(allDomains),
		"matched_indicators":  indicators,
		"snippets":            allSnippets,
		"actor_context":       actorCtx,
		"detected_at":         ev.CreatedAt,
		"source":              "global_events",
	}

	incident := &forgetypes.Incident{
		IncidentID:   IncidentIDFromKey(dedupeKey),
		Kind:         forgetypes.KindGhostActionRisk,
		RunID:        runID,
		DedupeKey:    &dedupeKey,
		RepoFullName: ev.RepoFullName,
		WorkflowName: "workflow_change",
		Status:       "detected",
		Conclusion:   severity,
		HTMLURL:      fmt.Sprintf("https://github.com/%s/commit/%s", ev.RepoFullName, ev.AfterSHA),
		CreatedAt:    ev.CreatedAt,
		UpdatedAt:    ev.CreatedAt,
		Title:        fmt.Sprintf("GhostAction-style workflow risk detected in %s", ev.RepoFullName),
		Tags:         tags,
		Evidence:     evidence,
	}

	return []*forgetypes.Incident{incident}, nil
}

// DetectPersonalizedExfiltration inspects a PushEvent's changed workflow
// files for a secret-exfiltration pattern (exfil tool, POST flag, URL,
// and a secret reference), emitting one incident per offending file.
// Reusing a secret name already referenced in the repo's workflows at
// the base ref raises the confidence but is not required to emit.
func DetectPersonalizedExfiltration(ctx context.Context, gh *forgeclient.Client, ev forgetypes.PushEventContext, budget *FetchBudget) ([]*forgetypes.Incident, error) {
	if ev.RepoFullName == "" || !strings.Contains(ev.RepoFullName, "/") {
		return nil, nil
	}

	var paths []string
	for _, c := range ev.Commits {
		for _, path := range c.Added {
			if isWorkflowPath(path) {
				paths = append(paths, path)
			}
		}
		for _, path := range c.Modified {
			if isWorkflowPath(path) {
				paths = append(paths, path)
			}
		}
		for _, path := range c.Removed {
			if isWorkflowPath(path) {
				paths = append(paths, path)
			}
		}
	}
	if len(paths) == 0 && ev.AfterSHA != "" {
		for _, filename := range getCommitFiles(ctx, gh, ev.Owner, ev.Name, ev.AfterSHA, budget) {
			if isWorkflowPath(filename) {
				paths = append(paths, filename)
			}
		}
	}
	if len(paths) == 0 || ev.AfterSHA == "" || ev.BeforeSHA == "" {
		return nil, nil
	}

	knownSecrets := collectKnownSecrets(ctx, gh, ev.Owner, ev.Name, ev.BeforeSHA, budget)
	knownSet := make(map[string]bool, len(knownSecrets))
	for _, s := range knownSecrets {
		knownSet[s] = true
	}

	var incidents []*forgetypes.Incident
	for _, path := range uniqueSorted(paths) {
		text := getWorkflowText(ctx, gh, ev.Owner, ev.Name, path, ev.AfterSHA, budget)
		if text == "" {
			continue
		}

		newSecrets := make(map[string]bool)
		for _, m := range secretExprRe.FindAllStringSubmatch(text, -1) {
			newSecrets[m[1]] = true
		}
		var overlap []string
		for s := range newSecrets {
			if knownSet[s] {
				overlap = append(overlap, s)
			}
		}
		sort.Strings(overlap)

		hasCurl := exfilToolRe.MatchString(text)
		hasPost := postFlagRe.MatchString(text)
		hasBase64 := base64Re.MatchString(text)
		urls := urlRe.FindAllString(text, -1)
		extDomains := externalDomains(urls)
		hasSecretRef := secretRe.MatchString(text) || toJSONSecretsRe.MatchString(text)
		exfilOK := hasCurl && hasPost && len(urls) > 0 && hasSecretRef
		if !exfilOK {
			continue
		}

		ioc := containsIOCDomain(extDomains)
		hasIOCName := strings.Contains(text, iocWorkflowName)

		confidence := "low"
		if len(overlap) > 0 {
			confidence = "medium"
		}
		if hasBase64 || toJSONSecretsRe.MatchString(text) {
			if confidence == "low" {
				confidence = "medium"
			}
		}
		if len(ioc) > 0 || hasIOCName {
			confidence = "high"
		}

		evidenceLines := extractEvidenceLines(text, 8)
		overlapHashes := make([]string, 0, len(overlap))
		for _, s := range overlap {
			overlapHashes = append(overlapHashes, HashSecretName(s))
		}

		var exfilDomain any
		switch {
		case len(ioc) > 0:
			exfilDomain = ioc[0]
		case len(extDomains) > 0:
			exfilDomain = extDomains[0]
		default:
			exfilDomain = nil
		}

		evidence := forgetypes.JSONMap{
			"repo_full_name":  ev.RepoFullName,
			"sha":             ev.AfterSHA,
			"actor":           ev.Actor,
			"workflow_path":   path,
			"overlap_secrets": overlapHashes,
			"overlap_count":   len(overlap),
			"exfil_domain":    exfilDomain,
			"confidence":      confidence,
			"evidence_lines":  evidenceLines,
			"source":          "global_events",
		}

		dedupeKey := fmt.Sprintf("personalized_exfil:%s:%s:%s", ev.RepoFullName, ev.AfterSHA, path)
		runID := StableRunID(dedupeKey)
		tags := forgetypes.TagSet{
			"security",
			"workflow_injection",
			"secret_enumeration",
			"confidence:" + confidence,
			fmt.Sprintf("overlap:%d", len(overlap)),
		}

		incidents = append(incidents, &forgetypes.Incident{
			IncidentID:   IncidentIDFromKey(dedupeKey),
			Kind:         forgetypes.KindPersonalizedSecretExfiltration,
			RunID:        runID,
			DedupeKey:    &dedupeKey,
			RepoFullName: ev.RepoFullName,
			WorkflowName: path,
			Status:       "detected",
			Conclusion:   confidence,
			HTMLURL:      fmt.Sprintf("https://github.com/%s/commit/%s", ev.RepoFullName, ev.AfterSHA),
			CreatedAt:    ev.CreatedAt,
			UpdatedAt:    ev.CreatedAt,
			Title:        fmt.Sprintf("Personalized secret exfiltration risk in %s", ev.RepoFullName),
			Tags:         tags,
			Evidence:     evidence,
		})
	}

	return incidents, nil
}
