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

// Package workflowsignals implements the two workflow-exfiltration
// detectors: GhostAction-style workflow risk and personalized secret
// exfiltration, both driven by static analysis of changed
// .github/workflows/*.yml text.
package workflowsignals

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const workflowDir = ".github/workflows/"

var suspiciousSteps = []string{"security", "audit", "scanner"}

var safeDomains = map[string]bool{
	"github.com":                  true,
	"api.github.com":              true,
	"objects.githubusercontent.com": true,
}

// iocDomains are known indicator-of-compromise exfiltration endpoints
// observed in prior GhostAction-style campaigns.
var iocDomains = map[string]bool{
	"bold-dhawan.45-139-104-115.plesk.page": true,
	"493networking.cc":                      true,
}

const iocWorkflowName = "Github Actions Security"

var (
	secretRe          = regexp.MustCompile(`secrets\.([A-Z0-9_]+)`)
	secretExprRe      = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Z0-9_]+)\s*\}\}`)
	toJSONSecretsRe   = regexp.MustCompile(`(?i)toJSON\(\s*secrets\s*\)`)
	urlRe             = regexp.MustCompile(`https?://[^\s)"']+`)
	exfilToolRe       = regexp.MustCompile(`(?i)\b(curl|wget|Invoke-WebRequest|nc)\b`)
	postFlagRe        = regexp.MustCompile(`(?i)(-X\s*POST|--data|-d\s)`)
	base64Re          = regexp.MustCompile(`(?i)\bbase64\b`)
	triggerRe         = regexp.MustCompile(`\b(pull_request_target|workflow_run|workflow_call)\b`)
	permissionsWriteRe = regexp.MustCompile(`(?i)\b(contents|id-token|pull-requests)\s*:\s*write\b`)
	runnerRe          = regexp.MustCompile(`(?i)\bself-hosted\b`)
	usesRe            = regexp.MustCompile(`(?i)uses:\s*([^\s@]+)@(\S+)`)
	shaRefRe          = regexp.MustCompile(`(?i)^[0-9a-f]{40}$`)
	versionTagRe      = regexp.MustCompile(`^v\d+$`)
)

// Analysis is the result of scoring one workflow file's text against the
// exfiltration indicator set.
type Analysis struct {
	SecretRefCount     int
	ExternalDomains    []string
	IOCDomains         []string
	MatchedIndicators  []string
	Score              int
	Snippets           []string
}

func isWorkflowPath(path string) bool {
	if path == "" || !strings.HasPrefix(path, workflowDir) {
		return false
	}
	return strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")
}

func extractDomains(urls []string) []string {
	var domains []string
	for _, u := range urls {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" {
			continue
		}
		domains = append(domains, strings.ToLower(parsed.Host))
	}
	return domains
}

func externalDomains(urls []string) []string {
	seen := make(map[string]bool)
	for _, d := range extractDomains(urls) {
		if safeDomains[d] || strings.HasSuffix(d, ".github.com") {
			continue
		}
		seen[d] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func redactSecrets(line string) string {
	line = secretExprRe.ReplaceAllString(line, "${{ secrets.REDACTED }}")
	return secretRe.ReplaceAllString(line, "secrets.REDACTED")
}

func extractSnippets(text string, maxLines int) []string {
	var matches []string
	for _, line := range strings.Split(text, "\n") {
		if secretRe.MatchString(line) || exfilToolRe.MatchString(line) || urlRe.MatchString(line) ||
			triggerRe.MatchString(line) || permissionsWriteRe.MatchString(line) {
			matches = append(matches, strings.TrimSpace(redactSecrets(line)))
		}
		if len(matches) >= maxLines {
			break
		}
	}
	return matches
}

func extractEvidenceLines(text string, maxLines int) []string {
	var matches []string
	for _, line := range strings.Split(text, "\n") {
		if secretRe.MatchString(line) || exfilToolRe.MatchString(line) || postFlagRe.MatchString(line) ||
			base64Re.MatchString(line) || urlRe.MatchString(line) || strings.Contains(line, iocWorkflowName) {
			matches = append(matches, strings.TrimSpace(redactSecrets(line)))
		}
		if len(matches) >= maxLines {
			break
		}
	}
	return matches
}

func usesUnpinnedAction(text string) bool {
	for _, m := range usesRe.FindAllStringSubmatch(text, -1) {
		ref := m[2]
		if ref == "main" || ref == "master" || ref == "v1" {
			return true
		}
		if versionTagRe.MatchString(ref) {
			return true
		}
		if !shaRefRe.MatchString(ref) {
			return true
		}
	}
	return false
}

func containsIOCDomain(domains []string) []string {
	var out []string
	for _, d := range domains {
		if iocDomains[d] || strings.HasSuffix(d, ".plesk.page") {
			out = append(out, d)
		}
	}
	return out
}

// AnalyzeWorkflowText scores a single workflow file's text against the
// indicator set, mirroring analyze_workflow_text's weighted table.
func AnalyzeWorkflowText(text string) Analysis {
	secretRefs := secretRe.FindAllString(text, -1)
	urls := urlRe.FindAllString(text, -1)
	extDomains := externalDomains(urls)

	hasExfilTool := exfilToolRe.MatchString(text)
	hasPost := postFlagRe.MatchString(text)
	hasSuspiciousTrigger := triggerRe.MatchString(text)
	hasPermissionsWrite := permissionsWriteRe.MatchString(text)
	hasSelfHosted := runnerRe.MatchString(text)
	hasUnpinnedAction := usesUnpinnedAction(text)

	lower := strings.ToLower(text)
	hasSuspiciousStep := false
	for _, s := range suspiciousSteps {
		if strings.Contains(lower, s) {
			hasSuspiciousStep = true
			break
		}
	}

	ioc := containsIOCDomain(extDomains)

	var indicators []string
	if len(secretRefs) > 0 {
		indicators = append(indicators, "secrets_reference")
	}
	if hasSuspiciousTrigger {
		indicators = append(indicators, "suspicious_trigger")
	}
	if hasPermissionsWrite {
		indicators = append(indicators, "permissions_write")
	}
	if hasSelfHosted {
		indicators = append(indicators, "self_hosted_runner")
	}
	if hasUnpinnedAction {
		indicators = append(indicators, "unpinned_action_ref")
	}
	if hasSuspiciousStep {
		indicators = append(indicators, "suspicious_step_name")
	}
	if hasExfilTool && len(extDomains) > 0 {
		indicators = append(indicators, "exfil_tool_with_external_url")
	}
	if hasPost {
		indicators = append(indicators, "post_body_exfil")
	}
	if len(ioc) > 0 {
		indicators = append(indicators, "known_ioc_domain")
	}

	score := 0
	refCount := len(secretRefs)
	if refCount > 5 {
		refCount = 5
	}
	score += refCount * 8
	if hasSuspiciousTrigger {
		score += 12
	}
	if hasPermissionsWrite {
		score += 12
	}
	if hasSelfHosted {
		score += 10
	}
	if hasUnpinnedAction {
		score += 10
	}
	if hasSuspiciousStep {
		score += 6
	}
	if hasExfilTool && len(extDomains) > 0 {
		score += 20
	}
	if hasPost {
		score += 10
	}
	if len(ioc) > 0 {
		score += 25
	}

	return Analysis{
		SecretRefCount:    len(secretRefs),
		ExternalDomains:   extDomains,
		IOCDomains:        ioc,
		MatchedIndicators: indicators,
		Score:             score,
		Snippets:          extractSnippets(text, 3),
	}
}
