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

package enrichment

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

// packageVersion is a candidate npm package@version pair pulled out of
// incident text or structured evidence.
type packageVersion struct {
	name    string
	version string
}

var packageVersionRe = regexp.MustCompile(`(@?[\w.-]+(?:/[\w.-]+)?)@([0-9]+\.[0-9]+\.[0-9]+[\w.-]*)`)

// isExactVersion rejects semver ranges, matching the python
// implementation's conservative "only query exact pins" rule.
func isExactVersion(version string) bool {
	for _, ch := range []string{"^", "~", ">", "<", "*", "x"} {
		if strings.Contains(version, ch) {
			return false
		}
	}
	return true
}

func extractCandidates(texts []string) []packageVersion {
	var out []packageVersion
	for _, text := range texts {
		for _, m := range packageVersionRe.FindAllStringSubmatch(text, -1) {
			out = append(out, packageVersion{name: m[1], version: m[2]})
		}
	}
	return out
}

// extractPackagesFromIncident mines the incident's evidence and summary
// text for package@version references, matching
// osv_enrichment.py:_extract_packages_from_incident.
func extractPackagesFromIncident(inc *forgetypes.Incident) []packageVersion {
	var texts []string

	for _, key := range []string{"evidence_lines", "snippets"} {
		if lines, ok := inc.Evidence[key].([]any); ok {
			for _, line := range lines {
				texts = append(texts, toString(line))
			}
		}
	}

	if samples, ok := inc.Evidence["evidence_samples"].([]any); ok {
		for _, s := range samples {
			if m, ok := s.(map[string]any); ok {
				if line, ok := m["matched_line"]; ok && line != nil {
					texts = append(texts, toString(line))
				}
			}
		}
	}

	for _, section := range []string{"root_cause", "impact", "next_steps"} {
		if items, ok := inc.Summary[section].([]any); ok {
			for _, item := range items {
				texts = append(texts, toString(item))
			}
		}
	}

	var structured []packageVersion
	if name, ok := inc.Evidence["package"].(string); ok && name != "" {
		version, _ := inc.Evidence["package_version"].(string)
		structured = append(structured, packageVersion{name: name, version: version})
	}
	if affected, ok := inc.Evidence["affected_packages"].([]any); ok {
		for _, a := range affected {
			if m, ok := a.(map[string]any); ok {
				name, _ := m["name"].(string)
				version, _ := m["version"].(string)
				structured = append(structured, packageVersion{name: name, version: version})
			}
		}
	}

	candidates := extractCandidates(texts)
	for _, pv := range structured {
		if pv.name != "" && pv.version != "" {
			candidates = append(candidates, pv)
		}
	}

	seen := make(map[packageVersion]struct{})
	var exact []packageVersion
	for _, pv := range candidates {
		if pv.name == "" || pv.version == "" || !isExactVersion(pv.version) {
			continue
		}
		if _, dup := seen[pv]; dup {
			continue
		}
		seen[pv] = struct{}{}
		exact = append(exact, pv)
	}
	return exact
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// depsFromPackageJSON extracts up to 10 exact-pinned dependency entries
// from a decoded package.json, sorted by name, matching
// osv_enrichment.py:_deps_from_package_json.
func depsFromPackageJSON(raw string) []packageVersion {
	var parsed struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	combined := make(map[string]string, len(parsed.Dependencies)+len(parsed.DevDependencies))
	for k, v := range parsed.Dependencies {
		combined[k] = v
	}
	for k, v := range parsed.DevDependencies {
		combined[k] = v
	}

	names := make([]string, 0, len(combined))
	for k := range combined {
		names = append(names, k)
	}
	sort.Strings(names)
	if len(names) > 10 {
		names = names[:10]
	}

	var out []packageVersion
	for _, name := range names {
		version := combined[name]
		if isExactVersion(version) {
			out = append(out, packageVersion{name: name, version: version})
		}
	}
	return out
}

// isOSVRelevant reports whether an incident's kind/tags/signature imply
// an npm dependency angle worth querying OSV for.
func isOSVRelevant(inc *forgetypes.Incident) bool {
	signature, _ := inc.Evidence["signature"].(string)
	signature = strings.ToLower(signature)
	tagBlob := strings.ToLower(strings.Join(inc.Tags, " "))

	if inc.Kind == forgetypes.KindEcosystemIncident && strings.Contains(signature+tagBlob, "npm") {
		return true
	}
	if strings.Contains(tagBlob, "npm") || strings.Contains(tagBlob, "dependency") || strings.Contains(tagBlob, "supply") {
		return true
	}
	return false
}
