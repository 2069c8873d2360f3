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

// osvResponse is the subset of the osv.dev /v1/query response shape
// this package cares about.
type osvResponse struct {
	Vulns []osvVuln `json:"vulns"`
}

type osvVuln struct {
	ID        string          `json:"id"`
	Summary   string          `json:"summary"`
	Affected  []osvAffected   `json:"affected"`
	Severity  []osvSeverity   `json:"severity"`
	Reference []osvReference  `json:"references"`
}

type osvAffected struct {
	Package osvPackage `json:"package"`
	Ranges  []osvRange `json:"ranges"`
}

type osvPackage struct {
	Name string `json:"name"`
}

type osvRange struct {
	Events []any `json:"events"`
}

type osvSeverity struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type osvReference struct {
	URL string `json:"url"`
}

// normalizeOSVResponse flattens the top 5 vulnerabilities for the
// queried package into VulnMatch records, matching
// osv_enrichment.py:_normalize_osv_response.
func normalizeOSVResponse(name, version string, data osvResponse) []VulnMatch {
	vulns := data.Vulns
	if len(vulns) > 5 {
		vulns = vulns[:5]
	}

	var out []VulnMatch
	for _, v := range vulns {
		var ranges []any
		for _, aff := range v.Affected {
			if aff.Package.Name != name {
				continue
			}
			for _, r := range aff.Ranges {
				ranges = append(ranges, r.Events)
			}
		}
		if len(ranges) > 3 {
			ranges = ranges[:3]
		}

		var references []string
		for _, ref := range v.Reference {
			if ref.URL != "" {
				references = append(references, ref.URL)
			}
		}
		if len(references) > 3 {
			references = references[:3]
		}

		severity := "UNKNOWN"
		if len(v.Severity) > 0 {
			sev := v.Severity[0]
			switch {
			case sev.Score != "":
				severity = sev.Score
			case sev.Type != "":
				severity = sev.Type
			}
		}

		out = append(out, VulnMatch{
			Package:        name,
			Version:        version,
			OSVID:          v.ID,
			Summary:        v.Summary,
			Severity:       severity,
			AffectedRanges: ranges,
			References:     references,
		})
	}
	return out
}
