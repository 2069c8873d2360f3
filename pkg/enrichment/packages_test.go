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
	"testing"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

func TestIsExactVersion(t *testing.T) {
	cases := map[string]bool{
		"1.2.3":  true,
		"^1.2.3": false,
		"~1.2.3": false,
		">1.2.3": false,
		"1.x":    false,
	}
	for version, want := range cases {
		if got := isExactVersion(version); got != want {
			t.Errorf("isExactVersion(%q) = %v, want %v", version, got, want)
		}
	}
}

func TestExtractCandidatesFindsPackageAtVersion(t *testing.T) {
	got := extractCandidates([]string{"installing left-pad@1.3.0 now", "no match here"})
	if len(got) != 1 || got[0].name != "left-pad" || got[0].version != "1.3.0" {
		t.Errorf("extractCandidates() = %+v", got)
	}
}

func TestExtractPackagesFromIncidentDedupesAndFiltersRanges(t *testing.T) {
	inc := &forgetypes.Incident{
		Evidence: forgetypes.JSONMap{
			"evidence_lines": []any{"left-pad@1.3.0 left-pad@1.3.0", "chalk@^4.0.0"},
		},
	}
	got := extractPackagesFromIncident(inc)
	if len(got) != 1 || got[0].name != "left-pad" {
		t.Errorf("extractPackagesFromIncident() = %+v, want single deduped exact-version package", got)
	}
}

func TestDepsFromPackageJSONCapsAtTenSortedExact(t *testing.T) {
	raw := `{"dependencies":{"zzz":"1.0.0","aaa":"^2.0.0","bbb":"3.0.0"}}`
	got := depsFromPackageJSON(raw)
	if len(got) != 2 {
		t.Fatalf("len(depsFromPackageJSON()) = %d, want 2 (aaa is a range, excluded)", len(got))
	}
	if got[0].name != "bbb" {
		t.Errorf("got[0].name = %q, want bbb (sorted)", got[0].name)
	}
}

func TestIsOSVRelevant(t *testing.T) {
	cases := []struct {
		name string
		inc  *forgetypes.Incident
		want bool
	}{
		{"npm tag", &forgetypes.Incident{Tags: forgetypes.TagSet{"npm"}}, true},
		{"dependency tag", &forgetypes.Incident{Tags: forgetypes.TagSet{"dependency-risk"}}, true},
		{"ecosystem npm signature", &forgetypes.Incident{
			Kind:     forgetypes.KindEcosystemIncident,
			Evidence: forgetypes.JSONMap{"signature": "npm:example"},
		}, true},
		{"unrelated", &forgetypes.Incident{Tags: forgetypes.TagSet{"secrets"}}, false},
	}
	for _, tc := range cases {
		if got := isOSVRelevant(tc.inc); got != tc.want {
			t.Errorf("%s: isOSVRelevant() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
