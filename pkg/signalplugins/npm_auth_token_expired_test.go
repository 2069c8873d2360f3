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

package signalplugins

import (
	"strings"
	"testing"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

func testRunContext() forgetypes.RunContext {
	return forgetypes.RunContext{
		RepoFullName: "acme/widgets",
		Owner:        "acme",
		RunID:        42,
		JobName:      "publish",
		StepName:     "npm publish",
	}
}

func TestNpmAuthTokenExpiredMatchesExpiredToken(t *testing.T) {
	p := NewNpmAuthTokenExpired()
	log := "2024-05-01T00:00:00Z npm ERR! access token expired or revoked\nother line"
	match, ok := p.Match(testRunContext(), log)
	if !ok {
		t.Fatal("expected a match")
	}
	if match.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", match.Confidence)
	}
	if match.Signature != "npm_auth_token_expired" {
		t.Errorf("Signature = %q, want npm_auth_token_expired", match.Signature)
	}
	if strings.Contains(match.Evidence["matched_line"].(string), "2024-05-01") {
		t.Errorf("matched_line retained timestamp: %q", match.Evidence["matched_line"])
	}
}

func TestNpmAuthTokenExpiredMatchesE401(t *testing.T) {
	p := NewNpmAuthTokenExpired()
	log := "npm ERR! code E401\nnpm ERR! 401 Unauthorized"
	match, ok := p.Match(testRunContext(), log)
	if !ok {
		t.Fatal("expected a match")
	}
	if match.Confidence != 0.7 {
		t.Errorf("Confidence = %v, want 0.7", match.Confidence)
	}
}

func TestNpmAuthTokenExpiredNoMatch(t *testing.T) {
	p := NewNpmAuthTokenExpired()
	_, ok := p.Match(testRunContext(), "build succeeded\nall tests passed")
	if ok {
		t.Error("expected no match")
	}
}

func TestNpmAuthTokenExpiredTruncatesLongLines(t *testing.T) {
	p := NewNpmAuthTokenExpired()
	long := "npm ERR! Unable to authenticate, " + strings.Repeat("x", 300)
	match, ok := p.Match(testRunContext(), long)
	if !ok {
		t.Fatal("expected a match")
	}
	line := match.Evidence["matched_line"].(string)
	if len(line) != 200 {
		t.Errorf("len(matched_line) = %d, want 200", len(line))
	}
	if !strings.HasSuffix(line, "...") {
		t.Errorf("matched_line = %q, want ... suffix", line)
	}
}
