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
	"bufio"
	"regexp"
	"strings"

	"github.com/forgesentinel/sentinel/pkg/forgetypes"
)

var (
	npmExpiredRe        = regexp.MustCompile(`(?i)access token expired or revoked`)
	npmUnableAuthRe     = regexp.MustCompile(`(?i)npm ERR!\s+Unable to authenticate`)
	npmE401CodeRe       = regexp.MustCompile(`(?i)npm ERR!\s+code\s+E401`)
	npmE401Unauthorized = regexp.MustCompile(`(?i)E401\s+Unauthorized`)
	npmTimestampRe      = regexp.MustCompile(`^\s*(\[[^\]]+\]|\d{4}-\d{2}-\d{2}T\S+|\d{4}-\d{2}-\d{2}\s+[0-9:.]+)\s*`)
	npmWhitespaceRe     = regexp.MustCompile(`\s+`)
)

// NpmAuthTokenExpired flags run logs whose npm client reports an
// expired, revoked, or unauthenticated registry token.
type NpmAuthTokenExpired struct{}

// NewNpmAuthTokenExpired constructs the plugin.
func NewNpmAuthTokenExpired() *NpmAuthTokenExpired { return &NpmAuthTokenExpired{} }

// Name implements [Plugin].
func (p *NpmAuthTokenExpired) Name() string { return "npm_auth_token_expired" }

func normalizeLogLine(line string) string {
	line = npmTimestampRe.ReplaceAllString(line, "")
	line = npmWhitespaceRe.ReplaceAllString(line, " ")
	line = strings.TrimSpace(line)
	if len(line) > 200 {
		line = line[:197] + "..."
	}
	return line
}

// Match implements [Plugin].
func (p *NpmAuthTokenExpired) Match(runCtx forgetypes.RunContext, logText string) (*forgetypes.SignalMatch, bool) {
	var matchedLine string
	var confidence float64

	scanner := bufio.NewScanner(strings.NewReader(logText))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case npmExpiredRe.MatchString(line) || npmUnableAuthRe.MatchString(line):
			matchedLine = normalizeLogLine(line)
			confidence = 0.9
		case npmE401CodeRe.MatchString(line) || npmE401Unauthorized.MatchString(line):
			matchedLine = normalizeLogLine(line)
			confidence = 0.7
		}
		if matchedLine != "" {
			break
		}
	}

	if matchedLine == "" {
		return nil, false
	}

	return &forgetypes.SignalMatch{
		Signature: "npm_auth_token_expired",
		Evidence: forgetypes.JSONMap{
			"matched_line": matchedLine,
			"job_name":     runCtx.JobName,
			"step_name":    runCtx.StepName,
			"run_id":       runCtx.RunID,
		},
		Confidence: confidence,
	}, true
}
