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

// Package config defines the environment-variable contract for the
// sentinel server and replay commands.
package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/abcxyz/pkg/cli"
	"github.com/sethvargo/go-envconfig"
)

// Config is the full set of environment variables the sentinel server
// recognises.
type Config struct {
	DBPath          string `env:"DB_PATH,default=sentinel.db"`
	GitHubToken     string `env:"GITHUB_TOKEN"`
	RedisURL        string `env:"REDIS_URL"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL,default=claude-3-5-sonnet-20241022"`
	DevMode         bool   `env:"DEV_MODE,default=false"`
	Port            string `env:"PORT,default=8080"`

	PollEventsSeconds          int    `env:"POLL_EVENTS_SECONDS,default=10"`
	CheckRunsSeconds           int    `env:"CHECK_RUNS_SECONDS,default=30"`
	MaxReposPerCycle           int    `env:"MAX_REPOS_PER_CYCLE,default=8"`
	RunsPerRepo                int    `env:"RUNS_PER_REPO,default=5"`
	HighTrafficRepos           string `env:"HIGH_TRAFFIC_REPOS"`
	MaxWorkflowFetchesPerCycle int    `env:"MAX_WORKFLOW_FETCHES_PER_CYCLE,default=5"`
	MinIntervalSeconds         int    `env:"MIN_INTERVAL_SECONDS,default=120"`

	GhostactionScoreThreshold int `env:"GHOSTACTION_SCORE_THRESHOLD,default=60"`
	WindowMinutes             int `env:"WINDOW_MINUTES,default=60"`
	MinRepos                  int `env:"MIN_REPOS,default=3"`
	MinOwners                 int `env:"MIN_OWNERS,default=2"`
	CooldownMinutes           int `env:"COOLDOWN_MINUTES,default=60"`

	LogFetchPerMin   int  `env:"LOG_FETCH_PER_MIN,default=20"`
	LogCacheSize     int  `env:"LOG_CACHE_SIZE,default=200"`
	ReplayFixtures   bool `env:"REPLAY_FIXTURES,default=false"`
	SummaryQueueSize int  `env:"SUMMARY_QUEUE_SIZE,default=1000"`
}

// HighTrafficRepoList splits HighTrafficRepos on commas, trimming
// whitespace and dropping empty entries.
func (cfg *Config) HighTrafficRepoList() []string {
	if strings.TrimSpace(cfg.HighTrafficRepos) == "" {
		return nil
	}
	parts := strings.Split(cfg.HighTrafficRepos, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks constraints NewConfig cannot express through struct
// tags alone.
func (cfg *Config) Validate() error {
	if cfg.GitHubToken == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	return nil
}

// NewConfig loads Config from the process environment.
func NewConfig(ctx context.Context) (*Config, error) {
	return newConfig(ctx, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		return nil, fmt.Errorf("failed to parse sentinel server config: %w", err)
	}
	return &cfg, nil
}

// ToFlags binds Config to the given [cli.FlagSet] and returns it, so
// every value above can also be set by flag in addition to environment
// variable.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "db-path",
		Target:  &cfg.DBPath,
		EnvVar:  "DB_PATH",
		Default: "sentinel.db",
		Usage:   `Path to the SQLite database file.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-token",
		Target: &cfg.GitHubToken,
		EnvVar: "GITHUB_TOKEN",
		Usage:  `Forge API token used for all event/workflow/log requests.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "redis-url",
		Target: &cfg.RedisURL,
		EnvVar: "REDIS_URL",
		Usage:  `redis:// URL for the summary queue; empty uses an in-process queue. The enrichment queue is always in-process.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "anthropic-api-key",
		Target: &cfg.AnthropicAPIKey,
		EnvVar: "ANTHROPIC_API_KEY",
		Usage:  `Anthropic API key used for incident summarization; empty uses the deterministic fallback.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "anthropic-model",
		Target:  &cfg.AnthropicModel,
		EnvVar:  "ANTHROPIC_MODEL",
		Default: "claude-3-5-sonnet-20241022",
		Usage:   `Anthropic model used for incident summarization.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "dev-mode",
		Target: &cfg.DevMode,
		EnvVar: "DEV_MODE",
		Usage:  `Enables the /api/dev/seed_failure endpoint.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `Port the HTTP API listens on.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "poll-events-seconds",
		Target:  &cfg.PollEventsSeconds,
		EnvVar:  "POLL_EVENTS_SECONDS",
		Default: 10,
		Usage:   `Event poller cycle interval, in seconds.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "check-runs-seconds",
		Target:  &cfg.CheckRunsSeconds,
		EnvVar:  "CHECK_RUNS_SECONDS",
		Default: 30,
		Usage:   `Run checker cycle interval, in seconds.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-repos-per-cycle",
		Target:  &cfg.MaxReposPerCycle,
		EnvVar:  "MAX_REPOS_PER_CYCLE",
		Default: 8,
		Usage:   `Maximum repos the run checker scans per cycle.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "runs-per-repo",
		Target:  &cfg.RunsPerRepo,
		EnvVar:  "RUNS_PER_REPO",
		Default: 5,
		Usage:   `Workflow runs fetched per repo per cycle.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "high-traffic-repos",
		Target: &cfg.HighTrafficRepos,
		EnvVar: "HIGH_TRAFFIC_REPOS",
		Usage:  `Comma-separated owner/repo seed list for the repo scheduler.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "max-workflow-fetches-per-cycle",
		Target:  &cfg.MaxWorkflowFetchesPerCycle,
		EnvVar:  "MAX_WORKFLOW_FETCHES_PER_CYCLE",
		Default: 5,
		Usage:   `Cap on expensive Forge calls per push-event detection cycle.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "min-interval-seconds",
		Target:  &cfg.MinIntervalSeconds,
		EnvVar:  "MIN_INTERVAL_SECONDS",
		Default: 120,
		Usage:   `Minimum time between re-checks of the same repo in the scheduler.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "ghostaction-score-threshold",
		Target:  &cfg.GhostactionScoreThreshold,
		EnvVar:  "GHOSTACTION_SCORE_THRESHOLD",
		Default: 60,
		Usage:   `Aggregate score cutoff for a ghostaction_risk incident.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "window-minutes",
		Target:  &cfg.WindowMinutes,
		EnvVar:  "WINDOW_MINUTES",
		Default: 60,
		Usage:   `Sliding-window width used by ecosystem correlation.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "min-repos",
		Target:  &cfg.MinRepos,
		EnvVar:  "MIN_REPOS",
		Default: 3,
		Usage:   `Minimum distinct repos in-window before correlating an ecosystem incident.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "min-owners",
		Target:  &cfg.MinOwners,
		EnvVar:  "MIN_OWNERS",
		Default: 2,
		Usage:   `Minimum distinct owners in-window before correlating an ecosystem incident.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "cooldown-minutes",
		Target:  &cfg.CooldownMinutes,
		EnvVar:  "COOLDOWN_MINUTES",
		Default: 60,
		Usage:   `Suppression window after an ecosystem incident fires for the same signature.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "log-fetch-per-min",
		Target:  &cfg.LogFetchPerMin,
		EnvVar:  "LOG_FETCH_PER_MIN",
		Default: 20,
		Usage:   `Token-bucket rate limit on run-log API calls per minute.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "log-cache-size",
		Target:  &cfg.LogCacheSize,
		EnvVar:  "LOG_CACHE_SIZE",
		Default: 200,
		Usage:   `Number of runs' logs kept in the run-log LRU cache.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:   "replay-fixtures",
		Target: &cfg.ReplayFixtures,
		EnvVar: "REPLAY_FIXTURES",
		Usage:  `Run the replay fixtures once at startup.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "summary-queue-size",
		Target:  &cfg.SummaryQueueSize,
		EnvVar:  "SUMMARY_QUEUE_SIZE",
		Default: 1000,
		Usage:   `In-process queue capacity when REDIS_URL is not set.`,
	})

	return set
}
