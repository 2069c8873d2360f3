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

package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/serving"

	"github.com/forgesentinel/sentinel/internal/config"
	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/correlator"
	"github.com/forgesentinel/sentinel/pkg/enrichment"
	"github.com/forgesentinel/sentinel/pkg/eventpoller"
	"github.com/forgesentinel/sentinel/pkg/forgeclient"
	"github.com/forgesentinel/sentinel/pkg/httpapi"
	"github.com/forgesentinel/sentinel/pkg/pipeline"
	"github.com/forgesentinel/sentinel/pkg/queue"
	"github.com/forgesentinel/sentinel/pkg/replay"
	"github.com/forgesentinel/sentinel/pkg/runchecker"
	"github.com/forgesentinel/sentinel/pkg/runlogs"
	"github.com/forgesentinel/sentinel/pkg/scheduler"
	"github.com/forgesentinel/sentinel/pkg/store"
	"github.com/forgesentinel/sentinel/pkg/summarizer"
	"github.com/forgesentinel/sentinel/pkg/version"
	"github.com/forgesentinel/sentinel/pkg/workflowsignals"
)

// enrichmentQueueCapacity matches EnrichmentQueue's asyncio.Queue(maxsize=500)
// default; unlike the summary queue this one is never Redis-backed.
const enrichmentQueueCapacity = 500

var _ cli.Command = (*ServerCommand)(nil)

// ServerCommand starts the event poller, run checker, summarizer,
// enrichment worker, and the HTTP API, all sharing one store and
// broadcaster.
type ServerCommand struct {
	cli.BaseCommand

	cfg *config.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ServerCommand) Desc() string {
	return `Start the sentinel detection server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Start the event poller, run checker, and HTTP API.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	server, mux, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	return server.StartHTTPHandler(ctx, mux) //nolint:wrapcheck // Want passthrough
}

// RunUnstarted builds every component and returns the serving.Server and
// its handler without starting to listen, so tests can drive the mux
// directly.
func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.InfoContext(ctx, "sentinel starting", "name", version.Name, "version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	workflowsignals.GhostActionScoreThreshold = c.cfg.GhostactionScoreThreshold

	db, err := store.Open(ctx, c.cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	forge := forgeclient.New(c.cfg.GitHubToken)
	b := broadcaster.New()

	summaryQ, err := queue.New(c.cfg.RedisURL, c.cfg.SummaryQueueSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build summary queue: %w", err)
	}
	enrichQ := queue.NewInProcessQueue(enrichmentQueueCapacity)

	enrichWorker := enrichment.New(db, enrichQ, b, forge)
	summarizerWorker := summarizer.New(db, summaryQ, b, c.cfg.AnthropicAPIKey, c.cfg.AnthropicModel)

	corr := correlator.New(correlator.Config{
		WindowMinutes:   c.cfg.WindowMinutes,
		MinRepos:        c.cfg.MinRepos,
		MinOwners:       c.cfg.MinOwners,
		CooldownMinutes: c.cfg.CooldownMinutes,
	})
	pl := pipeline.New(nil, corr, db, b, summaryQ, enrichWorker)

	sched := scheduler.New(c.cfg.HighTrafficRepoList(), c.cfg.MinIntervalSeconds)
	logFetcher := runlogs.New(forge, c.cfg.LogFetchPerMin, c.cfg.LogCacheSize)

	poller := eventpoller.New(forge, db, b, summaryQ, enrichWorker, sched, eventpoller.Config{
		PollInterval:               secondsToDuration(c.cfg.PollEventsSeconds),
		MaxWorkflowFetchesPerCycle: c.cfg.MaxWorkflowFetchesPerCycle,
	})
	checker := runchecker.New(forge, db, b, summaryQ, enrichWorker, sched, logFetcher, pl, runchecker.Config{
		CheckInterval:                secondsToDuration(c.cfg.CheckRunsSeconds),
		MaxReposPerCycle:             c.cfg.MaxReposPerCycle,
		RunsPerRepo:                  c.cfg.RunsPerRepo,
		SingleFailurePerRepoPerCycle: true,
	})

	router := httpapi.New(db, b, summaryQ, enrichWorker, forge, sched, pl, c.cfg.DevMode)

	go runLoop(ctx, "event poller", poller.Run)
	go runLoop(ctx, "run checker", checker.Run)
	go runLoop(ctx, "summarizer", summarizerWorker.Run)
	go runLoop(ctx, "enrichment worker", enrichWorker.Run)

	if c.cfg.ReplayFixtures {
		if _, err := replay.Run(ctx, pl, db, b, summaryQ, enrichWorker); err != nil {
			logger.WarnContext(ctx, "sentinel: replay fixtures failed", "error", err)
		}
	}

	srv, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return srv, router, nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// runLoop runs fn until ctx is cancelled, logging (rather than crashing
// the process) if fn returns early for any other reason.
func runLoop(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		logging.FromContext(ctx).ErrorContext(ctx, "sentinel: background loop exited", "loop", name, "error", err)
	}
}
