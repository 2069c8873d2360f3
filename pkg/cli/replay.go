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

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"

	"github.com/forgesentinel/sentinel/internal/config"
	"github.com/forgesentinel/sentinel/pkg/broadcaster"
	"github.com/forgesentinel/sentinel/pkg/correlator"
	"github.com/forgesentinel/sentinel/pkg/enrichment"
	"github.com/forgesentinel/sentinel/pkg/forgeclient"
	"github.com/forgesentinel/sentinel/pkg/pipeline"
	"github.com/forgesentinel/sentinel/pkg/queue"
	"github.com/forgesentinel/sentinel/pkg/replay"
	"github.com/forgesentinel/sentinel/pkg/store"
)

var _ cli.Command = (*ReplayCommand)(nil)

// ReplayCommand runs the canned replay fixtures once against a real
// store and exits, matching main.py's debug/replay_now path but as a
// standalone entry point for local demos and smoke tests.
type ReplayCommand struct {
	cli.BaseCommand

	cfg *config.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ReplayCommand) Desc() string {
	return `Run the replay fixtures once against the configured store`
}

func (c *ReplayCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]
  Drive the canned run-log and incident fixtures through the live
  pipeline once, then exit.
`
}

func (c *ReplayCommand) Flags() *cli.FlagSet {
	c.cfg = &config.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ReplayCommand) Run(ctx context.Context, args []string) error {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)

	db, err := store.Open(ctx, c.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	forge := forgeclient.New(c.cfg.GitHubToken)
	b := broadcaster.New()
	summaryQ, err := queue.New(c.cfg.RedisURL, c.cfg.SummaryQueueSize)
	if err != nil {
		return fmt.Errorf("failed to build summary queue: %w", err)
	}
	enrichQ := queue.NewInProcessQueue(enrichmentQueueCapacity)
	enrichWorker := enrichment.New(db, enrichQ, b, forge)

	corr := correlator.New(correlator.Config{
		WindowMinutes:   c.cfg.WindowMinutes,
		MinRepos:        c.cfg.MinRepos,
		MinOwners:       c.cfg.MinOwners,
		CooldownMinutes: c.cfg.CooldownMinutes,
	})
	pl := pipeline.New(nil, corr, db, b, summaryQ, enrichWorker)

	emitted, err := replay.Run(ctx, pl, db, b, summaryQ, enrichWorker)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	logger.InfoContext(ctx, "replay complete", "emitted", emitted)
	return nil
}
