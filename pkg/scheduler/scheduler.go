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

// Package scheduler picks which repositories the run checker should poll
// on a given cycle: a fixed high-traffic set first, then a FIFO of
// recently-seen repos, both gated by a minimum recheck interval.
package scheduler

import (
	"strings"
	"sync"
	"time"
)

// DefaultMinIntervalSeconds is the conservative default recheck interval
// chosen for repos with no per-repo override.
const DefaultMinIntervalSeconds = 120

// Scheduler tracks high-traffic repos and a recent-repo queue, handing
// out bounded batches to check each cycle.
type Scheduler struct {
	mu          sync.Mutex
	highTraffic []string
	queue       []string
	lastChecked map[string]time.Time
	minInterval time.Duration
	now         func() time.Time
}

// New builds a Scheduler. Entries in highTraffic without a "/" are
// dropped, matching the python constructor's filter.
func New(highTraffic []string, minIntervalSeconds int) *Scheduler {
	if minIntervalSeconds <= 0 {
		minIntervalSeconds = DefaultMinIntervalSeconds
	}
	filtered := make([]string, 0, len(highTraffic))
	for _, r := range highTraffic {
		if strings.Contains(r, "/") {
			filtered = append(filtered, r)
		}
	}
	return &Scheduler{
		highTraffic: filtered,
		lastChecked: make(map[string]time.Time),
		minInterval: time.Duration(minIntervalSeconds) * time.Second,
		now:         time.Now,
	}
}

// AddRecentRepo enqueues a repo observed from the event stream. Entries
// without a "/" are ignored.
func (s *Scheduler) AddRecentRepo(repoFullName string) {
	if repoFullName == "" || !strings.Contains(repoFullName, "/") {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, repoFullName)
}

// NextBatch picks up to maxRepos repos to check this cycle: high-traffic
// repos first (in declared order), then the recent-repo FIFO, each
// subject to the minimum recheck interval.
func (s *Scheduler) NextBatch(maxRepos int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	picked := make([]string, 0, maxRepos)
	seen := make(map[string]bool, maxRepos)

	for _, r := range s.highTraffic {
		if len(picked) >= maxRepos {
			break
		}
		if seen[r] {
			continue
		}
		if now.Sub(s.lastChecked[r]) >= s.minInterval {
			picked = append(picked, r)
			seen[r] = true
			s.lastChecked[r] = now
		}
	}

	var remaining []string
	for len(picked) < maxRepos && len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		if seen[r] {
			continue
		}
		if now.Sub(s.lastChecked[r]) < s.minInterval {
			continue
		}
		picked = append(picked, r)
		seen[r] = true
		s.lastChecked[r] = now
	}
	// Shrink the backing array once in a while so a long-idle queue
	// doesn't retain memory for repos already drained.
	if cap(s.queue) > 64 && len(s.queue) < cap(s.queue)/4 {
		remaining = append(remaining, s.queue...)
		s.queue = remaining
	}

	return picked
}

// QueueLen reports the current depth of the recent-repo FIFO, used by the
// debug surface's recent_repos endpoint.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RecentRepos returns a snapshot of the recent-repo FIFO without
// draining it, newest-last, for the debug surface.
func (s *Scheduler) RecentRepos(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.queue) {
		limit = len(s.queue)
	}
	start := len(s.queue) - limit
	out := make([]string, limit)
	copy(out, s.queue[start:])
	return out
}
