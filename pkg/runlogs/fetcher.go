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

// Package runlogs fetches and caches per-job run logs for a workflow
// run, rate-limited so a burst of failing runs cannot exhaust the
// Forge API quota.
package runlogs

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/forgesentinel/sentinel/pkg/forgeclient"
)

// DefaultPerMinute is the default LOG_FETCH_PER_MIN budget.
const DefaultPerMinute = 20

// DefaultCacheSize bounds how many runs' logs are held in memory at
// once, matching the python OrderedDict-based LRU's default size.
const DefaultCacheSize = 200

// JobLog is one job's fetched (and possibly zip-decoded) log text.
type JobLog struct {
	JobName string
	LogText string
}

// Fetcher fetches and caches per-job logs for a workflow run, subject to
// a requests-per-minute budget shared across every job/run it touches.
type Fetcher struct {
	gh        *forgeclient.Client
	limiter   *rate.Limiter
	cacheSize int

	mu    sync.Mutex
	cache map[int64]*list.Element // run_id -> LRU node
	order *list.List              // front = most recently used
}

type cacheNode struct {
	runID int64
	logs  []JobLog
}

// New constructs a Fetcher. perMinute<=0 uses DefaultPerMinute;
// cacheSize<=0 uses DefaultCacheSize.
func New(gh *forgeclient.Client, perMinute, cacheSize int) *Fetcher {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Fetcher{
		gh:        gh,
		limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		cacheSize: cacheSize,
		cache:     make(map[int64]*list.Element),
		order:     list.New(),
	}
}

// FetchRunLogs returns the per-job logs for runID, serving from cache
// when available and otherwise fetching job-by-job from the Forge API
// until the rate budget is exhausted. A nil, nil result means the
// budget was exhausted before any fetch could be attempted (matching
// the python fetcher's "return None" on a denied first allowance) or
// that listing the run's jobs failed.
func (f *Fetcher) FetchRunLogs(ctx context.Context, owner, repo string, runID int64) ([]JobLog, error) {
	if logs, ok := f.cacheGet(runID); ok {
		return logs, nil
	}
	if !f.limiter.Allow() {
		return nil, nil
	}

	jobs, err := f.gh.ListJobs(ctx, owner, repo, runID)
	if err != nil {
		return nil, nil
	}

	var results []JobLog
	for _, job := range jobs {
		if job.GetID() == 0 {
			continue
		}
		if !f.limiter.Allow() {
			break
		}
		logText, err := f.gh.GetJobLogs(ctx, owner, repo, job.GetID())
		if err != nil {
			continue
		}
		if logText != "" {
			results = append(results, JobLog{JobName: job.GetName(), LogText: logText})
		}
	}

	f.cachePut(runID, results)
	return results, nil
}

func (f *Fetcher) cacheGet(runID int64) ([]JobLog, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	elem, ok := f.cache[runID]
	if !ok {
		return nil, false
	}
	f.order.MoveToFront(elem)
	return elem.Value.(*cacheNode).logs, true
}

func (f *Fetcher) cachePut(runID int64, logs []JobLog) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if elem, ok := f.cache[runID]; ok {
		elem.Value.(*cacheNode).logs = logs
		f.order.MoveToFront(elem)
		return
	}

	elem := f.order.PushFront(&cacheNode{runID: runID, logs: logs})
	f.cache[runID] = elem

	for f.order.Len() > f.cacheSize {
		oldest := f.order.Back()
		if oldest == nil {
			break
		}
		f.order.Remove(oldest)
		delete(f.cache, oldest.Value.(*cacheNode).runID)
	}
}
