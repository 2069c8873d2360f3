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
	"sync"
	"time"
)

// osvTTL bounds how long a package@version OSV lookup is cached before
// it is re-queried.
const osvTTL = 24 * time.Hour

type cacheEntry struct {
	at   time.Time
	data []VulnMatch
}

// osvCache is a bounded-lifetime, in-memory cache of OSV query results
// keyed by "osv:npm:name@version".
type osvCache struct {
	mu  sync.Mutex
	now func() time.Time
	m   map[string]cacheEntry
}

func newOSVCache() *osvCache {
	return &osvCache{now: time.Now, m: make(map[string]cacheEntry)}
}

func (c *osvCache) get(key string) ([]VulnMatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.at) > osvTTL {
		delete(c.m, key)
		return nil, false
	}
	return entry.data, true
}

func (c *osvCache) set(key string, data []VulnMatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = cacheEntry{at: c.now(), data: data}
}
