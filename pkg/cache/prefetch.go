// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"time"
)

// scanPrefetch queues absent keys with a confident, near-term predicted
// access and an hourly access histogram similar to that of the cached keys.
func (c *Cache[V]) scanPrefetch(now time.Time) int {
	cfg := c.cfg.Prefetch
	if !cfg.Enabled || c.loader == nil {
		return 0
	}

	var hot [24]int
	for key := range c.entries {
		if p, ok := c.patterns[key]; ok {
			for h, n := range p.Hours {
				hot[h] += n
			}
		}
	}

	queued := 0
	for key, p := range c.patterns {
		if _, ok := c.entries[key]; ok || c.pending[key] {
			continue
		}
		if p.NextAccess.IsZero() || p.Confidence < cfg.Confidence {
			continue
		}
		if d := p.NextAccess.Sub(now); d > cfg.Window || d < -cfg.Window {
			continue
		}
		if cosineSimilarity(p.Hours, hot) < cfg.Similarity {
			continue
		}

		select {
		case c.queue <- key:
			c.pending[key] = true
			c.stats.PrefetchQueued++
			queued++
		default:
			log.Debug("%s: prefetch queue full", c.name)
			return queued
		}
	}

	return queued
}

func (c *Cache[V]) prefetchWorker(ctx context.Context) {
	defer c.workerWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case key := <-c.queue:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			c.prefetch(ctx, key)
		}
	}
}

func (c *Cache[V]) prefetch(ctx context.Context, key string) {
	c.lock.Lock()
	loader := c.loader
	c.lock.Unlock()

	var (
		value V
		err   error
	)
	if loader != nil {
		value, err = loader(ctx, key)
	}

	c.lock.Lock()
	delete(c.pending, key)
	if loader == nil || err != nil {
		c.stats.PrefetchFailed++
		c.lock.Unlock()
		log.Debug("%s: failed to prefetch %q: %v", c.name, key, err)
		return
	}
	c.lock.Unlock()

	if c.Set(key, value, WithPriority(PriorityLow), WithTags(tagPrefetched)) {
		c.lock.Lock()
		c.stats.PrefetchLoaded++
		c.lock.Unlock()
		log.Debug("%s: prefetched %q", c.name, key)
	}
}
