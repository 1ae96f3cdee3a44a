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

package pool

import (
	"fmt"

	logger "github.com/containers/memgov/pkg/log"
)

var (
	log     = logger.Get("pool")
	details = logger.Get("pool-details")
)

func (a *Allocator) DumpConfig(context ...interface{}) {
	prefix := formatPrefix(context...)
	log.Info("%spool allocator configuration", prefix)
	log.Info("%s  ceiling %s, pressure thresholds %.2f/%.2f/%.2f (hysteresis %.2f)", prefix,
		prettySize(a.ceiling), a.thresholds.Warning, a.thresholds.Critical,
		a.thresholds.Emergency, a.thresholds.Hysteresis)
	for _, c := range Categories() {
		if id, ok := a.affinity[c]; ok {
			log.Info("%s  %s allocations from pool %s", prefix, c, id)
		}
	}
	a.DumpPools(prefix)
}

func (a *Allocator) DumpState(context ...interface{}) {
	prefix := formatPrefix(context...)
	a.DumpPools(prefix)
	a.DumpFragments(prefix)
}

func (a *Allocator) DumpPools(context ...interface{}) {
	prefix := formatPrefix(context...)

	if len(a.pools) == 0 {
		log.Info("%s  no pools", prefix)
		return
	}

	for _, id := range a.order {
		i := a.pools[id].info()
		log.Info("%s  pool %s: %s, %s allocated in %d allocations, fragmentation %.2f",
			prefix, id, prettySize(i.Total), prettySize(i.Allocated), i.Allocations,
			i.Fragmentation)
	}
}

func (a *Allocator) DumpFragments(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)

	for _, id := range a.order {
		p := a.pools[id]
		details.Debug("%s  pool %s fragments:", prefix, id)
		for _, f := range p.fragments {
			details.Debug("%s    - %s", prefix, f)
		}
		if len(p.allocs) == 0 {
			continue
		}
		details.Debug("%s  pool %s allocations:", prefix, id)
		for _, al := range SortAllocations(p.allocs, nil, AllocationsByOffset) {
			details.Debug("%s    - %s", prefix, al)
		}
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!pool:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
