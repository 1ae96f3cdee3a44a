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

// Package pool implements logical memory accounting and allocation for
// in-process memory governance. The primary interface to the package is
// the Allocator type.
//
// # Allocator, Pools
//
// Allocator is set up with one or more named pools. A pool is a logical,
// size-bounded region of memory. It does not own any actual memory, it
// only keeps book of how the memory budget of the process is divided up
// among its consumers. Every pool has an AllocationPolicy which defines
// how free space is picked for new allocations, when the pool should be
// compacted, and whether and how much the pool can grow if it runs out
// of free space.
//
// # Fragments
//
// The address space [0, size) of a pool is partitioned into fragments.
// A fragment is a contiguous range which is either free or used by one
// allocation. Fragments never overlap and there are never gaps between
// them. Adjacent free fragments are always coalesced into a single one.
//
// # Allocation Algorithm
//
// Every allocation has a size, a category (buffer, cache, transient or
// persistent), an owner and a priority. An allocation is assigned to a
// pool either explicitly, by the affinity of its category, or to the
// least utilized pool with enough free space. Within a pool a free
// fragment is picked by the placement strategy of the pool: first-fit,
// best-fit, worst-fit, or buddy-system, and split if it is larger than
// the allocation.
//
// If no fragment can satisfy an allocation, the pool is optimized and
// the allocation is retried. If this fails, and the policy of the pool
// allows it, the pool is expanded and the allocation is retried once
// more. Expansion never lets the total size of all pools exceed 90% of
// the configured process-wide ceiling.
//
// # Optimization, Garbage Collection
//
// Optimizing a pool garbage collects eligible allocations, coalesces
// free fragments, and compacts the pool if its fragmentation exceeds
// the compaction threshold of its policy. Eligibility depends on the
// category, priority, age and access history of an allocation, and on
// the current garbage collection mode. Critical allocations are never
// collected.
//
// # Memory Pressure
//
// Allocator tracks the ratio of allocated memory to the process-wide
// ceiling and maps it to a pressure level with hysteresis. Escalating to
// critical pressure triggers an optimization of all pools. Escalating to
// emergency pressure switches to forced garbage collection, which also
// collects any non-critical cache and transient allocations.
package pool
