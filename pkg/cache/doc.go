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

// Package cache implements a bounded, policy driven key-value cache with
// access pattern learning and predictive prefetching.
//
// Values are serialized when stored. Byte slices are stored as such, other
// values are gob encoded. Serialized values above a configurable threshold
// are compressed. The size of the stored, possibly compressed, form of a
// value is what counts against the size limit of the cache.
//
// When an insert would exceed the size or entry count limits, entries are
// evicted by the active eviction policy: lru, lfu, adaptive, predictive or
// hybrid. Lower priority entries are always evicted before higher priority
// ones. Every hit is recorded in a per-key access pattern which is used to
// predict the next access of the key. Predictions drive the predictive
// eviction policy and the optional background prefetcher.
//
// Get and Set never fail. A miss is reported for absent, expired or
// undecodable entries. A value which can't be serialized is kept as is and
// sized by its string representation.
package cache
