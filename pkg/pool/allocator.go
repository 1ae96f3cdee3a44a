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
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/containers/memgov/pkg/events"
)

// ExpansionCeilingRatio is the share of the process-wide ceiling the
// total size of all pools may grow to.
const ExpansionCeilingRatio = 0.9

// Allocator keeps book of pools and the allocations made from them.
type Allocator struct {
	lock       sync.Mutex
	pools      map[string]*Pool
	order      []string
	index      map[string]string
	affinity   map[Category]string
	ceiling    int64
	thresholds Thresholds
	gc         GCConfig
	mode       GCMode
	level      events.PressureLevel
	ratio      float64
	pinned     string
	bus        *events.Bus
	now        func() time.Time
	newID      func() string
}

// Usage is a snapshot of the global memory usage of an Allocator.
type Usage struct {
	Pools     int                  `json:"pools"`
	Total     int64                `json:"total"`
	Allocated int64                `json:"allocated"`
	Ceiling   int64                `json:"ceiling"`
	Ratio     float64              `json:"ratio"`
	Level     events.PressureLevel `json:"level"`
	Mode      GCMode               `json:"mode"`
}

// OwnerUsage summarizes the allocations of a single owner.
type OwnerUsage struct {
	Owner        string    `json:"owner"`
	Allocations  int       `json:"allocations"`
	Bytes        int64     `json:"bytes"`
	Requested    int64     `json:"requested"`
	Accesses     int64     `json:"accesses"`
	Oldest       time.Time `json:"oldest,omitempty"`
	LastAccessed time.Time `json:"lastAccessed,omitempty"`
}

// AllocatorOption is an opaque option for an Allocator.
type AllocatorOption func(*Allocator) error

// WithCeiling sets the process-wide memory ceiling used for pressure
// tracking and for bounding pool expansion.
func WithCeiling(ceiling int64) AllocatorOption {
	return func(a *Allocator) error {
		if ceiling < 0 {
			return fmt.Errorf("%w: negative ceiling %d", ErrInvalidConfiguration, ceiling)
		}
		a.ceiling = ceiling
		return nil
	}
}

// WithPool creates a pool with the given parameters. Allocations of the
// given categories are placed in this pool unless a pool is explicitly
// requested.
func WithPool(id string, size int64, policy Policy, categories ...Category) AllocatorOption {
	return func(a *Allocator) error {
		if err := a.createPool(id, size, policy); err != nil {
			return err
		}
		for _, c := range categories {
			if err := a.setAffinity(c, id); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithCategoryAffinity assigns allocations of the category to the given pool.
func WithCategoryAffinity(c Category, id string) AllocatorOption {
	return func(a *Allocator) error {
		return a.setAffinity(c, id)
	}
}

// WithPressureThresholds sets the memory pressure thresholds.
func WithPressureThresholds(t Thresholds) AllocatorOption {
	return func(a *Allocator) error {
		if err := t.Validate(); err != nil {
			return err
		}
		a.thresholds = t
		return nil
	}
}

// WithGCConfig sets the garbage collection eligibility configuration.
func WithGCConfig(c GCConfig) AllocatorOption {
	return func(a *Allocator) error {
		a.gc = c
		return nil
	}
}

// WithEventBus sets the bus to publish allocator events to.
func WithEventBus(bus *events.Bus) AllocatorOption {
	return func(a *Allocator) error {
		a.bus = bus
		return nil
	}
}

// WithClock sets the clock used by the allocator.
func WithClock(now func() time.Time) AllocatorOption {
	return func(a *Allocator) error {
		a.now = now
		return nil
	}
}

// WithIDGenerator sets the function used to generate allocation IDs.
func WithIDGenerator(fn func() string) AllocatorOption {
	return func(a *Allocator) error {
		a.newID = fn
		return nil
	}
}

// NewAllocator creates a new allocator instance and configures it with
// the given options.
func NewAllocator(options ...AllocatorOption) (*Allocator, error) {
	a := &Allocator{
		pools:      make(map[string]*Pool),
		index:      make(map[string]string),
		affinity:   make(map[Category]string),
		thresholds: DefaultThresholds(),
		gc:         DefaultGCConfig(),
		now:        time.Now,
		newID:      uuid.NewString,
	}

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	a.DumpConfig()

	return a, nil
}

// CreatePool creates a new pool with the given size and policy.
func (a *Allocator) CreatePool(id string, size int64, policy Policy) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	defer a.validateState("CreatePool")

	if err := a.createPool(id, size, policy); err != nil {
		return err
	}
	a.updatePressure()

	return nil
}

func (a *Allocator) createPool(id string, size int64, policy Policy) error {
	if id == "" {
		return fmt.Errorf("%w: empty pool ID", ErrInvalidConfiguration)
	}
	if _, ok := a.pools[id]; ok {
		return fmt.Errorf("%w: %q", ErrPoolExists, id)
	}
	if size <= 0 {
		return fmt.Errorf("%w: pool %q with size %d", ErrInvalidConfiguration, id, size)
	}
	if err := policy.Validate(size); err != nil {
		return fmt.Errorf("pool %q: %w", id, err)
	}

	a.pools[id] = newPool(id, size, policy, a.now())
	a.order = append(a.order, id)

	log.Info("created pool %s with %s, %s placement", id, prettySize(size), policy.Strategy)

	return nil
}

func (a *Allocator) setAffinity(c Category, id string) error {
	if !c.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidCategory, c)
	}
	if _, ok := a.pools[id]; !ok {
		return fmt.Errorf("%w: %q", ErrPoolNotFound, id)
	}
	a.affinity[c] = id
	return nil
}

// Allocate allocates memory of the given size and category for an owner.
// It returns the ID of the allocation.
func (a *Allocator) Allocate(size int64, category Category, owner string, options ...AllocateOption) (string, error) {
	req := &allocRequest{
		size:     size,
		category: category,
		owner:    owner,
		priority: PriorityNormal,
		align:    DefaultAlignment,
	}
	for _, o := range options {
		o(req)
	}

	if req.size <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidSize, req.size)
	}
	if req.align <= 0 || !isPow2(req.align) {
		return "", fmt.Errorf("%w: alignment %d is not a power of 2", ErrInvalidSize, req.align)
	}
	if !req.category.IsValid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidCategory, req.category)
	}
	if !req.priority.IsValid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, req.priority)
	}

	log.Debug("allocate %s of %s memory for %s", prettySize(req.size), req.category, req.owner)

	a.lock.Lock()
	defer a.lock.Unlock()
	defer a.validateState("Allocate")

	p, err := a.selectPool(req)
	if err != nil {
		return "", err
	}

	id, err := a.allocate(p, req)

	// a pressure reaction triggered by this allocation must not collect it
	a.pinned = id
	a.updatePressure()
	a.pinned = ""

	return id, err
}

func (a *Allocator) selectPool(req *allocRequest) (*Pool, error) {
	if req.pool != "" {
		p, ok := a.pools[req.pool]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrPoolNotFound, req.pool)
		}
		return p, nil
	}

	if len(a.pools) == 0 {
		return nil, fmt.Errorf("%w: no pools", ErrPoolNotFound)
	}

	if id, ok := a.affinity[req.category]; ok {
		if p, ok := a.pools[id]; ok {
			return p, nil
		}
	}

	var best, fallback *Pool
	for _, id := range a.order {
		p := a.pools[id]
		if fallback == nil || utilization(p) < utilization(fallback) {
			fallback = p
		}
		if p.findFree(p.effectiveSize(req.size, req.align)) < 0 {
			continue
		}
		if best == nil || utilization(p) < utilization(best) {
			best = p
		}
	}

	if best != nil {
		return best, nil
	}
	return fallback, nil
}

func utilization(p *Pool) float64 {
	if p.total == 0 {
		return 1
	}
	return float64(p.allocated) / float64(p.total)
}

func (a *Allocator) allocate(p *Pool, req *allocRequest) (string, error) {
	need := p.effectiveSize(req.size, req.align)

	if al := a.place(p, need, req); al != nil {
		return al.ID, nil
	}

	log.Debug("%s: no room for %s in pool %s, optimizing", req.owner, prettySize(need), p.id)
	a.optimize(p, a.mode)
	if al := a.place(p, need, req); al != nil {
		return al.ID, nil
	}

	if a.expand(p, need) {
		if al := a.place(p, need, req); al != nil {
			return al.ID, nil
		}
	}

	p.stats.Failures++
	a.bus.Publish(events.PoolExhausted, p.id, &events.Exhaustion{
		Pool:     p.id,
		Owner:    req.owner,
		Required: need,
	})

	_, largest, _ := p.freeStats()
	return "", fmt.Errorf("%w: pool %s has no room for %s (free %s, largest free fragment %s)",
		ErrPoolExhausted, p.id, prettySize(need), prettySize(p.free()), prettySize(largest))
}

func (a *Allocator) place(p *Pool, need int64, req *allocRequest) *Allocation {
	idx := p.findFree(need)
	if idx < 0 {
		return nil
	}

	var (
		id  = a.newID()
		f   = p.carve(idx, need, id)
		now = a.now()
	)

	al := &Allocation{
		ID:           id,
		Pool:         p.id,
		Owner:        req.owner,
		Category:     req.category,
		Priority:     req.priority,
		Size:         need,
		Requested:    req.size,
		Offset:       f.Offset,
		Tags:         slices.Clone(req.tags),
		Created:      now,
		LastAccessed: now,
	}

	p.allocs[id] = al
	p.allocated += need
	p.stats.Allocations++
	p.stats.BytesAllocated += need
	if p.allocated > p.stats.PeakAllocated {
		p.stats.PeakAllocated = p.allocated
	}
	a.index[id] = p.id

	log.Debug("  => allocated %s", al)

	a.bus.Publish(events.PoolAllocated, p.id, &events.Allocation{
		ID:       id,
		Pool:     p.id,
		Owner:    al.Owner,
		Category: al.Category.String(),
		Size:     need,
	})

	return al
}

// expand grows the pool to make room for an allocation of the given size.
func (a *Allocator) expand(p *Pool, need int64) bool {
	if !p.policy.AutoResize {
		return false
	}

	required := need - p.trailingFree()
	delta := max(required, int64(float64(p.total)*(p.policy.GrowthFactor-1)))

	if p.policy.MaxSize > 0 {
		delta = min(delta, p.policy.MaxSize-p.total)
	}
	if a.ceiling > 0 {
		room := int64(float64(a.ceiling)*ExpansionCeilingRatio) - a.totalSize()
		delta = min(delta, room)
	}

	if delta <= 0 || delta < required {
		log.Debug("pool %s can't grow by %s (max size %s, ceiling %s)", p.id,
			prettySize(required), prettySize(p.policy.MaxSize), prettySize(a.ceiling))
		return false
	}

	old := p.total
	p.grow(delta)
	p.stats.Expansions++

	log.Info("expanded pool %s from %s to %s", p.id, prettySize(old), prettySize(p.total))

	a.bus.Publish(events.PoolExpanded, p.id, &events.Expansion{
		Pool:     p.id,
		OldSize:  old,
		NewSize:  p.total,
		Required: need,
	})

	return true
}

// Deallocate releases the allocation with the given ID. It returns false
// if there is no such allocation.
func (a *Allocator) Deallocate(id string) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	defer a.validateState("Deallocate")

	p, al := a.lookup(id)
	if al == nil {
		log.Debug("deallocate %s: no such allocation", id)
		return false
	}

	if err := a.release(p, al, false); err != nil {
		log.Error("deallocate %s: %v", id, err)
		return false
	}

	a.updatePressure()

	return true
}

func (a *Allocator) lookup(id string) (*Pool, *Allocation) {
	pid, ok := a.index[id]
	if !ok {
		return nil, nil
	}
	p := a.pools[pid]
	return p, p.allocs[id]
}

func (a *Allocator) release(p *Pool, al *Allocation, collected bool) error {
	if err := p.release(al); err != nil {
		return err
	}
	delete(a.index, al.ID)

	p.stats.Deallocations++
	p.stats.BytesFreed += al.Size

	log.Debug("  => released %s", al)

	a.bus.Publish(events.PoolDeallocated, p.id, &events.Allocation{
		ID:        al.ID,
		Pool:      p.id,
		Owner:     al.Owner,
		Category:  al.Category.String(),
		Size:      al.Size,
		Collected: collected,
	})

	return nil
}

// Touch records an access to the given allocation.
func (a *Allocator) Touch(id string) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	_, al := a.lookup(id)
	if al == nil {
		return false
	}
	al.touch(a.now())

	return true
}

// Allocation returns a copy of the allocation with the given ID.
func (a *Allocator) Allocation(id string) (Allocation, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	_, al := a.lookup(id)
	if al == nil {
		return Allocation{}, false
	}
	return al.clone(), true
}

// Allocations returns copies of all allocations matching the filter,
// oldest first.
func (a *Allocator) Allocations(f AllocationFilter) []Allocation {
	a.lock.Lock()
	defer a.lock.Unlock()

	var result []Allocation
	for _, id := range a.order {
		for _, al := range SortAllocations(a.pools[id].allocs, f, AllocationsByAge) {
			result = append(result, al.clone())
		}
	}
	return result
}

// OwnerUsage returns a summary of the allocations of the given owner.
func (a *Allocator) OwnerUsage(owner string) OwnerUsage {
	a.lock.Lock()
	defer a.lock.Unlock()

	u := OwnerUsage{Owner: owner}
	for _, p := range a.pools {
		for _, al := range p.allocs {
			if al.Owner != owner {
				continue
			}
			u.Allocations++
			u.Bytes += al.Size
			u.Requested += al.Requested
			u.Accesses += al.AccessCount
			if u.Oldest.IsZero() || al.Created.Before(u.Oldest) {
				u.Oldest = al.Created
			}
			if al.LastAccessed.After(u.LastAccessed) {
				u.LastAccessed = al.LastAccessed
			}
		}
	}
	return u
}

// Owners returns the sorted set of owners with live allocations.
func (a *Allocator) Owners() []string {
	a.lock.Lock()
	defer a.lock.Unlock()

	owners := map[string]struct{}{}
	for _, p := range a.pools {
		for _, al := range p.allocs {
			owners[al.Owner] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(owners))
}

// Info returns a snapshot of the pool with the given ID.
func (a *Allocator) Info(id string) (Info, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	p, ok := a.pools[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrPoolNotFound, id)
	}
	return p.info(), nil
}

// Pools returns a snapshot of all pools in creation order.
func (a *Allocator) Pools() []Info {
	a.lock.Lock()
	defer a.lock.Unlock()

	infos := make([]Info, 0, len(a.order))
	for _, id := range a.order {
		infos = append(infos, a.pools[id].info())
	}
	return infos
}

// Fragments returns a copy of the fragments of the given pool.
func (a *Allocator) Fragments(id string) ([]Fragment, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	p, ok := a.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPoolNotFound, id)
	}

	frags := make([]Fragment, 0, len(p.fragments))
	for _, f := range p.fragments {
		frags = append(frags, *f)
	}
	return frags, nil
}

// Usage returns a snapshot of the global memory usage.
func (a *Allocator) Usage() Usage {
	a.lock.Lock()
	defer a.lock.Unlock()

	return Usage{
		Pools:     len(a.pools),
		Total:     a.totalSize(),
		Allocated: a.totalAllocated(),
		Ceiling:   a.ceiling,
		Ratio:     a.ratio,
		Level:     a.level,
		Mode:      a.mode,
	}
}

// Ceiling returns the process-wide memory ceiling.
func (a *Allocator) Ceiling() int64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.ceiling
}

// SetCeiling updates the process-wide memory ceiling.
func (a *Allocator) SetCeiling(ceiling int64) error {
	if ceiling < 0 {
		return fmt.Errorf("%w: negative ceiling %d", ErrInvalidConfiguration, ceiling)
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	defer a.validateState("SetCeiling")

	a.ceiling = ceiling
	a.updatePressure()

	return nil
}

func (a *Allocator) totalSize() int64 {
	total := int64(0)
	for _, p := range a.pools {
		total += p.total
	}
	return total
}

func (a *Allocator) totalAllocated() int64 {
	allocated := int64(0)
	for _, p := range a.pools {
		allocated += p.allocated
	}
	return allocated
}

// capacity is the denominator of the global usage ratio.
func (a *Allocator) capacity() int64 {
	if a.ceiling > 0 {
		return a.ceiling
	}
	return a.totalSize()
}

// Validate checks the internal consistency of the allocator.
func (a *Allocator) Validate() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.verify()
}

func (a *Allocator) verify() error {
	var errs []error

	indexed := 0
	for _, id := range a.order {
		p := a.pools[id]
		if err := p.verify(); err != nil {
			errs = append(errs, err)
		}
		for aid := range p.allocs {
			if a.index[aid] != id {
				errs = append(errs, fmt.Errorf("%w: allocation %s of pool %s indexed to %q",
					ErrInvariantViolation, aid, id, a.index[aid]))
			}
			indexed++
		}
	}
	if indexed != len(a.index) {
		errs = append(errs, fmt.Errorf("%w: %d allocations, %d indexed",
			ErrInvariantViolation, indexed, len(a.index)))
	}

	return errors.Join(errs...)
}

func (a *Allocator) validateState(where string) {
	if err := a.verify(); err != nil {
		log.Error("internal error: %s: %v", where, err)
	}
}
