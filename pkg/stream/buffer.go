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

package stream

import (
	"errors"
	"fmt"
)

// Buffer is a reusable byte buffer owned by a buffer class.
type Buffer struct {
	id    uint64
	class *BufferClass
	data  []byte
}

// Bytes returns the full backing slice of the buffer. The contents are
// only valid until the buffer is released.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Size returns the size of the buffer.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Class returns the name of the class owning the buffer.
func (b *Buffer) Class() string {
	return b.class.name
}

// String returns a string representation of the buffer.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer #%d of class %s (%s)", b.id, b.class.name, prettySize(int64(len(b.data))))
}

// BufferClass is a set of equally sized buffers. Every owned buffer is
// either available or in use.
type BufferClass struct {
	name      string
	size      int
	target    int
	owned     map[uint64]*Buffer
	available []*Buffer
	inUse     map[uint64]*Buffer
	stats     classCounters
}

type classCounters struct {
	acquired  int64
	released  int64
	misses    int64
	created   int64
	discarded int64
	peakInUse int
}

// ClassStats describes the state of a buffer class.
type ClassStats struct {
	Name        string  `json:"name"`
	Size        int     `json:"size"`
	Target      int     `json:"target"`
	Owned       int     `json:"owned"`
	Available   int     `json:"available"`
	InUse       int     `json:"inUse"`
	PeakInUse   int     `json:"peakInUse"`
	Acquired    int64   `json:"acquired"`
	Released    int64   `json:"released"`
	Misses      int64   `json:"misses"`
	Created     int64   `json:"created"`
	Discarded   int64   `json:"discarded"`
	Utilization float64 `json:"utilization"`
}

func newBufferClass(name string, size int) *BufferClass {
	return &BufferClass{
		name:  name,
		size:  size,
		owned: make(map[uint64]*Buffer),
		inUse: make(map[uint64]*Buffer),
	}
}

// Name returns the name of the class.
func (c *BufferClass) Name() string {
	return c.name
}

// Size returns the size of buffers in the class.
func (c *BufferClass) Size() int {
	return c.size
}

func (c *BufferClass) add(id uint64) {
	b := &Buffer{
		id:    id,
		class: c,
		data:  make([]byte, c.size),
	}
	c.owned[id] = b
	c.available = append(c.available, b)
	c.stats.created++
}

func (c *BufferClass) acquire() *Buffer {
	n := len(c.available)
	if n == 0 {
		c.stats.misses++
		return nil
	}

	b := c.available[n-1]
	c.available[n-1] = nil
	c.available = c.available[:n-1]
	c.inUse[b.id] = b
	c.stats.acquired++
	c.stats.peakInUse = max(c.stats.peakInUse, len(c.inUse))

	return b
}

func (c *BufferClass) release(b *Buffer) bool {
	if _, ok := c.inUse[b.id]; !ok {
		return false
	}

	delete(c.inUse, b.id)
	c.stats.released++

	if len(c.owned) > c.target {
		delete(c.owned, b.id)
		c.stats.discarded++
		return true
	}

	c.available = append(c.available, b)
	return true
}

// resize sets the target number of buffers. Growing allocates new buffers
// immediately, shrinking drops available buffers and lets in-use ones go
// once they are released.
func (c *BufferClass) resize(count int, nextID func() uint64) (added, dropped int) {
	c.target = count
	for len(c.owned) < count {
		c.add(nextID())
		added++
	}
	for len(c.owned) > count && len(c.available) > 0 {
		n := len(c.available)
		b := c.available[n-1]
		c.available[n-1] = nil
		c.available = c.available[:n-1]
		delete(c.owned, b.id)
		c.stats.discarded++
		dropped++
	}
	return added, dropped
}

func (c *BufferClass) info() ClassStats {
	s := ClassStats{
		Name:      c.name,
		Size:      c.size,
		Target:    c.target,
		Owned:     len(c.owned),
		Available: len(c.available),
		InUse:     len(c.inUse),
		PeakInUse: c.stats.peakInUse,
		Acquired:  c.stats.acquired,
		Released:  c.stats.released,
		Misses:    c.stats.misses,
		Created:   c.stats.created,
		Discarded: c.stats.discarded,
	}
	if s.Owned > 0 {
		s.Utilization = float64(s.InUse) / float64(s.Owned)
	}
	return s
}

// verify checks that available and in-use buffers partition the owned ones.
func (c *BufferClass) verify() error {
	var errs []error

	if len(c.available)+len(c.inUse) != len(c.owned) {
		errs = append(errs, fmt.Errorf("class %s: %d available + %d in use != %d owned",
			c.name, len(c.available), len(c.inUse), len(c.owned)))
	}

	seen := make(map[uint64]struct{}, len(c.available))
	for _, b := range c.available {
		if _, ok := seen[b.id]; ok {
			errs = append(errs, fmt.Errorf("class %s: %s available twice", c.name, b))
		}
		seen[b.id] = struct{}{}
		if _, ok := c.inUse[b.id]; ok {
			errs = append(errs, fmt.Errorf("class %s: %s both available and in use", c.name, b))
		}
		if _, ok := c.owned[b.id]; !ok {
			errs = append(errs, fmt.Errorf("class %s: available %s not owned", c.name, b))
		}
	}
	for id, b := range c.inUse {
		if _, ok := c.owned[id]; !ok {
			errs = append(errs, fmt.Errorf("class %s: in use %s not owned", c.name, b))
		}
	}

	return errors.Join(errs...)
}

func prettySize(size int64) string {
	const (
		KiB = 1024
		MiB = 1024 * KiB
		GiB = 1024 * MiB
	)
	switch {
	case size >= GiB && size%GiB == 0:
		return fmt.Sprintf("%dG", size/GiB)
	case size >= MiB && size%MiB == 0:
		return fmt.Sprintf("%dM", size/MiB)
	case size >= KiB && size%KiB == 0:
		return fmt.Sprintf("%dk", size/KiB)
	}
	return fmt.Sprintf("%d", size)
}
