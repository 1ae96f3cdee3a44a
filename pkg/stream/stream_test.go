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

package stream_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/containers/memgov/pkg/events"
	. "github.com/containers/memgov/pkg/stream"
)

type recorder struct {
	sync.Mutex
	events []*events.Event
}

func (r *recorder) handle(e *events.Event) {
	r.Lock()
	defer r.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) payloads() []interface{} {
	r.Lock()
	defer r.Unlock()
	var payloads []interface{}
	for _, e := range r.events {
		payloads = append(payloads, e.Payload)
	}
	return payloads
}

func newManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err, "unexpected NewManager() error")
	require.NotNil(t, m)
	t.Cleanup(m.Close)
	return m
}

func classes(classes ...ClassConfig) Config {
	cfg := DefaultConfig()
	cfg.Classes = classes
	return cfg
}

func TestNewManager(t *testing.T) {
	type testCase struct {
		name string
		cfg  Config
		fail bool
	}
	for _, tc := range []*testCase{
		{
			name: "defaults",
			cfg:  Config{},
		},
		{
			name: "duplicate class",
			cfg:  classes(ClassConfig{"a", 16, 1}, ClassConfig{"a", 32, 1}),
			fail: true,
		},
		{
			name: "invalid size",
			cfg:  classes(ClassConfig{"a", 0, 1}),
			fail: true,
		},
		{
			name: "invalid ratio",
			cfg:  Config{BackpressureRatio: 1.5},
			fail: true,
		},
		{
			name: "unknown codec",
			cfg:  Config{Compression: "lz4"},
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewManager(tc.cfg)
			if tc.fail {
				require.ErrorIs(t, err, ErrInvalidConfiguration)
				require.Nil(t, m)
				return
			}
			require.NoError(t, err)
			require.Len(t, m.ClassStats(), len(DefaultClasses()))
			m.Close()
		})
	}
}

func TestBufferClassExhaustion(t *testing.T) {
	var (
		bus = events.NewBus()
		rec = &recorder{}
	)
	defer bus.Close()
	bus.Subscribe("test", rec.handle, events.BufferExhausted)

	m := newManager(t, classes(ClassConfig{Name: "small", Size: 1024, Count: 2}), WithEventBus(bus))

	b1 := m.Acquire(512)
	b2 := m.Acquire(1024)
	require.NotNil(t, b1)
	require.NotNil(t, b2)
	require.Equal(t, "small", b1.Class())
	require.Equal(t, 1024, b1.Size())

	require.Nil(t, m.Acquire(100), "exhausted class should signal backpressure")

	require.True(t, m.Release(b1))
	b3 := m.Acquire(100)
	require.NotNil(t, b3)

	bus.Flush()
	require.Equal(t, []interface{}{
		&events.BufferShortage{Class: "small", MinSize: 100},
	}, rec.payloads())

	stats, ok := m.Class("small")
	require.True(t, ok)
	require.Equal(t, 2, stats.InUse)
	require.Equal(t, 0, stats.Available)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, 1.0, stats.Utilization)
	require.NoError(t, m.Validate())
}

func TestAcquireSelectsSmallestClass(t *testing.T) {
	m := newManager(t, classes(
		ClassConfig{Name: "large", Size: 4096, Count: 1},
		ClassConfig{Name: "small", Size: 256, Count: 1},
		ClassConfig{Name: "medium", Size: 1024, Count: 1},
	))

	type testCase struct {
		size  int
		class string
	}
	for _, tc := range []*testCase{
		{size: 1, class: "small"},
		{size: 256, class: "small"},
		{size: 257, class: "medium"},
		{size: 4096, class: "large"},
		{size: 4097, class: ""},
	} {
		class, ok := m.ClassFor(tc.size)
		require.Equal(t, tc.class != "", ok, "size %d", tc.size)
		require.Equal(t, tc.class, class, "size %d", tc.size)
	}

	require.Nil(t, m.Acquire(8192))

	b := m.Acquire(100)
	require.NotNil(t, b)
	require.Equal(t, "small", b.Class())

	// smallest sufficient class is exhausted, larger classes are not used
	require.Nil(t, m.Acquire(100))

	names := []string{}
	for _, s := range m.ClassStats() {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"small", "medium", "large"}, names)
}

func TestReleaseTwice(t *testing.T) {
	m := newManager(t, classes(ClassConfig{Name: "small", Size: 64, Count: 2}))

	b := m.Acquire(64)
	require.NotNil(t, b)
	require.True(t, m.Release(b))
	require.False(t, m.Release(b), "second release should be a no-op")
	require.False(t, m.Release(nil))

	other := newManager(t, classes(ClassConfig{Name: "small", Size: 64, Count: 1}))
	foreign := other.Acquire(64)
	require.NotNil(t, foreign)
	require.False(t, m.Release(foreign), "release to a foreign manager should be a no-op")

	stats, _ := m.Class("small")
	require.Equal(t, 2, stats.Available)
	require.Equal(t, 0, stats.InUse)
	require.NoError(t, m.Validate())
}

func TestAcquireWait(t *testing.T) {
	m := newManager(t, classes(ClassConfig{Name: "small", Size: 64, Count: 1}))

	b := m.Acquire(64)
	require.NotNil(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.AcquireWait(ctx, 64)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = m.AcquireWait(context.Background(), 65)
	require.ErrorIs(t, err, ErrNoBufferClass)

	got := make(chan *Buffer)
	go func() {
		b, err := m.AcquireWait(context.Background(), 32)
		if err != nil {
			close(got)
			return
		}
		got <- b
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, m.Release(b))

	select {
	case b2, ok := <-got:
		require.True(t, ok, "unexpected AcquireWait() error")
		require.NotNil(t, b2)
	case <-time.After(time.Second):
		require.Fail(t, "AcquireWait() not woken up by Release()")
	}
}

func TestAcquireWaitAfterClose(t *testing.T) {
	m := newManager(t, classes(ClassConfig{Name: "small", Size: 64, Count: 1}))
	require.NotNil(t, m.Acquire(64))

	errCh := make(chan error)
	go func() {
		_, err := m.AcquireWait(context.Background(), 64)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		require.Fail(t, "AcquireWait() not woken up by Close()")
	}
}

func TestResizeClass(t *testing.T) {
	m := newManager(t, classes(ClassConfig{Name: "small", Size: 64, Count: 2}))

	require.ErrorIs(t, m.ResizeClass("huge", 1), ErrClassNotFound)
	require.ErrorIs(t, m.ResizeClass("small", -1), ErrInvalidConfiguration)

	require.NoError(t, m.ResizeClass("small", 4))
	stats, _ := m.Class("small")
	require.Equal(t, 4, stats.Owned)
	require.Equal(t, 4, stats.Available)

	var held []*Buffer
	for i := 0; i < 3; i++ {
		b := m.Acquire(64)
		require.NotNil(t, b)
		held = append(held, b)
	}

	require.NoError(t, m.ResizeClass("small", 1))
	stats, _ = m.Class("small")
	require.Equal(t, 1, stats.Target)
	require.Equal(t, 3, stats.Owned, "buffers in use should not be dropped")
	require.Equal(t, 0, stats.Available)

	for _, b := range held {
		require.True(t, m.Release(b))
	}
	stats, _ = m.Class("small")
	require.Equal(t, 1, stats.Owned)
	require.Equal(t, 1, stats.Available)
	require.Equal(t, int64(3), stats.Discarded)
	require.NoError(t, m.Validate())
}

func TestReaderWriter(t *testing.T) {
	m := newManager(t, classes(ClassConfig{Name: "small", Size: 1024, Count: 2}))

	payload := bytes.Repeat([]byte("0123456789abcdef"), 500)
	src := bytes.NewReader(payload)
	dst := &bytes.Buffer{}

	ctx := context.Background()
	r, err := m.NewReader(ctx, src, WithChunkSize(1000))
	require.NoError(t, err)
	w, err := m.NewWriter(ctx, dst, WithChunkSize(700), WithID("copy"))
	require.NoError(t, err)
	require.Equal(t, "copy", w.ID())

	_, err = m.NewWriter(ctx, dst, WithID("copy"), WithChunkSize(700))
	require.ErrorIs(t, err, ErrInvalidConfiguration, "duplicate stream id")

	buf := make([]byte, 333)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, werr := w.Write(buf[:n])
			require.NoError(t, werr)
		}
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}

	stats := m.StreamStats()
	require.Len(t, stats, 2)
	require.Equal(t, "copy", stats[0].ID)
	require.Equal(t, KindWriter, stats[0].Kind)
	require.Equal(t, r.ID(), stats[1].ID)
	require.Equal(t, int64(len(payload)), stats[1].BytesIn)
	require.Equal(t, int64(len(payload)), stats[1].BytesOut)
	require.Equal(t, int64(0), stats[1].Pending)

	require.NoError(t, w.Close())
	require.NoError(t, r.Close())
	require.Equal(t, payload, dst.Bytes())
	require.Empty(t, m.StreamStats())

	_, err = w.Write([]byte("late"))
	require.ErrorIs(t, err, ErrClosed)

	for _, s := range m.ClassStats() {
		require.Equal(t, 0, s.InUse, "class %s", s.Name)
	}
	require.NoError(t, m.Validate())
}

func TestStreamBackpressure(t *testing.T) {
	var (
		bus = events.NewBus()
		rec = &recorder{}
	)
	defer bus.Close()
	bus.Subscribe("test", rec.handle, events.StreamBackpressure)

	m := newManager(t, classes(ClassConfig{Name: "small", Size: 4096, Count: 1}), WithEventBus(bus))

	w, err := m.NewWriter(context.Background(), &bytes.Buffer{},
		WithID("w"), WithChunkSize(4096), WithHighWaterMark(1000), WithBackpressureRatio(0.5))
	require.NoError(t, err)
	defer w.Close()

	write := func(n int) {
		_, err := w.Write(bytes.Repeat([]byte{'x'}, n))
		require.NoError(t, err)
	}

	write(400)
	write(200)
	write(100)
	require.NoError(t, w.Flush())
	write(600)

	bus.Flush()
	require.Equal(t, []interface{}{
		&events.Backpressure{Stream: "w", Pending: 600, HighWaterMark: 1000, Ratio: 0.5},
		&events.Backpressure{Stream: "w", Pending: 600, HighWaterMark: 1000, Ratio: 0.5},
	}, rec.payloads())

	s, ok := m.Stream("w")
	require.True(t, ok)
	require.Equal(t, int64(2), s.Backpressure)
	require.Equal(t, int64(700), s.PeakPending)

	require.ErrorIs(t, m.ConfigureStream("nope", 1000, 0.5), ErrStreamNotFound)
	require.ErrorIs(t, m.ConfigureStream("w", 0, 0.5), ErrInvalidConfiguration)
	require.ErrorIs(t, m.ConfigureStream("w", 1000, 1.5), ErrInvalidConfiguration)

	require.NoError(t, m.ConfigureStream("w", 1500, 0.6))
	s, _ = m.Stream("w")
	require.Equal(t, int64(1500), s.HighWaterMark)
	require.Equal(t, 0.6, s.BackpressureRatio)

	write(200)
	bus.Flush()
	require.Len(t, rec.payloads(), 2, "relaxed stream should not signal backpressure")
}

func upper(_ context.Context, chunk []byte) ([]byte, error) {
	return bytes.ToUpper(chunk), nil
}

func feed(chunks ...string) <-chan []byte {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- []byte(c)
	}
	close(ch)
	return ch
}

func collect(ch <-chan Chunk) []Chunk {
	var chunks []Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestTransformSequential(t *testing.T) {
	m := newManager(t, Config{})

	tr, err := m.NewTransform(func(ctx context.Context, chunk []byte) ([]byte, error) {
		if string(chunk) == "drop" {
			return nil, nil
		}
		if string(chunk) == "fail" {
			return nil, errors.New("failed")
		}
		if string(chunk) == "panic" {
			panic("boom")
		}
		return upper(ctx, chunk)
	}, WithFingerprinting(false))
	require.NoError(t, err)
	defer tr.Close()

	chunks := collect(tr.Process(context.Background(), feed("a", "drop", "b", "fail", "c", "panic")))

	var (
		data []string
		errs []int
	)
	for _, c := range chunks {
		if c.Err != nil {
			errs = append(errs, c.Seq)
			continue
		}
		data = append(data, string(c.Data))
	}
	require.Equal(t, []string{"A", "B", "C"}, data)
	require.Equal(t, []int{3, 5}, errs)
	require.ErrorContains(t, chunks[len(chunks)-1].Err, "processor panic")

	s, ok := m.Stream(tr.ID())
	require.True(t, ok)
	require.Equal(t, int64(3), s.Chunks)
	require.Equal(t, int64(1), s.Dropped)
	require.Equal(t, int64(2), s.Errors)
	require.Equal(t, int64(0), s.Pending)
}

func TestTransformParallelCompletionOrder(t *testing.T) {
	m := newManager(t, Config{})

	gate := make(chan struct{})
	tr, err := m.NewTransform(func(ctx context.Context, chunk []byte) ([]byte, error) {
		if string(chunk) == "slow" {
			<-gate
		}
		return upper(ctx, chunk)
	}, WithParallel(2))
	require.NoError(t, err)
	defer tr.Close()

	out := tr.Process(context.Background(), feed("slow", "fast"))

	first := <-out
	require.Equal(t, "FAST", string(first.Data))
	require.Equal(t, 1, first.Seq)

	close(gate)
	second := <-out
	require.Equal(t, "SLOW", string(second.Data))
	require.Equal(t, 0, second.Seq)

	_, ok := <-out
	require.False(t, ok)

	s, _ := m.Stream(tr.ID())
	require.True(t, s.Parallel)
	require.Equal(t, 2, s.Concurrency)
}

func TestTransformBoundedConcurrency(t *testing.T) {
	m := newManager(t, Config{})

	var running, peak atomic.Int32
	tr, err := m.NewTransform(func(ctx context.Context, chunk []byte) ([]byte, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return chunk, nil
	}, WithParallel(3))
	require.NoError(t, err)
	defer tr.Close()

	in := make([]string, 20)
	for i := range in {
		in[i] = strings.Repeat("x", i+1)
	}
	chunks := collect(tr.Process(context.Background(), feed(in...)))
	require.Len(t, chunks, 20)
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestTransformFingerprints(t *testing.T) {
	m := newManager(t, Config{})

	var calls atomic.Int32
	tr, err := m.NewTransform(func(ctx context.Context, chunk []byte) ([]byte, error) {
		calls.Add(1)
		return upper(ctx, chunk)
	})
	require.NoError(t, err)
	defer tr.Close()

	chunks := collect(tr.Process(context.Background(), feed("abc", "abc", "def")))
	require.Len(t, chunks, 3)
	require.False(t, chunks[0].Cached)
	require.True(t, chunks[1].Cached)
	require.Equal(t, "ABC", string(chunks[1].Data))
	require.Equal(t, int32(2), calls.Load())

	s, _ := m.Stream(tr.ID())
	require.Equal(t, int64(1), s.FingerprintHits)
	require.Equal(t, int64(2), s.FingerprintMisses)
}

func TestTransformCompression(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressionThreshold = 1024
	m := newManager(t, cfg)

	tr, err := m.NewTransform(upper, WithCompression(true))
	require.NoError(t, err)
	defer tr.Close()

	large := strings.Repeat("compressible ", 1000)
	chunks := collect(tr.Process(context.Background(), feed("small", large)))
	require.Len(t, chunks, 2)

	require.False(t, chunks[0].Compressed)
	require.Equal(t, "SMALL", string(chunks[0].Data))

	require.True(t, chunks[1].Compressed)
	require.Less(t, len(chunks[1].Data), len(large))
	data, err := tr.Decode(chunks[1])
	require.NoError(t, err)
	require.Equal(t, strings.ToUpper(large), string(data))

	s, _ := m.Stream(tr.ID())
	require.Equal(t, int64(1), s.CompressedChunks)
	require.Positive(t, s.CompressionSavings)
}

func TestTransformRun(t *testing.T) {
	m := newManager(t, classes(ClassConfig{Name: "small", Size: 256, Count: 2}))

	tr, err := m.NewTransform(upper, WithChunkSize(100), WithCompression(true))
	require.NoError(t, err)
	defer tr.Close()

	payload := strings.Repeat("the quick brown fox ", 100)
	dst := &bytes.Buffer{}
	require.NoError(t, tr.Run(context.Background(), strings.NewReader(payload), dst))
	require.Equal(t, strings.ToUpper(payload), dst.String())

	s, _ := m.Stream(tr.ID())
	require.Equal(t, int64(len(payload)), s.BytesIn)
	require.Equal(t, int64(0), s.CompressedChunks)

	for _, c := range m.ClassStats() {
		require.Equal(t, 0, c.InUse)
	}

	failing, err := m.NewTransform(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("processing failed")
	}, WithChunkSize(100))
	require.NoError(t, err)
	defer failing.Close()

	err = failing.Run(context.Background(), strings.NewReader(payload), &bytes.Buffer{})
	require.ErrorContains(t, err, "processing failed")
	require.Eventually(t, func() bool {
		for _, c := range m.ClassStats() {
			if c.InUse != 0 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}
