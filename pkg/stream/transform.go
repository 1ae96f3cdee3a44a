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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Processor transforms a single chunk. Returning nil output drops the chunk.
// The input is only valid for the duration of the call.
type Processor func(ctx context.Context, chunk []byte) ([]byte, error)

// Chunk is the result of processing a single input chunk.
type Chunk struct {
	// Seq is the position of the input chunk in the stream.
	Seq int
	// Data is the processed output.
	Data []byte
	// Compressed is set if Data is compressed with the manager's codec.
	Compressed bool
	// Cached is set if the output was taken from the fingerprint cache.
	Cached bool
	// Err is the processing error, if any.
	Err error
}

// Transform runs a processor over a stream of chunks. In parallel mode up
// to the configured number of chunks are processed concurrently and results
// are delivered in completion order, otherwise in input order.
type Transform struct {
	m  *Manager
	s  *stream
	fn Processor
}

type job struct {
	seq     int
	data    []byte
	release func()
}

// NewTransform creates a transform stream for the given processor.
func (m *Manager) NewTransform(fn Processor, options ...StreamOption) (*Transform, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil processor", ErrInvalidConfiguration)
	}

	s, err := m.openStream(KindTransform, options)
	if err != nil {
		return nil, err
	}

	return &Transform{
		m:  m,
		s:  s,
		fn: fn,
	}, nil
}

// ID returns the id of the stream.
func (t *Transform) ID() string {
	return t.s.cfg.id
}

// Process processes chunks received from in until it is closed or the
// context is done. The returned channel is closed once all received chunks
// have been processed. Outputs above the compression threshold are
// compressed if compression is enabled for the stream.
func (t *Transform) Process(ctx context.Context, in <-chan []byte) <-chan Chunk {
	jobs := make(chan job)

	go func() {
		defer close(jobs)
		for seq := 0; ; seq++ {
			select {
			case data, ok := <-in:
				if !ok {
					return
				}
				select {
				case jobs <- job{seq: seq, data: data}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return t.run(ctx, jobs, t.s.cfg.compress)
}

// Run reads src in chunks staged in pooled buffers, processes them and
// writes the outputs to dst. Outputs are never compressed by Run. The first
// processing, read or write error stops the stream and is returned.
func (t *Transform) Run(ctx context.Context, src io.Reader, dst io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		jobs    = make(chan job)
		readErr error
		size    = t.s.cfg.chunkSize
	)

	go func() {
		defer close(jobs)
		for seq := 0; ; seq++ {
			buf, err := t.m.AcquireWait(ctx, size)
			if err != nil {
				readErr = err
				return
			}

			n, err := io.ReadFull(src, buf.Bytes()[:size])
			if n == 0 {
				t.m.Release(buf)
			} else {
				j := job{
					seq:     seq,
					data:    buf.Bytes()[:n],
					release: func() { t.m.Release(buf) },
				}
				select {
				case jobs <- j:
				case <-ctx.Done():
					t.m.Release(buf)
					readErr = ctx.Err()
					return
				}
			}

			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				readErr = err
				return
			}
		}
	}()

	var runErr error
	for c := range t.run(ctx, jobs, false) {
		if runErr != nil {
			continue
		}
		if c.Err != nil {
			runErr = c.Err
			cancel()
			continue
		}
		if _, err := dst.Write(c.Data); err != nil {
			runErr = err
			cancel()
		}
	}

	if runErr != nil {
		return runErr
	}
	return readErr
}

func (t *Transform) run(ctx context.Context, jobs <-chan job, compress bool) <-chan Chunk {
	var (
		out = make(chan Chunk, t.s.cfg.concurrency)
		sem = make(chan struct{}, t.s.cfg.concurrency)
		wg  sync.WaitGroup
	)

	go func() {
		defer close(out)

		for j := range jobs {
			size := int64(len(j.data))
			t.m.update(t.s, size, func(st *StreamStats) {
				st.BytesIn += size
			})

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				t.discard(j)
				continue
			}

			wg.Add(1)
			go func(j job) {
				defer wg.Done()
				defer func() { <-sem }()

				c, ok := t.process(ctx, j, compress)
				if j.release != nil {
					j.release()
				}
				t.m.update(t.s, -size, nil)
				if !ok {
					return
				}

				select {
				case out <- c:
				case <-ctx.Done():
				}
			}(j)
		}

		wg.Wait()
	}()

	return out
}

func (t *Transform) discard(j job) {
	size := int64(len(j.data))
	t.m.update(t.s, -size, func(st *StreamStats) {
		st.Dropped++
	})
	if j.release != nil {
		j.release()
	}
}

// process runs the processor on a single job. It returns false if the
// chunk was dropped.
func (t *Transform) process(ctx context.Context, j job, compress bool) (Chunk, bool) {
	var (
		c   = Chunk{Seq: j.seq}
		key uint64
		out []byte
		hit bool
	)

	if t.s.cfg.fingerprint {
		key = fingerprint(t.s.cfg.id, j.data)
		if cached, ok := t.m.fingerprints.get(key); ok {
			out = bytes.Clone(cached)
			hit = true
		}
	}

	if !hit {
		var err error
		out, err = t.invoke(ctx, j.data)
		if err != nil {
			log.Debug("stream %s: chunk #%d failed: %v", t.s.cfg.id, j.seq, err)
			c.Err = err
			t.m.update(t.s, 0, func(st *StreamStats) {
				st.Errors++
			})
			return c, true
		}
		if out == nil {
			t.m.update(t.s, 0, func(st *StreamStats) {
				st.Dropped++
				if t.s.cfg.fingerprint {
					st.FingerprintMisses++
				}
			})
			return c, false
		}
		if j.release != nil {
			out = bytes.Clone(out)
		}
		if t.s.cfg.fingerprint {
			t.m.fingerprints.set(key, bytes.Clone(out))
		}
	}

	c.Data = out
	c.Cached = hit

	var saved int64
	if compress && len(out) > t.m.cfg.CompressionThreshold {
		if enc := t.m.codec.Encode(nil, out); len(enc) < len(out) {
			saved = int64(len(out) - len(enc))
			c.Data = enc
			c.Compressed = true
		}
	}

	t.m.update(t.s, 0, func(st *StreamStats) {
		st.Chunks++
		st.BytesOut += int64(len(c.Data))
		if t.s.cfg.fingerprint {
			if hit {
				st.FingerprintHits++
			} else {
				st.FingerprintMisses++
			}
		}
		if c.Compressed {
			st.CompressedChunks++
			st.CompressionSavings += saved
		}
	})

	return c, true
}

func (t *Transform) invoke(ctx context.Context, data []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream %s: processor panic: %v", t.s.cfg.id, r)
		}
	}()
	return t.fn(ctx, data)
}

// Decode decompresses the data of a chunk delivered compressed.
func (t *Transform) Decode(c Chunk) ([]byte, error) {
	if !c.Compressed {
		return c.Data, nil
	}
	return t.m.codec.Decode(nil, c.Data)
}

// Close closes the stream.
func (t *Transform) Close() {
	t.m.closeStream(t.s)
}
