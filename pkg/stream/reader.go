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
	"context"
	"io"
)

// Reader reads from an underlying reader in chunks staged in pooled
// buffers. A buffer is held only while it has unread data. A Reader is
// not safe for concurrent use.
type Reader struct {
	m      *Manager
	s      *stream
	ctx    context.Context
	src    io.Reader
	buf    *Buffer
	data   []byte
	err    error
	closed bool
}

// NewReader creates a pooled reader for src. Reads block while no buffer is
// available, until the context is done.
func (m *Manager) NewReader(ctx context.Context, src io.Reader, options ...StreamOption) (*Reader, error) {
	s, err := m.openStream(KindReader, options)
	if err != nil {
		return nil, err
	}

	return &Reader{
		m:   m,
		s:   s,
		ctx: ctx,
		src: src,
	}, nil
}

// ID returns the id of the stream.
func (r *Reader) ID() string {
	return r.s.cfg.id
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	if len(r.data) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
		if len(r.data) == 0 {
			return 0, r.err
		}
	}

	n := copy(p, r.data)
	r.data = r.data[n:]
	r.m.update(r.s, -int64(n), func(st *StreamStats) {
		st.BytesOut += int64(n)
	})

	if len(r.data) == 0 {
		r.releaseBuffer()
	}

	return n, nil
}

func (r *Reader) fill() error {
	buf, err := r.m.AcquireWait(r.ctx, r.s.cfg.chunkSize)
	if err != nil {
		return err
	}

	n, err := r.src.Read(buf.Bytes()[:r.s.cfg.chunkSize])
	r.err = err
	if n == 0 {
		r.m.Release(buf)
		return nil
	}

	r.buf = buf
	r.data = buf.Bytes()[:n]
	r.m.update(r.s, int64(n), func(st *StreamStats) {
		st.BytesIn += int64(n)
		st.Chunks++
	})

	return nil
}

func (r *Reader) releaseBuffer() {
	if r.buf != nil {
		r.m.Release(r.buf)
		r.buf = nil
	}
	r.data = nil
}

// Close releases any held buffer and closes the stream. It does not close
// the underlying reader.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	if pending := len(r.data); pending > 0 {
		r.m.update(r.s, -int64(pending), func(st *StreamStats) {
			st.Dropped++
		})
	}
	r.releaseBuffer()
	r.m.closeStream(r.s)

	return nil
}
