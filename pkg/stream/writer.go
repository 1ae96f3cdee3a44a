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

// Writer collects writes in pooled buffers and passes them on to the
// underlying writer one full chunk at a time. A Writer is not safe for
// concurrent use.
type Writer struct {
	m      *Manager
	s      *stream
	ctx    context.Context
	dst    io.Writer
	buf    *Buffer
	n      int
	closed bool
}

// NewWriter creates a pooled writer for dst. Writes block while no buffer
// is available, until the context is done.
func (m *Manager) NewWriter(ctx context.Context, dst io.Writer, options ...StreamOption) (*Writer, error) {
	s, err := m.openStream(KindWriter, options)
	if err != nil {
		return nil, err
	}

	return &Writer{
		m:   m,
		s:   s,
		ctx: ctx,
		dst: dst,
	}, nil
}

// ID returns the id of the stream.
func (w *Writer) ID() string {
	return w.s.cfg.id
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}

	written := 0
	for len(p) > 0 {
		if w.buf == nil {
			buf, err := w.m.AcquireWait(w.ctx, w.s.cfg.chunkSize)
			if err != nil {
				return written, err
			}
			w.buf = buf
		}

		c := copy(w.buf.Bytes()[w.n:w.s.cfg.chunkSize], p)
		w.n += c
		p = p[c:]
		written += c
		w.m.update(w.s, int64(c), func(st *StreamStats) {
			st.BytesIn += int64(c)
		})

		if w.n == w.s.cfg.chunkSize {
			if err := w.flush(); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	return w.flush()
}

func (w *Writer) flush() error {
	if w.buf == nil {
		return nil
	}

	if w.n > 0 {
		n, err := w.dst.Write(w.buf.Bytes()[:w.n])
		if n > 0 && n < w.n {
			copy(w.buf.Bytes(), w.buf.Bytes()[n:w.n])
		}
		w.n -= n
		w.m.update(w.s, -int64(n), func(st *StreamStats) {
			st.BytesOut += int64(n)
			st.Chunks++
			if err != nil {
				st.Errors++
			}
		})
		if err != nil {
			return err
		}
		if w.n > 0 {
			return io.ErrShortWrite
		}
	}

	w.m.Release(w.buf)
	w.buf = nil

	return nil
}

// Close flushes buffered data and closes the stream. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	err := w.flush()
	w.closed = true

	if w.buf != nil {
		w.m.update(w.s, -int64(w.n), func(st *StreamStats) {
			st.Dropped++
		})
		w.m.Release(w.buf)
		w.buf = nil
		w.n = 0
	}
	w.m.closeStream(w.s)

	return err
}
