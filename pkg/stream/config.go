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

// Package stream implements size-classed reusable byte buffers and the
// streams built on top of them.
//
// Buffers are pre-allocated in classes of a fixed size. Every buffer of a
// class is either available or in use, never both. Acquiring a buffer picks
// the smallest class which can hold the requested size. An exhausted class
// signals backpressure by returning nil instead of failing with an error.
//
// Readers, writers and transforms stage their data in pooled buffers. They
// track the number of pending bytes and emit an advisory backpressure event
// when the pending bytes exceed a configurable ratio of the high-water mark.
// Transforms run an injectable processor over chunks, optionally in parallel
// with results delivered in completion order, remember the output of already
// processed chunks by fingerprint and compress large outputs.
package stream

import (
	"fmt"
	"time"

	"github.com/containers/memgov/pkg/compress"
)

var (
	// ErrInvalidConfiguration is returned for an invalid configuration.
	ErrInvalidConfiguration = fmt.Errorf("stream: invalid configuration")
	// ErrClassNotFound is returned for an unknown buffer class.
	ErrClassNotFound = fmt.Errorf("stream: buffer class not found")
	// ErrStreamNotFound is returned for an unknown stream.
	ErrStreamNotFound = fmt.Errorf("stream: stream not found")
	// ErrNoBufferClass is returned when no class can hold a requested size.
	ErrNoBufferClass = fmt.Errorf("stream: no sufficiently large buffer class")
	// ErrClosed is returned for operations on a closed stream or manager.
	ErrClosed = fmt.Errorf("stream: closed")
)

const (
	// DefaultHighWaterMark is the default high-water mark of streams.
	DefaultHighWaterMark = 1 << 20
	// DefaultBackpressureRatio is the default backpressure ratio of streams.
	DefaultBackpressureRatio = 0.8
	// DefaultChunkSize is the default chunk size of streams.
	DefaultChunkSize = 64 << 10
	// DefaultConcurrency is the default number of parallel transform workers.
	DefaultConcurrency = 4
	// DefaultCompressionThreshold is the output size above which transformed
	// chunks are compressed.
	DefaultCompressionThreshold = 4 << 10
	// DefaultFingerprintCacheSize is the default byte capacity of the
	// fingerprint cache.
	DefaultFingerprintCacheSize = 8 << 20
	// DefaultFingerprintTTL is the default lifetime of fingerprint cache entries.
	DefaultFingerprintTTL = 10 * time.Minute
	// MaxBackpressureRatio is the largest accepted backpressure ratio.
	MaxBackpressureRatio = 0.95
)

// ClassConfig describes a buffer class.
type ClassConfig struct {
	// Name of the buffer class.
	Name string `json:"name"`
	// Size of the buffers in the class.
	Size int `json:"size"`
	// Count is the number of buffers pre-allocated for the class.
	Count int `json:"count"`
}

// Config is the configuration of a buffer manager.
type Config struct {
	// Classes are the buffer classes to pre-allocate.
	Classes []ClassConfig `json:"classes,omitempty"`
	// HighWaterMark is the default high-water mark of new streams.
	HighWaterMark int64 `json:"highWaterMark,omitempty"`
	// BackpressureRatio is the default backpressure ratio of new streams.
	BackpressureRatio float64 `json:"backpressureRatio,omitempty"`
	// ChunkSize is the default chunk size of new streams.
	ChunkSize int `json:"chunkSize,omitempty"`
	// Concurrency is the default number of parallel transform workers.
	Concurrency int `json:"concurrency,omitempty"`
	// Compression is the codec used to compress transformed chunks.
	Compression string `json:"compression,omitempty"`
	// CompressionThreshold is the output size above which chunks get compressed.
	CompressionThreshold int `json:"compressionThreshold,omitempty"`
	// FingerprintCacheSize is the byte capacity of the fingerprint cache,
	// a negative value disables fingerprinting.
	FingerprintCacheSize int `json:"fingerprintCacheSize,omitempty"`
	// FingerprintTTL is the lifetime of fingerprint cache entries.
	FingerprintTTL time.Duration `json:"fingerprintTTL,omitempty"`
}

// DefaultClasses returns the default buffer classes.
func DefaultClasses() []ClassConfig {
	return []ClassConfig{
		{Name: "small", Size: 4 << 10, Count: 64},
		{Name: "medium", Size: 64 << 10, Count: 32},
		{Name: "large", Size: 1 << 20, Count: 8},
	}
}

// DefaultConfig returns the default buffer manager configuration.
func DefaultConfig() Config {
	return Config{
		Classes:              DefaultClasses(),
		HighWaterMark:        DefaultHighWaterMark,
		BackpressureRatio:    DefaultBackpressureRatio,
		ChunkSize:            DefaultChunkSize,
		Concurrency:          DefaultConcurrency,
		Compression:          compress.S2,
		CompressionThreshold: DefaultCompressionThreshold,
		FingerprintCacheSize: DefaultFingerprintCacheSize,
		FingerprintTTL:       DefaultFingerprintTTL,
	}
}

func (c *Config) setDefaults() {
	if len(c.Classes) == 0 {
		c.Classes = DefaultClasses()
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = DefaultHighWaterMark
	}
	if c.BackpressureRatio == 0 {
		c.BackpressureRatio = DefaultBackpressureRatio
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.FingerprintCacheSize == 0 {
		c.FingerprintCacheSize = DefaultFingerprintCacheSize
	}
	if c.FingerprintTTL == 0 {
		c.FingerprintTTL = DefaultFingerprintTTL
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	names := map[string]struct{}{}
	for _, cc := range c.Classes {
		if cc.Name == "" {
			return fmt.Errorf("%w: unnamed buffer class", ErrInvalidConfiguration)
		}
		if _, ok := names[cc.Name]; ok {
			return fmt.Errorf("%w: duplicate buffer class %q", ErrInvalidConfiguration, cc.Name)
		}
		names[cc.Name] = struct{}{}
		if cc.Size <= 0 {
			return fmt.Errorf("%w: buffer class %q: invalid size %d",
				ErrInvalidConfiguration, cc.Name, cc.Size)
		}
		if cc.Count < 0 {
			return fmt.Errorf("%w: buffer class %q: invalid count %d",
				ErrInvalidConfiguration, cc.Name, cc.Count)
		}
	}
	if c.HighWaterMark < 0 {
		return fmt.Errorf("%w: invalid high-water mark %d", ErrInvalidConfiguration, c.HighWaterMark)
	}
	if c.BackpressureRatio < 0 || c.BackpressureRatio > 1 {
		return fmt.Errorf("%w: backpressure ratio %.2f not in [0, 1]",
			ErrInvalidConfiguration, c.BackpressureRatio)
	}
	if c.ChunkSize < 0 || c.Concurrency < 0 || c.CompressionThreshold < 0 {
		return fmt.Errorf("%w: negative chunk size, concurrency or compression threshold",
			ErrInvalidConfiguration)
	}
	if _, err := compress.Get(c.Compression); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

// StreamOption is an option for a single stream.
type StreamOption func(*streamConfig)

type streamConfig struct {
	id          string
	hwm         int64
	ratio       float64
	chunkSize   int
	parallel    bool
	concurrency int
	compress    bool
	fingerprint bool
}

// WithID sets the id of the stream. By default a unique id is generated.
func WithID(id string) StreamOption {
	return func(c *streamConfig) {
		c.id = id
	}
}

// WithHighWaterMark sets the high-water mark of the stream.
func WithHighWaterMark(hwm int64) StreamOption {
	return func(c *streamConfig) {
		c.hwm = hwm
	}
}

// WithBackpressureRatio sets the backpressure ratio of the stream.
func WithBackpressureRatio(ratio float64) StreamOption {
	return func(c *streamConfig) {
		c.ratio = ratio
	}
}

// WithChunkSize sets the chunk size of the stream.
func WithChunkSize(size int) StreamOption {
	return func(c *streamConfig) {
		c.chunkSize = size
	}
}

// WithParallel enables parallel processing in a transform with the given
// number of workers. Non-positive concurrency uses the configured default.
func WithParallel(concurrency int) StreamOption {
	return func(c *streamConfig) {
		c.parallel = true
		if concurrency > 0 {
			c.concurrency = concurrency
		}
	}
}

// WithCompression enables or disables compression of transformed chunks.
func WithCompression(enable bool) StreamOption {
	return func(c *streamConfig) {
		c.compress = enable
	}
}

// WithFingerprinting enables or disables the fingerprint cache of a transform.
func WithFingerprinting(enable bool) StreamOption {
	return func(c *streamConfig) {
		c.fingerprint = enable
	}
}
