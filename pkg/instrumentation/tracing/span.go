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

package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeyValue is a span attribute.
type KeyValue = attribute.KeyValue

// SpanStartOption is an option for starting a span.
type SpanStartOption func(*spanOptions)

type spanOptions struct {
	options []trace.SpanStartOption
}

// WithAttributes sets attributes of a span being started.
func WithAttributes(attrs ...KeyValue) SpanStartOption {
	return func(o *spanOptions) {
		o.options = append(o.options, trace.WithAttributes(attrs...))
	}
}

// WithAttributeMap sets attributes of a span being started from a map.
func WithAttributeMap(attrMap map[string]interface{}) SpanStartOption {
	return func(o *spanOptions) {
		attrs := make([]KeyValue, 0, len(attrMap))
		for k, v := range attrMap {
			attrs = append(attrs, Attribute(k, v))
		}
		o.options = append(o.options, trace.WithAttributes(attrs...))
	}
}

// Span is a traced operation. The zero Span and nil are valid no-op spans.
type Span struct {
	otel trace.Span
}

// StartSpan starts a span, as a child of any span in the context.
func StartSpan(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *Span) {
	if !Enabled() {
		return ctx, &Span{}
	}

	o := &spanOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var t trace.Tracer
	if parent := trace.SpanFromContext(ctx); parent.SpanContext().IsValid() {
		t = parent.TracerProvider().Tracer("memgov")
	} else {
		t = otel.Tracer("memgov")
	}

	ctx, span := t.Start(ctx, name, o.options...)
	return ctx, &Span{otel: span}
}

// Trace runs fn in a span, recording its duration and error status.
func Trace(ctx context.Context, name string, fn func(context.Context) error, opts ...SpanStartOption) error {
	ctx, span := StartSpan(ctx, name, opts...)
	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Float64("duration.seconds", time.Since(start).Seconds()))
	span.End(err)
	return err
}

// SetAttributes sets attributes of the span.
func (s *Span) SetAttributes(attrs ...KeyValue) {
	if s.noop() {
		return
	}
	s.otel.SetAttributes(attrs...)
}

// AddEvent adds a named event with attributes to the span.
func (s *Span) AddEvent(name string, attrs ...KeyValue) {
	if s.noop() {
		return
	}
	s.otel.AddEvent(name, trace.WithAttributes(attrs...))
}

// End ends the span, setting its status from the error.
func (s *Span) End(err error) {
	if s.noop() {
		return
	}

	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
	} else {
		s.otel.SetStatus(codes.Ok, "")
	}

	s.otel.End()
}

func (s *Span) noop() bool {
	return s == nil || s.otel == nil
}

// Attribute converts a key and a value of a common type to an attribute.
func Attribute(key string, value interface{}) KeyValue {
	if value == nil {
		return attribute.String(key, "<nil>")
	}

	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case []string:
		return attribute.StringSlice(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case []int64:
		return attribute.Int64Slice(key, v)
	case float64:
		return attribute.Float64(key, v)
	case []float64:
		return attribute.Float64Slice(key, v)
	case time.Duration:
		return attribute.String(key, v.String())
	case fmt.Stringer:
		return attribute.String(key, v.String())
	}

	return attribute.String(key, fmt.Sprintf("%v", value))
}
