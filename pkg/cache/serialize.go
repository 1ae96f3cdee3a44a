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

package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
)

// Serializer converts values to and from their stored form.
type Serializer[V any] interface {
	Marshal(V) ([]byte, error)
	Unmarshal([]byte) (V, error)
}

// DefaultSerializer returns the serializer used for V by default: byte
// slices are stored as is, anything else is gob encoded.
func DefaultSerializer[V any]() Serializer[V] {
	var zero V
	if _, ok := any(zero).([]byte); ok {
		return rawSerializer[V]{}
	}
	return gobSerializer[V]{}
}

type rawSerializer[V any] struct{}

func (rawSerializer[V]) Marshal(v V) ([]byte, error) {
	b, ok := any(v).([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not []byte", ErrSerialization, v)
	}
	return bytes.Clone(b), nil
}

func (rawSerializer[V]) Unmarshal(data []byte) (V, error) {
	v, ok := any(bytes.Clone(data)).(V)
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: can't convert []byte to %T", ErrSerialization, zero)
	}
	return v, nil
}

// gobSerializer gob encodes values. Values which do not survive a round
// trip unchanged, such as structs with unexported fields or empty slices,
// are rejected with ErrSerialization.
type gobSerializer[V any] struct{}

func (g gobSerializer[V]) Marshal(v V) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("%w: %v", ErrSerialization, r)
		}
	}()

	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	data = buf.Bytes()

	chk, err := g.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if !reflect.DeepEqual(v, chk) {
		return nil, fmt.Errorf("%w: %T does not survive gob encoding", ErrSerialization, v)
	}

	return data, nil
}

func (gobSerializer[V]) Unmarshal(data []byte) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			v, err = zero, fmt.Errorf("%w: %v", ErrSerialization, r)
		}
	}()

	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return v, nil
}

// lossySize returns the size of the string form of an unserializable value.
func lossySize(v any) int64 {
	return int64(len(fmt.Sprintf("%v", v)))
}
