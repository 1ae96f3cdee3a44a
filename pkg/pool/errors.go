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

import "fmt"

var (
	ErrFailedOption         = fmt.Errorf("pool: failed to apply option")
	ErrInvalidConfiguration = fmt.Errorf("pool: invalid configuration")
	ErrInvalidCategory      = fmt.Errorf("pool: invalid category")
	ErrInvalidPriority      = fmt.Errorf("pool: invalid priority")
	ErrInvalidStrategy      = fmt.Errorf("pool: invalid placement strategy")
	ErrInvalidSize          = fmt.Errorf("pool: invalid allocation size")
	ErrPoolExists           = fmt.Errorf("pool: pool already exists")
	ErrPoolNotFound         = fmt.Errorf("pool: pool not found")
	ErrPoolExhausted        = fmt.Errorf("pool: pool exhausted")
	ErrInternalError        = fmt.Errorf("pool: internal error")
	ErrInvariantViolation   = fmt.Errorf("pool: invariant violation")
)
