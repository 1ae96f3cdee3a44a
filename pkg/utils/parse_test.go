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

package utils_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/memgov/pkg/utils"
)

func TestParseEnabled(t *testing.T) {
	for _, value := range []string{"on", "Enable", "enabled", "true", "1", " yes "} {
		enabled, err := ParseEnabled(value)
		require.NoError(t, err, value)
		require.True(t, enabled, value)
	}
	for _, value := range []string{"off", "disable", "DISABLED", "false", "0", "no"} {
		enabled, err := ParseEnabled(value)
		require.NoError(t, err, value)
		require.False(t, enabled, value)
	}
	_, err := ParseEnabled("maybe")
	require.Error(t, err)
}
