// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveAcceptsNumericFallback(t *testing.T) {
	id, err := Resolve("1000:1000")
	require.NoError(t, err)
	require.Equal(t, 1000, id.UID)
	require.Equal(t, 1000, id.GID)
}

func TestResolveRejectsMalformedSpec(t *testing.T) {
	_, err := Resolve("just-a-user")
	require.Error(t, err)
}

func TestResolveRejectsUnknownUserAndGroup(t *testing.T) {
	_, err := Resolve("no-such-user-xyz:no-such-group-xyz")
	require.Error(t, err)
}
