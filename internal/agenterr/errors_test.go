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

package agenterr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapNilCauseReturnsNil(t *testing.T) {
	require.Nil(t, Wrap(KindIO, "message", nil))
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindTPM, "do a thing", cause)

	require.ErrorIs(t, err, cause)

	var asErr *Error
	require.ErrorAs(t, err, &asErr)
	require.Equal(t, KindTPM, asErr.Kind)
}

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, 400, KindBadRequest.HTTPStatus())
	require.Equal(t, 400, KindNotReady.HTTPStatus())
	require.Equal(t, 404, KindNotFound.HTTPStatus())
	require.Equal(t, 500, KindTPM.HTTPStatus())
	require.Equal(t, 500, KindConfiguration.HTTPStatus())
}

func TestFatalClassification(t *testing.T) {
	fatalKinds := []Kind{KindConfiguration, KindTPM, KindTPMUnsupported, KindTPMAuthRequired, KindTPMTransient, KindRegistration, KindIO, KindPermission}
	for _, k := range fatalKinds {
		require.True(t, k.Fatal(), "%v should be fatal", k)
	}

	nonFatalKinds := []Kind{KindIdentity, KindDecrypt, KindBadRequest, KindNotFound, KindNotReady, KindGeneric}
	for _, k := range nonFatalKinds {
		require.False(t, k.Fatal(), "%v should not be fatal", k)
	}
}
