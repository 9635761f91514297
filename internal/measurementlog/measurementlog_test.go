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

package measurementlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeltaChainsAcrossAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ascii_runtime_measurements")
	require.NoError(t, os.WriteFile(path, []byte("line one\n"), 0600))

	log := New(path)

	data, offset, err := log.Delta(0)
	require.NoError(t, err)
	require.Equal(t, "line one\n", string(data))
	require.EqualValues(t, len("line one\n"), offset)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("line two\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, nextOffset, err := log.Delta(offset)
	require.NoError(t, err)
	require.Equal(t, "line two\n", string(data))
	require.Greater(t, nextOffset, offset)
}

func TestDeltaMissingFileIsNotAnError(t *testing.T) {
	log := New(filepath.Join(t.TempDir(), "does_not_exist"))
	data, offset, err := log.Delta(0)
	require.NoError(t, err)
	require.Nil(t, data)
	require.Zero(t, offset)
}

func TestDeltaClampsOffsetPastEndOfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))

	log := New(path)
	data, offset, err := log.Delta(10_000)
	require.NoError(t, err)
	require.Equal(t, "short", string(data))
	require.EqualValues(t, len("short"), offset)
}

func TestFullReadsFromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("abcdef"), 0600))

	log := New(path)
	data, _, err := log.Full()
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(data))
}
