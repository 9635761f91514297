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

package payload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/keylimeagent/internal/cryptoutil"
	"github.com/confidentsecurity/keylimeagent/internal/rendezvous"
)

type fakeMount struct {
	root string
}

func newFakeMount(t *testing.T) *fakeMount {
	return &fakeMount{root: t.TempDir()}
}

func (m *fakeMount) Path() string { return m.root }

func (m *fakeMount) UnzippedDir() (string, error) {
	dir := filepath.Join(m.root, "unzipped")
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (m *fakeMount) Chown(uid, gid int) error { return nil }
func (m *fakeMount) Unmount() error           { return nil }

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func TestRunDecryptsAndStagesPayload(t *testing.T) {
	const uuid = "agent-uuid"
	symmKey := []byte("0123456789abcdef0123456789abcdef")
	plaintext := []byte("the actual tenant workload secret")

	packed, err := cryptoutil.EncryptAEAD(symmKey, plaintext)
	require.NoError(t, err)

	r := rendezvous.New(uuid)
	u := []byte("uuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuu")[:len(symmKey)]
	v := xor(symmKey, u)
	authTag := cryptoutil.ComputeHMAC(symmKey, []byte(uuid))

	mount := newFakeMount(t)
	runner := New(r, mount, Options{MTLSEnabled: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	r.PutU(uuid, u, authTag, packed)
	r.PutV(uuid, v)

	require.NoError(t, <-done)

	unzipped := filepath.Join(mount.root, "unzipped")
	gotKey, err := os.ReadFile(filepath.Join(unzipped, keyFilename))
	require.NoError(t, err)
	require.Equal(t, symmKey, gotKey)

	gotPlaintext, err := os.ReadFile(filepath.Join(unzipped, decPayloadFilename))
	require.NoError(t, err)
	require.Equal(t, plaintext, gotPlaintext)
}

func TestRunSkipsWhenMTLSDisabledAndNoOverride(t *testing.T) {
	r := rendezvous.New("agent-uuid")
	mount := newFakeMount(t)
	runner := New(r, mount, Options{MTLSEnabled: false, EnableInsecurePayload: false})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, runner.Run(ctx))
}

func TestRunReportsDecryptFailureOnTamperedCiphertext(t *testing.T) {
	const uuid = "agent-uuid"
	symmKey := []byte("0123456789abcdef0123456789abcdef")

	packed, err := cryptoutil.EncryptAEAD(symmKey, []byte("payload"))
	require.NoError(t, err)
	packed[len(packed)-1] ^= 0xFF

	r := rendezvous.New(uuid)
	u := []byte("uuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuu")[:len(symmKey)]
	v := xor(symmKey, u)
	authTag := cryptoutil.ComputeHMAC(symmKey, []byte(uuid))

	mount := newFakeMount(t)
	runner := New(r, mount, Options{MTLSEnabled: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	r.PutU(uuid, u, authTag, packed)
	r.PutV(uuid, v)

	require.Error(t, <-done)
}
