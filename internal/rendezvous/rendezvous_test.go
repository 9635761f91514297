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

package rendezvous

import (
	"context"
	"time"

	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/keylimeagent/internal/cryptoutil"
)

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func TestPutUPutVCombineUnblocksWaiter(t *testing.T) {
	const uuid = "agent-uuid-1"
	r := New(uuid)

	symmKey := []byte("0123456789abcdef0123456789abcdef")
	u := []byte("uuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuu")[:len(symmKey)]
	v := xor(symmKey, u)
	authTag := cryptoutil.ComputeHMAC(symmKey, []byte(uuid))
	ciphertext := []byte("encrypted-payload-bytes")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan []byte, 1)
	go func() {
		key, err := r.WaitForKey(ctx)
		require.NoError(t, err)
		resultCh <- key
	}()

	time.Sleep(10 * time.Millisecond)
	r.PutU(uuid, u, authTag, ciphertext)
	r.PutV(uuid, v)

	select {
	case got := <-resultCh:
		require.Equal(t, symmKey, got)
	case <-ctx.Done():
		t.Fatal("WaitForKey did not unblock after matching U/V")
	}

	require.True(t, r.Ready())
	require.Equal(t, ciphertext, r.Ciphertext())
}

func TestCombineRejectsMismatchedAuthTag(t *testing.T) {
	const uuid = "agent-uuid-2"
	r := New(uuid)

	u := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	v := []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	badAuthTag := []byte("not-a-real-tag")

	r.PutU(uuid, u, badAuthTag, []byte("ciphertext"))
	r.PutV(uuid, v)

	require.False(t, r.Ready())
}

func TestFirstCiphertextWins(t *testing.T) {
	const uuid = "agent-uuid-3"
	r := New(uuid)

	r.PutU(uuid, []byte("u1"), []byte("tag1"), []byte("first"))
	r.PutU(uuid, []byte("u1"), []byte("tag1"), []byte("second"))

	require.Equal(t, []byte("first"), r.Ciphertext())
}

func TestWaitForKeyRespectsContextCancellation(t *testing.T) {
	r := New("agent-uuid-4")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.WaitForKey(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForKey did not return after context cancellation")
	}
}

func TestVerifyNotReadyUntilKeyPublished(t *testing.T) {
	const uuid = "agent-uuid-5"
	r := New(uuid)

	_, err := r.Verify([]byte("challenge"))
	require.Error(t, err)

	symmKey := []byte("0123456789abcdef0123456789abcdef")
	u := []byte("uuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuu")[:len(symmKey)]
	v := xor(symmKey, u)
	authTag := cryptoutil.ComputeHMAC(symmKey, []byte(uuid))

	r.PutU(uuid, u, authTag, []byte("ciphertext"))
	r.PutV(uuid, v)
	require.True(t, r.Ready())

	mac, err := r.Verify([]byte("challenge"))
	require.NoError(t, err)
	require.Equal(t, cryptoutil.ComputeHMACRaw(symmKey, []byte("challenge")), mac)
}
