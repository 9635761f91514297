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

package cryptoutil

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("super secret workload payload")

	packed, err := EncryptAEAD(key, plaintext)
	require.NoError(t, err)

	recovered, err := DecryptAEAD(key, packed)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func TestDecryptAEADRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	packed, err := EncryptAEAD(key, []byte("payload"))
	require.NoError(t, err)

	packed[len(packed)-1] ^= 0xFF

	_, err = DecryptAEAD(key, packed)
	require.Error(t, err)
}

func TestDecryptAEADRejectsShortInput(t *testing.T) {
	_, err := DecryptAEAD(make([]byte, 32), []byte("short"))
	require.Error(t, err)
}

func TestComputeHMACIsBase64Keyed(t *testing.T) {
	key := []byte("candidate-symm-key")
	message := []byte("agent-uuid")

	got := ComputeHMAC(key, message)
	require.Len(t, got, 32)

	// ComputeHMAC keys the MAC by base64(key), so HMACing with the raw key
	// bytes directly must not produce the same tag.
	raw := ComputeHMACRaw(key, message)
	require.NotEqual(t, got, raw)
}

func TestComputeHMACDeterministic(t *testing.T) {
	key := []byte("k")
	msg := []byte("m")
	require.Equal(t, ComputeHMAC(key, msg), ComputeHMAC(key, msg))
	require.Equal(t, ComputeHMACRaw(key, msg), ComputeHMACRaw(key, msg))
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	require.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	require.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}

func TestSelfIssueCertificate(t *testing.T) {
	key, err := GenerateNodeKeypair()
	require.NoError(t, err)

	der, err := SelfIssueCertificate(key, "deadbeef-0000-0000-0000-000000000000")
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	require.Equal(t, "deadbeef-0000-0000-0000-000000000000", cert.Subject.CommonName)
}
