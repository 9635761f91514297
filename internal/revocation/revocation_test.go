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

package revocation

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedRevocationCert(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "revocation"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return key, certPEM
}

func TestDeliverRunsActionsInLexicalOrderOnValidSignature(t *testing.T) {
	key, certPEM := selfSignedRevocationCert(t)
	actionsDir := t.TempDir()

	order := filepath.Join(t.TempDir(), "order.txt")
	writeAction := func(name, line string) {
		script := "#!/bin/sh\necho '" + line + "' >> " + order + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(actionsDir, name), []byte(script), 0700))
	}
	writeAction("10_first.sh", "first")
	writeAction("20_second.sh", "second")

	listener := New(certPEM, actionsDir)

	event := []byte(`{"agent_uuid":"abc"}`)
	digest := sha256.Sum256(event)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, 0, digest[:])
	require.NoError(t, err)

	require.NoError(t, listener.Deliver(Event{Raw: event, Signature: sig}))

	data, err := os.ReadFile(order)
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", string(data))
}

func TestDeliverRejectsInvalidSignature(t *testing.T) {
	_, certPEM := selfSignedRevocationCert(t)
	listener := New(certPEM, t.TempDir())

	err := listener.Deliver(Event{Raw: []byte("event"), Signature: []byte("not-a-signature")})
	require.Error(t, err)
}

func TestDeliverWithMissingActionsDirIsNotAnError(t *testing.T) {
	key, certPEM := selfSignedRevocationCert(t)
	listener := New(certPEM, filepath.Join(t.TempDir(), "does-not-exist"))

	event := []byte(`{"agent_uuid":"abc"}`)
	digest := sha256.Sum256(event)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, 0, digest[:])
	require.NoError(t, err)

	require.NoError(t, listener.Deliver(Event{Raw: event, Signature: sig}))
}
