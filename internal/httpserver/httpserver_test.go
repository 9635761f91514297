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

package httpserver

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/keylimeagent/internal/agentstate"
	"github.com/confidentsecurity/keylimeagent/internal/cryptoutil"
	"github.com/confidentsecurity/keylimeagent/internal/quote"
	"github.com/confidentsecurity/keylimeagent/internal/revocation"
	"github.com/confidentsecurity/keylimeagent/internal/tpmdevice"
)

func newTestState(t *testing.T) *agentstate.State {
	t.Helper()

	device, err := tpmdevice.NewDevice(tpmdevice.InMemorySimulator, "", "", "")
	require.NoError(t, err)
	adapter := tpmdevice.NewAdapter(device, nil)
	t.Cleanup(func() { _ = adapter.Close() })

	ek, err := adapter.CreateEk("sha256", 0)
	require.NoError(t, err)
	ak, err := adapter.CreateAk(ek, "sha256", "rsassa")
	require.NoError(t, err)
	akHandle, err := adapter.LoadAk(ek, ak)
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Flush(akHandle) })

	nodeKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	state := agentstate.New("agent-uuid", "sha256", "rsassa", "aes", adapter, ek, ak, akHandle, nodeKey, t.TempDir())
	state.Quotes = quote.New(adapter, "sha256", akHandle, tpm2.Marshal(ak.Public), ek, "", "")
	return state
}

func newTestServer(t *testing.T, revoke *revocation.Listener) *Server {
	t.Helper()
	state := newTestState(t)
	server, err := New("127.0.0.1:0", state, revoke, TLSConfig{})
	require.NoError(t, err)
	return server
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(body).Decode(&env))
	return env
}

func TestHandlePubkeyReturnsPEM(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/"+APIVersion+"/keys/pubkey", nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	results, ok := env.Results.(map[string]any)
	require.True(t, ok)
	require.Contains(t, results["pubkey"], "BEGIN")
}

func TestHandleUkeyThenVkeyUnblocksVerify(t *testing.T) {
	server := newTestServer(t, nil)

	symmKey := []byte("0123456789abcdef0123456789abcdef")
	u := []byte("uuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuuu")[:len(symmKey)]
	v := make([]byte, len(symmKey))
	for i := range symmKey {
		v[i] = symmKey[i] ^ u[i]
	}
	authTag := cryptoutil.ComputeHMAC(symmKey, []byte("agent-uuid"))
	ciphertext, err := cryptoutil.EncryptAEAD(symmKey, []byte("payload"))
	require.NoError(t, err)

	ukeyBody, err := json.Marshal(ukeyRequest{
		UUID:             "agent-uuid",
		U:                base64.StdEncoding.EncodeToString(u),
		AuthTag:          hexEncode(authTag),
		EncryptedPayload: base64.StdEncoding.EncodeToString(ciphertext),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/"+APIVersion+"/keys/ukey", bytes.NewReader(ukeyBody))
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	vkeyBody, err := json.Marshal(vkeyRequest{UUID: "agent-uuid", V: base64.StdEncoding.EncodeToString(v)})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/"+APIVersion+"/keys/vkey", bytes.NewReader(vkeyBody))
	rec = httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/"+APIVersion+"/keys/verify?challenge=abc123", nil)
	rec = httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	results, ok := env.Results.(map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, results["hmac"])
}

func TestHandleRevocationWithoutListenerReturnsNotFound(t *testing.T) {
	server := newTestServer(t, nil)

	body, err := json.Marshal(map[string]string{"event": "{}", "signature": ""})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/"+APIVersion+"/notifications/revocation", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRouteReturnsNotFoundEnvelope(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/no/such/route", nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	require.Equal(t, "Not Found", env.Status)
}

func TestUnsupportedVersionReturnsDistinctResponse(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1.0/keys/pubkey", nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	require.Contains(t, env.Status, "not supported")
}

func TestUnknownRouteUnderSupportedVersionGetsScopedMessage(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/"+APIVersion+"/keys/no-such-key-op", nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	require.Equal(t, "invalid keys request", env.Status)
}

func TestHandleIdentityQuote(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/"+APIVersion+"/quotes/identity?nonce=12345678", nil)
	rec := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec.Body)
	results, ok := env.Results.(map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, results["quote"])
	require.NotEmpty(t, results["signature"])
}
