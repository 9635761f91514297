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

// Package cryptoutil implements Crypto Services (spec §4.3/§4.4): node
// keypair generation, self-issued identity certificate, AEAD payload
// decryption, and the HMAC primitives used by the registrar activation
// handshake and the Key Rendezvous auth tag.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"time"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
)

// NodeKeyBits is the RSA modulus size for the node keypair (spec §3
// NodeKeypair: "RSA 2048 pair").
const NodeKeyBits = 2048

// GenerateNodeKeypair creates the RSA keypair used for credential
// activation secret wrapping and, when mTLS is enabled, as the agent's
// mTLS identity.
func GenerateNodeKeypair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, NodeKeyBits)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindIdentity, "generate node RSA keypair", err)
	}
	return key, nil
}

// SelfIssueCertificate builds a self-signed X.509 certificate over key,
// CN = agentUUID (spec §3 IdentityCertificate).
func SelfIssueCertificate(key *rsa.PrivateKey, agentUUID string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindIdentity, "generate certificate serial", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: agentUUID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindIdentity, "self-issue identity certificate", err)
	}
	return der, nil
}

// ComputeHMAC is the HMAC primitive used both for the registrar activation
// auth_tag (keyed by base64 of the activation secret) and for the Key
// Rendezvous auth tag (keyed by base64 of the candidate symmetric key).
// The design note in spec.md §9 is intentional: the key is base64 of the
// raw bytes, not the raw bytes themselves.
func ComputeHMAC(key, message []byte) []byte {
	encodedKey := base64.StdEncoding.EncodeToString(key)
	mac := hmac.New(sha256.New, []byte(encodedKey))
	mac.Write(message)
	return mac.Sum(nil)
}

// ComputeHMACRaw HMACs message directly under key, with no base64
// re-encoding of the key. Used by Key Rendezvous.Verify, which per
// spec.md §4.4 is keyed directly by the reconstructed symmetric key
// rather than by its base64 form.
func ComputeHMACRaw(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// ConstantTimeEqual compares two MACs without leaking timing information.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EncryptAEAD packs key/nonce/ciphertext/tag into the fixed serialization
// DecryptAEAD expects: a 12-byte GCM nonce followed by AES-GCM sealed
// output (ciphertext || tag). Used by test fixtures and by any future
// re-encryption path; the Payload Runner only ever calls DecryptAEAD.
func EncryptAEAD(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindDecrypt, "build AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindDecrypt, "build GCM AEAD", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, agenterr.Wrap(agenterr.KindDecrypt, "generate nonce", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// DecryptAEAD reverses EncryptAEAD. On tag mismatch or malformed
// ciphertext it returns a KindDecrypt error (spec §7: "fatal for the
// payload runner, non-fatal for the process").
func DecryptAEAD(key, packed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindDecrypt, "build AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindDecrypt, "build GCM AEAD", err)
	}
	if len(packed) < gcm.NonceSize() {
		return nil, agenterr.New(agenterr.KindDecrypt, "encrypted payload shorter than nonce")
	}
	nonce, ciphertext := packed[:gcm.NonceSize()], packed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindDecrypt, "AEAD open (tag mismatch or corrupt ciphertext)", err)
	}
	return plaintext, nil
}
