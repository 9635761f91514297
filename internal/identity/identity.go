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

// Package identity is the Identity Store (spec §4.2): it persists AK
// material, the node keypair, and the mTLS certificate, and reconciles
// that state against the TPM at startup.
package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
	"github.com/confidentsecurity/keylimeagent/internal/cryptoutil"
	"github.com/confidentsecurity/keylimeagent/internal/tpmdevice"
)

// PersistedAgentData is the on-disk record (spec §3/§6). Field names are
// fixed by the external wire format.
type PersistedAgentData struct {
	AkHashAlg   string `json:"ak_hash_alg"`
	AkSignAlg   string `json:"ak_sign_alg"`
	AkPublic    []byte `json:"ak_public"`
	AkPrivate   []byte `json:"ak_private"`
	MTLSCert    []byte `json:"mtls_cert,omitempty"`
	NodePublic  []byte `json:"node_public"`
	NodePrivate []byte `json:"node_private"`
}

// Store owns the persisted identity file and the in-memory materialized
// identity (AK, node keypair, optional mTLS cert) for the process
// lifetime.
type Store struct {
	path string

	hashAlg string
	signAlg string

	ak       *tpmdevice.AkResult
	akHandle tpm2.TPMHandle
	nodeKey  *rsa.PrivateKey
	mtlsCert []byte
}

// New returns a Store bound to path, with no materialized identity yet;
// call Reconcile to populate it.
func New(path, hashAlg, signAlg string) *Store {
	return &Store{path: path, hashAlg: hashAlg, signAlg: signAlg}
}

// load reads the persisted record; a missing file is not an error (§4.2
// step 1: "if absent, treat as None").
func (s *Store) load() (*PersistedAgentData, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, agenterr.Wrap(agenterr.KindIdentity, "read persisted identity", err)
	}
	var record PersistedAgentData
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, agenterr.Wrap(agenterr.KindIdentity, "parse persisted identity", err)
	}
	return &record, nil
}

// validate reports whether record's algorithms match the agent's current
// configuration (§4.2/§3 PersistedAgentData: "valid iff its hash_alg and
// sign_alg match current configuration").
func (record *PersistedAgentData) validate(hashAlg, signAlg string) bool {
	if record == nil {
		return false
	}
	if !strings.EqualFold(record.AkHashAlg, hashAlg) || !strings.EqualFold(record.AkSignAlg, signAlg) {
		return false
	}
	return len(record.AkPublic) > 0 && len(record.AkPrivate) > 0 &&
		len(record.NodePublic) > 0 && len(record.NodePrivate) > 0
}

// Reconcile implements the §4.2 startup algorithm: load, validate,
// load_ak under the current EK, falling through to fresh AK/node-key
// creation whenever any step fails, and always rewriting the file at the
// end.
func (s *Store) Reconcile(adapter *tpmdevice.Adapter, ek *tpmdevice.EkResult) error {
	record, err := s.load()
	if err != nil {
		return err
	}

	if !record.validate(s.hashAlg, s.signAlg) {
		if record != nil {
			slog.Warn("persisted identity invalid for current algorithm configuration, discarding")
		}
		record = nil
	}

	if record != nil {
		ak := &tpmdevice.AkResult{}
		if err := unmarshalPublic(record.AkPublic, &ak.Public); err != nil {
			slog.Warn("persisted AK public area unreadable, discarding", "err", err)
			record = nil
		} else {
			ak.Private = tpm2.TPM2BPrivate{Buffer: record.AkPrivate}
			handle, err := adapter.LoadAk(ek, ak)
			if err != nil {
				slog.Warn("persisted AK failed to load under current EK, discarding", "err", err)
				record = nil
			} else {
				s.ak = ak
				s.akHandle = handle
			}
		}
	}

	if record == nil {
		ak, err := adapter.CreateAk(ek, s.hashAlg, s.signAlg)
		if err != nil {
			return agenterr.Wrap(agenterr.KindIdentity, "create fresh AK", err)
		}
		handle, err := adapter.LoadAk(ek, ak)
		if err != nil {
			return agenterr.Wrap(agenterr.KindIdentity, "load fresh AK", err)
		}
		s.ak = ak
		s.akHandle = handle

		nodeKey, err := generateNodeKey()
		if err != nil {
			return err
		}
		s.nodeKey = nodeKey
		s.mtlsCert = nil
	} else {
		nodeKey, err := x509.ParsePKCS1PrivateKey(record.NodePrivate)
		if err != nil {
			slog.Warn("persisted node key unreadable, regenerating", "err", err)
			nodeKey, err = generateNodeKey()
			if err != nil {
				return err
			}
		}
		s.nodeKey = nodeKey
		s.mtlsCert = record.MTLSCert
	}

	return s.store()
}

// store always rewrites the identity file with the final materialized
// set, per §4.2 step 5.
func (s *Store) store() error {
	akPublicBytes := tpm2.Marshal(s.ak.Public)

	record := PersistedAgentData{
		AkHashAlg:   s.hashAlg,
		AkSignAlg:   s.signAlg,
		AkPublic:    akPublicBytes,
		AkPrivate:   s.ak.Private.Buffer,
		MTLSCert:    s.mtlsCert,
		NodePublic:  x509.MarshalPKCS1PublicKey(&s.nodeKey.PublicKey),
		NodePrivate: x509.MarshalPKCS1PrivateKey(s.nodeKey),
	}

	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return agenterr.Wrap(agenterr.KindIdentity, "marshal identity record", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".agent_data-*.tmp")
	if err != nil {
		return agenterr.Wrap(agenterr.KindIO, "create temp identity file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return agenterr.Wrap(agenterr.KindIO, "write temp identity file", err)
	}
	if err := tmp.Close(); err != nil {
		return agenterr.Wrap(agenterr.KindIO, "close temp identity file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return agenterr.Wrap(agenterr.KindIO, "rename identity file into place", err)
	}
	return nil
}

func generateNodeKey() (*rsa.PrivateKey, error) {
	key, err := cryptoutil.GenerateNodeKeypair()
	if err != nil {
		return nil, err
	}
	return key, nil
}

func unmarshalPublic(raw []byte, out *tpm2.TPM2BPublic) error {
	unmarshalled, err := tpm2.Unmarshal[tpm2.TPM2BPublic](raw)
	if err != nil {
		return err
	}
	*out = *unmarshalled
	return nil
}

// AK returns the materialized Attestation Key result and its live handle.
func (s *Store) AK() (*tpmdevice.AkResult, tpm2.TPMHandle) {
	return s.ak, s.akHandle
}

// NodeKey returns the materialized node RSA keypair.
func (s *Store) NodeKey() *rsa.PrivateKey {
	return s.nodeKey
}

// MTLSCert returns the persisted mTLS certificate, or nil if none exists
// yet (cmd/keylime_agent's ensureMTLSMaterial generates and stores one on
// first mTLS-enabled startup).
func (s *Store) MTLSCert() []byte {
	return s.mtlsCert
}

// SetMTLSCert stores a freshly issued certificate and rewrites the
// identity file so subsequent restarts reuse it.
func (s *Store) SetMTLSCert(cert []byte) error {
	s.mtlsCert = cert
	return s.store()
}
