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

// Package agentstate holds the process-wide shared context (spec §3
// QuoteData): the TPM Adapter, node keypair, AK handle, Key Rendezvous,
// algorithm selection, UUID, and paths. One instance per process;
// lifetime = process.
package agentstate

import (
	"crypto/rsa"

	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/keylimeagent/internal/quote"
	"github.com/confidentsecurity/keylimeagent/internal/rendezvous"
	"github.com/confidentsecurity/keylimeagent/internal/tpmdevice"
)

// State is the materialized identity and live resources every HTTP
// handler and background task needs. It is built once at startup and
// never reconstructed per request (spec §9: "Process-wide state is
// intentional").
type State struct {
	AgentUUID string

	HashAlg string
	SignAlg string
	EncAlg  string

	Adapter *tpmdevice.Adapter
	EK      *tpmdevice.EkResult
	AK      *tpmdevice.AkResult
	AKHandle tpm2.TPMHandle

	NodeKey *rsa.PrivateKey

	Rendezvous *rendezvous.Rendezvous
	Quotes     *quote.Service

	WorkDir string
}

// New assembles a State from its already-materialized components.
func New(agentUUID, hashAlg, signAlg, encAlg string, adapter *tpmdevice.Adapter, ek *tpmdevice.EkResult, ak *tpmdevice.AkResult, akHandle tpm2.TPMHandle, nodeKey *rsa.PrivateKey, workDir string) *State {
	return &State{
		AgentUUID:  agentUUID,
		HashAlg:    hashAlg,
		SignAlg:    signAlg,
		EncAlg:     encAlg,
		Adapter:    adapter,
		EK:         ek,
		AK:         ak,
		AKHandle:   akHandle,
		NodeKey:    nodeKey,
		Rendezvous: rendezvous.New(agentUUID),
		WorkDir:    workDir,
	}
}

// Teardown flushes transient TPM handles at shutdown (spec §9:
// "teardown flushes transient TPM handles").
func (s *State) Teardown() {
	if s.AKHandle != 0 {
		_ = s.Adapter.Flush(s.AKHandle)
	}
	if s.EK != nil && !s.EK.IsPersistent {
		_ = s.Adapter.Flush(s.EK.Handle)
	}
	_ = s.Adapter.Close()
}
