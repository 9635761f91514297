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

// Package quote is the Quote Service (spec §4.5): identity and integrity
// quote assembly over the current TPM state plus IMA/measured-boot logs.
package quote

import (
	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
	"github.com/confidentsecurity/keylimeagent/internal/measurementlog"
	"github.com/confidentsecurity/keylimeagent/internal/tpmdevice"
)

// identityPCRs is the fixed minimal PCR mask used for identity quotes.
var identityPCRs = []uint{0}

const (
	minNonceLen = 8
	maxNonceLen = 64
)

// ValidateNonce enforces the §4.5 constraint: "8-64 ASCII-printable
// bytes; longer or non-printable → BadRequest".
func ValidateNonce(nonce []byte) error {
	if len(nonce) < minNonceLen || len(nonce) > maxNonceLen {
		return agenterr.New(agenterr.KindBadRequest, "nonce must be between 8 and 64 bytes")
	}
	for _, b := range nonce {
		if b < 0x20 || b > 0x7e {
			return agenterr.New(agenterr.KindBadRequest, "nonce must be ASCII-printable")
		}
	}
	return nil
}

// IdentityQuote is the §4.7 /quotes/identity response shape.
type IdentityQuote struct {
	Quote     []byte
	Signature []byte
	AkPublic  []byte
	EkPublic  []byte
	EkCert    []byte
}

// IntegrityQuote is the §4.7 /quotes/integrity response shape.
type IntegrityQuote struct {
	Quote         []byte
	Signature     []byte
	PCRValues     map[uint32][]byte
	IMADelta      []byte
	IMANextOffset int64
	MeasuredBoot  []byte
}

// Service assembles quotes from the TPM Adapter plus the measurement
// logs. hashAlg selects the PCR bank and AK signature digest.
type Service struct {
	adapter  *tpmdevice.Adapter
	hashAlg  string
	ak       tpm2.TPMHandle
	akPublic []byte
	ek       *tpmdevice.EkResult

	ima           *measurementlog.Log
	measuredBoot  *measurementlog.Log
}

// New builds a Service bound to the given TPM Adapter and materialized
// AK/EK. imaPath/measuredBootPath may be empty to disable that log.
func New(adapter *tpmdevice.Adapter, hashAlg string, akHandle tpm2.TPMHandle, akPublic []byte, ek *tpmdevice.EkResult, imaPath, measuredBootPath string) *Service {
	s := &Service{
		adapter:  adapter,
		hashAlg:  hashAlg,
		ak:       akHandle,
		akPublic: akPublic,
		ek:       ek,
	}
	if imaPath != "" {
		s.ima = measurementlog.New(imaPath)
	}
	if measuredBootPath != "" {
		s.measuredBoot = measurementlog.New(measuredBootPath)
	}
	return s
}

// Identity produces an identity quote over nonce (spec §4.5).
func (s *Service) Identity(nonce []byte) (*IdentityQuote, error) {
	if err := ValidateNonce(nonce); err != nil {
		return nil, err
	}

	result, err := s.adapter.Quote(s.ak, nonce, identityPCRs, s.hashAlg)
	if err != nil {
		return nil, err
	}

	return &IdentityQuote{
		Quote:     result.Quoted,
		Signature: result.Signature,
		AkPublic:  s.akPublic,
		EkPublic:  tpm2.Marshal(s.ek.Public),
		EkCert:    s.ek.Certificate,
	}, nil
}

// IntegrityOptions are the inputs to an integrity quote request.
type IntegrityOptions struct {
	Nonce               []byte
	PCRMask             []uint
	IMAStartIndex       *int64
	IncludeMeasuredBoot bool
}

// Integrity produces an integrity quote over PCRMask plus an optional
// IMA delta and measured boot log (spec §4.5).
func (s *Service) Integrity(opts IntegrityOptions) (*IntegrityQuote, error) {
	if err := ValidateNonce(opts.Nonce); err != nil {
		return nil, err
	}

	pcrs := opts.PCRMask
	if len(pcrs) == 0 {
		pcrs = identityPCRs
	}

	result, err := s.adapter.Quote(s.ak, opts.Nonce, pcrs, s.hashAlg)
	if err != nil {
		return nil, err
	}

	out := &IntegrityQuote{
		Quote:     result.Quoted,
		Signature: result.Signature,
		PCRValues: result.PCRValues,
	}

	if s.ima != nil {
		start := int64(0)
		if opts.IMAStartIndex != nil {
			start = *opts.IMAStartIndex
		}
		delta, next, err := s.ima.Delta(start)
		if err != nil {
			return nil, err
		}
		out.IMADelta = delta
		out.IMANextOffset = next
	}

	if opts.IncludeMeasuredBoot && s.measuredBoot != nil {
		data, _, err := s.measuredBoot.Full()
		if err != nil {
			return nil, err
		}
		out.MeasuredBoot = data
	}

	return out, nil
}
