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

package tpmdevice

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
)

// EkResult is the handle, public area, and optional manufacturer certificate
// for the Endorsement Key.
type EkResult struct {
	Handle       tpm2.TPMHandle
	Public       tpm2.TPM2BPublic
	Certificate  []byte // PEM, or nil if none was supplied/provisioned
	IsPersistent bool   // true when Handle was supplied by config, not created
}

// AkResult is the handle, public area, and opaque private blob for the
// Attestation Key. Private is what gets persisted for restart reuse.
type AkResult struct {
	Handle  tpm2.TPMHandle
	Public  tpm2.TPM2BPublic
	Private tpm2.TPM2BPrivate
}

// Adapter is the TPM Adapter (spec §4.1). Every exported method serializes
// on mu; callers must treat the adapter as a blocking, non-reentrant
// resource and never hold it across non-TPM work.
type Adapter struct {
	mu     sync.Mutex
	device Device
	tpm    transport.TPMCloser

	ownerPassword []byte
}

// NewAdapter wraps device. A non-empty ownerPassword is used only as the
// endorsement-hierarchy auth for CreatePrimary when CreateEk creates a
// fresh EK; it is not applied when a persistent EK handle is configured,
// and the EK policy sessions always satisfy PolicySecret with null
// endorsement auth.
func NewAdapter(device Device, ownerPassword []byte) *Adapter {
	return &Adapter{device: device, ownerPassword: ownerPassword}
}

func (a *Adapter) open() (transport.TPMCloser, error) {
	if a.tpm != nil {
		return a.tpm, nil
	}
	tpm, err := a.device.OpenDevice()
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "open tpm transport", err)
	}
	a.tpm = tpm
	return tpm, nil
}

// Close closes the underlying device. It does not flush TPM-resident
// transient handles; callers are responsible for calling Flush on every
// handle they created before shutdown.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device != nil {
		return a.device.Close()
	}
	return nil
}

// GetVendor queries TPM_PT_VENDOR_STRING_1..4 and concatenates them. A
// vendor string containing "SW" is a software TPM; the caller logs a
// warning but this is not itself an error (§4.1).
func (a *Adapter) GetVendor() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tpm, err := a.open()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, prop := range []tpm2.TPMPT{tpm2.TPMPTVendorString1, tpm2.TPMPTVendorString2, tpm2.TPMPTVendorString3, tpm2.TPMPTVendorString4} {
		rsp, err := (tpm2.GetCapability{
			Capability:    tpm2.TPMCapTPMProperties,
			Property:      uint32(prop),
			PropertyCount: 1,
		}).Execute(tpm)
		if err != nil {
			return "", agenterr.Wrap(agenterr.KindTPM, "get vendor capability", err)
		}
		props, err := rsp.CapabilityData.Data.TPMProperties()
		if err != nil || len(props.TPMProperty) == 0 {
			continue
		}
		v := props.TPMProperty[0].Value
		var word [4]byte
		word[0] = byte(v >> 24)
		word[1] = byte(v >> 16)
		word[2] = byte(v >> 8)
		word[3] = byte(v)
		sb.Write(bytes.Trim(word[:], "\x00"))
	}
	return sb.String(), nil
}

// IsSoftwareVendor reports whether GetVendor's result names a software TPM.
func IsSoftwareVendor(vendor string) bool {
	return strings.Contains(strings.ToUpper(vendor), "SW")
}

func hashAlgID(name string) (tpm2.TPMAlgID, error) {
	switch strings.ToLower(name) {
	case "sha1":
		return tpm2.TPMAlgSHA1, nil
	case "sha256", "":
		return tpm2.TPMAlgSHA256, nil
	case "sha384":
		return tpm2.TPMAlgSHA384, nil
	case "sha512":
		return tpm2.TPMAlgSHA512, nil
	default:
		return 0, agenterr.New(agenterr.KindTPMUnsupported, fmt.Sprintf("unsupported hash algorithm %q", name))
	}
}

// ekAuthPolicy computes the well-known EK authorization policy digest for
// PolicySecret(ENDORSEMENT) as defined by the TCG EK Credential Profile,
// section 2.1.5.3.
func ekAuthPolicy(nameAlg tpm2.TPMAlgID) ([]byte, error) {
	digestSize := 32
	hashNew := sha256.New
	switch nameAlg {
	case tpm2.TPMAlgSHA256:
		digestSize, hashNew = 32, sha256.New
	default:
		return nil, agenterr.New(agenterr.KindTPMUnsupported, "EK policy only implemented for SHA256 name algorithm")
	}

	h := hashNew()
	h.Write(make([]byte, digestSize))
	cc := tpm2.Marshal(tpm2.TPMCC(tpm2.TPMCCPolicySecret))
	h.Write(cc)
	h.Write(tpm2.Marshal(tpm2.TPMRHEndorsement))
	digest1 := h.Sum(nil)

	h2 := hashNew()
	h2.Write(digest1)
	return h2.Sum(nil), nil
}

func ekTemplateRSA(nameAlg tpm2.TPMAlgID) (tpm2.TPMTPublic, error) {
	policy, err := ekAuthPolicy(nameAlg)
	if err != nil {
		return tpm2.TPMTPublic{}, err
	}
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: nameAlg,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:             true,
			FixedParent:          true,
			SensitiveDataOrigin:  true,
			AdminWithPolicy:      true,
			Restricted:           true,
			Decrypt:              true,
		},
		AuthPolicy: tpm2.TPM2BDigest{Buffer: policy},
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgRSA, &tpm2.TPMSRSAParms{
			Symmetric: tpm2.TPMTSymDefObject{
				Algorithm: tpm2.TPMAlgAES,
				KeyBits:   tpm2.NewTPMUSymKeyBits(tpm2.TPMAlgAES, tpm2.TPMKeyBits(128)),
				Mode:      tpm2.NewTPMUSymMode(tpm2.TPMAlgAES, tpm2.TPMAlgCFB),
			},
			KeyBits: 2048,
		}),
		Unique: tpm2.NewTPMUPublicID(tpm2.TPMAlgRSA, &tpm2.TPM2BPublicKeyRSA{
			Buffer: make([]byte, 256),
		}),
	}, nil
}

// CreateEk derives or adopts the Endorsement Key. If persistentHandle is
// non-zero, that handle is read (not created) and the returned EkResult is
// marked persistent so callers never flush it (§4.1).
func (a *Adapter) CreateEk(hashAlg string, persistentHandle uint32) (*EkResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tpm, err := a.open()
	if err != nil {
		return nil, err
	}

	nameAlg, err := hashAlgID(hashAlg)
	if err != nil {
		return nil, err
	}

	if persistentHandle != 0 {
		handle := tpm2.TPMHandle(persistentHandle)
		rsp, err := (tpm2.ReadPublic{ObjectHandle: handle}).Execute(tpm)
		if err != nil {
			return nil, agenterr.Wrap(agenterr.KindTPM, "read persistent EK public area", err)
		}
		return &EkResult{Handle: handle, Public: rsp.OutPublic, IsPersistent: true}, nil
	}

	template, err := ekTemplateRSA(nameAlg)
	if err != nil {
		return nil, err
	}

	var ownerAuth tpm2.Session = tpm2.PasswordAuth(nil)
	if len(a.ownerPassword) > 0 {
		ownerAuth = tpm2.PasswordAuth(a.ownerPassword)
	}

	rsp, err := (tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHEndorsement,
			Auth:   ownerAuth,
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{},
		},
		InPublic: tpm2.New2B(template),
	}).Execute(tpm)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "create EK primary", err)
	}

	return &EkResult{Handle: rsp.ObjectHandle, Public: rsp.OutPublic}, nil
}

// akTemplate builds the signing-key template for the AK, derived from the
// configured hash/sign algorithm pair. An unrecognized signing scheme
// surfaces as KindTPMUnsupported; a combination the TPM itself rejects
// surfaces from CreateAk as a KindTPM error.
func akTemplate(hashAlg, signAlg tpm2.TPMAlgID) (tpm2.TPMTPublic, error) {
	var scheme tpm2.TPMTRSAScheme
	switch signAlg {
	case tpm2.TPMAlgRSASSA:
		scheme = tpm2.TPMTRSAScheme{
			Scheme: tpm2.TPMAlgRSASSA,
			Details: tpm2.NewTPMUAsymScheme(tpm2.TPMAlgRSASSA, &tpm2.TPMSSigSchemeRSASSA{HashAlg: hashAlg}),
		}
	case tpm2.TPMAlgRSAPSS:
		scheme = tpm2.TPMTRSAScheme{
			Scheme: tpm2.TPMAlgRSAPSS,
			Details: tpm2.NewTPMUAsymScheme(tpm2.TPMAlgRSAPSS, &tpm2.TPMSSigSchemeRSAPSS{HashAlg: hashAlg}),
		}
	default:
		return tpm2.TPMTPublic{}, agenterr.New(agenterr.KindTPMUnsupported, fmt.Sprintf("unsupported AK signing scheme %v", signAlg))
	}

	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: hashAlg,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			SignEncrypt:         true,
			Restricted:          true,
		},
		Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgRSA, &tpm2.TPMSRSAParms{
			Scheme:  scheme,
			KeyBits: 2048,
		}),
	}, nil
}

// ekPolicySession opens a policy session satisfying the EK's AuthPolicy
// (PolicySecret against the endorsement hierarchy), as required whenever
// the EK is used as a parent handle.
func (a *Adapter) ekPolicySession(tpm transport.TPMCloser) (tpm2.Session, func() error, error) {
	session, closer, err := tpm2.PolicySession(tpm, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, nil, agenterr.Wrap(agenterr.KindTPM, "start EK policy session", err)
	}
	_, err = (tpm2.PolicySecret{
		AuthHandle:    tpm2.TPMRHEndorsement,
		PolicySession: session.Handle(),
		NonceTPM:      session.NonceTPM(),
	}).Execute(tpm)
	if err != nil {
		_ = closer()
		return nil, nil, agenterr.Wrap(agenterr.KindTPM, "satisfy EK policy", err)
	}
	return session, closer, nil
}

// CreateAk creates a new AK under the EK parent.
func (a *Adapter) CreateAk(ek *EkResult, hashAlg, signAlg string) (*AkResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tpm, err := a.open()
	if err != nil {
		return nil, err
	}

	hashID, err := hashAlgID(hashAlg)
	if err != nil {
		return nil, err
	}
	signID, err := signSchemeID(signAlg)
	if err != nil {
		return nil, err
	}

	template, err := akTemplate(hashID, signID)
	if err != nil {
		return nil, err
	}

	ekName, err := ek.Public.Contents()
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "read EK public contents", err)
	}
	_ = ekName

	session, closer, err := a.ekPolicySession(tpm)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer() }()

	rsp, err := (tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: ek.Handle,
			Auth:   session,
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{},
		},
		InPublic: tpm2.New2B(template),
	}).Execute(tpm)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "create AK under EK", err)
	}

	return &AkResult{Public: rsp.OutPublic, Private: rsp.OutPrivate}, nil
}

// LoadAk loads a persisted AK private/public pair under the EK parent and
// returns the live handle.
func (a *Adapter) LoadAk(ek *EkResult, ak *AkResult) (tpm2.TPMHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tpm, err := a.open()
	if err != nil {
		return 0, err
	}

	session, closer, err := a.ekPolicySession(tpm)
	if err != nil {
		return 0, err
	}
	defer func() { _ = closer() }()

	rsp, err := (tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: ek.Handle,
			Auth:   session,
		},
		InPrivate: ak.Private,
		InPublic:  ak.Public,
	}).Execute(tpm)
	if err != nil {
		return 0, agenterr.Wrap(agenterr.KindTPM, "load AK under EK", err)
	}
	return rsp.ObjectHandle, nil
}

// ActivateCredential decrypts the registrar's wrapped challenge, proving
// the AK was created under this EK. Returns the recovered secret.
func (a *Adapter) ActivateCredential(akHandle, ekHandle tpm2.TPMHandle, credentialBlob, encryptedSecret []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tpm, err := a.open()
	if err != nil {
		return nil, err
	}

	akRead, err := (tpm2.ReadPublic{ObjectHandle: akHandle}).Execute(tpm)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "read AK name for activation", err)
	}

	session, closer, err := a.ekPolicySession(tpm)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer() }()

	rsp, err := (tpm2.ActivateCredential{
		ActivateHandle: tpm2.AuthHandle{
			Handle: akHandle,
			Name:   akRead.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		KeyHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Auth:   session,
		},
		CredentialBlob:  tpm2.TPM2BIDObject{Buffer: credentialBlob},
		Secret:          tpm2.TPM2BEncryptedSecret{Buffer: encryptedSecret},
	}).Execute(tpm)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "activate credential", err)
	}

	return rsp.CertInfo.Buffer, nil
}

// QuoteResult is the output of a TPM2_Quote call: the attested structure,
// its signature, and the PCR digest values actually selected.
type QuoteResult struct {
	Quoted    []byte
	Signature []byte
	PCRValues map[uint32][]byte
}

// Quote produces a TPM-signed statement over pcrs under akHandle, with
// nonce as the externally-supplied qualifying data.
func (a *Adapter) Quote(akHandle tpm2.TPMHandle, nonce []byte, pcrs []uint, hashAlg string) (*QuoteResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tpm, err := a.open()
	if err != nil {
		return nil, err
	}

	nameAlg, err := hashAlgID(hashAlg)
	if err != nil {
		return nil, err
	}

	akRead, err := (tpm2.ReadPublic{ObjectHandle: akHandle}).Execute(tpm)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "read AK public for quote", err)
	}

	selection := tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{Hash: nameAlg, PCRSelect: tpm2.PCClientCompatible.PCRs(pcrs...)},
		},
	}

	quote := tpm2.Quote{
		SignHandle: tpm2.AuthHandle{
			Handle: akHandle,
			Name:   akRead.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		QualifyingData: tpm2.TPM2BData{Buffer: nonce},
		InScheme:       tpm2.TPMTSigScheme{Scheme: tpm2.TPMAlgNull},
		PCRSelect:      selection,
	}

	rsp, err := quote.Execute(tpm)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "quote", err)
	}

	quoted, err := rsp.Quoted.Contents()
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "unmarshal quoted structure", err)
	}

	pcrRead, err := (tpm2.PCRRead{PCRSelectionIn: selection}).Execute(tpm)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTPM, "pcr read", err)
	}

	values := make(map[uint32][]byte)
	idx := uint32(0)
	for _, digest := range pcrRead.PCRValues.Digests {
		values[idx] = digest.Buffer
		idx++
	}

	sigBytes := tpm2.Marshal(rsp.Signature)

	return &QuoteResult{
		Quoted:    tpm2.Marshal(quoted),
		Signature: sigBytes,
		PCRValues: values,
	}, nil
}

// Flush releases a transient TPM handle. Persistent handles (including a
// configured persistent EK) must never be passed here.
func (a *Adapter) Flush(handle tpm2.TPMHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tpm, err := a.open()
	if err != nil {
		return err
	}
	if _, err := (tpm2.FlushContext{FlushHandle: handle}).Execute(tpm); err != nil {
		return agenterr.Wrap(agenterr.KindTPM, "flush context", err)
	}
	return nil
}

func signSchemeID(name string) (tpm2.TPMAlgID, error) {
	switch strings.ToLower(name) {
	case "rsassa", "":
		return tpm2.TPMAlgRSASSA, nil
	case "rsapss":
		return tpm2.TPMAlgRSAPSS, nil
	default:
		return 0, agenterr.New(agenterr.KindTPMUnsupported, fmt.Sprintf("unsupported sign algorithm %q", name))
	}
}
