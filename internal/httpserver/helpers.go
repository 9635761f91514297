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
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"strconv"
	"strings"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
)

func marshalPublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, agenterr.New(agenterr.KindIdentity, "node public key is not RSA")
	}
	der := x509.MarshalPKCS1PublicKey(rsaPub)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}), nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// parsePCRMask decodes the mask query parameter (a hex-encoded PCR
// bitmask, e.g. "0x408000", per keylime convention) into the set of PCR
// indices it selects.
func parsePCRMask(s string) ([]uint, error) {
	bits, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return nil, err
	}
	var pcrs []uint
	for i := uint(0); i < 32; i++ {
		if bits&(1<<i) != 0 {
			pcrs = append(pcrs, i)
		}
	}
	return pcrs, nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
