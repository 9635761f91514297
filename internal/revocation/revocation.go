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

// Package revocation is the optional Revocation Listener (spec §4.8): a
// feature-gated capability that verifies and dispatches revocation
// events to action scripts in lexical order.
package revocation

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
)

// Listener dispatches verified revocation events to scripts in
// actionsDir.
type Listener struct {
	revocationCertPEM []byte
	actionsDir        string
}

// New builds a Listener. revocationCertPEM verifies event signatures;
// actionsDir is scanned in lexical order on each event.
func New(revocationCertPEM []byte, actionsDir string) *Listener {
	return &Listener{revocationCertPEM: revocationCertPEM, actionsDir: actionsDir}
}

// Event is the structured payload delivered to each action script on
// stdin.
type Event struct {
	Raw       []byte // the original JSON event body
	Signature []byte
}

// Deliver verifies the event's signature against the configured
// revocation cert, then runs every script under actionsDir in lexical
// order with the event JSON on stdin. Script failures are logged by the
// caller and do not stop subsequent actions (spec §4.8).
func (l *Listener) Deliver(event Event) error {
	if err := l.verify(event); err != nil {
		return err
	}

	entries, err := os.ReadDir(l.actionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return agenterr.Wrap(agenterr.KindIO, "list revocation actions", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := l.runAction(filepath.Join(l.actionsDir, name), event.Raw); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (l *Listener) verify(event Event) error {
	block, _ := pem.Decode(l.revocationCertPEM)
	if block == nil {
		return agenterr.New(agenterr.KindConfiguration, "revocation cert is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return agenterr.Wrap(agenterr.KindConfiguration, "parse revocation cert", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return agenterr.New(agenterr.KindConfiguration, "revocation cert does not carry an RSA public key")
	}

	digest := sha256.Sum256(event.Raw)
	if err := rsa.VerifyPKCS1v15(pub, 0, digest[:], event.Signature); err != nil {
		return agenterr.Wrap(agenterr.KindBadRequest, "revocation event signature invalid", err)
	}
	return nil
}

func (l *Listener) runAction(scriptPath string, eventJSON []byte) error {
	cmd := exec.Command(scriptPath)
	cmd.Stdin = bytes.NewReader(eventJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return agenterr.Wrap(agenterr.KindIO, fmt.Sprintf("revocation action %s failed: %s", scriptPath, stderr.String()), err)
	}
	return nil
}
