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

// Package agenterr defines the agent's error taxonomy and how each kind
// maps onto the HTTP envelope.
package agenterr

import "fmt"

// Kind classifies an agent error for the purposes of HTTP status mapping
// and startup fatality decisions.
type Kind int

const (
	// if adding a new kind, insert it at the end to avoid shifting the
	// value of existing kinds.
	KindGeneric Kind = iota
	KindConfiguration
	KindTPM
	KindTPMUnsupported
	KindTPMAuthRequired
	KindTPMTransient
	KindRegistration
	KindIdentity
	KindDecrypt
	KindIO
	KindPermission
	KindBadRequest
	KindNotFound
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "Generic"
	case KindConfiguration:
		return "Configuration"
	case KindTPM:
		return "TPM"
	case KindTPMUnsupported:
		return "TPMUnsupported"
	case KindTPMAuthRequired:
		return "TPMAuthRequired"
	case KindTPMTransient:
		return "TPMTransient"
	case KindRegistration:
		return "Registration"
	case KindIdentity:
		return "Identity"
	case KindDecrypt:
		return "Decrypt"
	case KindIO:
		return "Io"
	case KindPermission:
		return "Permission"
	case KindBadRequest:
		return "BadRequest"
	case KindNotFound:
		return "NotFound"
	case KindNotReady:
		return "NotReady"
	default:
		return "Unknown"
	}
}

// HTTPStatus returns the status code the HTTP surface uses for this kind.
// Kinds that are never surfaced over HTTP (Configuration, Io, Permission,
// TPM, Registration, Identity) fall back to 500 since reaching a handler
// with one of those kinds indicates a bug rather than bad caller input.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest, KindNotReady:
		return 400
	case KindNotFound:
		return 404
	default:
		return 500
	}
}

// Error is the agent's error type. It wraps an underlying cause with a
// Kind so callers at the HTTP boundary and the startup path can branch on
// classification without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that wraps cause. If cause is nil, Wrap returns nil
// so call sites can do `return agenterr.Wrap(KindIo, "...", err)` directly
// after an `if err != nil` check without a redundant nil check.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Fatal reports whether an error of this kind should abort the startup
// path (§7: Configuration/TPM/Registration/Io/Permission are fatal on
// startup; Identity and Decrypt are not).
func (k Kind) Fatal() bool {
	switch k {
	case KindConfiguration, KindTPM, KindTPMUnsupported, KindTPMAuthRequired, KindTPMTransient,
		KindRegistration, KindIO, KindPermission:
		return true
	default:
		return false
	}
}
