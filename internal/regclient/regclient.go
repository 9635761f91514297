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

// Package regclient is the Registrar Client (spec §4.3): the two-phase
// register + activate HTTP exchange with the central registrar. Both
// calls are fatal on failure and are never retried by this component.
package regclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
)

// Client talks to the registrar over plain HTTP/JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client addressing registrarIP:registrarPort.
func New(registrarIP string, registrarPort int) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", registrarIP, registrarPort),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Status  string          `json:"status"`
	Results json.RawMessage `json:"results"`
}

// RegisterRequest is the §6 register wire payload.
type RegisterRequest struct {
	EKTpm       string `json:"ek_tpm"`
	EKCert      string `json:"ekcert,omitempty"`
	AIKTpm      string `json:"aik_tpm"`
	MTLSCert    string `json:"mtls_cert,omitempty"`
	ContactIP   string `json:"ip"`
	ContactPort int    `json:"port"`
}

type registerResults struct {
	Blob string `json:"blob"`
}

// Register performs the register call and returns the base64-decoded
// wrapped credential activation blob.
func (c *Client) Register(ctx context.Context, uuid string, req RegisterRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindRegistration, "marshal register request", err)
	}

	url := fmt.Sprintf("%s/v2.1/agents/%s", c.baseURL, uuid)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindRegistration, "build register request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindRegistration, "register request failed", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, agenterr.Wrap(agenterr.KindRegistration, "decode register response", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, agenterr.New(agenterr.KindRegistration, fmt.Sprintf("register returned %d: %s", resp.StatusCode, env.Status))
	}

	var results registerResults
	if err := json.Unmarshal(env.Results, &results); err != nil {
		return nil, agenterr.Wrap(agenterr.KindRegistration, "decode register results", err)
	}

	blob, err := base64.StdEncoding.DecodeString(results.Blob)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindRegistration, "base64 decode credential blob", err)
	}
	return blob, nil
}

// Activate performs the activate call with the hex-encoded auth tag.
func (c *Client) Activate(ctx context.Context, uuid string, authTag string) error {
	body, err := json.Marshal(map[string]string{"auth_tag": authTag})
	if err != nil {
		return agenterr.Wrap(agenterr.KindRegistration, "marshal activate request", err)
	}

	url := fmt.Sprintf("%s/v2.1/agents/%s/activate", c.baseURL, uuid)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return agenterr.Wrap(agenterr.KindRegistration, "build activate request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return agenterr.Wrap(agenterr.KindRegistration, "activate request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return agenterr.New(agenterr.KindRegistration, fmt.Sprintf("activate returned %d", resp.StatusCode))
	}
	return nil
}
