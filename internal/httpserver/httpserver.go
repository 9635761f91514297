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

// Package httpserver is the HTTP Surface (spec §4.7): versioned routes,
// the uniform JSON envelope, and optional mTLS binding.
package httpserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/confidentsecurity/keylimeagent/internal/agentstate"
	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
	"github.com/confidentsecurity/keylimeagent/internal/quote"
	"github.com/confidentsecurity/keylimeagent/internal/revocation"
)

// APIVersion is the supported API version segment in every route.
const APIVersion = "v2.1"

type envelope struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Results any    `json:"results,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, code int, status string, results any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Status: status, Results: results})
}

func writeError(w http.ResponseWriter, err error) {
	var agentErr *agenterr.Error
	status := http.StatusInternalServerError
	message := "internal error"
	if errors.As(err, &agentErr) {
		status = agentErr.Kind.HTTPStatus()
		message = agentErr.Error()
	}
	slog.Error("request failed", "err", err, "status", status)
	writeEnvelope(w, status, message, nil)
}

// TLSConfig describes the optional mTLS binding (spec §4.7).
type TLSConfig struct {
	Enabled    bool
	CAPath     string
	CertPEM    []byte
	KeyPEM     []byte
}

// Server is the agent's HTTP Surface.
type Server struct {
	state     *agentstate.State
	revoke    *revocation.Listener
	server    *http.Server
}

// New builds a Server bound to addr, wired to state and (optionally) a
// Revocation Listener.
func New(addr string, state *agentstate.State, revoke *revocation.Listener, tlsCfg TLSConfig) (*Server, error) {
	mux := http.NewServeMux()
	s := &Server{state: state, revoke: revoke}

	prefix := "/" + APIVersion
	mux.HandleFunc("GET "+prefix+"/keys/pubkey", s.handlePubkey)
	mux.HandleFunc("POST "+prefix+"/keys/ukey", s.handleUkey)
	mux.HandleFunc("POST "+prefix+"/keys/vkey", s.handleVkey)
	mux.HandleFunc("GET "+prefix+"/keys/verify", s.handleVerify)
	mux.HandleFunc("GET "+prefix+"/quotes/identity", s.handleIdentityQuote)
	mux.HandleFunc("GET "+prefix+"/quotes/integrity", s.handleIntegrityQuote)
	mux.HandleFunc("POST "+prefix+"/notifications/revocation", s.handleRevocation)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("/", s.handleNotFound)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if tlsCfg.Enabled {
		tlsConfig, err := buildTLSConfig(tlsCfg)
		if err != nil {
			return nil, err
		}
		httpServer.TLSConfig = tlsConfig
	}

	s.server = httpServer
	return s, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(cfg.CertPEM, cfg.KeyPEM)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfiguration, "load mTLS identity certificate", err)
	}

	caPool := x509.NewCertPool()
	caBytes, err := readFile(cfg.CAPath)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfiguration, "read keylime CA", err)
	}
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, agenterr.New(agenterr.KindConfiguration, "keylime CA file contains no usable certificates")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ListenAndServe binds and serves until ctx is canceled, then performs a
// graceful shutdown (spec §5: "server handle is signaled to stop
// gracefully; in-flight requests drain").
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.server.TLSConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePubkey(w http.ResponseWriter, _ *http.Request) {
	pub, err := marshalPublicKeyPEM(s.state.NodeKey.Public())
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "Success", map[string]string{"pubkey": string(pub)})
}

type ukeyRequest struct {
	UUID             string `json:"uuid"`
	U                string `json:"encrypted_key"`
	AuthTag          string `json:"auth_tag"`
	EncryptedPayload string `json:"payload"`
}

func (s *Server) handleUkey(w http.ResponseWriter, r *http.Request) {
	var req ukeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "decode ukey request", err))
		return
	}

	u, err := base64.StdEncoding.DecodeString(req.U)
	if err != nil {
		writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "decode u half", err))
		return
	}
	authTag, err := decodeHex(req.AuthTag)
	if err != nil {
		writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "decode auth_tag", err))
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.EncryptedPayload)
	if err != nil {
		writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "decode encrypted payload", err))
		return
	}

	s.state.Rendezvous.PutU(req.UUID, u, authTag, ciphertext)
	writeEnvelope(w, http.StatusOK, "Success", nil)
}

type vkeyRequest struct {
	UUID string `json:"uuid"`
	V    string `json:"encrypted_key"`
}

func (s *Server) handleVkey(w http.ResponseWriter, r *http.Request) {
	var req vkeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "decode vkey request", err))
		return
	}

	v, err := base64.StdEncoding.DecodeString(req.V)
	if err != nil {
		writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "decode v half", err))
		return
	}

	s.state.Rendezvous.PutV(req.UUID, v)
	writeEnvelope(w, http.StatusOK, "Success", nil)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("challenge")
	mac, err := s.state.Rendezvous.Verify([]byte(challenge))
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "Success", map[string]string{"hmac": hexEncode(mac)})
}

func (s *Server) handleIdentityQuote(w http.ResponseWriter, r *http.Request) {
	nonce := r.URL.Query().Get("nonce")
	result, err := s.state.Quotes.Identity([]byte(nonce))
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "Success", map[string]any{
		"quote":     base64.StdEncoding.EncodeToString(result.Quote),
		"signature": base64.StdEncoding.EncodeToString(result.Signature),
		"ak_pub":    base64.StdEncoding.EncodeToString(result.AkPublic),
		"ek_pub":    base64.StdEncoding.EncodeToString(result.EkPublic),
		"ek_cert":   base64.StdEncoding.EncodeToString(result.EkCert),
	})
}

func (s *Server) handleIntegrityQuote(w http.ResponseWriter, r *http.Request) {
	nonce := r.URL.Query().Get("nonce")

	opts := quote.IntegrityOptions{Nonce: []byte(nonce)}
	if mask := r.URL.Query().Get("mask"); mask != "" {
		pcrs, err := parsePCRMask(mask)
		if err != nil {
			writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "parse mask", err))
			return
		}
		opts.PCRMask = pcrs
	}
	if start := r.URL.Query().Get("ima_start_index"); start != "" {
		v, err := parseInt64(start)
		if err != nil {
			writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "parse ima_start_index", err))
			return
		}
		opts.IMAStartIndex = &v
	}
	opts.IncludeMeasuredBoot = r.URL.Query().Get("include_measured_boot") == "true"

	result, err := s.state.Quotes.Integrity(opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "Success", map[string]any{
		"quote":                base64.StdEncoding.EncodeToString(result.Quote),
		"signature":            base64.StdEncoding.EncodeToString(result.Signature),
		"ima_delta":            base64.StdEncoding.EncodeToString(result.IMADelta),
		"ima_next_index":       result.IMANextOffset,
		"measured_boot":        base64.StdEncoding.EncodeToString(result.MeasuredBoot),
	})
}

func (s *Server) handleRevocation(w http.ResponseWriter, r *http.Request) {
	if s.revoke == nil {
		writeError(w, agenterr.New(agenterr.KindNotFound, "revocation listener not enabled"))
		return
	}

	var body struct {
		Event     json.RawMessage `json:"event"`
		Signature string          `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "decode revocation event", err))
		return
	}
	sig, err := base64.StdEncoding.DecodeString(body.Signature)
	if err != nil {
		writeError(w, agenterr.Wrap(agenterr.KindBadRequest, "decode revocation signature", err))
		return
	}

	if err := s.revoke.Deliver(revocation.Event{Raw: body.Event, Signature: sig}); err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "Success", nil)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeEnvelope(w, http.StatusOK, "Success", map[string]string{"version": APIVersion})
}

var routePattern = regexp.MustCompile(`^/(v[0-9]+(?:\.[0-9]+)?)/([^/]+)`)

// scopeNotFoundMessages mirrors the original errors_handler's per-scope
// default responses (quotes_handler/keys_handler/notifications_handler),
// distinct from the version-mismatch case below.
var scopeNotFoundMessages = map[string]string{
	"keys":          "invalid keys request",
	"quotes":        "invalid quotes request",
	"notifications": "invalid notifications request",
}

// handleNotFound distinguishes an unsupported API version from an
// unknown route under a supported version, and gives scope-specific
// bodies for the latter (spec §4.7; original errors_handler::
// version_not_supported vs. each handler's own default).
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	m := routePattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		writeEnvelope(w, http.StatusNotFound, "Not Found", nil)
		return
	}

	version, scope := m[1], m[2]
	if version != APIVersion {
		writeEnvelope(w, http.StatusNotFound, fmt.Sprintf("API version %s not supported, supported version is %s", version, APIVersion), nil)
		return
	}

	if msg, ok := scopeNotFoundMessages[scope]; ok {
		writeEnvelope(w, http.StatusNotFound, msg, nil)
		return
	}
	writeEnvelope(w, http.StatusNotFound, "Not Found", nil)
}
