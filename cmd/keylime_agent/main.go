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

package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
	"github.com/confidentsecurity/keylimeagent/internal/agentlog"
	"github.com/confidentsecurity/keylimeagent/internal/agentstate"
	"github.com/confidentsecurity/keylimeagent/internal/config"
	"github.com/confidentsecurity/keylimeagent/internal/cryptoutil"
	"github.com/confidentsecurity/keylimeagent/internal/httpserver"
	"github.com/confidentsecurity/keylimeagent/internal/identity"
	"github.com/confidentsecurity/keylimeagent/internal/payload"
	"github.com/confidentsecurity/keylimeagent/internal/permissions"
	"github.com/confidentsecurity/keylimeagent/internal/profiling"
	"github.com/confidentsecurity/keylimeagent/internal/quote"
	"github.com/confidentsecurity/keylimeagent/internal/readiness"
	"github.com/confidentsecurity/keylimeagent/internal/regclient"
	"github.com/confidentsecurity/keylimeagent/internal/revocation"
	"github.com/confidentsecurity/keylimeagent/internal/securemount"
	"github.com/confidentsecurity/keylimeagent/internal/tpmdevice"
)

const serviceName = "keylime_agent"

func main() {
	os.Exit(run())
}

func run() int {
	profiling.InitIfEnabled()

	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}
	cfg.ResolveGeneratedUUID()

	agentlog.Setup(cfg.AgentUUID)
	slog.Info("starting keylime agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startup(ctx, cfg); err != nil {
		slog.Error("startup failed", "err", err)
		return 1
	}

	return 0
}

// startup performs the full §5 ordering: TPM Adapter → Identity Store
// reconciliation → Registrar Client register+activate → secure mount →
// privilege drop → HTTP server bind, with the Payload Runner running
// concurrently in the background, joined at shutdown. The optional
// Revocation Listener is not a separate task: the HTTP server calls it
// for each POST to the revocation notification route.
func startup(ctx context.Context, cfg *config.Config) error {
	deviceKind := tpmdevice.Real
	if cfg.TPMSimulate {
		deviceKind = tpmdevice.InMemorySimulator
	}
	device, err := tpmdevice.NewDevice(deviceKind, cfg.TPMDevicePath, cfg.TPMSimulatorCmdAddress, cfg.TPMSimulatorPlatformAddress)
	if err != nil {
		return err
	}

	adapter := tpmdevice.NewAdapter(device, []byte(cfg.TPMOwnerPassword))

	if vendor, err := adapter.GetVendor(); err == nil {
		if tpmdevice.IsSoftwareVendor(vendor) {
			slog.Warn("TPM reports a software vendor string", "vendor", vendor)
		}
	} else {
		slog.Warn("could not query TPM vendor", "err", err)
	}

	ek, err := adapter.CreateEk(cfg.HashAlg, cfg.EKHandle)
	if err != nil {
		return err
	}

	ekPublicBytes := tpm2.Marshal(ek.Public)
	cfg.SetEKDerivedUUID(ekPublicBytes)
	slog.Info("endorsement key ready", "agent_uuid", cfg.AgentUUID)

	store := identity.New(cfg.AgentDataPath, cfg.HashAlg, cfg.SignAlg)
	if err := store.Reconcile(adapter, ek); err != nil {
		return err
	}
	ak, akHandle := store.AK()
	nodeKey := store.NodeKey()
	akPublicBytes := tpm2.Marshal(ak.Public)

	state := agentstate.New(cfg.AgentUUID, cfg.HashAlg, cfg.SignAlg, cfg.EncAlg, adapter, ek, ak, akHandle, nodeKey, cfg.WorkDir)
	defer state.Teardown()
	state.Quotes = quote.New(adapter, cfg.HashAlg, akHandle, akPublicBytes, ek, cfg.IMAMLPath, cfg.MeasuredBootMLPath)

	var mtlsCertDER []byte
	if cfg.MTLSEnabled {
		mtlsCertDER, err = ensureMTLSMaterial(store, nodeKey, cfg.AgentUUID)
		if err != nil {
			return err
		}
	}

	if err := registerAndActivate(ctx, cfg, adapter, ek, akHandle, ekPublicBytes, akPublicBytes, mtlsCertDER); err != nil {
		return err
	}

	mount, err := securemount.NewTmpfs(cfg.WorkDir+"/secure", cfg.SecureSize)
	if err != nil {
		return err
	}
	defer func() {
		if err := mount.Unmount(); err != nil {
			slog.Warn("failed to unmount secure mount", "err", err)
		}
	}()

	if cfg.RunAs != "" {
		id, err := permissions.Resolve(cfg.RunAs)
		if err != nil {
			return err
		}
		if err := mount.Chown(id.UID, id.GID); err != nil {
			return err
		}
		if err := permissions.Drop(id); err != nil {
			return err
		}
	}

	var revoke *revocation.Listener
	if cfg.RevocationActionsDir != "" {
		certPEM, err := os.ReadFile(cfg.RevocationCertPath)
		if err != nil {
			return agenterr.Wrap(agenterr.KindConfiguration, "read revocation cert", err)
		}
		revoke = revocation.New(certPEM, cfg.RevocationActionsDir)
	}

	tlsCfg := httpserver.TLSConfig{
		Enabled: cfg.MTLSEnabled,
		CAPath:  cfg.KeylimeCAPath,
	}
	if cfg.MTLSEnabled {
		tlsCfg.CertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: mtlsCertDER})
		tlsCfg.KeyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(nodeKey)})
	}

	addr := cfg.AgentIP + ":" + strconv.Itoa(cfg.AgentPort)
	server, err := httpserver.New(addr, state, revoke, tlsCfg)
	if err != nil {
		return err
	}

	runner := payload.New(state.Rendezvous, mount, payload.Options{
		MTLSEnabled:           cfg.MTLSEnabled,
		EnableInsecurePayload: cfg.EnableInsecurePayload,
		PayloadScript:         cfg.PayloadScript,
		ExtractPayloadZip:     cfg.ExtractPayloadZip,
		AllowActionList:       cfg.AllowPayloadRevocationActions,
	})

	var wg sync.WaitGroup
	wg.Add(2)

	var serverErr, runnerErr error

	go func() {
		defer wg.Done()
		serverErr = server.ListenAndServe(ctx)
	}()

	go func() {
		defer wg.Done()
		runnerErr = runner.Run(ctx)
		if runnerErr != nil {
			slog.Error("payload runner exited with error", "err", runnerErr)
		}
	}()

	readiness.NotifyReady()

	go func() {
		<-ctx.Done()
		readiness.NotifyStopping()
	}()

	wg.Wait()

	if serverErr != nil {
		return serverErr
	}
	return nil
}

// registerAndActivate implements spec §4.3's two-phase exchange: register
// (which returns a wrapped credential blob), then recover that blob's
// secret with TPM2_ActivateCredential and present its HMAC to activate
// (rust-keylime main.rs: mackey = base64(secret); auth_tag =
// hex(HMAC(mackey, uuid))).
func registerAndActivate(ctx context.Context, cfg *config.Config, adapter *tpmdevice.Adapter, ek *tpmdevice.EkResult, akHandle tpm2.TPMHandle, ekPublicBytes, akPublicBytes []byte, mtlsCertDER []byte) error {
	client := regclient.New(cfg.RegistrarIP, cfg.RegistrarPort)

	req := regclient.RegisterRequest{
		EKTpm:       base64.StdEncoding.EncodeToString(ekPublicBytes),
		AIKTpm:      base64.StdEncoding.EncodeToString(akPublicBytes),
		ContactIP:   cfg.AgentContactIP,
		ContactPort: cfg.AgentContactPort,
	}
	if ek.Certificate != nil {
		req.EKCert = base64.StdEncoding.EncodeToString(ek.Certificate)
	}
	if mtlsCertDER != nil {
		req.MTLSCert = base64.StdEncoding.EncodeToString(mtlsCertDER)
	}

	blob, err := client.Register(ctx, cfg.AgentUUID, req)
	if err != nil {
		return err
	}

	// blob packs TPM2B_ID_OBJECT || TPM2B_ENCRYPTED_SECRET, per the
	// registrar's wrapping of the ActivateCredential inputs.
	credentialBlob, err := tpm2.Unmarshal[tpm2.TPM2BIDObject](blob)
	if err != nil {
		return err
	}
	rest := blob[len(tpm2.Marshal(*credentialBlob)):]
	encryptedSecret, err := tpm2.Unmarshal[tpm2.TPM2BEncryptedSecret](rest)
	if err != nil {
		return err
	}

	secret, err := adapter.ActivateCredential(akHandle, ek.Handle, credentialBlob.Buffer, encryptedSecret.Buffer)
	if err != nil {
		return err
	}

	authTag := hex.EncodeToString(cryptoutil.ComputeHMAC(secret, []byte(cfg.AgentUUID)))
	if err := client.Activate(ctx, cfg.AgentUUID, authTag); err != nil {
		return err
	}

	slog.Info("registration complete")
	return nil
}

// ensureMTLSMaterial returns a persisted mTLS certificate, self-issuing and
// persisting one on first startup (spec §3 IdentityCertificate).
func ensureMTLSMaterial(store *identity.Store, nodeKey *rsa.PrivateKey, agentUUID string) ([]byte, error) {
	if existing := store.MTLSCert(); len(existing) > 0 {
		return existing, nil
	}

	cert, err := cryptoutil.SelfIssueCertificate(nodeKey, agentUUID)
	if err != nil {
		return nil, err
	}
	if err := store.SetMTLSCert(cert); err != nil {
		return nil, err
	}
	return cert, nil
}
