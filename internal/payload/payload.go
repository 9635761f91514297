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

// Package payload is the Payload Runner (spec §4.6): it waits on the Key
// Rendezvous, decrypts the payload, stages it into the secure mount, and
// runs the optional init script and action-list chmod pass.
package payload

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
	"github.com/confidentsecurity/keylimeagent/internal/cryptoutil"
	"github.com/confidentsecurity/keylimeagent/internal/rendezvous"
	"github.com/confidentsecurity/keylimeagent/internal/securemount"
)

const (
	keyFilename        = "derived_tci_key"
	decPayloadFilename = "decrypted_payload"
	actionListFilename = "action_list"
)

// Options configures a single run of the Payload Runner.
type Options struct {
	MTLSEnabled           bool
	EnableInsecurePayload bool

	PayloadScript     string
	ExtractPayloadZip bool

	// AllowActionList gates the action_list chmod pass (spec §4.6 step
	// 7): whether the payload itself may designate scripts under
	// unzipped/ as revocation actions (config
	// allow_payload_revocation_actions).
	AllowActionList bool

	Extract func(archive []byte, destDir string) error
}

// Runner executes the Payload Runner procedure exactly once per process.
type Runner struct {
	rendezvous *rendezvous.Rendezvous
	mount      securemount.Mount
	opts       Options
}

// New builds a Runner bound to the given rendezvous and secure mount.
func New(r *rendezvous.Rendezvous, mount securemount.Mount, opts Options) *Runner {
	return &Runner{rendezvous: r, mount: mount, opts: opts}
}

// Run blocks on the Key Rendezvous, then performs the release procedure.
// It returns only once: after materializing the payload (success or
// Decrypt failure) or after refusing to run under the mTLS guard. Errors
// returned here are logged by the caller and do not tear down the HTTP
// server (spec §7).
func (r *Runner) Run(ctx context.Context) error {
	if !r.opts.MTLSEnabled && !r.opts.EnableInsecurePayload {
		slog.Warn("mTLS disabled, skipping payload release")
		return nil
	}

	symmKey, err := r.rendezvous.WaitForKey(ctx)
	if err != nil {
		return err
	}

	ciphertext := r.rendezvous.Ciphertext()
	plaintext, err := cryptoutil.DecryptAEAD(symmKey, ciphertext)
	if err != nil {
		slog.Error("payload decryption failed, payload not released", "err", err)
		return err
	}
	slog.Info("payload decrypted successfully")

	unzippedDir, err := r.mount.UnzippedDir()
	if err != nil {
		return err
	}

	if err := writeFileExact(filepath.Join(unzippedDir, keyFilename), symmKey); err != nil {
		return err
	}
	if err := writeFileExact(filepath.Join(unzippedDir, decPayloadFilename), plaintext); err != nil {
		return err
	}
	slog.Info("wrote payload decryption key and decrypted payload", "dir", unzippedDir)

	if r.opts.ExtractPayloadZip && r.opts.Extract != nil {
		if err := r.opts.Extract(plaintext, unzippedDir); err != nil {
			return agenterr.Wrap(agenterr.KindIO, "extract payload archive", err)
		}
	}

	if r.opts.PayloadScript != "" {
		r.runInitScript(unzippedDir)
	}

	if r.opts.AllowActionList {
		if err := chmodActionList(unzippedDir, filepath.Join(unzippedDir, actionListFilename)); err != nil {
			return err
		}
	}

	return nil
}

// writeFileExact writes data to path and fails if the number of bytes
// written doesn't match len(data) (spec §4.6: "Short writes are errors").
func writeFileExact(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return agenterr.Wrap(agenterr.KindIO, fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	n, err := f.Write(data)
	if err != nil {
		return agenterr.Wrap(agenterr.KindIO, fmt.Sprintf("write %s", path), err)
	}
	if n != len(data) {
		return agenterr.New(agenterr.KindIO, fmt.Sprintf("short write to %s: wrote %d of %d bytes", path, n, len(data)))
	}
	return nil
}

// runInitScript chmods the script to 0700 and runs it via a shell with
// cwd = unzippedDir and a sanitized environment. Exit status is logged
// but not fatal (spec §4.6 step 6).
func (r *Runner) runInitScript(unzippedDir string) {
	scriptPath := filepath.Join(unzippedDir, r.opts.PayloadScript)
	if _, err := os.Stat(scriptPath); err != nil {
		slog.Warn("payload_script configured but not present under unzipped/, skipping", "script", r.opts.PayloadScript)
		return
	}

	if err := os.Chmod(scriptPath, 0700); err != nil {
		slog.Error("failed to chmod payload init script", "err", err)
		return
	}

	cmd := exec.Command("sh", "-c", "./"+r.opts.PayloadScript)
	cmd.Dir = unzippedDir
	cmd.Env = sanitizedEnv(unzippedDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	slog.Info("payload init script finished", "script", r.opts.PayloadScript, "err", err, "stdout", stdout.String(), "stderr", stderr.String())
}

// sanitizedEnv strips the process environment down to a minimal,
// predictable set plus the script's working directory, to avoid leaking
// agent secrets into tenant-supplied scripts.
func sanitizedEnv(workDir string) []string {
	return []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + workDir,
		"PWD=" + workDir,
	}
}

// chmodActionList chmods each script listed in actionListPath to 0700.
// Missing scripts are skipped; chmod failures are fatal (spec §4.6 step
// 7).
func chmodActionList(unzippedDir, actionListPath string) error {
	f, err := os.Open(actionListPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return agenterr.Wrap(agenterr.KindIO, "open action_list", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := scanner.Text()
		if name == "" {
			continue
		}
		path := filepath.Join(unzippedDir, name)
		if _, err := os.Stat(path); err != nil {
			slog.Warn("action_list entry missing, skipping", "script", name)
			continue
		}
		if err := os.Chmod(path, 0700); err != nil {
			return agenterr.Wrap(agenterr.KindPermission, fmt.Sprintf("chmod action_list entry %s", name), err)
		}
	}
	if err := scanner.Err(); err != nil {
		return agenterr.Wrap(agenterr.KindIO, "read action_list", err)
	}
	return nil
}
