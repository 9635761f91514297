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

// Package securemount provides the secure (in-memory) filesystem
// capability the Payload Runner stages decrypted material into (spec §6
// "Secure mount"). It is an external collaborator per spec.md §1; this
// package supplies the concrete Linux tmpfs implementation the core
// depends on through an interface.
package securemount

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
)

// Mount is the capability the Payload Runner requires: a directory backed
// by memory-only storage, with an unzipped/ subdirectory it can create
// and clear repeatedly.
type Mount interface {
	// Path returns the mount's root directory.
	Path() string
	// UnzippedDir creates (or clears, if it already exists) the
	// unzipped/ subdirectory and returns its path.
	UnzippedDir() (string, error)
	// Chown chowns the mount's root directory to uid:gid; entries
	// already inside it are not changed.
	Chown(uid, gid int) error
	// Unmount tears down the mount. Best-effort; errors are logged, not
	// fatal, since the process is exiting anyway.
	Unmount() error
}

// TmpfsMount is a Linux tmpfs of a configured size at a configured path.
type TmpfsMount struct {
	path    string
	size    string
	mounted bool
}

// NewTmpfs mounts a tmpfs of the given size (e.g. "1m", "100k") at path,
// creating path if necessary.
func NewTmpfs(path, size string) (*TmpfsMount, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, agenterr.Wrap(agenterr.KindIO, "create secure mount directory", err)
	}

	cmd := exec.Command("mount", "-t", "tmpfs", "-o", fmt.Sprintf("size=%s,mode=0700", size), "tmpfs", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, agenterr.Wrap(agenterr.KindIO, fmt.Sprintf("mount tmpfs at %s: %s", path, string(out)), err)
	}

	return &TmpfsMount{path: path, size: size, mounted: true}, nil
}

func (m *TmpfsMount) Path() string { return m.path }

func (m *TmpfsMount) UnzippedDir() (string, error) {
	dir := filepath.Join(m.path, "unzipped")
	if err := os.RemoveAll(dir); err != nil {
		return "", agenterr.Wrap(agenterr.KindIO, "clear unzipped directory", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", agenterr.Wrap(agenterr.KindIO, "create unzipped directory", err)
	}
	return dir, nil
}

func (m *TmpfsMount) Chown(uid, gid int) error {
	if err := os.Chown(m.path, uid, gid); err != nil {
		return agenterr.Wrap(agenterr.KindPermission, "chown secure mount", err)
	}
	return nil
}

func (m *TmpfsMount) Unmount() error {
	if !m.mounted {
		return nil
	}
	cmd := exec.Command("umount", m.path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return agenterr.Wrap(agenterr.KindIO, fmt.Sprintf("unmount %s: %s", m.path, string(out)), err)
	}
	m.mounted = false
	return nil
}
