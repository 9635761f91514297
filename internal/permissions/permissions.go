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

// Package permissions implements the privilege-drop capability (spec §9:
// "Privilege drop happens after secure-mount is created ... but before
// the HTTP server binds").
package permissions

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
)

// Identity is a resolved run_as user:group pair.
type Identity struct {
	UID int
	GID int
}

// Resolve parses a "user:group" spec into numeric uid/gid.
func Resolve(runAs string) (Identity, error) {
	parts := strings.SplitN(runAs, ":", 2)
	if len(parts) != 2 {
		return Identity{}, agenterr.New(agenterr.KindConfiguration, fmt.Sprintf("run_as must be user:group, got %q", runAs))
	}

	uid, err := lookupUID(parts[0])
	if err != nil {
		return Identity{}, agenterr.Wrap(agenterr.KindConfiguration, "resolve run_as user", err)
	}
	gid, err := lookupGID(parts[1])
	if err != nil {
		return Identity{}, agenterr.Wrap(agenterr.KindConfiguration, "resolve run_as group", err)
	}

	return Identity{UID: uid, GID: gid}, nil
}

func lookupUID(name string) (int, error) {
	if u, err := user.Lookup(name); err == nil {
		return strconv.Atoi(u.Uid)
	}
	return strconv.Atoi(name)
}

func lookupGID(name string) (int, error) {
	if g, err := user.LookupGroup(name); err == nil {
		return strconv.Atoi(g.Gid)
	}
	return strconv.Atoi(name)
}

// Drop sets the process's group and user IDs to id. Must be called with
// root privileges, after any root-owned setup (e.g. secure mount
// creation) and before any subsequent network bind.
func Drop(id Identity) error {
	if err := syscall.Setgid(id.GID); err != nil {
		return agenterr.Wrap(agenterr.KindPermission, "setgid", err)
	}
	if err := syscall.Setuid(id.UID); err != nil {
		return agenterr.Wrap(agenterr.KindPermission, "setuid", err)
	}
	return nil
}
