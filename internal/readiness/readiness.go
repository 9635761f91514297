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

// Package readiness signals systemd that the agent has finished its
// startup sequence (register/activate complete, HTTP surface about to
// bind). It is a no-op outside a systemd unit with Type=notify.
package readiness

import (
	"log/slog"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady tells systemd the service is up, matching the point
// spec.md §5 calls "the HTTP server binds": registration has already
// happened, the secure mount exists, and privileges have been dropped.
func NotifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("sd_notify failed", "err", err)
		return
	}
	if sent {
		slog.Debug("sent sd_notify READY=1")
	}
}

// NotifyStopping tells systemd the service is beginning graceful
// shutdown.
func NotifyStopping() {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		slog.Warn("sd_notify stopping failed", "err", err)
	}
}
