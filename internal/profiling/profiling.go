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

// Package profiling exposes an opt-in pprof/fgprof endpoint for the agent.
package profiling

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- profiling endpoint is opt-in and loopback-only
	"os"
	"strings"
	"time"

	"github.com/felixge/fgprof"
)

// EnvVar is the environment variable that, when set to "1" or "true",
// turns on the profiling listener.
const EnvVar = "KEYLIME_AGENT_PROFILE"

// DefaultPort is the loopback port the profiler listens on when enabled.
const DefaultPort = "6059"

// InitIfEnabled starts a loopback-only pprof/fgprof server if EnvVar is set.
func InitIfEnabled() {
	enabled := os.Getenv(EnvVar)
	if enabled != "1" && !strings.EqualFold(enabled, "true") {
		return
	}

	http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())
	go func() {
		server := &http.Server{
			Addr:         "localhost:" + DefaultPort,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		slog.Error("profiler server exited", "err", server.ListenAndServe())
	}()
}
