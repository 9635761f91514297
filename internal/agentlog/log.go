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

// Package agentlog sets up the agent's structured logger.
package agentlog

import (
	"log/slog"
	"os"
	"strings"
	"time"

	slogenv "github.com/cbrewster/slog-env"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Setup configures the default slog logger for the agent process, falling
// back to the INFO level if the GO_LOG environment variable is not set.
// Format defaults to text on a terminal and JSON otherwise; both can be
// forced with LOG_FORMAT.
func Setup(agentUUID string) {
	replacer := func(_ []string, a slog.Attr) slog.Attr {
		if err, ok := a.Value.Any().(error); ok {
			aErr := tint.Err(err)
			aErr.Key = a.Key
			return aErr
		}
		return a
	}

	defaultFormat := "text"
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		defaultFormat = "json"
	}

	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = defaultFormat
	}

	addSource := strings.ToLower(os.Getenv("LOG_SOURCE")) == "true" || os.Getenv("LOG_SOURCE") == "1"
	handlerOptions := slog.HandlerOptions{AddSource: addSource, ReplaceAttr: replacer}

	slogenvOptions := []slogenv.Opt{slogenv.WithDefaultLevel(slog.LevelInfo)}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slogenv.NewHandler(tint.NewHandler(os.Stderr, &tint.Options{
			TimeFormat:  time.TimeOnly,
			ReplaceAttr: handlerOptions.ReplaceAttr,
			AddSource:   handlerOptions.AddSource,
			NoColor:     !isatty.IsTerminal(os.Stderr.Fd()),
		}), slogenvOptions...)
	default:
		handler = slogenv.NewHandler(slog.NewJSONHandler(os.Stderr, &handlerOptions), slogenvOptions...)
	}

	logger := slog.New(handler).With("agent_uuid", agentUUID)
	slog.SetDefault(logger)
	slog.Debug("logger initialized", "format", format)
}
