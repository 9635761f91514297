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

// Package measurementlog reads the host's append-only IMA and measured
// boot logs incrementally from a caller-supplied offset, returning the
// new end-of-file offset so the Quote Service can serve deltas (spec §3
// ImaMeasurementList/MeasuredBootLog, §4.5). No offset is kept between
// calls.
package measurementlog

import (
	"io"
	"os"
	"sync"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
)

// Log wraps one append-only measurement file with its own mutex, held
// across the duration of a single read (spec §5).
type Log struct {
	mu   sync.Mutex
	path string
}

// New does not open path; each Delta call opens the file afresh. A Log
// for a path that does not exist yet is valid and simply returns an
// empty delta.
func New(path string) *Log {
	return &Log{path: path}
}

// Delta returns the bytes appended to the file since startOffset, along
// with the new end-of-file offset the caller should pass as the next
// startOffset (spec §4.5: "the new EOF offset so the client can chain
// future requests").
func (l *Log) Delta(startOffset int64) ([]byte, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, startOffset, nil
		}
		return nil, 0, agenterr.Wrap(agenterr.KindIO, "open measurement log", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, agenterr.Wrap(agenterr.KindIO, "stat measurement log", err)
	}
	size := info.Size()

	if startOffset < 0 || startOffset > size {
		startOffset = 0
	}

	if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
		return nil, 0, agenterr.Wrap(agenterr.KindIO, "seek measurement log", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, 0, agenterr.Wrap(agenterr.KindIO, "read measurement log", err)
	}

	return data, size, nil
}

// Full reads the entire file from the beginning, equivalent to
// Delta(0) without the caller needing to know the convention.
func (l *Log) Full() ([]byte, int64, error) {
	return l.Delta(0)
}
