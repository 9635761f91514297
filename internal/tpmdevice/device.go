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

// Package tpmdevice is the TPM Adapter (spec §4.1): it owns the single TPM
// context, derives EK/AK material, performs credential activation and
// quoting, and serializes every caller onto one mutex.
package tpmdevice

import (
	"fmt"
	"log/slog"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/simulator"
	"github.com/google/go-tpm/tpmutil"
	"github.com/google/go-tpm/tpmutil/mssim"
)

// Kind selects which physical or simulated TPM backs the adapter.
type Kind int

const (
	Real Kind = iota
	Simulator
	InMemorySimulator
)

func (k Kind) String() string {
	switch k {
	case Real:
		return "Real"
	case Simulator:
		return "Simulator"
	case InMemorySimulator:
		return "InMemorySimulator"
	default:
		return "Unknown"
	}
}

// Device opens and closes the underlying TPM transport. Implementations
// must be safe to call OpenDevice on repeatedly; the first call opens the
// transport and subsequent calls return the same handle.
type Device interface {
	OpenDevice() (transport.TPMCloser, error)
	Close() error
}

// RealDevice talks to a TPM resource manager character device, e.g.
// /dev/tpmrm0.
type RealDevice struct {
	path   string
	handle *transport.TPMCloser
}

func NewRealDevice(path string) *RealDevice {
	return &RealDevice{path: path}
}

func (d *RealDevice) OpenDevice() (transport.TPMCloser, error) {
	if d.handle != nil {
		return *d.handle, nil
	}
	rwc, err := tpmutil.OpenTPM(d.path)
	if err != nil {
		return nil, fmt.Errorf("open tpm device %s: %w", d.path, err)
	}
	slog.Info("using real TPM", "path", d.path)
	tpm := transport.FromReadWriteCloser(rwc)
	d.handle = &tpm
	return tpm, nil
}

func (d *RealDevice) Close() error {
	if d.handle != nil {
		return (*d.handle).Close()
	}
	return nil
}

// SimulatorDevice talks to an out-of-process Microsoft TPM simulator over
// its command/platform sockets. Used for development and CI.
type SimulatorDevice struct {
	commandAddress  string
	platformAddress string
	handle          *transport.TPMCloser
}

func NewSimulatorDevice(commandAddress, platformAddress string) *SimulatorDevice {
	return &SimulatorDevice{commandAddress: commandAddress, platformAddress: platformAddress}
}

func (d *SimulatorDevice) OpenDevice() (transport.TPMCloser, error) {
	if d.handle != nil {
		return *d.handle, nil
	}
	rwc, err := mssim.Open(mssim.Config{
		CommandAddress:  d.commandAddress,
		PlatformAddress: d.platformAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("open tpm simulator: %w", err)
	}
	slog.Info("using simulated TPM (mssim)")
	tpm := transport.FromReadWriteCloser(rwc)
	d.handle = &tpm
	return tpm, nil
}

func (d *SimulatorDevice) Close() error {
	if d.handle != nil {
		return (*d.handle).Close()
	}
	return nil
}

// InMemoryDevice is an in-process TPM simulator with no external process or
// sockets, used by tests.
type InMemoryDevice struct {
	handle *transport.TPMCloser
}

func NewInMemoryDevice() *InMemoryDevice {
	return &InMemoryDevice{}
}

func (d *InMemoryDevice) OpenDevice() (transport.TPMCloser, error) {
	if d.handle != nil {
		return *d.handle, nil
	}
	tpm, err := simulator.OpenSimulator()
	if err != nil {
		return nil, fmt.Errorf("open in-memory tpm simulator: %w", err)
	}
	slog.Info("using in-memory TPM simulator")
	d.handle = &tpm
	return tpm, nil
}

func (d *InMemoryDevice) Close() error {
	if d.handle != nil {
		return (*d.handle).Close()
	}
	return nil
}

// NewDevice constructs the Device implementation selected by kind.
func NewDevice(kind Kind, devicePath, commandAddress, platformAddress string) (Device, error) {
	switch kind {
	case Real:
		return NewRealDevice(devicePath), nil
	case Simulator:
		return NewSimulatorDevice(commandAddress, platformAddress), nil
	case InMemorySimulator:
		return NewInMemoryDevice(), nil
	default:
		return nil, fmt.Errorf("invalid tpm device kind: %v", kind)
	}
}
