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

// Package config loads the agent's configuration from a YAML file, with
// flag and environment overrides, and performs the startup-time
// normalization spec.md §4.2/§6 requires (hash_ek UUID derivation, path
// canonicalization).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/confidentsecurity/keylimeagent/internal/agenterr"
)

// HashEKSentinel is the literal agent_uuid value that requests UUID
// derivation from the EK public area instead of a fixed/random UUID.
const HashEKSentinel = "hash_ek"

// GenerateSentinel is the literal agent_uuid value that requests a random
// UUID be minted once at startup instead of derived from the EK or fixed
// in config.
const GenerateSentinel = "generate"

// Config is the agent's full runtime configuration (spec.md §6 "recognized
// options").
type Config struct {
	AgentUUID string `yaml:"agent_uuid"`

	AgentIP            string `yaml:"agent_ip"`
	AgentPort          int    `yaml:"agent_port"`
	AgentContactIP     string `yaml:"agent_contact_ip"`
	AgentContactPort   int    `yaml:"agent_contact_port"`
	RegistrarIP        string `yaml:"registrar_ip"`
	RegistrarPort      int    `yaml:"registrar_port"`

	MTLSEnabled          bool   `yaml:"mtls_enabled"`
	EnableInsecurePayload bool  `yaml:"enable_insecure_payload"`
	KeylimeCAPath        string `yaml:"keylime_ca_path"`

	EKHandle         uint32 `yaml:"ek_handle"`
	TPMOwnerPassword string `yaml:"tpm_ownerpassword"`
	HashAlg          string `yaml:"hash_alg"`
	SignAlg          string `yaml:"sign_alg"`
	EncAlg           string `yaml:"enc_alg"`

	WorkDir             string `yaml:"work_dir"`
	SecureSize          string `yaml:"secure_size"`
	PayloadScript       string `yaml:"payload_script"`
	ExtractPayloadZip   bool   `yaml:"extract_payload_zip"`

	RevocationActions             []string `yaml:"revocation_actions"`
	RevocationActionsDir          string   `yaml:"revocation_actions_dir"`
	RevocationCertPath            string   `yaml:"revocation_cert"`
	AllowPayloadRevocationActions bool     `yaml:"allow_payload_revocation_actions"`

	IMAMLPath         string `yaml:"ima_ml_path"`
	MeasuredBootMLPath string `yaml:"measuredboot_ml_path"`

	RunAs          string `yaml:"run_as"`
	AgentDataPath  string `yaml:"agent_data_path"`

	TPMDevicePath            string `yaml:"tpm_device_path"`
	TPMSimulate              bool   `yaml:"tpm_simulate"`
	TPMSimulatorCmdAddress   string `yaml:"tpm_simulator_cmd_address"`
	TPMSimulatorPlatformAddress string `yaml:"tpm_simulator_platform_address"`
}

// Default mirrors rust-keylime's shipped defaults for the fields this
// agent carries forward.
func Default() *Config {
	return &Config{
		AgentUUID:        HashEKSentinel,
		AgentIP:          "127.0.0.1",
		AgentPort:        9002,
		AgentContactIP:   "127.0.0.1",
		AgentContactPort: 9002,
		RegistrarIP:      "127.0.0.1",
		RegistrarPort:    8890,

		MTLSEnabled:           true,
		EnableInsecurePayload: false,

		HashAlg: "sha256",
		SignAlg: "rsassa",
		EncAlg:  "rsa",

		WorkDir:    "/var/lib/keylime/agent",
		SecureSize: "1m",

		RevocationActionsDir: "/usr/share/keylime/actions",
		RevocationCertPath:   "RevocationNotifier-cert.crt",
		AgentDataPath:        "agent_data.json",

		IMAMLPath:          "/sys/kernel/security/ima/ascii_runtime_measurements",
		MeasuredBootMLPath: "/sys/kernel/security/tpm0/binary_bios_measurements",

		TPMDevicePath: "/dev/tpmrm0",
	}
}

// Flags registers the subset of Config fields that make sense as one-shot
// process overrides, following computeworker/config.go's per-field flag
// style. Call Load after flag.Parse.
type Flags struct {
	ConfigFile string
	WorkDir    string
	TPMDevice  string
	TPMSimulate bool
}

// RegisterFlags wires the override flags into fs so callers can use a
// non-default flag.FlagSet in tests.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigFile, "config", "/etc/keylime/agent.yaml", "path to agent YAML config")
	fs.StringVar(&f.WorkDir, "work_dir", "", "override work_dir from config")
	fs.StringVar(&f.TPMDevice, "tpm_device", "", "override tpm_device_path from config")
	fs.BoolVar(&f.TPMSimulate, "tpm_simulate", false, "force the in-memory TPM simulator")
	return f
}

// Load reads the YAML file at flags.ConfigFile over Default(), applies
// flag overrides and environment secret overrides, then normalizes the
// result (hash_ek derivation is deferred to SetEKDerivedUUID since it
// needs the EK public area, which isn't available until the TPM Adapter
// has run).
func Load(flags *Flags) (*Config, error) {
	cfg := Default()

	if flags != nil && flags.ConfigFile != "" {
		data, err := os.ReadFile(flags.ConfigFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, agenterr.Wrap(agenterr.KindConfiguration, "read config file", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, agenterr.Wrap(agenterr.KindConfiguration, "parse config file", err)
		}
	}

	if flags != nil {
		if flags.WorkDir != "" {
			cfg.WorkDir = flags.WorkDir
		}
		if flags.TPMDevice != "" {
			cfg.TPMDevicePath = flags.TPMDevice
		}
		if flags.TPMSimulate {
			cfg.TPMSimulate = true
		}
	}

	if v := os.Getenv("KEYLIME_AGENT_TPM_OWNERPASSWORD"); v != "" {
		cfg.TPMOwnerPassword = v
	}

	if err := cfg.canonicalizePaths(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// canonicalizePaths resolves work_dir and revocation_actions_dir to
// absolute paths, surfacing a Configuration error if work_dir does not
// exist (revocation_actions_dir is made absolute but not checked for
// existence), and resolves a relative revocation_cert against work_dir
// (mirrors rust-keylime's canonicalize() calls in main.rs).
func (c *Config) canonicalizePaths() error {
	if c.WorkDir != "" {
		abs, err := filepath.Abs(c.WorkDir)
		if err != nil {
			return agenterr.Wrap(agenterr.KindConfiguration, "canonicalize work_dir", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return agenterr.Wrap(agenterr.KindConfiguration, fmt.Sprintf("work_dir %q", abs), err)
		}
		c.WorkDir = abs
	}
	if c.RevocationActionsDir != "" {
		abs, err := filepath.Abs(c.RevocationActionsDir)
		if err != nil {
			return agenterr.Wrap(agenterr.KindConfiguration, "canonicalize revocation_actions_dir", err)
		}
		c.RevocationActionsDir = abs
	}
	if c.RevocationCertPath != "" && !filepath.IsAbs(c.RevocationCertPath) {
		c.RevocationCertPath = filepath.Join(c.WorkDir, c.RevocationCertPath)
	}
	return nil
}

// validate enforces spec.md §3's invariant: "If mTLS is disabled and a
// payload script is configured, the agent refuses to start unless an
// explicit insecure override is set."
func (c *Config) validate() error {
	if !c.MTLSEnabled && c.PayloadScript != "" && !c.EnableInsecurePayload {
		return agenterr.New(agenterr.KindConfiguration,
			"mtls_enabled=false with payload_script set requires enable_insecure_payload=true")
	}
	return nil
}

// SetEKDerivedUUID implements the hash_ek derivation: when AgentUUID is the
// literal "hash_ek", the UUID becomes a hex digest of SHA-256(ekPublic)
// truncated/formatted as a UUID-shaped string (main.rs set_ek_uuid).
func (c *Config) SetEKDerivedUUID(ekPublic []byte) {
	if !strings.EqualFold(c.AgentUUID, HashEKSentinel) {
		return
	}
	sum := sha256.Sum256(ekPublic)
	hexDigest := hex.EncodeToString(sum[:16])
	c.AgentUUID = fmt.Sprintf("%s-%s-%s-%s-%s",
		hexDigest[0:8], hexDigest[8:12], hexDigest[12:16], hexDigest[16:20], hexDigest[20:32])
}

// ResolveGeneratedUUID implements the generate sentinel: when AgentUUID is
// the literal "generate", a fresh random UUID is minted for this run. It
// runs before SetEKDerivedUUID in the startup sequence so hash_ek still
// takes precedence if both happen to match.
func (c *Config) ResolveGeneratedUUID() {
	if !strings.EqualFold(c.AgentUUID, GenerateSentinel) {
		return
	}
	c.AgentUUID = uuid.NewString()
}
