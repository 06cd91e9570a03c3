// Copyright 2026 The virtstack Authors
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

package vmimage

import (
	"bytes"
	"fmt"
	"os"

	"github.com/kdomanski/iso9660"
	"sigs.k8s.io/yaml"
)

// SeedConfig describes the cloud-init NoCloud data baked into a seed
// ISO.
type SeedConfig struct {
	InstanceID string
	Hostname   string
	// SSHAuthorizedKeys installs these for the default user and root.
	SSHAuthorizedKeys []string
	// RunCommands appended to cloud-init's runcmd section.
	RunCommands []string
}

type userData struct {
	Hostname          string     `json:"hostname,omitempty"`
	DisableRoot       bool       `json:"disable_root"`
	SSHAuthorizedKeys []string   `json:"ssh_authorized_keys,omitempty"`
	RunCmd            []string   `json:"runcmd,omitempty"`
	Users             []seedUser `json:"users,omitempty"`
}

type seedUser struct {
	Name              string   `json:"name"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
	LockPasswd        bool     `json:"lock_passwd"`
}

// GenerateSeedISO builds a NoCloud seed image. The volume label must be
// CIDATA for cloud-init to pick the datasource up.
func GenerateSeedISO(cfg SeedConfig) ([]byte, error) {
	ud := userData{
		Hostname:          cfg.Hostname,
		DisableRoot:       false,
		SSHAuthorizedKeys: cfg.SSHAuthorizedKeys,
		RunCmd:            cfg.RunCommands,
	}
	if len(cfg.SSHAuthorizedKeys) > 0 {
		ud.Users = []seedUser{{Name: "root", SSHAuthorizedKeys: cfg.SSHAuthorizedKeys}}
	}
	udYAML, err := yaml.Marshal(ud)
	if err != nil {
		return nil, fmt.Errorf("marshal user-data: %w", err)
	}
	userDataDoc := append([]byte("#cloud-config\n"), udYAML...)

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n",
		cfg.InstanceID, cfg.Hostname)

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("create iso writer: %w", err)
	}
	defer func() { _ = writer.Cleanup() }()

	if err := writer.AddFile(bytes.NewReader(userDataDoc), "user-data"); err != nil {
		return nil, fmt.Errorf("add user-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader([]byte(metaData)), "meta-data"); err != nil {
		return nil, fmt.Errorf("add meta-data: %w", err)
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, fmt.Errorf("write seed iso: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteSeedISO generates the seed image and writes it to path.
func WriteSeedISO(cfg SeedConfig, path string) error {
	data, err := GenerateSeedISO(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
