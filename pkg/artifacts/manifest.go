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

// Package artifacts resolves named build artifacts (guest images,
// kernels, firmware) from a YAML manifest to verified local files.
//
// A manifest entry looks like:
//
//	latest-guest-image:
//	  source: https://example.com/guest.qcow2.tar.xz
//	  sha256sum: 92d82663d1a3ad7b2c2b2f50b2145e388a48eb6b4e0b767cd94a5cf05394c98f
//
// source accepts http, https and file URLs. sha256sum accepts a bare
// hex digest, or an http/https/file URL of a sha256sum-format listing
// searched by the artifact's file name.
package artifacts

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrBadManifest    = errors.New("invalid artifact manifest")
	ErrNoSuchArtifact = errors.New("no such artifact in manifest")
	ErrNoSource       = errors.New("artifact entry has no source")
)

type manifestEntry struct {
	Source    string `yaml:"source"`
	SHA256Sum string `yaml:"sha256sum"`
}

// Manifest is the parsed artifact catalog.
type Manifest struct {
	entries map[string]manifestEntry
}

// LoadManifest reads and parses the manifest file. Duplicate keys and
// non-mapping documents are errors.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	entries := map[string]manifestEntry{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, errors.Join(err, ErrBadManifest)
	}
	for name, e := range entries {
		if e.Source == "" {
			return nil, fmt.Errorf("%w: %q", ErrNoSource, name)
		}
	}
	return &Manifest{entries: entries}, nil
}

// Names lists the artifact names in the manifest.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	return names
}

// Get returns the named artifact.
func (m *Manifest) Get(name string) (*Artifact, error) {
	e, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchArtifact, name)
	}
	return NewArtifact(e.Source, e.SHA256Sum)
}
