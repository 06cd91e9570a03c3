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

package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`
latest-guest-image:
  source: https://example.com/guest.qcow2.tar.xz
  sha256sum: 92d82663d1a3ad7b2c2b2f50b2145e388a48eb6b4e0b767cd94a5cf05394c98f
local-kernel:
  source: file:///boot/vmlinuz
`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"latest-guest-image", "local-kernel"}, m.Names())

	a, err := m.Get("latest-guest-image")
	require.NoError(t, err)
	assert.Equal(t, "guest.qcow2.tar.xz", a.Filename())

	_, err = m.Get("absent")
	assert.ErrorIs(t, err, ErrNoSuchArtifact)
}

func TestParseManifest_DuplicateKeysFatal(t *testing.T) {
	_, err := ParseManifest([]byte(`
image:
  source: https://example.com/a.qcow2
image:
  source: https://example.com/b.qcow2
`))
	assert.ErrorIs(t, err, ErrBadManifest)
}

func TestParseManifest_NotAMapping(t *testing.T) {
	_, err := ParseManifest([]byte(`- a
- b
`))
	assert.ErrorIs(t, err, ErrBadManifest)
}

func TestParseManifest_MissingSource(t *testing.T) {
	_, err := ParseManifest([]byte(`
image:
  sha256sum: 92d82663d1a3ad7b2c2b2f50b2145e388a48eb6b4e0b767cd94a5cf05394c98f
`))
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifacts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("img:\n  source: file:///x\n"), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"img"}, m.Names())

	_, err = LoadManifest(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
