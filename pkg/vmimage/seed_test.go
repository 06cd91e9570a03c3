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
	"os"
	"path/filepath"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSeedISO(t *testing.T) {
	data, err := GenerateSeedISO(SeedConfig{
		InstanceID:        "iid-guest-1",
		Hostname:          "td-guest",
		SSHAuthorizedKeys: []string{"ssh-ed25519 AAAA test@host"},
		RunCommands:       []string{"systemctl restart sshd"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	path := filepath.Join(t.TempDir(), "seed.iso")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	require.NoError(t, err)
	root, err := img.RootDir()
	require.NoError(t, err)
	children, err := root.GetChildren()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, c := range children {
		names[c.Name()] = true
	}
	assert.True(t, names["user_data"] || names["user-data"], "user-data present: %v", names)
	assert.True(t, names["meta_data"] || names["meta-data"], "meta-data present: %v", names)
}

func TestWriteSeedISO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.iso")
	require.NoError(t, WriteSeedISO(SeedConfig{InstanceID: "iid-1", Hostname: "h"}, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
