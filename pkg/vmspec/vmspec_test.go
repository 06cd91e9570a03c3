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

package vmspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec_VCPUs(t *testing.T) {
	assert.Equal(t, 4, NewSpec(1, 4, 1, 0).VCPUs())
	assert.Equal(t, 16, NewSpec(2, 4, 2, 0).VCPUs())
}

func TestSpec_DerivedMemory(t *testing.T) {
	// 4 GiB per vcpu when memory is left zero.
	s := NewSpec(1, 2, 1, 0)
	assert.Equal(t, uint(2*4*KiB*KiB), s.MemoryKiB)

	explicit := NewSpec(1, 2, 1, 1024)
	assert.Equal(t, uint(1024), explicit.MemoryKiB)
}

func TestSpec_IsNUMA(t *testing.T) {
	assert.False(t, ModelBase().IsNUMA())
	assert.True(t, ModelNUMA().IsNUMA())
}

func TestModels(t *testing.T) {
	assert.Equal(t, 4, ModelBase().VCPUs())
	assert.Equal(t, uint(16*KiB*KiB), ModelBase().MemoryKiB)
	assert.Equal(t, 8, ModelLarge().VCPUs())
	assert.Equal(t, 1, ModelMigTD().VCPUs())
	assert.Equal(t, uint(64*KiB), ModelMigTD().MemoryKiB)
}

func TestNewSGXSpec(t *testing.T) {
	_, err := NewSGXSpec(ModelBase(), nil)
	require.ErrorIs(t, err, ErrNoEPCRegions)

	s, err := NewSGXSpec(ModelBase(), []EPCRegion{{Size: "64M", Node: 0}})
	require.NoError(t, err)
	assert.Len(t, s.EPC, 1)
}
