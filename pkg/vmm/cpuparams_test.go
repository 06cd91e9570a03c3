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

package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/utils/ptr"

	"github.com/virtstack/virtstack/pkg/vmspec"
)

func TestCPUParams_PerFlavor(t *testing.T) {
	assert.Equal(t, baseCPUParams,
		cpuParams(GuestConfig{Type: vmspec.TypeEFI}, 2000000))
	assert.Equal(t, baseCPUParams,
		cpuParams(GuestConfig{Type: vmspec.TypeLegacy}, 2000000))
	assert.Equal(t, sgxCPUParams,
		cpuParams(GuestConfig{Type: vmspec.TypeSGX}, 2000000))
	assert.Equal(t, tdCPUParams,
		cpuParams(GuestConfig{Type: vmspec.TypeTD}, 2000000))
	assert.Equal(t, tdCPUParams,
		cpuParams(GuestConfig{Type: vmspec.TypeTDPerf}, 2000000))
}

func TestCPUParams_SyntheticTSCOnSlowHosts(t *testing.T) {
	// Sub-1GHz base frequency pins the guest TSC to 1 GHz.
	got := cpuParams(GuestConfig{Type: vmspec.TypeTD}, 800000)
	assert.Equal(t, tdCPUParams+",tsc-freq=1000000000", got)

	// Unknown frequency leaves the flags alone.
	assert.Equal(t, tdCPUParams, cpuParams(GuestConfig{Type: vmspec.TypeTD}, 0))

	// Only TD flavors take the workaround.
	assert.Equal(t, baseCPUParams, cpuParams(GuestConfig{Type: vmspec.TypeEFI}, 800000))
}

func TestCPUParams_FeatureOptOuts(t *testing.T) {
	cfg := GuestConfig{Type: vmspec.TypeTD, TSX: ptr.To(false)}
	assert.Equal(t, tdCPUParams+",-hle,-rtm", cpuParams(cfg, 2000000))

	cfg = GuestConfig{Type: vmspec.TypeTD, TSCDeadline: ptr.To(false)}
	assert.Equal(t, tdCPUParams+",-tsc-deadline", cpuParams(cfg, 2000000))

	cfg = GuestConfig{Type: vmspec.TypeTD, TSX: ptr.To(false), TSCDeadline: ptr.To(false)}
	assert.Equal(t, tdCPUParams+",-hle,-rtm,-tsc-deadline", cpuParams(cfg, 2000000))

	// Explicit true opts nothing out.
	cfg = GuestConfig{Type: vmspec.TypeTD, TSX: ptr.To(true)}
	assert.Equal(t, tdCPUParams, cpuParams(cfg, 2000000))
}

func TestEmulatorPaths(t *testing.T) {
	exec, bios := emulatorPaths("ubuntu")
	assert.Equal(t, vmspec.QEMUExecUbuntu, exec)
	assert.Equal(t, vmspec.BIOSLegacyUbuntu, bios)

	exec, bios = emulatorPaths("centos")
	assert.Equal(t, vmspec.QEMUExecCentOS, exec)
	assert.Equal(t, vmspec.BIOSLegacyCentOS, bios)

	// Anything unrecognized falls back to the CentOS layout.
	exec, _ = emulatorPaths("fedora")
	assert.Equal(t, vmspec.QEMUExecCentOS, exec)
}

func TestFirmwarePath(t *testing.T) {
	const legacy = "/usr/share/seabios/bios.bin"

	assert.Equal(t, legacy, firmwarePath(vmspec.TypeLegacy, legacy))
	assert.Equal(t, legacy, firmwarePath(vmspec.TypeLegacyPerf, legacy))
	assert.Equal(t, legacy, firmwarePath(vmspec.TypeSGX, legacy))
	assert.Equal(t, vmspec.BIOSOVMF, firmwarePath(vmspec.TypeEFI, legacy))
	assert.Equal(t, vmspec.BIOSOVMF, firmwarePath(vmspec.TypeTD, legacy))
	assert.Empty(t, firmwarePath("bogus", legacy))
}
