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
	"strings"

	"github.com/virtstack/virtstack/pkg/vmspec"
)

const (
	baseCPUParams = "host,-kvm-steal-time,pmu=off"
	tdCPUParams   = "host,-shstk,-kvm-steal-time,pmu=off"

	sgxCPUParams = "host,host-phys-bits,+sgx,+sgx-debug,+sgx-exinfo," +
		"+sgx-kss,+sgx-mode64,+sgx-provisionkey,+sgx-tokenkey,+sgx1,+sgx2,+sgxlc"

	// Hosts with a base frequency under 1 GHz need a synthetic guest
	// TSC frequency pinned to 1 GHz (hardware workaround).
	lowFreqThresholdKHz = 1000000
	syntheticTSCParam   = "tsc-freq=1000000000"
)

// emulatorPaths returns the emulator binary and legacy firmware for the
// host distro.
func emulatorPaths(distro string) (qemuExec, biosLegacy string) {
	if strings.Contains(distro, "ubuntu") {
		return vmspec.QEMUExecUbuntu, vmspec.BIOSLegacyUbuntu
	}
	return vmspec.QEMUExecCentOS, vmspec.BIOSLegacyCentOS
}

// cpuParams assembles the -cpu flag set for the guest flavor.
// hostBaseFreqKHz only matters for TD guests.
func cpuParams(cfg GuestConfig, hostBaseFreqKHz int) string {
	switch cfg.Type {
	case vmspec.TypeSGX:
		return sgxCPUParams
	case vmspec.TypeTD, vmspec.TypeTDPerf:
		params := tdCPUParams
		if hostBaseFreqKHz > 0 && hostBaseFreqKHz < lowFreqThresholdKHz {
			params += "," + syntheticTSCParam
		}
		if cfg.TSX != nil && !*cfg.TSX {
			params += ",-hle,-rtm"
		}
		if cfg.TSCDeadline != nil && !*cfg.TSCDeadline {
			params += ",-tsc-deadline"
		}
		return params
	default:
		return baseCPUParams
	}
}

// firmwarePath returns the loader image for the guest flavor, or ""
// when the flavor boots without an explicit loader.
func firmwarePath(vmType, biosLegacy string) string {
	switch vmType {
	case vmspec.TypeLegacy, vmspec.TypeLegacyPerf, vmspec.TypeSGX:
		return biosLegacy
	case vmspec.TypeEFI, vmspec.TypeEFIPerf, vmspec.TypeTD, vmspec.TypeTDPerf:
		return vmspec.BIOSOVMF
	}
	return ""
}
