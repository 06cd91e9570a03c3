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

// Package vmspec holds the parameter types describing a guest VM: CPU
// topology, memory, VM and boot flavors, and the kernel command line.
package vmspec

// VM flavors. The flavor selects the descriptor template, the firmware
// image and the CPU feature flags passed to the emulator.
const (
	TypeEFI    = "efi"
	TypeLegacy = "legacy"
	TypeTD     = "td"
	TypeSGX    = "sgx"

	TypeTDPerf     = "td_perf"
	TypeEFIPerf    = "efi_perf"
	TypeLegacyPerf = "legacy_perf"
)

// Boot modes.
const (
	BootDirect = "direct" // kernel injected by the hypervisor
	BootGrub   = "grub"   // firmware boot from the disk image
)

// State is the observable state of a guest domain.
type State string

const (
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateShutdown     State = "shutdown"
	StateShuttingDown State = "shutting down"
	StateUnknown      State = ""
)

// Hugepage sizes accepted by the descriptor builder.
const (
	Hugepages2M = "2M"
	Hugepages1G = "1G"
)

// hvc0 is the default console for TD guests; ttyS0 is filtered there for
// security reasons.
const DefaultCmdline = "rw selinux=0 console=hvc0 earlyprintk console=tty0"

// Host-distro specific emulator and firmware locations.
const (
	QEMUExecCentOS = "/usr/libexec/qemu-kvm"
	QEMUExecUbuntu = "/usr/bin/qemu-system-x86_64"

	BIOSLegacyCentOS = "/usr/share/qemu-kvm/bios.bin"
	BIOSLegacyUbuntu = "/usr/share/seabios/bios.bin"
	BIOSOVMF         = "/usr/share/qemu/OVMF.fd"
)

const KiB = 1024

// Spec is the immutable CPU/memory specification for one guest.
type Spec struct {
	Sockets int
	Cores   int
	Threads int

	// MemoryKiB is the guest memory size in KiB.
	MemoryKiB uint
}

// NewSpec builds a Spec, deriving memory (4 GiB per vcpu) when memoryKiB
// is zero.
func NewSpec(sockets, cores, threads int, memoryKiB uint) Spec {
	s := Spec{
		Sockets:   sockets,
		Cores:     cores,
		Threads:   threads,
		MemoryKiB: memoryKiB,
	}
	if s.MemoryKiB == 0 {
		s.MemoryKiB = uint(s.VCPUs()) * 4 * KiB * KiB
	}
	return s
}

// VCPUs is the total vcpu count, the product of the topology dimensions.
func (s Spec) VCPUs() int {
	return s.Sockets * s.Cores * s.Threads
}

// IsNUMA reports whether the topology spans more than one socket, in
// which case interleaved memory placement is meaningful.
func (s Spec) IsNUMA() bool {
	return s.Sockets > 1
}

// ModelBase is the default 4-vcpu/16G spec.
func ModelBase() Spec { return NewSpec(1, 4, 1, 16*KiB*KiB) }

// ModelLarge is an 8-vcpu/32G spec.
func ModelLarge() Spec { return NewSpec(1, 8, 1, 32*KiB*KiB) }

// ModelNUMA is a two-socket spec for NUMA placement tests.
func ModelNUMA() Spec { return NewSpec(2, 4, 1, 32*KiB*KiB) }

// ModelMigTD is the minimal spec used by migration helper TDs.
func ModelMigTD() Spec { return NewSpec(1, 1, 1, 64*KiB) }

// EPCRegion describes one SGX enclave page cache reservation.
type EPCRegion struct {
	// Size as accepted by the emulator, e.g. "64M".
	Size string
	// Node is the NUMA node backing the region.
	Node int
	// Prealloc requests eager allocation.
	Prealloc bool
}

// SGXSpec extends Spec with the ordered enclave page cache layout.
// Region order is preserved all the way to the emulator arguments.
type SGXSpec struct {
	Spec
	EPC []EPCRegion
}

// NewSGXSpec builds an SGXSpec. At least one EPC region is required.
func NewSGXSpec(spec Spec, epc []EPCRegion) (SGXSpec, error) {
	if len(epc) == 0 {
		return SGXSpec{}, ErrNoEPCRegions
	}
	return SGXSpec{Spec: spec, EPC: epc}, nil
}
