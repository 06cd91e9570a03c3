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

// Package vmm adapts guest lifecycle operations onto a concrete
// virtualization backend. Two adapters exist: a local libvirt
// hypervisor and a KubeVirt cluster. Both satisfy Backend; capability
// gaps return ErrNotSupported.
package vmm

import (
	"context"
	"errors"

	"github.com/virtstack/virtstack/pkg/vmspec"
)

var (
	// ErrNotSupported marks a lifecycle operation the active backend
	// cannot perform.
	ErrNotSupported = errors.New("operation not supported by this backend")

	ErrNoDomain     = errors.New("domain not found")
	ErrDomainActive = errors.New("domain is active")
)

// ShutdownMode selects how a guest is asked to power off.
type ShutdownMode string

const (
	// ShutdownHypervisorDefault lets the hypervisor pick its default
	// signal.
	ShutdownHypervisorDefault ShutdownMode = ""
	ShutdownDefault           ShutdownMode = "default"
	ShutdownACPI              ShutdownMode = "acpi"
	ShutdownAgent             ShutdownMode = "agent"
)

// Backend is the lifecycle contract every adapter implements. Callers
// serialize operations per adapter; adapters hold one management
// connection each.
type Backend interface {
	// Create makes the guest known to the backend. With
	// stopAtBeginning the guest is defined but left stopped until
	// Start.
	Create(ctx context.Context, stopAtBeginning bool) error
	// Destroy tears the guest down best-effort: stop, undefine (when
	// requested) and descriptor cleanup each proceed even when an
	// earlier step fails.
	Destroy(ctx context.Context, undefine bool) error
	Start(ctx context.Context) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	Reboot(ctx context.Context) error
	Shutdown(ctx context.Context, mode ShutdownMode) error
	// State returns the observable guest state; StateUnknown with a
	// nil error means the backend reported an unmapped state.
	State(ctx context.Context) (vmspec.State, error)
	// IP resolves the guest address, caching the result unless
	// forceRefresh. Empty string with nil error means not found within
	// the discovery budget.
	IP(ctx context.Context, forceRefresh bool) (string, error)
	UpdateKernel(kernel string) error
	UpdateKernelCmdline(cmdline string) error
	UpdateSpec(spec vmspec.Spec) error
	Close() error
}

// GuestConfig carries everything an adapter needs to materialize one
// guest. The zero value of an optional field leaves the corresponding
// descriptor element untouched.
type GuestConfig struct {
	Name string
	// ID is the guest uuid, also used as the domain uuid.
	ID      string
	Type    string // vmspec.Type*
	Boot    string // vmspec.BootDirect or BootGrub
	Spec    vmspec.Spec
	EPC     []vmspec.EPCRegion
	Kernel  string
	Cmdline string

	ImagePath string
	LogPath   string

	// CPUIDs pins the guest to explicit host cpus; first id hosts the
	// io thread.
	CPUIDs []int
	// MemNUMA requests strict NUMA memory placement; nil leaves
	// placement to the hypervisor.
	MemNUMA *bool

	Hugepages    bool
	HugepageSize string
	HugepagePath string

	Vsock    bool
	VsockCID uint

	IOMode          string
	Cache           string
	InterfaceDriver string
	DataDiskPath    string

	// TSX / TSCDeadline / MWait tristate opt-outs; nil keeps the
	// emulator default.
	TSX         *bool
	TSCDeadline *bool
	MWait       *bool

	TPM bool

	// ForwardPort, when non-zero, adds a user-mode nic forwarding this
	// host port to guest port 22.
	ForwardPort int

	// Distro of the host, selects emulator and firmware paths.
	Distro string
}
