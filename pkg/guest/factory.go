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

package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/virtstack/virtstack/internal/host"
	"github.com/virtstack/virtstack/internal/metrics"
	"github.com/virtstack/virtstack/pkg/vmimage"
	"github.com/virtstack/virtstack/pkg/vmm"
	"github.com/virtstack/virtstack/pkg/vmspec"
)

var (
	ErrKernelMissing       = errors.New("direct boot requires an existing kernel")
	ErrHugepagePathMissing = errors.New("TD hugepage backing requires a hugepage path")
)

// BackendFactory constructs a backend adapter for one guest. The
// default wires libvirt; tests substitute fakes.
type BackendFactory func(cfg vmm.GuestConfig) (vmm.Backend, error)

// LibvirtBackendFactory returns a BackendFactory producing libvirt
// adapters with shared options.
func LibvirtBackendFactory(opts vmm.LibvirtOptions) BackendFactory {
	return func(cfg vmm.GuestConfig) (vmm.Backend, error) {
		return vmm.NewLibvirt(cfg, opts)
	}
}

// KubeVirtBackendFactory returns a BackendFactory producing cluster
// adapters sharing one client. Every guest is defined from the same
// VirtualMachine manifest, renamed to its identity.
func KubeVirtBackendFactory(c client.Client, manifestPath string, opts vmm.KubeVirtOptions) BackendFactory {
	return func(cfg vmm.GuestConfig) (vmm.Backend, error) {
		k := vmm.NewKubeVirt(c, cfg.Name, opts)
		if err := k.LoadTemplate(manifestPath); err != nil {
			return nil, err
		}
		return k, nil
	}
}

// VMOptions parameterizes one NewVM call. Zero values select defaults:
// io_mode native, cache none, 2M hugepages, direct boot.
type VMOptions struct {
	Type string
	Spec vmspec.Spec
	EPC  []vmspec.EPCRegion
	Boot string
	// Cmdline is cloned; nil starts from the default kernel command
	// line.
	Cmdline   *vmspec.Cmdline
	AutoStart bool

	Hugepages    bool
	HugepageSize string
	HugepagePath string

	Vsock    bool
	VsockCID uint

	IOMode          string
	Cache           string
	InterfaceDriver string
	DataDiskPath    string

	CPUIDs  []int
	MemNUMA *bool

	TSX         *bool
	TSCDeadline *bool
	MWait       *bool

	TPM bool

	// DiskImage overrides the automatic mother-image clone.
	DiskImage *vmimage.Image

	// GuestDistro overrides the distribution tag normally derived from
	// the mother image path.
	GuestDistro string
}

// Factory creates guests from one mother image and kernel and keeps a
// registry of every live controller.
type Factory struct {
	mu  sync.Mutex
	vms map[string]*Guest

	motherImage *vmimage.Image
	kernel      string
	newBackend  BackendFactory

	// keepUnhealthy leaks guests whose Keep flag is set from automatic
	// cleanup so they stay inspectable.
	keepUnhealthy bool
}

// NewFactory opens the mother image and binds the backend constructor.
func NewFactory(motherImagePath, kernelPath string, newBackend BackendFactory) (*Factory, error) {
	img, err := vmimage.Open(motherImagePath)
	if err != nil {
		return nil, err
	}
	return &Factory{
		vms:         map[string]*Guest{},
		motherImage: img,
		kernel:      kernelPath,
		newBackend:  newBackend,
	}, nil
}

// SetKeepUnhealthy controls whether guests flagged Keep survive Remove.
func (f *Factory) SetKeepUnhealthy(keep bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepUnhealthy = keep
}

// MotherImage returns the factory's template image.
func (f *Factory) MotherImage() *vmimage.Image { return f.motherImage }

// NewVM generates an identity, clones a disk image, constructs the
// backend and registers the controller. With AutoStart the guest is
// created and started before returning.
func (f *Factory) NewVM(ctx context.Context, opts VMOptions) (*Guest, error) {
	if opts.IOMode == "" {
		opts.IOMode = "native"
	}
	if opts.Cache == "" {
		opts.Cache = "none"
	}
	if opts.HugepageSize == "" {
		opts.HugepageSize = vmspec.Hugepages2M
	}
	if opts.Boot == "" {
		opts.Boot = vmspec.BootDirect
	}
	// SGX guests boot from the image's own grub.
	if opts.Type == vmspec.TypeSGX {
		opts.Boot = vmspec.BootGrub
	}
	isTD := opts.Type == vmspec.TypeTD || opts.Type == vmspec.TypeTDPerf
	if opts.Hugepages && isTD && opts.HugepagePath == "" {
		return nil, ErrHugepagePathMissing
	}

	id := uuid.NewString()
	name := guestName(opts.Type)

	distro := opts.GuestDistro
	if distro == "" {
		distro = "centos"
		if strings.Contains(f.motherImage.Path(), "ubuntu") {
			distro = "ubuntu"
		}
	}

	cmdline := vmspec.NewCmdline()
	if opts.Cmdline != nil {
		cmdline = opts.Cmdline.Clone()
	}
	if distro == "ubuntu" {
		cmdline.AddField("root=/dev/vda1")
	} else {
		cmdline.AddField("root=/dev/vda3")
	}

	kernel := f.kernel
	if opts.Boot == vmspec.BootDirect {
		abs, err := filepath.Abs(kernel)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrKernelMissing, abs)
		}
		kernel = abs
	}

	image := opts.DiskImage
	if image == nil {
		img, err := f.motherImage.Clone(ctx, name+".qcow2", "")
		if err != nil {
			return nil, err
		}
		image = img
	}

	forwardPort, err := host.FreePort()
	if err != nil {
		return nil, err
	}
	slog.Info("reserved guest SSH forward port", "name", name, "port", forwardPort)

	cfg := vmm.GuestConfig{
		Name:            name,
		ID:              id,
		Type:            opts.Type,
		Boot:            opts.Boot,
		Spec:            opts.Spec,
		EPC:             opts.EPC,
		Kernel:          kernel,
		Cmdline:         cmdline.String(),
		ImagePath:       image.Path(),
		LogPath:         filepath.Join(os.TempDir(), name+".log"),
		CPUIDs:          opts.CPUIDs,
		MemNUMA:         opts.MemNUMA,
		Hugepages:       opts.Hugepages,
		HugepageSize:    opts.HugepageSize,
		HugepagePath:    opts.HugepagePath,
		Vsock:           opts.Vsock,
		VsockCID:        opts.VsockCID,
		IOMode:          opts.IOMode,
		Cache:           opts.Cache,
		InterfaceDriver: opts.InterfaceDriver,
		DataDiskPath:    opts.DataDiskPath,
		TSX:             opts.TSX,
		TSCDeadline:     opts.TSCDeadline,
		MWait:           opts.MWait,
		TPM:             opts.TPM,
		ForwardPort:     forwardPort,
		Distro:          distro,
	}

	backend, err := f.newBackend(cfg)
	if err != nil {
		return nil, err
	}

	g := NewGuest(backend, cfg, image, cmdline)
	f.mu.Lock()
	f.vms[name] = g
	f.mu.Unlock()

	if opts.AutoStart {
		if err := g.Create(ctx, true); err != nil {
			return nil, err
		}
		if err := g.Start(ctx); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Remove destroys and deregisters a guest. When the keep-unhealthy
// policy is active and the guest's Keep flag is set, the guest is
// deliberately left registered and untouched.
func (f *Factory) Remove(ctx context.Context, g *Guest) {
	f.mu.Lock()
	keep := f.keepUnhealthy && g.Keep
	f.mu.Unlock()

	if keep {
		slog.Info("keeping unhealthy guest for inspection", "name", g.Name)
		metrics.VMsKept.Inc()
		return
	}

	_ = g.Destroy(ctx, true, true, true)
	f.mu.Lock()
	delete(f.vms, g.Name)
	f.mu.Unlock()
}

// RemoveAll removes every registered guest. Safe on an empty registry.
func (f *Factory) RemoveAll(ctx context.Context) {
	f.mu.Lock()
	guests := make([]*Guest, 0, len(f.vms))
	for _, g := range f.vms {
		guests = append(guests, g)
	}
	f.mu.Unlock()

	for _, g := range guests {
		f.Remove(ctx, g)
	}
}

// Guests snapshots the registry.
func (f *Factory) Guests() []*Guest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Guest, 0, len(f.vms))
	for _, g := range f.vms {
		out = append(out, g)
	}
	return out
}

// Len reports the number of registered guests.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vms)
}

// Close tears down every guest; no guest or registry entry outlives
// its factory under normal control flow.
func (f *Factory) Close() error {
	f.RemoveAll(context.Background())
	return nil
}

// guestName derives the "type-user-timestamp" identity.
func guestName(vmType string) string {
	userName := "root"
	if u, err := user.Current(); err == nil && u.Username != "" {
		userName = u.Username
	}
	now := time.Now()
	stamp := fmt.Sprintf("%s-%06d", now.Format("2006-01-02-15-04-05"), now.Nanosecond()/1000)
	return fmt.Sprintf("%s-%s-%s", vmType, userName, stamp)
}
