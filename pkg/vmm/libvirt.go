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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/virtstack/virtstack/internal/host"
	"github.com/virtstack/virtstack/pkg/domain"
	"github.com/virtstack/virtstack/pkg/vmspec"
)

const defaultLibvirtURI = "qemu:///system"

var (
	ErrConnectLibvirt = errors.New("failed to connect to libvirt")
	ErrDefineDomain   = errors.New("failed to define domain")
	ErrCreateDomain   = errors.New("failed to create domain")
	ErrNoMACAddress   = errors.New("no MAC address in live domain descriptor")
)

// LibvirtOptions tunes adapter construction. Zero values select the
// defaults used in production.
type LibvirtOptions struct {
	// URI of the hypervisor, default qemu:///system.
	URI string
	// DescriptorDir receives the per-guest descriptor XML file.
	DescriptorDir string
	// IPRetries and IPInterval bound ARP-based address discovery.
	// Defaults: 120 tries, 1 second apart.
	IPRetries  int
	IPInterval time.Duration
}

// Libvirt drives one guest through a local libvirt hypervisor. One
// connection per adapter, not shared.
type Libvirt struct {
	conn    *libvirt.Connect
	cfg     GuestConfig
	builder *domain.Builder
	ip      string

	ipRetries  int
	ipInterval time.Duration
}

// NewLibvirt connects to the hypervisor and materializes the guest's
// descriptor in opts.DescriptorDir. The domain is not defined until
// Create.
func NewLibvirt(cfg GuestConfig, opts LibvirtOptions) (*Libvirt, error) {
	uri := opts.URI
	if uri == "" {
		uri = defaultLibvirtURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Join(err, ErrConnectLibvirt)
	}

	l := &Libvirt{
		conn:       conn,
		cfg:        cfg,
		ipRetries:  opts.IPRetries,
		ipInterval: opts.IPInterval,
	}
	if l.ipRetries == 0 {
		l.ipRetries = 120
	}
	if l.ipInterval == 0 {
		l.ipInterval = time.Second
	}

	if l.builder, err = l.prepareDescriptor(opts.DescriptorDir); err != nil {
		_, _ = conn.Close()
		return nil, err
	}
	return l, nil
}

// NewLibvirtForExisting attaches to a guest whose descriptor was
// previously materialized in opts.DescriptorDir, recovering its
// identity from the descriptor file.
func NewLibvirtForExisting(name string, opts LibvirtOptions) (*Libvirt, error) {
	uri := opts.URI
	if uri == "" {
		uri = defaultLibvirtURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Join(err, ErrConnectLibvirt)
	}
	b, err := domain.Load(filepath.Join(opts.DescriptorDir, name+".xml"))
	if err != nil {
		_, _ = conn.Close()
		return nil, err
	}
	l := &Libvirt{
		conn:       conn,
		builder:    b,
		cfg:        GuestConfig{Name: b.Name(), ID: b.UUID(), LogPath: b.LogFile()},
		ipRetries:  120,
		ipInterval: time.Second,
	}
	return l, nil
}

// prepareDescriptor translates the guest config into a descriptor file.
func (l *Libvirt) prepareDescriptor(dir string) (*domain.Builder, error) {
	cfg := l.cfg
	b, err := domain.CloneForType(cfg.Type, cfg.Name, dir)
	if err != nil {
		return nil, err
	}

	steps := []func() error{
		func() error { return b.SetUUID(cfg.ID) },
		func() error { return b.SetMemoryKiB(cfg.Spec.MemoryKiB) },
		func() error { return b.SetVCPU(uint(cfg.Spec.VCPUs())) },
		func() error { return b.SetTopology(cfg.Spec.Sockets, cfg.Spec.Cores, cfg.Spec.Threads) },
		func() error { return b.SetImageFile(cfg.ImagePath) },
	}
	if cfg.IOMode != "" {
		steps = append(steps, func() error { return b.SetIOMode(cfg.IOMode) })
	}
	if cfg.Cache != "" {
		steps = append(steps, func() error { return b.SetCache(cfg.Cache) })
	}
	if cfg.LogPath != "" {
		steps = append(steps, func() error { return b.SetLogFile(cfg.LogPath) })
	}
	if len(cfg.CPUIDs) > 0 {
		steps = append(steps, func() error { return b.BindCPUIDs(cfg.CPUIDs) })
	}
	if cfg.MemNUMA != nil {
		steps = append(steps, func() error { return b.SetMemNUMA(*cfg.MemNUMA) })
	}
	if cfg.Hugepages {
		steps = append(steps, func() error { return b.SetHugepages(cfg.HugepageSize) })
	}
	if cfg.InterfaceDriver != "" {
		steps = append(steps, func() error { return b.SetInterfaceDriver(cfg.InterfaceDriver) })
	}
	if cfg.Vsock {
		steps = append(steps, func() error { return b.SetVsock(cfg.VsockCID) })
	}
	if cfg.DataDiskPath != "" {
		steps = append(steps, func() error { return b.AddDataDisk(cfg.DataDiskPath) })
	}
	steps = append(steps, func() error { return l.applyCPUParams(b) })
	if cfg.TPM {
		steps = append(steps, func() error { return b.SetTPM() })
	}
	if cfg.MWait != nil {
		steps = append(steps, func() error {
			return b.AddOvercommit(fmt.Sprintf("cpu-pm=%t", *cfg.MWait))
		})
	}
	if cfg.Boot == vmspec.BootGrub {
		steps = append(steps,
			func() error { return b.SetKernel("") },
			func() error { return b.SetCmdline("") },
		)
	} else {
		steps = append(steps,
			func() error { return b.SetKernel(cfg.Kernel) },
			func() error { return b.SetCmdline(cfg.Cmdline) },
		)
	}
	if cfg.ForwardPort != 0 {
		steps = append(steps, func() error { return b.EnableSSHForward(cfg.ForwardPort) })
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// applyCPUParams sets the emulator, firmware and -cpu flags for the
// guest flavor.
func (l *Libvirt) applyCPUParams(b *domain.Builder) error {
	cfg := l.cfg
	distro := cfg.Distro
	if distro == "" {
		d, err := host.Distro()
		if err != nil {
			return err
		}
		distro = d
	}
	qemuExec, biosLegacy := emulatorPaths(distro)
	if err := b.SetEmulator(qemuExec); err != nil {
		return err
	}
	if fw := firmwarePath(cfg.Type, biosLegacy); fw != "" {
		if err := b.SetLoader(fw); err != nil {
			return err
		}
	}

	baseFreq := 0
	if cfg.Type == vmspec.TypeTD || cfg.Type == vmspec.TypeTDPerf {
		f, err := host.CPUBaseFreq()
		if err != nil {
			slog.Warn("cannot read host base frequency", "err", err.Error())
		} else {
			baseFreq = f
		}
		if cfg.HugepagePath != "" {
			if err := b.SetHugepagePath(cfg.HugepagePath); err != nil {
				return err
			}
		}
	}
	if err := b.AddCPUParams(cpuParams(cfg, baseFreq)); err != nil {
		return err
	}
	if cfg.Type == vmspec.TypeSGX {
		return b.SetEPCRegions(cfg.EPC)
	}
	return nil
}

// Descriptor exposes the builder for inspection.
func (l *Libvirt) Descriptor() *domain.Builder { return l.builder }

func (l *Libvirt) lookup() (*libvirt.Domain, error) {
	dom, err := l.conn.LookupDomainByUUIDString(l.cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDomain, l.cfg.ID)
	}
	return dom, nil
}

// Create defines the domain from the descriptor and, unless
// stopAtBeginning, boots it.
func (l *Libvirt) Create(ctx context.Context, stopAtBeginning bool) error {
	xml, err := l.builder.XML()
	if err != nil {
		return err
	}
	dom, err := l.conn.DomainDefineXML(xml)
	if err != nil {
		return errors.Join(err, ErrDefineDomain)
	}
	defer freeDomain(dom)

	if stopAtBeginning {
		return nil
	}
	if err := dom.Create(); err != nil {
		return errors.Join(err, ErrCreateDomain)
	}
	return nil
}

// Destroy stops, undefines and removes the descriptor file. Every step
// is independent and logged on failure so cleanup is maximally
// effective.
func (l *Libvirt) Destroy(ctx context.Context, undefine bool) error {
	dom, err := l.lookup()
	if err != nil {
		slog.Warn("domain not found during destroy", "id", l.cfg.ID)
	} else {
		defer freeDomain(dom)
		if active, aErr := dom.IsActive(); aErr == nil && active {
			if dErr := dom.Destroy(); dErr != nil {
				slog.Warn("failed to stop domain", "name", l.cfg.Name, "err", dErr.Error())
			}
		}
		if undefine {
			if uErr := dom.UndefineFlags(libvirt.DOMAIN_UNDEFINE_NVRAM); uErr != nil {
				slog.Warn("failed to undefine domain", "name", l.cfg.Name, "err", uErr.Error())
			}
		}
	}
	if rErr := l.builder.Remove(); rErr != nil {
		slog.Warn("failed to remove descriptor file",
			"path", l.builder.Path(), "err", rErr.Error())
	}
	return nil
}

// DeleteLog removes the guest console log, best-effort.
func (l *Libvirt) DeleteLog() {
	if l.cfg.LogPath == "" {
		return
	}
	if err := os.Remove(l.cfg.LogPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to delete guest log", "path", l.cfg.LogPath, "err", err.Error())
	}
}

// Start boots a shutoff domain, or resumes it when merely paused.
func (l *Libvirt) Start(ctx context.Context) error {
	state, err := l.State(ctx)
	if err != nil {
		return err
	}
	if state == vmspec.StateShutdown {
		dom, err := l.lookup()
		if err != nil {
			return err
		}
		defer freeDomain(dom)
		return dom.Create()
	}
	return l.Resume(ctx)
}

func (l *Libvirt) Suspend(ctx context.Context) error {
	state, err := l.State(ctx)
	if err != nil {
		return err
	}
	if state != vmspec.StateRunning {
		return nil
	}
	dom, err := l.lookup()
	if err != nil {
		return err
	}
	defer freeDomain(dom)
	return dom.Suspend()
}

func (l *Libvirt) Resume(ctx context.Context) error {
	state, err := l.State(ctx)
	if err != nil {
		return err
	}
	if state == vmspec.StateRunning {
		return nil
	}
	dom, err := l.lookup()
	if err != nil {
		return err
	}
	defer freeDomain(dom)
	return dom.Resume()
}

func (l *Libvirt) Reboot(ctx context.Context) error {
	dom, err := l.lookup()
	if err != nil {
		return err
	}
	defer freeDomain(dom)
	return dom.Reboot(0)
}

func (l *Libvirt) Shutdown(ctx context.Context, mode ShutdownMode) error {
	dom, err := l.lookup()
	if err != nil {
		return err
	}
	defer freeDomain(dom)
	switch mode {
	case ShutdownHypervisorDefault:
		return dom.Shutdown()
	case ShutdownDefault:
		return dom.ShutdownFlags(libvirt.DOMAIN_SHUTDOWN_DEFAULT)
	case ShutdownACPI:
		return dom.ShutdownFlags(libvirt.DOMAIN_SHUTDOWN_ACPI_POWER_BTN)
	case ShutdownAgent:
		return dom.ShutdownFlags(libvirt.DOMAIN_SHUTDOWN_GUEST_AGENT)
	default:
		return fmt.Errorf("unknown shutdown mode %q", mode)
	}
}

func (l *Libvirt) State(ctx context.Context) (vmspec.State, error) {
	dom, err := l.lookup()
	if err != nil {
		return vmspec.StateUnknown, err
	}
	defer freeDomain(dom)
	state, _, err := dom.GetState()
	if err != nil {
		return vmspec.StateUnknown, err
	}
	return mapLibvirtState(state), nil
}

func mapLibvirtState(s libvirt.DomainState) vmspec.State {
	switch s {
	case libvirt.DOMAIN_RUNNING:
		return vmspec.StateRunning
	case libvirt.DOMAIN_PAUSED:
		return vmspec.StatePaused
	case libvirt.DOMAIN_SHUTDOWN:
		return vmspec.StateShuttingDown
	case libvirt.DOMAIN_SHUTOFF:
		return vmspec.StateShutdown
	}
	return vmspec.StateUnknown
}

// IP resolves the guest address by matching its MAC against the host
// neighbor table, bounded by ipRetries * ipInterval. The result is
// cached until forceRefresh.
func (l *Libvirt) IP(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh && l.ip != "" {
		return l.ip, nil
	}

	mac, err := l.liveMAC()
	if err != nil {
		return "", err
	}

	start := time.Now()
	for retry := 0; retry < l.ipRetries; retry++ {
		ip, err := lookupNeighborIP(mac)
		if err != nil {
			slog.Warn("neighbor table scan failed", "err", err.Error())
		}
		if ip != "" {
			l.ip = ip
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.ipInterval):
		}
	}
	slog.Debug("guest IP discovery finished",
		"name", l.cfg.Name, "ip", l.ip, "duration", time.Since(start).String())
	return l.ip, nil
}

// liveMAC extracts the first interface MAC from the live domain
// descriptor.
func (l *Libvirt) liveMAC() (string, error) {
	dom, err := l.lookup()
	if err != nil {
		return "", err
	}
	defer freeDomain(dom)
	xml, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", err
	}
	var doc libvirtxml.Domain
	if err := doc.Unmarshal(xml); err != nil {
		return "", err
	}
	if doc.Devices == nil {
		return "", ErrNoMACAddress
	}
	for _, iface := range doc.Devices.Interfaces {
		if iface.MAC != nil && iface.MAC.Address != "" {
			return iface.MAC.Address, nil
		}
	}
	return "", ErrNoMACAddress
}

// Update* operations rewrite the descriptor and redefine the domain.
// They are only valid while the domain is shut down.

func (l *Libvirt) UpdateKernel(kernel string) error {
	return l.updateAndRedefine(func() error { return l.builder.SetKernel(kernel) })
}

func (l *Libvirt) UpdateKernelCmdline(cmdline string) error {
	return l.updateAndRedefine(func() error { return l.builder.SetCmdline(cmdline) })
}

func (l *Libvirt) UpdateSpec(spec vmspec.Spec) error {
	return l.updateAndRedefine(func() error {
		if err := l.builder.SetMemoryKiB(spec.MemoryKiB); err != nil {
			return err
		}
		if err := l.builder.SetVCPU(uint(spec.VCPUs())); err != nil {
			return err
		}
		return l.builder.SetTopology(spec.Sockets, spec.Cores, spec.Threads)
	})
}

func (l *Libvirt) updateAndRedefine(mutate func() error) error {
	dom, err := l.lookup()
	if err == nil {
		defer freeDomain(dom)
		if active, aErr := dom.IsActive(); aErr == nil && active {
			return fmt.Errorf("%w: shut the guest down before updating", ErrDomainActive)
		}
	}
	if err := mutate(); err != nil {
		return err
	}
	xml, err := l.builder.XML()
	if err != nil {
		return err
	}
	newDom, err := l.conn.DomainDefineXML(xml)
	if err != nil {
		return errors.Join(err, ErrDefineDomain)
	}
	freeDomain(newDom)
	return nil
}

// Close releases the hypervisor connection.
func (l *Libvirt) Close() error {
	_, err := l.conn.Close()
	return err
}

func freeDomain(dom *libvirt.Domain) {
	if err := dom.Free(); err != nil {
		slog.Debug("failed to free domain handle", "err", err.Error())
	}
}
