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

// Package domain builds and mutates libvirt domain descriptors. A
// Builder is cloned from a named template, mutated field by field, and
// persisted to its backing XML file on every state-changing call so the
// in-memory document and the on-disk file never diverge.
package domain

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"

	"github.com/virtstack/virtstack/pkg/vmspec"
)

var (
	ErrUnknownVMType     = errors.New("no descriptor template for VM type")
	ErrUnknownTemplate   = errors.New("unknown descriptor template")
	ErrParseTemplate     = errors.New("failed to parse descriptor template")
	ErrLoadDescriptor    = errors.New("failed to load descriptor file")
	ErrSaveDescriptor    = errors.New("failed to save descriptor file")
	ErrMarshalDescriptor = errors.New("failed to marshal descriptor")
	ErrNoSuchElement     = errors.New("descriptor element not found")
	ErrAmbiguousElement  = errors.New("descriptor element is ambiguous")
	ErrBadHugepageSize   = errors.New("hugepage size must be 2M or 1G")
	ErrBadCPUPinning     = errors.New("cpu pinning needs one io thread cpu and at least one vcpu")
)

// Builder wraps one domain document plus the file backing it. The zero
// value is unusable; construct via Clone or Load.
type Builder struct {
	doc  libvirtxml.Domain
	path string
}

// Clone loads the named embedded template, binds it to
// outputDir/<newName>.xml and renames the domain. outputDir is explicit;
// there is no package-global output location.
func Clone(template, newName, outputDir string) (*Builder, error) {
	data, err := templateXML(template)
	if err != nil {
		return nil, err
	}

	b := &Builder{}
	if err := b.doc.Unmarshal(string(data)); err != nil {
		return nil, errors.Join(err, ErrParseTemplate)
	}

	b.path = filepath.Join(outputDir, newName+".xml")
	if err := b.save(); err != nil {
		return nil, err
	}
	if err := b.SetName(newName); err != nil {
		return nil, err
	}
	return b, nil
}

// CloneForType picks the template matching the VM flavor and clones it.
func CloneForType(vmType, newName, outputDir string) (*Builder, error) {
	template, err := TemplateForType(vmType)
	if err != nil {
		return nil, err
	}
	return Clone(template, newName, outputDir)
}

// Load reads an existing descriptor file.
func Load(path string) (*Builder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, ErrLoadDescriptor)
	}
	b := &Builder{path: path}
	if err := b.doc.Unmarshal(string(data)); err != nil {
		return nil, errors.Join(err, ErrLoadDescriptor)
	}
	return b, nil
}

// Path returns the backing file path, empty when the descriptor is
// in-memory only.
func (b *Builder) Path() string { return b.path }

// Document exposes the underlying document for read-only inspection.
func (b *Builder) Document() *libvirtxml.Domain { return &b.doc }

// XML serializes the current document.
func (b *Builder) XML() (string, error) {
	s, err := b.doc.Marshal()
	if err != nil {
		return "", errors.Join(err, ErrMarshalDescriptor)
	}
	return s, nil
}

// SaveAs writes the document to a new backing file and rebinds the
// builder to it.
func (b *Builder) SaveAs(path string) error {
	b.path = path
	return b.save()
}

// Remove deletes the backing file. Missing files are not an error.
func (b *Builder) Remove() error {
	if b.path == "" {
		return nil
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// save persists the document. A descriptor with no associated file keeps
// its in-memory state and only warns, matching the setter contract.
func (b *Builder) save() error {
	if b.path == "" {
		slog.Warn("descriptor has no backing file, keeping changes in memory only")
		return nil
	}
	s, err := b.doc.Marshal()
	if err != nil {
		return errors.Join(err, ErrMarshalDescriptor)
	}
	if err := os.WriteFile(b.path, []byte(s+"\n"), 0o644); err != nil {
		return errors.Join(err, ErrSaveDescriptor)
	}
	return nil
}

// --- scalar setters -------------------------------------------------

// Every setter below is a no-op when the new value equals the current
// one, so an unchanged set never rewrites the backing file.

func (b *Builder) Name() string { return b.doc.Name }

func (b *Builder) SetName(name string) error {
	if b.doc.Name == name {
		return nil
	}
	b.doc.Name = name
	return b.save()
}

func (b *Builder) UUID() string { return b.doc.UUID }

func (b *Builder) SetUUID(id string) error {
	if b.doc.UUID == id {
		return nil
	}
	b.doc.UUID = id
	return b.save()
}

func (b *Builder) MemoryKiB() uint {
	if b.doc.Memory == nil {
		return 0
	}
	return b.doc.Memory.Value
}

func (b *Builder) SetMemoryKiB(v uint) error {
	if b.doc.Memory != nil && b.doc.Memory.Value == v && b.doc.Memory.Unit == "KiB" {
		return nil
	}
	b.doc.Memory = &libvirtxml.DomainMemory{Value: v, Unit: "KiB"}
	return b.save()
}

func (b *Builder) VCPU() uint {
	if b.doc.VCPU == nil {
		return 0
	}
	return b.doc.VCPU.Value
}

func (b *Builder) SetVCPU(v uint) error {
	if b.doc.VCPU != nil && b.doc.VCPU.Value == v {
		return nil
	}
	b.doc.VCPU = &libvirtxml.DomainVCPU{Value: v}
	return b.save()
}

// SetTopology sets the cpu topology element in one write.
func (b *Builder) SetTopology(sockets, cores, threads int) error {
	if b.doc.CPU == nil {
		b.doc.CPU = &libvirtxml.DomainCPU{}
	}
	t := b.doc.CPU.Topology
	if t != nil && t.Sockets == sockets && t.Cores == cores && t.Threads == threads {
		return nil
	}
	b.doc.CPU.Topology = &libvirtxml.DomainCPUTopology{
		Sockets: sockets,
		Cores:   cores,
		Threads: threads,
	}
	return b.save()
}

func (b *Builder) Kernel() string {
	if b.doc.OS == nil {
		return ""
	}
	return b.doc.OS.Kernel
}

// SetKernel sets the direct-boot kernel. An empty value removes the
// element (firmware boot).
func (b *Builder) SetKernel(kernel string) error {
	if b.doc.OS == nil {
		b.doc.OS = &libvirtxml.DomainOS{}
	}
	if b.doc.OS.Kernel == kernel {
		return nil
	}
	b.doc.OS.Kernel = kernel
	return b.save()
}

func (b *Builder) Cmdline() string {
	if b.doc.OS == nil {
		return ""
	}
	return b.doc.OS.Cmdline
}

// SetCmdline sets the direct-boot kernel command line. An empty value
// removes the element.
func (b *Builder) SetCmdline(cmdline string) error {
	if b.doc.OS == nil {
		b.doc.OS = &libvirtxml.DomainOS{}
	}
	if b.doc.OS.Cmdline == cmdline {
		return nil
	}
	b.doc.OS.Cmdline = cmdline
	return b.save()
}

func (b *Builder) Loader() string {
	if b.doc.OS == nil || b.doc.OS.Loader == nil {
		return ""
	}
	return b.doc.OS.Loader.Path
}

func (b *Builder) SetLoader(path string) error {
	if b.doc.OS == nil {
		b.doc.OS = &libvirtxml.DomainOS{}
	}
	if b.doc.OS.Loader != nil && b.doc.OS.Loader.Path == path {
		return nil
	}
	b.doc.OS.Loader = &libvirtxml.DomainLoader{Path: path}
	return b.save()
}

func (b *Builder) Emulator() string {
	if b.doc.Devices == nil {
		return ""
	}
	return b.doc.Devices.Emulator
}

func (b *Builder) SetEmulator(path string) error {
	if b.doc.Devices == nil {
		b.doc.Devices = &libvirtxml.DomainDeviceList{}
	}
	if b.doc.Devices.Emulator == path {
		return nil
	}
	b.doc.Devices.Emulator = path
	return b.save()
}

// --- element lookups ------------------------------------------------

// primaryDisk returns the disk whose target is vda. Zero or multiple
// matches violate the single-occurrence contract.
func (b *Builder) primaryDisk() (*libvirtxml.DomainDisk, error) {
	if b.doc.Devices == nil {
		return nil, fmt.Errorf("%w: devices/disk", ErrNoSuchElement)
	}
	var found *libvirtxml.DomainDisk
	for i := range b.doc.Devices.Disks {
		d := &b.doc.Devices.Disks[i]
		if d.Target != nil && d.Target.Dev == "vda" {
			if found != nil {
				return nil, fmt.Errorf("%w: devices/disk[vda]", ErrAmbiguousElement)
			}
			found = d
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: devices/disk[vda]", ErrNoSuchElement)
	}
	return found, nil
}

// bridgeInterface returns the interface distinguished by its bridge
// source among the interface definitions.
func (b *Builder) bridgeInterface() (*libvirtxml.DomainInterface, error) {
	if b.doc.Devices == nil {
		return nil, fmt.Errorf("%w: devices/interface", ErrNoSuchElement)
	}
	var found *libvirtxml.DomainInterface
	for i := range b.doc.Devices.Interfaces {
		iface := &b.doc.Devices.Interfaces[i]
		if iface.Source != nil && iface.Source.Bridge != nil {
			if found != nil {
				return nil, fmt.Errorf("%w: devices/interface[bridge]", ErrAmbiguousElement)
			}
			found = iface
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: devices/interface[bridge]", ErrNoSuchElement)
	}
	return found, nil
}

func (b *Builder) console() (*libvirtxml.DomainConsole, error) {
	if b.doc.Devices == nil || len(b.doc.Devices.Consoles) == 0 {
		return nil, fmt.Errorf("%w: devices/console", ErrNoSuchElement)
	}
	if len(b.doc.Devices.Consoles) > 1 {
		return nil, fmt.Errorf("%w: devices/console", ErrAmbiguousElement)
	}
	return &b.doc.Devices.Consoles[0], nil
}

// --- disk and console setters ----------------------------------------

func (b *Builder) ImageFile() string {
	d, err := b.primaryDisk()
	if err != nil || d.Source == nil || d.Source.File == nil {
		return ""
	}
	return d.Source.File.File
}

func (b *Builder) SetImageFile(path string) error {
	d, err := b.primaryDisk()
	if err != nil {
		return err
	}
	if d.Source != nil && d.Source.File != nil && d.Source.File.File == path {
		return nil
	}
	d.Source = &libvirtxml.DomainDiskSource{
		File: &libvirtxml.DomainDiskSourceFile{File: path},
	}
	return b.save()
}

func (b *Builder) IOMode() string {
	d, err := b.primaryDisk()
	if err != nil || d.Driver == nil {
		return ""
	}
	return d.Driver.IO
}

func (b *Builder) SetIOMode(mode string) error {
	d, err := b.primaryDisk()
	if err != nil {
		return err
	}
	if d.Driver == nil {
		d.Driver = &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"}
	}
	if d.Driver.IO == mode {
		return nil
	}
	d.Driver.IO = mode
	return b.save()
}

func (b *Builder) Cache() string {
	d, err := b.primaryDisk()
	if err != nil || d.Driver == nil {
		return ""
	}
	return d.Driver.Cache
}

func (b *Builder) SetCache(cache string) error {
	d, err := b.primaryDisk()
	if err != nil {
		return err
	}
	if d.Driver == nil {
		d.Driver = &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"}
	}
	if d.Driver.Cache == cache {
		return nil
	}
	d.Driver.Cache = cache
	return b.save()
}

func (b *Builder) LogFile() string {
	c, err := b.console()
	if err != nil || c.Log == nil {
		return ""
	}
	return c.Log.File
}

func (b *Builder) SetLogFile(path string) error {
	c, err := b.console()
	if err != nil {
		return err
	}
	if c.Log != nil && c.Log.File == path {
		return nil
	}
	c.Log = &libvirtxml.DomainChardevLog{File: path, Append: "off"}
	return b.save()
}

// SetInterfaceDriver sets the backend driver on the bridge interface.
func (b *Builder) SetInterfaceDriver(name string) error {
	iface, err := b.bridgeInterface()
	if err != nil {
		return err
	}
	if iface.Driver != nil && iface.Driver.Name == name {
		return nil
	}
	iface.Driver = &libvirtxml.DomainInterfaceDriver{Name: name}
	return b.save()
}

// AddDataDisk attaches a secondary qcow2 disk as vdb, inheriting the
// primary disk's io/cache tuning and pinning it to io thread 2.
func (b *Builder) AddDataDisk(path string) error {
	primary, err := b.primaryDisk()
	if err != nil {
		return err
	}
	driver := &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2", IOThread: ptr.To(uint(2))}
	if primary.Driver != nil {
		driver.IO = primary.Driver.IO
		driver.Cache = primary.Driver.Cache
	}
	b.doc.Devices.Disks = append(b.doc.Devices.Disks, libvirtxml.DomainDisk{
		Device: "disk",
		Driver: driver,
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: path},
		},
		Target: &libvirtxml.DomainDiskTarget{Dev: "vdb", Bus: "virtio"},
	})
	return b.save()
}

// --- placement and feature setters ------------------------------------

// BindCPUIDs pins the domain to explicit host cpus: the first id hosts
// the io thread, the rest map to vcpus 0..n in order.
func (b *Builder) BindCPUIDs(cpuIDs []int) error {
	if len(cpuIDs) < 2 {
		return ErrBadCPUPinning
	}
	tune := &libvirtxml.DomainCPUTune{
		IOThreadPin: []libvirtxml.DomainCPUTuneIOThreadPin{
			{IOThread: 1, CPUSet: fmt.Sprintf("%d", cpuIDs[0])},
		},
	}
	for vcpu, id := range cpuIDs[1:] {
		tune.VCPUPin = append(tune.VCPUPin, libvirtxml.DomainCPUTuneVCPUPin{
			VCPU:   uint(vcpu),
			CPUSet: fmt.Sprintf("%d", id),
		})
	}
	b.doc.CPUTune = tune
	b.doc.IOThreads = 2
	return b.save()
}

// SetMemNUMA places guest memory strictly on node 0 (local) or node 1
// (remote).
func (b *Builder) SetMemNUMA(local bool) error {
	nodeset := "1"
	if local {
		nodeset = "0"
	}
	m := &libvirtxml.DomainNUMATuneMemory{Mode: "strict", Nodeset: nodeset}
	if b.doc.NUMATune != nil && b.doc.NUMATune.Memory != nil &&
		*b.doc.NUMATune.Memory == *m {
		return nil
	}
	b.doc.NUMATune = &libvirtxml.DomainNUMATune{Memory: m}
	return b.save()
}

// SetHugepages backs guest memory with hugepages of the given size.
func (b *Builder) SetHugepages(size string) error {
	var page libvirtxml.DomainMemoryHugepage
	switch size {
	case vmspec.Hugepages2M:
		page = libvirtxml.DomainMemoryHugepage{Size: 2, Unit: "M"}
	case vmspec.Hugepages1G:
		page = libvirtxml.DomainMemoryHugepage{Size: 1, Unit: "G"}
	default:
		return fmt.Errorf("%w: %q", ErrBadHugepageSize, size)
	}
	if b.doc.MemoryBacking == nil {
		b.doc.MemoryBacking = &libvirtxml.DomainMemoryBacking{}
	}
	b.doc.MemoryBacking.MemoryHugePages = &libvirtxml.DomainMemoryHugepages{
		Hugepages: []libvirtxml.DomainMemoryHugepage{page},
	}
	return b.save()
}

// SetHugepagePath switches memory backing to a file source for
// path-backed hugepage setups.
func (b *Builder) SetHugepagePath(path string) error {
	if b.doc.MemoryBacking == nil {
		b.doc.MemoryBacking = &libvirtxml.DomainMemoryBacking{}
	}
	b.doc.MemoryBacking.MemorySource = &libvirtxml.DomainMemorySource{Type: "file"}
	b.addQEMUArgs("-object", fmt.Sprintf("memory-backend-file,id=mem0,share=on,mem-path=%s", path))
	return b.save()
}

// SetVsock adds a virtio vsock device with a fixed cid.
func (b *Builder) SetVsock(cid uint) error {
	if b.doc.Devices == nil {
		b.doc.Devices = &libvirtxml.DomainDeviceList{}
	}
	v := &libvirtxml.DomainVSock{
		Model: "virtio",
		CID: &libvirtxml.DomainVSockCID{
			Auto:    "no",
			Address: fmt.Sprintf("%d", cid),
		},
	}
	if b.doc.Devices.VSock != nil && b.doc.Devices.VSock.CID != nil &&
		*b.doc.Devices.VSock.CID == *v.CID {
		return nil
	}
	b.doc.Devices.VSock = v
	return b.save()
}

// SetTPM binds an emulated TPM 2.0 companion to the domain.
func (b *Builder) SetTPM() error {
	if b.doc.Devices == nil {
		b.doc.Devices = &libvirtxml.DomainDeviceList{}
	}
	if len(b.doc.Devices.TPMs) > 0 {
		return nil
	}
	b.doc.Devices.TPMs = []libvirtxml.DomainTPM{
		{
			Model: "tpm-crb",
			Backend: &libvirtxml.DomainTPMBackend{
				Emulator: &libvirtxml.DomainTPMBackendEmulator{Version: "2.0"},
			},
		},
	}
	return b.save()
}

// --- raw emulator argument injection ----------------------------------

// addQEMUArgs appends raw emulator arguments. Repeated same-tag args are
// the normal case here, so duplicates are always allowed.
func (b *Builder) addQEMUArgs(values ...string) {
	if b.doc.QEMUCommandline == nil {
		b.doc.QEMUCommandline = &libvirtxml.DomainQEMUCommandline{}
	}
	for _, v := range values {
		b.doc.QEMUCommandline.Args = append(
			b.doc.QEMUCommandline.Args,
			libvirtxml.DomainQEMUCommandlineArg{Value: v},
		)
	}
}

// QEMUArgs returns the injected raw arguments in order.
func (b *Builder) QEMUArgs() []string {
	if b.doc.QEMUCommandline == nil {
		return nil
	}
	out := make([]string, 0, len(b.doc.QEMUCommandline.Args))
	for _, a := range b.doc.QEMUCommandline.Args {
		out = append(out, a.Value)
	}
	return out
}

// AddCPUParams injects a raw -cpu flag set.
func (b *Builder) AddCPUParams(params string) error {
	b.addQEMUArgs("-cpu", params)
	return b.save()
}

// AddOvercommit injects a raw -overcommit parameter.
func (b *Builder) AddOvercommit(param string) error {
	b.addQEMUArgs("-overcommit", param)
	return b.save()
}

// SetEPCRegions emits one memory-backend-epc object per region in the
// order given, then a single aggregate machine directive referencing
// every region by its generated id.
func (b *Builder) SetEPCRegions(regions []vmspec.EPCRegion) error {
	if len(regions) == 0 {
		return vmspec.ErrNoEPCRegions
	}
	aggregate := ""
	for i, r := range regions {
		prealloc := ""
		if r.Prealloc {
			prealloc = ",prealloc=on"
		}
		b.addQEMUArgs(
			"-object",
			fmt.Sprintf("memory-backend-epc,id=mem%d,size=%s%s", i+1, r.Size, prealloc),
		)
		if i > 0 {
			aggregate += ","
		}
		aggregate += fmt.Sprintf("sgx-epc.%d.memdev=mem%d,sgx-epc.%d.node=%d", i, i+1, i, r.Node)
	}
	b.addQEMUArgs("-M", aggregate)
	return b.save()
}

// EnableSSHForward adds a user-mode nic forwarding host port -> guest 22
// for backends without bridge address discovery.
func (b *Builder) EnableSSHForward(port int) error {
	b.addQEMUArgs(
		"-device",
		"virtio-net-pci,netdev=fwd0,mac=00:16:3e:68:00:10,romfile=",
		"-netdev",
		fmt.Sprintf("user,id=fwd0,hostfwd=tcp::%d-:22", port),
	)
	return b.save()
}
