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

package network

import (
	"errors"
	"fmt"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// Network modes. Bridge mode attaches guests to an existing Linux
// bridge; nat and isolated let libvirt manage its own bridge and
// dnsmasq instance.
const (
	ModeBridge   = "bridge"
	ModeNAT      = "nat"
	ModeIsolated = "isolated"
)

// Defaults chosen to stay clear of libvirt's default network
// (192.168.122.0/24).
const (
	defaultNATAddress      = "192.168.150.1"
	defaultIsolatedAddress = "192.168.151.1"
	defaultNetmask         = "255.255.255.0"
)

var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
	ErrBadNetworkMode      = errors.New("unsupported network mode")
	ErrDefineNetwork       = errors.New("failed to define libvirt network")
	ErrStartNetwork        = errors.New("failed to start libvirt network")
)

// Config describes one libvirt network.
type Config struct {
	Name string
	Mode string // bridge, nat or isolated; default bridge
	// Bridge is the Linux bridge to attach to; required in bridge mode.
	Bridge string
	// IPAddress and Netmask configure the nat/isolated subnet.
	IPAddress string
	Netmask   string
}

// Info is the observed state of a network.
type Info struct {
	Name      string
	Bridge    string
	Mode      string
	Active    bool
	Autostart bool
}

// Manager defines, starts and removes libvirt networks over one shared
// connection owned by the caller.
type Manager struct {
	conn *libvirt.Connect
}

func NewManager(conn *libvirt.Connect) *Manager {
	return &Manager{conn: conn}
}

// Ensure defines and starts the network, marking it autostart. An
// already-defined network is simply started if inactive.
func (m *Manager) Ensure(cfg Config) error {
	if cfg.Name == "" {
		return ErrNetworkNameRequired
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBridge
	}

	_, err := m.Info(cfg.Name)
	if err == nil {
		return m.activate(cfg.Name)
	}
	if !errors.Is(err, ErrNetworkNotFound) {
		return err
	}

	xml, err := GenerateXML(cfg)
	if err != nil {
		return err
	}
	net, err := m.conn.NetworkDefineXML(xml)
	if err != nil {
		return errors.Join(err, ErrDefineNetwork)
	}
	defer func() { _ = net.Free() }()

	if err := net.Create(); err != nil {
		_ = net.Undefine()
		return errors.Join(err, ErrStartNetwork)
	}
	// Autostart is a convenience, not a requirement.
	_ = net.SetAutostart(true)
	return nil
}

func (m *Manager) activate(name string) error {
	net, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		return fmt.Errorf("lookup network %s: %w", name, err)
	}
	defer func() { _ = net.Free() }()

	active, err := net.IsActive()
	if err != nil {
		return fmt.Errorf("check network %s: %w", name, err)
	}
	if active {
		return nil
	}
	if err := net.Create(); err != nil {
		return errors.Join(err, ErrStartNetwork)
	}
	return nil
}

// Info describes the named network, or ErrNetworkNotFound.
func (m *Manager) Info(name string) (*Info, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}
	net, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		var lvErr libvirt.Error
		if errors.As(err, &lvErr) && lvErr.Code == libvirt.ERR_NO_NETWORK {
			return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
		}
		return nil, fmt.Errorf("lookup network %s: %w", name, err)
	}
	defer func() { _ = net.Free() }()

	active, err := net.IsActive()
	if err != nil {
		return nil, fmt.Errorf("check network %s: %w", name, err)
	}
	autostart, err := net.GetAutostart()
	if err != nil {
		return nil, fmt.Errorf("check network %s autostart: %w", name, err)
	}
	desc, err := net.GetXMLDesc(0)
	if err != nil {
		return nil, fmt.Errorf("describe network %s: %w", name, err)
	}
	var doc libvirtxml.Network
	if err := doc.Unmarshal(desc); err != nil {
		return nil, fmt.Errorf("parse network %s xml: %w", name, err)
	}

	info := &Info{Name: name, Mode: ModeIsolated, Active: active, Autostart: autostart}
	if doc.Bridge != nil {
		info.Bridge = doc.Bridge.Name
	}
	if doc.Forward != nil {
		info.Mode = doc.Forward.Mode
	}
	return info, nil
}

// Delete stops and undefines the network. Missing is success.
func (m *Manager) Delete(name string) error {
	if name == "" {
		return ErrNetworkNameRequired
	}
	net, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		var lvErr libvirt.Error
		if errors.As(err, &lvErr) && lvErr.Code == libvirt.ERR_NO_NETWORK {
			return nil
		}
		return fmt.Errorf("lookup network %s: %w", name, err)
	}
	defer func() { _ = net.Free() }()

	active, err := net.IsActive()
	if err != nil {
		return fmt.Errorf("check network %s: %w", name, err)
	}
	if active {
		if err := net.Destroy(); err != nil {
			return fmt.Errorf("stop network %s: %w", name, err)
		}
	}
	if err := net.Undefine(); err != nil {
		return fmt.Errorf("undefine network %s: %w", name, err)
	}
	return nil
}

// GenerateXML renders the libvirt network document for cfg.
func GenerateXML(cfg Config) (string, error) {
	doc := &libvirtxml.Network{Name: cfg.Name}

	switch cfg.Mode {
	case ModeBridge:
		if cfg.Bridge == "" {
			return "", fmt.Errorf("%w for bridge mode", ErrBridgeNameRequired)
		}
		doc.Forward = &libvirtxml.NetworkForward{Mode: ModeBridge}
		doc.Bridge = &libvirtxml.NetworkBridge{Name: cfg.Bridge}

	case ModeNAT, ModeIsolated:
		if cfg.Mode == ModeNAT {
			doc.Forward = &libvirtxml.NetworkForward{Mode: ModeNAT}
		}
		doc.Bridge = &libvirtxml.NetworkBridge{STP: "on"}
		addr := cfg.IPAddress
		if addr == "" {
			addr = defaultNATAddress
			if cfg.Mode == ModeIsolated {
				addr = defaultIsolatedAddress
			}
		}
		mask := cfg.Netmask
		if mask == "" {
			mask = defaultNetmask
		}
		doc.IPs = []libvirtxml.NetworkIP{{Address: addr, Netmask: mask}}

	default:
		return "", fmt.Errorf("%w: %s", ErrBadNetworkMode, cfg.Mode)
	}

	xml, err := doc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal network xml: %w", err)
	}
	return xml, nil
}
