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

// Package network prepares the host side of guest connectivity: the
// Linux bridge the guests attach to and the libvirt network defined on
// top of it.
package network

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var (
	ErrBridgeNameRequired = errors.New("bridge name is required")
	ErrNotABridge         = errors.New("link exists but is not a bridge")
)

// EnsureBridge creates the bridge if missing, assigns cidr (optional)
// and brings the link up. Idempotent.
func EnsureBridge(name, cidr string) error {
	if name == "" {
		return ErrBridgeNameRequired
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("lookup link %s: %w", name, err)
		}
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := netlink.LinkAdd(br); err != nil {
			return fmt.Errorf("create bridge %s: %w", name, err)
		}
		link = br
	}
	if _, ok := link.(*netlink.Bridge); !ok {
		return fmt.Errorf("%w: %s is a %s", ErrNotABridge, name, link.Type())
	}

	if cidr != "" {
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			return fmt.Errorf("parse bridge cidr %s: %w", cidr, err)
		}
		if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("assign %s to bridge %s: %w", cidr, name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring bridge %s up: %w", name, err)
	}
	return nil
}

// DeleteBridge removes the bridge. A missing bridge is success.
func DeleteBridge(name string) error {
	if name == "" {
		return ErrBridgeNameRequired
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("lookup link %s: %w", name, err)
	}
	if _, ok := link.(*netlink.Bridge); !ok {
		return fmt.Errorf("%w: refusing to delete %s", ErrNotABridge, name)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete bridge %s: %w", name, err)
	}
	return nil
}

// BridgeExists reports whether a bridge link of that name is present.
func BridgeExists(name string) (bool, error) {
	if name == "" {
		return false, ErrBridgeNameRequired
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup link %s: %w", name, err)
	}
	_, ok := link.(*netlink.Bridge)
	return ok, nil
}
