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

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"libvirt.org/go/libvirt"

	"github.com/virtstack/virtstack/pkg/network"
)

var (
	flagNetMode    string
	flagNetBridge  string
	flagNetCIDR    string
	flagNetIP      string
	flagNetMask    string
	flagLibvirtURI string
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage the host network guests attach to",
}

var networkEnsureCmd = &cobra.Command{
	Use:   "ensure <name>",
	Short: "Create the bridge and libvirt network if missing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		if flagNetMode == network.ModeBridge {
			if err := network.EnsureBridge(flagNetBridge, flagNetCIDR); err != nil {
				return err
			}
		}

		conn, err := libvirt.NewConnect(flagLibvirtURI)
		if err != nil {
			return err
		}
		defer func() { _, _ = conn.Close() }()

		mgr := network.NewManager(conn)
		if err := mgr.Ensure(network.Config{
			Name:      name,
			Mode:      flagNetMode,
			Bridge:    flagNetBridge,
			IPAddress: flagNetIP,
			Netmask:   flagNetMask,
		}); err != nil {
			return err
		}

		info, err := mgr.Info(name)
		if err != nil {
			return err
		}
		fmt.Printf("network: %s\nmode:    %s\nbridge:  %s\nactive:  %t\n",
			info.Name, info.Mode, info.Bridge, info.Active)
		return nil
	},
}

var networkRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove the libvirt network and its bridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := libvirt.NewConnect(flagLibvirtURI)
		if err != nil {
			return err
		}
		defer func() { _, _ = conn.Close() }()

		if err := network.NewManager(conn).Delete(args[0]); err != nil {
			return err
		}
		if flagNetMode == network.ModeBridge && flagNetBridge != "" {
			return network.DeleteBridge(flagNetBridge)
		}
		return nil
	},
}

func init() {
	networkCmd.PersistentFlags().StringVar(&flagNetMode, "mode", network.ModeBridge,
		"network mode (bridge, nat, isolated)")
	networkCmd.PersistentFlags().StringVar(&flagNetBridge, "bridge", "br-guests",
		"Linux bridge name for bridge mode")
	networkCmd.PersistentFlags().StringVar(&flagNetCIDR, "cidr", "",
		"optional host address assigned to the bridge, e.g. 192.168.100.1/24")
	networkCmd.PersistentFlags().StringVar(&flagNetIP, "ip", "",
		"network address for nat/isolated mode")
	networkCmd.PersistentFlags().StringVar(&flagNetMask, "netmask", "",
		"netmask for nat/isolated mode")
	networkCmd.PersistentFlags().StringVar(&flagLibvirtURI, "uri", "qemu:///system",
		"libvirt connection URI")

	networkCmd.AddCommand(networkEnsureCmd)
	networkCmd.AddCommand(networkRemoveCmd)
}
