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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtstack/virtstack/internal/k8s"
	"github.com/virtstack/virtstack/internal/metrics"
	"github.com/virtstack/virtstack/internal/util/gracefulshutdown"
	"github.com/virtstack/virtstack/pkg/guest"
	"github.com/virtstack/virtstack/pkg/vmm"
	"github.com/virtstack/virtstack/pkg/vmspec"
)

var (
	flagVMType        string
	flagImage         string
	flagKernel        string
	flagDescriptorDir string
	flagSSHKey        string
	flagBootTimeout   time.Duration
	flagMetricsPort   int
	flagBackend       string
	flagKubeconfig    string
	flagVMTemplate    string
	flagNamespace     string
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage guest VMs on the local hypervisor",
}

var vmBootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Create and boot a guest, waiting until SSH answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		gs := gracefulshutdown.New("virtstack vm boot")
		ctx := gs.Context()

		if flagMetricsPort > 0 {
			srv := metrics.SetupServer(flagMetricsPort, "")
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server failed", "err", err.Error())
				}
			}()
			gs.OnShutdown(func() { _ = srv.Close() })
		}

		newBackend, err := newBackendFactory()
		if err != nil {
			return err
		}
		factory, err := guest.NewFactory(flagImage, flagKernel, newBackend)
		if err != nil {
			return err
		}
		factory.SetKeepUnhealthy(flagKeepFailed)

		// An interrupt mid-boot tears the half-built guest down; once the
		// boot succeeds the guest outlives the command.
		releaseGuests := gs.OnShutdown(func() { factory.RemoveAll(context.Background()) })

		if err := bootGuest(ctx, factory); err != nil {
			factory.RemoveAll(context.Background())
			return err
		}
		releaseGuests()
		return nil
	},
}

// newBackendFactory binds the hypervisor selected by --backend: a local
// libvirt daemon, or a KubeVirt cluster stamping guests from one
// VirtualMachine manifest.
func newBackendFactory() (guest.BackendFactory, error) {
	switch flagBackend {
	case "libvirt":
		return guest.LibvirtBackendFactory(vmm.LibvirtOptions{
			DescriptorDir: flagDescriptorDir,
		}), nil
	case "kubevirt":
		if flagVMTemplate == "" {
			return nil, errors.New("--backend kubevirt requires --vm-template")
		}
		restConfig, err := k8s.NewKubeRestConfig(flagKubeconfig)
		if err != nil {
			return nil, err
		}
		c, err := k8s.NewKubeClient(restConfig)
		if err != nil {
			return nil, err
		}
		return guest.KubeVirtBackendFactory(c, flagVMTemplate, vmm.KubeVirtOptions{
			Namespace: flagNamespace,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want libvirt or kubevirt)", flagBackend)
	}
}

func bootGuest(ctx context.Context, factory *guest.Factory) error {
	g, err := factory.NewVM(ctx, guest.VMOptions{
		Type:        flagVMType,
		Spec:        vmspec.ModelBase(),
		GuestDistro: flagGuestDistro,
	})
	if err != nil {
		return err
	}

	if err := g.Create(ctx, true); err != nil {
		return err
	}
	if err := g.Start(ctx); err != nil {
		return err
	}
	if !g.WaitForSSHReady(ctx, flagBootTimeout, 0) {
		g.Keep = true
		return fmt.Errorf("guest %s did not answer on SSH within %s",
			g.Name, flagBootTimeout)
	}

	ip, err := g.IP(ctx, false)
	if err != nil && !errors.Is(err, vmm.ErrNotSupported) {
		return err
	}
	fmt.Printf("name: %s\nid:   %s\nip:   %s\n", g.Name, g.ID, ip)

	if flagSSHKey != "" {
		res, err := g.SSHRun(ctx, flagSSHKey, "uname -r")
		if err != nil {
			return err
		}
		fmt.Printf("kernel: %s", res.Stdout)
	}
	return nil
}

var vmDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy a guest and its descriptor file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := vmm.NewLibvirtForExisting(args[0], vmm.LibvirtOptions{
			DescriptorDir: flagDescriptorDir,
		})
		if err != nil {
			return err
		}
		defer backend.Close()
		return backend.Destroy(context.Background(), true)
	},
}

func init() {
	vmCmd.PersistentFlags().StringVar(&flagVMType, "type", vmspec.TypeTD,
		"VM flavor (td, efi, legacy, sgx)")
	vmCmd.PersistentFlags().StringVar(&flagImage, "image", "",
		"mother image path (qcow2)")
	vmCmd.PersistentFlags().StringVar(&flagKernel, "kernel", "",
		"guest kernel for direct boot")
	vmCmd.PersistentFlags().StringVar(&flagDescriptorDir, "descriptor-dir", "/tmp",
		"directory receiving per-guest descriptor files")
	vmCmd.PersistentFlags().StringVar(&flagSSHKey, "ssh-key", "",
		"private key used to reach guests")
	vmCmd.PersistentFlags().DurationVar(&flagBootTimeout, "boot-timeout",
		guest.DefaultBootTimeout, "how long to wait for SSH readiness")
	vmCmd.PersistentFlags().IntVar(&flagMetricsPort, "metrics-port", 0,
		"serve Prometheus metrics on this port (0 disables)")
	vmCmd.PersistentFlags().StringVar(&flagBackend, "backend", "libvirt",
		"hypervisor backend (libvirt or kubevirt)")
	vmCmd.PersistentFlags().StringVar(&flagKubeconfig, "kubeconfig", "",
		"kubeconfig path for the kubevirt backend ("+k8s.InClusterConfig+
			" uses the pod service account, empty uses the default loading rules)")
	vmCmd.PersistentFlags().StringVar(&flagVMTemplate, "vm-template", "",
		"VirtualMachine manifest the kubevirt backend stamps guests from")
	vmCmd.PersistentFlags().StringVar(&flagNamespace, "namespace", "default",
		"namespace the kubevirt backend creates guests in")

	vmCmd.AddCommand(vmBootCmd)
	vmCmd.AddCommand(vmDestroyCmd)
}
