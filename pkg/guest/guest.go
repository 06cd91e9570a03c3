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

// Package guest is the VM lifecycle controller: it drives one guest
// through its backend, waits for convergence and reaches into the
// guest over SSH. A Factory creates and pools controllers.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/virtstack/virtstack/internal/cmdrunner"
	"github.com/virtstack/virtstack/internal/metrics"
	"github.com/virtstack/virtstack/internal/util/ssh"
	"github.com/virtstack/virtstack/pkg/vmimage"
	"github.com/virtstack/virtstack/pkg/vmm"
	"github.com/virtstack/virtstack/pkg/vmspec"
)

const (
	loopback       = "127.0.0.1"
	defaultSSHPort = 22

	// DefaultBootTimeout bounds WaitForSSHReady when the caller passes
	// zero.
	DefaultBootTimeout   = 180 * time.Second
	defaultCheckInterval = time.Second
)

var ErrUnknownState = errors.New("backend reported no state, connection is broken")

// Guest is one VM under control. Lifecycle operations are expected to
// be invoked sequentially; the controller adds no internal locking.
type Guest struct {
	Name    string
	ID      string
	Type    string
	Boot    string
	Spec    vmspec.Spec
	Distro  string
	Kernel  string
	Cmdline *vmspec.Cmdline

	// Keep flips to true when a remote command exits non-zero so the
	// guest survives automatic cleanup for post-mortem debugging.
	Keep bool

	// ForwardPort is the pre-reserved host port forwarding to guest
	// SSH, used when the backend cannot discover an address.
	ForwardPort int

	Image   *vmimage.Image
	backend vmm.Backend
}

// NewGuest binds a controller to its backend. Factories are the usual
// construction path.
func NewGuest(backend vmm.Backend, cfg vmm.GuestConfig, image *vmimage.Image, cmdline *vmspec.Cmdline) *Guest {
	return &Guest{
		Name:        cfg.Name,
		ID:          cfg.ID,
		Type:        cfg.Type,
		Boot:        cfg.Boot,
		Spec:        cfg.Spec,
		Distro:      cfg.Distro,
		Kernel:      cfg.Kernel,
		Cmdline:     cmdline,
		ForwardPort: cfg.ForwardPort,
		Image:       image,
		backend:     backend,
	}
}

// Backend exposes the adapter, e.g. for libvirt-only agent calls.
func (g *Guest) Backend() vmm.Backend { return g.backend }

func (g *Guest) Create(ctx context.Context, stopAtBeginning bool) error {
	slog.Debug("creating guest", "name", g.Name)
	if err := g.backend.Create(ctx, stopAtBeginning); err != nil {
		return err
	}
	metrics.VMsCreated.WithLabelValues(g.Type).Inc()
	return nil
}

func (g *Guest) Start(ctx context.Context) error {
	slog.Debug("starting guest", "name", g.Name)
	return g.backend.Start(ctx)
}

func (g *Guest) Suspend(ctx context.Context) error {
	slog.Debug("suspending guest", "name", g.Name)
	return g.backend.Suspend(ctx)
}

func (g *Guest) Resume(ctx context.Context) error {
	slog.Debug("resuming guest", "name", g.Name)
	return g.backend.Resume(ctx)
}

func (g *Guest) Reboot(ctx context.Context) error {
	slog.Debug("rebooting guest", "name", g.Name)
	return g.backend.Reboot(ctx)
}

func (g *Guest) Shutdown(ctx context.Context, mode vmm.ShutdownMode) error {
	slog.Debug("shutting down guest", "name", g.Name, "mode", string(mode))
	return g.backend.Shutdown(ctx, mode)
}

func (g *Guest) State(ctx context.Context) (vmspec.State, error) {
	return g.backend.State(ctx)
}

func (g *Guest) IP(ctx context.Context, forceRefresh bool) (string, error) {
	return g.backend.IP(ctx, forceRefresh)
}

func (g *Guest) UpdateKernel(kernel string) error {
	g.Kernel = kernel
	return g.backend.UpdateKernel(kernel)
}

func (g *Guest) UpdateKernelCmdline(cmdline *vmspec.Cmdline) error {
	g.Cmdline = cmdline
	return g.backend.UpdateKernelCmdline(cmdline.String())
}

func (g *Guest) UpdateSpec(spec vmspec.Spec) error {
	g.Spec = spec
	return g.backend.UpdateSpec(spec)
}

// Destroy tears the guest down. Image and log deletion are independent
// best-effort steps; no step aborts the rest.
func (g *Guest) Destroy(ctx context.Context, deleteImage, deleteLog, undefine bool) error {
	slog.Debug("destroying guest", "name", g.Name)
	if err := g.backend.Destroy(ctx, undefine); err != nil {
		slog.Warn("backend destroy failed", "name", g.Name, "err", err.Error())
	}
	if deleteImage && g.Image != nil {
		g.Image.Destroy()
	}
	if deleteLog {
		if dl, ok := g.backend.(interface{ DeleteLog() }); ok {
			dl.DeleteLog()
		}
	}
	metrics.VMsDestroyed.Inc()
	return nil
}

// WaitForState polls the backend once per second until the guest
// reaches target or the timeout elapses. An unknown state is a contract
// violation and fails immediately.
func (g *Guest) WaitForState(ctx context.Context, target vmspec.State, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		state, err := g.backend.State(ctx)
		if err != nil {
			return false, err
		}
		if state == vmspec.StateUnknown {
			return false, fmt.Errorf("%w: guest %s", ErrUnknownState, g.Name)
		}
		if state == target {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(defaultCheckInterval):
		}
	}
}

// WaitForSSHReady polls until the guest answers on its SSH port with a
// protocol banner, bounded by wall-clock time so slow iterations do not
// extend the budget. Returns true on banner match, false on timeout.
func (g *Guest) WaitForSSHReady(ctx context.Context, timeout, interval time.Duration) bool {
	if timeout == 0 {
		timeout = DefaultBootTimeout
	}
	if interval == 0 {
		interval = defaultCheckInterval
	}

	start := time.Now()
	slog.Debug("checking whether guest answers on SSH", "name", g.Name)

	for time.Since(start) < timeout {
		addr, err := g.sshAddr(ctx, true)
		if err != nil {
			slog.Error("address discovery failed", "name", g.Name, "err", err.Error())
			select {
			case <-ctx.Done():
				return false
			case <-time.After(interval):
			}
			continue
		}

		if checkSSHBanner(addr, interval) {
			slog.Info("guest SSH is ready",
				"name", g.Name, "duration", time.Since(start).String())
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	slog.Error("SSH connect timeout", "name", g.Name)
	return false
}

// sshAddr resolves the guest SSH endpoint, falling back to the
// loopback forward port when the backend lacks address discovery.
func (g *Guest) sshAddr(ctx context.Context, forceRefresh bool) (string, error) {
	ip, err := g.backend.IP(ctx, forceRefresh)
	if errors.Is(err, vmm.ErrNotSupported) {
		slog.Debug("no address discovery, using forward port",
			"name", g.Name, "port", g.ForwardPort)
		return net.JoinHostPort(loopback, strconv.Itoa(g.ForwardPort)), nil
	}
	if err != nil {
		return "", err
	}
	if ip == "" {
		return "", errors.New("no IP yet, neighbor table not ready")
	}
	return net.JoinHostPort(ip, strconv.Itoa(defaultSSHPort)), nil
}

// checkSSHBanner dials addr and looks for the "SSH-" prefix in the
// first bytes the server sends. Refused and timed out connections are
// tolerated as not-ready.
func checkSSHBanner(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil || n < 4 {
		return false
	}
	return string(buf[:4]) == "SSH-"
}

// SSHRun executes a command in the guest over SSH as root. A non-zero
// exit sets the Keep flag so the guest is not auto-destroyed.
func (g *Guest) SSHRun(ctx context.Context, keyPath, cmd string) (ssh.Result, error) {
	addr, err := g.sshAddr(ctx, false)
	if err != nil {
		return ssh.Result{ExitCode: -1}, err
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ssh.Result{ExitCode: -1}, err
	}

	client, err := ssh.NewClient(host, "root", keyPath, port)
	if err != nil {
		return ssh.Result{ExitCode: -1}, err
	}
	res, err := client.Run(ctx, cmd)
	if !res.Succeeded() {
		slog.Warn("guest command failed, keeping VM for inspection",
			"name", g.Name, "cmd", cmd, "exit", res.ExitCode)
		g.Keep = true
		metrics.SSHCommandFailures.Inc()
	}
	return res, err
}

// SSHRunDetached starts a command in the guest without waiting for it,
// via the system ssh client.
func (g *Guest) SSHRunDetached(ctx context.Context, keyPath, cmd string) (*cmdrunner.Runner, error) {
	addr, err := g.sshAddr(ctx, false)
	if err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	runner := cmdrunner.NewSSHRunner("root", host, keyPath, port, cmd)
	if err := runner.Start(ctx); err != nil {
		return nil, err
	}
	return runner, nil
}

// SCPIn copies a host path into the guest.
func (g *Guest) SCPIn(ctx context.Context, keyPath, source, target string) error {
	return g.scp(ctx, keyPath, source, target, true)
}

// SCPOut copies a guest path out to the host.
func (g *Guest) SCPOut(ctx context.Context, keyPath, source, target string) error {
	return g.scp(ctx, keyPath, source, target, false)
}

func (g *Guest) scp(ctx context.Context, keyPath, source, target string, in bool) error {
	addr, err := g.sshAddr(ctx, false)
	if err != nil {
		return err
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}

	src, dst := source, fmt.Sprintf("root@%s:%s", host, target)
	if !in {
		src, dst = fmt.Sprintf("root@%s:%s", host, source), target
	}
	runner := cmdrunner.NewSCPRunner(keyPath, port, src, dst)
	if err := runner.Run(ctx); err != nil {
		return err
	}
	if !runner.Succeeded() {
		return fmt.Errorf("scp failed: %v", runner.Stderr())
	}
	return nil
}
