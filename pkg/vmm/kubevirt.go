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
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/virtstack/virtstack/pkg/vmspec"
)

var (
	ErrLoadVMTemplate = errors.New("failed to load VirtualMachine template")
	ErrVMNotReady     = errors.New("VirtualMachine did not become ready")
	ErrNoInterfaces   = errors.New("VirtualMachineInstance reports no interfaces")
)

var (
	vmGVK = schema.GroupVersionKind{
		Group: "kubevirt.io", Version: "v1", Kind: "VirtualMachine",
	}
	vmiGVK = schema.GroupVersionKind{
		Group: "kubevirt.io", Version: "v1", Kind: "VirtualMachineInstance",
	}
)

// KubeVirtOptions tunes adapter construction.
type KubeVirtOptions struct {
	Namespace string // default "default"
	// Interval and Timeout bound the readiness and address polls.
	// Defaults: 2 seconds, 660 seconds.
	Interval time.Duration
	Timeout  time.Duration
}

// KubeVirt drives one guest as a kubevirt.io/v1 VirtualMachine custom
// resource. Conflicting creates and missing deletes are success: the
// desired end state already holds.
type KubeVirt struct {
	client    client.Client
	name      string
	namespace string
	vm        *unstructured.Unstructured

	interval time.Duration
	timeout  time.Duration
}

// NewKubeVirt wraps an existing cluster client. The VirtualMachine
// manifest is loaded separately via LoadTemplate or SetManifest.
func NewKubeVirt(c client.Client, name string, opts KubeVirtOptions) *KubeVirt {
	k := &KubeVirt{
		client:    c,
		name:      name,
		namespace: opts.Namespace,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
	}
	if k.namespace == "" {
		k.namespace = "default"
	}
	if k.interval == 0 {
		k.interval = 2 * time.Second
	}
	if k.timeout == 0 {
		k.timeout = 660 * time.Second
	}
	return k
}

// LoadTemplate reads a VirtualMachine manifest (YAML or JSON) from
// disk. The manifest's name and namespace are overridden by the
// adapter's identity.
func (k *KubeVirt) LoadTemplate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Join(err, ErrLoadVMTemplate)
	}
	return k.SetManifest(data)
}

// SetManifest parses manifest bytes into the adapter's VirtualMachine.
func (k *KubeVirt) SetManifest(data []byte) error {
	obj := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &obj); err != nil {
		return errors.Join(err, ErrLoadVMTemplate)
	}
	vm := &unstructured.Unstructured{Object: obj}
	vm.SetGroupVersionKind(vmGVK)
	vm.SetName(k.name)
	vm.SetNamespace(k.namespace)
	k.vm = vm
	return nil
}

// Create submits the VirtualMachine. An AlreadyExists response is
// success. Unless stopAtBeginning, the guest is launched immediately.
func (k *KubeVirt) Create(ctx context.Context, stopAtBeginning bool) error {
	if k.vm == nil {
		return ErrLoadVMTemplate
	}
	if err := k.client.Create(ctx, k.vm.DeepCopy()); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create VirtualMachine %s: %w", k.name, err)
		}
		slog.Info("VirtualMachine already exists", "name", k.name)
	}
	if stopAtBeginning {
		return nil
	}
	return k.Start(ctx)
}

// Destroy deletes the VirtualMachine. NotFound is success.
func (k *KubeVirt) Destroy(ctx context.Context, undefine bool) error {
	vm := &unstructured.Unstructured{}
	vm.SetGroupVersionKind(vmGVK)
	vm.SetName(k.name)
	vm.SetNamespace(k.namespace)
	if err := k.client.Delete(ctx, vm); err != nil {
		if apierrors.IsNotFound(err) {
			slog.Info("VirtualMachine already deleted", "name", k.name)
			return nil
		}
		return fmt.Errorf("delete VirtualMachine %s: %w", k.name, err)
	}
	return nil
}

// Start flips spec.running on and waits for the guest to report ready.
func (k *KubeVirt) Start(ctx context.Context) error {
	if err := k.patchRunning(ctx, true); err != nil {
		return err
	}
	return k.waitReady(ctx)
}

// Shutdown flips spec.running off. The mode argument is ignored: the
// cluster controls how the guest is powered down.
func (k *KubeVirt) Shutdown(ctx context.Context, _ ShutdownMode) error {
	return k.patchRunning(ctx, false)
}

// Reboot cycles spec.running.
func (k *KubeVirt) Reboot(ctx context.Context) error {
	if err := k.patchRunning(ctx, false); err != nil {
		return err
	}
	return k.Start(ctx)
}

func (k *KubeVirt) patchRunning(ctx context.Context, running bool) error {
	vm := &unstructured.Unstructured{}
	vm.SetGroupVersionKind(vmGVK)
	vm.SetName(k.name)
	vm.SetNamespace(k.namespace)
	patch := client.RawPatch(types.MergePatchType,
		[]byte(fmt.Sprintf(`{"spec":{"running":%t}}`, running)))
	if err := k.client.Patch(ctx, vm, patch); err != nil {
		return fmt.Errorf("patch VirtualMachine %s running=%t: %w", k.name, running, err)
	}
	return nil
}

func (k *KubeVirt) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(k.timeout)
	for time.Now().Before(deadline) {
		vm, err := k.getVM(ctx)
		if err == nil {
			ready, found, _ := unstructured.NestedBool(vm.Object, "status", "ready")
			if found && ready {
				return nil
			}
		} else {
			slog.Debug("waiting for VirtualMachine", "name", k.name, "err", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(k.interval):
		}
	}
	return fmt.Errorf("%w: %s", ErrVMNotReady, k.name)
}

// State maps the VirtualMachine's printable status onto the common
// state set; unmapped statuses come back as StateUnknown.
func (k *KubeVirt) State(ctx context.Context) (vmspec.State, error) {
	vm, err := k.getVM(ctx)
	if err != nil {
		return vmspec.StateUnknown, err
	}
	status, _, err := unstructured.NestedString(vm.Object, "status", "printableStatus")
	if err != nil {
		return vmspec.StateUnknown, err
	}
	switch status {
	case "Running":
		return vmspec.StateRunning, nil
	case "Paused":
		return vmspec.StatePaused, nil
	case "Stopping", "Terminating":
		return vmspec.StateShuttingDown, nil
	case "Stopped":
		return vmspec.StateShutdown, nil
	}
	return vmspec.StateUnknown, nil
}

// IP polls the VirtualMachineInstance for its first interface address.
func (k *KubeVirt) IP(ctx context.Context, forceRefresh bool) (string, error) {
	deadline := time.Now().Add(k.timeout)
	for time.Now().Before(deadline) {
		vmi := &unstructured.Unstructured{}
		vmi.SetGroupVersionKind(vmiGVK)
		key := client.ObjectKey{Name: k.name, Namespace: k.namespace}
		if err := k.client.Get(ctx, key, vmi); err == nil {
			ifaces, found, _ := unstructured.NestedSlice(vmi.Object, "status", "interfaces")
			if found && len(ifaces) > 0 {
				if m, ok := ifaces[0].(map[string]interface{}); ok {
					if ip, ok := m["ipAddress"].(string); ok && ip != "" {
						return ip, nil
					}
				}
			}
		} else {
			slog.Debug("waiting for VirtualMachineInstance address",
				"name", k.name, "err", err.Error())
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(k.interval):
		}
	}
	slog.Error("timed out resolving VirtualMachineInstance address", "name", k.name)
	return "", nil
}

func (k *KubeVirt) getVM(ctx context.Context) (*unstructured.Unstructured, error) {
	vm := &unstructured.Unstructured{}
	vm.SetGroupVersionKind(vmGVK)
	key := client.ObjectKey{Name: k.name, Namespace: k.namespace}
	if err := k.client.Get(ctx, key, vm); err != nil {
		return nil, err
	}
	return vm, nil
}

// The cluster backend cannot pause a guest or rewrite its boot
// configuration in place.

func (k *KubeVirt) Suspend(ctx context.Context) error { return ErrNotSupported }
func (k *KubeVirt) Resume(ctx context.Context) error { return ErrNotSupported }

func (k *KubeVirt) UpdateKernel(string) error { return ErrNotSupported }
func (k *KubeVirt) UpdateKernelCmdline(string) error { return ErrNotSupported }
func (k *KubeVirt) UpdateSpec(vmspec.Spec) error { return ErrNotSupported }

// Close is a no-op: the cluster client is owned by the caller.
func (k *KubeVirt) Close() error { return nil }
