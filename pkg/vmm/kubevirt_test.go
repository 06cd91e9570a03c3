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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

const testVMManifest = `
apiVersion: kubevirt.io/v1
kind: VirtualMachine
metadata:
  name: template-name
  namespace: template-ns
spec:
  running: false
  template:
    spec:
      domain:
        devices: {}
`

func newFakeClusterClient(t *testing.T, objs ...client.Object) client.Client {
	t.Helper()
	scheme := runtime.NewScheme()
	scheme.AddKnownTypeWithName(vmGVK, &unstructured.Unstructured{})
	scheme.AddKnownTypeWithName(
		vmGVK.GroupVersion().WithKind("VirtualMachineList"), &unstructured.UnstructuredList{})
	scheme.AddKnownTypeWithName(vmiGVK, &unstructured.Unstructured{})
	scheme.AddKnownTypeWithName(
		vmiGVK.GroupVersion().WithKind("VirtualMachineInstanceList"), &unstructured.UnstructuredList{})
	return fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()
}

func storedVM(name, namespace string, fields map[string]interface{}) *unstructured.Unstructured {
	vm := &unstructured.Unstructured{Object: fields}
	if vm.Object == nil {
		vm.Object = map[string]interface{}{}
	}
	vm.SetGroupVersionKind(vmGVK)
	vm.SetName(name)
	vm.SetNamespace(namespace)
	return vm
}

func TestKubeVirt_SetManifestOverridesIdentity(t *testing.T) {
	k := NewKubeVirt(newFakeClusterClient(t), "guest-1", KubeVirtOptions{Namespace: "vms"})
	require.NoError(t, k.SetManifest([]byte(testVMManifest)))

	assert.Equal(t, "guest-1", k.vm.GetName())
	assert.Equal(t, "vms", k.vm.GetNamespace())
	assert.Equal(t, vmGVK, k.vm.GroupVersionKind())
}

func TestKubeVirt_SetManifestBadYAML(t *testing.T) {
	k := NewKubeVirt(newFakeClusterClient(t), "guest-1", KubeVirtOptions{})
	assert.ErrorIs(t, k.SetManifest([]byte("{invalid")), ErrLoadVMTemplate)
}

func TestKubeVirt_CreateWithoutManifest(t *testing.T) {
	k := NewKubeVirt(newFakeClusterClient(t), "guest-1", KubeVirtOptions{})
	assert.ErrorIs(t, k.Create(context.Background(), true), ErrLoadVMTemplate)
}

func TestKubeVirt_CreateIsIdempotent(t *testing.T) {
	c := newFakeClusterClient(t)
	k := NewKubeVirt(c, "guest-1", KubeVirtOptions{})
	require.NoError(t, k.SetManifest([]byte(testVMManifest)))

	require.NoError(t, k.Create(context.Background(), true))
	// A second create hits AlreadyExists, which is success.
	require.NoError(t, k.Create(context.Background(), true))

	got := &unstructured.Unstructured{}
	got.SetGroupVersionKind(vmGVK)
	key := client.ObjectKey{Name: "guest-1", Namespace: "default"}
	require.NoError(t, c.Get(context.Background(), key, got))
}

func TestKubeVirt_DestroyIsIdempotent(t *testing.T) {
	vm := storedVM("guest-1", "default", nil)
	c := newFakeClusterClient(t, vm)
	k := NewKubeVirt(c, "guest-1", KubeVirtOptions{})

	require.NoError(t, k.Destroy(context.Background(), true))
	// The VirtualMachine is gone; a second destroy sees NotFound.
	require.NoError(t, k.Destroy(context.Background(), true))
}

func TestKubeVirt_ShutdownPatchesRunning(t *testing.T) {
	vm := storedVM("guest-1", "default", map[string]interface{}{
		"spec": map[string]interface{}{"running": true},
	})
	c := newFakeClusterClient(t, vm)
	k := NewKubeVirt(c, "guest-1", KubeVirtOptions{})

	require.NoError(t, k.Shutdown(context.Background(), ShutdownHypervisorDefault))

	got := &unstructured.Unstructured{}
	got.SetGroupVersionKind(vmGVK)
	key := client.ObjectKey{Name: "guest-1", Namespace: "default"}
	require.NoError(t, c.Get(context.Background(), key, got))
	running, found, err := unstructured.NestedBool(got.Object, "spec", "running")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, running)
}

func TestKubeVirt_StartWaitsForReady(t *testing.T) {
	vm := storedVM("guest-1", "default", map[string]interface{}{
		"spec":   map[string]interface{}{"running": false},
		"status": map[string]interface{}{"ready": true},
	})
	c := newFakeClusterClient(t, vm)
	k := NewKubeVirt(c, "guest-1", KubeVirtOptions{
		Interval: 10 * time.Millisecond, Timeout: time.Second,
	})

	require.NoError(t, k.Start(context.Background()))
}

func TestKubeVirt_StartTimesOutWhenNeverReady(t *testing.T) {
	vm := storedVM("guest-1", "default", map[string]interface{}{
		"spec": map[string]interface{}{"running": false},
	})
	c := newFakeClusterClient(t, vm)
	k := NewKubeVirt(c, "guest-1", KubeVirtOptions{
		Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond,
	})

	assert.ErrorIs(t, k.Start(context.Background()), ErrVMNotReady)
}

func TestKubeVirt_StateMapping(t *testing.T) {
	for status, want := range map[string]string{
		"Running":     "running",
		"Paused":      "paused",
		"Stopping":    "shutting down",
		"Terminating": "shutting down",
		"Stopped":     "shutdown",
		"Migrating":   "",
	} {
		vm := storedVM("guest-1", "default", map[string]interface{}{
			"status": map[string]interface{}{"printableStatus": status},
		})
		k := NewKubeVirt(newFakeClusterClient(t, vm), "guest-1", KubeVirtOptions{})

		state, err := k.State(context.Background())
		require.NoError(t, err, status)
		assert.Equal(t, want, string(state), status)
	}
}

func TestKubeVirt_IPFromInstanceStatus(t *testing.T) {
	vmi := &unstructured.Unstructured{Object: map[string]interface{}{
		"status": map[string]interface{}{
			"interfaces": []interface{}{
				map[string]interface{}{"ipAddress": "10.244.1.17"},
			},
		},
	}}
	vmi.SetGroupVersionKind(vmiGVK)
	vmi.SetName("guest-1")
	vmi.SetNamespace("default")

	k := NewKubeVirt(newFakeClusterClient(t, vmi), "guest-1", KubeVirtOptions{
		Interval: 10 * time.Millisecond, Timeout: time.Second,
	})

	ip, err := k.IP(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "10.244.1.17", ip)
}

func TestKubeVirt_IPTimesOutEmpty(t *testing.T) {
	k := NewKubeVirt(newFakeClusterClient(t), "guest-1", KubeVirtOptions{
		Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond,
	})

	ip, err := k.IP(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, ip)
}

func TestKubeVirt_UnsupportedOperations(t *testing.T) {
	k := NewKubeVirt(newFakeClusterClient(t), "guest-1", KubeVirtOptions{})

	assert.ErrorIs(t, k.Suspend(context.Background()), ErrNotSupported)
	assert.ErrorIs(t, k.Resume(context.Background()), ErrNotSupported)
	assert.ErrorIs(t, k.UpdateKernel("/boot/vmlinuz"), ErrNotSupported)
	assert.ErrorIs(t, k.UpdateKernelCmdline("rw"), ErrNotSupported)
	assert.NoError(t, k.Close())
}
