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

// Package k8s provides utilities for creating Kubernetes clients.
package k8s

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// InClusterConfig is the kubeconfig path value that selects in-cluster
// configuration.
const InClusterConfig = "in-cluster"

// NewKubeRestConfig creates a Kubernetes REST config from the given
// kubeconfig path. An empty path falls back to the default loading
// rules; "in-cluster" uses the service account mounted in the pod.
func NewKubeRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == InClusterConfig {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// NewKubeClient creates a controller-runtime client with a corev1
// scheme. KubeVirt resources are handled as unstructured objects and
// need no scheme registration.
func NewKubeClient(restConfig *rest.Config) (client.Client, error) { //nolint:ireturn
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		return nil, err
	}
	return client.New(restConfig, client.Options{Scheme: scheme}) //nolint:exhaustruct
}
