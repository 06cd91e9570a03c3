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

// Package metrics exposes lifecycle counters for the guest pool.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// VMsCreated counts guests created, labeled by VM flavor.
	VMsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "virtstack_vms_created_total",
		Help: "Number of guest VMs created.",
	}, []string{"type"})

	// VMsDestroyed counts guests destroyed.
	VMsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtstack_vms_destroyed_total",
		Help: "Number of guest VMs destroyed.",
	})

	// VMsKept counts guests deliberately kept after a failure for
	// post-mortem inspection.
	VMsKept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtstack_vms_kept_total",
		Help: "Number of unhealthy guest VMs kept for inspection.",
	})

	// SSHCommandFailures counts remote commands with non-zero exit.
	SSHCommandFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "virtstack_ssh_command_failures_total",
		Help: "Number of guest SSH commands that exited non-zero.",
	})
)

// SetupServer creates an HTTP server for Prometheus metrics.
func SetupServer(port int, path string) *http.Server {
	mux := http.NewServeMux()
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())
	return &http.Server{ //nolint:exhaustruct
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
