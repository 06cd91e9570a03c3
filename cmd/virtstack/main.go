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
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/virtstack/virtstack/internal/util/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagGuestDistro string
	flagKeepFailed  bool
	flagVerbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "virtstack",
	Short: "virtstack - confidential VM lifecycle tool",
	Long: `virtstack manages test guests (TD, SGX, EFI and legacy VMs) on a
local libvirt hypervisor or a KubeVirt cluster: artifact resolution,
image cloning, descriptor construction, lifecycle control and host
capability checks.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			logging.Setup(logging.Options{Development: true, Level: slog.LevelDebug})
		} else {
			logging.SetupDefault()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagGuestDistro, "guest-distro", "",
		"guest distribution tag override (ubuntu or centos)")
	rootCmd.PersistentFlags().BoolVar(&flagKeepFailed, "keep-failed-vms", false,
		"keep VMs whose commands failed instead of destroying them")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"verbose human-readable logging")

	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(vmCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
