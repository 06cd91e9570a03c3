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

	"github.com/virtstack/virtstack/internal/host"
	"github.com/virtstack/virtstack/internal/msr"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Inspect host capabilities",
}

var hostCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check TDX/SGX/MK-TME enablement on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		distro, err := host.Distro()
		if err != nil {
			return err
		}
		fmt.Printf("distro:        %s\n", distro)
		fmt.Printf("cpuinfo tdx:   %t\n", host.SupportsTDX())
		fmt.Printf("cpuinfo sgx:   %t\n", host.SupportsSGX())

		if freq, err := host.CPUBaseFreq(); err == nil {
			fmt.Printf("base freq kHz: %d\n", freq)
		}

		m, err := msr.Open(0)
		if err != nil {
			return fmt.Errorf("msr checks skipped: %w", err)
		}
		defer m.Close()

		checks := []struct {
			name string
			run  func(*msr.MSR) error
		}{
			{"tdx enabled in bios", host.CheckTDXEnabled},
			{"mktme enabled in bios", host.CheckMKTMEEnabled},
			{"sgx enabled in bios", host.CheckSGXEnabled},
			{"mktme key id bits", host.CheckMKTMEKeyIDBits},
			{"tdx key id bits", host.CheckTDXKeyIDBits},
			{"tdx key count", host.CheckTDXKeyCount},
			{"sgx mcheck", host.CheckSGXMCheck},
		}
		failed := 0
		for _, c := range checks {
			if err := c.run(m); err != nil {
				fmt.Printf("FAIL %-24s %v\n", c.name, err)
				failed++
				continue
			}
			fmt.Printf("ok   %s\n", c.name)
		}
		if failed > 0 {
			return fmt.Errorf("%d host checks failed", failed)
		}
		return nil
	},
}

func init() {
	hostCmd.AddCommand(hostCheckCmd)
}
