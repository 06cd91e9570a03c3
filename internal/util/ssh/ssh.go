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

// Package ssh runs commands on guests over SSH with key auth. Host key
// verification is disabled on purpose: the peers are throwaway test VMs
// whose keys change on every boot.
package ssh

import "context"

// Runner executes commands on a remote host.
type Runner interface {
	Run(ctx context.Context, cmd string) (Result, error)
}

// Result carries the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Succeeded reports whether the command exited zero.
func (r Result) Succeeded() bool { return r.ExitCode == 0 }
