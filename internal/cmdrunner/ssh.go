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

package cmdrunner

import (
	"fmt"
)

// Host-key checking is disabled on purpose: guests are freshly created
// throwaway VMs whose keys change on every boot.
var sshBaseOpts = []string{
	"-o", "StrictHostKeyChecking=no",
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "ConnectTimeout=30",
	"-o", "PreferredAuthentications=publickey",
}

// NewSSHRunner builds a Runner invoking the system ssh client against
// user@host on the given port, authenticating with keyPath.
func NewSSHRunner(user, host, keyPath string, port int, command string, opts ...Option) *Runner {
	argv := append([]string{"ssh"}, sshBaseOpts...)
	argv = append(argv,
		"-i", keyPath,
		"-p", fmt.Sprintf("%d", port),
		fmt.Sprintf("%s@%s", user, host),
		command,
	)
	return New(argv, opts...)
}

// NewSCPRunner builds a Runner copying src to dst with the system scp
// client. Remote endpoints use the usual user@host:path notation and
// must already be embedded in src or dst.
func NewSCPRunner(keyPath string, port int, src, dst string, opts ...Option) *Runner {
	argv := append([]string{"scp", "-r"}, sshBaseOpts...)
	argv = append(argv,
		"-i", keyPath,
		"-P", fmt.Sprintf("%d", port),
		src, dst,
	)
	return New(argv, opts...)
}
