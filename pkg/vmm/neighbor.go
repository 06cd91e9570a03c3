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
	"strings"

	"github.com/vishvananda/netlink"
)

// lookupNeighborIP scans the host IPv4 neighbor table for an entry
// whose link address matches mac, returning its IP or "".
func lookupNeighborIP(mac string) (string, error) {
	neighbors, err := netlink.NeighList(0, netlink.FAMILY_V4)
	if err != nil {
		return "", err
	}
	want := strings.ToLower(mac)
	for _, n := range neighbors {
		if n.HardwareAddr == nil || n.IP == nil {
			continue
		}
		if strings.ToLower(n.HardwareAddr.String()) == want {
			return n.IP.String(), nil
		}
	}
	return "", nil
}
