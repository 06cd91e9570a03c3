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

// Package host probes the machine the guests run on: distro, cpu
// flags, NUMA topology and free ports.
package host

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var ErrNotEnoughCPUs = errors.New("not enough host cpus for requested grouping")

// Distro returns the lowercased first token of the os-release file,
// e.g. "name=ubuntu" or "name=\"centos".
func Distro() (string, error) {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		data, err = os.ReadFile("/usr/lib/os-release")
		if err != nil {
			return "", fmt.Errorf("read os-release: %w", err)
		}
	}
	fields := strings.Fields(strings.ToLower(string(data)))
	if len(fields) == 0 {
		return "", errors.New("empty os-release")
	}
	return fields[0], nil
}

// CPUBaseFreq returns cpu0's base frequency in kHz from sysfs. The
// cpufreq counters report inaccurate values, so sysfs is authoritative.
func CPUBaseFreq() (int, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/cpu0/cpufreq/base_frequency")
	if err != nil {
		return 0, fmt.Errorf("read base_frequency: %w", err)
	}
	freq, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse base_frequency: %w", err)
	}
	return freq, nil
}

// SupportsTDX reports whether the tdx flag appears in cpuinfo.
func SupportsTDX() bool { return hasCPUFlag("tdx") }

// SupportsSGX reports whether the sgx flag appears in cpuinfo. The flag
// disappears when the kernel boots with nosgx even on capable hardware.
func SupportsSGX() bool { return hasCPUFlag("sgx") }

func hasCPUFlag(flag string) bool {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "flags") {
			continue
		}
		for _, f := range strings.Fields(line) {
			if f == flag {
				return true
			}
		}
	}
	return false
}

// CmdlineContains reports whether the kernel command line contains the
// given substring.
func CmdlineContains(needle string) bool {
	return FileContains("/proc/cmdline", needle)
}

// FileContains reports whether any line of the file contains needle.
func FileContains(path, needle string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, needle) {
			return true
		}
	}
	return false
}

// FreePort binds an ephemeral TCP port, releases it and returns its
// number.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// PortOpen reports whether something accepts connections on
// ipaddr:port.
func PortOpen(ipaddr string, port int) bool {
	conn, err := net.Dial("tcp", net.JoinHostPort(ipaddr, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// CPUGroups carves the highest NUMA node's cpus into vmNum groups of
// coreNum+1 cpus each, striding the node's cpu list so sibling groups
// interleave. The extra cpu per group hosts the io thread.
func CPUGroups(vmNum, coreNum int) ([][]int, error) {
	cpus, err := maxNodeCPUs()
	if err != nil {
		return nil, err
	}
	if len(cpus) <= vmNum*(coreNum+1) {
		return nil, fmt.Errorf("%w: have %d, need more than %d",
			ErrNotEnoughCPUs, len(cpus), vmNum*(coreNum+1))
	}
	groups := make([][]int, 0, vmNum)
	for i := 0; i < vmNum; i++ {
		group := make([]int, 0, coreNum+1)
		for j, idx := 0, i; j < coreNum+1; j, idx = j+1, idx+vmNum {
			group = append(group, cpus[idx])
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func maxNodeCPUs() ([]int, error) {
	nodes, err := filepath.Glob("/sys/devices/system/node/node[0-9]*")
	if err != nil || len(nodes) == 0 {
		return nil, fmt.Errorf("no NUMA nodes found: %w", err)
	}
	max := -1
	for _, n := range nodes {
		id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(n), "node"))
		if err == nil && id > max {
			max = id
		}
	}
	data, err := os.ReadFile(fmt.Sprintf("/sys/devices/system/node/node%d/cpulist", max))
	if err != nil {
		return nil, fmt.Errorf("read node%d cpulist: %w", max, err)
	}
	return ParseCPUList(strings.TrimSpace(string(data)))
}

// ParseCPUList expands a kernel cpu list such as "0-3,8,10-11" into a
// sorted slice of cpu ids.
func ParseCPUList(s string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("bad cpu list %q: %w", s, err)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("bad cpu list %q: %w", s, err)
			}
			for i := start; i <= end; i++ {
				cpus = append(cpus, i)
			}
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("bad cpu list %q: %w", s, err)
		}
		cpus = append(cpus, id)
	}
	sort.Ints(cpus)
	return cpus, nil
}
