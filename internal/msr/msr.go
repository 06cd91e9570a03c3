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

// Package msr reads and writes model-specific registers through the
// per-cpu msr character devices. Requires root and the msr kernel
// module.
package msr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// Registers relevant to TDX, SGX and MKTME platform checks.
const (
	SGXMCUErrorCode     = 0xa0
	IA32FeatureControl  = 0x3a
	IA32MKTMEPartitions = 0x87
	SGXDebug            = 0x503
	IA32TMECapability   = 0x981
	IA32TMEActivate     = 0x982
)

var (
	ErrNeedRoot    = errors.New("msr access requires root")
	ErrBitRange    = errors.New("invalid msr bit range")
	ErrShortRead   = errors.New("short msr read")
	ErrNoMSRDevice = errors.New("no msr devices found")
)

// MSR is a handle on one cpu's register device.
type MSR struct {
	cpu int
	fd  int
}

// Open opens /dev/cpu/<cpu>/msr, loading the msr module on first
// failure.
func Open(cpu int) (*MSR, error) {
	if os.Geteuid() != 0 {
		return nil, ErrNeedRoot
	}
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		slog.Debug("msr device missing, loading msr module", "path", path)
		if mErr := exec.Command("modprobe", "msr").Run(); mErr != nil {
			return nil, fmt.Errorf("load msr module: %w", errors.Join(mErr, err))
		}
		fd, err = unix.Open(path, unix.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}
	return &MSR{cpu: cpu, fd: fd}, nil
}

func (m *MSR) Close() error {
	return unix.Close(m.fd)
}

// Read returns the full 64-bit value of the register.
func (m *MSR) Read(reg int64) (uint64, error) {
	buf := make([]byte, 8)
	n, err := unix.Pread(m.fd, buf, reg)
	if err != nil {
		return 0, fmt.Errorf("read msr 0x%x on cpu %d: %w", reg, m.cpu, err)
	}
	if n != 8 {
		return 0, fmt.Errorf("%w: msr 0x%x cpu %d", ErrShortRead, reg, m.cpu)
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// ReadBits extracts bits [low, high] of the register, inclusive on both
// ends, shifted down to bit 0.
func (m *MSR) ReadBits(reg int64, high, low uint) (uint64, error) {
	if high > 63 || low > high {
		return 0, fmt.Errorf("%w: high=%d low=%d", ErrBitRange, high, low)
	}
	v, err := m.Read(reg)
	if err != nil {
		return 0, err
	}
	return ExtractBits(v, high, low), nil
}

// Write stores a full 64-bit value into the register.
func (m *MSR) Write(reg int64, value uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	n, err := unix.Pwrite(m.fd, buf, reg)
	if err != nil {
		return fmt.Errorf("write msr 0x%x on cpu %d: %w", reg, m.cpu, err)
	}
	if n != 8 {
		return fmt.Errorf("short msr write: 0x%x cpu %d", reg, m.cpu)
	}
	return nil
}

// WriteAll stores the value into the register on every cpu, loading the
// msr module when no device exists yet.
func WriteAll(reg int64, value uint64) error {
	if os.Geteuid() != 0 {
		return ErrNeedRoot
	}
	err := writeAll("/dev/cpu", reg, value)
	if errors.Is(err, ErrNoMSRDevice) {
		if mErr := exec.Command("modprobe", "msr").Run(); mErr != nil {
			return errors.Join(err, mErr)
		}
		return writeAll("/dev/cpu", reg, value)
	}
	return err
}

// writeAll writes the register on every per-cpu device under devDir.
// Failures on individual cpus are collected, not short-circuited.
func writeAll(devDir string, reg int64, value uint64) error {
	devices, err := filepath.Glob(filepath.Join(devDir, "[0-9]*", "msr"))
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("%w: %s", ErrNoMSRDevice, devDir)
	}

	var errs error
	for _, dev := range devices {
		cpu, cErr := strconv.Atoi(filepath.Base(filepath.Dir(dev)))
		if cErr != nil {
			continue
		}
		fd, oErr := unix.Open(dev, unix.O_WRONLY, 0)
		if oErr != nil {
			errs = errors.Join(errs, fmt.Errorf("open %s: %w", dev, oErr))
			continue
		}
		m := &MSR{cpu: cpu, fd: fd}
		if wErr := m.Write(reg, value); wErr != nil {
			errs = errors.Join(errs, wErr)
		}
		_ = m.Close()
	}
	return errs
}

// ExtractBits returns bits [low, high] of v, shifted down to bit 0.
func ExtractBits(v uint64, high, low uint) uint64 {
	width := high - low + 1
	if width >= 64 {
		return v >> low
	}
	return (v >> low) & ((1 << width) - 1)
}
