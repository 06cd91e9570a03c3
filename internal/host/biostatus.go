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

package host

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/virtstack/virtstack/internal/msr"
)

// Module check status register; bit 11 flips to 1 once the TDX module
// initialized successfully.
const mcheckStatusMSR = 0x1401

var (
	ErrTDXDisabledInBIOS   = errors.New("TDX is not enabled in BIOS")
	ErrMKTMEDisabledInBIOS = errors.New("MK-TME is not enabled in BIOS")
	ErrSGXDisabledInBIOS   = errors.New("SGX is not enabled in BIOS")
	ErrKeyIDBitsExceedKeys = errors.New("key id space exceeds available MK-TME keys")
	ErrNoTDXKeys           = errors.New("no MK-TME keys partitioned for TDX")
	ErrSGXMCheckFailed     = errors.New("SGX mcheck reported an error")
)

// CheckTDXEnabled verifies the module check passed. On failure the
// platform error code register is logged for triage.
func CheckTDXEnabled(m *msr.MSR) error {
	v, err := m.ReadBits(mcheckStatusMSR, 11, 11)
	if err != nil {
		return err
	}
	if v != 1 {
		if code, rErr := m.Read(msr.SGXMCUErrorCode); rErr == nil {
			slog.Error("TDX module check failed", "errorcode", fmt.Sprintf("%#x", code))
		}
		return ErrTDXDisabledInBIOS
	}
	return nil
}

// CheckMKTMEEnabled verifies bit 1 of IA32_TME_ACTIVATE.
func CheckMKTMEEnabled(m *msr.MSR) error {
	v, err := m.Read(msr.IA32TMEActivate)
	if err != nil {
		return err
	}
	if v&0x2 == 0 {
		return ErrMKTMEDisabledInBIOS
	}
	return nil
}

// CheckSGXEnabled verifies bit 18 of IA32_FEATURE_CONTROL.
func CheckSGXEnabled(m *msr.MSR) error {
	v, err := m.ReadBits(msr.IA32FeatureControl, 18, 18)
	if err != nil {
		return err
	}
	if v != 1 {
		return ErrSGXDisabledInBIOS
	}
	return nil
}

// CheckMKTMEKeyIDBits verifies that the configured MK-TME key id width
// can be satisfied by the keys the platform exposes.
func CheckMKTMEKeyIDBits(m *msr.MSR) error {
	bits, err := m.ReadBits(msr.IA32TMEActivate, 35, 32)
	if err != nil {
		return err
	}
	maxKeys, err := m.ReadBits(msr.IA32TMECapability, 50, 36)
	if err != nil {
		return err
	}
	slog.Info("MK-TME key space", "keyid_bits", bits, "max_keys", maxKeys)
	if !KeyIDBitsFit(bits, maxKeys) {
		return fmt.Errorf("%w: 2^%d vs %d keys", ErrKeyIDBitsExceedKeys, bits, maxKeys)
	}
	return nil
}

// CheckTDXKeyIDBits verifies the TDX private key id width against the
// platform key count.
func CheckTDXKeyIDBits(m *msr.MSR) error {
	bits, err := m.ReadBits(msr.IA32TMEActivate, 39, 36)
	if err != nil {
		return err
	}
	maxKeys, err := m.ReadBits(msr.IA32TMECapability, 50, 36)
	if err != nil {
		return err
	}
	slog.Info("TDX key space", "keyid_bits", bits, "max_keys", maxKeys)
	if !KeyIDBitsFit(bits, maxKeys) {
		return fmt.Errorf("%w: 2^%d vs %d keys", ErrKeyIDBitsExceedKeys, bits, maxKeys)
	}
	return nil
}

// KeyIDBitsFit reports whether a key id width of the given bit count
// stays within the number of keys the platform provides.
func KeyIDBitsFit(bits, maxKeys uint64) bool {
	if bits >= 63 {
		return false
	}
	return (uint64(1) << bits) < maxKeys
}

// CheckTDXKeyCount verifies at least one MK-TME key is partitioned for
// TDX use.
func CheckTDXKeyCount(m *msr.MSR) error {
	n, err := m.ReadBits(msr.IA32MKTMEPartitions, 63, 32)
	if err != nil {
		return err
	}
	slog.Info("TDX key count", "keys", n)
	if n == 0 {
		return ErrNoTDXKeys
	}
	return nil
}

// CheckSGXMCheck verifies the SGX microcode update error register is
// clean.
func CheckSGXMCheck(m *msr.MSR) error {
	code, err := m.Read(msr.SGXMCUErrorCode)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: %#x", ErrSGXMCheckFailed, code)
	}
	return nil
}
