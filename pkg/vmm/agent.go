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
	"encoding/json"
	"fmt"

	"libvirt.org/go/libvirt"
)

// QEMU guest agent passthrough. Every call round-trips one JSON command
// through the agent channel with a 30 second timeout.

const agentTimeout = libvirt.DomainQemuAgentCommandTimeout(30)

func (l *Libvirt) agentCommand(cmd string) (string, error) {
	dom, err := l.lookup()
	if err != nil {
		return "", err
	}
	defer freeDomain(dom)
	return dom.QemuAgentCommand(cmd, agentTimeout, 0)
}

// AgentShutdown powers the guest off through the guest agent.
func (l *Libvirt) AgentShutdown() error {
	_, err := l.agentCommand(`{"execute": "guest-shutdown"}`)
	return err
}

// AgentReboot reboots the guest through the guest agent.
func (l *Libvirt) AgentReboot() error {
	_, err := l.agentCommand(`{"execute": "guest-shutdown", "arguments": {"mode": "reboot"}}`)
	return err
}

type agentReturn struct {
	Return json.RawMessage `json:"return"`
}

type agentFileRead struct {
	Return struct {
		Count  int    `json:"count"`
		BufB64 string `json:"buf-b64"`
		EOF    bool   `json:"eof"`
	} `json:"return"`
}

// AgentFileWrite writes base64-encoded content to a guest file through
// guest-file-open/write/close.
func (l *Libvirt) AgentFileWrite(path, contentB64 string) error {
	handle, err := l.agentFileOpen(path, "w+")
	if err != nil {
		return err
	}
	if _, err := l.agentCommand(fmt.Sprintf(
		`{"execute": "guest-file-write", "arguments": {"handle": %d, "buf-b64": %q}}`,
		handle, contentB64)); err != nil {
		_ = l.agentFileClose(handle)
		return err
	}
	return l.agentFileClose(handle)
}

// AgentFileRead reads a guest file through the agent, returning its
// base64-encoded content.
func (l *Libvirt) AgentFileRead(path string) (string, error) {
	handle, err := l.agentFileOpen(path, "r")
	if err != nil {
		return "", err
	}
	out, err := l.agentCommand(fmt.Sprintf(
		`{"execute": "guest-file-read", "arguments": {"handle": %d}}`, handle))
	if err != nil {
		_ = l.agentFileClose(handle)
		return "", err
	}
	if err := l.agentFileClose(handle); err != nil {
		return "", err
	}
	var resp agentFileRead
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return "", fmt.Errorf("parse guest-file-read reply: %w", err)
	}
	return resp.Return.BufB64, nil
}

func (l *Libvirt) agentFileOpen(path, mode string) (int, error) {
	out, err := l.agentCommand(fmt.Sprintf(
		`{"execute": "guest-file-open", "arguments": {"path": %q, "mode": %q}}`, path, mode))
	if err != nil {
		return 0, err
	}
	var resp agentReturn
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return 0, fmt.Errorf("parse guest-file-open reply: %w", err)
	}
	var handle int
	if err := json.Unmarshal(resp.Return, &handle); err != nil {
		return 0, fmt.Errorf("parse guest file handle: %w", err)
	}
	return handle, nil
}

func (l *Libvirt) agentFileClose(handle int) error {
	_, err := l.agentCommand(fmt.Sprintf(
		`{"execute": "guest-file-close", "arguments": {"handle": %d}}`, handle))
	return err
}
