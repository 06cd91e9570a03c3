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

package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"
)

func parseNetworkXML(t *testing.T, xml string) libvirtxml.Network {
	t.Helper()
	var doc libvirtxml.Network
	require.NoError(t, doc.Unmarshal(xml))
	return doc
}

func TestGenerateXML_BridgeMode(t *testing.T) {
	xml, err := GenerateXML(Config{Name: "guests", Mode: ModeBridge, Bridge: "br-guests"})
	require.NoError(t, err)

	doc := parseNetworkXML(t, xml)
	assert.Equal(t, "guests", doc.Name)
	require.NotNil(t, doc.Forward)
	assert.Equal(t, "bridge", doc.Forward.Mode)
	require.NotNil(t, doc.Bridge)
	assert.Equal(t, "br-guests", doc.Bridge.Name)
	assert.Empty(t, doc.IPs)
}

func TestGenerateXML_BridgeModeRequiresBridge(t *testing.T) {
	_, err := GenerateXML(Config{Name: "guests", Mode: ModeBridge})
	assert.ErrorIs(t, err, ErrBridgeNameRequired)
}

func TestGenerateXML_NATDefaults(t *testing.T) {
	xml, err := GenerateXML(Config{Name: "guests", Mode: ModeNAT})
	require.NoError(t, err)

	doc := parseNetworkXML(t, xml)
	require.NotNil(t, doc.Forward)
	assert.Equal(t, "nat", doc.Forward.Mode)
	require.Len(t, doc.IPs, 1)
	assert.Equal(t, "192.168.150.1", doc.IPs[0].Address)
	assert.Equal(t, "255.255.255.0", doc.IPs[0].Netmask)
}

func TestGenerateXML_IsolatedHasNoForward(t *testing.T) {
	xml, err := GenerateXML(Config{Name: "guests", Mode: ModeIsolated})
	require.NoError(t, err)

	doc := parseNetworkXML(t, xml)
	assert.Nil(t, doc.Forward)
	require.Len(t, doc.IPs, 1)
	assert.Equal(t, "192.168.151.1", doc.IPs[0].Address)
}

func TestGenerateXML_CustomSubnet(t *testing.T) {
	xml, err := GenerateXML(Config{
		Name: "guests", Mode: ModeNAT,
		IPAddress: "10.10.0.1", Netmask: "255.255.0.0",
	})
	require.NoError(t, err)

	doc := parseNetworkXML(t, xml)
	require.Len(t, doc.IPs, 1)
	assert.Equal(t, "10.10.0.1", doc.IPs[0].Address)
	assert.Equal(t, "255.255.0.0", doc.IPs[0].Netmask)
}

func TestGenerateXML_BadMode(t *testing.T) {
	_, err := GenerateXML(Config{Name: "guests", Mode: "mesh"})
	assert.ErrorIs(t, err, ErrBadNetworkMode)
}

func TestBridgeValidation(t *testing.T) {
	assert.ErrorIs(t, EnsureBridge("", "192.168.100.1/24"), ErrBridgeNameRequired)
	assert.ErrorIs(t, DeleteBridge(""), ErrBridgeNameRequired)
	_, err := BridgeExists("")
	assert.ErrorIs(t, err, ErrBridgeNameRequired)
}
