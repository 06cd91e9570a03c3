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

package vmspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCmdline_Defaults(t *testing.T) {
	c := NewCmdline()
	assert.Equal(t, DefaultCmdline, c.String())
	assert.True(t, c.HasKey("console"))
	assert.True(t, c.HasField("selinux=0"))
}

func TestCmdline_AddAndValue(t *testing.T) {
	c := NewCmdlineFrom("rw")
	c.Add("root", "/dev/vda3")
	c.Add("quiet", "")
	assert.Equal(t, "rw root=/dev/vda3 quiet", c.String())
	assert.Equal(t, "/dev/vda3", c.Value("root"))
	assert.Equal(t, "", c.Value("quiet"))
	assert.Equal(t, "", c.Value("absent"))
}

func TestCmdline_AddFieldIdempotent(t *testing.T) {
	c := NewCmdlineFrom("rw")
	c.AddField("root=/dev/vda1")
	c.AddField("root=/dev/vda1")
	assert.Equal(t, "rw root=/dev/vda1", c.String())
}

func TestCmdline_RemoveKey(t *testing.T) {
	c := NewCmdline()
	c.RemoveKey("console")
	assert.False(t, c.HasKey("console"))
	assert.True(t, c.HasField("rw"))
}

func TestCmdline_RemoveField(t *testing.T) {
	c := NewCmdlineFrom("rw console=hvc0 console=tty0")
	c.RemoveField("console=hvc0")
	assert.Equal(t, "rw console=tty0", c.String())
}

func TestCmdline_Clone(t *testing.T) {
	orig := NewCmdlineFrom("rw quiet")
	clone := orig.Clone()
	clone.Add("debug", "")
	assert.Equal(t, "rw quiet", orig.String())
	assert.Equal(t, "rw quiet debug", clone.String())
}

func TestCmdline_Keys(t *testing.T) {
	c := NewCmdlineFrom("rw root=/dev/vda3 console=hvc0")
	assert.Equal(t, []string{"rw", "root", "console"}, c.Keys())
}
