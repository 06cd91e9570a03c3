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
	"errors"
	"strings"
)

var ErrNoEPCRegions = errors.New("SGX spec requires at least one EPC region")

// Cmdline edits a kernel command line as a sequence of key or key=value
// fields. The zero value is empty; NewCmdline starts from DefaultCmdline.
type Cmdline struct {
	fields []string
}

// NewCmdline returns a Cmdline seeded with DefaultCmdline.
func NewCmdline() *Cmdline {
	return NewCmdlineFrom(DefaultCmdline)
}

// NewCmdlineFrom parses an existing command line string.
func NewCmdlineFrom(s string) *Cmdline {
	return &Cmdline{fields: strings.Fields(s)}
}

func (c *Cmdline) String() string {
	return strings.Join(c.fields, " ")
}

// Keys returns the key part of every field, in order.
func (c *Cmdline) Keys() []string {
	keys := make([]string, 0, len(c.fields))
	for _, f := range c.fields {
		keys = append(keys, strings.SplitN(f, "=", 2)[0])
	}
	return keys
}

// Value returns the value of the first field with the given key, or ""
// when the key is absent or has no value.
func (c *Cmdline) Value(key string) string {
	for _, f := range c.fields {
		kv := strings.SplitN(f, "=", 2)
		if kv[0] == key && len(kv) == 2 {
			return kv[1]
		}
	}
	return ""
}

// Add appends a key or key=value field.
func (c *Cmdline) Add(key, value string) {
	if value == "" {
		c.fields = append(c.fields, key)
		return
	}
	c.fields = append(c.fields, key+"="+value)
}

// AddField appends a complete "key=value" field unless the exact field is
// already present.
func (c *Cmdline) AddField(field string) {
	field = strings.TrimSpace(field)
	if field == "" || c.HasField(field) {
		return
	}
	c.fields = append(c.fields, field)
}

// HasField reports whether the exact field string is present.
func (c *Cmdline) HasField(field string) bool {
	field = strings.TrimSpace(field)
	for _, f := range c.fields {
		if f == field {
			return true
		}
	}
	return false
}

// HasKey reports whether any field carries the given key.
func (c *Cmdline) HasKey(key string) bool {
	key = strings.TrimSpace(key)
	for _, k := range c.Keys() {
		if k == key {
			return true
		}
	}
	return false
}

// RemoveField removes the exact field string wherever it occurs.
func (c *Cmdline) RemoveField(field string) {
	field = strings.TrimSpace(field)
	kept := c.fields[:0]
	for _, f := range c.fields {
		if f != field {
			kept = append(kept, f)
		}
	}
	c.fields = kept
}

// RemoveKey removes every field whose key matches.
func (c *Cmdline) RemoveKey(key string) {
	key = strings.TrimSpace(key)
	kept := c.fields[:0]
	for _, f := range c.fields {
		if strings.SplitN(f, "=", 2)[0] != key {
			kept = append(kept, f)
		}
	}
	c.fields = kept
}

// Clone returns an independent copy.
func (c *Cmdline) Clone() *Cmdline {
	fields := make([]string, len(c.fields))
	copy(fields, c.fields)
	return &Cmdline{fields: fields}
}
