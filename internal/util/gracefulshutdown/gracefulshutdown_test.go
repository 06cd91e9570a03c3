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

package gracefulshutdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_RunsCleanupsInReverseOrderOnce(t *testing.T) {
	exits := []int{}
	h := NewWithExit("test", func(code int) { exits = append(exits, code) })

	var order []string
	h.OnShutdown(func() { order = append(order, "first") })
	h.OnShutdown(func() { order = append(order, "second") })

	h.Shutdown(0)
	h.Shutdown(3)

	assert.Equal(t, []string{"second", "first"}, order)
	require.Len(t, exits, 1, "exit must fire exactly once")
	assert.Equal(t, 0, exits[0])
}

func TestOnShutdown_Deregister(t *testing.T) {
	h := NewWithExit("test", func(int) {})

	ran := false
	deregister := h.OnShutdown(func() { ran = true })
	deregister()
	// Deregistering twice is harmless.
	deregister()

	h.Shutdown(0)
	assert.False(t, ran)
}

func TestContext_CancelledByShutdown(t *testing.T) {
	h := NewWithExit("test", func(int) {})

	select {
	case <-h.Context().Done():
		t.Fatal("context cancelled before shutdown")
	default:
	}

	h.Shutdown(0)
	<-h.Context().Done()
}
