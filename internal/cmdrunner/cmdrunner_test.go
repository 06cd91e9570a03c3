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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ExitCodes(t *testing.T) {
	ctx := context.Background()

	ok := New([]string{"true"})
	require.NoError(t, ok.Run(ctx))
	require.NotNil(t, ok.ExitCode())
	assert.Equal(t, 0, *ok.ExitCode())
	assert.True(t, ok.Succeeded())

	bad := New([]string{"false"})
	require.NoError(t, bad.Run(ctx))
	require.NotNil(t, bad.ExitCode())
	assert.Equal(t, 1, *bad.ExitCode())
	assert.False(t, bad.Succeeded())
}

func TestRun_CapturesOutput(t *testing.T) {
	r := New([]string{"sh", "-c", "echo one; echo two; echo err >&2"})
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []string{"one", "two"}, r.Stdout())
	assert.Equal(t, []string{"err"}, r.Stderr())
	assert.Equal(t, "one\ntwo\n", r.Output())
	assert.Greater(t, r.Duration(), time.Duration(0))
}

func TestRun_WithShell(t *testing.T) {
	r := New([]string{"echo", "$((1+2))"}, WithShell())
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"3"}, r.Stdout())
}

func TestRun_WithStdin(t *testing.T) {
	r := New([]string{"cat"}, WithStdin("hello\n"))
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"hello"}, r.Stdout())
}

func TestRun_WithDir(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{"pwd"}, WithDir(dir))
	require.NoError(t, r.Run(context.Background()))
	require.Len(t, r.Stdout(), 1)
	assert.Contains(t, r.Stdout()[0], dir)
}

func TestStart_SpawnFailureLeavesNilExitCode(t *testing.T) {
	r := New([]string{"/no/such/binary-xyz"})
	require.NoError(t, r.Run(context.Background()))
	assert.Nil(t, r.ExitCode())
	assert.False(t, r.Succeeded())
	assert.Empty(t, r.Stdout())
}

func TestStart_Twice(t *testing.T) {
	r := New([]string{"true"})
	require.NoError(t, r.Run(context.Background()))
	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestWait_BeforeStart(t *testing.T) {
	r := New([]string{"true"})
	assert.ErrorIs(t, r.Wait(context.Background()), ErrNotStarted)
}

func TestTerminate_KillsLongCommand(t *testing.T) {
	r := New([]string{"sleep", "60"})
	require.NoError(t, r.Start(context.Background()))

	r.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	require.NotNil(t, r.ExitCode())
	assert.NotEqual(t, 0, *r.ExitCode())
	assert.Less(t, r.Duration(), 60*time.Second)
}

func TestWait_ContextCancelled(t *testing.T) {
	r := New([]string{"sleep", "60"})
	require.NoError(t, r.Start(context.Background()))
	defer r.Terminate()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}

func TestNewSSHRunner_Argv(t *testing.T) {
	r := NewSSHRunner("root", "192.168.122.10", "/tmp/id_rsa", 22, "uname -r")
	assert.Equal(t, []string{
		"ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=30",
		"-o", "PreferredAuthentications=publickey",
		"-i", "/tmp/id_rsa",
		"-p", "22",
		"root@192.168.122.10",
		"uname -r",
	}, r.argv)
}

func TestNewSCPRunner_Argv(t *testing.T) {
	r := NewSCPRunner("/tmp/id_rsa", 10022, "/tmp/local", "root@127.0.0.1:/tmp/remote")
	assert.Equal(t, []string{
		"scp", "-r",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=30",
		"-o", "PreferredAuthentications=publickey",
		"-i", "/tmp/id_rsa",
		"-P", "10022",
		"/tmp/local", "root@127.0.0.1:/tmp/remote",
	}, r.argv)
}
