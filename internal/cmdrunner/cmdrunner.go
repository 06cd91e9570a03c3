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

// Package cmdrunner executes local commands with captured output and a
// recorded exit code. Runners are single-shot: construct, Start (or
// Run), Wait, inspect.
package cmdrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("command already started")
	ErrNotStarted     = errors.New("command not started")
)

// Runner wraps one command invocation. Spawn failures are recorded, not
// returned: a Runner whose process never started reports a nil exit
// code and empty output.
type Runner struct {
	argv  []string
	dir   string
	stdin string
	shell bool

	mu       sync.Mutex
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{}
	started  time.Time
	duration time.Duration
	exitCode *int
	stdout   bytes.Buffer
	stderr   bytes.Buffer
}

// Option mutates a Runner before it starts.
type Option func(*Runner)

// WithDir sets the working directory of the child process.
func WithDir(dir string) Option {
	return func(r *Runner) { r.dir = dir }
}

// WithStdin feeds the given string to the child's standard input.
func WithStdin(stdin string) Option {
	return func(r *Runner) { r.stdin = stdin }
}

// WithShell runs the command through "sh -c", joining argv into one
// shell line.
func WithShell() Option {
	return func(r *Runner) { r.shell = true }
}

// New builds a Runner for argv. The command does not run until Start or
// Run is called.
func New(argv []string, opts ...Option) *Runner {
	r := &Runner{argv: argv, done: make(chan struct{})}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start launches the command and returns immediately. The process is
// reaped by a single goroutine; call Wait to synchronize. A command
// that cannot be spawned is logged and leaves ExitCode nil.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	var cmd *exec.Cmd
	if r.shell {
		cmd = exec.CommandContext(ctx, "sh", "-c", strings.Join(r.argv, " "))
	} else {
		cmd = exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	}
	cmd.Dir = r.dir
	cmd.Stdout = &r.stdout
	cmd.Stderr = &r.stderr
	if r.stdin != "" {
		cmd.Stdin = strings.NewReader(r.stdin)
	}

	r.cmd = cmd
	r.started = time.Now()

	if err := cmd.Start(); err != nil {
		slog.Error("failed to spawn command",
			"argv", strings.Join(r.argv, " "),
			"err", err.Error())
		r.duration = time.Since(r.started)
		close(r.done)
		return nil
	}

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.duration = time.Since(r.started)
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		r.exitCode = &code
		r.mu.Unlock()
		close(r.done)
	}()

	return nil
}

// Wait blocks until the command exits or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	started := r.cmd != nil
	r.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the command and waits for it to finish.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Wait(ctx)
}

// Terminate kills a running command. Idempotent.
func (r *Runner) Terminate() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ExitCode returns the recorded exit status, or nil when the process
// never spawned or has not exited yet.
func (r *Runner) ExitCode() *int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// Succeeded reports whether the command exited zero.
func (r *Runner) Succeeded() bool {
	code := r.ExitCode()
	return code != nil && *code == 0
}

// Duration returns the wall-clock run time of the command.
func (r *Runner) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duration
}

// Stdout returns captured standard output split into lines.
func (r *Runner) Stdout() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return splitLines(r.stdout.String())
}

// Stderr returns captured standard error split into lines.
func (r *Runner) Stderr() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return splitLines(r.stderr.String())
}

// Output returns raw captured standard output.
func (r *Runner) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdout.String()
}

func (r *Runner) String() string {
	return fmt.Sprintf("cmdrunner(%s)", strings.Join(r.argv, " "))
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
