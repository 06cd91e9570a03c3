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

// Package gracefulshutdown turns SIGINT/SIGTERM into context
// cancellation and runs registered cleanup functions exactly once
// before the process exits. Guests are expensive to leak, so every
// long-running command routes its teardown through here.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handler owns the signal-bound context of one command invocation.
type Handler struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	mu       sync.Mutex
	cleanups []func()
	nextID   int
	ids      []int

	once sync.Once
	exit func(int)
}

// New builds a Handler cancelling its context on SIGINT or SIGTERM. A
// signal triggers Shutdown(1) automatically.
func New(name string) *Handler {
	return NewWithExit(name, os.Exit)
}

// NewWithExit injects the exit function, for tests.
func NewWithExit(name string, exit func(int)) *Handler {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	h := &Handler{ctx: ctx, cancel: cancel, name: name, exit: exit}
	go func() {
		<-ctx.Done()
		h.Shutdown(1)
	}()
	return h
}

// Context is cancelled when a termination signal arrives.
func (h *Handler) Context() context.Context { return h.ctx }

// OnShutdown registers a cleanup to run during Shutdown, newest first.
// The returned function deregisters it, for resources that were handed
// off before the command finished.
func (h *Handler) OnShutdown(fn func()) (deregister func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.cleanups = append(h.cleanups, fn)
	h.ids = append(h.ids, id)

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, got := range h.ids {
			if got == id {
				h.cleanups = append(h.cleanups[:i], h.cleanups[i+1:]...)
				h.ids = append(h.ids[:i], h.ids[i+1:]...)
				return
			}
		}
	}
}

// Shutdown runs the cleanups in reverse registration order, cancels the
// context and exits. Safe to call from multiple goroutines; only the
// first call acts.
func (h *Handler) Shutdown(code int) {
	h.once.Do(func() {
		slog.Info("shutting down", "name", h.name)

		h.mu.Lock()
		cleanups := make([]func(), len(h.cleanups))
		copy(cleanups, h.cleanups)
		h.mu.Unlock()

		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		h.cancel()
		h.exit(code)
	})
}
