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

// Package vmimage manages qcow2 guest images with the qemu-img and
// libguestfs command line tools.
package vmimage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/virtstack/virtstack/internal/cmdrunner"
)

var (
	ErrImageNotFound = errors.New("image file does not exist")
	ErrToolFailed    = errors.New("image tool exited non-zero")
)

// Image is a handle on one qcow2 file.
type Image struct {
	path string
}

// Open resolves the image path and verifies the file exists.
func Open(path string) (*Image, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, abs)
	}
	return &Image{path: abs}, nil
}

// Path returns the absolute image file path.
func (i *Image) Path() string { return i.path }

// Clone creates a new qcow2 backed by this image. A backing file clone
// is near-instant and shares unmodified blocks with the source.
func (i *Image) Clone(ctx context.Context, filename, dir string) (*Image, error) {
	if dir == "" {
		dir = filepath.Dir(i.path)
	}
	newPath := filepath.Join(dir, filename)
	if err := run(ctx, "qemu-img", "create",
		"-f", "qcow2", "-F", "qcow2", "-b", i.path, newPath); err != nil {
		return nil, err
	}
	return &Image{path: newPath}, nil
}

// InjectRootSSHKey enables root login over SSH and installs the given
// public key for root.
func (i *Image) InjectRootSSHKey(ctx context.Context, pubkeyPath string) error {
	if _, err := os.Stat(pubkeyPath); err != nil {
		return fmt.Errorf("ssh public key: %w", err)
	}
	if err := run(ctx, "virt-customize", "-a", i.path,
		"--run-command", "echo 'PermitRootLogin yes' >> /etc/ssh/sshd_config"); err != nil {
		return err
	}
	return run(ctx, "virt-customize", "-a", i.path,
		"--ssh-inject", "root:file:"+pubkeyPath)
}

// CopyIn copies a host file or directory into a directory of the image
// root filesystem.
func (i *Image) CopyIn(ctx context.Context, localPath, remoteDir string) error {
	slog.Info("copying into image", "image", i.path, "from", localPath, "to", remoteDir)
	return run(ctx, "virt-copy-in", "-a", i.path, localPath, remoteDir)
}

// CopyOut copies a guest file or directory out of the image into a host
// directory. Wildcards are not expanded.
func (i *Image) CopyOut(ctx context.Context, remotePath, localDir string) error {
	slog.Info("copying out of image", "image", i.path, "from", remotePath, "to", localDir)
	return run(ctx, "virt-copy-out", "-a", i.path, remotePath, localDir)
}

// Destroy removes the image file. Already-deleted images only warn.
func (i *Image) Destroy() {
	if _, err := os.Stat(i.path); err != nil {
		slog.Warn("image already deleted", "path", i.path)
		return
	}
	if err := os.Remove(i.path); err != nil {
		slog.Error("failed to delete image", "path", i.path, "err", err.Error())
	}
}

func run(ctx context.Context, argv ...string) error {
	r := cmdrunner.New(argv)
	if err := r.Run(ctx); err != nil {
		return err
	}
	if !r.Succeeded() {
		return fmt.Errorf("%w: %s: %v", ErrToolFailed, argv[0], r.Stderr())
	}
	return nil
}
