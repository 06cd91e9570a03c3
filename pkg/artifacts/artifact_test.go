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

package artifacts

import (
	"archive/tar"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestNewArtifact_SchemeValidation(t *testing.T) {
	_, err := NewArtifact("ftp://example.com/x", "")
	assert.ErrorIs(t, err, ErrBadScheme)

	a, err := NewArtifact("https://example.com/dir/guest.qcow2", "abc")
	require.NoError(t, err)
	assert.Equal(t, "guest.qcow2", a.Filename())
}

func TestGet_LocalFilePassthrough(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "x.qcow2")
	require.NoError(t, os.WriteFile(local, []byte("image"), 0o644))

	a, err := NewArtifact("file://"+local, "")
	require.NoError(t, err)

	got, err := a.Get(dir, dir)
	require.NoError(t, err)
	assert.Equal(t, local, got)
}

func TestGet_LocalTarXZRejected(t *testing.T) {
	a, err := NewArtifact("file:///tmp/x.tar.xz", "")
	require.NoError(t, err)
	_, err = a.Get(t.TempDir(), t.TempDir())
	assert.ErrorIs(t, err, ErrLocalTarXZ)
}

func TestGet_LocalMissingFile(t *testing.T) {
	a, err := NewArtifact("file:///nonexistent/path/x.qcow2", "")
	require.NoError(t, err)
	_, err = a.Get(t.TempDir(), t.TempDir())
	assert.Error(t, err)
}

func TestGet_RemoteRequiresChecksum(t *testing.T) {
	a, err := NewArtifact("https://example.com/x.qcow2", "")
	require.NoError(t, err)
	_, err = a.Get(t.TempDir(), t.TempDir())
	assert.ErrorIs(t, err, ErrMissingChecksum)
}

func TestDigestFromListing(t *testing.T) {
	dir := t.TempDir()
	listing := filepath.Join(dir, "sha256sum.txt")
	content := []byte("deadbeef  other.qcow2\ncafebabe  guest.qcow2\n")
	require.NoError(t, os.WriteFile(listing, content, 0o644))

	a, err := NewArtifact("https://example.com/guest.qcow2", "file://"+listing)
	require.NoError(t, err)

	d, err := a.expectedDigest()
	require.NoError(t, err)
	assert.Equal(t, "cafebabe", d.Encoded())
}

func TestDigestFromListing_NoMatch(t *testing.T) {
	dir := t.TempDir()
	listing := filepath.Join(dir, "sha256sum.txt")
	require.NoError(t, os.WriteFile(listing, []byte("deadbeef  other.qcow2\n"), 0o644))

	a, err := NewArtifact("https://example.com/guest.qcow2", "file://"+listing)
	require.NoError(t, err)

	_, err = a.expectedDigest()
	assert.ErrorIs(t, err, ErrChecksumNotFound)
}

func TestDownload_VerifiedAndCached(t *testing.T) {
	payload := []byte("pretend this is a qcow2 image")
	sum := digest.SHA256.FromBytes(payload)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	destDir, cacheDir := t.TempDir(), t.TempDir()
	a, err := NewArtifact(srv.URL+"/guest.qcow2", sum.Encoded())
	require.NoError(t, err)

	got, err := a.Get(destDir, cacheDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "guest.qcow2"), got)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, 1, hits)

	// Second Get reuses the verified cache copy.
	_, err = a.Get(destDir, cacheDir)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestDownload_CorruptCacheRedownloaded(t *testing.T) {
	payload := []byte("fresh artifact bytes")
	sum := digest.SHA256.FromBytes(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	destDir, cacheDir := t.TempDir(), t.TempDir()
	// Seed a corrupt cached copy.
	require.NoError(t, os.WriteFile(
		filepath.Join(cacheDir, "guest.qcow2"), []byte("corrupt"), 0o644))

	a, err := NewArtifact(srv.URL+"/guest.qcow2", sum.Encoded())
	require.NoError(t, err)

	got, err := a.Get(destDir, cacheDir)
	require.NoError(t, err)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownload_ChecksumNeverMatches_UsesLastAttempt(t *testing.T) {
	payload := []byte("unexpected content")
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	destDir := t.TempDir()
	a, err := NewArtifact(srv.URL+"/guest.qcow2",
		digest.SHA256.FromString("something else").Encoded())
	require.NoError(t, err)

	// A persistent mismatch is retried up to the bound, then the last
	// download is used anyway.
	got, err := a.Get(destDir, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "guest.qcow2"), got)
	assert.Equal(t, downloadRetries, hits)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestDownload_NoFileProduced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	a, err := NewArtifact(srv.URL+"/guest.qcow2",
		digest.SHA256.FromString("anything").Encoded())
	require.NoError(t, err)

	_, err = a.Get(t.TempDir(), t.TempDir())
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestDownload_RemoteChecksumListing(t *testing.T) {
	payload := []byte("image payload")
	sum := digest.SHA256.FromBytes(payload)

	mux := http.NewServeMux()
	mux.HandleFunc("/guest.qcow2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})
	mux.HandleFunc("/sha256sum.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sum.Encoded() + "  guest.qcow2\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := NewArtifact(srv.URL+"/guest.qcow2", srv.URL+"/sha256sum.txt")
	require.NoError(t, err)

	got, err := a.Get(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

// makeTarXZ builds a tar.xz archive holding one file.
func makeTarXZ(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	xzw, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(xzw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, xzw.Close())
	return buf.Bytes()
}

func TestDownload_TarXZDecompressedOnce(t *testing.T) {
	inner := []byte("the disk image inside the tarball")
	archive := makeTarXZ(t, "guest.qcow2", inner)
	sum := digest.SHA256.FromBytes(archive)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	destDir, cacheDir := t.TempDir(), t.TempDir()
	a, err := NewArtifact(srv.URL+"/guest.qcow2.tar.xz", sum.Encoded())
	require.NoError(t, err)

	got, err := a.Get(destDir, cacheDir)
	require.NoError(t, err)
	// Suffix stripped from both cache and destination names.
	assert.Equal(t, filepath.Join(destDir, "guest.qcow2"), got)
	assert.FileExists(t, filepath.Join(cacheDir, "guest.qcow2"))

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, inner, data)

	// A second Get performs no redundant download.
	_, err = a.Get(destDir, cacheDir)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestExtractTarXZ_RejectsEscapingPaths(t *testing.T) {
	archive := makeTarXZ(t, "../evil", []byte("x"))
	dir := t.TempDir()
	path := filepath.Join(dir, "a.tar.xz")
	require.NoError(t, os.WriteFile(path, archive, 0o644))

	err := extractTarXZ(path, dir)
	assert.ErrorIs(t, err, ErrUnsafeTarPath)
}
