package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSha256Hex(t *testing.T) {
	input := "hello world\n"
	got, err := sha256Hex(strings.NewReader(input))
	require.NoError(t, err)

	h := sha256.Sum256([]byte(input))
	assert.Equal(t, hex.EncodeToString(h[:]), got)
}

func TestSha256File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bin")
	data := []byte("stepmachine test data")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	got, err := sha256File(path)
	require.NoError(t, err)

	h := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(h[:]), got)

	_, err = sha256File("/nonexistent/file")
	assert.Error(t, err)
}

func TestMermaidASCIIAssetName(t *testing.T) {
	tests := []struct {
		goos, goarch string
		want         string
		wantErr      bool
	}{
		{"darwin", "arm64", "mermaid-ascii_Darwin_arm64.tar.gz", false},
		{"darwin", "amd64", "mermaid-ascii_Darwin_x86_64.tar.gz", false},
		{"linux", "amd64", "mermaid-ascii_Linux_x86_64.tar.gz", false},
		{"linux", "386", "mermaid-ascii_Linux_i386.tar.gz", false},
		{"windows", "amd64", "", true},
		{"linux", "riscv64", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.goarch, func(t *testing.T) {
			got, err := mermaidASCIIAssetName(tt.goos, tt.goarch)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// tarGz builds an archive holding the given files.
func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractTarGz(t *testing.T) {
	archive := tarGz(t, map[string]string{
		"mermaid-ascii_1.1.0/README.md":     "docs",
		"mermaid-ascii_1.1.0/mermaid-ascii": "#!/bin/sh\n",
	})

	dir := t.TempDir()
	require.NoError(t, extractTarGz(bytes.NewReader(archive), dir, "mermaid-ascii"))

	data, err := os.ReadFile(filepath.Join(dir, "mermaid-ascii"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))

	err = extractTarGz(bytes.NewReader(archive), dir, "other")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in archive")

	assert.Error(t, extractTarGz(strings.NewReader("not gzip"), dir, "mermaid-ascii"))
}

func newReleaseServer(t *testing.T, asset string, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+asset {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestToolInstaller_InstallMermaidASCII(t *testing.T) {
	asset := "mermaid-ascii_Linux_x86_64.tar.gz"
	archive := tarGz(t, map[string]string{"mermaid-ascii": "binary"})
	sum := sha256.Sum256(archive)
	srv := newReleaseServer(t, asset, archive)

	inst := &toolInstaller{
		client:    srv.Client(),
		baseURL:   srv.URL,
		checksums: map[string]string{asset: hex.EncodeToString(sum[:])},
		goos:      "linux",
		goarch:    "amd64",
	}

	dir := filepath.Join(t.TempDir(), "bin")
	path, err := inst.installMermaidASCII(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mermaid-ascii"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "binary is executable")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary download removed")

	// A second install keeps the existing binary without downloading.
	inst.baseURL = "http://127.0.0.1:0"
	again, err := inst.installMermaidASCII(dir)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestToolInstaller_Failures(t *testing.T) {
	asset := "mermaid-ascii_Darwin_arm64.tar.gz"
	archive := tarGz(t, map[string]string{"mermaid-ascii": "binary"})
	srv := newReleaseServer(t, asset, archive)

	base := toolInstaller{client: srv.Client(), baseURL: srv.URL, goos: "darwin", goarch: "arm64"}

	t.Run("checksum mismatch", func(t *testing.T) {
		inst := base
		inst.checksums = map[string]string{asset: strings.Repeat("0", 64)}
		dir := t.TempDir()
		_, err := inst.installMermaidASCII(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum mismatch")

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unknown asset", func(t *testing.T) {
		inst := base
		inst.checksums = map[string]string{}
		_, err := inst.installMermaidASCII(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no known checksum")
	})

	t.Run("missing release", func(t *testing.T) {
		inst := base
		inst.goos, inst.goarch = "linux", "arm64"
		inst.checksums = map[string]string{"mermaid-ascii_Linux_arm64.tar.gz": strings.Repeat("0", 64)}
		_, err := inst.installMermaidASCII(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
	})

	t.Run("unsupported platform", func(t *testing.T) {
		inst := base
		inst.goos = "plan9"
		_, err := inst.installMermaidASCII(t.TempDir())
		assert.Error(t, err)
	})
}

func TestInstallCmd_WritesSettingsOnce(t *testing.T) {
	home := t.TempDir()

	out, err := execute(t, home, "install", "--skip-tools")
	require.NoError(t, err)
	assert.Contains(t, out, "Config written to")

	path := filepath.Join(home, "settings.yaml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "db_path:")

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o644))
	out, err = execute(t, home, "install", "--skip-tools")
	require.NoError(t, err)
	assert.Contains(t, out, "Keeping existing config")

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "log_level: warn\n", string(data))
}
