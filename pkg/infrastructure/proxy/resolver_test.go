package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
)

func testResolver(goos, goarch string) *Resolver {
	r := NewResolver("", "", zerolog.Nop())
	r.goos = goos
	r.goarch = goarch
	return r
}

func TestResolver_DownloadURL(t *testing.T) {
	tests := []struct {
		goos    string
		goarch  string
		want    string
		wantErr bool
	}{
		{"linux", "amd64", "https://storage.googleapis.com/cloud-sql-connectors/cloud-sql-proxy/v" + DefaultVersion + "/cloud-sql-proxy.linux.amd64", false},
		{"linux", "arm64", "https://storage.googleapis.com/cloud-sql-connectors/cloud-sql-proxy/v" + DefaultVersion + "/cloud-sql-proxy.linux.arm64", false},
		{"darwin", "amd64", "https://storage.googleapis.com/cloud-sql-connectors/cloud-sql-proxy/v" + DefaultVersion + "/cloud-sql-proxy.darwin.amd64", false},
		{"darwin", "arm64", "https://storage.googleapis.com/cloud-sql-connectors/cloud-sql-proxy/v" + DefaultVersion + "/cloud-sql-proxy.darwin.arm64", false},
		{"windows", "amd64", "https://storage.googleapis.com/cloud-sql-connectors/cloud-sql-proxy/v" + DefaultVersion + "/cloud-sql-proxy.x64.exe", false},
		{"plan9", "amd64", "", true},
		{"linux", "mips", "", true},
		{"windows", "arm64", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.goarch, func(t *testing.T) {
			url, err := testResolver(tt.goos, tt.goarch).DownloadURL()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.CodeUnsupportedPlatform, errors.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, url)
		})
	}
}

func TestResolver_DownloadURL_Version(t *testing.T) {
	r := NewResolver("2.0.0", "", zerolog.Nop())
	r.goos, r.goarch = "linux", "amd64"

	url, err := r.DownloadURL()
	require.NoError(t, err)
	assert.Contains(t, url, "/v2.0.0/")
}

func TestResolver_BinaryPath(t *testing.T) {
	t.Run("custom path wins", func(t *testing.T) {
		r := testResolver("linux", "amd64")
		path, err := r.BinaryPath("/opt/bin/cloud-sql-proxy")
		require.NoError(t, err)
		assert.Equal(t, "/opt/bin/cloud-sql-proxy", path)
	})

	t.Run("install dir", func(t *testing.T) {
		r := NewResolver("", "/var/lib/mcp", zerolog.Nop())
		r.goos, r.goarch = "linux", "amd64"
		path, err := r.BinaryPath("")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/var/lib/mcp", "cloud-sql-proxy"), path)
	})

	t.Run("windows gets exe suffix", func(t *testing.T) {
		r := NewResolver("", "/var/lib/mcp", zerolog.Nop())
		r.goos, r.goarch = "windows", "amd64"
		path, err := r.BinaryPath("")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/var/lib/mcp", "cloud-sql-proxy.exe"), path)
	})
}

func TestResolver_Ensure(t *testing.T) {
	t.Run("existing executable is reused", func(t *testing.T) {
		dir := t.TempDir()
		binary := filepath.Join(dir, "cloud-sql-proxy")
		require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))

		r := testResolver("linux", "amd64")
		path, err := r.Ensure(context.Background(), EnsureOptions{CustomPath: binary})
		require.NoError(t, err)
		assert.Equal(t, binary, path)
	})

	t.Run("non-executable file is not reused", func(t *testing.T) {
		dir := t.TempDir()
		binary := filepath.Join(dir, "cloud-sql-proxy")
		require.NoError(t, os.WriteFile(binary, []byte("data"), 0o644))

		r := testResolver("linux", "amd64")
		_, err := r.Ensure(context.Background(), EnsureOptions{CustomPath: binary, AutoDownload: false})
		require.Error(t, err)
		assert.Equal(t, errors.CodeProxyStartupFailed, errors.CodeOf(err))
	})

	t.Run("missing binary with auto-download disabled", func(t *testing.T) {
		r := NewResolver("", t.TempDir(), zerolog.Nop())
		r.goos, r.goarch = "linux", "amd64"

		_, err := r.Ensure(context.Background(), EnsureOptions{AutoDownload: false})
		require.Error(t, err)
		assert.Equal(t, errors.CodeProxyStartupFailed, errors.CodeOf(err))
		assert.Contains(t, err.Error(), "auto-download is disabled")
	})

	t.Run("unsupported platform fails before any download", func(t *testing.T) {
		dir := t.TempDir()
		r := NewResolver("", dir, zerolog.Nop())
		r.goos, r.goarch = "plan9", "amd64"

		_, err := r.Ensure(context.Background(), EnsureOptions{AutoDownload: true})
		require.Error(t, err)
		assert.Equal(t, errors.CodeUnsupportedPlatform, errors.CodeOf(err))
	})
}

func TestResolver_Download(t *testing.T) {
	t.Run("downloads and installs atomically", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte("binary-content"))
		}))
		defer srv.Close()

		dir := t.TempDir()
		target := filepath.Join(dir, "cloud-sql-proxy")
		r := testResolver("linux", "amd64")

		require.NoError(t, r.download(context.Background(), srv.URL, target))

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "binary-content", string(data))

		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.NotZero(t, info.Mode().Perm()&0o111)

		// No temporary leftovers.
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("follows redirects", func(t *testing.T) {
		final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte("redirected-content"))
		}))
		defer final.Close()
		hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, final.URL, http.StatusFound)
		}))
		defer hop.Close()

		target := filepath.Join(t.TempDir(), "cloud-sql-proxy")
		r := testResolver("linux", "amd64")

		require.NoError(t, r.download(context.Background(), hop.URL, target))
		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "redirected-content", string(data))
	})

	t.Run("redirect loop aborts", func(t *testing.T) {
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, srv.URL, http.StatusFound)
		}))
		defer srv.Close()

		r := testResolver("linux", "amd64")
		err := r.download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "proxy"))
		require.Error(t, err)
		assert.Equal(t, errors.CodeDownloadFailed, errors.CodeOf(err))
		assert.Contains(t, err.Error(), "too many redirects")
	})

	t.Run("redirect without location aborts", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusFound)
		}))
		defer srv.Close()

		r := testResolver("linux", "amd64")
		err := r.download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "proxy"))
		require.Error(t, err)
		assert.Equal(t, errors.CodeDownloadFailed, errors.CodeOf(err))
		assert.Contains(t, err.Error(), "without Location header")
	})

	t.Run("http error status aborts", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		dir := t.TempDir()
		target := filepath.Join(dir, "proxy")
		r := testResolver("linux", "amd64")

		err := r.download(context.Background(), srv.URL, target)
		require.Error(t, err)
		assert.Equal(t, errors.CodeDownloadFailed, errors.CodeOf(err))

		_, statErr := os.Stat(target)
		assert.True(t, os.IsNotExist(statErr))
	})
}
