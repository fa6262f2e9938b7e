// Package proxy manages the Cloud SQL Auth Proxy helper binary and its
// supervised subprocess.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
)

// DefaultVersion is the proxy release downloaded when none is configured.
const DefaultVersion = "2.14.3"

const (
	downloadBase    = "https://storage.googleapis.com/cloud-sql-connectors/cloud-sql-proxy"
	maxRedirects    = 5
	downloadTimeout = 60 * time.Second
)

// downloadSuffixes maps GOOS/GOARCH to the release artifact suffix.
var downloadSuffixes = map[string]string{
	"linux/amd64":   "linux.amd64",
	"linux/arm64":   "linux.arm64",
	"darwin/amd64":  "darwin.amd64",
	"darwin/arm64":  "darwin.arm64",
	"windows/amd64": "x64.exe",
}

// Resolver locates, and when allowed downloads, the proxy binary for the
// host platform.
type Resolver struct {
	version    string
	installDir string
	goos       string
	goarch     string
	client     *http.Client
	logger     zerolog.Logger
}

// NewResolver creates a resolver for the current platform. An empty version
// or installDir selects the defaults.
func NewResolver(version, installDir string, logger zerolog.Logger) *Resolver {
	if version == "" {
		version = DefaultVersion
	}
	return &Resolver{
		version:    version,
		installDir: installDir,
		goos:       runtime.GOOS,
		goarch:     runtime.GOARCH,
		client: &http.Client{
			Timeout: downloadTimeout,
			// Redirects are followed manually so loops and missing
			// Location headers fail with distinct messages.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// suffix returns the artifact suffix for the platform, failing before any
// network activity on unsupported combinations.
func (r *Resolver) suffix() (string, error) {
	key := r.goos + "/" + r.goarch
	suffix, ok := downloadSuffixes[key]
	if !ok {
		return "", errors.Newf(errors.CodeUnsupportedPlatform,
			"unsupported platform %s/%s: no proxy binary is published for this OS/architecture", r.goos, r.goarch)
	}
	return suffix, nil
}

// DownloadURL returns the release artifact URL for the host platform.
func (r *Resolver) DownloadURL() (string, error) {
	suffix, err := r.suffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/v%s/cloud-sql-proxy.%s", downloadBase, r.version, suffix), nil
}

// BinaryPath resolves the expected on-disk location of the binary. A
// non-empty customPath wins unconditionally.
func (r *Resolver) BinaryPath(customPath string) (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	dir := r.installDir
	if dir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return "", errors.Wrap(err, errors.CodeInternal, "cannot determine user config directory")
		}
		dir = filepath.Join(configDir, "mysql-mcp-server")
	}
	name := "cloud-sql-proxy"
	if r.goos == "windows" {
		name += ".exe"
	}
	return filepath.Join(dir, name), nil
}

// EnsureOptions controls Ensure behavior.
type EnsureOptions struct {
	CustomPath   string
	AutoDownload bool
}

// Ensure returns the path to a usable proxy binary, downloading it when
// permitted and necessary.
func (r *Resolver) Ensure(ctx context.Context, opts EnsureOptions) (string, error) {
	path, err := r.BinaryPath(opts.CustomPath)
	if err != nil {
		return "", err
	}

	if r.usable(path) {
		r.logger.Info().Str("path", path).Msg("Using existing proxy binary")
		return path, nil
	}

	url, err := r.DownloadURL()
	if err != nil {
		return "", err
	}

	if !opts.AutoDownload {
		return "", errors.Newf(errors.CodeProxyStartupFailed,
			"proxy binary not found at %s and auto-download is disabled; download it manually from %s", path, url)
	}

	if err := r.download(ctx, url, path); err != nil {
		return "", err
	}
	r.logger.Info().Str("path", path).Str("url", url).Msg("Downloaded proxy binary")
	return path, nil
}

// usable reports whether a binary exists at path and is executable.
// Windows file modes do not carry executable bits, so presence suffices
// there.
func (r *Resolver) usable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if r.goos == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// download streams the artifact to a temporary sibling and renames it into
// place, so a partial download never lands at the final path.
func (r *Resolver) download(ctx context.Context, url, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, errors.CodeDownloadFailed, "cannot create install directory %s", filepath.Dir(path))
	}

	body, err := r.fetch(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".download-*")
	if err != nil {
		return errors.Wrap(err, errors.CodeDownloadFailed, "cannot create temporary download file")
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.CodeDownloadFailed, "write error while downloading proxy binary")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, errors.CodeDownloadFailed, "cannot finalize downloaded file")
	}

	if r.goos != "windows" {
		if err := os.Chmod(tmpPath, 0o755); err != nil {
			os.Remove(tmpPath)
			return errors.Wrap(err, errors.CodeDownloadFailed, "cannot mark proxy binary executable")
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, errors.CodeDownloadFailed, "cannot move proxy binary into place at %s", path)
	}
	return nil
}

// fetch performs the GET, following up to maxRedirects redirects manually.
func (r *Resolver) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	for redirects := 0; ; redirects++ {
		if redirects > maxRedirects {
			return nil, errors.Newf(errors.CodeDownloadFailed,
				"too many redirects (%d) downloading proxy binary", redirects)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeDownloadFailed, "invalid download URL %s", url)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeDownloadFailed, "network error downloading proxy binary")
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp.Body, nil
		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, errors.Newf(errors.CodeDownloadFailed,
					"redirect response %d without Location header", resp.StatusCode)
			}
			url = location
		default:
			resp.Body.Close()
			return nil, errors.Newf(errors.CodeDownloadFailed,
				"unexpected HTTP status %d downloading proxy binary from %s", resp.StatusCode, url)
		}
	}
}
