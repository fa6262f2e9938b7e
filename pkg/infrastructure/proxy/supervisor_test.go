package proxy

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
)

// writeStubBinary writes an executable shell script standing in for the
// proxy binary.
func writeStubBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub binaries are shell scripts")
	}
	path := filepath.Join(t.TempDir(), "cloud-sql-proxy")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// freePort grabs an OS-assigned port and hands back both the port number and
// the still-open listener, so the test controls when something accepts on it.
func freePort(t *testing.T) (int, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln.Addr().(*net.TCPAddr).Port, ln
}

func TestSupervisor_StartRequiresInstance(t *testing.T) {
	s := NewSupervisor(Config{}, NewResolver("", "", zerolog.Nop()), zerolog.Nop())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeProxyStartupFailed, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "instance connection name")
}

func TestSupervisor_StartFailsWhenBinaryMissing(t *testing.T) {
	s := NewSupervisor(Config{
		Instance:   "proj:region:db",
		BinaryPath: filepath.Join(t.TempDir(), "missing"),
	}, NewResolver("", "", zerolog.Nop()), zerolog.Nop())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
}

func TestSupervisor_StartCapturesSubprocessError(t *testing.T) {
	binary := writeStubBinary(t, "#!/bin/sh\necho 'connection refused by instance' >&2\nexit 1\n")
	port, ln := freePort(t)
	ln.Close() // nothing listens; the stub exits instead of serving

	s := NewSupervisor(Config{
		Instance:       "proj:region:db",
		Port:           port,
		BinaryPath:     binary,
		StartupTimeout: 5 * time.Second,
	}, NewResolver("", "", zerolog.Nop()), zerolog.Nop())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeProxyStartupFailed, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "exited before becoming ready")
	assert.Contains(t, err.Error(), "connection refused by instance")
	assert.Equal(t, StateFailed, s.State())
}

func TestSupervisor_StartupTimeout(t *testing.T) {
	// The stub stays alive but never listens, so readiness can only time out.
	binary := writeStubBinary(t, "#!/bin/sh\nsleep 60\n")
	port, ln := freePort(t)
	ln.Close()

	s := NewSupervisor(Config{
		Instance:       "proj:region:db",
		Port:           port,
		BinaryPath:     binary,
		StartupTimeout: time.Second,
	}, NewResolver("", "", zerolog.Nop()), zerolog.Nop())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeProxyStartupFailed, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "did not become ready")
	assert.Equal(t, StateFailed, s.State())
}

func TestSupervisor_StartStopLifecycle(t *testing.T) {
	binary := writeStubBinary(t, "#!/bin/sh\nsleep 60\n")
	// The test owns the listener standing in for the proxy's local endpoint.
	port, ln := freePort(t)
	defer ln.Close()

	s := NewSupervisor(Config{
		Instance:       "proj:region:db",
		Port:           port,
		BinaryPath:     binary,
		StartupTimeout: 5 * time.Second,
	}, NewResolver("", "", zerolog.Nop()), zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	assert.True(t, s.Healthy())

	// Starting again is a no-op; the same subprocess keeps running.
	s.mu.Lock()
	firstCmd := s.cmd
	s.mu.Unlock()
	require.NoError(t, s.Start(context.Background()))
	s.mu.Lock()
	secondCmd := s.cmd
	s.mu.Unlock()
	assert.Same(t, firstCmd, secondCmd)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, s.Healthy())
}

func TestSupervisor_StopWithoutStart(t *testing.T) {
	s := NewSupervisor(Config{Instance: "proj:region:db"}, NewResolver("", "", zerolog.Nop()), zerolog.Nop())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisor_Addr(t *testing.T) {
	s := NewSupervisor(Config{Instance: "proj:region:db", Port: 3310}, nil, zerolog.Nop())
	assert.Equal(t, "127.0.0.1:3310", s.Addr())

	defaulted := NewSupervisor(Config{Instance: "proj:region:db"}, nil, zerolog.Nop())
	assert.Equal(t, "127.0.0.1:3307", defaulted.Addr())
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
