package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
)

// Config is an immutable snapshot of supervisor settings, captured at
// construction.
type Config struct {
	// Instance is the Cloud SQL instance connection name. Required.
	Instance string
	// Port is the local port the proxy listens on.
	Port int
	// CredentialsFile optionally points at a service-account key file.
	CredentialsFile string
	// BinaryPath optionally overrides the resolved binary location.
	BinaryPath string
	// AutoDownload permits downloading the binary when absent.
	AutoDownload bool
	// StartupTimeout bounds the wait for the proxy to accept connections.
	StartupTimeout time.Duration
}

// State is the lifecycle state of the supervised subprocess.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	readinessInterval = 500 * time.Millisecond
	dialTimeout       = 250 * time.Millisecond
	stopGracePeriod   = 5 * time.Second
)

// Supervisor owns the lifecycle of the proxy subprocess: start, health-poll
// until ready or failed, and graceful-then-forced teardown. Start and Stop
// are not designed for concurrent invocation; the connection manager
// serializes access.
type Supervisor struct {
	cfg      Config
	resolver *Resolver
	logger   zerolog.Logger

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	done    chan struct{} // closed by the exit watcher; the single "process died" signal
	exitErr error

	errMu     sync.Mutex
	lastError string
}

// NewSupervisor creates a supervisor. The configuration is never mutated
// after construction.
func NewSupervisor(cfg Config, resolver *Resolver, logger zerolog.Logger) *Supervisor {
	if cfg.Port == 0 {
		cfg.Port = 3307
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		state:    StateStopped,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the local endpoint the proxy serves on.
func (s *Supervisor) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port))
}

// Healthy reports whether the proxy is running and accepting connections.
func (s *Supervisor) Healthy() bool {
	if s.State() != StateRunning {
		return false
	}
	conn, err := net.DialTimeout("tcp", s.Addr(), dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Start launches the subprocess and blocks until it accepts local TCP
// connections, it exits, or the startup timeout elapses. Calling Start while
// already running is a no-op; no second subprocess is ever spawned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		s.mu.Unlock()
		return errors.Newf(errors.CodeProxyStartupFailed, "proxy is %s; concurrent start is not supported", s.state)
	}
	if strings.TrimSpace(s.cfg.Instance) == "" {
		s.mu.Unlock()
		return errors.New(errors.CodeProxyStartupFailed, "instance connection name is required to start the proxy")
	}
	s.state = StateStarting
	s.mu.Unlock()

	err := s.start(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.cmd = nil
		s.mu.Unlock()
	}
	return err
}

func (s *Supervisor) start(ctx context.Context) error {
	binary, err := s.resolver.Ensure(ctx, EnsureOptions{
		CustomPath:   s.cfg.BinaryPath,
		AutoDownload: s.cfg.AutoDownload,
	})
	if err != nil {
		return err
	}

	args := []string{s.cfg.Instance, "--port", strconv.Itoa(s.cfg.Port), "--structured-logs"}
	if s.cfg.CredentialsFile != "" {
		args = append(args, "--credentials-file", s.cfg.CredentialsFile)
	}

	cmd := exec.Command(binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, errors.CodeProxyStartupFailed, "cannot attach to proxy stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, errors.CodeProxyStartupFailed, "cannot attach to proxy stderr")
	}

	s.setLastError("")
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, errors.CodeProxyStartupFailed, "cannot spawn proxy binary %s", binary)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.done = done
	s.exitErr = nil
	s.mu.Unlock()

	s.logger.Info().
		Str("binary", binary).
		Str("instance", s.cfg.Instance).
		Int("port", s.cfg.Port).
		Msg("Proxy subprocess started")

	go s.consumeStdout(stdout)
	go s.consumeStderr(stderr)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(done)
	}()

	return s.awaitReady(ctx, done)
}

// awaitReady polls a local TCP connect on a fixed interval. The exit watcher
// and this loop race to report the outcome; the done channel is the single
// signal both observe, so a connect success can never be reported after the
// process has already died.
func (s *Supervisor) awaitReady(ctx context.Context, done chan struct{}) error {
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return s.startupFailure("proxy exited before becoming ready")
		case <-ctx.Done():
			s.terminate(done)
			return errors.Wrap(ctx.Err(), errors.CodeProxyStartupFailed, "proxy startup canceled")
		case <-deadline.C:
			s.terminate(done)
			return s.startupFailure(fmt.Sprintf("proxy did not become ready within %s", s.cfg.StartupTimeout))
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", s.Addr(), dialTimeout)
			if err != nil {
				continue
			}
			conn.Close()
			select {
			case <-done:
				// Process died between the connect and now; death wins.
				return s.startupFailure("proxy exited before becoming ready")
			default:
			}
			s.mu.Lock()
			s.state = StateRunning
			s.mu.Unlock()
			s.logger.Info().Str("addr", s.Addr()).Msg("Proxy is ready")
			return nil
		}
	}
}

// startupFailure builds the error surfaced to callers, carrying the last
// captured subprocess log line and exit status when available.
func (s *Supervisor) startupFailure(reason string) error {
	s.mu.Lock()
	exitErr := s.exitErr
	s.mu.Unlock()

	e := errors.New(errors.CodeProxyStartupFailed, reason)
	if last := s.lastCapturedError(); last != "" {
		e = e.WithDetail("proxy_error", last)
	}
	if exitErr != nil {
		e = e.WithDetail("exit", exitErr.Error())
	}
	return e
}

// terminate force-stops the subprocess during a failed startup so no orphan
// is left behind.
func (s *Supervisor) terminate(done chan struct{}) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		cmd.Process.Kill()
		<-done
	}
}

// Stop sends a graceful termination signal, waits up to the grace period,
// then force-kills. Internal state is cleared regardless of how the process
// went down. Calling Stop when already stopped is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd == nil {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	cmd := s.cmd
	done := s.done
	s.state = StateStopping
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping proxy subprocess")

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
	}

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		s.logger.Warn().Msg("Proxy did not exit in time; force-killing")
		cmd.Process.Kill()
		<-done
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
	}

	s.mu.Lock()
	s.cmd = nil
	s.done = nil
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info().Msg("Proxy subprocess stopped")
	return nil
}

// proxyLogRecord is a single structured (JSON) line from proxy stdout.
type proxyLogRecord struct {
	Severity string `json:"severity"`
	Level    string `json:"level"`
	Message  string `json:"message"`
	Msg      string `json:"msg"`
}

func (rec proxyLogRecord) severity() string {
	if rec.Severity != "" {
		return strings.ToUpper(rec.Severity)
	}
	return strings.ToUpper(rec.Level)
}

func (rec proxyLogRecord) text() string {
	if rec.Message != "" {
		return rec.Message
	}
	return rec.Msg
}

// consumeStdout parses stdout lines as structured log records when possible
// and retains the latest error-severity message.
func (s *Supervisor) consumeStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		var rec proxyLogRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.text() == "" {
			s.logger.Debug().Str("stream", "stdout").Msg(line)
			continue
		}
		switch rec.severity() {
		case "ERROR", "CRITICAL", "ALERT", "FATAL":
			s.setLastError(rec.text())
			s.logger.Warn().Str("proxy_severity", rec.severity()).Msg(rec.text())
		default:
			s.logger.Debug().Str("proxy_severity", rec.severity()).Msg(rec.text())
		}
	}
}

// consumeStderr captures stderr lines verbatim as a fallback error signal.
func (s *Supervisor) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.setLastError(line)
		s.logger.Debug().Str("stream", "stderr").Msg(line)
	}
}

func (s *Supervisor) setLastError(msg string) {
	s.errMu.Lock()
	s.lastError = msg
	s.errMu.Unlock()
}

func (s *Supervisor) lastCapturedError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastError
}
