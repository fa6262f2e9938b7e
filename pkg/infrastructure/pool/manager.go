// Package pool provides the managed database connection pool, composed with
// the optional proxy supervisor.
package pool

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
	"github.com/matpb/mysql-mcp-server/pkg/infrastructure/proxy"
)

// Config represents database target configuration.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	MaxOpenConns   int
	ConnectTimeout time.Duration
}

// ConnectionProvider hands out the shared database pool, creating it on
// first use.
type ConnectionProvider interface {
	Get(ctx context.Context) (*sql.DB, error)
}

// initAttempt is a single in-flight initialization. Concurrent first-time
// callers await the same attempt instead of racing to start a second proxy
// or a second pool.
type initAttempt struct {
	done chan struct{}
	db   *sql.DB
	err  error
}

// Manager lazily creates the pool, starting the proxy supervisor first when
// one is configured, and probes liveness before handing the pool out.
type Manager struct {
	cfg        Config
	supervisor *proxy.Supervisor // nil when the proxy feature is disabled
	logger     zerolog.Logger

	// open is swappable for tests.
	open func(dsn string) (*sql.DB, error)

	mu      sync.Mutex
	db      *sql.DB
	pending *initAttempt
}

// NewManager creates a connection manager. supervisor may be nil when the
// proxy feature is disabled.
func NewManager(cfg Config, supervisor *proxy.Supervisor, logger zerolog.Logger) *Manager {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		supervisor: supervisor,
		logger:     logger,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("mysql", dsn)
		},
	}
}

// Get returns the shared pool, initializing it on first use. Only one
// initialization sequence runs at a time; a failed attempt resets so a
// later call can retry.
func (m *Manager) Get(ctx context.Context) (*sql.DB, error) {
	m.mu.Lock()
	if m.db != nil {
		db := m.db
		m.mu.Unlock()
		return db, nil
	}
	if m.pending == nil {
		attempt := &initAttempt{done: make(chan struct{})}
		m.pending = attempt
		go m.initialize(attempt)
	}
	attempt := m.pending
	m.mu.Unlock()

	select {
	case <-attempt.done:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.CodeConnectionFailed, "canceled while waiting for pool initialization")
	}
	return attempt.db, attempt.err
}

// initialize runs the full startup sequence: proxy first (when enabled),
// then pool creation, then a liveness probe. The pool is never constructed
// before the proxy is running. On probe failure everything is rolled back.
func (m *Manager) initialize(attempt *initAttempt) {
	defer close(attempt.done)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout+time.Minute)
	defer cancel()

	db, err := m.connect(ctx)

	m.mu.Lock()
	if err == nil {
		m.db = db
		attempt.db = db
	} else {
		attempt.err = err
	}
	m.pending = nil
	m.mu.Unlock()
}

func (m *Manager) connect(ctx context.Context) (*sql.DB, error) {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	proxyStarted := false

	if m.supervisor != nil {
		if err := m.supervisor.Start(ctx); err != nil {
			return nil, err
		}
		addr = m.supervisor.Addr()
		proxyStarted = true
	}

	dsn := m.dsn(addr)
	db, err := m.open(dsn)
	if err != nil {
		m.rollback(ctx, nil, proxyStarted)
		return nil, errors.Wrap(err, errors.CodeConnectionFailed, "failed to open database pool")
	}
	db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	db.SetMaxIdleConns(m.cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Liveness probe: the pool is not considered ready until one
	// round-trip succeeds.
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(probeCtx); err != nil {
		m.rollback(ctx, db, proxyStarted)
		return nil, errors.Wrapf(err, errors.CodeConnectionFailed, "liveness probe failed for %s", addr)
	}

	m.logger.Info().Str("addr", addr).Str("database", m.cfg.Database).Msg("Database pool ready")
	return db, nil
}

// rollback discards a half-initialized pool and stops the proxy if this
// attempt started it.
func (m *Manager) rollback(ctx context.Context, db *sql.DB, proxyStarted bool) {
	if db != nil {
		db.Close()
	}
	if proxyStarted && m.supervisor != nil {
		if err := m.supervisor.Stop(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to stop proxy during rollback")
		}
	}
}

func (m *Manager) dsn(addr string) string {
	cfg := mysql.NewConfig()
	cfg.User = m.cfg.User
	cfg.Passwd = m.cfg.Password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = m.cfg.Database
	cfg.ParseTime = true
	cfg.Timeout = m.cfg.ConnectTimeout
	return cfg.FormatDSN()
}

// Close releases the pool, then stops the supervisor. Safe to call when
// nothing was ever started.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	if pending != nil {
		<-pending.done
	}

	m.mu.Lock()
	db := m.db
	m.db = nil
	m.mu.Unlock()

	var firstErr error
	if db != nil {
		if err := db.Close(); err != nil {
			firstErr = err
		}
	}
	if m.supervisor != nil {
		if err := m.supervisor.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
