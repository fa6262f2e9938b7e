package pool

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
)

func testConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           3306,
		User:           "reader",
		Password:       "secret",
		Database:       "appdb",
		MaxOpenConns:   4,
		ConnectTimeout: 2 * time.Second,
	}
}

// newTestManager swaps the opener for one returning a sqlmock handle with
// ping monitoring on.
func newTestManager(t *testing.T, cfg Config) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	m := NewManager(cfg, nil, zerolog.Nop())
	m.open = func(dsn string) (*sql.DB, error) {
		return db, nil
	}
	return m, mock
}

func TestManager_Get(t *testing.T) {
	t.Run("initializes once and reuses the pool", func(t *testing.T) {
		m, mock := newTestManager(t, testConfig())
		mock.ExpectPing()

		first, err := m.Get(context.Background())
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := m.Get(context.Background())
		require.NoError(t, err)
		assert.Same(t, first, second)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent first calls share one initialization", func(t *testing.T) {
		var opens int32
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		mock.ExpectPing()

		m := NewManager(testConfig(), nil, zerolog.Nop())
		m.open = func(dsn string) (*sql.DB, error) {
			atomic.AddInt32(&opens, 1)
			time.Sleep(50 * time.Millisecond) // widen the race window
			return db, nil
		}

		const callers = 8
		results := make([]*sql.DB, callers)
		var wg sync.WaitGroup
		wg.Add(callers)
		for i := 0; i < callers; i++ {
			go func(i int) {
				defer wg.Done()
				got, err := m.Get(context.Background())
				assert.NoError(t, err)
				results[i] = got
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&opens))
		for _, got := range results {
			assert.Same(t, results[0], got)
		}
	})

	t.Run("probe failure rolls back and allows retry", func(t *testing.T) {
		failing, failingMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		failingMock.ExpectPing().WillReturnError(assert.AnError)
		failingMock.ExpectClose()

		healthy, healthyMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		healthyMock.ExpectPing()

		handles := []*sql.DB{failing, healthy}
		var call int32
		m := NewManager(testConfig(), nil, zerolog.Nop())
		m.open = func(dsn string) (*sql.DB, error) {
			n := atomic.AddInt32(&call, 1)
			return handles[n-1], nil
		}

		_, err = m.Get(context.Background())
		require.Error(t, err)
		assert.Equal(t, errors.CodeConnectionFailed, errors.CodeOf(err))
		assert.NoError(t, failingMock.ExpectationsWereMet())

		db, err := m.Get(context.Background())
		require.NoError(t, err)
		assert.Same(t, healthy, db)
	})

	t.Run("canceled context while waiting", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		mock.ExpectPing()

		m := NewManager(testConfig(), nil, zerolog.Nop())
		m.open = func(dsn string) (*sql.DB, error) {
			time.Sleep(200 * time.Millisecond)
			return db, nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = m.Get(ctx)
		require.Error(t, err)
		assert.Equal(t, errors.CodeConnectionFailed, errors.CodeOf(err))
	})
}

func TestManager_DSN(t *testing.T) {
	m := NewManager(testConfig(), nil, zerolog.Nop())
	dsn := m.dsn("127.0.0.1:3306")

	assert.Contains(t, dsn, "reader:secret@tcp(127.0.0.1:3306)/appdb")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestManager_Close(t *testing.T) {
	t.Run("close without init is a no-op", func(t *testing.T) {
		m := NewManager(testConfig(), nil, zerolog.Nop())
		require.NoError(t, m.Close(context.Background()))
	})

	t.Run("close releases the pool", func(t *testing.T) {
		m, mock := newTestManager(t, testConfig())
		mock.ExpectPing()
		mock.ExpectClose()

		_, err := m.Get(context.Background())
		require.NoError(t, err)

		require.NoError(t, m.Close(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())

		// A Get after Close re-initializes rather than handing back the
		// closed pool.
		m.open = func(dsn string) (*sql.DB, error) {
			db, fresh, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
			if err != nil {
				return nil, err
			}
			fresh.ExpectPing()
			return db, nil
		}
		db, err := m.Get(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, db)
	})
}
