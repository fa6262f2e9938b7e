// Package mysql provides MySQL-specific repository implementations.
package mysql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
	"github.com/matpb/mysql-mcp-server/pkg/infrastructure/pool"
	"github.com/matpb/mysql-mcp-server/pkg/models"
	"github.com/matpb/mysql-mcp-server/pkg/repositories"
)

// queryRepository implements repositories.QueryRepository for MySQL.
type queryRepository struct {
	pool   pool.ConnectionProvider
	logger zerolog.Logger
}

// NewQueryRepository creates a new MySQL query repository.
func NewQueryRepository(pool pool.ConnectionProvider, logger zerolog.Logger) repositories.QueryRepository {
	return &queryRepository{
		pool:   pool,
		logger: logger,
	}
}

// ExecuteQuery executes a query and decodes the result set into typed cells.
func (r *queryRepository) ExecuteQuery(ctx context.Context, query string, args ...interface{}) (*models.QueryResult, error) {
	r.logger.Debug().
		Str("query", query).
		Int("args_count", len(args)).
		Msg("Executing query")

	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConnectionFailed, "failed to get connection from pool")
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return decodeRows(rows)
}

// ExecuteStatement executes a statement that produces no result set.
func (r *queryRepository) ExecuteStatement(ctx context.Context, query string, args ...interface{}) error {
	r.logger.Debug().Str("query", query).Msg("Executing statement")

	db, err := r.pool.Get(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CodeConnectionFailed, "failed to get connection from pool")
	}

	_, err = db.ExecContext(ctx, query, args...)
	return err
}

// decodeRows converts a sql.Rows result set into typed cells.
func decodeRows(rows *sql.Rows) (*models.QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	binary := make([]bool, len(columns))
	for i, ct := range types {
		binary[i] = isBinaryType(ct.DatabaseTypeName())
	}

	result := &models.QueryResult{
		Columns: columns,
		Rows:    []models.Row{},
	}

	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(models.Row, len(columns))
		for i, v := range values {
			row[i] = cellOf(v, binary[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// cellOf maps a driver value onto a typed cell. The MySQL driver hands back
// []byte for most textual and numeric columns; binary columns are kept as
// byte sequences, everything else becomes a string.
func cellOf(v interface{}, isBinary bool) models.Cell {
	switch val := v.(type) {
	case nil:
		return models.NullCell()
	case int64:
		return models.IntCell(val)
	case float64:
		return models.FloatCell(val)
	case bool:
		return models.BoolCell(val)
	case time.Time:
		return models.TimeCell(val)
	case []byte:
		if isBinary {
			b := make([]byte, len(val))
			copy(b, val)
			return models.BytesCell(b)
		}
		return models.StringCell(string(val))
	case string:
		return models.StringCell(val)
	default:
		return models.StringCell(asString(v))
	}
}

func isBinaryType(dbType string) bool {
	t := strings.ToUpper(dbType)
	return strings.Contains(t, "BLOB") || strings.Contains(t, "BINARY")
}
