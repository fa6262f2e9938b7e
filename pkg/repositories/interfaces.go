// Package repositories defines data access interfaces.
package repositories

import (
	"context"

	"github.com/matpb/mysql-mcp-server/pkg/models"
)

// QueryRepository defines admitted-query execution operations.
type QueryRepository interface {
	// ExecuteQuery runs a result-set-producing statement and decodes rows
	// into typed cells.
	ExecuteQuery(ctx context.Context, query string, args ...interface{}) (*models.QueryResult, error)
	// ExecuteStatement runs a statement that produces no result set
	// (session-variable assignment).
	ExecuteStatement(ctx context.Context, query string, args ...interface{}) error
}

// MetadataRepository defines schema introspection operations.
type MetadataRepository interface {
	ListTables(ctx context.Context) ([]string, error)
	GetColumns(ctx context.Context, table string) ([]models.Column, error)
	GetIndexes(ctx context.Context, table string) ([]models.Index, error)
	GetTableStatus(ctx context.Context, table string) (*models.TableStatus, error)
}
