// Package services contains business logic implementations.
package services

import (
	"context"
	"time"

	"github.com/matpb/mysql-mcp-server/pkg/models"
)

// QueryService defines query operations.
type QueryService interface {
	ExecuteQuery(ctx context.Context, req *models.QueryRequest) (*models.QueryResult, error)
	ValidateQuery(query string) models.SanitizationResult
}

// MetadataService defines metadata operations.
type MetadataService interface {
	ListTables(ctx context.Context) (*models.TableList, error)
	DescribeTable(ctx context.Context, table string) (*models.TableDescription, error)
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop() time.Duration
}
