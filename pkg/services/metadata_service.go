package services

import (
	"context"
	"regexp"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
	"github.com/matpb/mysql-mcp-server/pkg/models"
	"github.com/matpb/mysql-mcp-server/pkg/repositories"
)

// Table identifiers cannot be parameter-bound, so they are restricted to a
// safe character set before being interpolated into metadata queries.
var tableNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// metadataService implements MetadataService.
type metadataService struct {
	repo    repositories.MetadataRepository
	logger  Logger
	metrics MetricsCollector
}

// NewMetadataService creates a new metadata service.
func NewMetadataService(
	repo repositories.MetadataRepository,
	logger Logger,
	metrics MetricsCollector,
) MetadataService {
	return &metadataService{
		repo:    repo,
		logger:  logger,
		metrics: metrics,
	}
}

// ListTables returns the table names in the connected database.
func (s *metadataService) ListTables(ctx context.Context) (*models.TableList, error) {
	timer := s.metrics.StartTimer("metadata_list_tables")
	defer timer.Stop()

	tables, err := s.repo.ListTables(ctx)
	if err != nil {
		s.metrics.IncrementCounter("metadata_errors", "operation", "list_tables")
		s.logger.Error("Failed to list tables", "error", err)
		return nil, errors.Wrap(err, errors.CodeMetadataFailed, "failed to list tables")
	}

	s.logger.Info("Listed tables", "count", len(tables))
	return &models.TableList{Tables: tables, Count: len(tables)}, nil
}

// DescribeTable assembles columns, indexes, and table status for a table.
func (s *metadataService) DescribeTable(ctx context.Context, table string) (*models.TableDescription, error) {
	timer := s.metrics.StartTimer("metadata_describe_table")
	defer timer.Stop()

	if !tableNameRe.MatchString(table) {
		return nil, errors.Newf(errors.CodeInvalidRequest,
			"invalid table name %q: only letters, digits, and underscores are allowed", table)
	}

	columns, err := s.repo.GetColumns(ctx, table)
	if err != nil {
		s.metrics.IncrementCounter("metadata_errors", "operation", "get_columns")
		s.logger.Error("Failed to get columns", "error", err, "table", table)
		return nil, errors.Wrapf(err, errors.CodeMetadataFailed, "failed to get columns for %s", table)
	}

	indexes, err := s.repo.GetIndexes(ctx, table)
	if err != nil {
		s.metrics.IncrementCounter("metadata_errors", "operation", "get_indexes")
		s.logger.Error("Failed to get indexes", "error", err, "table", table)
		return nil, errors.Wrapf(err, errors.CodeMetadataFailed, "failed to get indexes for %s", table)
	}

	status, err := s.repo.GetTableStatus(ctx, table)
	if err != nil {
		s.metrics.IncrementCounter("metadata_errors", "operation", "get_table_status")
		s.logger.Error("Failed to get table status", "error", err, "table", table)
		return nil, errors.Wrapf(err, errors.CodeMetadataFailed, "failed to get status for %s", table)
	}

	s.logger.Info("Described table", "table", table,
		"columns", len(columns), "indexes", len(indexes))

	return &models.TableDescription{
		Table:   table,
		Columns: columns,
		Indexes: indexes,
		Status:  status,
	}, nil
}
