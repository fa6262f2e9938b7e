package services

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
	"github.com/matpb/mysql-mcp-server/pkg/models"
	"github.com/matpb/mysql-mcp-server/pkg/repositories"
)

// QueryPolicy bounds query execution.
type QueryPolicy struct {
	// Timeout is the default execution budget per query.
	Timeout time.Duration
	// MaxRows is the default row cap appended to uncapped SELECT queries.
	MaxRows int
}

// queryService implements QueryService.
type queryService struct {
	repo       repositories.QueryRepository
	classifier Classifier
	policy     QueryPolicy
	logger     Logger
	metrics    MetricsCollector
}

// NewQueryService creates a new query service.
func NewQueryService(
	repo repositories.QueryRepository,
	classifier Classifier,
	policy QueryPolicy,
	logger Logger,
	metrics MetricsCollector,
) QueryService {
	return &queryService{
		repo:       repo,
		classifier: classifier,
		policy:     policy,
		logger:     logger,
		metrics:    metrics,
	}
}

// ValidateQuery runs the admission pipeline without executing anything.
func (s *queryService) ValidateQuery(query string) models.SanitizationResult {
	return s.classifier.Classify(query)
}

// ExecuteQuery runs the admission pipeline, applies the row cap, and
// executes under the timeout budget.
func (s *queryService) ExecuteQuery(ctx context.Context, req *models.QueryRequest) (*models.QueryResult, error) {
	timer := s.metrics.StartTimer("query_execution")
	defer timer.Stop()

	sanitized := s.classifier.Classify(req.Query)
	if !sanitized.Valid {
		s.metrics.IncrementCounter("queries_rejected")
		s.logger.Info("Query rejected", "reason", sanitized.Error)
		return nil, errors.New(errors.CodeAdmissionRejected, sanitized.Error)
	}
	s.metrics.IncrementCounter("queries_admitted")

	maxRows := req.MaxRows
	if maxRows <= 0 {
		maxRows = s.policy.MaxRows
	}
	query, appliedCap := ApplyRowLimit(sanitized.Sanitized, maxRows)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.policy.Timeout
	}
	queryCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()

	// Session-variable assignments produce no result set.
	if IsSessionVariableAssignment(query) {
		if err := s.repo.ExecuteStatement(queryCtx, query); err != nil {
			return nil, s.wrapExecError(err, timeout)
		}
		return &models.QueryResult{
			Query:         query,
			Columns:       []string{},
			Rows:          []models.Row{},
			ExecutionTime: time.Since(start),
		}, nil
	}

	result, err := s.repo.ExecuteQuery(queryCtx, query)
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.IncrementCounter("query_execution_errors")
		s.logger.Error("Query execution failed", "error", err, "elapsed", elapsed)
		return nil, s.wrapExecError(err, timeout)
	}

	result.Query = query
	result.ExecutionTime = elapsed
	result.Truncated = appliedCap > 0 && result.RowCount == appliedCap

	s.metrics.RecordHistogram("query_execution_seconds", elapsed.Seconds())
	s.metrics.RecordHistogram("query_result_rows", float64(result.RowCount))
	s.logger.Info("Query executed",
		"rows", result.RowCount,
		"truncated", result.Truncated,
		"elapsed", elapsed)

	return result, nil
}

// wrapExecError maps a deadline expiry to the caller-visible timeout error;
// everything else is a driver error wrapped with context.
func (s *queryService) wrapExecError(err error, timeout time.Duration) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		s.metrics.IncrementCounter("query_timeouts")
		return errors.Wrapf(err, errors.CodeQueryTimeout, "query exceeded %s budget", timeout)
	}
	return errors.Wrap(err, errors.CodeQueryFailed, "query execution failed")
}
