package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/adapters/datasource"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/audit"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/logging"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/query"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/sql"
)

// ListResult is one page of rows.
type ListResult struct {
	Rows []map[string]any
	// NextCursor is set when the request named a cursor field and the page
	// was non-empty and included that field.
	NextCursor *string
}

// QueryService builds and runs the statements behind the /api routes.
type QueryService interface {
	// List returns one page of rows from req.Table under policy.
	List(ctx context.Context, rc audit.RequestContext, req query.ListRequest, policy query.Policy) (*ListResult, error)

	// Get returns the row whose pk column equals id, or nil when none matches.
	Get(ctx context.Context, rc audit.RequestContext, table sql.TableName, id, pk string, policy query.Policy) (map[string]any, error)
}

type queryService struct {
	router  DatasourceRouter
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
}

var _ QueryService = (*queryService)(nil)

// NewQueryService creates a QueryService.
func NewQueryService(router DatasourceRouter, auditor *audit.SecurityAuditor, logger *zap.Logger) QueryService {
	return &queryService{
		router:  router,
		auditor: auditor,
		logger:  logger.Named("query"),
	}
}

func (s *queryService) List(ctx context.Context, rc audit.RequestContext, req query.ListRequest, policy query.Policy) (*ListResult, error) {
	stmt, err := query.BuildList(req, policy)
	if err != nil {
		return nil, err
	}
	s.screenFilters(rc, req.Table, stmt.Filters)

	result, err := s.execute(ctx, rc, stmt)
	if err != nil {
		return nil, err
	}

	page := &ListResult{Rows: result.Rows}
	if req.CursorField != "" && len(result.Rows) > 0 {
		last := result.Rows[len(result.Rows)-1]
		if v, ok := last[req.CursorField]; ok && v != nil {
			token, err := query.EncodeCursor(v)
			switch {
			case errors.Is(err, apperrors.ErrInvalidCursor):
				s.logger.Debug("Cursor column value cannot be paged on",
					zap.String("cursor_field", req.CursorField))
			case err != nil:
				return nil, fmt.Errorf("failed to encode cursor: %w", err)
			default:
				page.NextCursor = &token
			}
		}
	}
	return page, nil
}

func (s *queryService) Get(ctx context.Context, rc audit.RequestContext, table sql.TableName, id, pk string, policy query.Policy) (map[string]any, error) {
	stmt, err := query.BuildDetail(table, id, pk, policy)
	if err != nil {
		return nil, err
	}

	result, err := s.execute(ctx, rc, stmt)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, nil
	}
	return result.Rows[0], nil
}

func (s *queryService) execute(ctx context.Context, rc audit.RequestContext, stmt *query.Statement) (*datasource.QueryResult, error) {
	if err := sql.AssertReadOnly(stmt.SQL); err != nil {
		s.logger.Error("Generated statement failed the read-only guard",
			zap.String("sql", logging.SanitizeQuery(stmt.SQL)),
			zap.Error(err))
		return nil, fmt.Errorf("generated statement rejected: %w", err)
	}

	conn, err := s.router.GetConnectionForProject(ctx, rc.ProjectID)
	if err != nil {
		return nil, err
	}

	result, err := datasource.ExecuteQuery(ctx, conn, stmt.SQL, stmt.Args)
	if err != nil {
		msg := logging.SanitizeError(err)
		s.logger.Warn("Query failed",
			zap.String("project_id", rc.ProjectID.String()),
			zap.String("request_id", rc.RequestID),
			zap.String("sql", logging.SanitizeQuery(stmt.SQL)),
			zap.Int("param_count", len(stmt.Args)),
			zap.String("error", msg))
		return nil, fmt.Errorf("%w: %s", apperrors.ErrQueryFailed, msg)
	}
	if result.Rows == nil {
		result.Rows = []map[string]any{}
	}
	return result, nil
}

// screenFilters reports filter values that look like SQL injection attempts.
// The values are bound either way; this only feeds the security audit log.
func (s *queryService) screenFilters(rc audit.RequestContext, table sql.TableName, filters []query.Filter) {
	for _, f := range filters {
		for _, v := range f.Values {
			hit := sql.ScreenValue(f.Column, v)
			if hit == nil {
				continue
			}
			s.auditor.LogSuspiciousFilterValue(rc, audit.FilterValueDetails{
				Table:       table.String(),
				Column:      hit.Column,
				Value:       hit.Value,
				Fingerprint: hit.Fingerprint,
			})
		}
	}
}
