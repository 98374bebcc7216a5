package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/database"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
)

// AuditRepository provides data access for the request audit trail.
type AuditRepository interface {
	// Create inserts a new audit log entry.
	Create(ctx context.Context, entry *models.RequestAuditEntry) error

	// ListByProject returns a project's entries, newest first.
	ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.RequestAuditEntry, error)
}

type auditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) AuditRepository {
	return &auditRepository{db: db}
}

var _ AuditRepository = (*auditRepository)(nil)

func (r *auditRepository) Create(ctx context.Context, entry *models.RequestAuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()

	query := `
		INSERT INTO audit_logs (
			id, project_id, api_key_id, request_id, route, method, status,
			duration_ms, row_count, query_params, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.ProjectID,
		entry.APIKeyID,
		entry.RequestID,
		entry.Route,
		entry.Method,
		entry.Status,
		entry.DurationMs,
		entry.RowCount,
		entry.QueryParams,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log entry: %w", err)
	}
	return nil
}

func (r *auditRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.RequestAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, project_id, api_key_id, COALESCE(request_id, ''), route, method, status,
		       duration_ms, row_count, query_params, created_at
		FROM audit_logs
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.RequestAuditEntry, 0)
	for rows.Next() {
		var e models.RequestAuditEntry
		if err := rows.Scan(
			&e.ID, &e.ProjectID, &e.APIKeyID, &e.RequestID, &e.Route, &e.Method, &e.Status,
			&e.DurationMs, &e.RowCount, &e.QueryParams, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit log entries: %w", err)
	}
	return entries, nil
}
