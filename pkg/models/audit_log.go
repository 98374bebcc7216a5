package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestAuditEntry records one served /api request. Stored in audit_logs.
type RequestAuditEntry struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   uuid.UUID  `json:"project_id"`
	APIKeyID    *uuid.UUID `json:"api_key_id,omitempty"`
	RequestID   string     `json:"request_id,omitempty"`
	Route       string     `json:"route"`
	Method      string     `json:"method"`
	Status      int        `json:"status"`
	DurationMs  int64      `json:"duration_ms"`
	RowCount    int        `json:"row_count"`
	QueryParams JSONBMap   `json:"query_params,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
