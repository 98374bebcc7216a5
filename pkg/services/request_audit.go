package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/logging"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/repositories"
)

// auditWriteTimeout bounds one audit insert. The write runs after the
// response, so it must not inherit the request's cancellation.
const auditWriteTimeout = 5 * time.Second

// RequestAuditService records served /api requests. Recording is best-effort:
// failures are logged and never reach the caller.
type RequestAuditService interface {
	Record(ctx context.Context, entry *models.RequestAuditEntry)
}

type requestAuditService struct {
	repo     repositories.AuditRepository
	disabled bool
	logger   *zap.Logger
}

var _ RequestAuditService = (*requestAuditService)(nil)

// NewRequestAuditService creates a RequestAuditService. When disabled,
// Record does nothing.
func NewRequestAuditService(repo repositories.AuditRepository, disabled bool, logger *zap.Logger) RequestAuditService {
	return &requestAuditService{
		repo:     repo,
		disabled: disabled,
		logger:   logger.Named("request_audit"),
	}
}

func (s *requestAuditService) Record(ctx context.Context, entry *models.RequestAuditEntry) {
	if s.disabled || entry == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()

	if err := s.repo.Create(ctx, entry); err != nil {
		s.logger.Error("Failed to write audit log",
			zap.String("project_id", entry.ProjectID.String()),
			zap.String("route", entry.Route),
			zap.Int("status", entry.Status),
			zap.String("error", logging.SanitizeError(err)))
	}
}
