package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/adapters/datasource"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/crypto"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/logging"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/repositories"
)

// PoolProvider hands out per-project pools. Implemented by *datasource.ConnectionManager.
type PoolProvider interface {
	GetOrCreatePool(ctx context.Context, projectID uuid.UUID, resolve datasource.DSNResolver) (*pgxpool.Pool, error)
}

var _ PoolProvider = (*datasource.ConnectionManager)(nil)

// DatasourceRouter resolves the live connection pool of a project.
type DatasourceRouter interface {
	// GetConnectionForProject returns the project's pool, opening it on first use.
	// Fails with ErrNoDatasource when the project has no datasource.
	GetConnectionForProject(ctx context.Context, projectID uuid.UUID) (datasource.Querier, error)
}

type datasourceRouter struct {
	repo   repositories.DatasourceRepository
	cipher *crypto.DSNCipher
	pools  PoolProvider
	logger *zap.Logger
}

var _ DatasourceRouter = (*datasourceRouter)(nil)

// NewDatasourceRouter creates a DatasourceRouter.
func NewDatasourceRouter(
	repo repositories.DatasourceRepository,
	cipher *crypto.DSNCipher,
	pools PoolProvider,
	logger *zap.Logger,
) DatasourceRouter {
	return &datasourceRouter{
		repo:   repo,
		cipher: cipher,
		pools:  pools,
		logger: logger.Named("datasource_router"),
	}
}

func (r *datasourceRouter) GetConnectionForProject(ctx context.Context, projectID uuid.UUID) (datasource.Querier, error) {
	pool, err := r.pools.GetOrCreatePool(ctx, projectID, func(ctx context.Context) (string, error) {
		return r.resolveDSN(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// resolveDSN loads and decrypts the project's connection string.
// Rows written before encryption was introduced hold the plaintext DSN;
// those are used as-is.
func (r *datasourceRouter) resolveDSN(ctx context.Context, projectID uuid.UUID) (string, error) {
	_, sealed, err := r.repo.GetByProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", fmt.Errorf("%w: project %s", apperrors.ErrNoDatasource, projectID)
		}
		return "", fmt.Errorf("failed to load datasource: %w", err)
	}

	dsn, err := r.cipher.Open(sealed)
	if err == nil {
		return dsn, nil
	}

	if looksLikeDSN(sealed) {
		r.logger.Warn("Datasource connection string is stored unencrypted",
			zap.String("project_id", projectID.String()))
		return sealed, nil
	}

	r.logger.Error("Failed to decrypt datasource connection string",
		zap.String("project_id", projectID.String()),
		zap.String("error", logging.SanitizeError(err)))
	return "", fmt.Errorf("%w: project %s", apperrors.ErrCredentialsKeyMismatch, projectID)
}

// keywordDSNPattern matches the start of a libpq keyword/value string.
// Base64 ciphertext only carries '=' as trailing padding.
var keywordDSNPattern = regexp.MustCompile(`(?i)^\s*(host|hostaddr|port|dbname|user|password|sslmode)\s*=`)

// looksLikeDSN reports whether s is a URL or keyword/value connection string
// rather than ciphertext.
func looksLikeDSN(s string) bool {
	return strings.Contains(s, "://") || keywordDSNPattern.MatchString(s)
}
