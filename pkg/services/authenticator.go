package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/crypto"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/logging"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/repositories"
)

// Authenticator resolves a presented API key into its record and policies.
type Authenticator interface {
	// Authenticate returns the key with its policies loaded.
	// Unknown or empty secrets fail with ErrUnauthenticated, inactive keys with ErrForbidden.
	Authenticate(ctx context.Context, presentedSecret string) (*models.APIKey, error)
}

type authenticator struct {
	repo   repositories.APIKeyRepository
	salt   string
	logger *zap.Logger
}

var _ Authenticator = (*authenticator)(nil)

// NewAuthenticator creates an Authenticator hashing secrets with salt.
func NewAuthenticator(repo repositories.APIKeyRepository, salt string, logger *zap.Logger) Authenticator {
	return &authenticator{
		repo:   repo,
		salt:   salt,
		logger: logger.Named("auth"),
	}
}

func (a *authenticator) Authenticate(ctx context.Context, presentedSecret string) (*models.APIKey, error) {
	secret := strings.TrimSpace(presentedSecret)
	if secret == "" {
		return nil, apperrors.ErrUnauthenticated
	}

	key, err := a.repo.GetByHash(ctx, crypto.HashAPIKey(a.salt, secret))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrUnauthenticated
		}
		a.logger.Error("API key lookup failed", zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}
	if !key.Active {
		return nil, fmt.Errorf("%w: key %s", apperrors.ErrForbidden, key.KeyPrefix)
	}

	policies, err := a.repo.ListPolicies(ctx, key.ID)
	if err != nil {
		a.logger.Error("Failed to load key policies",
			zap.String("api_key_id", key.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("failed to load key policies: %w", err)
	}
	key.Policies = policies

	return key, nil
}

// ExtractAPIKey returns the secret carried by an x-api-key or Authorization
// header. x-api-key wins when both are set; an Authorization value may be
// bearer-prefixed or raw.
func ExtractAPIKey(apiKeyHeader, authorizationHeader string) string {
	if v := strings.TrimSpace(apiKeyHeader); v != "" {
		return v
	}
	v := strings.TrimSpace(authorizationHeader)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}
