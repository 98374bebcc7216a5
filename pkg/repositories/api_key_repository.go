package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/database"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
)

// APIKeyRepository provides data access for API keys and their table policies.
type APIKeyRepository interface {
	// GetByHash looks a key up by its salted hash. Returns ErrNotFound if absent.
	GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error)

	// ListPolicies returns every policy bound to the key.
	ListPolicies(ctx context.Context, apiKeyID uuid.UUID) ([]*models.KeyPolicy, error)

	// CreateWithPolicies inserts the key and its policies in one transaction.
	CreateWithPolicies(ctx context.Context, key *models.APIKey, policies []*models.KeyPolicy) error

	// SetActive flips the active flag. Keys are revoked, never deleted.
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type apiKeyRepository struct {
	db *database.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository.
func NewAPIKeyRepository(db *database.DB) APIKeyRepository {
	return &apiKeyRepository{db: db}
}

var _ APIKeyRepository = (*apiKeyRepository)(nil)

func (r *apiKeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `
		SELECT id, project_id, key_hash, key_prefix, active, rate_rps, daily_quota, note, created_at
		FROM api_keys
		WHERE key_hash = $1`

	var k models.APIKey
	err := r.db.QueryRow(ctx, query, keyHash).Scan(
		&k.ID,
		&k.ProjectID,
		&k.KeyHash,
		&k.KeyPrefix,
		&k.Active,
		&k.RateRPS,
		&k.DailyQuota,
		&k.Note,
		&k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

func (r *apiKeyRepository) ListPolicies(ctx context.Context, apiKeyID uuid.UUID) ([]*models.KeyPolicy, error) {
	query := `
		SELECT id, api_key_id, table_fqn, allowed_fields, row_filter_sql, created_at
		FROM key_policies
		WHERE api_key_id = $1
		ORDER BY table_fqn`

	rows, err := r.db.Query(ctx, query, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list key policies: %w", err)
	}
	defer rows.Close()

	policies := make([]*models.KeyPolicy, 0)
	for rows.Next() {
		var p models.KeyPolicy
		if err := rows.Scan(&p.ID, &p.APIKeyID, &p.TableFQN, &p.AllowedFields, &p.RowFilterSQL, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan key policy: %w", err)
		}
		policies = append(policies, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate key policies: %w", err)
	}
	return policies, nil
}

func (r *apiKeyRepository) CreateWithPolicies(ctx context.Context, key *models.APIKey, policies []*models.KeyPolicy) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt = time.Now()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	_, err = tx.Exec(ctx, `
		INSERT INTO api_keys (id, project_id, key_hash, key_prefix, active, rate_rps, daily_quota, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.ProjectID, key.KeyHash, key.KeyPrefix, key.Active,
		key.RateRPS, key.DailyQuota, key.Note, key.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}

	for _, p := range policies {
		if err := insertPolicy(ctx, tx, key.ID, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	key.Policies = policies
	return nil
}

func insertPolicy(ctx context.Context, q Querier, apiKeyID uuid.UUID, p *models.KeyPolicy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.APIKeyID = apiKeyID
	p.CreatedAt = time.Now()

	allowed := p.AllowedFields
	if allowed == nil {
		allowed = []string{}
	}

	_, err := q.Exec(ctx, `
		INSERT INTO key_policies (id, api_key_id, table_fqn, allowed_fields, row_filter_sql, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.APIKeyID, p.TableFQN, allowed, p.RowFilterSQL, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate policy for %s", apperrors.ErrConflict, p.TableFQN)
		}
		return fmt.Errorf("failed to create key policy: %w", err)
	}
	return nil
}

func (r *apiKeyRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE api_keys SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
