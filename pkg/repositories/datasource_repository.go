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

// DatasourceRepository defines the interface for datasource data access.
// The DSN is stored as encrypted TEXT - encryption/decryption is handled by the service layer.
type DatasourceRepository interface {
	// Upsert sets the project's datasource, replacing any existing one.
	Upsert(ctx context.Context, ds *models.Datasource, encryptedDSN string) error

	// GetByProject returns the project's datasource and its encrypted DSN.
	// Returns ErrNotFound when the project has none.
	GetByProject(ctx context.Context, projectID uuid.UUID) (*models.Datasource, string, error)
}

// datasourceRepository implements DatasourceRepository using PostgreSQL.
type datasourceRepository struct {
	db *database.DB
}

// NewDatasourceRepository creates a new datasource repository.
func NewDatasourceRepository(db *database.DB) DatasourceRepository {
	return &datasourceRepository{db: db}
}

var _ DatasourceRepository = (*datasourceRepository)(nil)

func (r *datasourceRepository) Upsert(ctx context.Context, ds *models.Datasource, encryptedDSN string) error {
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	if ds.DatasourceType == "" {
		ds.DatasourceType = models.DatasourceTypePostgres
	}
	now := time.Now()
	ds.UpdatedAt = now

	query := `
		INSERT INTO datasources (id, project_id, datasource_type, dsn_encrypted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (project_id) DO UPDATE
		SET datasource_type = EXCLUDED.datasource_type,
		    dsn_encrypted = EXCLUDED.dsn_encrypted,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query, ds.ID, ds.ProjectID, ds.DatasourceType, encryptedDSN, now).
		Scan(&ds.ID, &ds.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert datasource: %w", err)
	}
	return nil
}

func (r *datasourceRepository) GetByProject(ctx context.Context, projectID uuid.UUID) (*models.Datasource, string, error) {
	query := `
		SELECT id, project_id, datasource_type, dsn_encrypted, created_at, updated_at
		FROM datasources
		WHERE project_id = $1`

	var ds models.Datasource
	var encryptedDSN string
	err := r.db.QueryRow(ctx, query, projectID).Scan(
		&ds.ID,
		&ds.ProjectID,
		&ds.DatasourceType,
		&encryptedDSN,
		&ds.CreatedAt,
		&ds.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get datasource: %w", err)
	}

	return &ds, encryptedDSN, nil
}
