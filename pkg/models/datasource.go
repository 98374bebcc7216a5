package models

import (
	"time"

	"github.com/google/uuid"
)

// DatasourceTypePostgres is the only supported datasource engine.
const DatasourceTypePostgres = "postgres"

// Datasource describes a project's database connection.
// The connection string itself is encrypted at rest and travels separately
// from this struct so it cannot be serialized by accident.
type Datasource struct {
	ID             uuid.UUID `json:"id"`
	ProjectID      uuid.UUID `json:"project_id"`
	DatasourceType string    `json:"datasource_type"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
