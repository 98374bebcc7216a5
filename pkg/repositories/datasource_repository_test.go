//go:build integration

package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/testhelpers"
)

func TestDatasourceRepository_UpsertAndGet(t *testing.T) {
	metaDB := testhelpers.GetMetaDB(t)
	projects := NewProjectRepository(metaDB.DB)
	repo := NewDatasourceRepository(metaDB.DB)
	ctx := context.Background()

	project := createTestProject(t, projects)

	ds := &models.Datasource{ProjectID: project.ID}
	if err := repo.Upsert(ctx, ds, "ciphertext-1"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	firstID := ds.ID

	got, encrypted, err := repo.GetByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetByProject failed: %v", err)
	}
	if encrypted != "ciphertext-1" {
		t.Errorf("expected ciphertext-1, got %q", encrypted)
	}
	if got.DatasourceType != models.DatasourceTypePostgres {
		t.Errorf("expected postgres type, got %q", got.DatasourceType)
	}

	// Second upsert replaces the DSN and keeps a single row.
	if err := repo.Upsert(ctx, &models.Datasource{ProjectID: project.ID}, "ciphertext-2"); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}
	got, encrypted, err = repo.GetByProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetByProject failed: %v", err)
	}
	if encrypted != "ciphertext-2" {
		t.Errorf("expected ciphertext-2, got %q", encrypted)
	}
	if got.ID != firstID {
		t.Errorf("expected datasource ID to be stable, got %s want %s", got.ID, firstID)
	}
}

func TestDatasourceRepository_NoneConfigured(t *testing.T) {
	metaDB := testhelpers.GetMetaDB(t)
	repo := NewDatasourceRepository(metaDB.DB)

	_, _, err := repo.GetByProject(context.Background(), uuid.New())
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
