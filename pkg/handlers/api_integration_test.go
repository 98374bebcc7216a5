//go:build integration

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/adapters/datasource"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/audit"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/config"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/crypto"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/middleware"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/ratelimit"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/repositories"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/services"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/testhelpers"
)

const integrationSalt = "integration-salt"

type gatewayFixture struct {
	server    http.Handler
	keys      services.KeyService
	auditRepo repositories.AuditRepository
}

// newGatewayFixture wires the full pipeline against the metadata and sample
// databases, with Redis as the counter store.
func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	logger := zap.NewNop()

	meta := testhelpers.GetMetaDB(t)
	rdb := testhelpers.GetTestRedis(t)

	cipher, err := crypto.NewDSNCipher("integration-dsn-key")
	require.NoError(t, err)

	projectRepo := repositories.NewProjectRepository(meta.DB)
	keyRepo := repositories.NewAPIKeyRepository(meta.DB)
	dsRepo := repositories.NewDatasourceRepository(meta.DB)
	auditRepo := repositories.NewAuditRepository(meta.DB)

	connManager := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{
		PoolMaxConns:     4,
		StatementTimeout: 10 * time.Second,
	}, logger)
	t.Cleanup(func() { _ = connManager.Close() })

	security := audit.NewSecurityAuditor(logger)
	router := services.NewDatasourceRouter(dsRepo, cipher, connManager, logger)
	handler := NewAPIHandler(
		services.NewAuthenticator(keyRepo, integrationSalt, logger),
		ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb.Client), logger),
		services.NewQueryService(router, security, logger),
		services.NewRequestAuditService(auditRepo, false, logger),
		security,
		config.QueryConfig{DefaultLimit: 50, MaxLimit: 100},
		logger,
	)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	keys := services.NewKeyService(projectRepo, keyRepo, dsRepo, cipher, integrationSalt, logger)
	return &gatewayFixture{server: middleware.RequestID(mux), keys: keys, auditRepo: auditRepo}
}

func (f *gatewayFixture) get(path, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func TestGateway_EndToEnd(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	testDB := testhelpers.GetTestDB(t)

	project, err := f.keys.EnsureProject(ctx, "e2e-"+time.Now().Format("150405.000000"))
	require.NoError(t, err)
	require.NoError(t, f.keys.SetDatasource(ctx, project.ID, testDB.ReaderConnStr))

	created, err := f.keys.CreateKey(ctx, services.CreateKeyInput{
		ProjectID:  project.ID,
		RateRPS:    5,
		DailyQuota: 1000,
		Policies: []services.PolicySpec{
			{Table: "public.products", Fields: []string{"id", "name", "is_active"}, RowFilter: "is_active = true"},
		},
	})
	require.NoError(t, err)

	t.Run("list with allowed columns", func(t *testing.T) {
		rec := f.get("/api/public.products?select=id,name&limit=10", created.Secret)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body listBody
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, 10, body.Page.Limit)
		assert.Nil(t, body.Page.Cursor)
		assert.Len(t, body.Data, 10)
		for _, row := range body.Data {
			assert.Len(t, row, 2)
		}
	})

	t.Run("row filter hides inactive rows", func(t *testing.T) {
		// Every fifth product is inactive.
		rec := f.get("/api/public.products/5", created.Secret)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"data":null}`, rec.Body.String())
	})

	t.Run("disallowed column", func(t *testing.T) {
		rec := f.get("/api/public.products?select=id,price", created.Secret)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("filter values are bound", func(t *testing.T) {
		time.Sleep(time.Second) // fresh rate window
		rec := f.get("/api/public.products?where=name.eq.'%20OR%20'1'='1", created.Secret)
		require.Equal(t, http.StatusOK, rec.Code)

		var body listBody
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Empty(t, body.Data)
	})

	t.Run("audit trail", func(t *testing.T) {
		entries, err := f.auditRepo.ListByProject(ctx, project.ID, 10)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(entries), 4)
	})

	t.Run("revoked key", func(t *testing.T) {
		require.NoError(t, f.keys.Revoke(ctx, created.Key.ID))
		rec := f.get("/api/public.products", created.Secret)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}
