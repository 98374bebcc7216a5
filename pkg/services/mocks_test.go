package services

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/adapters/datasource"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
)

// mockAPIKeyRepository is an in-memory APIKeyRepository keyed by hash.
type mockAPIKeyRepository struct {
	byHash      map[string]*models.APIKey
	policies    map[uuid.UUID][]*models.KeyPolicy
	lookupErr   error
	policyErr   error
	policyCalls int
	created     []*models.APIKey
	activeByID  map[uuid.UUID]bool
	createErr   error
}

func newMockAPIKeyRepository() *mockAPIKeyRepository {
	return &mockAPIKeyRepository{
		byHash:     make(map[string]*models.APIKey),
		policies:   make(map[uuid.UUID][]*models.KeyPolicy),
		activeByID: make(map[uuid.UUID]bool),
	}
}

func (m *mockAPIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	key, ok := m.byHash[keyHash]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *key
	return &clone, nil
}

func (m *mockAPIKeyRepository) ListPolicies(ctx context.Context, apiKeyID uuid.UUID) ([]*models.KeyPolicy, error) {
	m.policyCalls++
	if m.policyErr != nil {
		return nil, m.policyErr
	}
	return m.policies[apiKeyID], nil
}

func (m *mockAPIKeyRepository) CreateWithPolicies(ctx context.Context, key *models.APIKey, policies []*models.KeyPolicy) error {
	if m.createErr != nil {
		return m.createErr
	}
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	m.byHash[key.KeyHash] = key
	m.policies[key.ID] = policies
	m.activeByID[key.ID] = key.Active
	m.created = append(m.created, key)
	return nil
}

func (m *mockAPIKeyRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	if _, ok := m.activeByID[id]; !ok {
		return apperrors.ErrNotFound
	}
	m.activeByID[id] = active
	return nil
}

// mockProjectRepository is an in-memory ProjectRepository.
type mockProjectRepository struct {
	byName map[string]*models.Project
}

func (m *mockProjectRepository) Create(ctx context.Context, project *models.Project) error {
	if _, ok := m.byName[project.Name]; ok {
		return apperrors.ErrConflict
	}
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	m.byName[project.Name] = project
	return nil
}

func (m *mockProjectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	for _, p := range m.byName {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockProjectRepository) GetByName(ctx context.Context, name string) (*models.Project, error) {
	if p, ok := m.byName[name]; ok {
		return p, nil
	}
	return nil, apperrors.ErrNotFound
}

// mockDatasourceRepository stores encrypted DSNs per project.
type mockDatasourceRepository struct {
	sealed map[uuid.UUID]string
	err    error
}

func (m *mockDatasourceRepository) Upsert(ctx context.Context, ds *models.Datasource, encryptedDSN string) error {
	if m.sealed == nil {
		m.sealed = make(map[uuid.UUID]string)
	}
	m.sealed[ds.ProjectID] = encryptedDSN
	return m.err
}

func (m *mockDatasourceRepository) GetByProject(ctx context.Context, projectID uuid.UUID) (*models.Datasource, string, error) {
	if m.err != nil {
		return nil, "", m.err
	}
	sealed, ok := m.sealed[projectID]
	if !ok {
		return nil, "", apperrors.ErrNotFound
	}
	return &models.Datasource{ProjectID: projectID, DatasourceType: models.DatasourceTypePostgres}, sealed, nil
}

// mockAuditRepository records entries.
type mockAuditRepository struct {
	mu      sync.Mutex
	entries []*models.RequestAuditEntry
	err     error
}

func (m *mockAuditRepository) Create(ctx context.Context, entry *models.RequestAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit int) ([]*models.RequestAuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries, nil
}

// mockPoolProvider captures the resolver instead of dialing.
type mockPoolProvider struct {
	resolved string
	err      error
}

func (m *mockPoolProvider) GetOrCreatePool(ctx context.Context, projectID uuid.UUID, resolve datasource.DSNResolver) (*pgxpool.Pool, error) {
	dsn, err := resolve(ctx)
	if err != nil {
		return nil, err
	}
	m.resolved = dsn
	return nil, m.err
}

// mockRouter hands out a fixed Querier.
type mockRouter struct {
	querier datasource.Querier
	err     error
	calls   int
}

func (m *mockRouter) GetConnectionForProject(ctx context.Context, projectID uuid.UUID) (datasource.Querier, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.querier, nil
}

// fakeQuerier records the statement and returns canned rows.
type fakeQuerier struct {
	columns []string
	rows    [][]any
	err     error

	sql  string
	args []any
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.sql = sql
	f.args = args
	if f.err != nil {
		return nil, f.err
	}
	return &fakeRows{columns: f.columns, rows: f.rows, idx: -1}, nil
}

// fakeRows implements pgx.Rows over in-memory values.
type fakeRows struct {
	columns []string
	rows    [][]any
	idx     int
}

func (r *fakeRows) Close()                        {}
func (r *fakeRows) Err() error                    { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	return errors.New("fakeRows: Scan not supported")
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.idx], nil
}
