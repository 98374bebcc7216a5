package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/crypto"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/repositories"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/sql"
)

// PolicySpec describes one table policy as written in a policy file or on
// the command line.
type PolicySpec struct {
	Table     string   `yaml:"table"`
	Fields    []string `yaml:"fields"`
	RowFilter string   `yaml:"row_filter"`
}

type policyFile struct {
	Policies []PolicySpec `yaml:"policies"`
}

// ParsePolicies reads a YAML document of the form
//
//	policies:
//	  - table: public.products
//	    fields: [id, name]
//	    row_filter: is_active = true
func ParsePolicies(data []byte) ([]PolicySpec, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return f.Policies, nil
}

// CreateKeyInput describes a key to issue.
type CreateKeyInput struct {
	ProjectID  uuid.UUID
	RateRPS    int
	DailyQuota int
	Note       string
	Policies   []PolicySpec
}

// CreatedKey is an issued key. Secret is the only copy of the plaintext.
type CreatedKey struct {
	Key    *models.APIKey
	Secret string
}

// KeyService provisions projects, keys and datasources for the gen-api-key CLI.
type KeyService interface {
	// EnsureProject returns the named project, creating it if needed.
	EnsureProject(ctx context.Context, name string) (*models.Project, error)

	// GetProject returns a project by id.
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)

	// CreateKey issues a key with its policies.
	CreateKey(ctx context.Context, in CreateKeyInput) (*CreatedKey, error)

	// SetDatasource stores the project's connection string encrypted.
	SetDatasource(ctx context.Context, projectID uuid.UUID, dsn string) error

	// Revoke deactivates a key.
	Revoke(ctx context.Context, keyID uuid.UUID) error
}

type keyService struct {
	projects    repositories.ProjectRepository
	keys        repositories.APIKeyRepository
	datasources repositories.DatasourceRepository
	cipher      *crypto.DSNCipher
	salt        string
	logger      *zap.Logger
}

var _ KeyService = (*keyService)(nil)

// NewKeyService creates a KeyService.
func NewKeyService(
	projects repositories.ProjectRepository,
	keys repositories.APIKeyRepository,
	datasources repositories.DatasourceRepository,
	cipher *crypto.DSNCipher,
	salt string,
	logger *zap.Logger,
) KeyService {
	return &keyService{
		projects:    projects,
		keys:        keys,
		datasources: datasources,
		cipher:      cipher,
		salt:        salt,
		logger:      logger.Named("keys"),
	}
}

func (s *keyService) EnsureProject(ctx context.Context, name string) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	project, err := s.projects.GetByName(ctx, name)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up project: %w", err)
	}

	project = &models.Project{Name: name}
	if err := s.projects.Create(ctx, project); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Created concurrently.
			return s.projects.GetByName(ctx, name)
		}
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	s.logger.Info("Created project",
		zap.String("project_id", project.ID.String()),
		zap.String("name", name))
	return project, nil
}

func (s *keyService) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	return s.projects.Get(ctx, id)
}

func (s *keyService) CreateKey(ctx context.Context, in CreateKeyInput) (*CreatedKey, error) {
	if in.RateRPS <= 0 {
		return nil, fmt.Errorf("rate_rps must be positive")
	}
	if in.DailyQuota <= 0 {
		return nil, fmt.Errorf("daily_quota must be positive")
	}

	policies := make([]*models.KeyPolicy, 0, len(in.Policies))
	seen := make(map[string]bool, len(in.Policies))
	for _, spec := range in.Policies {
		p, err := buildPolicy(spec)
		if err != nil {
			return nil, err
		}
		if seen[p.TableFQN] {
			return nil, fmt.Errorf("duplicate policy for table %s", p.TableFQN)
		}
		seen[p.TableFQN] = true
		policies = append(policies, p)
	}

	secret, prefix, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	key := &models.APIKey{
		ProjectID:  in.ProjectID,
		KeyHash:    crypto.HashAPIKey(s.salt, secret),
		KeyPrefix:  prefix,
		Active:     true,
		RateRPS:    in.RateRPS,
		DailyQuota: in.DailyQuota,
	}
	if note := strings.TrimSpace(in.Note); note != "" {
		key.Note = &note
	}

	if err := s.keys.CreateWithPolicies(ctx, key, policies); err != nil {
		return nil, fmt.Errorf("failed to create API key: %w", err)
	}
	key.Policies = policies

	s.logger.Info("Issued API key",
		zap.String("project_id", in.ProjectID.String()),
		zap.String("api_key_id", key.ID.String()),
		zap.String("key_prefix", prefix),
		zap.Int("policies", len(policies)))

	return &CreatedKey{Key: key, Secret: secret}, nil
}

// buildPolicy canonicalizes the table name and validates field names.
// The row filter is stored verbatim; it is trusted administrator SQL.
func buildPolicy(spec PolicySpec) (*models.KeyPolicy, error) {
	table, err := sql.ParseTableName(spec.Table)
	if err != nil {
		return nil, err
	}

	var fields []string
	for _, f := range spec.Fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !sql.IsValidIdentifier(f) {
			return nil, fmt.Errorf("%w: field %q in policy for %s", apperrors.ErrInvalidIdentifier, f, table)
		}
		fields = append(fields, f)
	}

	p := &models.KeyPolicy{TableFQN: table.String(), AllowedFields: fields}
	if rf := strings.TrimSpace(spec.RowFilter); rf != "" {
		p.RowFilterSQL = &rf
	}
	return p, nil
}

func (s *keyService) SetDatasource(ctx context.Context, projectID uuid.UUID, dsn string) error {
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("datasource connection string is required")
	}
	sealed, err := s.cipher.Seal(dsn)
	if err != nil {
		return fmt.Errorf("failed to encrypt connection string: %w", err)
	}

	ds := &models.Datasource{ProjectID: projectID, DatasourceType: models.DatasourceTypePostgres}
	if err := s.datasources.Upsert(ctx, ds, sealed); err != nil {
		return fmt.Errorf("failed to store datasource: %w", err)
	}
	s.logger.Info("Stored datasource", zap.String("project_id", projectID.String()))
	return nil
}

func (s *keyService) Revoke(ctx context.Context, keyID uuid.UUID) error {
	if err := s.keys.SetActive(ctx, keyID, false); err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	s.logger.Info("Revoked API key", zap.String("api_key_id", keyID.String()))
	return nil
}
