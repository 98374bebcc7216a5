// gen-api-key issues gateway API keys.
//
// Usage:
//
//	go run ./scripts/gen-api-key --project-name demo --rate 10 --quota 50000 \
//	    --table public.products --fields id,name,price --row-filter "is_active = true"
//	go run ./scripts/gen-api-key --project-name demo --policies policies.yaml \
//	    --dsn "postgres://reader:secret@db:5432/shop"
//	go run ./scripts/gen-api-key revoke <api-key-id>
//
// Configuration comes from config.yaml and the environment, like the server:
// META_DB_URL (or PG*), API_KEY_HASH_SALT and DSN_ENC_KEY are required.
//
// The plaintext key is printed once as JSON on stdout and never stored.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/config"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/crypto"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/database"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/logging"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/repositories"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/services"
)

type options struct {
	configPath  string
	projectID   string
	projectName string
	rate        int
	quota       int
	note        string
	table       string
	fields      string
	rowFilter   string
	policyFile  string
	dsn         string
}

type output struct {
	ProjectID       uuid.UUID `json:"project_id"`
	APIKeyID        uuid.UUID `json:"api_key_id"`
	APIKeyPrefix    string    `json:"api_key_prefix"`
	APIKeyPlaintext string    `json:"api_key_plaintext"`
	Policies        []string  `json:"policies"`
	RateRPS         int       `json:"rate_rps"`
	DailyQuota      int       `json:"daily_quota"`
	Datasource      bool      `json:"datasource_updated"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "gen-api-key",
		Short:        "Issue a gateway API key with table policies",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultConfigPath, "path to config file")
	cmd.Flags().StringVar(&opts.projectID, "project", "", "existing project id")
	cmd.Flags().StringVar(&opts.projectName, "project-name", "demo", "project name, created if missing (ignored with --project)")
	cmd.Flags().IntVar(&opts.rate, "rate", 5, "requests per second")
	cmd.Flags().IntVar(&opts.quota, "quota", 10000, "requests per UTC day")
	cmd.Flags().StringVar(&opts.note, "note", "", "free-form note stored with the key")
	cmd.Flags().StringVar(&opts.table, "table", "", "table for a single policy (schema.table)")
	cmd.Flags().StringVar(&opts.fields, "fields", "", "comma-separated allowed columns for --table; empty allows all")
	cmd.Flags().StringVar(&opts.rowFilter, "row-filter", "", "trusted SQL predicate ANDed into every query on --table")
	cmd.Flags().StringVar(&opts.policyFile, "policies", "", "YAML file with a policies list")
	cmd.Flags().StringVar(&opts.dsn, "dsn", "", "set the project's datasource connection string (stored encrypted)")

	cmd.AddCommand(newRevokeCmd(opts))
	return cmd
}

func newRevokeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <api-key-id>",
		Short: "Deactivate an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid api key id: %w", err)
			}
			return withKeyService(cmd.Context(), opts, func(svc services.KeyService) error {
				if err := svc.Revoke(cmd.Context(), keyID); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", keyID)
				return nil
			})
		},
	}
}

func runCreate(ctx context.Context, opts *options) error {
	policies, err := collectPolicies(opts)
	if err != nil {
		return err
	}

	return withKeyService(ctx, opts, func(svc services.KeyService) error {
		projectID, err := resolveProject(ctx, svc, opts)
		if err != nil {
			return err
		}

		out := output{ProjectID: projectID, RateRPS: opts.rate, DailyQuota: opts.quota}
		if opts.dsn != "" {
			if err := svc.SetDatasource(ctx, projectID, opts.dsn); err != nil {
				return err
			}
			out.Datasource = true
		}

		created, err := svc.CreateKey(ctx, services.CreateKeyInput{
			ProjectID:  projectID,
			RateRPS:    opts.rate,
			DailyQuota: opts.quota,
			Note:       opts.note,
			Policies:   policies,
		})
		if err != nil {
			return err
		}

		out.APIKeyID = created.Key.ID
		out.APIKeyPrefix = created.Key.KeyPrefix
		out.APIKeyPlaintext = created.Secret
		out.Policies = make([]string, 0, len(created.Key.Policies))
		for _, p := range created.Key.Policies {
			out.Policies = append(out.Policies, p.TableFQN)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	})
}

// collectPolicies merges the policy file with the single --table policy.
func collectPolicies(opts *options) ([]services.PolicySpec, error) {
	var specs []services.PolicySpec
	if opts.policyFile != "" {
		data, err := os.ReadFile(opts.policyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		specs, err = services.ParsePolicies(data)
		if err != nil {
			return nil, err
		}
	}

	if opts.table != "" {
		spec := services.PolicySpec{Table: opts.table, RowFilter: opts.rowFilter}
		if opts.fields != "" {
			spec.Fields = strings.Split(opts.fields, ",")
		}
		specs = append(specs, spec)
	} else if opts.fields != "" || opts.rowFilter != "" {
		return nil, fmt.Errorf("--fields and --row-filter require --table")
	}
	return specs, nil
}

func resolveProject(ctx context.Context, svc services.KeyService, opts *options) (uuid.UUID, error) {
	if opts.projectID != "" {
		id, err := uuid.Parse(opts.projectID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid project id: %w", err)
		}
		project, err := svc.GetProject(ctx, id)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to load project %s: %w", id, err)
		}
		return project.ID, nil
	}

	project, err := svc.EnsureProject(ctx, opts.projectName)
	if err != nil {
		return uuid.Nil, err
	}
	return project.ID, nil
}

// withKeyService connects to the metadata store and runs fn with a KeyService.
func withKeyService(ctx context.Context, opts *options, fn func(services.KeyService) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadFrom(opts.configPath, "gen-api-key")
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: 2,
	}, logger)
	if err != nil {
		logger.Error("Failed to connect to metadata store", zap.String("error", logging.SanitizeError(err)))
		return err
	}
	defer db.Close()

	cipher, err := crypto.NewDSNCipher(cfg.DSNEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to create DSN cipher: %w", err)
	}

	svc := services.NewKeyService(
		repositories.NewProjectRepository(db),
		repositories.NewAPIKeyRepository(db),
		repositories.NewDatasourceRepository(db),
		cipher,
		cfg.APIKeyHashSalt,
		logger,
	)
	return fn(svc)
}
