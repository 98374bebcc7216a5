package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/database"
)

const (
	// PostgresImage backs both the metadata store and the sample datasource.
	PostgresImage = "postgres:16-alpine"
	// RedisImage backs the rate/quota counter store.
	RedisImage = "redis:7-alpine"

	dataDatabase = "test_data"
	metaDatabase = "sqlrest_meta_test"

	// ReaderUser owns no tables and only holds SELECT on the sample schema.
	ReaderUser     = "gateway_reader"
	ReaderPassword = "reader_password"
)

// TestDB holds a shared PostgreSQL container and a pool on the sample datasource database.
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	ConnStr   string
	// ReaderConnStr connects to the sample database as the read-only role.
	ReaderConnStr string
	host          string
	port          string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
// The sample database holds public.products, readable by ReaderUser.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       dataDatabase,
			"POSTGRES_USER":     "sqlrest",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://sqlrest:test_password@%s:%s/%s?sslmode=disable",
		host, port.Port(), dataDatabase)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection with retry
	for i := 0; i < 10; i++ {
		if err := pool.Ping(ctx); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	if err := seedSampleData(ctx, pool); err != nil {
		return nil, err
	}

	return &TestDB{
		Container: container,
		Pool:      pool,
		ConnStr:   connStr,
		ReaderConnStr: fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			ReaderUser, ReaderPassword, host, port.Port(), dataDatabase),
		host: host,
		port: port.Port(),
	}, nil
}

// SampleProductCount is the number of rows seeded into public.products.
const SampleProductCount = 30

func seedSampleData(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS public.products (
			id        INTEGER PRIMARY KEY,
			name      TEXT NOT NULL,
			brand     TEXT NOT NULL,
			price     NUMERIC(10,2) NOT NULL,
			is_active BOOLEAN NOT NULL
		)`,
		`INSERT INTO public.products (id, name, brand, price, is_active)
		 SELECT g, 'product ' || g,
		        (ARRAY['nike','adidas','puma'])[1 + g % 3],
		        g * 2.5,
		        g % 5 <> 0
		 FROM generate_series(1, 30) AS g
		 ON CONFLICT (id) DO NOTHING`,
		fmt.Sprintf(`DO $$ BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = '%s') THEN
				CREATE ROLE %s LOGIN PASSWORD '%s';
			END IF;
		END $$`, ReaderUser, ReaderUser, ReaderPassword),
		fmt.Sprintf(`GRANT USAGE ON SCHEMA public TO %s`, ReaderUser),
		fmt.Sprintf(`GRANT SELECT ON public.products TO %s`, ReaderUser),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to seed sample data: %w", err)
		}
	}
	return nil
}

// MetaDB holds the metadata store connection with migrations applied.
// Use this for testing repositories and services against a real database.
type MetaDB struct {
	DB      *database.DB
	ConnStr string
}

var (
	sharedMetaDB     *MetaDB
	sharedMetaDBOnce sync.Once
	sharedMetaDBErr  error
)

// GetMetaDB returns a shared metadata database for integration tests.
// The database has migrations applied and is reused across all tests.
func GetMetaDB(t *testing.T) *MetaDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	// Ensure test container is running first
	testDB := GetTestDB(t)

	sharedMetaDBOnce.Do(func() {
		sharedMetaDB, sharedMetaDBErr = setupMetaDB(testDB)
	})

	if sharedMetaDBErr != nil {
		t.Fatalf("Failed to setup metadata database: %v", sharedMetaDBErr)
	}

	return sharedMetaDB
}

func setupMetaDB(testDB *TestDB) (*MetaDB, error) {
	ctx := context.Background()

	var exists bool
	if err := testDB.Pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", metaDatabase).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check metadata database: %w", err)
	}
	if !exists {
		if _, err := testDB.Pool.Exec(ctx, "CREATE DATABASE "+metaDatabase); err != nil {
			return nil, fmt.Errorf("failed to create metadata database: %w", err)
		}
	}

	connStr := fmt.Sprintf("postgres://sqlrest:test_password@%s:%s/%s?sslmode=disable",
		testDB.host, testDB.port, metaDatabase)

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
	}, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata database: %w", err)
	}

	// Run migrations using database/sql (required by golang-migrate)
	sqlDB, err := database.OpenSQL(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &MetaDB{
		DB:      db,
		ConnStr: connStr,
	}, nil
}

// TestRedis holds a shared Redis container.
type TestRedis struct {
	Container testcontainers.Container
	Client    *redis.Client
	Addr      string
}

var (
	sharedRedis     *TestRedis
	sharedRedisOnce sync.Once
	sharedRedisErr  error
)

// GetTestRedis returns a shared Redis container for counter store tests.
func GetTestRedis(t *testing.T) *TestRedis {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedRedisOnce.Do(func() {
		sharedRedis, sharedRedisErr = setupRedis()
	})

	if sharedRedisErr != nil {
		t.Fatalf("Failed to setup test redis: %v", sharedRedisErr)
	}

	return sharedRedis
}

func setupRedis() (*TestRedis, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        RedisImage,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	addr := fmt.Sprintf("%s:%s", host, port.Port())
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &TestRedis{Container: container, Client: client, Addr: addr}, nil
}
