//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestTestDB_SampleData(t *testing.T) {
	testDB := GetTestDB(t)

	var count int
	err := testDB.Pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM public.products").Scan(&count)
	if err != nil {
		t.Fatalf("failed to count products: %v", err)
	}
	if count != SampleProductCount {
		t.Errorf("expected %d products, got %d", SampleProductCount, count)
	}
}

func TestMetaDB_Migrated(t *testing.T) {
	metaDB := GetMetaDB(t)

	ctx := context.Background()
	for _, table := range []string{"projects", "datasources", "api_keys", "key_policies", "audit_logs"} {
		var exists bool
		err := metaDB.DB.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
			table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestTestRedis_Ping(t *testing.T) {
	r := GetTestRedis(t)
	if err := r.Client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}
