package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
)

func TestResolvePolicy(t *testing.T) {
	rowFilter := "is_active = true"
	key := &models.APIKey{
		Policies: []*models.KeyPolicy{
			{TableFQN: "public.products", AllowedFields: []string{"id", "name"}, RowFilterSQL: &rowFilter},
			{TableFQN: "sales.orders"},
		},
	}

	t.Run("exact match", func(t *testing.T) {
		p := ResolvePolicy(key, "public.products")
		assert.Equal(t, []string{"id", "name"}, p.AllowedColumns)
		assert.Equal(t, "is_active = true", p.RowFilter)
		assert.True(t, p.Restricted())
	})

	t.Run("policy without restrictions", func(t *testing.T) {
		p := ResolvePolicy(key, "sales.orders")
		assert.False(t, p.Restricted())
		assert.Empty(t, p.RowFilter)
	})

	t.Run("no policy means unrestricted", func(t *testing.T) {
		p := ResolvePolicy(key, "public.customers")
		assert.False(t, p.Restricted())
		assert.Empty(t, p.RowFilter)
	})

	t.Run("no pattern matching", func(t *testing.T) {
		assert.False(t, ResolvePolicy(key, "products").Restricted())
		assert.False(t, ResolvePolicy(key, "public.product").Restricted())
		assert.False(t, ResolvePolicy(key, "PUBLIC.PRODUCTS").Restricted())
	})
}
