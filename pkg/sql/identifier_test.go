package sql

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
)

func TestQuoteIdentifier(t *testing.T) {
	valid := []string{"id", "_private", "Price2", "a", "snake_case_name", "X_1_y"}
	for _, name := range valid {
		t.Run("valid "+name, func(t *testing.T) {
			quoted, err := QuoteIdentifier(name)
			require.NoError(t, err)
			assert.Equal(t, `"`+name+`"`, quoted)
		})
	}

	invalid := []string{
		"",
		"1abc",
		"name; DROP TABLE users",
		`na"me`,
		"na me",
		"name--",
		"name'",
		"schema.table",
		"naïve",
		"a\tb",
		"a;",
	}
	for _, name := range invalid {
		t.Run("invalid "+name, func(t *testing.T) {
			_, err := QuoteIdentifier(name)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrInvalidIdentifier))
		})
	}
}

func TestQuoteIdentifiers(t *testing.T) {
	quoted, err := QuoteIdentifiers([]string{"id", "name"})
	require.NoError(t, err)
	assert.Equal(t, []string{`"id"`, `"name"`}, quoted)

	_, err = QuoteIdentifiers([]string{"id", "bad name"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidIdentifier)
}

func TestParseTableName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    TableName
		wantErr bool
	}{
		{"qualified", "sales.orders", TableName{Schema: "sales", Table: "orders"}, false},
		{"bare defaults to public", "products", TableName{Schema: "public", Table: "products"}, false},
		{"three parts", "db.sales.orders", TableName{}, true},
		{"empty schema", ".orders", TableName{}, true},
		{"injection in table", `public.x"; DROP`, TableName{}, true},
		{"empty", "", TableName{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTableName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrInvalidIdentifier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTableName_Forms(t *testing.T) {
	tn := TableName{Schema: "public", Table: "products"}
	assert.Equal(t, "public.products", tn.String())
	assert.Equal(t, `"public"."products"`, tn.Quoted())
}
