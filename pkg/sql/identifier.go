// Package sql builds and guards the SQL text the gateway sends to datasources.
// Identifiers are validated against a fixed pattern and quoted; literal values
// never appear in generated text.
package sql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
)

// DefaultSchema is assumed when a table name carries no schema.
const DefaultSchema = "public"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsValidIdentifier reports whether name may be used as a column, table or schema name.
func IsValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// QuoteIdentifier validates name and returns it double-quoted.
// Names outside ^[A-Za-z_][A-Za-z0-9_]*$ are rejected rather than escaped, so
// quotes, whitespace and semicolons can never reach the statement.
func QuoteIdentifier(name string) (string, error) {
	if !IsValidIdentifier(name) {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidIdentifier, name)
	}
	return `"` + name + `"`, nil
}

// QuoteIdentifiers quotes every name, failing on the first invalid one.
func QuoteIdentifiers(names []string) ([]string, error) {
	quoted := make([]string, len(names))
	for i, n := range names {
		q, err := QuoteIdentifier(n)
		if err != nil {
			return nil, err
		}
		quoted[i] = q
	}
	return quoted, nil
}

// TableName is a validated schema-qualified table.
type TableName struct {
	Schema string
	Table  string
}

// ParseTableName parses "schema.table" or a bare "table" (schema public).
func ParseTableName(fqn string) (TableName, error) {
	parts := strings.Split(fqn, ".")
	var tn TableName
	switch len(parts) {
	case 1:
		tn = TableName{Schema: DefaultSchema, Table: parts[0]}
	case 2:
		tn = TableName{Schema: parts[0], Table: parts[1]}
	default:
		return TableName{}, fmt.Errorf("%w: table must be schema.table, got %q", apperrors.ErrInvalidIdentifier, fqn)
	}

	if !IsValidIdentifier(tn.Schema) {
		return TableName{}, fmt.Errorf("%w: schema %q", apperrors.ErrInvalidIdentifier, tn.Schema)
	}
	if !IsValidIdentifier(tn.Table) {
		return TableName{}, fmt.Errorf("%w: table %q", apperrors.ErrInvalidIdentifier, tn.Table)
	}
	return tn, nil
}

// String returns the canonical "schema.table" form used for policy lookups.
func (t TableName) String() string {
	return t.Schema + "." + t.Table
}

// Quoted returns "schema"."table". The parts were validated by ParseTableName.
func (t TableName) Quoted() string {
	return `"` + t.Schema + `"."` + t.Table + `"`
}
