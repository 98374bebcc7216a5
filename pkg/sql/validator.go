package sql

import (
	"errors"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")
	// ErrNotReadOnly indicates a statement that is not a plain SELECT.
	ErrNotReadOnly = errors.New("only SELECT statements may be executed")
)

// AssertReadOnly rejects anything other than a single SELECT statement.
// It guards generated statements; the datasource role must still lack write
// privileges, since a policy row filter can call arbitrary functions.
// String literals and quoted identifiers are not inspected.
func AssertReadOnly(sqlQuery string) error {
	normalized := stripTrailingSemicolon(strings.TrimSpace(sqlQuery))
	if hasSemicolonOutsideStrings(normalized) {
		return ErrMultipleStatements
	}

	fields := strings.Fields(maskQuoted(normalized))
	if len(fields) == 0 || !strings.EqualFold(fields[0], "SELECT") {
		return ErrNotReadOnly
	}
	for _, f := range fields {
		// SELECT ... INTO creates a table.
		if strings.EqualFold(f, "INTO") {
			return ErrNotReadOnly
		}
	}
	return nil
}

// hasSemicolonOutsideStrings returns true if the SQL contains any semicolon
// outside of string literals and quoted identifiers.
func hasSemicolonOutsideStrings(sqlQuery string) bool {
	return strings.ContainsRune(maskQuoted(sqlQuery), ';')
}

// maskQuoted blanks the contents of string literals and quoted identifiers,
// keeping the quote characters, so keyword scans only see SQL text.
func maskQuoted(sqlQuery string) string {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
	)

	var b strings.Builder
	b.Grow(len(sqlQuery))
	state := stateNormal
	prevChar := rune(0)

	for _, char := range sqlQuery {
		switch state {
		case stateNormal:
			switch char {
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			}
			b.WriteRune(char)
		case stateSingleQuote:
			// A doubled quote ('') exits and immediately re-enters.
			if char == '\'' && prevChar != '\\' {
				state = stateNormal
				b.WriteRune(char)
			} else {
				b.WriteByte(' ')
			}
		case stateDoubleQuote:
			if char == '"' && prevChar != '\\' {
				state = stateNormal
				b.WriteRune(char)
			} else {
				b.WriteByte(' ')
			}
		}
		prevChar = char
	}

	return b.String()
}

// stripTrailingSemicolon removes a trailing semicolon and any whitespace around it.
func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimSuffix(sqlQuery, ";")
		sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	}
	return sqlQuery
}
