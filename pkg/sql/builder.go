package sql

import (
	"fmt"
	"strconv"
	"strings"
)

// SortDirection is ASC or DESC.
type SortDirection string

const (
	Ascending  SortDirection = "ASC"
	Descending SortDirection = "DESC"
)

// OrderBy is a single-column sort.
type OrderBy struct {
	Column    string
	Direction SortDirection
}

// SelectStatement describes the only statement shape the gateway generates:
//
//	SELECT <cols> FROM <schema>.<table> WHERE <cond> ORDER BY <col> <dir> LIMIT <n> OFFSET <m>
//
// Empty clauses are omitted.
type SelectStatement struct {
	Table TableName
	// Columns are unquoted column names; empty selects *.
	Columns []string
	// Conditions are rendered predicates using quoted identifiers and $n
	// placeholders. They are ANDed in order.
	Conditions []string
	// RowFilter is administrator-supplied raw SQL. It is trusted, wrapped in
	// parentheses and ANDed after every other condition.
	RowFilter string
	OrderBy   *OrderBy
	// Limit of zero means no LIMIT clause.
	Limit int
	// Offset of zero means no OFFSET clause.
	Offset int
}

// Build renders the statement.
func (s SelectStatement) Build() (string, error) {
	var b strings.Builder

	b.WriteString("SELECT ")
	if len(s.Columns) == 0 {
		b.WriteString("*")
	} else {
		cols, err := QuoteIdentifiers(s.Columns)
		if err != nil {
			return "", err
		}
		b.WriteString(strings.Join(cols, ", "))
	}

	if _, err := ParseTableName(s.Table.String()); err != nil {
		return "", err
	}
	b.WriteString(" FROM ")
	b.WriteString(s.Table.Quoted())

	if where := s.whereClause(); where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	if s.OrderBy != nil {
		col, err := QuoteIdentifier(s.OrderBy.Column)
		if err != nil {
			return "", err
		}
		dir := s.OrderBy.Direction
		if dir != Descending {
			dir = Ascending
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(col)
		b.WriteString(" ")
		b.WriteString(string(dir))
	}

	if s.Limit < 0 || s.Offset < 0 {
		return "", fmt.Errorf("negative limit or offset")
	}
	if s.Limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(s.Limit))
	}
	if s.Offset > 0 {
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.Itoa(s.Offset))
	}

	return b.String(), nil
}

func (s SelectStatement) whereClause() string {
	conds := make([]string, 0, len(s.Conditions)+1)
	for _, c := range s.Conditions {
		if c = strings.TrimSpace(c); c != "" {
			conds = append(conds, c)
		}
	}
	if rf := strings.TrimSpace(s.RowFilter); rf != "" {
		conds = append(conds, "("+rf+")")
	}
	return strings.Join(conds, " AND ")
}

// Placeholder returns the PostgreSQL positional placeholder for a 1-based index.
func Placeholder(index int) string {
	return "$" + strconv.Itoa(index)
}
