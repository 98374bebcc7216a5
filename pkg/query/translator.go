// Package query translates REST query-string parameters into parameterized
// single-table SELECT statements.
//
// The accepted language is deliberately small: a column list, conjunctive
// col.op.value filters, one sort key, and offset or keyset paging.
package query

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/sql"
)

// Operators maps filter operators onto their SQL form. "in" is handled separately.
var Operators = map[string]string{
	"eq":    "=",
	"neq":   "!=",
	"gt":    ">",
	"gte":   ">=",
	"lt":    "<",
	"lte":   "<=",
	"like":  "LIKE",
	"ilike": "ILIKE",
}

var (
	inSegmentPattern = regexp.MustCompile(`^(\w+)\.in\.\((.*)\)$`)
	inListStart      = regexp.MustCompile(`^\s*\w+\.in\.\(`)
	segmentPattern   = regexp.MustCompile(`^(\w+)\.(\w+)\.(.*)$`)
)

// Params accumulates positional bind values. The placeholder for a value is
// its 1-based position.
type Params struct {
	values []any
}

// Add appends v and returns its placeholder.
func (p *Params) Add(v any) string {
	p.values = append(p.values, v)
	return sql.Placeholder(len(p.values))
}

// Values returns the bind values in placeholder order.
func (p *Params) Values() []any {
	if p.values == nil {
		return []any{}
	}
	return p.values
}

// Len returns the number of bound values.
func (p *Params) Len() int { return len(p.values) }

// Policy is the column restriction and mandatory row filter applied to one table.
type Policy struct {
	// AllowedColumns restricts readable columns. Empty means unrestricted.
	AllowedColumns []string
	// RowFilter is trusted administrator SQL ANDed into every statement. Empty means none.
	RowFilter string
}

// Restricted reports whether the policy limits the readable columns.
func (p Policy) Restricted() bool { return len(p.AllowedColumns) > 0 }

// Allows reports whether column may be read under the policy.
func (p Policy) Allows(column string) bool {
	return !p.Restricted() || slices.Contains(p.AllowedColumns, column)
}

func (p Policy) requireAllowed(column string) error {
	if !p.Allows(column) {
		return fmt.Errorf("%w: %s", apperrors.ErrColumnNotAllowed, column)
	}
	return nil
}

// ParseSelect returns the columns to read. An absent select yields allowed
// (empty meaning every column). Each requested column must be a valid
// identifier and, when allowed is non-empty, a member of it.
func ParseSelect(selectParam string, allowed []string) ([]string, error) {
	var cols []string
	for _, c := range strings.Split(selectParam, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return slices.Clone(allowed), nil
	}

	for _, c := range cols {
		if !sql.IsValidIdentifier(c) {
			return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidIdentifier, c)
		}
		if len(allowed) > 0 && !slices.Contains(allowed, c) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrColumnNotAllowed, c)
		}
	}
	return cols, nil
}

// Filter is one parsed where segment.
type Filter struct {
	Column   string
	Operator string
	Values   []string
}

// ParseWhere parses a comma-separated list of col.op.value and col.in.(a,b)
// segments, binding every value into params. It returns one predicate per
// segment in input order.
func ParseWhere(whereParam string, params *Params) ([]string, []Filter, error) {
	segments, err := splitSegments(whereParam)
	if err != nil {
		return nil, nil, err
	}

	conds := make([]string, 0, len(segments))
	filters := make([]Filter, 0, len(segments))
	for _, seg := range segments {
		f, err := parseSegment(seg)
		if err != nil {
			return nil, nil, err
		}

		col, err := sql.QuoteIdentifier(f.Column)
		if err != nil {
			return nil, nil, err
		}

		if f.Operator == "in" {
			placeholders := make([]string, len(f.Values))
			for i, v := range f.Values {
				placeholders[i] = params.Add(v)
			}
			conds = append(conds, fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ",")))
		} else {
			conds = append(conds, fmt.Sprintf("%s %s %s", col, Operators[f.Operator], params.Add(f.Values[0])))
		}
		filters = append(filters, f)
	}
	return conds, filters, nil
}

func parseSegment(seg string) (Filter, error) {
	if m := inSegmentPattern.FindStringSubmatch(seg); m != nil {
		values := strings.Split(m[2], ",")
		for i, v := range values {
			values[i] = stripQuotes(strings.TrimSpace(v))
		}
		return Filter{Column: m[1], Operator: "in", Values: values}, nil
	}

	m := segmentPattern.FindStringSubmatch(seg)
	if m == nil {
		return Filter{}, fmt.Errorf("%w: %q", apperrors.ErrInvalidFilter, seg)
	}
	col, op, val := m[1], m[2], m[3]
	if op == "in" {
		return Filter{}, fmt.Errorf("%w: in requires a parenthesized list: %q", apperrors.ErrInvalidFilter, seg)
	}
	if _, ok := Operators[op]; !ok {
		return Filter{}, fmt.Errorf("%w: %s", apperrors.ErrOperatorNotAllowed, op)
	}
	// like/ilike keep their value verbatim, quotes included.
	if op != "like" && op != "ilike" {
		val = stripQuotes(val)
	}
	return Filter{Column: col, Operator: op, Values: []string{val}}, nil
}

// splitSegments splits on commas. Inside a segment that opens an in.(...)
// list, commas are kept until the list's parentheses balance; scalar values
// may contain parentheses freely.
func splitSegments(whereParam string) ([]string, error) {
	var segments []string
	for rest := whereParam; rest != ""; {
		end := strings.IndexByte(rest, ',')
		if inListStart.MatchString(rest) {
			end = -1
			depth := 0
		scan:
			for i := 0; i < len(rest); i++ {
				switch rest[i] {
				case '(':
					depth++
				case ')':
					depth--
				case ',':
					if depth == 0 {
						end = i
						break scan
					}
				}
			}
			if depth != 0 {
				return nil, fmt.Errorf("%w: unbalanced parentheses", apperrors.ErrInvalidFilter)
			}
		}

		seg := rest
		rest = ""
		if end >= 0 {
			seg, rest = seg[:end], seg[end+1:]
		}
		if seg = strings.TrimSpace(seg); seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments, nil
}

func stripQuotes(v string) string {
	v = strings.TrimPrefix(v, `"`)
	return strings.TrimSuffix(v, `"`)
}

// ParseOrder parses a single column name, optionally prefixed with "-" for
// descending order. An empty parameter yields nil.
func ParseOrder(orderParam string) (*sql.OrderBy, error) {
	orderParam = strings.TrimSpace(orderParam)
	if orderParam == "" {
		return nil, nil
	}
	dir := sql.Ascending
	col := orderParam
	if strings.HasPrefix(orderParam, "-") {
		dir = sql.Descending
		col = orderParam[1:]
	}
	if !sql.IsValidIdentifier(col) {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidIdentifier, col)
	}
	return &sql.OrderBy{Column: col, Direction: dir}, nil
}

// AddCursorWhere decodes token and binds it as the keyset boundary for
// cursorField. Descending order pages with <, ascending with >.
func AddCursorWhere(params *Params, cursorField, token string, descending bool) (string, error) {
	col, err := sql.QuoteIdentifier(cursorField)
	if err != nil {
		return "", err
	}
	value, err := DecodeCursor(token)
	if err != nil {
		return "", err
	}
	op := ">"
	if descending {
		op = "<"
	}
	return fmt.Sprintf("%s %s %s", col, op, params.Add(value)), nil
}
