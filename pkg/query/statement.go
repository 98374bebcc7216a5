package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/sql"
)

// DefaultPrimaryKey is the detail lookup column when pk is not given.
const DefaultPrimaryKey = "id"

// ListRequest carries the raw query-string parameters of a list request.
type ListRequest struct {
	Table       sql.TableName
	Select      string
	Where       string
	Order       string
	Limit       int
	Offset      int
	CursorField string
	Cursor      string
}

// Keyset reports whether the request pages by cursor instead of offset.
func (r ListRequest) Keyset() bool {
	return r.CursorField != "" && r.Cursor != ""
}

// Statement is a ready-to-execute SELECT with its bind values.
type Statement struct {
	SQL  string
	Args []any
	// Filters are the parsed client filters, kept for value screening.
	Filters []Filter
}

// BuildList composes the list statement. Client filters come first, then
// the cursor boundary, then the policy row filter.
func BuildList(req ListRequest, policy Policy) (*Statement, error) {
	cols, err := ParseSelect(req.Select, policy.AllowedColumns)
	if err != nil {
		return nil, err
	}

	params := &Params{}
	conds, filters, err := ParseWhere(req.Where, params)
	if err != nil {
		return nil, err
	}
	for _, f := range filters {
		if err := policy.requireAllowed(f.Column); err != nil {
			return nil, err
		}
	}

	order, err := ParseOrder(req.Order)
	if err != nil {
		return nil, err
	}
	if order != nil {
		if err := policy.requireAllowed(order.Column); err != nil {
			return nil, err
		}
	}

	if req.CursorField != "" {
		if !sql.IsValidIdentifier(req.CursorField) {
			return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidIdentifier, req.CursorField)
		}
		if err := policy.requireAllowed(req.CursorField); err != nil {
			return nil, err
		}
		// Cursor pages are only stable in cursor order.
		if order == nil {
			order = &sql.OrderBy{Column: req.CursorField, Direction: sql.Ascending}
		}
	}

	offset := req.Offset
	if req.Keyset() {
		descending := order != nil && order.Direction == sql.Descending
		cond, err := AddCursorWhere(params, req.CursorField, req.Cursor, descending)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
		offset = 0
	}

	text, err := sql.SelectStatement{
		Table:      req.Table,
		Columns:    cols,
		Conditions: conds,
		RowFilter:  policy.RowFilter,
		OrderBy:    order,
		Limit:      req.Limit,
		Offset:     offset,
	}.Build()
	if err != nil {
		return nil, err
	}

	return &Statement{SQL: text, Args: params.Values(), Filters: filters}, nil
}

// BuildDetail composes the single-row lookup by primary key. pk defaults to id.
func BuildDetail(table sql.TableName, id, pk string, policy Policy) (*Statement, error) {
	if pk == "" {
		pk = DefaultPrimaryKey
	}
	col, err := sql.QuoteIdentifier(pk)
	if err != nil {
		return nil, err
	}
	if err := policy.requireAllowed(pk); err != nil {
		return nil, err
	}
	cols, err := ParseSelect("", policy.AllowedColumns)
	if err != nil {
		return nil, err
	}

	params := &Params{}
	text, err := sql.SelectStatement{
		Table:      table,
		Columns:    cols,
		Conditions: []string{fmt.Sprintf("%s = %s", col, params.Add(id))},
		RowFilter:  policy.RowFilter,
		Limit:      1,
	}.Build()
	if err != nil {
		return nil, err
	}
	return &Statement{SQL: text, Args: params.Values()}, nil
}

// ParsePaging reads limit and offset. An absent limit uses defaultLimit and
// any limit is capped at maxLimit. Negative, zero-limit or non-numeric values
// are rejected.
func ParsePaging(limitParam, offsetParam string, defaultLimit, maxLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	if s := strings.TrimSpace(limitParam); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("%w: limit must be a positive integer", apperrors.ErrInvalidPaging)
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if s := strings.TrimSpace(offsetParam); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: offset must be a non-negative integer", apperrors.ErrInvalidPaging)
		}
	}
	return limit, offset, nil
}
