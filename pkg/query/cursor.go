package query

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
)

// EncodeCursor returns the opaque page token for the last row's cursor value:
// base64url (unpadded) of its JSON encoding. Values that do not encode to a
// JSON scalar fail with ErrInvalidCursor.
func EncodeCursor(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	if len(data) == 0 || data[0] == '{' || data[0] == '[' || bytes.Equal(data, []byte("null")) {
		return "", fmt.Errorf("%w: cursor column value is not a scalar", apperrors.ErrInvalidCursor)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor reverses EncodeCursor. Integral JSON numbers decode to int64
// and other numbers to float64 so they bind as numeric parameters. Only
// scalar values (string, number, bool) are valid cursors.
func DecodeCursor(token string) (any, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Tolerate padded tokens from clients that re-encode.
		data, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			return nil, fmt.Errorf("%w: not base64url", apperrors.ErrInvalidCursor)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: not JSON", apperrors.ErrInvalidCursor)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", apperrors.ErrInvalidCursor)
	}
	switch t := v.(type) {
	case json.Number:
		return normalizeNumber(t), nil
	case string, bool:
		return t, nil
	default:
		return nil, fmt.Errorf("%w: must be a string, number or boolean", apperrors.ErrInvalidCursor)
	}
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
