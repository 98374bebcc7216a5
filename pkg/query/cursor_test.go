package query

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
)

func TestCursorRoundTrip(t *testing.T) {
	values := []any{
		"abc",
		"",
		"with \"quotes\" and / slashes",
		int64(0),
		int64(-17),
		int64(9007199254740993),
		1.5,
		true,
	}

	for _, v := range values {
		token, err := EncodeCursor(v)
		require.NoError(t, err)
		assert.NotContains(t, token, "=")
		assert.NotContains(t, token, "+")

		got, err := DecodeCursor(token)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestEncodeCursor_RejectsNonScalar(t *testing.T) {
	for _, v := range []any{nil, []any{int64(1), "two"}, map[string]any{"id": int64(3)}} {
		_, err := EncodeCursor(v)
		assert.ErrorIs(t, err, apperrors.ErrInvalidCursor, "value %v", v)
	}
}

func TestDecodeCursor_RejectsNonScalar(t *testing.T) {
	for _, raw := range []string{`{"id":3}`, `[1,"two"]`, `null`} {
		_, err := DecodeCursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
		assert.ErrorIs(t, err, apperrors.ErrInvalidCursor, "cursor %s", raw)
	}
}

func TestDecodeCursor_AcceptsPadded(t *testing.T) {
	token := base64.URLEncoding.EncodeToString([]byte(`"ab"`))
	got, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}

func TestDecodeCursor_Malformed(t *testing.T) {
	malformed := []string{
		"!!!",
		base64.RawURLEncoding.EncodeToString([]byte("{not json")),
		base64.RawURLEncoding.EncodeToString([]byte(`1 2`)),
		"",
	}
	for _, token := range malformed {
		_, err := DecodeCursor(token)
		assert.ErrorIs(t, err, apperrors.ErrInvalidCursor, "token %q", token)
	}
}
