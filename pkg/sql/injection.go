package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a filter value that matched a libinjection fingerprint.
type InjectionCheckResult struct {
	Column      string
	Value       string
	Fingerprint string
}

// ScreenValue runs libinjection over a client-supplied filter value.
//
// Filter values are always bound as parameters, so a match cannot alter the
// statement. Matches are reported so callers can record probing attempts.
// Returns nil when the value looks clean.
func ScreenValue(column, value string) *InjectionCheckResult {
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		Column:      column,
		Value:       value,
		Fingerprint: string(fingerprint),
	}
}
