package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is an authentication principal. Only the salted hash of the secret
// is stored; the plaintext is shown once at creation.
type APIKey struct {
	ID         uuid.UUID `json:"id"`
	ProjectID  uuid.UUID `json:"project_id"`
	KeyHash    string    `json:"-"`
	KeyPrefix  string    `json:"key_prefix"`
	Active     bool      `json:"active"`
	RateRPS    int       `json:"rate_rps"`
	DailyQuota int       `json:"daily_quota"`
	Note       *string   `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// Policies are loaded by the authenticator in one batch.
	Policies []*KeyPolicy `json:"policies,omitempty"`
}

// PolicyFor returns the key's policy for the exact table FQN, or nil.
func (k *APIKey) PolicyFor(tableFQN string) *KeyPolicy {
	for _, p := range k.Policies {
		if p.TableFQN == tableFQN {
			return p
		}
	}
	return nil
}

// KeyPolicy binds one API key to one table.
type KeyPolicy struct {
	ID       uuid.UUID `json:"id"`
	APIKeyID uuid.UUID `json:"api_key_id"`
	// TableFQN is the canonical schema.table name.
	TableFQN string `json:"table_fqn"`
	// AllowedFields restricts readable columns. Empty means unrestricted.
	AllowedFields []string `json:"allowed_fields,omitempty"`
	// RowFilterSQL is a trusted boolean expression ANDed into every query.
	RowFilterSQL *string   `json:"row_filter_sql,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
