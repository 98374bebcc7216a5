package services

import (
	"github.com/ekaya-inc/sqlrest-gateway/pkg/models"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/query"
)

// ResolvePolicy returns the key's policy for tableFQN. Matching is exact on
// the canonical schema.table string. A key without a policy for the table
// reads every column with no row filter.
func ResolvePolicy(key *models.APIKey, tableFQN string) query.Policy {
	p := key.PolicyFor(tableFQN)
	if p == nil {
		return query.Policy{}
	}

	policy := query.Policy{AllowedColumns: p.AllowedFields}
	if p.RowFilterSQL != nil {
		policy.RowFilter = *p.RowFilterSQL
	}
	return policy
}
