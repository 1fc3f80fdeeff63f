package vault

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// Rosetta is a declarative projection from a vault response document to the
// security-directive shape: one compiled jq expression per target field.
type Rosetta struct {
	queries map[string]*gojq.Query
}

// DefaultRosetta matches the vault function's response layout:
//
//	{"topics": [{"name": ..., "role": ..., "security-protocol": ..., "jaas-config": ...}]}
//
// Deployments with a different vault shape override the expressions in
// configuration.
var DefaultRosetta = map[string]string{
	"topic":             `.name`,
	"role":              `.role`,
	"security-protocol": `.["security-protocol"]`,
	"jaas-config":       `.["jaas-config"]`,
}

// DefaultTopicsPath selects the per-topic documents out of the response.
const DefaultTopicsPath = `.topics[]`

// NewRosetta compiles a mapping of target field to jq expression.
func NewRosetta(mapping map[string]string) (*Rosetta, error) {
	if len(mapping) == 0 {
		mapping = DefaultRosetta
	}
	queries := make(map[string]*gojq.Query, len(mapping))
	for field, expr := range mapping {
		q, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("rosetta field %q: parse %q: %w", field, expr, err)
		}
		queries[field] = q
	}
	return &Rosetta{queries: queries}, nil
}

// Project applies every expression to doc and returns field -> value.
// Expressions that yield nothing produce an error; the vault response is the
// only source of credentials and a silent miss would fail later and worse.
func (r *Rosetta) Project(doc interface{}) (map[string]string, error) {
	out := make(map[string]string, len(r.queries))
	for field, q := range r.queries {
		iter := q.Run(doc)
		v, ok := iter.Next()
		if !ok || v == nil {
			return nil, fmt.Errorf("rosetta field %q: no value in response", field)
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("rosetta field %q: %w", field, err)
		}
		s, isStr := v.(string)
		if !isStr {
			return nil, fmt.Errorf("rosetta field %q: want string, got %T", field, v)
		}
		out[field] = s
	}
	return out, nil
}
