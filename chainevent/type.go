package chainevent

import "fmt"

// Type is one member of the fixed token event taxonomy.
type Type string

const (
	TypeBurnSelf        Type = "token.burn.self"
	TypeBurnAdmin       Type = "token.burn.admin"
	TypeTokenCreated    Type = "token.created"
	TypeMetadataUpdated Type = "token.metadata.updated"
)

var taxonomy = []Type{TypeBurnSelf, TypeBurnAdmin, TypeTokenCreated, TypeMetadataUpdated}

// Types returns every event type in declaration order.
func Types() []Type {
	out := make([]Type, len(taxonomy))
	copy(out, taxonomy)
	return out
}

// Valid reports whether t belongs to the taxonomy.
func (t Type) Valid() bool {
	for _, known := range taxonomy {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType converts s into a Type, rejecting anything outside the taxonomy.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("chainevent: unknown event type %q", s)
	}
	return t, nil
}
