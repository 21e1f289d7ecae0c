package chainhook

import "github.com/xraph/chainhook/internal/entity"

// Entity is the timestamp pair embedded by persisted chainhook records.
type Entity = entity.Entity

// NewEntity returns an Entity with both timestamps set to the current UTC time.
func NewEntity() Entity {
	return entity.New()
}
