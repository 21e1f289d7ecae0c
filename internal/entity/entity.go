// Package entity holds the timestamp pair shared by persisted chainhook records.
package entity

import "time"

// Entity carries creation and modification times. Stores write both columns
// verbatim; callers are expected to keep them in UTC.
type Entity struct {
	CreatedAt time.Time `json:"created_at" bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `json:"updated_at" bun:"updated_at,notnull,default:current_timestamp"`
}

// New stamps both fields with the current UTC time.
func New() Entity {
	return At(time.Now())
}

// At stamps both fields with t.
func At(t time.Time) Entity {
	t = t.UTC()
	return Entity{CreatedAt: t, UpdatedAt: t}
}

// Touch moves UpdatedAt forward to t.
func (e *Entity) Touch(t time.Time) {
	e.UpdatedAt = t.UTC()
}
