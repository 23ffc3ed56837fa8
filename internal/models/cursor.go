package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Cursor is a keyset position in a listing ordered by (time, id). The zero
// Cursor sorts before every row.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

// Precedes reports whether the row keyed (at, id) comes after c.
func (c Cursor) Precedes(at time.Time, id uuid.UUID) bool {
	if !c.At.Equal(at) {
		return c.At.Before(at)
	}
	return bytes.Compare(c.ID[:], id[:]) < 0
}

// OrderCursor positions after o in an updated_at listing.
func OrderCursor(o *Order) Cursor {
	return Cursor{At: o.UpdatedAt, ID: o.ID}
}
