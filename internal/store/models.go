package store

import "time"

// SavedCart is a cart snapshot kept server-side for one owner.
type SavedCart struct {
	Owner      string    `json:"owner"`
	Title      string    `json:"title"`
	Version    string    `json:"version"`
	Snapshot   []byte    `json:"-"`
	EntryCount int       `json:"entryCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
