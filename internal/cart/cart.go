// Package cart owns the user's cart: the canonical entity, its serialization
// shapes, boundary validation and the persisted store.
package cart

import (
	"slices"

	"decider/api/internal/taxonomy"
	"github.com/google/uuid"
)

// DefaultTitle is given to a cart when its first entry is added.
const DefaultTitle = "Un-named"

// Entry is one technique/tactic pair with the user's notes. Names are
// display-only and re-derived whenever the entry is validated. LocalKey only
// identifies the entry in memory.
type Entry struct {
	TechniqueID   string `json:"techniqueId"`
	TacticID      string `json:"tacticId"`
	TechniqueName string `json:"techniqueName"`
	TacticName    string `json:"tacticName"`
	Notes         string `json:"notes"`
	LocalKey      string `json:"localKey"`
}

func (e Entry) Pair() taxonomy.Pair {
	return taxonomy.Pair{TechniqueID: e.TechniqueID, TacticID: e.TacticID}
}

// Cart is the canonical cart. The empty cart has blank Title and Version.
// Entries are most recent first.
type Cart struct {
	Title   string  `json:"title"`
	Version string  `json:"version"`
	Entries []Entry `json:"entries"`
}

func (c Cart) Empty() bool { return len(c.Entries) == 0 }

// Clone is the in-memory projection.
func (c Cart) Clone() Cart {
	return Cart{Title: c.Title, Version: c.Version, Entries: slices.Clone(c.Entries)}
}

// ImportEntry and ImportCart are the portable file shape.
type ImportEntry struct {
	TechniqueID string `json:"techniqueId"`
	TacticID    string `json:"tacticId"`
	Notes       string `json:"notes"`
}

type ImportCart struct {
	Title   string        `json:"title"`
	Version string        `json:"version"`
	Entries []ImportEntry `json:"entries"`
}

// StorageEntry and StorageCart are the durable-storage shape. Title and
// Version are null only in the empty state.
type StorageEntry struct {
	TechniqueID   string `json:"techniqueId"`
	TacticID      string `json:"tacticId"`
	Notes         string `json:"notes"`
	TechniqueName string `json:"techniqueName"`
	TacticName    string `json:"tacticName"`
}

type StorageCart struct {
	Title   *string        `json:"title"`
	Version *string        `json:"version"`
	Entries []StorageEntry `json:"entries"`
}

// RedactedCart is what the taxonomy service sees when ordering a report.
type RedactedCart struct {
	Version string          `json:"version"`
	Entries []taxonomy.Pair `json:"entries"`
}

func (c Cart) ToImport() ImportCart {
	out := ImportCart{Title: c.Title, Version: c.Version, Entries: make([]ImportEntry, 0, len(c.Entries))}
	for _, e := range c.Entries {
		out.Entries = append(out.Entries, ImportEntry{TechniqueID: e.TechniqueID, TacticID: e.TacticID, Notes: e.Notes})
	}
	return out
}

func (c Cart) ToStorage() StorageCart {
	out := StorageCart{Entries: make([]StorageEntry, 0, len(c.Entries))}
	if c.Empty() {
		return out
	}
	title, version := c.Title, c.Version
	out.Title, out.Version = &title, &version
	for _, e := range c.Entries {
		out.Entries = append(out.Entries, StorageEntry{
			TechniqueID:   e.TechniqueID,
			TacticID:      e.TacticID,
			Notes:         e.Notes,
			TechniqueName: e.TechniqueName,
			TacticName:    e.TacticName,
		})
	}
	return out
}

func (c Cart) ToRedacted() RedactedCart {
	out := RedactedCart{Version: c.Version, Entries: make([]taxonomy.Pair, 0, len(c.Entries))}
	for _, e := range c.Entries {
		out.Entries = append(out.Entries, e.Pair())
	}
	return out
}

// FromStorage rebuilds the canonical cart, giving every entry a fresh key.
func FromStorage(s StorageCart) Cart {
	var c Cart
	if len(s.Entries) == 0 {
		return c
	}
	if s.Title != nil {
		c.Title = *s.Title
	}
	if s.Version != nil {
		c.Version = *s.Version
	}
	c.Entries = make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		c.Entries = append(c.Entries, Entry{
			TechniqueID:   e.TechniqueID,
			TacticID:      e.TacticID,
			TechniqueName: e.TechniqueName,
			TacticName:    e.TacticName,
			Notes:         e.Notes,
			LocalKey:      newKey(),
		})
	}
	return c
}

// enrich builds the canonical cart from a validated import whose pairs all
// exist in tax.
func enrich(in ImportCart, tax *taxonomy.Taxonomy) Cart {
	if len(in.Entries) == 0 {
		return Cart{}
	}
	c := Cart{Title: in.Title, Version: in.Version, Entries: make([]Entry, 0, len(in.Entries))}
	for _, e := range in.Entries {
		techName, _ := tax.TechniqueName(e.TechniqueID)
		tactName, _ := tax.TacticName(e.TacticID)
		c.Entries = append(c.Entries, Entry{
			TechniqueID:   e.TechniqueID,
			TacticID:      e.TacticID,
			TechniqueName: techName,
			TacticName:    tactName,
			Notes:         e.Notes,
			LocalKey:      newKey(),
		})
	}
	return c
}

func newKey() string { return uuid.NewString() }
