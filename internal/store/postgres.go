package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCartNotFound    = errors.New("saved cart not found")
	ErrInvalidSnapshot = errors.New("snapshot is not a populated cart")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// snapshotHeader is the part of a storage-shape snapshot the table indexes.
type snapshotHeader struct {
	Version *string           `json:"version"`
	Entries []json.RawMessage `json:"entries"`
}

// SaveCart upserts the snapshot under (owner, title).
func (s *PostgresStore) SaveCart(ctx context.Context, owner, title string, snapshot []byte) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidSnapshot)
	}
	var header snapshotHeader
	if err := json.Unmarshal(snapshot, &header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if header.Version == nil || len(header.Entries) == 0 {
		return ErrInvalidSnapshot
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saved_carts (owner, title, version, snapshot, entry_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner, title) DO UPDATE
		SET version = EXCLUDED.version,
			snapshot = EXCLUDED.snapshot,
			entry_count = EXCLUDED.entry_count,
			updated_at = NOW()
	`, owner, title, *header.Version, string(snapshot), len(header.Entries))
	if err != nil {
		return fmt.Errorf("save cart %q: %w", title, err)
	}
	return nil
}

// ListCarts returns the owner's carts without snapshots, most recently updated first.
func (s *PostgresStore) ListCarts(ctx context.Context, owner string) ([]SavedCart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, title, version, entry_count, created_at, updated_at
		FROM saved_carts
		WHERE owner = $1
		ORDER BY updated_at DESC, title
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list carts: %w", err)
	}
	defer rows.Close()

	carts := make([]SavedCart, 0)
	for rows.Next() {
		var c SavedCart
		if err := rows.Scan(&c.Owner, &c.Title, &c.Version, &c.EntryCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cart: %w", err)
		}
		carts = append(carts, c)
	}
	return carts, rows.Err()
}

func (s *PostgresStore) GetCart(ctx context.Context, owner, title string) (SavedCart, error) {
	var (
		c        SavedCart
		snapshot string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, title, version, snapshot::text, entry_count, created_at, updated_at
		FROM saved_carts
		WHERE owner = $1 AND title = $2
	`, owner, title).Scan(&c.Owner, &c.Title, &c.Version, &snapshot, &c.EntryCount, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SavedCart{}, ErrCartNotFound
	}
	if err != nil {
		return SavedCart{}, fmt.Errorf("get cart %q: %w", title, err)
	}
	c.Snapshot = []byte(snapshot)
	return c, nil
}

func (s *PostgresStore) DeleteCart(ctx context.Context, owner, title string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM saved_carts WHERE owner = $1 AND title = $2`, owner, title)
	if err != nil {
		return fmt.Errorf("delete cart %q: %w", title, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// OwnerSaver stores a cart snapshot on behalf of an owner.
type OwnerSaver interface {
	SaveCart(ctx context.Context, owner, title string, snapshot []byte) error
}

// CartSaver binds a store to one owner so it can serve as the cart
// store's auto-save target.
type CartSaver struct {
	Store OwnerSaver
	Owner string
}

func (c CartSaver) SaveCart(ctx context.Context, title string, snapshot []byte) error {
	return c.Store.SaveCart(ctx, c.Owner, title, snapshot)
}
