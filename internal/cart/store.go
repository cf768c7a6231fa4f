package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"decider/api/internal/session"
	"decider/api/internal/taxonomy"
	"go.uber.org/zap"
)

// Status messages shown after an operation.
const (
	msgSaveFailed       = "Cart changes could not be saved"
	msgServerSaveFailed = "Cart could not be saved to the server"
	msgImported         = "Successfully loaded the cart file!"
	msgMismatch         = "The page you are viewing is for Enterprise %s, but you have an Enterprise %s cart open."
)

type StatusKind string

const (
	StatusOK      StatusKind = "ok"
	StatusWarning StatusKind = "warning"
	StatusError   StatusKind = "error"
)

// Status is the outcome of the most recent operation.
type Status struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

// Mismatch is a reloaded cart whose version differs from the active one.
type Mismatch struct {
	CartVersion   string `json:"cartVersion"`
	ActiveVersion string `json:"activeVersion"`
}

// Choice resolves a pending Mismatch.
type Choice string

const (
	// ResolveSwitch makes the cart's version the active one.
	ResolveSwitch Choice = "switch"
	// ResolveAbandon empties the cart and keeps the active version.
	ResolveAbandon Choice = "abandon"
)

// Taxonomies resolves the taxonomy of a served version. *taxonomy.Catalog
// implements it.
type Taxonomies interface {
	Load(ctx context.Context, version string) (*taxonomy.Taxonomy, error)
}

// Saver submits the storage shape to a server-side cart store.
type Saver interface {
	SaveCart(ctx context.Context, title string, snapshot []byte) error
}

type Options struct {
	KV            session.KV
	Taxonomies    Taxonomies
	ActiveVersion string
	// Prefs is optional; when set, the auto-save flag is honoured and the
	// version-lock flag is kept current.
	Prefs  *session.Prefs
	Saver  Saver
	Logger *zap.Logger
}

// Store is the single writer of the cart key of one session.
type Store struct {
	kv         session.KV
	taxonomies Taxonomies
	prefs      *session.Prefs
	saver      Saver
	logger     *zap.Logger

	mu       sync.Mutex
	cart     Cart
	active   string
	mismatch *Mismatch
	status   Status
}

// Open loads the stored cart and reconciles it with opts.ActiveVersion. A
// missing or malformed stored value is treated as the empty cart.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.KV == nil {
		return nil, errors.New("cart: storage is required")
	}
	if opts.Taxonomies == nil {
		return nil, errors.New("cart: taxonomies are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		kv:         opts.KV,
		taxonomies: opts.Taxonomies,
		prefs:      opts.Prefs,
		saver:      opts.Saver,
		logger:     logger,
		active:     opts.ActiveVersion,
		status:     Status{Kind: StatusOK},
	}
	s.cart = s.readStored(ctx)
	s.reconcile()
	return s, nil
}

func (s *Store) readStored(ctx context.Context) Cart {
	raw, err := s.kv.Get(ctx, session.KeyCart)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Warn("cart: read stored cart", zap.Error(err))
		}
		return Cart{}
	}
	stored, err := ValidateStorage(raw)
	if err != nil {
		s.logger.Warn("cart: ignoring malformed stored cart", zap.Error(err))
		return Cart{}
	}
	return FromStorage(stored)
}

// reconcile never switches either version silently while the cart has entries.
func (s *Store) reconcile() {
	s.mismatch = nil
	if s.cart.Empty() {
		return
	}
	if s.active == "" {
		s.active = s.cart.Version
		return
	}
	if s.cart.Version != s.active {
		s.mismatch = &Mismatch{CartVersion: s.cart.Version, ActiveVersion: s.active}
		s.status = Status{Kind: StatusWarning, Message: fmt.Sprintf(msgMismatch, s.active, s.cart.Version)}
	}
}

// AddEntry inserts e at the front. The first entry gives the cart its
// default title and version; afterwards version must match.
func (s *Store) AddEntry(ctx context.Context, version string, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !taxonomy.IsTechniqueID(e.TechniqueID) {
		return Entry{}, s.fail(&ValidationError{Shape: ShapeMemory, Field: "techniqueId", Reason: techniqueID(e.TechniqueID)})
	}
	if !taxonomy.IsTacticID(e.TacticID) {
		return Entry{}, s.fail(&ValidationError{Shape: ShapeMemory, Field: "tacticId", Reason: tacticID(e.TacticID)})
	}
	if s.mismatch != nil {
		return Entry{}, s.fail(ErrMismatchPending)
	}
	if s.cart.Empty() {
		if !taxonomy.IsVersion(version) {
			return Entry{}, s.fail(&ValidationError{Shape: ShapeMemory, Field: "version", Reason: versionTag(version)})
		}
		s.cart.Title = DefaultTitle
		s.cart.Version = version
		s.active = version
	} else if version != s.cart.Version {
		return Entry{}, s.fail(&VersionMismatchError{CartVersion: s.cart.Version, Requested: version})
	}

	e.LocalKey = newKey()
	s.cart.Entries = slices.Insert(s.cart.Entries, 0, e)
	s.commit(ctx)
	return e, nil
}

// RemoveEntry drops the entry with key. Removing the last entry returns the
// cart to the empty state.
func (s *Store) RemoveEntry(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(key)
	if i < 0 {
		return s.fail(ErrEntryNotFound)
	}
	s.cart.Entries = slices.Delete(s.cart.Entries, i, i+1)
	if s.cart.Empty() {
		s.cart = Cart{}
	}
	s.commit(ctx)
	return nil
}

func (s *Store) UpdateNotes(ctx context.Context, key, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(key)
	if i < 0 {
		return s.fail(ErrEntryNotFound)
	}
	s.cart.Entries[i].Notes = notes
	s.commit(ctx)
	return nil
}

// Rename rejects an empty cart, a blank title and the current title.
func (s *Store) Rename(ctx context.Context, title string) error {
	title = strings.TrimSpace(title)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.cart.Empty():
		return s.fail(ErrEmptyCart)
	case title == "":
		return s.fail(ErrInvalidTitle)
	case title == s.cart.Title:
		return s.fail(ErrTitleUnchanged)
	}
	s.cart.Title = title
	s.commit(ctx)
	return nil
}

// Clear empties the cart unconditionally, dropping any pending mismatch.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = Cart{}
	s.mismatch = nil
	s.commit(ctx)
}

// Import replaces the cart with an externally supplied payload. The payload
// must pass the import schema, its version must be served and every pair
// must exist in that version; otherwise nothing changes.
func (s *Store) Import(ctx context.Context, payload []byte) error {
	err := s.withLock(func() error {
		if s.mismatch != nil {
			return s.fail(ErrMismatchPending)
		}
		return nil
	})
	if err != nil {
		return err
	}

	in, err := ValidateImport(payload)
	if err != nil {
		return s.withLock(func() error { return s.fail(err) })
	}
	tax, err := s.taxonomies.Load(ctx, in.Version)
	if err != nil {
		return s.withLock(func() error { return s.fail(err) })
	}
	var unknown []taxonomy.Pair
	for _, e := range in.Entries {
		p := taxonomy.Pair{TechniqueID: e.TechniqueID, TacticID: e.TacticID}
		if !tax.HasPair(p) {
			unknown = append(unknown, p)
		}
	}
	if len(unknown) > 0 {
		return s.withLock(func() error { return s.fail(&UnknownPairsError{Version: in.Version, Pairs: unknown}) })
	}

	loaded := enrich(in, tax)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mismatch != nil {
		return s.fail(ErrMismatchPending)
	}
	s.cart = loaded
	if !loaded.Empty() {
		s.active = loaded.Version
	}
	s.commit(ctx)
	if s.status.Kind == StatusOK {
		s.status.Message = msgImported
	}
	return nil
}

// Export serializes the cart in one of its shapes. Only the storage and
// memory shapes can describe the empty cart.
func (s *Store) Export(shape Shape) ([]byte, error) {
	c := s.Snapshot()
	var v any
	switch shape {
	case ShapeImport:
		v = c.ToImport()
	case ShapeStorage:
		v = c.ToStorage()
	case ShapeRedacted:
		v = c.ToRedacted()
	case ShapeMemory:
		v = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownShape, shape)
	}
	if c.Empty() && (shape == ShapeImport || shape == ShapeRedacted) {
		return nil, ErrEmptyCart
	}
	return json.Marshal(v)
}

// SetActiveVersion records the taxonomy version of the page in use. The cart
// keeps its own version: a populated cart of another version leaves a
// pending Mismatch, and returning to the cart's version clears it.
func (s *Store) SetActiveVersion(version string) error {
	if !taxonomy.IsVersion(version) {
		return &ValidationError{Shape: ShapeMemory, Field: "version", Reason: versionTag(version)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.mismatch != nil
	s.active = version
	s.reconcile()
	if pending && s.mismatch == nil {
		s.status = Status{Kind: StatusOK}
	}
	return nil
}

// Resolve settles a pending mismatch.
func (s *Store) Resolve(ctx context.Context, choice Choice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mismatch == nil {
		return ErrNoMismatch
	}
	switch choice {
	case ResolveSwitch:
		s.active = s.cart.Version
		s.mismatch = nil
		s.status = Status{Kind: StatusOK}
	case ResolveAbandon:
		s.cart = Cart{}
		s.mismatch = nil
		s.commit(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}
	return nil
}

// Sync re-reads storage written by another writer of the same session and
// reconciles it with the active version.
func (s *Store) Sync(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = s.readStored(ctx)
	s.status = Status{Kind: StatusOK}
	s.reconcile()
}

func (s *Store) Snapshot() Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Clone()
}

func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Locked reports whether the version selector is disabled, which is exactly
// when the cart has entries.
func (s *Store) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cart.Empty()
}

// ActiveVersion is the cart's version when populated, else the selected one.
func (s *Store) ActiveVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) Mismatch() (Mismatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mismatch == nil {
		return Mismatch{}, false
	}
	return *s.mismatch, true
}

func (s *Store) indexOf(key string) int {
	return slices.IndexFunc(s.cart.Entries, func(e Entry) bool { return e.LocalKey == key })
}

func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// fail records err as the user-visible status. Caller holds mu.
func (s *Store) fail(err error) error {
	s.status = Status{Kind: StatusError, Message: err.Error()}
	return err
}

// commit persists the mutated cart. Write failures keep the in-memory state
// and only degrade the status. Caller holds mu.
func (s *Store) commit(ctx context.Context) {
	s.status = Status{Kind: StatusOK}
	snapshot, err := json.Marshal(s.cart.ToStorage())
	if err != nil {
		s.logger.Error("cart: marshal snapshot", zap.Error(err))
		s.status = Status{Kind: StatusWarning, Message: msgSaveFailed}
		return
	}
	if err := s.kv.Set(ctx, session.KeyCart, snapshot); err != nil {
		s.logger.Warn("cart: persist snapshot", zap.Error(err))
		s.status = Status{Kind: StatusWarning, Message: msgSaveFailed}
	}

	if s.prefs == nil {
		return
	}
	if err := s.prefs.SetFlag(ctx, session.FlagVersionLocked, !s.cart.Empty()); err != nil {
		s.logger.Debug("cart: update version lock flag", zap.Error(err))
	}
	if s.saver == nil || s.cart.Empty() || !s.prefs.Flag(ctx, session.FlagAutoSave) {
		return
	}
	if err := s.saver.SaveCart(ctx, s.cart.Title, snapshot); err != nil {
		s.logger.Warn("cart: auto-save to server", zap.String("title", s.cart.Title), zap.Error(err))
		if s.status.Kind == StatusOK {
			s.status = Status{Kind: StatusWarning, Message: msgServerSaveFailed}
		}
	}
}
