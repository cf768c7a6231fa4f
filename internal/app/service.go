package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"decider/api/internal/cart"
	"decider/api/internal/config"
	"decider/api/internal/export"
	"decider/api/internal/search"
	"decider/api/internal/session"
	"decider/api/internal/store"
	"decider/api/internal/taxonomy"
)

// Catalog is the process-scoped taxonomy cache. *taxonomy.Catalog implements it.
type Catalog interface {
	Versions(ctx context.Context) ([]string, error)
	Load(ctx context.Context, version string) (*taxonomy.Taxonomy, error)
	Reset()
}

// AnswerSource lists the candidate items of a node.
type AnswerSource interface {
	Answers(ctx context.Context, q taxonomy.AnswerQuery) ([]taxonomy.Answer, error)
}

// Searcher is the remote search chain plus its indexers. *search.Service
// implements it.
type Searcher interface {
	search.Remote
	IndexNode(node search.Node, candidates []search.Candidate)
}

// SavedCarts is the server-side cart store. *store.PostgresStore implements it.
type SavedCarts interface {
	store.OwnerSaver
	ListCarts(ctx context.Context, owner string) ([]store.SavedCart, error)
	GetCart(ctx context.Context, owner, title string) (store.SavedCart, error)
	DeleteCart(ctx context.Context, owner, title string) error
}

type Exporter interface {
	Render(ctx context.Context, kind export.Kind, c cart.Cart) (*export.Artifact, error)
	Store(ctx context.Context, kind export.Kind, c cart.Cart) (*export.Artifact, string, error)
}

// Dependencies wires a Service. Search, SavedCarts and Exports are optional.
type Dependencies struct {
	Config     config.Config
	Catalog    Catalog
	Answers    AnswerSource
	Search     Searcher
	Sessions   *session.Factory
	SavedCarts SavedCarts
	// Saver receives auto-saves when SavedCarts is nil, e.g. the taxonomy
	// service's own cart endpoint.
	Saver   cart.Saver
	Exports Exporter
	// ReadyChecks are run by /api/ready, keyed by the name reported back.
	ReadyChecks map[string]func(context.Context) error
	Logger      *zap.Logger
}

// Service owns the per-session cart stores and search pipelines.
type Service struct {
	cfg        config.Config
	catalog    Catalog
	answers    AnswerSource
	search     Searcher
	sessions   *session.Factory
	savedCarts SavedCarts
	saver      cart.Saver
	exports    Exporter
	checks     map[string]func(context.Context) error
	logger     *zap.Logger

	mu     sync.Mutex
	states map[string]*sessionState
}

type sessionState struct {
	id     string
	prefs  *session.Prefs
	cart   *cart.Store
	logger *zap.Logger

	mu       sync.Mutex
	pipeline *search.Pipeline
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func NewService(deps Dependencies) (*Service, error) {
	if deps.Catalog == nil || deps.Answers == nil || deps.Sessions == nil {
		return nil, errors.New("app: catalog, answers and sessions are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	exports := deps.Exports
	if exports == nil {
		exports = export.NewService(nil, nil, "", logger)
	}
	return &Service{
		cfg:        deps.Config,
		catalog:    deps.Catalog,
		answers:    deps.Answers,
		search:     deps.Search,
		sessions:   deps.Sessions,
		savedCarts: deps.SavedCarts,
		saver:      deps.Saver,
		exports:    exports,
		checks:     deps.ReadyChecks,
		logger:     logger,
		states:     make(map[string]*sessionState),
	}, nil
}

// session returns the state of id, opening its storage on first use.
func (s *Service) session(ctx context.Context, id string) (*sessionState, error) {
	if id == "" {
		id = s.cfg.SessionID
	}
	if !sessionIDPattern.MatchString(id) {
		return nil, domainError(http.StatusBadRequest, "INVALID_SESSION", "Session id must be 1-64 letters, digits, '-' or '_'", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		return st, nil
	}

	logger := s.logger.With(zap.String("session", id))
	kv := s.sessions.For(id)
	prefs := session.NewPrefs(kv, logger)
	if _, err := prefs.EnsureSchema(ctx, s.cfg.SchemaVersion); err != nil {
		logger.Warn("session schema check failed", zap.Error(err))
	}
	if s.cfg.AutoSave {
		if _, err := kv.Get(ctx, session.FlagAutoSave); errors.Is(err, session.ErrNotFound) {
			_ = prefs.SetFlag(ctx, session.FlagAutoSave, true)
		}
	}

	opts := cart.Options{
		KV:         kv,
		Taxonomies: s.catalog,
		Prefs:      prefs,
		Logger:     logger,
	}
	switch {
	case s.savedCarts != nil:
		opts.Saver = store.CartSaver{Store: s.savedCarts, Owner: id}
	case s.saver != nil:
		opts.Saver = s.saver
	}
	cs, err := cart.Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open cart: %w", err)
	}
	st := &sessionState{id: id, prefs: prefs, cart: cs, logger: logger}
	s.states[id] = st
	return st, nil
}

func (s *Service) Versions(ctx context.Context) ([]string, error) {
	versions, err := s.catalog.Versions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taxonomy.ErrUnavailable, err)
	}
	return versions, nil
}

// RefreshVersions drops cached taxonomies and refetches the served versions,
// so a version the collaborator stopped serving is rejected from now on.
func (s *Service) RefreshVersions(ctx context.Context) ([]string, error) {
	s.catalog.Reset()
	return s.Versions(ctx)
}

// Ready runs every readiness check and reports failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for name, check := range s.checks {
		results[name] = check(ctx)
	}
	return results
}

// PipelineView is one accepted pipeline run plus the current page.
type PipelineView struct {
	Node    search.Node        `json:"node"`
	State   search.State       `json:"state"`
	Status  search.Status      `json:"status"`
	View    search.View        `json:"view"`
	Page    int                `json:"page"`
	Items   []search.Candidate `json:"items"`
	Applied bool               `json:"applied"`
	// Mismatch is set while the session's cart is for another version.
	Mismatch *cart.Mismatch `json:"mismatch,omitempty"`
}

func pipelineView(p *search.Pipeline, result search.Result, applied bool) PipelineView {
	page, items := p.CurrentPage()
	if items == nil {
		items = []search.Candidate{}
	}
	return PipelineView{
		Node:    p.Node(),
		State:   p.State(),
		Status:  result.Status,
		View:    result.View,
		Page:    page,
		Items:   items,
		Applied: applied,
	}
}

// OpenNode fetches the node's candidates, indexes them for remote search and
// replaces the session's pipeline. The node's version becomes the cart's
// active version, which may leave a mismatch to resolve.
func (s *Service) OpenNode(ctx context.Context, sessionID string, node search.Node) (PipelineView, error) {
	node.ID = strings.TrimSpace(node.ID)
	if node.ID == "" {
		return PipelineView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "nodeId is required", nil)
	}
	if !taxonomy.IsVersion(node.Version) {
		return PipelineView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must look like vX.Y", nil)
	}
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return PipelineView{}, err
	}

	answers, err := s.answers.Answers(ctx, taxonomy.AnswerQuery{
		Version:       node.Version,
		NodeID:        node.ID,
		TacticContext: node.TacticContext,
	})
	if err != nil {
		return PipelineView{}, fmt.Errorf("%w: %v", taxonomy.ErrUnavailable, err)
	}
	candidates := search.FromAnswers(answers)

	var remote search.Remote
	if s.search != nil {
		s.search.IndexNode(node, candidates)
		remote = s.search
	}
	p := search.NewPipeline(node, candidates, remote, st.logger)

	st.mu.Lock()
	st.pipeline = p
	st.mu.Unlock()

	if err := st.cart.SetActiveVersion(node.Version); err != nil {
		return PipelineView{}, err
	}

	result, applied := p.Run(ctx)
	view := pipelineView(p, result, applied)
	if m, ok := st.cart.Mismatch(); ok {
		view.Mismatch = &m
	}
	return view, nil
}

// PipelinePatch carries the inputs a client changed; nil fields are kept.
type PipelinePatch struct {
	Query       *string   `json:"query"`
	Platforms   *[]string `json:"platforms"`
	DataSources *[]string `json:"dataSources"`
}

func (s *Service) UpdatePipeline(ctx context.Context, sessionID string, patch PipelinePatch) (PipelineView, error) {
	p, err := s.pipeline(ctx, sessionID)
	if err != nil {
		return PipelineView{}, err
	}
	p.Update(func(state search.State) search.State {
		if patch.Query != nil {
			state = state.WithQuery(*patch.Query)
		}
		if patch.Platforms != nil {
			state = state.WithPlatforms(*patch.Platforms)
		}
		if patch.DataSources != nil {
			state = state.WithDataSources(*patch.DataSources)
		}
		return state
	})
	result, applied := p.Run(ctx)
	if !applied {
		// a newer update finished first; report what the session now shows
		result = p.Latest()
	}
	return pipelineView(p, result, applied), nil
}

func (s *Service) PipelinePage(ctx context.Context, sessionID string, n int) ([]search.Candidate, error) {
	p, err := s.pipeline(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return p.Page(n)
}

func (s *Service) pipeline(ctx context.Context, sessionID string) (*search.Pipeline, error) {
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.pipeline == nil {
		return nil, domainError(http.StatusConflict, "NO_NODE", "Open a node before searching", nil)
	}
	return st.pipeline, nil
}

// CartView is the cart as a client renders it.
type CartView struct {
	Cart          cart.Cart      `json:"cart"`
	Status        cart.Status    `json:"status"`
	Locked        bool           `json:"locked"`
	ActiveVersion string         `json:"activeVersion"`
	Mismatch      *cart.Mismatch `json:"mismatch,omitempty"`
}

func cartView(cs *cart.Store) CartView {
	c := cs.Snapshot()
	if c.Entries == nil {
		c.Entries = []cart.Entry{}
	}
	v := CartView{
		Cart:          c,
		Status:        cs.Status(),
		Locked:        cs.Locked(),
		ActiveVersion: cs.ActiveVersion(),
	}
	if m, ok := cs.Mismatch(); ok {
		v.Mismatch = &m
	}
	return v
}

func (s *Service) Cart(ctx context.Context, sessionID string) (CartView, error) {
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return CartView{}, err
	}
	return cartView(st.cart), nil
}

type AddEntryInput struct {
	Version     string `json:"version"`
	TechniqueID string `json:"techniqueId"`
	TacticID    string `json:"tacticId"`
	Notes       string `json:"notes"`
}

// AddEntry derives the display names from the taxonomy of the entry's
// version before handing it to the cart.
func (s *Service) AddEntry(ctx context.Context, sessionID string, in AddEntryInput) (cart.Entry, CartView, error) {
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return cart.Entry{}, CartView{}, err
	}
	e := cart.Entry{TechniqueID: in.TechniqueID, TacticID: in.TacticID, Notes: in.Notes}
	pair := e.Pair()
	if taxonomy.IsVersion(in.Version) && taxonomy.IsTechniqueID(pair.TechniqueID) && taxonomy.IsTacticID(pair.TacticID) {
		tax, err := s.catalog.Load(ctx, in.Version)
		if err != nil {
			return cart.Entry{}, cartView(st.cart), err
		}
		if !tax.HasPair(pair) {
			return cart.Entry{}, cartView(st.cart), &cart.UnknownPairsError{Version: in.Version, Pairs: []taxonomy.Pair{pair}}
		}
		e.TechniqueName, _ = tax.TechniqueName(pair.TechniqueID)
		e.TacticName, _ = tax.TacticName(pair.TacticID)
	}
	added, err := st.cart.AddEntry(ctx, in.Version, e)
	return added, cartView(st.cart), err
}

// mutate runs fn against the session's cart and returns the resulting view.
func (s *Service) mutate(ctx context.Context, sessionID string, fn func(*cart.Store) error) (CartView, error) {
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return CartView{}, err
	}
	err = fn(st.cart)
	return cartView(st.cart), err
}

func (s *Service) RemoveEntry(ctx context.Context, sessionID, key string) (CartView, error) {
	return s.mutate(ctx, sessionID, func(cs *cart.Store) error { return cs.RemoveEntry(ctx, key) })
}

func (s *Service) UpdateNotes(ctx context.Context, sessionID, key, notes string) (CartView, error) {
	return s.mutate(ctx, sessionID, func(cs *cart.Store) error { return cs.UpdateNotes(ctx, key, notes) })
}

func (s *Service) Rename(ctx context.Context, sessionID, title string) (CartView, error) {
	return s.mutate(ctx, sessionID, func(cs *cart.Store) error { return cs.Rename(ctx, title) })
}

func (s *Service) ClearCart(ctx context.Context, sessionID string) (CartView, error) {
	return s.mutate(ctx, sessionID, func(cs *cart.Store) error {
		cs.Clear(ctx)
		return nil
	})
}

func (s *Service) ImportCart(ctx context.Context, sessionID string, payload []byte) (CartView, error) {
	return s.mutate(ctx, sessionID, func(cs *cart.Store) error { return cs.Import(ctx, payload) })
}

func (s *Service) Resolve(ctx context.Context, sessionID string, choice cart.Choice) (CartView, error) {
	return s.mutate(ctx, sessionID, func(cs *cart.Store) error { return cs.Resolve(ctx, choice) })
}

func (s *Service) SyncCart(ctx context.Context, sessionID string) (CartView, error) {
	return s.mutate(ctx, sessionID, func(cs *cart.Store) error {
		cs.Sync(ctx)
		return nil
	})
}

func (s *Service) SetActiveVersion(ctx context.Context, sessionID, version string) (CartView, error) {
	return s.mutate(ctx, sessionID, func(cs *cart.Store) error { return cs.SetActiveVersion(version) })
}

func (s *Service) ExportCart(ctx context.Context, sessionID string, shape cart.Shape) ([]byte, error) {
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return st.cart.Export(shape)
}

// Export renders an artifact of the session's cart. With persist set the
// artifact goes to the configured sink and its location is returned.
func (s *Service) Export(ctx context.Context, sessionID string, kind export.Kind, persist bool) (*export.Artifact, string, error) {
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	c := st.cart.Snapshot()
	if persist {
		return s.exports.Store(ctx, kind, c)
	}
	a, err := s.exports.Render(ctx, kind, c)
	return a, "", err
}

func (s *Service) Pref(ctx context.Context, sessionID, key string) (bool, error) {
	if !session.IsFlag(key) {
		return false, session.ErrUnknownFlag
	}
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if what, ok := session.SeenTopic(key); ok {
		return st.prefs.HasSeen(ctx, what), nil
	}
	return st.prefs.Flag(ctx, key), nil
}

// SetPref writes a flag. The version lock mirrors the cart and is not
// client-writable; has-seen flags can be set but not unset.
func (s *Service) SetPref(ctx context.Context, sessionID, key string, value bool) error {
	if key == session.FlagVersionLocked {
		return domainError(http.StatusConflict, "READ_ONLY_FLAG", "The version lock follows the cart", nil)
	}
	what, seen := session.SeenTopic(key)
	if seen && !value {
		return domainError(http.StatusConflict, "READ_ONLY_FLAG", "A has-seen flag cannot be unset", nil)
	}
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if seen {
		return st.prefs.MarkSeen(ctx, what)
	}
	return st.prefs.SetFlag(ctx, key, value)
}

var errNoSavedCarts = domainError(http.StatusNotImplemented, "SAVED_CARTS_DISABLED", "No server-side cart store is configured", nil)

func (s *Service) ListSavedCarts(ctx context.Context, sessionID string) ([]store.SavedCart, error) {
	if s.savedCarts == nil {
		return nil, errNoSavedCarts
	}
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.savedCarts.ListCarts(ctx, st.id)
}

// SaveCart stores the current cart on the server under its title.
func (s *Service) SaveCart(ctx context.Context, sessionID string) error {
	if s.savedCarts == nil {
		return errNoSavedCarts
	}
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	c := st.cart.Snapshot()
	if c.Empty() {
		return cart.ErrEmptyCart
	}
	snapshot, err := json.Marshal(c.ToStorage())
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	return s.savedCarts.SaveCart(ctx, st.id, c.Title, snapshot)
}

// LoadSavedCart imports a server-side cart, validating it like a file.
func (s *Service) LoadSavedCart(ctx context.Context, sessionID, title string) (CartView, error) {
	if s.savedCarts == nil {
		return CartView{}, errNoSavedCarts
	}
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return CartView{}, err
	}
	saved, err := s.savedCarts.GetCart(ctx, st.id, title)
	if err != nil {
		return cartView(st.cart), err
	}
	err = st.cart.Import(ctx, saved.Snapshot)
	return cartView(st.cart), err
}

func (s *Service) DeleteSavedCart(ctx context.Context, sessionID, title string) error {
	if s.savedCarts == nil {
		return errNoSavedCarts
	}
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.savedCarts.DeleteCart(ctx, st.id, title)
}
