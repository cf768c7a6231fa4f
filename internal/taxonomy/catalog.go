package taxonomy

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Taxonomy is the resolved tactic/technique tree of one version.
type Taxonomy struct {
	Version string
	Tactics []Tactic

	tacticNames    map[string]string
	techniqueNames map[string]string
	pairs          map[Pair]struct{}
}

func NewTaxonomy(version string, tactics []Tactic) *Taxonomy {
	t := &Taxonomy{
		Version:        version,
		Tactics:        tactics,
		tacticNames:    make(map[string]string, len(tactics)),
		techniqueNames: make(map[string]string),
		pairs:          make(map[Pair]struct{}),
	}
	for _, tactic := range tactics {
		t.tacticNames[tactic.ID] = tactic.Name
		for _, tech := range tactic.Techniques {
			t.techniqueNames[tech.ID] = tech.Name
			t.pairs[Pair{TechniqueID: tech.ID, TacticID: tactic.ID}] = struct{}{}
		}
	}
	return t
}

// HasPair reports whether the technique is listed under the tactic.
func (t *Taxonomy) HasPair(p Pair) bool {
	_, ok := t.pairs[p]
	return ok
}

func (t *Taxonomy) TacticName(id string) (string, bool) {
	name, ok := t.tacticNames[id]
	return name, ok
}

// TechniqueName returns the display name; sub-techniques are prefixed with
// their parent ("Base: Sub") when the parent is known.
func (t *Taxonomy) TechniqueName(id string) (string, bool) {
	name, ok := t.techniqueNames[id]
	if !ok {
		return "", false
	}
	if IsSubtechnique(id) {
		if base, ok := t.techniqueNames[BaseTechniqueID(id)]; ok {
			return base + ": " + name, true
		}
	}
	return name, true
}

// FetchTimeout bounds one shared collaborator fetch. The fetch does not end
// with the request that started it, since later callers may have joined it.
var FetchTimeout = 30 * time.Second

// Catalog caches served versions and loaded taxonomies for the process.
// Values older than TTL are fetched again; Reset drops them at once.
type Catalog struct {
	source Source
	logger *zap.Logger
	// TTL of cached values; zero keeps them until Reset.
	TTL time.Duration
	now func() time.Time

	mu        sync.RWMutex
	versions  []string
	byVersion map[string]*Taxonomy
	loadedAt  time.Time
	group     singleflight.Group
}

func NewCatalog(source Source, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		source:    source,
		logger:    logger,
		now:       time.Now,
		byVersion: make(map[string]*Taxonomy),
	}
}

// expire drops cached values older than TTL.
func (c *Catalog) expire() {
	if c.TTL <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadedAt.IsZero() || c.now().Sub(c.loadedAt) < c.TTL {
		return
	}
	c.versions = nil
	c.byVersion = make(map[string]*Taxonomy)
	c.loadedAt = time.Time{}
	c.logger.Debug("taxonomy cache expired")
}

// shared runs fetch once for every concurrent caller of key. A caller whose
// ctx ends stops waiting; the fetch goes on for the others.
func (c *Catalog) shared(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FetchTimeout)
		defer cancel()
		return fetch(fctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Versions returns the served version tags, fetching them once per TTL.
func (c *Catalog) Versions(ctx context.Context) ([]string, error) {
	c.expire()
	c.mu.RLock()
	cached := c.versions
	c.mu.RUnlock()
	if cached != nil {
		return slices.Clone(cached), nil
	}

	v, err := c.shared(ctx, "versions", func(ctx context.Context) (any, error) {
		versions, err := c.source.Versions(ctx)
		if err != nil {
			return nil, err
		}
		if versions == nil {
			versions = []string{}
		}
		c.mu.Lock()
		c.versions = versions
		if c.loadedAt.IsZero() {
			c.loadedAt = c.now()
		}
		c.mu.Unlock()
		return versions, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]string)), nil
}

// Served reports whether version is currently offered.
func (c *Catalog) Served(ctx context.Context, version string) (bool, error) {
	versions, err := c.Versions(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(versions, version), nil
}

// Load resolves the taxonomy of version. The served-version check always
// decides first: an unserved version yields *UnsupportedVersionError even if
// the tactics fetch also failed.
func (c *Catalog) Load(ctx context.Context, version string) (*Taxonomy, error) {
	c.expire()
	c.mu.RLock()
	cached, ok := c.byVersion[version]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err := c.shared(ctx, "tactics:"+version, func(ctx context.Context) (any, error) {
		var (
			versions []string
			tactics  []Tactic
			tactErr  error
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			fetched, err := c.Versions(gctx)
			versions = fetched
			return err
		})
		g.Go(func() error {
			// recorded, not returned, so a failure here cannot mask the version check
			tactics, tactErr = c.source.Tactics(gctx, version)
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if !slices.Contains(versions, version) {
			return nil, &UnsupportedVersionError{Version: version, Served: versions}
		}
		if tactErr != nil {
			return nil, tactErr
		}

		tax := NewTaxonomy(version, tactics)
		c.mu.Lock()
		c.byVersion[version] = tax
		c.mu.Unlock()
		c.logger.Debug("taxonomy loaded", zap.String("version", version), zap.Int("tactics", len(tactics)))
		return tax, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load taxonomy %s: %w", version, err)
	}
	return v.(*Taxonomy), nil
}

// Reset drops every cached value.
func (c *Catalog) Reset() {
	c.mu.Lock()
	c.versions = nil
	c.byVersion = make(map[string]*Taxonomy)
	c.loadedAt = time.Time{}
	c.mu.Unlock()
	c.logger.Info("taxonomy cache reset")
}
