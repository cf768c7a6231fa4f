package search

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"decider/api/internal/taxonomy"
	"go.uber.org/zap"
)

// Remote is a full-text searcher scoped to a node.
type Remote interface {
	Search(ctx context.Context, req taxonomy.SearchRequest) (taxonomy.SearchResponse, error)
}

// Input is everything one run depends on. Candidates are never modified.
type Input struct {
	Node       Node
	Candidates []Candidate
	State      State
	// Index is used on the root node; built on demand when nil.
	Index  *Index
	Remote Remote
	Logger *zap.Logger
}

// Result is the output of one run.
type Result struct {
	Status Status `json:"status"`
	View   View   `json:"view"`
}

// Compute runs filter, search, highlight and paginate. Equal inputs give
// equal results; remote failures are folded into Status.
func Compute(ctx context.Context, in Input) Result {
	logger := in.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	list := Filter(in.Candidates, in.State.Platforms, in.State.DataSources)
	for i := range list {
		list[i].Matches = nil
	}

	var status Status
	query := strings.TrimSpace(in.State.Query)
	switch {
	case parseQuery(query).empty():
		status = idleStatus()
	case queryTooLong(query):
		status = tooLongStatus()
	case in.Node.IsRoot():
		index := in.Index
		if index == nil {
			index = NewIndex(in.Candidates)
		}
		list, status = searchLocal(list, index, query)
	default:
		status = searchRemote(ctx, list, in, query, logger)
	}

	// stable: unmatched items keep their default relative order
	slices.SortStableFunc(list, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	return Result{
		Status: status,
		View:   Paginate(Highlight(list), in.Node.IsRoot()),
	}
}

func searchLocal(list []Candidate, index *Index, query string) ([]Candidate, Status) {
	q := parseQuery(query)
	var hits map[string]Hit
	if q.Positive != "" {
		hits = index.Search(q.Positive)
	}

	kept := list[:0]
	matched := 0
	for _, c := range list {
		if q.excluded(c) {
			continue
		}
		if hit, ok := hits[c.ID]; ok {
			c.Score = hit.Score
			c.Matches = &Matches{Display: slices.Clone(hit.Terms)}
			matched++
		}
		kept = append(kept, c)
	}

	switch {
	case matched > 0:
		return kept, matchedStatus()
	case q.Positive == "" && len(kept) > 0:
		// only exclusions were asked for
		return kept, matchedStatus()
	default:
		return kept, noMatchStatus()
	}
}

func searchRemote(ctx context.Context, list []Candidate, in Input, query string, logger *zap.Logger) Status {
	if in.Remote == nil {
		logger.Warn("search: no remote searcher configured", zap.String("node", in.Node.ID))
		return failedStatus()
	}
	resp, err := in.Remote.Search(ctx, taxonomy.SearchRequest{
		Version:       in.Node.Version,
		NodeID:        in.Node.ID,
		TacticContext: in.Node.TacticContext,
		Query:         query,
		Platforms:     in.State.Platforms,
		DataSources:   in.State.DataSources,
	})
	if err != nil {
		logger.Warn("search: remote search failed, keeping default order",
			zap.String("node", in.Node.ID),
			zap.Error(err),
		)
		return failedStatus()
	}
	if resp.Results == nil {
		return rejectedStatus(resp.Status)
	}

	matched := 0
	for i := range list {
		// the node's own card is never ranked against its children
		if list[i].ID == in.Node.ID {
			continue
		}
		match, ok := resp.Results[list[i].ID]
		if !ok {
			continue
		}
		list[i].Score = match.Score
		list[i].Matches = &Matches{
			Display:    slices.Clone(match.DisplayMatches),
			Additional: slices.Clone(match.AdditionalMatches),
		}
		matched++
	}
	if matched == 0 {
		return noMatchStatus()
	}
	return matchedStatus()
}

// Pipeline owns the candidates of one node and the latest accepted result.
// Every Update bumps a generation; a Run whose generation was superseded
// while it was in flight is discarded.
type Pipeline struct {
	node       Node
	candidates []Candidate
	index      *Index
	remote     Remote
	logger     *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	latest     Result
}

func NewPipeline(node Node, candidates []Candidate, remote Remote, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		node:       node,
		candidates: slices.Clone(candidates),
		remote:     remote,
		logger:     logger,
		state:      NewState(),
	}
	if node.IsRoot() {
		p.index = NewIndex(p.candidates)
	}
	// empty query never reaches the remote searcher
	p.latest = Compute(context.Background(), p.input(p.state))
	return p
}

func (p *Pipeline) Node() Node { return p.node }

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// Update applies fn to the current state and returns the new generation.
func (p *Pipeline) Update(fn func(State) State) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = fn(p.state)
	p.generation++
	return p.generation
}

// Run computes the current state. applied is false when a newer Update
// happened before the computation finished.
func (p *Pipeline) Run(ctx context.Context) (Result, bool) {
	p.mu.Lock()
	state := p.state.clone()
	gen := p.generation
	p.mu.Unlock()

	result := Compute(ctx, p.input(state))

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		p.logger.Debug("search: discarding stale result",
			zap.Uint64("generation", gen),
			zap.Uint64("current", p.generation),
		)
		return result, false
	}
	p.latest = result
	return result, true
}

func (p *Pipeline) Latest() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Page slices the latest view and records the page in the state.
func (p *Pipeline) Page(n int) ([]Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	items, err := p.latest.View.Page(n)
	if err != nil {
		return nil, err
	}
	p.state = p.state.WithPage(n)
	return items, nil
}

// CurrentPage returns the page the state points at, falling back to the
// first page when the latest view has fewer pages.
func (p *Pipeline) CurrentPage() (int, []Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := p.state.Page
	items, err := p.latest.View.Page(page)
	if errors.Is(err, ErrPageOutOfRange) {
		page = 1
		items, _ = p.latest.View.Page(1)
	}
	return page, items
}

func (p *Pipeline) input(state State) Input {
	return Input{
		Node:       p.node,
		Candidates: p.candidates,
		State:      state,
		Index:      p.index,
		Remote:     p.remote,
		Logger:     p.logger,
	}
}
