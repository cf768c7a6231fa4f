package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"decider/api/internal/taxonomy"
	"go.uber.org/zap"
)

var ErrNoSearcher = errors.New("no remote searcher available")

// Indexer can push a node's candidates into a search index.
type Indexer interface {
	IndexCandidates(ctx context.Context, node Node, candidates []Candidate) error
}

// Service is the facade that tries Meilisearch first, then any other indexer
// that can also search, and finally the fallback (the taxonomy service). An
// index is only asked about a node once that node's candidates are in it.
type Service struct {
	meili    *Meili
	fallback Remote
	indexers []Indexer
	logger   *zap.Logger

	mu    sync.Mutex
	ready map[Indexer]map[string]bool

	wg sync.WaitGroup
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured; indexers receive every opened node's candidates.
func NewService(meili *Meili, fallback Remote, logger *zap.Logger, indexers ...Indexer) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{meili: meili, fallback: fallback, logger: logger, ready: make(map[Indexer]map[string]bool)}
	if meili != nil {
		s.indexers = append(s.indexers, meili)
	}
	s.indexers = append(s.indexers, indexers...)
	return s
}

func nodeKey(version, nodeID, tacticContext string) string {
	return version + "/" + nodeID + "/" + tacticContext
}

func (s *Service) isReady(indexer Indexer, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready[indexer][key]
}

func (s *Service) markReady(indexer Indexer, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready[indexer] == nil {
		s.ready[indexer] = make(map[string]bool)
	}
	s.ready[indexer][key] = true
}

// Search asks, in order, Meilisearch if healthy, the searching indexers and
// the fallback. Indexes that have not finished taking the node are skipped.
func (s *Service) Search(ctx context.Context, req taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
	key := nodeKey(req.Version, req.NodeID, req.TacticContext)
	for _, indexer := range s.indexers {
		remote, ok := indexer.(Remote)
		if !ok || !s.isReady(indexer, key) {
			continue
		}
		if m, isMeili := indexer.(*Meili); isMeili && !m.Healthy() {
			continue
		}
		resp, err := remote.Search(ctx, req)
		if err == nil {
			return resp, nil
		}
		s.logger.Warn("search: index error, falling back", zap.String("node", req.NodeID), zap.Error(err))
	}
	if s.fallback == nil {
		return taxonomy.SearchResponse{}, ErrNoSearcher
	}
	return s.fallback.Search(ctx, req)
}

// IndexNode pushes candidates to every indexer (fire-and-forget). An indexer
// serves the node once its write returns without error.
func (s *Service) IndexNode(node Node, candidates []Candidate) {
	if node.IsRoot() || len(candidates) == 0 {
		return
	}
	key := nodeKey(node.Version, node.ID, node.TacticContext)
	for _, indexer := range s.indexers {
		if m, ok := indexer.(*Meili); ok && !m.Healthy() {
			continue
		}
		if s.isReady(indexer, key) {
			continue
		}
		s.wg.Add(1)
		go func(indexer Indexer) {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := indexer.IndexCandidates(ctx, node, candidates); err != nil {
				s.logger.Warn("search: index node",
					zap.String("node", node.ID),
					zap.String("version", node.Version),
					zap.Error(err),
				)
				return
			}
			s.markReady(indexer, key)
		}(indexer)
	}
}

// Close waits for pending index writes.
func (s *Service) Close() {
	s.wg.Wait()
}
