package search

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"decider/api/internal/taxonomy"
	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxCandidates = "decider_candidates"

// HealthInterval is how often Meilisearch reachability is re-checked.
var HealthInterval = 10 * time.Second

var (
	markedTerm   = regexp.MustCompile(`(?s)<mark>(.*?)</mark>`)
	unsafeIDRune = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// CandidateRecord is the data we index for one candidate of a node.
type CandidateRecord struct {
	ID          string   `json:"id"`
	CandidateID string   `json:"candidateId"`
	Version     string   `json:"version"`
	NodeID      string   `json:"nodeId"`
	Label       string   `json:"label"`
	ContentText string   `json:"contentText"`
	Path        string   `json:"path"`
	Platforms   []string `json:"platforms"`
	DataSources []string `json:"dataSources"`
}

func recordsFor(node Node, candidates []Candidate) []CandidateRecord {
	records := make([]CandidateRecord, 0, len(candidates))
	for _, c := range candidates {
		records = append(records, CandidateRecord{
			ID:          unsafeIDRune.ReplaceAllString(node.Version+"_"+node.ID+"_"+c.ID, "-"),
			CandidateID: c.ID,
			Version:     node.Version,
			NodeID:      node.ID,
			Label:       c.Label,
			ContentText: c.ContentText,
			Path:        c.Path,
			Platforms:   nonNilStrings(c.Platforms),
			DataSources: nonNilStrings(c.DataSources),
		})
	}
	return records
}

// Meili implements Remote and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewMeili creates a Meilisearch client and configures the candidate index.
// An unreachable server is not fatal: the client reports unhealthy until the
// health loop sees it recover.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
		logger: logger,
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	m.wg.Add(1)
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxCandidates,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("search: create index (may already exist)", zap.String("index", idxCandidates), zap.Error(err))
	}

	index := m.client.Index(idxCandidates)
	filterable := []interface{}{"version", "nodeId", "platforms", "dataSources"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("search: update filterable attrs", zap.String("index", idxCandidates), zap.Error(err))
	}
	searchable := []string{"label", "contentText", "path"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("search: update searchable attrs", zap.String("index", idxCandidates), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
	m.wg.Wait()
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the candidate index scoped to the request's version and node.
func (m *Meili) Search(ctx context.Context, req taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
	if !m.healthy.Load() {
		return taxonomy.SearchResponse{}, fmt.Errorf("meilisearch unhealthy")
	}
	if strings.TrimSpace(req.Query) == "" {
		return taxonomy.SearchResponse{Status: "Search is empty"}, nil
	}

	filters := []string{
		fmt.Sprintf("version = %q", req.Version),
		fmt.Sprintf("nodeId = %q", req.NodeID),
	}
	if len(req.Platforms) > 0 {
		filters = append(filters, "platforms IN "+quotedList(req.Platforms))
	}
	if len(req.DataSources) > 0 {
		filters = append(filters, "dataSources IN "+quotedList(req.DataSources))
	}

	if err := ctx.Err(); err != nil {
		return taxonomy.SearchResponse{}, err
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxCandidates,
			Query:                 req.Query,
			Limit:                 1000,
			AttributesToHighlight: []string{"label", "contentText", "path"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
			Filter:                filters,
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return taxonomy.SearchResponse{}, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	results := make(map[string]taxonomy.SearchMatch)
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			id := decodeString(hit, "candidateId")
			if id == "" {
				continue
			}
			results[id] = hitToMatch(hit)
		}
	}
	return taxonomy.SearchResponse{Status: "", Results: results}, nil
}

func hitToMatch(hit meili.Hit) taxonomy.SearchMatch {
	formatted := decodeFormatted(hit)
	var score float64
	if raw, ok := hit["_rankingScore"]; ok {
		_ = json.Unmarshal(raw, &score)
	}
	return taxonomy.SearchMatch{
		Score:             score,
		DisplayMatches:    extractMarked(formatted["label"], formatted["contentText"]),
		AdditionalMatches: extractMarked(formatted["path"]),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// decodeFormatted keeps the string-valued entries of _formatted.
func decodeFormatted(hit meili.Hit) map[string]string {
	raw, ok := hit["_formatted"]
	if !ok {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for key, value := range fields {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			out[key] = s
		}
	}
	return out
}

// extractMarked returns the distinct lowercased terms wrapped in <mark>.
func extractMarked(texts ...string) []string {
	var terms []string
	seen := map[string]bool{}
	for _, text := range texts {
		for _, m := range markedTerm.FindAllStringSubmatch(text, -1) {
			term := strings.ToLower(strings.TrimSpace(m[1]))
			if term == "" || seen[term] {
				continue
			}
			seen[term] = true
			terms = append(terms, term)
		}
	}
	return terms
}

// TaskPollInterval is how often an enqueued document write is polled.
var TaskPollInterval = 50 * time.Millisecond

// IndexCandidates adds or replaces every record of a node and returns once
// Meilisearch has applied the write.
func (m *Meili) IndexCandidates(ctx context.Context, node Node, candidates []Candidate) error {
	records := recordsFor(node, candidates)
	if len(records) == 0 {
		return nil
	}
	index := m.client.Index(idxCandidates)
	info, err := index.AddDocumentsWithContext(ctx, records, nil)
	if err != nil {
		return err
	}
	task, err := index.WaitForTaskWithContext(ctx, info.TaskUID, TaskPollInterval)
	if err != nil {
		return fmt.Errorf("wait for task %d: %w", info.TaskUID, err)
	}
	if task.Status != meili.TaskStatusSucceeded {
		return fmt.Errorf("task %d ended %s", info.TaskUID, task.Status)
	}
	return nil
}

func quotedList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
