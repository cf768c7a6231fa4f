package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"decider/api/internal/taxonomy"
)

// PgFTS implements Remote and Indexer using PostgreSQL full-text search over
// the candidates table.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

const headlineOpts = "StartSel=<mark>,StopSel=</mark>,HighlightAll=true"

// Search ranks the node's candidates with plainto_tsquery and ts_rank; ts_headline
// marks the matched words.
func (p *PgFTS) Search(ctx context.Context, req taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return taxonomy.SearchResponse{Status: "Search is empty"}, nil
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{req.Query, req.Version, req.NodeID}
	where := []string{"c.version = $2", "c.node_id = $3", "c.fts @@ " + tsQuery}
	if len(req.Platforms) > 0 {
		args = append(args, req.Platforms)
		where = append(where, fmt.Sprintf("c.platforms && $%d", len(args)))
	}
	if len(req.DataSources) > 0 {
		args = append(args, req.DataSources)
		where = append(where, fmt.Sprintf("c.data_sources && $%d", len(args)))
	}

	query := fmt.Sprintf(`
		SELECT c.candidate_id,
			ts_rank(c.fts, %[1]s) AS rank,
			ts_headline('english', c.label || ' ' || c.content_text, %[1]s, '%[2]s') AS display,
			ts_headline('english', coalesce(c.path, ''), %[1]s, '%[2]s') AS additional
		FROM candidates c
		WHERE %[3]s
		ORDER BY rank DESC`, tsQuery, headlineOpts, strings.Join(where, " AND "))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return taxonomy.SearchResponse{}, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make(map[string]taxonomy.SearchMatch)
	for rows.Next() {
		var (
			id                  string
			rank                float64
			display, additional string
		)
		if err := rows.Scan(&id, &rank, &display, &additional); err != nil {
			return taxonomy.SearchResponse{}, fmt.Errorf("pgfts scan: %w", err)
		}
		results[id] = taxonomy.SearchMatch{
			Score:             rank,
			DisplayMatches:    extractMarked(display),
			AdditionalMatches: extractMarked(additional),
		}
	}
	if err := rows.Err(); err != nil {
		return taxonomy.SearchResponse{}, fmt.Errorf("pgfts rows: %w", err)
	}
	return taxonomy.SearchResponse{Status: "", Results: results}, nil
}

// IndexCandidates replaces the stored candidates of a node in one transaction.
func (p *PgFTS) IndexCandidates(ctx context.Context, node Node, candidates []Candidate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE version = $1 AND node_id = $2`, node.Version, node.ID); err != nil {
		return fmt.Errorf("clear node %s: %w", node.ID, err)
	}
	for _, c := range candidates {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO candidates (version, node_id, candidate_id, label, content_text, path, platforms, data_sources)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			node.Version, node.ID, c.ID, c.Label, c.ContentText, c.Path,
			nonNilStrings(c.Platforms), nonNilStrings(c.DataSources),
		); err != nil {
			return fmt.Errorf("insert candidate %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index tx: %w", err)
	}
	return nil
}
