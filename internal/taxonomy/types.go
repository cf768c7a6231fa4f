package taxonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable wraps transport and server failures of the collaborator.
	ErrUnavailable = errors.New("taxonomy service unavailable")
)

// UnsupportedVersionError is returned when a version is not currently served.
type UnsupportedVersionError struct {
	Version string
	Served  []string
}

func (e *UnsupportedVersionError) Error() string {
	if len(e.Served) == 0 {
		return fmt.Sprintf("version %s is not supported by this server", e.Version)
	}
	return fmt.Sprintf("version %s is not supported by this server (served: %s)", e.Version, strings.Join(e.Served, ", "))
}

type Technique struct {
	ID   string `json:"techniqueId"`
	Name string `json:"techniqueName"`
	URL  string `json:"url,omitempty"`
}

type Tactic struct {
	ID         string      `json:"tacticId"`
	Name       string      `json:"tacticName"`
	URL        string      `json:"url,omitempty"`
	Techniques []Technique `json:"techniques"`
}

// Answer is a candidate item as delivered for a node; Content is pre-rendered HTML.
type Answer struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	URL         string   `json:"url"`
	Path        string   `json:"path"`
	Platforms   []string `json:"platforms"`
	DataSources []string `json:"dataSources"`
	Children    int      `json:"num"`
}

// AnswerQuery selects the candidate list of one node.
type AnswerQuery struct {
	Version       string
	NodeID        string
	TacticContext string
}

// SearchRequest is a remote full-text query scoped to a node.
type SearchRequest struct {
	Version       string
	NodeID        string
	TacticContext string
	Query         string
	Platforms     []string
	DataSources   []string
}

type SearchMatch struct {
	Score             float64  `json:"score"`
	DisplayMatches    []string `json:"displayMatches"`
	AdditionalMatches []string `json:"additionalMatches"`
}

// SearchResponse carries per-item matches. A nil Results means the query was
// rejected and Status explains why.
type SearchResponse struct {
	Status  string                 `json:"status"`
	Results map[string]SearchMatch `json:"results,omitempty"`
}

type SortedTechnique struct {
	ID   string
	Name string
	URL  string
}

// SortedTactic is one group of the report layout.
type SortedTactic struct {
	ID         string
	Name       string
	URL        string
	Techniques []SortedTechnique
}

// UnmarshalJSON decodes the positional [id, name, url, [[id, name, url], ...]] form.
func (s *SortedTactic) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sorted tactic: %w", err)
	}
	if len(raw) != 4 {
		return fmt.Errorf("sorted tactic: expected 4 fields, got %d", len(raw))
	}
	for i, target := range []*string{&s.ID, &s.Name, &s.URL} {
		if err := json.Unmarshal(raw[i], target); err != nil {
			return fmt.Errorf("sorted tactic field %d: %w", i, err)
		}
	}
	var techniques [][]string
	if err := json.Unmarshal(raw[3], &techniques); err != nil {
		return fmt.Errorf("sorted tactic techniques: %w", err)
	}
	s.Techniques = make([]SortedTechnique, 0, len(techniques))
	for _, tech := range techniques {
		if len(tech) != 3 {
			return fmt.Errorf("sorted technique: expected 3 fields, got %d", len(tech))
		}
		s.Techniques = append(s.Techniques, SortedTechnique{ID: tech[0], Name: tech[1], URL: tech[2]})
	}
	return nil
}

func (s SortedTactic) MarshalJSON() ([]byte, error) {
	techniques := make([][]string, 0, len(s.Techniques))
	for _, tech := range s.Techniques {
		techniques = append(techniques, []string{tech.ID, tech.Name, tech.URL})
	}
	return json.Marshal([]any{s.ID, s.Name, s.URL, techniques})
}

// Source is the part of the collaborator the catalog needs.
type Source interface {
	Versions(ctx context.Context) ([]string, error)
	Tactics(ctx context.Context, version string) ([]Tactic, error)
}

// Collaborator is the full taxonomy/search service contract.
type Collaborator interface {
	Source
	Answers(ctx context.Context, q AnswerQuery) ([]Answer, error)
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
	SortCart(ctx context.Context, version string, pairs []Pair) ([]SortedTactic, error)
}
