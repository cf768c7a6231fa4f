// Package search turns a node's candidate list into the ordered, highlighted,
// paginated view shown to the user. Each run is filter, then search (local
// index on the root node, the remote service elsewhere), then highlight,
// then paginate.
package search

import (
	"slices"
	"strings"

	"decider/api/internal/taxonomy"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Node is the taxonomy position whose candidates are listed.
type Node struct {
	ID            string `json:"nodeId"`
	Version       string `json:"version"`
	TacticContext string `json:"tacticContext,omitempty"`
}

func (n Node) IsRoot() bool {
	return n.ID == taxonomy.RootNode
}

// Matches are the spans a search stage attached to a candidate.
type Matches struct {
	Display    []string `json:"display"`
	Additional []string `json:"additional,omitempty"`
}

// Candidate is one selectable answer at a node. Identity fields never change
// after FromAnswers; Score, Matches and the highlight fields are per run.
type Candidate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Label       string   `json:"label"`
	Content     string   `json:"-"`
	ContentText string   `json:"-"`
	URL         string   `json:"url,omitempty"`
	Path        string   `json:"path,omitempty"`
	Platforms   []string `json:"platforms,omitempty"`
	DataSources []string `json:"dataSources,omitempty"`
	Children    int      `json:"children"`

	Score   float64  `json:"score"`
	Matches *Matches `json:"matches,omitempty"`

	LabelHTML   string `json:"labelHtml"`
	ContentHTML string `json:"contentHtml"`
	AlsoMatched string `json:"alsoMatched,omitempty"`
}

// FromAnswers converts a fetched answer list, assigning the default
// -originalIndex score so an unsearched list keeps its delivered order.
func FromAnswers(answers []taxonomy.Answer) []Candidate {
	candidates := make([]Candidate, 0, len(answers))
	for i, answer := range answers {
		candidates = append(candidates, Candidate{
			ID:          answer.ID,
			Name:        answer.Name,
			Label:       answer.Name + " (" + answer.ID + ")",
			Content:     answer.Content,
			ContentText: ContentText(answer.Content),
			URL:         answer.URL,
			Path:        answer.Path,
			Platforms:   slices.Clone(answer.Platforms),
			DataSources: slices.Clone(answer.DataSources),
			Children:    answer.Children,
			Score:       defaultScore(i),
		})
	}
	return candidates
}

func defaultScore(index int) float64 {
	return -float64(index)
}

// ContentText extracts the visible text of an HTML fragment, one space
// between text nodes.
func ContentText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), bodyContext())
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				parts = append(parts, strings.Fields(text)...)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}

func bodyContext() *html.Node {
	return &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
}
