package search

import (
	"slices"
	"strings"
)

// State is the full set of user inputs for one run. Every setter returns a
// copy with Page reset to 1.
type State struct {
	Query       string   `json:"query"`
	Platforms   []string `json:"platforms"`
	DataSources []string `json:"dataSources"`
	Page        int      `json:"page"`
}

func NewState() State {
	return State{Page: 1}
}

func (s State) WithQuery(query string) State {
	s = s.clone()
	s.Query = query
	s.Page = 1
	return s
}

func (s State) WithPlatforms(platforms []string) State {
	s = s.clone()
	s.Platforms = normalizeSet(platforms)
	s.Page = 1
	return s
}

func (s State) WithDataSources(sources []string) State {
	s = s.clone()
	s.DataSources = normalizeSet(sources)
	s.Page = 1
	return s
}

// WithPage is the one setter that keeps the other fields and does not reset.
func (s State) WithPage(page int) State {
	s = s.clone()
	s.Page = page
	return s
}

func (s State) clone() State {
	s.Platforms = slices.Clone(s.Platforms)
	s.DataSources = slices.Clone(s.DataSources)
	return s
}

func normalizeSet(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
