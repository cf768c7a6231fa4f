package search

import "slices"

// Filter keeps candidates whose tags intersect every non-empty filter set.
// Order is preserved and the input is not modified.
func Filter(candidates []Candidate, platforms, dataSources []string) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !intersects(c.Platforms, platforms) || !intersects(c.DataSources, dataSources) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// intersects treats an empty filter as no constraint.
func intersects(tags, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, tag := range tags {
		if slices.Contains(filter, tag) {
			return true
		}
	}
	return false
}
