package search

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Highlight fills the presentational fields of every candidate. Candidates
// without display matches get their label escaped and content untouched.
func Highlight(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	for i, c := range candidates {
		c.LabelHTML = html.EscapeString(c.Label)
		c.ContentHTML = c.Content
		c.AlsoMatched = ""
		if c.Matches != nil {
			if terms := markTerms(c.Matches.Display); len(terms) > 0 {
				c.LabelHTML = markText(c.Label, terms)
				c.ContentHTML = markHTML(c.Content, terms)
			}
			if len(c.Matches.Additional) > 0 {
				c.AlsoMatched = "Also matched: " + strings.Join(c.Matches.Additional, ", ")
			}
		}
		out[i] = c
	}
	return out
}

// markTerms lowercases, dedupes and orders terms longest first so the
// longer of two overlapping terms wins.
func markTerms(raw []string) [][]rune {
	var terms [][]rune
	for _, term := range raw {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		r := []rune(term)
		if !slices.ContainsFunc(terms, func(t []rune) bool { return string(t) == term }) {
			terms = append(terms, r)
		}
	}
	slices.SortStableFunc(terms, func(a, b []rune) int { return len(b) - len(a) })
	return terms
}

type span struct{ start, end int }

// findSpans returns whole-word, case-insensitive occurrences of terms in text,
// as rune offsets.
func findSpans(text []rune, terms [][]rune) []span {
	lower := make([]rune, len(text))
	for i, r := range text {
		lower[i] = unicode.ToLower(r)
	}
	var spans []span
	for i := 0; i < len(lower); {
		if i > 0 && !isWordBoundary(lower[i-1]) {
			i++
			continue
		}
		matched := 0
		for _, term := range terms {
			end := i + len(term)
			if end > len(lower) || !slices.Equal(lower[i:end], term) {
				continue
			}
			if end < len(lower) && !isWordBoundary(lower[end]) {
				continue
			}
			matched = len(term)
			break
		}
		if matched == 0 {
			i++
			continue
		}
		spans = append(spans, span{start: i, end: i + matched})
		i += matched
	}
	return spans
}

func isWordBoundary(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// markText escapes plain text and wraps matches in <mark>.
func markText(text string, terms [][]rune) string {
	runes := []rune(text)
	spans := findSpans(runes, terms)
	if len(spans) == 0 {
		return html.EscapeString(text)
	}
	var b strings.Builder
	prev := 0
	for _, s := range spans {
		b.WriteString(html.EscapeString(string(runes[prev:s.start])))
		b.WriteString("<mark>")
		b.WriteString(html.EscapeString(string(runes[s.start:s.end])))
		b.WriteString("</mark>")
		prev = s.end
	}
	b.WriteString(html.EscapeString(string(runes[prev:])))
	return b.String()
}

// markHTML wraps matches found in text nodes of an HTML fragment. Markup is
// never matched. The fragment is returned byte-identical when nothing matched.
func markHTML(fragment string, terms [][]rune) string {
	nodes, err := html.ParseFragment(strings.NewReader(fragment), bodyContext())
	if err != nil {
		return fragment
	}
	changed := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style || n.DataAtom == atom.Mark) {
			return
		}
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			if c.Type == html.TextNode {
				if wrapTextNode(n, c, terms) {
					changed = true
				}
			} else {
				walk(c)
			}
			c = next
		}
	}
	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	walk(root)
	if !changed {
		return fragment
	}

	var b strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return fragment
		}
	}
	return b.String()
}

// wrapTextNode replaces text with alternating text and <mark> nodes.
func wrapTextNode(parent, text *html.Node, terms [][]rune) bool {
	runes := []rune(text.Data)
	spans := findSpans(runes, terms)
	if len(spans) == 0 {
		return false
	}
	prev := 0
	for _, s := range spans {
		if s.start > prev {
			parent.InsertBefore(&html.Node{Type: html.TextNode, Data: string(runes[prev:s.start])}, text)
		}
		mark := &html.Node{Type: html.ElementNode, Data: "mark", DataAtom: atom.Mark}
		mark.AppendChild(&html.Node{Type: html.TextNode, Data: string(runes[s.start:s.end])})
		parent.InsertBefore(mark, text)
		prev = s.end
	}
	if prev < len(runes) {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: string(runes[prev:])}, text)
	}
	parent.RemoveChild(text)
	return true
}
