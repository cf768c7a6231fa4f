package search

import (
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

const (
	// BM25+ parameters
	bm25K = 1.2
	bm25B = 0.7
	bm25D = 0.5

	prefixWeight = 0.375
	fuzzyWeight  = 0.45
	fuzzyRatio   = 0.15
	maxFuzzy     = 6
	// prefix and fuzzy expansion only applies to terms at least this long
	minExpandLen = 3
)

const (
	fieldLabel = iota
	fieldContent
	numFields
)

type posting struct {
	doc int
	tf  [numFields]int
}

// Index is an in-memory inverted index over label and contentText of a
// fixed candidate list. It is built once and safe for concurrent reads.
type Index struct {
	ids      []string
	docs     int
	fieldLen [][numFields]int
	avgLen   [numFields]float64
	postings map[string][]posting
	terms    []string
}

// Hit is one matched document.
type Hit struct {
	Score float64
	Terms []string
}

func NewIndex(candidates []Candidate) *Index {
	ix := &Index{
		ids:      make([]string, len(candidates)),
		docs:     len(candidates),
		fieldLen: make([][numFields]int, len(candidates)),
		postings: make(map[string][]posting),
	}
	var total [numFields]int
	for doc, c := range candidates {
		ix.ids[doc] = c.ID
		counts := map[string]*posting{}
		for field, text := range [numFields]string{c.Label, c.ContentText} {
			tokens := tokenize(text)
			ix.fieldLen[doc][field] = len(tokens)
			total[field] += len(tokens)
			for _, tok := range tokens {
				p, ok := counts[tok]
				if !ok {
					p = &posting{doc: doc}
					counts[tok] = p
				}
				p.tf[field]++
			}
		}
		for term, p := range counts {
			ix.postings[term] = append(ix.postings[term], *p)
		}
	}
	for field := range total {
		if ix.docs > 0 {
			ix.avgLen[field] = float64(total[field]) / float64(ix.docs)
		}
	}
	ix.terms = make([]string, 0, len(ix.postings))
	for term := range ix.postings {
		ix.terms = append(ix.terms, term)
	}
	sort.Strings(ix.terms)
	return ix
}

// Search scores every candidate matching any query term, keyed by candidate
// id. Exact matches count fully; for terms of at least three characters
// prefix and fuzzy expansions also count, at reduced weight.
func (ix *Index) Search(query string) map[string]Hit {
	hits := make(map[int]Hit)
	for _, q := range dedupe(tokenize(query)) {
		expanded := ix.expand(q)
		// fixed order keeps float sums identical across runs
		terms := make([]string, 0, len(expanded))
		for term := range expanded {
			terms = append(terms, term)
		}
		sort.Strings(terms)
		for _, term := range terms {
			ix.accumulate(hits, term, expanded[term])
		}
	}
	byID := make(map[string]Hit, len(hits))
	for doc, hit := range hits {
		slices.Sort(hit.Terms)
		byID[ix.ids[doc]] = hit
	}
	return byID
}

// expand maps a query term to the index terms it matches and their weights.
func (ix *Index) expand(q string) map[string]float64 {
	matched := make(map[string]float64)
	if _, ok := ix.postings[q]; ok {
		matched[q] = 1
	}
	qLen := len([]rune(q))
	if qLen < minExpandLen {
		return matched
	}

	start := sort.SearchStrings(ix.terms, q)
	for i := start; i < len(ix.terms) && strings.HasPrefix(ix.terms[i], q); i++ {
		term := ix.terms[i]
		if term == q {
			continue
		}
		distance := len([]rune(term)) - qLen
		matched[term] = prefixWeight * float64(qLen) / float64(qLen+distance)
	}

	maxDistance := min(maxFuzzy, int(math.Round(fuzzyRatio*float64(qLen))))
	if maxDistance == 0 {
		return matched
	}
	for _, term := range ix.terms {
		if _, seen := matched[term]; seen {
			continue
		}
		if abs(len([]rune(term))-qLen) > maxDistance {
			continue
		}
		if d := levenshtein.ComputeDistance(q, term); d <= maxDistance {
			matched[term] = fuzzyWeight * float64(qLen) / float64(qLen+d)
		}
	}
	return matched
}

func (ix *Index) accumulate(hits map[int]Hit, term string, weight float64) {
	postings := ix.postings[term]
	df := float64(len(postings))
	idf := math.Log(1 + (float64(ix.docs)-df+0.5)/(df+0.5))
	for _, p := range postings {
		var score float64
		for field := 0; field < numFields; field++ {
			tf := float64(p.tf[field])
			if tf == 0 {
				continue
			}
			norm := 1 - bm25B
			if ix.avgLen[field] > 0 {
				norm += bm25B * float64(ix.fieldLen[p.doc][field]) / ix.avgLen[field]
			}
			score += idf * (bm25D + tf*(bm25K+1)/(tf+bm25K*norm))
		}
		hit := hits[p.doc]
		hit.Score += weight * score
		if !slices.Contains(hit.Terms, term) {
			hit.Terms = append(hit.Terms, term)
		}
		hits[p.doc] = hit
	}
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
