package search

import (
	"errors"
	"fmt"
)

const (
	// RowSize is the grid width of the root node.
	RowSize = 3
	// PageSize is the page length of every non-root node.
	PageSize = 5
)

var ErrPageOutOfRange = errors.New("page out of range")

// View is the paginated output of one run.
type View struct {
	Root      bool          `json:"root"`
	Items     []Candidate   `json:"-"`
	Rows      [][]Candidate `json:"rows,omitempty"`
	PageCount int           `json:"pageCount"`
}

// Paginate groups the root list into rows; other lists are paged lazily by View.Page.
func Paginate(items []Candidate, root bool) View {
	v := View{Root: root, Items: items}
	if root {
		v.Rows = chunk(items, RowSize)
		v.PageCount = 1
		return v
	}
	v.PageCount = pageCount(len(items), PageSize)
	return v
}

// Page returns page n (1-based) without recomputing anything. The root view
// has a single page holding every item.
func (v View) Page(n int) ([]Candidate, error) {
	if n < 1 || n > v.PageCount {
		return nil, fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, n, v.PageCount)
	}
	if v.Root {
		return v.Items, nil
	}
	start := (n - 1) * PageSize
	end := min(start+PageSize, len(v.Items))
	return v.Items[start:end], nil
}

// pageCount is at least 1 so an empty list still renders one empty page.
func pageCount(total, size int) int {
	if total == 0 {
		return 1
	}
	return (total + size - 1) / size
}

func chunk(items []Candidate, size int) [][]Candidate {
	rows := make([][]Candidate, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		rows = append(rows, items[start:min(start+size, len(items))])
	}
	return rows
}
