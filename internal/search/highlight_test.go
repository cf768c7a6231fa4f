package search

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHighlightWithoutMatchesIsNoOp(t *testing.T) {
	in := []Candidate{{ID: "T0001", Label: "A & B (T0001)", Content: `<p class="x">raw <b>html</b></p>`}}
	out := Highlight(in)
	if out[0].LabelHTML != "A &amp; B (T0001)" {
		t.Errorf("unexpected escaped label %q", out[0].LabelHTML)
	}
	if out[0].ContentHTML != in[0].Content {
		t.Errorf("content must be byte-identical, got %q", out[0].ContentHTML)
	}
	if out[0].AlsoMatched != "" {
		t.Errorf("unexpected summary %q", out[0].AlsoMatched)
	}
}

func TestHighlightMarksTextNotMarkup(t *testing.T) {
	tests := []struct {
		name    string
		content string
		terms   []string
		want    string
	}{
		{
			name:    "attribute values are untouched",
			content: `<a href="/shell">open a shell</a>`,
			terms:   []string{"shell"},
			want:    `<a href="/shell">open a <mark>shell</mark></a>`,
		},
		{
			name:    "whole words only",
			content: `<p>shells and shell</p>`,
			terms:   []string{"shell"},
			want:    `<p>shells and <mark>shell</mark></p>`,
		},
		{
			name:    "case insensitive keeps original case",
			content: `<p>PowerShell</p>`,
			terms:   []string{"powershell"},
			want:    `<p><mark>PowerShell</mark></p>`,
		},
		{
			name:    "longest term wins",
			content: `<p>remote services</p>`,
			terms:   []string{"remote", "remote services"},
			want:    `<p><mark>remote services</mark></p>`,
		},
		{
			name:    "no occurrence leaves fragment intact",
			content: `<p>nothing<br>here</p>`,
			terms:   []string{"shell"},
			want:    `<p>nothing<br>here</p>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Highlight([]Candidate{{Content: tt.content, Matches: &Matches{Display: tt.terms}}})
			if out[0].ContentHTML != tt.want {
				t.Errorf("got %q, want %q", out[0].ContentHTML, tt.want)
			}
		})
	}
}

func TestHighlightLabelAndSummary(t *testing.T) {
	out := Highlight([]Candidate{{
		Label:   "Shell <Commands> (T0001)",
		Matches: &Matches{Display: []string{"shell"}, Additional: []string{"bash", "zsh"}},
	}})
	if out[0].LabelHTML != "<mark>Shell</mark> &lt;Commands&gt; (T0001)" {
		t.Errorf("unexpected label %q", out[0].LabelHTML)
	}
	if out[0].AlsoMatched != "Also matched: bash, zsh" {
		t.Errorf("unexpected summary %q", out[0].AlsoMatched)
	}
}

func TestContentText(t *testing.T) {
	got := ContentText(`<p>Run <code>cmd</code></p><script>alert(1)</script><style>p{}</style>`)
	if got != "Run cmd" {
		t.Errorf("unexpected text %q", got)
	}
}

func TestExtractMarked(t *testing.T) {
	got := extractMarked("a <mark>Shell</mark> b <mark>shell</mark>", "<mark> cmd </mark>")
	if diff := cmp.Diff([]string{"shell", "cmd"}, got); diff != "" {
		t.Errorf("unexpected terms (-want +got):\n%s", diff)
	}
}
