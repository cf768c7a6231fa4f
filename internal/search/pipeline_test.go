package search

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"decider/api/internal/taxonomy"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func makeAnswers(n int) []taxonomy.Answer {
	answers := make([]taxonomy.Answer, 0, n)
	for i := 0; i < n; i++ {
		answers = append(answers, taxonomy.Answer{
			ID:      fmt.Sprintf("T%04d", 1000+i),
			Name:    fmt.Sprintf("Technique %d", i),
			Content: fmt.Sprintf("<p>Body of item %d</p>", i),
		})
	}
	return answers
}

func ids(items []Candidate) []string {
	out := make([]string, len(items))
	for i, c := range items {
		out[i] = c.ID
	}
	return out
}

type fakeRemote struct {
	calls atomic.Int32
	fn    func(taxonomy.SearchRequest) (taxonomy.SearchResponse, error)
}

func (f *fakeRemote) Search(_ context.Context, req taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
	f.calls.Add(1)
	return f.fn(req)
}

func TestFromAnswersAssignsDefaultScores(t *testing.T) {
	candidates := FromAnswers(makeAnswers(3))
	for i, c := range candidates {
		if c.Score != -float64(i) {
			t.Errorf("candidate %d: expected score %v, got %v", i, -float64(i), c.Score)
		}
	}
	if candidates[0].Label != "Technique 0 (T1000)" {
		t.Errorf("unexpected label %q", candidates[0].Label)
	}
	if candidates[0].ContentText != "Body of item 0" {
		t.Errorf("unexpected content text %q", candidates[0].ContentText)
	}
}

func TestFilterSemantics(t *testing.T) {
	candidates := []Candidate{
		{ID: "T0001", Platforms: []string{"Linux"}, DataSources: []string{"Process"}},
		{ID: "T0002", Platforms: []string{"Windows"}, DataSources: []string{"File"}},
		{ID: "T0003", Platforms: []string{"Linux", "Windows"}, DataSources: []string{"File"}},
		{ID: "T0004"},
	}
	tests := []struct {
		name        string
		platforms   []string
		dataSources []string
		want        []string
	}{
		{"no constraint", nil, nil, []string{"T0001", "T0002", "T0003", "T0004"}},
		{"or within field", []string{"Linux", "macOS"}, nil, []string{"T0001", "T0003"}},
		{"and across fields", []string{"Linux"}, []string{"File"}, []string{"T0003"}},
		{"no tags never matches a constraint", nil, []string{"Process"}, []string{"T0001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := Filter(candidates, tt.platforms, tt.dataSources)
			if diff := cmp.Diff(tt.want, ids(once)); diff != "" {
				t.Errorf("filter mismatch (-want +got):\n%s", diff)
			}
			twice := Filter(once, tt.platforms, tt.dataSources)
			if diff := cmp.Diff(ids(once), ids(twice)); diff != "" {
				t.Errorf("filter not idempotent (-once +twice):\n%s", diff)
			}
		})
	}
}

func TestStateSettersResetPage(t *testing.T) {
	s := NewState().WithPage(3)
	if s.WithQuery("x").Page != 1 || s.WithPlatforms([]string{"Linux"}).Page != 1 || s.WithDataSources(nil).Page != 1 {
		t.Error("expected every setter to reset page to 1")
	}
	if s.Page != 3 {
		t.Error("setters must not modify the receiver")
	}
	if got := NewState().WithPlatforms([]string{" Linux", "Linux", "", "macOS"}).Platforms; !cmp.Equal(got, []string{"Linux", "macOS"}) {
		t.Errorf("unexpected normalized platforms %v", got)
	}
}

func TestComputeEmptyQueryKeepsOrder(t *testing.T) {
	candidates := FromAnswers(makeAnswers(7))
	remote := &fakeRemote{fn: func(taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
		t.Fatal("remote must not be called for an empty query")
		return taxonomy.SearchResponse{}, nil
	}}

	for _, query := range []string{"   ", "-", " -  - "} {
		for _, node := range []Node{{ID: taxonomy.RootNode, Version: "v14.1"}, {ID: "TA0002", Version: "v14.1"}} {
			result := Compute(context.Background(), Input{
				Node:       node,
				Candidates: candidates,
				State:      NewState().WithQuery(query),
				Remote:     remote,
			})
			if result.Status.Kind != StatusIdle {
				t.Errorf("%s %q: expected idle status, got %+v", node.ID, query, result.Status)
			}
			if diff := cmp.Diff(candidates, result.View.Items, cmpopts.IgnoreFields(Candidate{}, "LabelHTML", "ContentHTML")); diff != "" {
				t.Errorf("%s %q: order or scores changed (-want +got):\n%s", node.ID, query, diff)
			}
		}
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	candidates := FromAnswers([]taxonomy.Answer{
		{ID: "T1059", Name: "Command and Scripting Interpreter", Content: "<p>Adversaries abuse shells</p>"},
		{ID: "T1098", Name: "Account Manipulation", Content: "<p>Modify accounts</p>"},
		{ID: "T1021", Name: "Remote Services", Content: "<p>Use remote shells and services</p>"},
	})
	in := Input{
		Node:       Node{ID: taxonomy.RootNode},
		Candidates: candidates,
		State:      NewState().WithQuery("shell account"),
	}
	first := Compute(context.Background(), in)
	second := Compute(context.Background(), in)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("recompute differs (-first +second):\n%s", diff)
	}
	if candidates[0].Matches != nil || candidates[0].Score != 0 {
		t.Error("input candidates were modified")
	}
}

func TestLocalSearchPrefixFuzzyAndExact(t *testing.T) {
	candidates := FromAnswers([]taxonomy.Answer{
		{ID: "T0001", Name: "Credential Dumping", Content: "<p>Read memory</p>"},
		{ID: "T0002", Name: "Phishing", Content: "<p>Send mail</p>"},
		{ID: "T0003", Name: "Powershell", Content: "<p>Run scripts</p>"},
		{ID: "T0004", Name: "Go", Content: "<p>Go tooling</p>"},
	})
	tests := []struct {
		name  string
		query string
		first string
	}{
		{"prefix", "cred", "T0001"},
		{"fuzzy", "phishng", "T0002"},
		{"case insensitive", "POWERSHELL", "T0003"},
		{"short exact", "go", "T0004"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Compute(context.Background(), Input{
				Node:       Node{ID: taxonomy.RootNode},
				Candidates: candidates,
				State:      NewState().WithQuery(tt.query),
			})
			if result.Status.Kind != StatusMatched {
				t.Fatalf("expected matched, got %+v", result.Status)
			}
			if got := result.View.Items[0].ID; got != tt.first {
				t.Errorf("expected %s first, got %s", tt.first, got)
			}
			if result.View.Items[0].Matches == nil {
				t.Error("expected matches on the top hit")
			}
		})
	}
}

func TestLocalSearchShortTokenIsNotExpanded(t *testing.T) {
	candidates := FromAnswers([]taxonomy.Answer{{ID: "T0001", Name: "Gopher"}})
	result := Compute(context.Background(), Input{
		Node:       Node{ID: taxonomy.RootNode},
		Candidates: candidates,
		State:      NewState().WithQuery("go"),
	})
	if result.Status.Kind != StatusNoMatches {
		t.Errorf("expected no prefix match for a two-letter token, got %+v", result.Status)
	}
	if result.Status.Message == "" {
		t.Error("no-match status needs a message")
	}
}

func TestLocalSearchNegativeTokens(t *testing.T) {
	candidates := FromAnswers([]taxonomy.Answer{
		{ID: "T0001", Name: "Windows Service", Content: "<p>service on windows hosts</p>"},
		{ID: "T0002", Name: "Linux Service", Content: "<p>systemd service</p>"},
		{ID: "T0003", Name: "Cron", Content: "<p>scheduled on WINDOWS too</p>"},
	})
	result := Compute(context.Background(), Input{
		Node:       Node{ID: taxonomy.RootNode},
		Candidates: candidates,
		State:      NewState().WithQuery("service -windows"),
	})
	for _, c := range result.View.Items {
		if c.ID == "T0001" || c.ID == "T0003" {
			t.Errorf("%s contains the excluded token but is present", c.ID)
		}
	}
	if diff := cmp.Diff([]string{"T0002"}, ids(result.View.Items)); diff != "" {
		t.Errorf("unexpected items (-want +got):\n%s", diff)
	}
}

func TestRemoteSearchRanksAndSkipsOwnCard(t *testing.T) {
	candidates := FromAnswers([]taxonomy.Answer{
		{ID: "TA0002", Name: "Execution", Content: "<p>the tactic</p>"},
		{ID: "T1059", Name: "Command and Scripting Interpreter", Content: "<p>uses a shell</p>"},
		{ID: "T1204", Name: "User Execution", Content: "<p>clicks</p>"},
	})
	remote := &fakeRemote{fn: func(req taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
		if req.NodeID != "TA0002" || req.Query != "shell" || req.Version != "v14.1" {
			return taxonomy.SearchResponse{}, fmt.Errorf("unexpected request %+v", req)
		}
		return taxonomy.SearchResponse{Results: map[string]taxonomy.SearchMatch{
			"TA0002": {Score: 99},
			"T1204":  {Score: 0.4, AdditionalMatches: []string{"shell"}},
			"T1059":  {Score: 0.9, DisplayMatches: []string{"shell"}},
		}}, nil
	}}

	result := Compute(context.Background(), Input{
		Node:       Node{ID: "TA0002", Version: "v14.1"},
		Candidates: candidates,
		State:      NewState().WithQuery("shell"),
		Remote:     remote,
	})
	if result.Status.Kind != StatusMatched {
		t.Fatalf("expected matched, got %+v", result.Status)
	}
	if diff := cmp.Diff([]string{"T1059", "T1204", "TA0002"}, ids(result.View.Items)); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
	top := result.View.Items[0]
	if top.ContentHTML != "<p>uses a <mark>shell</mark></p>" {
		t.Errorf("unexpected highlight %q", top.ContentHTML)
	}
	if result.View.Items[1].AlsoMatched != "Also matched: shell" {
		t.Errorf("unexpected additional summary %q", result.View.Items[1].AlsoMatched)
	}
}

func TestRemoteFailureDegradesToDefaultOrder(t *testing.T) {
	candidates := FromAnswers(makeAnswers(4))
	remote := &fakeRemote{fn: func(taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
		return taxonomy.SearchResponse{}, errors.New("connection refused")
	}}
	result := Compute(context.Background(), Input{
		Node:       Node{ID: "TA0002"},
		Candidates: candidates,
		State:      NewState().WithQuery("body"),
		Remote:     remote,
	})
	if !result.Status.Degraded() || result.Status.Message == "" {
		t.Errorf("expected failed status with message, got %+v", result.Status)
	}
	if diff := cmp.Diff(ids(candidates), ids(result.View.Items)); diff != "" {
		t.Errorf("expected default order (-want +got):\n%s", diff)
	}
}

func TestRemoteRejectionUsesServerStatus(t *testing.T) {
	remote := &fakeRemote{fn: func(taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
		return taxonomy.SearchResponse{Status: "Search is too short"}, nil
	}}
	result := Compute(context.Background(), Input{
		Node:       Node{ID: "TA0002"},
		Candidates: FromAnswers(makeAnswers(2)),
		State:      NewState().WithQuery("ab"),
		Remote:     remote,
	})
	if result.Status.Kind != StatusRejected || result.Status.Message != "Search is too short" {
		t.Errorf("unexpected status %+v", result.Status)
	}
}

func TestTooLongQueryIsRefused(t *testing.T) {
	remote := &fakeRemote{fn: func(taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
		return taxonomy.SearchResponse{}, nil
	}}
	long := make([]byte, MaxQueryLength+1)
	for i := range long {
		long[i] = 'a'
	}
	result := Compute(context.Background(), Input{
		Node:       Node{ID: "TA0002"},
		Candidates: FromAnswers(makeAnswers(2)),
		State:      NewState().WithQuery(string(long)),
		Remote:     remote,
	})
	if result.Status.Kind != StatusTooLong {
		t.Errorf("expected too long status, got %+v", result.Status)
	}
	if remote.calls.Load() != 0 {
		t.Error("remote must not be called for a too long query")
	}
}

func TestPaginateNonRoot(t *testing.T) {
	view := Paginate(Highlight(FromAnswers(makeAnswers(12))), false)
	if view.PageCount != 3 {
		t.Fatalf("expected 3 pages, got %d", view.PageCount)
	}
	tests := []struct {
		page int
		want int
		err  bool
	}{
		{1, 5, false},
		{2, 5, false},
		{3, 2, false},
		{4, 0, true},
		{0, 0, true},
	}
	for _, tt := range tests {
		items, err := view.Page(tt.page)
		if tt.err {
			if !errors.Is(err, ErrPageOutOfRange) {
				t.Errorf("page %d: expected ErrPageOutOfRange, got %v", tt.page, err)
			}
			continue
		}
		if err != nil || len(items) != tt.want {
			t.Errorf("page %d: expected %d items, got %d (%v)", tt.page, tt.want, len(items), err)
		}
	}
}

func TestPaginateRootRows(t *testing.T) {
	view := Paginate(Highlight(FromAnswers(makeAnswers(7))), true)
	if len(view.Rows) != 3 || len(view.Rows[0]) != 3 || len(view.Rows[2]) != 1 {
		t.Errorf("unexpected row layout %v", len(view.Rows))
	}
	items, err := view.Page(1)
	if err != nil || len(items) != 7 {
		t.Errorf("root page must hold everything, got %d (%v)", len(items), err)
	}
}

func TestPipelineDiscardsStaleRuns(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	remote := &fakeRemote{fn: func(req taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
		if req.Query == "slow" {
			entered <- struct{}{}
			<-release
		}
		return taxonomy.SearchResponse{Results: map[string]taxonomy.SearchMatch{"T1001": {Score: 1}}}, nil
	}}
	p := NewPipeline(Node{ID: "TA0002"}, FromAnswers(makeAnswers(3)), remote, nil)

	p.Update(func(s State) State { return s.WithQuery("slow") })
	done := make(chan bool)
	go func() {
		_, applied := p.Run(context.Background())
		done <- applied
	}()
	<-entered

	p.Update(func(s State) State { return s.WithQuery("fast") })
	if _, applied := p.Run(context.Background()); !applied {
		t.Fatal("expected the newest run to apply")
	}
	close(release)
	if applied := <-done; applied {
		t.Error("expected the superseded run to be discarded")
	}
	if got := p.Latest().View.Items[0].ID; got != "T1001" {
		t.Errorf("expected latest view from the newest run, got %s first", got)
	}
}

func TestPipelinePageIsSliceOfLatest(t *testing.T) {
	remote := &fakeRemote{fn: func(taxonomy.SearchRequest) (taxonomy.SearchResponse, error) {
		return taxonomy.SearchResponse{}, nil
	}}
	p := NewPipeline(Node{ID: "TA0002"}, FromAnswers(makeAnswers(12)), remote, nil)
	items, err := p.Page(3)
	if err != nil || len(items) != 2 {
		t.Fatalf("expected 2 items on page 3, got %d (%v)", len(items), err)
	}
	if p.State().Page != 3 {
		t.Errorf("expected state page 3, got %d", p.State().Page)
	}
	if remote.calls.Load() != 0 {
		t.Error("paging must not trigger a search")
	}
	p.Update(func(s State) State { return s.WithPlatforms([]string{"Linux"}) })
	if p.State().Page != 1 {
		t.Errorf("expected filter change to reset page, got %d", p.State().Page)
	}
}
