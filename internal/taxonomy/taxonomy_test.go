package taxonomy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestIdentifierFormats(t *testing.T) {
	tests := []struct {
		name  string
		check func(string) bool
		input string
		want  bool
	}{
		{"technique", IsTechniqueID, "T1059", true},
		{"subtechnique", IsTechniqueID, "T1059.001", true},
		{"technique short", IsTechniqueID, "T105", false},
		{"technique two-digit sub", IsTechniqueID, "T1059.01", false},
		{"technique lowercase", IsTechniqueID, "t1059", false},
		{"technique trailing", IsTechniqueID, "T1059.001 ", false},
		{"tactic", IsTacticID, "TA0002", true},
		{"tactic as technique", IsTacticID, "T0002", false},
		{"tactic long", IsTacticID, "TA00021", false},
		{"version", IsVersion, "v14.1", true},
		{"version no prefix", IsVersion, "14.1", false},
		{"version patch", IsVersion, "v14.1.2", false},
		{"version too long", IsVersion, "v12345678901.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(tt.input); got != tt.want {
				t.Errorf("%q: expected %v, got %v", tt.input, tt.want, got)
			}
		})
	}
}

func TestPairKey(t *testing.T) {
	p := Pair{TechniqueID: "T1059.001", TacticID: "TA0002"}
	if p.Key() != "TA0002--T1059.001" {
		t.Errorf("unexpected key %q", p.Key())
	}
}

func sampleTactics() []Tactic {
	return []Tactic{
		{
			ID:   "TA0002",
			Name: "Execution",
			Techniques: []Technique{
				{ID: "T1059", Name: "Command and Scripting Interpreter"},
				{ID: "T1059.001", Name: "PowerShell"},
			},
		},
		{
			ID:   "TA0003",
			Name: "Persistence",
			Techniques: []Technique{
				{ID: "T1098", Name: "Account Manipulation"},
			},
		},
	}
}

func TestTaxonomyLookups(t *testing.T) {
	tax := NewTaxonomy("v14.1", sampleTactics())

	if !tax.HasPair(Pair{TechniqueID: "T1059.001", TacticID: "TA0002"}) {
		t.Error("expected pair to exist")
	}
	if tax.HasPair(Pair{TechniqueID: "T1059.001", TacticID: "TA0003"}) {
		t.Error("technique listed under another tactic must not pair")
	}
	name, ok := tax.TechniqueName("T1059.001")
	if !ok || name != "Command and Scripting Interpreter: PowerShell" {
		t.Errorf("unexpected full name %q (%v)", name, ok)
	}
	if name, _ := tax.TechniqueName("T1098"); name != "Account Manipulation" {
		t.Errorf("unexpected base name %q", name)
	}
	if _, ok := tax.TacticName("TA9999"); ok {
		t.Error("unknown tactic must not resolve")
	}
}

type fakeSource struct {
	versions     []string
	versionCalls atomic.Int32
	tacticCalls  atomic.Int32
	tacticsErr   error
}

func (f *fakeSource) Versions(context.Context) ([]string, error) {
	f.versionCalls.Add(1)
	return f.versions, nil
}

func (f *fakeSource) Tactics(context.Context, string) ([]Tactic, error) {
	f.tacticCalls.Add(1)
	if f.tacticsErr != nil {
		return nil, f.tacticsErr
	}
	return sampleTactics(), nil
}

func TestCatalogCachesLoads(t *testing.T) {
	src := &fakeSource{versions: []string{"v13.1", "v14.1"}}
	catalog := NewCatalog(src, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := catalog.Load(ctx, "v14.1"); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
	}
	if got := src.tacticCalls.Load(); got != 1 {
		t.Errorf("expected a single tactics fetch, got %d", got)
	}
	if got := src.versionCalls.Load(); got != 1 {
		t.Errorf("expected a single versions fetch, got %d", got)
	}

	catalog.Reset()
	if _, err := catalog.Load(ctx, "v14.1"); err != nil {
		t.Fatalf("Load after reset failed: %v", err)
	}
	if got := src.tacticCalls.Load(); got != 2 {
		t.Errorf("expected reset to force a refetch, got %d fetches", got)
	}
}

func TestCatalogUnsupportedVersionWins(t *testing.T) {
	src := &fakeSource{versions: []string{"v13.1"}, tacticsErr: errors.New("404")}
	catalog := NewCatalog(src, nil)

	_, err := catalog.Load(context.Background(), "v14.1")
	var unsupported *UnsupportedVersionError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedVersionError, got %v", err)
	}
	if unsupported.Version != "v14.1" {
		t.Errorf("unexpected version %q", unsupported.Version)
	}
}

func TestCatalogExpiresAfterTTL(t *testing.T) {
	src := &fakeSource{versions: []string{"v13.1", "v14.1"}}
	catalog := NewCatalog(src, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog.now = func() time.Time { return now }
	catalog.TTL = time.Minute
	ctx := context.Background()

	if _, err := catalog.Load(ctx, "v14.1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	src.versions = []string{"v15.0"}

	now = now.Add(30 * time.Second)
	if _, err := catalog.Load(ctx, "v14.1"); err != nil {
		t.Fatalf("expected the cached taxonomy within the TTL, got %v", err)
	}

	now = now.Add(time.Minute)
	_, err := catalog.Load(ctx, "v14.1")
	var unsupported *UnsupportedVersionError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected a dropped version to be unsupported after expiry, got %v", err)
	}
	if served, _ := catalog.Served(ctx, "v15.0"); !served {
		t.Error("expected the newly served version after expiry")
	}
}

// gatedSource holds Versions until release is closed, honouring ctx.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedSource) Versions(ctx context.Context) ([]string, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
	}
	select {
	case <-g.release:
		return []string{"v14.1"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedSource) Tactics(context.Context, string) ([]Tactic, error) {
	return sampleTactics(), nil
}

func TestCatalogCancelledCallerDoesNotFailJoinedCaller(t *testing.T) {
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	catalog := NewCatalog(src, nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := catalog.Versions(firstCtx)
		firstErr <- err
	}()
	<-src.entered

	joined := make(chan error, 1)
	go func() {
		versions, err := catalog.Versions(context.Background())
		if err == nil && len(versions) != 1 {
			err = errors.New("unexpected versions")
		}
		joined <- err
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to stop waiting, got %v", err)
	}
	close(src.release)
	if err := <-joined; err != nil {
		t.Fatalf("joined caller failed: %v", err)
	}
	if got := src.calls.Load(); got != 1 {
		t.Errorf("expected one shared fetch, got %d", got)
	}
}

func TestCatalogServed(t *testing.T) {
	catalog := NewCatalog(&fakeSource{versions: []string{"v14.1"}}, nil)
	served, err := catalog.Served(context.Background(), "v14.1")
	if err != nil || !served {
		t.Errorf("expected v14.1 served, got %v (%v)", served, err)
	}
	served, _ = catalog.Served(context.Background(), "v15.0")
	if served {
		t.Error("expected v15.0 not served")
	}
}

func TestClientEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/versions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]string{"v14.1"})
	})
	mux.HandleFunc("/api/tactics", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("version") != "v14.1" {
			http.Error(w, "bad version", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(sampleTactics())
	})
	mux.HandleFunc("/search/answer_cards", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("search") == "" {
			_, _ = w.Write([]byte(`{"status":"Search is empty"}`))
			return
		}
		if got := q["platforms"]; len(got) != 2 {
			http.Error(w, "expected two platforms", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"status":"","results":{"T1059":{"score":2.5,"displayMatches":["shell"],"additionalMatches":["cmd"]}}}`))
	})
	mux.HandleFunc("/api/sort_cart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte(`[["TA0002","Execution","https://x/TA0002",[["T1059.001","PowerShell","https://x/T1059/001"]]]]`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL+"/", time.Second, 0, nil)
	ctx := context.Background()

	versions, err := client.Versions(ctx)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if diff := cmp.Diff([]string{"v14.1"}, versions); diff != "" {
		t.Errorf("versions mismatch (-want +got):\n%s", diff)
	}

	tactics, err := client.Tactics(ctx, "v14.1")
	if err != nil {
		t.Fatalf("Tactics failed: %v", err)
	}
	if diff := cmp.Diff(sampleTactics(), tactics); diff != "" {
		t.Errorf("tactics mismatch (-want +got):\n%s", diff)
	}

	rejected, err := client.Search(ctx, SearchRequest{Version: "v14.1", NodeID: "TA0002"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if rejected.Results != nil || rejected.Status != "Search is empty" {
		t.Errorf("expected rejection, got %+v", rejected)
	}

	resp, err := client.Search(ctx, SearchRequest{Version: "v14.1", NodeID: "TA0002", Query: "shell", Platforms: []string{"Linux", "Windows"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	want := map[string]SearchMatch{"T1059": {Score: 2.5, DisplayMatches: []string{"shell"}, AdditionalMatches: []string{"cmd"}}}
	if diff := cmp.Diff(want, resp.Results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	sorted, err := client.SortCart(ctx, "v14.1", []Pair{{TechniqueID: "T1059.001", TacticID: "TA0002"}})
	if err != nil {
		t.Fatalf("SortCart failed: %v", err)
	}
	wantSorted := []SortedTactic{{
		ID: "TA0002", Name: "Execution", URL: "https://x/TA0002",
		Techniques: []SortedTechnique{{ID: "T1059.001", Name: "PowerShell", URL: "https://x/T1059/001"}},
	}}
	if diff := cmp.Diff(wantSorted, sorted); diff != "" {
		t.Errorf("sorted mismatch (-want +got):\n%s", diff)
	}
}

func TestClientRetriesBusyResponses(t *testing.T) {
	prev := RetryBaseDelay
	RetryBaseDelay = time.Millisecond
	defer func() { RetryBaseDelay = prev }()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`["v14.1"]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, 3, nil)
	if _, err := client.Versions(context.Background()); err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestClientServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second, 0, nil)
	_, err := client.Versions(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusInternalServerError {
		t.Errorf("expected wrapped HTTPError 500, got %v", err)
	}
}

func TestClientTransportErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	client := NewClient(addr, 200*time.Millisecond, 0, nil)
	if _, err := client.Versions(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
