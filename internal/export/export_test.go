package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"decider/api/internal/cart"
	"decider/api/internal/taxonomy"
)

func sampleCart() cart.Cart {
	return cart.Cart{
		Title:   "Incident 42",
		Version: "v14.1",
		Entries: []cart.Entry{
			{TechniqueID: "T1059.001", TacticID: "TA0002", TechniqueName: "Command and Scripting Interpreter: PowerShell", TacticName: "Execution", Notes: " encoded command ", LocalKey: "k1"},
			{TechniqueID: "T1059.001", TacticID: "TA0002", TechniqueName: "Command and Scripting Interpreter: PowerShell", TacticName: "Execution", Notes: "download cradle", LocalKey: "k2"},
			{TechniqueID: "T1566", TacticID: "TA0001", TechniqueName: "Phishing", TacticName: "Initial Access", Notes: "  ", LocalKey: "k3"},
		},
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "cart", want: KindCart},
		{in: " Navigator ", want: KindNavigator},
		{in: "report", want: KindReport},
		{in: "docx", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownKind) {
				t.Errorf("ParseKind(%q) error = %v, want ErrUnknownKind", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{name: "spaces become dashes", title: "Incident 42", want: "Cart_Incident-42_v14.1.json"},
		{name: "path characters dropped", title: "../../etc/passwd", want: "Cart_etcpasswd_v14.1.json"},
		{name: "empty falls back", title: "", want: "Cart_Un-named_v14.1.json"},
		{name: "long titles truncated", title: strings.Repeat("a", 80), want: "Cart_" + strings.Repeat("a", 50) + "_v14.1.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filename("Cart", cart.Cart{Title: tt.title, Version: "v14.1"}, "json")
			if got != tt.want {
				t.Errorf("filename = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCartFileUsesImportShape(t *testing.T) {
	a, err := CartFile(sampleCart())
	if err != nil {
		t.Fatalf("CartFile: %v", err)
	}
	if a.Filename != "Cart_Incident-42_v14.1.json" || a.MimeType != "application/json" {
		t.Errorf("unexpected artifact metadata: %q %q", a.Filename, a.MimeType)
	}
	if !bytes.Contains(a.Data, []byte("\n    \"title\": \"Incident 42\"")) {
		t.Errorf("expected 4-space indentation, got:\n%s", a.Data)
	}
	if bytes.Contains(a.Data, []byte("localKey")) || bytes.Contains(a.Data, []byte("techniqueName")) {
		t.Errorf("export leaked non-import fields:\n%s", a.Data)
	}
	if _, err := cart.ValidateImport(a.Data); err != nil {
		t.Errorf("exported file does not validate as an import: %v", err)
	}
}

func TestEmptyCartIsNotExported(t *testing.T) {
	svc := NewService(fakeSorter{}, nil, "", nil)
	for _, kind := range []Kind{KindCart, KindNavigator, KindReport} {
		if _, err := svc.Render(context.Background(), kind, cart.Cart{}); !errors.Is(err, cart.ErrEmptyCart) {
			t.Errorf("%s: expected ErrEmptyCart, got %v", kind, err)
		}
	}
}

func TestBuildLayerTechniques(t *testing.T) {
	layer := BuildLayer(sampleCart())

	want := []LayerTechnique{
		{TechniqueID: "T1059.001", Tactic: "execution", Color: "#e60d0d", Comment: "encoded command,\ndownload cradle", Enabled: true, Metadata: []any{}, Links: []any{}},
		{TechniqueID: "T1566", Tactic: "initial-access", Color: "#e60d0d", Comment: "-no comment-", Enabled: true, Metadata: []any{}, Links: []any{}},
		{TechniqueID: "T1059", Tactic: "execution", Enabled: true, Metadata: []any{}, Links: []any{}, ShowSubtechniques: true},
	}
	if diff := cmp.Diff(want, layer.Techniques); diff != "" {
		t.Errorf("techniques mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildLayerMarksPresentBase(t *testing.T) {
	c := cart.Cart{Title: "t", Version: "v15.0", Entries: []cart.Entry{
		{TechniqueID: "T1059", TacticID: "TA0002", TacticName: "Execution", Notes: "base"},
		{TechniqueID: "T1059.003", TacticID: "TA0002", TacticName: "Execution"},
	}}
	layer := BuildLayer(c)
	if len(layer.Techniques) != 2 {
		t.Fatalf("expected 2 cells, got %+v", layer.Techniques)
	}
	base := layer.Techniques[0]
	if base.TechniqueID != "T1059" || !base.ShowSubtechniques || base.Color != "#e60d0d" || base.Comment != "base" {
		t.Errorf("unexpected base cell: %+v", base)
	}
	if layer.Versions.Attack != "15" {
		t.Errorf("attack version = %q, want 15", layer.Versions.Attack)
	}
}

func TestNavigatorFileLayout(t *testing.T) {
	a, err := NavigatorFile(sampleCart())
	if err != nil {
		t.Fatalf("NavigatorFile: %v", err)
	}
	if a.Filename != "Navigator_Incident-42_v14.1.json" {
		t.Errorf("filename = %q", a.Filename)
	}
	var doc map[string]any
	if err := json.Unmarshal(a.Data, &doc); err != nil {
		t.Fatalf("layer is not JSON: %v", err)
	}
	versions := doc["versions"].(map[string]any)
	if versions["attack"] != "14" || versions["navigator"] != "4.9.1" || versions["layer"] != "4.5" {
		t.Errorf("unexpected versions: %v", versions)
	}
	if doc["domain"] != "enterprise-attack" || doc["name"] != "layer" {
		t.Errorf("unexpected header: %v %v", doc["domain"], doc["name"])
	}
	platforms := doc["filters"].(map[string]any)["platforms"].([]any)
	if len(platforms) != 11 || platforms[0] != "Linux" {
		t.Errorf("unexpected platforms: %v", platforms)
	}
	for _, field := range []string{"legendItems", "metadata", "links"} {
		if list, ok := doc[field].([]any); !ok || len(list) != 0 {
			t.Errorf("%s should be an empty list, got %v", field, doc[field])
		}
	}
}

type fakeSorter struct {
	sorted []taxonomy.SortedTactic
	err    error
}

func (f fakeSorter) SortCart(_ context.Context, version string, pairs []taxonomy.Pair) ([]taxonomy.SortedTactic, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sorted, nil
}

func TestReportFile(t *testing.T) {
	sorter := fakeSorter{sorted: []taxonomy.SortedTactic{
		{ID: "TA0001", Name: "Initial Access", URL: "https://attack.mitre.org/tactics/TA0001", Techniques: []taxonomy.SortedTechnique{
			{ID: "T1566", Name: "Phishing", URL: "https://attack.mitre.org/techniques/T1566"},
		}},
		{ID: "TA0002", Name: "Execution", Techniques: []taxonomy.SortedTechnique{
			{ID: "T1059.001", Name: "Command and Scripting Interpreter: PowerShell"},
		}},
	}}
	now := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	a, err := ReportFile(context.Background(), sorter, sampleCart(), "2.0.0", now)
	if err != nil {
		t.Fatalf("ReportFile: %v", err)
	}
	html := string(a.Data)
	if a.Filename != "Report_Incident-42_v14.1.html" {
		t.Errorf("filename = %q", a.Filename)
	}
	for _, want := range []string{
		"<h1>Incident 42</h1>",
		"Enterprise v14.1",
		"Decider 2.0.0",
		"Mar 5, 2024",
		`<a href="https://attack.mitre.org/techniques/T1566">Phishing</a>`,
		"download cradle",
		"No usage notes",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if strings.Index(html, "Initial Access") > strings.Index(html, "Execution") {
		t.Error("report should follow the sorter's tactic order")
	}
}

func TestReportEscapesNotes(t *testing.T) {
	c := cart.Cart{Title: "x", Version: "v14.1", Entries: []cart.Entry{
		{TechniqueID: "T1566", TacticID: "TA0001", TacticName: "Initial Access", Notes: "<script>alert(1)</script>"},
	}}
	sorter := fakeSorter{sorted: []taxonomy.SortedTactic{{ID: "TA0001", Name: "Initial Access", Techniques: []taxonomy.SortedTechnique{{ID: "T1566", Name: "Phishing"}}}}}
	a, err := ReportFile(context.Background(), sorter, c, "", time.Now())
	if err != nil {
		t.Fatalf("ReportFile: %v", err)
	}
	if strings.Contains(string(a.Data), "<script>") {
		t.Error("notes were not escaped")
	}
}

func TestReportSortFailure(t *testing.T) {
	_, err := ReportFile(context.Background(), fakeSorter{err: taxonomy.ErrUnavailable}, sampleCart(), "", time.Now())
	if !errors.Is(err, ErrSortFailed) {
		t.Fatalf("expected ErrSortFailed, got %v", err)
	}
}

func TestUsageLookup(t *testing.T) {
	got := usageLookup(sampleCart())
	want := map[string][]string{
		"TA0002--T1059.001": {" encoded command ", "download cradle"},
		"TA0001--T1566":     {"  "},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("lookup mismatch (-want +got):\n%s", diff)
	}
}

func TestServiceStoreToDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	svc := NewService(nil, DirSink{Dir: dir}, "", nil)

	a, location, err := svc.Store(context.Background(), KindNavigator, sampleCart())
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if location != filepath.Join(dir, a.Filename) {
		t.Errorf("location = %q", location)
	}
	data, err := os.ReadFile(location)
	if err != nil || !bytes.Equal(data, a.Data) {
		t.Errorf("stored file differs from artifact (%v)", err)
	}
}

func TestServiceStoreWithoutSink(t *testing.T) {
	svc := NewService(nil, nil, "", nil)
	if _, _, err := svc.Store(context.Background(), KindCart, sampleCart()); !errors.Is(err, ErrNoSink) {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
}

func TestReportWithoutSorter(t *testing.T) {
	svc := NewService(nil, nil, "", nil)
	if _, err := svc.Render(context.Background(), KindReport, sampleCart()); !errors.Is(err, ErrSortFailed) {
		t.Fatalf("expected ErrSortFailed, got %v", err)
	}
}

// fakeS3 answers the handful of calls the sink makes. Bucket requests come
// as "/bucket" or "/bucket/"; anything with a key is an object.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	created int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	isBucket := key == ""
	switch {
	case r.Method == http.MethodGet && r.URL.Query().Has("location"):
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
	case isBucket && r.Method == http.MethodHead:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case isBucket && r.Method == http.MethodPut:
		f.buckets[bucket] = true
		f.created++
		w.WriteHeader(http.StatusOK)
	case !isBucket && r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func TestMinioSinkCreatesBucketAndUploads(t *testing.T) {
	fake := &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sink, err := NewMinioSink(MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "exports",
		Region:    "us-east-1",
	}, "carts", nil)
	if err != nil {
		t.Fatalf("NewMinioSink: %v", err)
	}

	a, err := CartFile(sampleCart())
	if err != nil {
		t.Fatalf("CartFile: %v", err)
	}
	location, err := sink.Put(context.Background(), a)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if location != "s3://exports/carts/"+a.Filename {
		t.Errorf("location = %q", location)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.buckets["exports"] || fake.created != 1 {
		t.Errorf("expected the bucket created once, got %d", fake.created)
	}
	body, ok := fake.objects["/exports/carts/"+a.Filename]
	if !ok || !bytes.Contains(body, a.Data) {
		t.Errorf("object not uploaded with artifact data, got %q", body)
	}
}

func TestMinioSinkReusesExistingBucket(t *testing.T) {
	fake := &fakeS3{buckets: map[string]bool{"exports": true}, objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sink, err := NewMinioSink(MinioConfig{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "exports",
		Region:    "us-east-1",
	}, "carts", nil)
	if err != nil {
		t.Fatalf("NewMinioSink: %v", err)
	}
	a, err := CartFile(sampleCart())
	if err != nil {
		t.Fatalf("CartFile: %v", err)
	}
	if _, err := sink.Put(context.Background(), a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.created != 0 {
		t.Errorf("existing bucket was created again %d time(s)", fake.created)
	}
	if _, ok := fake.objects["/exports/carts/"+a.Filename]; !ok {
		t.Error("object not uploaded")
	}
}
