package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// pathRecorder serves a fixed response per path and counts hits.
type pathRecorder struct {
	mu        sync.Mutex
	hits      map[string]int
	responses map[string]func(w http.ResponseWriter)
}

func (pr *pathRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pr.mu.Lock()
	pr.hits[r.URL.Path]++
	pr.mu.Unlock()
	if fn, ok := pr.responses[r.URL.Path]; ok {
		fn(w)
		return
	}
	http.NotFound(w, r)
}

func (pr *pathRecorder) hitCount(path string) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.hits[path]
}

func TestResolveSelectsFirstWorkingCandidate(t *testing.T) {
	rec := &pathRecorder{
		hits: map[string]int{},
		responses: map[string]func(http.ResponseWriter){
			"/p1": func(w http.ResponseWriter) { w.WriteHeader(http.StatusNotFound) },
			"/p2": func(w http.ResponseWriter) { w.Write([]byte(`{"js":{"token":"T"}}`)) },
			"/p3": func(w http.ResponseWriter) { w.Write([]byte(`{"js":{"token":"T"}}`)) },
		},
	}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	tr := newTestTransport(t, srv)
	r := &Resolver{Candidates: []string{"p1", "p2", "p3"}}
	path, err := r.Resolve(context.Background(), tr)
	if err != nil {
		t.Fatal(err)
	}
	if path != "p2" {
		t.Errorf("resolved %q, want p2", path)
	}
	if rec.hitCount("/p1") != 1 {
		t.Errorf("p1 probed %d times, want 1 (no retry within a resolution)", rec.hitCount("/p1"))
	}
	if rec.hitCount("/p3") != 0 {
		t.Errorf("p3 probed %d times, want 0 (stop at first success)", rec.hitCount("/p3"))
	}
}

func TestResolveSkipsUnparseableBody(t *testing.T) {
	rec := &pathRecorder{
		hits: map[string]int{},
		responses: map[string]func(http.ResponseWriter){
			"/p1": func(w http.ResponseWriter) { w.Write([]byte("<html>login</html>")) },
			"/p2": func(w http.ResponseWriter) { w.Write([]byte(`{"js":{}}`)) },
		},
	}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	r := &Resolver{Candidates: []string{"p1", "p2"}}
	path, err := r.Resolve(context.Background(), newTestTransport(t, srv))
	if err != nil {
		t.Fatal(err)
	}
	if path != "p2" {
		t.Errorf("resolved %q, want p2 (p1 is 200 but not an envelope)", path)
	}
}

func TestResolveExhaustedCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	r := &Resolver{Candidates: []string{"p1", "p2"}}
	_, err := r.Resolve(context.Background(), newTestTransport(t, srv))
	if !errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("err = %v, want ErrEndpointNotFound", err)
	}
}

func TestReportProbesAllCandidates(t *testing.T) {
	rec := &pathRecorder{
		hits: map[string]int{},
		responses: map[string]func(http.ResponseWriter){
			"/p2": func(w http.ResponseWriter) { w.Write([]byte(`{"js":{}}`)) },
		},
	}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	r := &Resolver{Candidates: []string{"p1", "p2", "p3"}}
	selected, reports := r.Report(context.Background(), newTestTransport(t, srv))
	if selected != "p2" {
		t.Errorf("selected %q, want p2", selected)
	}
	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}
	wantOK := map[string]bool{"p1": false, "p2": true, "p3": false}
	for _, rep := range reports {
		if rep.OK != wantOK[rep.Path] {
			t.Errorf("report %s OK = %v, want %v", rep.Path, rep.OK, wantOK[rep.Path])
		}
	}
}
