package corpus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// fakeIndex serves the index administration and bulk endpoints.
type fakeIndex struct {
	mu       sync.Mutex
	exists   bool
	created  int
	deleted  int
	body     map[string]any
	health   string
	docs     map[string]Document
	reject   map[string]bool
	bulks    int
	failBulk bool
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: map[string]Document{}, reject: map[string]bool{}}
}

func (f *fakeIndex) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	path := strings.TrimSuffix(r.URL.Path, "/")

	switch {
	case path == "/recipes" && r.Method == http.MethodHead:
		if !f.exists {
			w.WriteHeader(http.StatusNotFound)
		}

	case path == "/recipes" && r.Method == http.MethodPut:
		f.body = nil
		_ = json.NewDecoder(r.Body).Decode(&f.body)
		f.exists = true
		f.created++
		io.WriteString(w, `{"acknowledged":true,"shards_acknowledged":true,"index":"recipes"}`)

	case path == "/recipes" && r.Method == http.MethodDelete:
		f.exists = false
		f.deleted++
		f.docs = map[string]Document{}
		io.WriteString(w, `{"acknowledged":true}`)

	case path == "/_cluster/health/recipes":
		f.health = r.URL.Query().Get("timeout")
		io.WriteString(w, `{"cluster_name":"test","status":"yellow","timed_out":false}`)

	case path == "/recipes/_count":
		fmt.Fprintf(w, `{"count":%d}`, len(f.docs))

	case path == "/recipes/_refresh":
		io.WriteString(w, `{"_shards":{"total":1,"successful":1,"failed":0}}`)

	case path == "/recipes/_bulk":
		f.bulks++
		if f.failBulk {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"type":"exception","reason":"injected"},"status":500}`)
			return
		}
		f.handleBulk(w, r)

	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"type":"index_not_found_exception","reason":"no such index"},"status":404}`)
	}
}

func (f *fakeIndex) handleBulk(w http.ResponseWriter, r *http.Request) {
	var items []map[string]any
	hasErrors := false

	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		var action map[string]struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil {
			continue
		}
		if !scanner.Scan() {
			break
		}
		var doc Document
		_ = json.Unmarshal(scanner.Bytes(), &doc)

		id := action["index"].ID
		if f.reject[id] {
			hasErrors = true
			items = append(items, map[string]any{"index": map[string]any{
				"_index": "recipes", "_id": id, "status": 400,
				"error": map[string]any{"type": "mapper_parsing_exception", "reason": "rejected"},
			}})
			continue
		}
		f.docs[id] = doc
		items = append(items, map[string]any{"index": map[string]any{"_index": "recipes", "_id": id, "status": 201}})
	}

	json.NewEncoder(w).Encode(map[string]any{"took": 1, "errors": hasErrors, "items": items})
}

func newIndexer(t *testing.T, f *fakeIndex, cfg Config) *Indexer {
	t.Helper()

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	client, err := ranker.NewElasticClient(ranker.ElasticConfig{URLs: []string{srv.URL}})
	if err != nil {
		t.Fatalf("NewElasticClient() error = %v", err)
	}
	t.Cleanup(client.Stop)

	cfg.Index = "recipes"
	return NewIndexer(client, cfg, logger.Discard())
}

func makeDocs(n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		docs[i] = Document{ID: fmt.Sprint(i), Contents: "recipe", Title: fmt.Sprintf("Recipe %d", i)}
	}
	return docs
}

func TestIndexer_LoadCreatesIndex(t *testing.T) {
	f := newFakeIndex()
	ix := newIndexer(t, f, Config{BulkSize: 3, Workers: 2})

	var progress bytes.Buffer
	ix.SetProgress(&progress)

	docs := append(makeDocs(7), Document{Contents: "no id"})
	stats, err := ix.Load(context.Background(), docs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !stats.Created || stats.Skipped {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Indexed != 7 || stats.Failed != 0 || stats.Invalid != 1 {
		t.Errorf("indexed/failed/invalid = %d/%d/%d, want 7/0/1", stats.Indexed, stats.Failed, stats.Invalid)
	}
	if f.created != 1 || f.bulks != 3 || len(f.docs) != 7 {
		t.Errorf("created=%d bulks=%d docs=%d", f.created, f.bulks, len(f.docs))
	}
	if f.docs["3"].Title != "Recipe 3" {
		t.Errorf("stored doc = %+v", f.docs["3"])
	}
}

func TestIndexer_SkipsPopulatedIndex(t *testing.T) {
	f := newFakeIndex()
	f.exists = true
	f.docs["old"] = Document{ID: "old"}

	ix := newIndexer(t, f, Config{})
	stats, err := ix.Load(context.Background(), makeDocs(2))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !stats.Skipped || stats.Existing != 1 || f.bulks != 0 {
		t.Errorf("stats = %+v, bulks = %d", stats, f.bulks)
	}

	forced := newIndexer(t, f, Config{Force: true})
	stats, err = forced.Load(context.Background(), makeDocs(2))
	if err != nil {
		t.Fatalf("Load(force) error = %v", err)
	}
	if stats.Skipped || !stats.Created || stats.Indexed != 2 {
		t.Errorf("forced stats = %+v", stats)
	}
	if f.deleted != 1 || f.created != 1 {
		t.Errorf("deleted = %d, created = %d, want the index recreated once", f.deleted, f.created)
	}
	if _, ok := f.docs["old"]; ok || len(f.docs) != 2 {
		t.Errorf("docs after forced load = %v", f.docs)
	}
}

func TestIndexer_DeclaresScoringModes(t *testing.T) {
	f := newFakeIndex()
	ix := newIndexer(t, f, Config{
		Modes:   []ranker.Mode{ranker.TFIDF(), ranker.BM25(0.9, 0.4), ranker.BM25(0.9, 0.4)},
		Timeout: 1500 * time.Millisecond,
	})

	if _, err := ix.Load(context.Background(), makeDocs(1)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.body == nil {
		t.Fatal("index was not created with a body")
	}

	settings := f.body["settings"].(map[string]any)["index"].(map[string]any)
	sims := settings["similarity"].(map[string]any)
	if len(sims) != 2 {
		t.Fatalf("similarities = %v, want tfidf and one bm25", sims)
	}
	bm25 := sims["bm25_k1_0p9_b_0p4"].(map[string]any)
	if bm25["type"] != "BM25" || bm25["k1"] != 0.9 || bm25["b"] != 0.4 {
		t.Errorf("bm25 similarity = %v", bm25)
	}
	if _, ok := sims["bm25_k1_0_b_0"]; !ok {
		t.Errorf("tfidf similarity missing from %v", sims)
	}

	mappings := f.body["mappings"].(map[string]any)
	if gen, _ := mappings["_meta"].(map[string]any)["generation"].(string); gen == "" {
		t.Error("mapping has no corpus generation")
	}
	contents := mappings["properties"].(map[string]any)["contents"].(map[string]any)
	sub := contents["fields"].(map[string]any)["bm25_k1_0_b_0"].(map[string]any)
	if sub["similarity"] != "bm25_k1_0_b_0" {
		t.Errorf("contents tfidf sub-field = %v", sub)
	}

	if f.health != "1500ms" {
		t.Errorf("health timeout = %q, want 1500ms", f.health)
	}
}

func TestESDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{30 * time.Second, "30000ms"},
		{0, "0ms"},
	}
	for _, tt := range tests {
		if got := esDuration(tt.in); got != tt.want {
			t.Errorf("esDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIndexer_ItemFailures(t *testing.T) {
	f := newFakeIndex()
	f.reject["1"] = true

	ix := newIndexer(t, f, Config{BulkSize: 10})
	stats, err := ix.Load(context.Background(), makeDocs(3))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stats.Indexed != 2 || stats.Failed != 1 {
		t.Errorf("indexed/failed = %d/%d, want 2/1", stats.Indexed, stats.Failed)
	}
}

func TestIndexer_BulkRequestFailure(t *testing.T) {
	f := newFakeIndex()
	f.failBulk = true

	ix := newIndexer(t, f, Config{BulkSize: 2, Workers: 1})
	_, err := ix.Load(context.Background(), makeDocs(3))
	if !errors.HasCode(err, errors.CodeInternal) {
		t.Errorf("Load() error = %v, want INTERNAL_ERROR", err)
	}
}
