package corpus

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/olivere/elastic/v7"
	"golang.org/x/sync/errgroup"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
	"github.com/ricesearch/recipe-eval/internal/ranker"
)

// textFields are the document fields indexed for full-text search.
var textFields = []string{"contents", "title", "ingredients"}

// Config controls bulk loading.
type Config struct {
	// Index is the target index name.
	Index string

	// BulkSize is the number of documents per bulk request.
	BulkSize int

	// Workers is the number of concurrent bulk requests.
	Workers int

	// Force drops and recreates an index that already holds documents.
	Force bool

	// Modes are the scoring modes the index can serve. Each gets a BM25
	// similarity and a sub-field on every text field.
	Modes []ranker.Mode

	// Timeout bounds the wait for a new index to become usable.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Index:    "recipes",
		BulkSize: 500,
		Workers:  2,
		Modes:    []ranker.Mode{ranker.TFIDF(), ranker.BM25(ranker.DefaultK1, ranker.DefaultB)},
		Timeout:  30 * time.Second,
	}
}

// Stats summarises a load.
type Stats struct {
	Indexed  int64 `json:"indexed"`
	Failed   int64 `json:"failed"`
	Invalid  int   `json:"invalid"`
	Existing int64 `json:"existing"`
	Created  bool  `json:"created"`
	Skipped  bool  `json:"skipped"`
}

// Indexer loads collection documents into an Elasticsearch index.
type Indexer struct {
	client   *elastic.Client
	cfg      Config
	log      *logger.Logger
	progress io.Writer
}

// NewIndexer creates an indexer. Zero config fields take their defaults.
func NewIndexer(client *elastic.Client, cfg Config, log *logger.Logger) *Indexer {
	if log == nil {
		log = logger.Default()
	}
	def := DefaultConfig()
	if cfg.Index == "" {
		cfg.Index = def.Index
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = def.BulkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if len(cfg.Modes) == 0 {
		cfg.Modes = def.Modes
	}
	cfg.Modes = ranker.Scorings(cfg.Modes...)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Indexer{client: client, cfg: cfg, log: log}
}

// SetProgress enables a progress bar on w.
func (ix *Indexer) SetProgress(w io.Writer) {
	ix.progress = w
}

// indexBody builds the settings and mapping of a new index. Every text field
// gets one sub-field per scoring mode, indexed with that mode's similarity,
// and _meta records a fresh corpus generation.
func (ix *Indexer) indexBody(generation string) map[string]any {
	subfields := ranker.ScoredSubfields(ix.cfg.Modes)

	props := map[string]any{
		"id": map[string]any{"type": "keyword"},
	}
	for _, f := range textFields {
		props[f] = map[string]any{"type": "text", "fields": subfields}
	}

	return map[string]any{
		"settings": map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 0,
			"index": map[string]any{
				"similarity": ranker.SimilaritySettings(ix.cfg.Modes),
			},
		},
		"mappings": map[string]any{
			"_meta":      map[string]any{"generation": generation},
			"properties": props,
		},
	}
}

// EnsureIndex creates the index when it does not exist and reports whether
// it did.
func (ix *Indexer) EnsureIndex(ctx context.Context) (bool, error) {
	exists, err := ix.client.IndexExists(ix.cfg.Index).Do(ctx)
	if err != nil {
		return false, errors.IndexUnavailableError(ix.cfg.Index, err)
	}
	if exists {
		return false, nil
	}
	return true, ix.create(ctx)
}

func (ix *Indexer) create(ctx context.Context) error {
	generation := uuid.NewString()

	res, err := ix.client.CreateIndex(ix.cfg.Index).BodyJson(ix.indexBody(generation)).Do(ctx)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, fmt.Sprintf("creating index %s", ix.cfg.Index), err)
	}
	if !res.Acknowledged {
		return errors.New(errors.CodeInternal, fmt.Sprintf("creating index %s was not acknowledged", ix.cfg.Index))
	}

	if _, err := ix.client.ClusterHealth().
		Index(ix.cfg.Index).
		WaitForYellowStatus().
		Timeout(esDuration(ix.cfg.Timeout)).
		Do(ctx); err != nil {
		return errors.TimeoutError(fmt.Sprintf("waiting for index %s", ix.cfg.Index), err)
	}

	modes := make([]string, len(ix.cfg.Modes))
	for i, m := range ix.cfg.Modes {
		modes[i] = m.String()
	}
	ix.log.Info("Created index", "index", ix.cfg.Index, "generation", generation, "modes", modes)
	return nil
}

// recreate drops the index and creates it again with the current modes.
func (ix *Indexer) recreate(ctx context.Context) error {
	res, err := ix.client.DeleteIndex(ix.cfg.Index).Do(ctx)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, fmt.Sprintf("deleting index %s", ix.cfg.Index), err)
	}
	if !res.Acknowledged {
		return errors.New(errors.CodeInternal, fmt.Sprintf("deleting index %s was not acknowledged", ix.cfg.Index))
	}
	ix.log.Info("Dropped index", "index", ix.cfg.Index)
	return ix.create(ctx)
}

// esDuration formats d as an Elasticsearch time value.
func esDuration(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// Count returns the number of documents in the index.
func (ix *Indexer) Count(ctx context.Context) (int64, error) {
	n, err := ix.client.Count(ix.cfg.Index).Do(ctx)
	if err != nil {
		return 0, errors.IndexUnavailableError(ix.cfg.Index, err)
	}
	return n, nil
}

// Load indexes docs in concurrent bulk batches. An index that already holds
// documents is left alone unless Force is set; Force drops and recreates an
// existing index. Documents without an id are
// counted as invalid and skipped; per-document bulk failures are counted
// and logged, while a failed bulk request aborts the load.
func (ix *Indexer) Load(ctx context.Context, docs []Document) (*Stats, error) {
	stats := &Stats{}

	created, err := ix.EnsureIndex(ctx)
	if err != nil {
		return nil, err
	}
	stats.Created = created

	if !created {
		n, err := ix.Count(ctx)
		if err != nil {
			return nil, err
		}
		stats.Existing = n
		switch {
		case n > 0 && !ix.cfg.Force:
			ix.log.Info("Index already exists", "index", ix.cfg.Index, "documents", n)
			stats.Skipped = true
			return stats, nil
		case ix.cfg.Force:
			if err := ix.recreate(ctx); err != nil {
				return nil, err
			}
			stats.Created = true
		}
	}

	valid := make([]Document, 0, len(docs))
	for _, d := range docs {
		if err := d.Validate(); err != nil {
			stats.Invalid++
			continue
		}
		valid = append(valid, d)
	}
	if stats.Invalid > 0 {
		ix.log.Warn("Skipped documents without id", "count", stats.Invalid)
	}

	var bar *pb.ProgressBar
	if ix.progress != nil {
		bar = pb.New(len(valid)).
			SetWriter(ix.progress).
			Set("prefix", "Indexing ").
			Start()
		defer bar.Finish()
	}

	var indexed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Workers)

	for _, batch := range splitIntoBatches(valid, ix.cfg.BulkSize) {
		batch := batch
		g.Go(func() error {
			ok, bad, err := ix.bulk(gctx, batch)
			if err != nil {
				return err
			}
			indexed.Add(int64(ok))
			failed.Add(int64(bad))
			if bar != nil {
				bar.Add(len(batch))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if _, err := ix.client.Refresh(ix.cfg.Index).Do(ctx); err != nil {
		ix.log.Warn("Index refresh failed", "index", ix.cfg.Index, "error", err)
	}

	stats.Indexed = indexed.Load()
	stats.Failed = failed.Load()

	ix.log.Info("Corpus loaded",
		"index", ix.cfg.Index,
		"indexed", stats.Indexed,
		"failed", stats.Failed,
	)
	return stats, nil
}

func (ix *Indexer) bulk(ctx context.Context, batch []Document) (int, int, error) {
	req := ix.client.Bulk().Index(ix.cfg.Index)
	for _, d := range batch {
		req.Add(elastic.NewBulkIndexRequest().Id(d.ID).Doc(d))
	}

	res, err := req.Do(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(errors.CodeInternal, fmt.Sprintf("bulk indexing %d documents", len(batch)), err)
	}

	failed := res.Failed()
	for _, item := range failed {
		reason := ""
		if item.Error != nil {
			reason = item.Error.Reason
		}
		ix.log.Warn("Document not indexed", "doc_id", item.Id, "status", item.Status, "reason", reason)
	}
	return len(batch) - len(failed), len(failed), nil
}

func splitIntoBatches[T any](items []T, size int) [][]T {
	var batches [][]T
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}
	return batches
}
