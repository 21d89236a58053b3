package ranker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/olivere/elastic/v7"
	"golang.org/x/time/rate"

	"github.com/ricesearch/recipe-eval/internal/pkg/errors"
	"github.com/ricesearch/recipe-eval/internal/pkg/logger"
)

const (
	// DefaultTimeout is the default per-call engine timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultDocCacheSize is the number of raw documents kept in memory.
	DefaultDocCacheSize = 1024

	// DefaultField is the field searched when none is configured.
	DefaultField = "contents"
)

// ElasticConfig holds configuration for the Elasticsearch adapter.
type ElasticConfig struct {
	// URLs are the cluster endpoints.
	URLs []string

	// Index is the index holding the corpus.
	Index string

	// Fields are the searched fields. One field uses a match query,
	// several use multi_match.
	Fields []string

	// Username and Password enable basic auth when set.
	Username string
	Password string

	// Timeout bounds each engine call.
	Timeout time.Duration

	// QPS throttles engine calls when positive.
	QPS float64

	// DocCacheSize bounds the raw document cache.
	DocCacheSize int

	// HTTPClient overrides the transport (optional).
	HTTPClient *http.Client
}

// Elastic is a Ranker backed by an Elasticsearch index.
//
// Each scoring mode is served by a sub-field of the searched fields that the
// index maps to a BM25 similarity with the mode's (k1, b); see ModeField.
// The adapter only reads: it never changes settings, mappings or documents.
type Elastic struct {
	client  *elastic.Client
	cfg     ElasticConfig
	limiter *rate.Limiter
	docs    *lru.Cache
	log     *logger.Logger

	// scorings holds the similarity names available on every searched field.
	scorings   map[string]bool
	generation string
}

var _ Ranker = (*Elastic)(nil)

// NewElasticClient creates a client for the given configuration without
// contacting the cluster.
func NewElasticClient(cfg ElasticConfig) (*elastic.Client, error) {
	opts := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.URLs...),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	}
	if cfg.Username != "" {
		opts = append(opts, elastic.SetBasicAuth(cfg.Username, cfg.Password))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, elastic.SetHttpClient(cfg.HTTPClient))
	}
	return elastic.NewClient(opts...)
}

// OpenElastic connects to the cluster, checks that the index exists and reads
// the scoring modes its mapping provides. Any failure is reported as
// INDEX_UNAVAILABLE.
func OpenElastic(ctx context.Context, cfg ElasticConfig, log *logger.Logger) (*Elastic, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Index == "" {
		return nil, errors.ValidationError("elasticsearch index is required")
	}
	if len(cfg.URLs) == 0 {
		return nil, errors.ValidationError("elasticsearch urls are required")
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = []string{DefaultField}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DocCacheSize <= 0 {
		cfg.DocCacheSize = DefaultDocCacheSize
	}

	client, err := NewElasticClient(cfg)
	if err != nil {
		return nil, errors.IndexUnavailableError(cfg.Index, err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	exists, err := client.IndexExists(cfg.Index).Do(checkCtx)
	if err != nil {
		client.Stop()
		return nil, errors.IndexUnavailableError(cfg.Index, err)
	}
	if !exists {
		client.Stop()
		return nil, errors.IndexUnavailableError(cfg.Index, fmt.Errorf("index does not exist"))
	}

	mapping, err := readMapping(checkCtx, client, cfg)
	if err != nil {
		client.Stop()
		return nil, errors.IndexUnavailableError(cfg.Index, fmt.Errorf("reading mapping: %w", err))
	}

	docs, err := lru.New(cfg.DocCacheSize)
	if err != nil {
		client.Stop()
		return nil, fmt.Errorf("creating document cache: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.QPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.QPS), 1)
	}

	log.Debug("Opened elasticsearch index",
		"index", cfg.Index,
		"urls", cfg.URLs,
		"fields", cfg.Fields,
		"scorings", len(mapping.scorings),
		"generation", mapping.generation,
	)

	return &Elastic{
		client:     client,
		cfg:        cfg,
		limiter:    limiter,
		docs:       docs,
		log:        log,
		scorings:   mapping.scorings,
		generation: mapping.generation,
	}, nil
}

// Search runs query against the index under mode and returns at most k hits
// in engine order. A mode the index mapping does not provide is
// INDEX_UNAVAILABLE.
func (e *Elastic) Search(ctx context.Context, query string, k int, mode Mode) ([]Hit, error) {
	if err := validateSearch(k, mode); err != nil {
		return nil, err
	}
	if sim := SimilarityName(mode); !e.scorings[sim] {
		return nil, errors.IndexUnavailableError(e.cfg.Index,
			fmt.Errorf("fields %s have no %s similarity for mode %s; rebuild the index with this mode", strings.Join(e.cfg.Fields, ","), sim, mode))
	}
	if err := e.wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	res, err := e.client.Search(e.cfg.Index).
		Query(e.query(query, mode)).
		Size(k).
		FetchSource(false).
		Do(callCtx)
	if err != nil {
		return nil, e.classify("search", err)
	}
	if res == nil || res.Hits == nil {
		return []Hit{}, nil
	}

	hits := make([]Hit, 0, len(res.Hits.Hits))
	for _, h := range res.Hits.Hits {
		var score float64
		if h.Score != nil {
			score = *h.Score
		}
		hits = append(hits, Hit{DocID: h.Id, Score: score})
	}

	return Truncate(hits, k), nil
}

// FetchRaw returns the stored _source of a document.
func (e *Elastic) FetchRaw(ctx context.Context, docID string) (*Document, error) {
	if v, ok := e.docs.Get(docID); ok {
		return v.(*Document), nil
	}
	if err := e.wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	res, err := e.client.Get().Index(e.cfg.Index).Id(docID).Do(callCtx)
	if err != nil {
		if elastic.IsNotFound(err) {
			return nil, errors.NotFoundError(fmt.Sprintf("document %s", docID))
		}
		return nil, e.classify("fetch", err)
	}
	if !res.Found {
		return nil, errors.NotFoundError(fmt.Sprintf("document %s", docID))
	}

	doc := &Document{ID: docID, Fields: map[string]any{}}
	if len(res.Source) > 0 {
		if err := json.Unmarshal(res.Source, &doc.Fields); err != nil {
			return nil, errors.InternalError(fmt.Sprintf("decoding document %s", docID), err)
		}
	}

	e.docs.Add(docID, doc)
	return doc, nil
}

// Close stops the client.
func (e *Elastic) Close() error {
	e.client.Stop()
	return nil
}

// Namespace identifies what a search runs against: the index, the searched
// fields and the generation recorded when the corpus was loaded. Reloading
// the corpus changes it.
func (e *Elastic) Namespace() string {
	fields := append([]string(nil), e.cfg.Fields...)
	sort.Strings(fields)
	return e.cfg.Index + "|" + strings.Join(fields, ",") + "|" + e.generation
}

func (e *Elastic) query(text string, mode Mode) elastic.Query {
	if len(e.cfg.Fields) == 1 {
		return elastic.NewMatchQuery(ModeField(e.cfg.Fields[0], mode), text)
	}
	fields := make([]string, len(e.cfg.Fields))
	for i, f := range e.cfg.Fields {
		fields[i] = ModeField(f, mode)
	}
	return elastic.NewMultiMatchQuery(text, fields...)
}

type indexMapping struct {
	scorings   map[string]bool
	generation string
}

// readMapping collects the similarity sub-fields shared by all searched
// fields and the corpus generation from _meta. An alias spanning several
// indices yields the scorings common to all of them.
func readMapping(ctx context.Context, client *elastic.Client, cfg ElasticConfig) (*indexMapping, error) {
	res, err := client.GetMapping().Index(cfg.Index).Do(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(res))
	for name := range res {
		names = append(names, name)
	}
	sort.Strings(names)

	var scorings map[string]bool
	var generations []string
	for _, name := range names {
		idx, _ := res[name].(map[string]any)
		mappings, _ := idx["mappings"].(map[string]any)
		if meta, ok := mappings["_meta"].(map[string]any); ok {
			if g, ok := meta["generation"].(string); ok && g != "" {
				generations = append(generations, g)
			}
		}
		props, _ := mappings["properties"].(map[string]any)
		found := fieldScorings(props, cfg.Fields)
		if scorings == nil {
			scorings = found
		} else {
			scorings = intersect(scorings, found)
		}
	}
	if scorings == nil {
		scorings = map[string]bool{}
	}

	return &indexMapping{scorings: scorings, generation: strings.Join(generations, ",")}, nil
}

func fieldScorings(props map[string]any, fields []string) map[string]bool {
	var out map[string]bool
	for _, field := range fields {
		name, _, _ := strings.Cut(field, "^")
		prop, _ := props[name].(map[string]any)
		subfields, _ := prop["fields"].(map[string]any)

		found := map[string]bool{}
		for sub, raw := range subfields {
			def, _ := raw.(map[string]any)
			if sim, _ := def["similarity"].(string); sim == sub {
				found[sub] = true
			}
		}
		if out == nil {
			out = found
		} else {
			out = intersect(out, found)
		}
	}
	if out == nil {
		out = map[string]bool{}
	}
	return out
}

func intersect(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func (e *Elastic) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return errors.TimeoutError("waiting for engine rate limit", err)
	}
	return nil
}

// classify maps engine errors onto the error taxonomy. A missing index or an
// unreachable cluster is INDEX_UNAVAILABLE, everything else SEARCH_FAILED.
func (e *Elastic) classify(op string, err error) error {
	switch {
	case elastic.IsNotFound(err):
		return errors.IndexUnavailableError(e.cfg.Index, err)
	case elastic.IsConnErr(err):
		return errors.IndexUnavailableError(e.cfg.Index, err)
	case elastic.IsTimeout(err), stderrors.Is(err, context.DeadlineExceeded):
		return errors.TimeoutError("elasticsearch "+op, err)
	default:
		return errors.SearchFailedError(fmt.Sprintf("elasticsearch %s failed", op), err)
	}
}
