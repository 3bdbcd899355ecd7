// Package retrieval orchestrates tenant vector operations across the primary
// index and the relational fallback store. The engine decides which backend
// serves a request and normalizes results so callers cannot tell the two
// apart: same scoring scale, same threshold semantics, same ordering.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/brieflyhq/retrieval/internal/namespace"
	"github.com/brieflyhq/retrieval/internal/similarity"
	"github.com/brieflyhq/retrieval/internal/vectorstore"
)

// ErrRetrievalUnavailable is returned only when every eligible backend has
// failed for a request. It is distinct from an empty result set, which is a
// successful search that matched nothing.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable on all backends")

// Options configures an Engine.
type Options struct {
	// PrimaryEnabled routes operations to the primary index first. When
	// false the engine runs fallback-only and the primary backend may be
	// nil.
	PrimaryEnabled bool

	// Threshold is the default minimum relevance score, in [0,1].
	// Default: 0.7
	Threshold float64

	// Limit is the default maximum result count per search.
	// Default: 5
	Limit int

	// Overfetch multiplies the limit when querying backends, so that
	// thresholding in the engine cannot starve the result set. Applied on
	// both paths. Default: 2
	Overfetch int

	// DualWrite mirrors successful primary writes to the fallback store.
	// Used during migration windows; fallback write failures degrade to a
	// warning.
	DualWrite bool

	// Dimensions is the expected embedding length. Zero disables the
	// check.
	Dimensions int
}

// ApplyDefaults sets default values for unset fields.
func (o *Options) ApplyDefaults() {
	if o.Threshold == 0 {
		o.Threshold = 0.7
	}
	if o.Limit == 0 {
		o.Limit = 5
	}
	if o.Overfetch == 0 {
		o.Overfetch = 2
	}
}

// SearchOptions override engine defaults for one search.
type SearchOptions struct {
	// Limit caps the result count. Zero means the engine default.
	Limit int

	// Threshold overrides the minimum relevance score. Nil means the
	// engine default; an explicit zero disables filtering.
	Threshold *float64

	// FileIDs restricts results to documents from these files.
	FileIDs []string
}

// SearchResult is the normalized hit shape returned from either backend.
type SearchResult struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	Distance       float64        `json:"distance"`
	RelevanceScore float64        `json:"relevanceScore"`
	FileID         string         `json:"fileId"`
	FileName       string         `json:"fileName"`
	ChunkIndex     int            `json:"chunkIndex"`
}

// Stats reports per-tenant storage state for diagnostics.
type Stats struct {
	DocumentCount int    `json:"documentCount"`
	ActiveBackend string `json:"activeBackend"`
}

// Engine coordinates the two backends. It holds no request state; every
// operation runs its own primary-then-fallback progression.
type Engine struct {
	primary  vectorstore.Backend
	fallback vectorstore.Backend
	logger   *zap.Logger
	opts     Options
}

// NewEngine builds an Engine around an explicitly injected backend pair.
func NewEngine(primary, fallback vectorstore.Backend, logger *zap.Logger, opts Options) (*Engine, error) {
	opts.ApplyDefaults()
	if fallback == nil {
		return nil, errors.New("retrieval: fallback backend is required")
	}
	if opts.PrimaryEnabled && primary == nil {
		return nil, errors.New("retrieval: primary backend required when enabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		opts:     opts,
	}, nil
}

// Close releases both backends.
func (e *Engine) Close() error {
	var errs []error
	if e.primary != nil {
		errs = append(errs, e.primary.Close())
	}
	errs = append(errs, e.fallback.Close())
	return errors.Join(errs...)
}

// StoreVectors validates and writes a batch of documents for a tenant. The
// batch lands on exactly one backend: if the primary write fails for any
// reason but an expired deadline, the whole batch escalates to the fallback
// store. It is never split across backends.
func (e *Engine) StoreVectors(ctx context.Context, ownerID string, docs []vectorstore.Document) error {
	if len(docs) == 0 {
		return nil
	}
	for i := range docs {
		if err := docs[i].Validate(e.opts.Dimensions); err != nil {
			return err
		}
	}
	ns, err := namespace.For(ownerID)
	if err != nil {
		return err
	}

	if !e.opts.PrimaryEnabled {
		if err := e.upsert(ctx, e.fallback, ns, docs); err != nil {
			storesTotal.WithLabelValues(e.fallback.Name(), resultError).Inc()
			return e.terminal(err)
		}
		storesTotal.WithLabelValues(e.fallback.Name(), resultOK).Inc()
		return nil
	}

	primaryErr := e.upsert(ctx, e.primary, ns, docs)
	if primaryErr == nil {
		storesTotal.WithLabelValues(e.primary.Name(), resultOK).Inc()
		if e.opts.DualWrite {
			if err := e.upsert(ctx, e.fallback, ns, docs); err != nil {
				e.logger.Warn("dual write to fallback failed",
					zap.String("namespace", ns),
					zap.String("backend", e.fallback.Name()),
					zap.Error(err))
			}
		}
		return nil
	}
	if errors.Is(primaryErr, vectorstore.ErrTimeout) {
		storesTotal.WithLabelValues(e.primary.Name(), resultTimeout).Inc()
		return primaryErr
	}

	storesTotal.WithLabelValues(e.primary.Name(), resultError).Inc()
	fallbacksTotal.WithLabelValues(opStore).Inc()
	e.logger.Warn("primary store failed, escalating batch to fallback",
		zap.String("namespace", ns),
		zap.Int("document_count", len(docs)),
		zap.Error(primaryErr))

	if fallbackErr := e.upsert(ctx, e.fallback, ns, docs); fallbackErr != nil {
		storesTotal.WithLabelValues(e.fallback.Name(), resultError).Inc()
		if errors.Is(fallbackErr, vectorstore.ErrTimeout) {
			return fallbackErr
		}
		return fmt.Errorf("%w: %w", ErrRetrievalUnavailable, errors.Join(primaryErr, fallbackErr))
	}
	storesTotal.WithLabelValues(e.fallback.Name(), resultOK).Inc()
	return nil
}

// SearchVectors runs a similarity search for a tenant. An expired deadline on
// the primary surfaces immediately; any other primary failure falls back. Both
// backends failing yields ErrRetrievalUnavailable wrapping both causes.
func (e *Engine) SearchVectors(ctx context.Context, ownerID string, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("retrieval: %w: empty query vector", similarity.ErrDimensionMismatch)
	}
	if e.opts.Dimensions > 0 && len(vector) != e.opts.Dimensions {
		return nil, fmt.Errorf("retrieval: %w: query has %d dimensions, expected %d",
			similarity.ErrDimensionMismatch, len(vector), e.opts.Dimensions)
	}
	if isZero(vector) {
		return nil, fmt.Errorf("retrieval: %w: zero-magnitude query vector", similarity.ErrDegenerateVector)
	}
	ns, err := namespace.For(ownerID)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = e.opts.Limit
	}
	threshold := e.opts.Threshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	fetchLimit := limit * e.opts.Overfetch

	if !e.opts.PrimaryEnabled {
		raws, err := e.query(ctx, e.fallback, ns, vector, fetchLimit, opts.FileIDs)
		if err != nil {
			if errors.Is(err, vectorstore.ErrTimeout) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, err)
		}
		return normalize(raws, threshold, limit), nil
	}

	raws, primaryErr := e.query(ctx, e.primary, ns, vector, fetchLimit, opts.FileIDs)
	if primaryErr == nil {
		return normalize(raws, threshold, limit), nil
	}
	if errors.Is(primaryErr, vectorstore.ErrTimeout) {
		return nil, primaryErr
	}

	fallbacksTotal.WithLabelValues(opSearch).Inc()
	e.logger.Warn("primary search failed, falling back",
		zap.String("namespace", ns),
		zap.Error(primaryErr))

	raws, fallbackErr := e.query(ctx, e.fallback, ns, vector, fetchLimit, opts.FileIDs)
	if fallbackErr != nil {
		if errors.Is(fallbackErr, vectorstore.ErrTimeout) {
			return nil, fallbackErr
		}
		return nil, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, errors.Join(primaryErr, fallbackErr))
	}
	return normalize(raws, threshold, limit), nil
}

// DeleteFileVectors removes a file's documents from BOTH backends so that a
// later backend switch cannot resurrect deleted content. Backend failures are
// logged and counted but never fail the caller.
func (e *Engine) DeleteFileVectors(ctx context.Context, ownerID string, fileID string) error {
	if fileID == "" {
		return errors.New("retrieval: file id cannot be empty")
	}
	ns, err := namespace.For(ownerID)
	if err != nil {
		return err
	}

	backends := []vectorstore.Backend{e.fallback}
	if e.primary != nil {
		backends = append([]vectorstore.Backend{e.primary}, backends...)
	}
	for _, b := range backends {
		if err := b.DeleteByFile(ctx, ns, fileID); err != nil {
			deletesTotal.WithLabelValues(b.Name(), resultError).Inc()
			e.logger.Warn("delete by file failed",
				zap.String("namespace", ns),
				zap.String("backend", b.Name()),
				zap.String("file_id", fileID),
				zap.Error(err))
			continue
		}
		deletesTotal.WithLabelValues(b.Name(), resultOK).Inc()
	}
	return nil
}

// Stats reports the tenant's document count from the active backend, falling
// back when the primary cannot answer.
func (e *Engine) Stats(ctx context.Context, ownerID string) (Stats, error) {
	ns, err := namespace.For(ownerID)
	if err != nil {
		return Stats{}, err
	}

	if e.opts.PrimaryEnabled {
		count, primaryErr := e.primary.Count(ctx, ns)
		if primaryErr == nil {
			return Stats{DocumentCount: count, ActiveBackend: e.primary.Name()}, nil
		}
		if errors.Is(primaryErr, vectorstore.ErrTimeout) {
			return Stats{}, primaryErr
		}
		count, fallbackErr := e.fallback.Count(ctx, ns)
		if fallbackErr != nil {
			return Stats{}, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, errors.Join(primaryErr, fallbackErr))
		}
		return Stats{DocumentCount: count, ActiveBackend: e.fallback.Name()}, nil
	}

	count, err := e.fallback.Count(ctx, ns)
	if err != nil {
		if errors.Is(err, vectorstore.ErrTimeout) {
			return Stats{}, err
		}
		return Stats{}, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, err)
	}
	return Stats{DocumentCount: count, ActiveBackend: e.fallback.Name()}, nil
}

// terminal wraps a sole-backend failure: with no backend left to try, anything
// but a timeout means retrieval is unavailable.
func (e *Engine) terminal(err error) error {
	if errors.Is(err, vectorstore.ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRetrievalUnavailable, err)
}

func (e *Engine) upsert(ctx context.Context, b vectorstore.Backend, ns string, docs []vectorstore.Document) error {
	if err := b.EnsureCollection(ctx, ns); err != nil {
		return err
	}
	return b.Upsert(ctx, ns, docs)
}

func (e *Engine) query(ctx context.Context, b vectorstore.Backend, ns string, vector []float32, limit int, fileIDs []string) ([]vectorstore.RawResult, error) {
	start := time.Now()
	raws, err := b.Query(ctx, ns, vector, limit, fileIDs)
	searchDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		searchesTotal.WithLabelValues(b.Name(), searchResultLabel(err)).Inc()
		return nil, err
	}
	searchesTotal.WithLabelValues(b.Name(), resultOK).Inc()
	return raws, nil
}

func searchResultLabel(err error) string {
	if errors.Is(err, vectorstore.ErrTimeout) {
		return resultTimeout
	}
	return resultError
}

// normalize converts raw backend hits into the caller-facing shape: relevance
// scores from distances, threshold filter, deterministic ordering, limit.
func normalize(raws []vectorstore.RawResult, threshold float64, limit int) []SearchResult {
	results := make([]SearchResult, 0, len(raws))
	for _, raw := range raws {
		score := similarity.RelevanceFromDistance(raw.Distance)
		if score < threshold {
			belowThresholdTotal.Inc()
			continue
		}
		results = append(results, SearchResult{
			ID:             raw.ID,
			Content:        raw.Content,
			Metadata:       raw.Metadata,
			Distance:       raw.Distance,
			RelevanceScore: score,
			FileID:         metaString(raw.Metadata, vectorstore.MetaFileID),
			FileName:       metaString(raw.Metadata, vectorstore.MetaFileName),
			ChunkIndex:     metaInt(raw.Metadata, vectorstore.MetaChunkIndex),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].RelevanceScore != results[j].RelevanceScore {
			return results[i].RelevanceScore > results[j].RelevanceScore
		}
		if results[i].ChunkIndex != results[j].ChunkIndex {
			return results[i].ChunkIndex < results[j].ChunkIndex
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// isZero reports whether a vector has zero magnitude, for which cosine
// similarity is undefined.
func isZero(vector []float32) bool {
	for _, v := range vector {
		if v != 0 {
			return false
		}
	}
	return true
}

func metaString(meta map[string]any, key string) string {
	v, _ := meta[key].(string)
	return v
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	default:
		return 0
	}
}
