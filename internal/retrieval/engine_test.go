package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brieflyhq/retrieval/internal/similarity"
	"github.com/brieflyhq/retrieval/internal/vectorstore"
)

// fakeBackend is a scriptable Backend recording every call.
type fakeBackend struct {
	name string

	ensureErr error
	upsertErr error
	queryErr  error
	deleteErr error
	countErr  error

	queryResults []vectorstore.RawResult
	countValue   int

	ensures     []string
	upserts     [][]vectorstore.Document
	queryLimits []int
	deletes     []string
}

var _ vectorstore.Backend = (*fakeBackend)(nil)

func (f *fakeBackend) EnsureCollection(ctx context.Context, ns string) error {
	f.ensures = append(f.ensures, ns)
	return f.ensureErr
}

func (f *fakeBackend) Upsert(ctx context.Context, ns string, docs []vectorstore.Document) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, docs)
	return nil
}

func (f *fakeBackend) Query(ctx context.Context, ns string, vector []float32, limit int, fileIDs []string) ([]vectorstore.RawResult, error) {
	f.queryLimits = append(f.queryLimits, limit)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryResults, nil
}

func (f *fakeBackend) DeleteByFile(ctx context.Context, ns string, fileID string) error {
	f.deletes = append(f.deletes, fileID)
	return f.deleteErr
}

func (f *fakeBackend) Count(ctx context.Context, ns string) (int, error) {
	return f.countValue, f.countErr
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Close() error { return nil }

func newTestEngine(t *testing.T, primary, fallback *fakeBackend, opts Options) *Engine {
	t.Helper()
	var p vectorstore.Backend
	if primary != nil {
		p = primary
	}
	engine, err := NewEngine(p, fallback, zap.NewNop(), opts)
	require.NoError(t, err)
	return engine
}

func rawHit(id string, chunkIndex int, distance float64) vectorstore.RawResult {
	return vectorstore.RawResult{
		ID:       id,
		Content:  "content of " + id,
		Distance: distance,
		Metadata: map[string]any{
			vectorstore.MetaFileID:     "f1",
			vectorstore.MetaFileName:   "f1.txt",
			vectorstore.MetaChunkIndex: chunkIndex,
			vectorstore.MetaOwnerID:    "alice",
			vectorstore.MetaCreatedAt:  "2026-01-15T10:00:00Z",
		},
	}
}

func engineDoc(fileID string, chunkIndex int, embedding []float32) vectorstore.Document {
	return vectorstore.Document{
		ID:        vectorstore.DocumentID(fileID, chunkIndex),
		Content:   "chunk",
		Embedding: embedding,
		Metadata: map[string]any{
			vectorstore.MetaFileID:     fileID,
			vectorstore.MetaFileName:   fileID + ".txt",
			vectorstore.MetaChunkIndex: chunkIndex,
			vectorstore.MetaOwnerID:    "alice",
			vectorstore.MetaCreatedAt:  "2026-01-15T10:00:00Z",
		},
	}
}

func ptr(v float64) *float64 { return &v }

func TestSearchVectors_PrimaryServes(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", queryResults: []vectorstore.RawResult{
		rawHit("f1_0", 0, 0.1),
		rawHit("f1_1", 1, 0.2),
	}}
	fallback := &fakeBackend{name: "sqlite"}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	results, err := engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "f1_0", results[0].ID)
	assert.InDelta(t, 0.9, results[0].RelevanceScore, 1e-9)
	assert.Equal(t, "f1", results[0].FileID)
	assert.Equal(t, "f1.txt", results[0].FileName)

	assert.Empty(t, fallback.queryLimits, "fallback must not be queried when primary succeeds")
}

func TestSearchVectors_FallsBackWhenPrimaryUnavailable(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", queryErr: vectorstore.ErrBackendUnavailable}
	fallback := &fakeBackend{name: "sqlite", queryResults: []vectorstore.RawResult{
		rawHit("f1_0", 0, 0.05),
	}}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	results, err := engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "f1_0", results[0].ID)
	assert.Len(t, fallback.queryLimits, 1)
}

func TestSearchVectors_TimeoutDoesNotFallBack(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", queryErr: vectorstore.ErrTimeout}
	fallback := &fakeBackend{name: "sqlite", queryResults: []vectorstore.RawResult{
		rawHit("f1_0", 0, 0.05),
	}}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	_, err := engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	assert.ErrorIs(t, err, vectorstore.ErrTimeout)
	assert.NotErrorIs(t, err, ErrRetrievalUnavailable)
	assert.Empty(t, fallback.queryLimits, "a slow primary must not double load onto the fallback")
}

func TestSearchVectors_BothBackendsFail(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", queryErr: vectorstore.ErrBackendUnavailable}
	fallback := &fakeBackend{name: "sqlite", queryErr: errors.New("disk full")}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	_, err := engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
	assert.ErrorIs(t, err, vectorstore.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "disk full")
}

func TestSearchVectors_ThresholdAndOrdering(t *testing.T) {
	// Two hits share a relevance score; the tie breaks on chunkIndex, then
	// id. The 0.5-distance hit falls below the default 0.7 threshold.
	primary := &fakeBackend{name: "qdrant", queryResults: []vectorstore.RawResult{
		rawHit("f1_5", 5, 0.2),
		rawHit("f1_2", 2, 0.2),
		rawHit("f1_9", 9, 0.5),
		rawHit("f1_0", 0, 0.1),
	}}
	engine := newTestEngine(t, primary, &fakeBackend{name: "sqlite"}, Options{PrimaryEnabled: true})

	results, err := engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "f1_0", results[0].ID)
	assert.Equal(t, "f1_2", results[1].ID)
	assert.Equal(t, "f1_5", results[2].ID)
}

func TestSearchVectors_ExplicitZeroThreshold(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", queryResults: []vectorstore.RawResult{
		rawHit("f1_0", 0, 0.95),
	}}
	engine := newTestEngine(t, primary, &fakeBackend{name: "sqlite"}, Options{PrimaryEnabled: true})

	// Default threshold drops the weak hit.
	results, err := engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)

	// An explicit zero threshold keeps everything.
	results, err = engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{Threshold: ptr(0)})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchVectors_Overfetch(t *testing.T) {
	primary := &fakeBackend{name: "qdrant"}
	engine := newTestEngine(t, primary, &fakeBackend{name: "sqlite"}, Options{
		PrimaryEnabled: true,
		Limit:          5,
		Overfetch:      3,
	})

	_, err := engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, primary.queryLimits, 1)
	assert.Equal(t, 15, primary.queryLimits[0], "backend limit is limit x overfetch")

	_, err = engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, primary.queryLimits[1])
}

func TestSearchVectors_LimitTruncates(t *testing.T) {
	hits := []vectorstore.RawResult{
		rawHit("f1_0", 0, 0.01),
		rawHit("f1_1", 1, 0.02),
		rawHit("f1_2", 2, 0.03),
	}
	primary := &fakeBackend{name: "qdrant", queryResults: hits}
	engine := newTestEngine(t, primary, &fakeBackend{name: "sqlite"}, Options{PrimaryEnabled: true})

	results, err := engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchVectors_QueryVectorValidation(t *testing.T) {
	engine := newTestEngine(t, nil, &fakeBackend{name: "sqlite"}, Options{Dimensions: 3})

	_, err := engine.SearchVectors(context.Background(), "alice", nil, SearchOptions{})
	assert.ErrorIs(t, err, similarity.ErrDimensionMismatch)

	_, err = engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	assert.ErrorIs(t, err, similarity.ErrDimensionMismatch)

	_, err = engine.SearchVectors(context.Background(), "alice", []float32{0, 0, 0}, SearchOptions{})
	assert.ErrorIs(t, err, similarity.ErrDegenerateVector)
}

func TestSearchVectors_FallbackOnly(t *testing.T) {
	fallback := &fakeBackend{name: "sqlite", queryResults: []vectorstore.RawResult{
		rawHit("f1_0", 0, 0.1),
	}}
	engine := newTestEngine(t, nil, fallback, Options{})

	results, err := engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	fallback.queryErr = errors.New("corrupt database")
	_, err = engine.SearchVectors(context.Background(), "alice", []float32{1, 0}, SearchOptions{})
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
}

func TestStoreVectors_PrimaryPath(t *testing.T) {
	primary := &fakeBackend{name: "qdrant"}
	fallback := &fakeBackend{name: "sqlite"}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	docs := []vectorstore.Document{engineDoc("f1", 0, []float32{1, 0})}
	require.NoError(t, engine.StoreVectors(context.Background(), "alice", docs))

	require.Len(t, primary.upserts, 1)
	assert.Equal(t, []string{"user_alice"}, primary.ensures)
	assert.Empty(t, fallback.upserts, "no dual write unless configured")
}

func TestStoreVectors_DualWrite(t *testing.T) {
	primary := &fakeBackend{name: "qdrant"}
	fallback := &fakeBackend{name: "sqlite"}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true, DualWrite: true})

	docs := []vectorstore.Document{engineDoc("f1", 0, []float32{1, 0})}
	require.NoError(t, engine.StoreVectors(context.Background(), "alice", docs))
	assert.Len(t, primary.upserts, 1)
	assert.Len(t, fallback.upserts, 1)

	// A failing mirror write degrades to a warning, not an error.
	fallback.upsertErr = errors.New("disk full")
	assert.NoError(t, engine.StoreVectors(context.Background(), "alice", docs))
}

func TestStoreVectors_EscalatesWholeBatch(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", upsertErr: &vectorstore.PartialWriteError{
		Backend:     "qdrant",
		Namespace:   "user_alice",
		RejectedIDs: []string{"f1_1"},
	}}
	fallback := &fakeBackend{name: "sqlite"}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	docs := []vectorstore.Document{
		engineDoc("f1", 0, []float32{1, 0}),
		engineDoc("f1", 1, []float32{0, 1}),
	}
	require.NoError(t, engine.StoreVectors(context.Background(), "alice", docs))

	// The batch is never split: the fallback receives all documents, not
	// just the rejected ones.
	require.Len(t, fallback.upserts, 1)
	assert.Len(t, fallback.upserts[0], 2)
}

func TestStoreVectors_TimeoutSurfaces(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", upsertErr: vectorstore.ErrTimeout}
	fallback := &fakeBackend{name: "sqlite"}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	err := engine.StoreVectors(context.Background(), "alice", []vectorstore.Document{engineDoc("f1", 0, []float32{1})})
	assert.ErrorIs(t, err, vectorstore.ErrTimeout)
	assert.Empty(t, fallback.upserts)
}

func TestStoreVectors_BothBackendsFail(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", upsertErr: vectorstore.ErrBackendUnavailable}
	fallback := &fakeBackend{name: "sqlite", upsertErr: errors.New("locked")}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	err := engine.StoreVectors(context.Background(), "alice", []vectorstore.Document{engineDoc("f1", 0, []float32{1})})
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
}

func TestStoreVectors_Validation(t *testing.T) {
	fallback := &fakeBackend{name: "sqlite"}
	engine := newTestEngine(t, nil, fallback, Options{Dimensions: 2})

	t.Run("dimension mismatch", func(t *testing.T) {
		err := engine.StoreVectors(context.Background(), "alice", []vectorstore.Document{engineDoc("f1", 0, []float32{1, 0, 0})})
		assert.ErrorIs(t, err, vectorstore.ErrInvalidDocument)
		assert.Empty(t, fallback.upserts)
	})

	t.Run("missing metadata", func(t *testing.T) {
		doc := engineDoc("f1", 0, []float32{1, 0})
		delete(doc.Metadata, vectorstore.MetaOwnerID)
		err := engine.StoreVectors(context.Background(), "alice", []vectorstore.Document{doc})
		assert.ErrorIs(t, err, vectorstore.ErrInvalidDocument)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		assert.NoError(t, engine.StoreVectors(context.Background(), "alice", nil))
		assert.Empty(t, fallback.upserts)
	})
}

func TestDeleteFileVectors_DispatchesToBoth(t *testing.T) {
	primary := &fakeBackend{name: "qdrant"}
	fallback := &fakeBackend{name: "sqlite"}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	require.NoError(t, engine.DeleteFileVectors(context.Background(), "alice", "f1"))
	assert.Equal(t, []string{"f1"}, primary.deletes)
	assert.Equal(t, []string{"f1"}, fallback.deletes)
}

func TestDeleteFileVectors_BackendFailureIsNonFatal(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", deleteErr: vectorstore.ErrBackendUnavailable}
	fallback := &fakeBackend{name: "sqlite"}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	assert.NoError(t, engine.DeleteFileVectors(context.Background(), "alice", "f1"))
	assert.Equal(t, []string{"f1"}, fallback.deletes, "other backend still receives the delete")

	assert.Error(t, engine.DeleteFileVectors(context.Background(), "alice", ""))
}

func TestStats(t *testing.T) {
	primary := &fakeBackend{name: "qdrant", countValue: 42}
	fallback := &fakeBackend{name: "sqlite", countValue: 40}
	engine := newTestEngine(t, primary, fallback, Options{PrimaryEnabled: true})

	stats, err := engine.Stats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, Stats{DocumentCount: 42, ActiveBackend: "qdrant"}, stats)

	primary.countErr = vectorstore.ErrBackendUnavailable
	stats, err = engine.Stats(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, Stats{DocumentCount: 40, ActiveBackend: "sqlite"}, stats)

	fallback.countErr = errors.New("locked")
	_, err = engine.Stats(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
}

// TestEngine_EndToEndFallbackStore runs the engine against a real in-memory
// fallback store instead of fakes.
func TestEngine_EndToEndFallbackStore(t *testing.T) {
	store, err := vectorstore.NewSQLiteStore(vectorstore.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	engine, err := NewEngine(nil, store, zap.NewNop(), Options{Dimensions: 2})
	require.NoError(t, err)
	ctx := context.Background()

	docA := engineDoc("a", 0, []float32{1, 0})
	docB := engineDoc("b", 0, []float32{0, 1})
	docC := engineDoc("c", 0, []float32{0.9, 0.1})
	require.NoError(t, engine.StoreVectors(ctx, "u1", []vectorstore.Document{docA, docB, docC}))

	// The orthogonal document scores ~0 and falls below the threshold; the
	// remaining two come back ordered by relevance.
	results, err := engine.SearchVectors(ctx, "u1", []float32{1, 0}, SearchOptions{
		Limit:     2,
		Threshold: ptr(0.5),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a_0", results[0].ID)
	assert.Equal(t, "c_0", results[1].ID)
	assert.InDelta(t, 1.0, results[0].RelevanceScore, 1e-9)
	assert.Greater(t, results[0].RelevanceScore, results[1].RelevanceScore)

	// Another tenant sees nothing.
	results, err = engine.SearchVectors(ctx, "u2", []float32{1, 0}, SearchOptions{Threshold: ptr(0)})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Deleting one file removes only its chunks.
	require.NoError(t, engine.DeleteFileVectors(ctx, "u1", "a"))
	stats, err := engine.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Stats{DocumentCount: 2, ActiveBackend: "sqlite"}, stats)
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(nil, nil, zap.NewNop(), Options{})
	assert.Error(t, err)

	_, err = NewEngine(nil, &fakeBackend{name: "sqlite"}, zap.NewNop(), Options{PrimaryEnabled: true})
	assert.Error(t, err)

	engine, err := NewEngine(nil, &fakeBackend{name: "sqlite"}, nil, Options{})
	require.NoError(t, err)
	assert.NotNil(t, engine)
}
