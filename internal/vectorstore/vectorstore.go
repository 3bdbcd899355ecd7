// Package vectorstore defines the backend contract for tenant vector storage
// and provides the two implementations behind it: a managed Qdrant index
// (primary) and a relational SQLite store scored by brute force (fallback).
//
// The Backend interface is a closed set: exactly these two implementations
// exist, and the retrieval orchestrator holds one of each. Both are scoped by
// namespace on every operation; a document written under one namespace is
// never visible to requests scoped to another.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for backend operations.
var (
	// ErrBackendUnavailable indicates the backend could not be reached.
	// The orchestrator treats this as recoverable and escalates to the
	// fallback backend. Adapters never retry internally.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTimeout indicates the caller's deadline expired mid-operation.
	// Unlike ErrBackendUnavailable it is surfaced immediately without
	// fallback: a slow backend under load should not have its load doubled
	// onto the other backend, and callers treat "slow" and "down"
	// differently.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidDocument indicates a document failed validation before any
	// backend was contacted.
	ErrInvalidDocument = errors.New("invalid document")
)

// PartialWriteError is returned by an Upsert when the backend accepted some
// documents and rejected others. It carries the rejected IDs so the caller
// can decide whether to retry only that subset. Never carries vector data.
type PartialWriteError struct {
	Backend     string
	Namespace   string
	RejectedIDs []string
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("%s: partial write to namespace %s: %d documents rejected",
		e.Backend, e.Namespace, len(e.RejectedIDs))
}

// Document is one embedded unit of content. Documents are immutable once
// stored: re-upserting the same ID is a full overwrite, never a merge.
type Document struct {
	// ID is unique within a namespace and stable across re-indexing,
	// derived as "{fileId}_{chunkIndex}" so re-upserts overwrite.
	ID string

	// Content is the original text span, kept for result display and for
	// fallback scoring diagnostics.
	Content string

	// Embedding is the fixed-length vector for this content. Its length
	// must match the tenant's configured dimensionality.
	Embedding []float32

	// Metadata is an open key/value map. The keys fileId, fileName,
	// chunkIndex, ownerId and createdAt are required; anything else is
	// opaque and passed through unmodified.
	Metadata map[string]any
}

// Metadata keys every document must carry.
const (
	MetaFileID     = "fileId"
	MetaFileName   = "fileName"
	MetaChunkIndex = "chunkIndex"
	MetaOwnerID    = "ownerId"
	MetaCreatedAt  = "createdAt"
)

var requiredMetadata = []string{MetaFileID, MetaFileName, MetaChunkIndex, MetaOwnerID, MetaCreatedAt}

// DocumentID builds the stable document identifier for a chunk.
func DocumentID(fileID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", fileID, chunkIndex)
}

// Validate checks a document against the tenant's configured embedding
// dimensionality. A mismatched embedding length is a hard error; it is never
// silently truncated or padded.
func (d *Document) Validate(dims int) error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDocument)
	}
	if len(d.Embedding) == 0 {
		return fmt.Errorf("%w: document %s has no embedding", ErrInvalidDocument, d.ID)
	}
	if dims > 0 && len(d.Embedding) != dims {
		return fmt.Errorf("%w: document %s embedding has %d dimensions, expected %d",
			ErrInvalidDocument, d.ID, len(d.Embedding), dims)
	}
	var missing []string
	for _, key := range requiredMetadata {
		if _, ok := d.Metadata[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: document %s missing metadata keys: %s",
			ErrInvalidDocument, d.ID, strings.Join(missing, ", "))
	}
	return nil
}

// FileID returns the document's fileId metadata value.
func (d *Document) FileID() string {
	v, _ := d.Metadata[MetaFileID].(string)
	return v
}

// ChunkIndex returns the document's chunkIndex metadata value. Accepts the
// numeric types that survive JSON and backend payload round-trips.
func (d *Document) ChunkIndex() int {
	return metadataInt(d.Metadata, MetaChunkIndex)
}

// RawResult is a single backend search hit before the orchestrator normalizes
// it. Distance is ascending-better; the orchestrator converts it to the
// relevance score exposed to callers.
type RawResult struct {
	ID       string
	Content  string
	Metadata map[string]any
	Distance float64
}

// Backend is the four-operation storage contract shared by the primary index
// and the fallback store. All operations honor the caller's context deadline
// and are safe for concurrent use.
type Backend interface {
	// EnsureCollection performs idempotent get-or-create of a namespace's
	// collection. Transient unreachability maps to ErrBackendUnavailable.
	EnsureCollection(ctx context.Context, ns string) error

	// Upsert stores all documents in one batched call, overwriting any
	// existing documents with the same IDs. A partially accepted batch is
	// reported as *PartialWriteError.
	Upsert(ctx context.Context, ns string, docs []Document) error

	// Query returns up to limit results ordered by ascending distance.
	// When fileIDs is non-empty, results are restricted to those files;
	// an empty post-filter set yields empty results, not an error.
	Query(ctx context.Context, ns string, vector []float32, limit int, fileIDs []string) ([]RawResult, error)

	// DeleteByFile removes every document whose fileId matches, scoped to
	// the namespace. Deleting an unknown fileId is a no-op.
	DeleteByFile(ctx context.Context, ns string, fileID string) error

	// Count returns the number of stored vectors in the namespace.
	// Diagnostics only.
	Count(ctx context.Context, ns string) (int, error)

	// Name identifies the backend in errors, logs and metrics.
	Name() string

	// Close releases backend resources.
	Close() error
}

// metadataInt pulls an integer out of a metadata map, tolerating the numeric
// types different backends hand back.
func metadataInt(meta map[string]any, key string) int {
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

// metadataString pulls a string out of a metadata map.
func metadataString(meta map[string]any, key string) string {
	v, _ := meta[key].(string)
	return v
}

// translateContextErr maps a context cancellation observed during a backend
// call onto the adapter error taxonomy.
func translateContextErr(ctx context.Context, backend, ns string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: namespace %s: %w", backend, ns, ErrTimeout)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: namespace %s: %w", backend, ns, ctx.Err())
	}
	return nil
}
