package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	_ "modernc.org/sqlite"

	"github.com/brieflyhq/retrieval/internal/similarity"
)

// SQLiteConfig holds configuration for the relational fallback store.
type SQLiteConfig struct {
	// Path is the database file path. ":memory:" gives an ephemeral store
	// for tests.
	// Default: "retrieval.db"
	Path string

	// BusyTimeout bounds how long a writer waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *SQLiteConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "retrieval.db"
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
}

// SQLiteStore is the fallback Backend: a plain relational table scored by
// brute-force cosine similarity at query time. It trades query latency for
// operational simplicity, which is exactly the trade the fallback path wants.
//
// All namespaces share one table; isolation is a namespace column in the
// primary key, and every statement filters on it.
type SQLiteStore struct {
	db *sql.DB
}

var _ Backend = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vector_documents (
	namespace   TEXT NOT NULL,
	id          TEXT NOT NULL,
	content     TEXT NOT NULL,
	embedding   TEXT NOT NULL,
	metadata    TEXT NOT NULL,
	file_id     TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	dim         INTEGER NOT NULL,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (namespace, id)
);
CREATE INDEX IF NOT EXISTS idx_vector_documents_file
	ON vector_documents (namespace, file_id);
`

// NewSQLiteStore opens (or creates) the fallback database and migrates its
// schema.
func NewSQLiteStore(config SQLiteConfig) (*SQLiteStore, error) {
	config.ApplyDefaults()

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		config.Path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// modernc's driver serializes access per connection; a single
	// connection also keeps :memory: databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Name implements Backend.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureCollection implements Backend. The shared table exists from
// construction, so this only validates the namespace is usable.
func (s *SQLiteStore) EnsureCollection(ctx context.Context, ns string) error {
	if ns == "" {
		return fmt.Errorf("%s: namespace cannot be empty", s.Name())
	}
	if err := s.db.PingContext(ctx); err != nil {
		return s.wrapErr(ctx, ns, err)
	}
	return nil
}

// Upsert implements Backend. The whole batch goes in one transaction so a
// mid-batch failure never leaves a half-written file.
func (s *SQLiteStore) Upsert(ctx context.Context, ns string, docs []Document) error {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", ns),
		attribute.Int("document_count", len(docs)),
	)

	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return s.wrapErr(ctx, ns, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vector_documents
			(namespace, id, content, embedding, metadata, file_id, chunk_index, dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET
			content     = excluded.content,
			embedding   = excluded.embedding,
			metadata    = excluded.metadata,
			file_id     = excluded.file_id,
			chunk_index = excluded.chunk_index,
			dim         = excluded.dim,
			created_at  = excluded.created_at`)
	if err != nil {
		span.RecordError(err)
		return s.wrapErr(ctx, ns, err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, doc := range docs {
		embJSON, err := json.Marshal(doc.Embedding)
		if err != nil {
			return fmt.Errorf("%s: encoding embedding for %s: %w", s.Name(), doc.ID, err)
		}
		metaJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("%s: encoding metadata for %s: %w", s.Name(), doc.ID, err)
		}
		createdAt := metadataString(doc.Metadata, MetaCreatedAt)
		if createdAt == "" {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			ns, doc.ID, doc.Content, string(embJSON), string(metaJSON),
			doc.FileID(), doc.ChunkIndex(), len(doc.Embedding), createdAt,
		); err != nil {
			span.RecordError(err)
			return s.wrapErr(ctx, ns, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return s.wrapErr(ctx, ns, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query implements Backend. Every candidate row in the namespace is scored
// with cosine similarity; rows whose stored vector cannot be scored against
// the query (wrong dimensionality, zero magnitude, corrupt encoding) are
// skipped rather than failing the whole search.
func (s *SQLiteStore) Query(ctx context.Context, ns string, vector []float32, limit int, fileIDs []string) ([]RawResult, error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", ns),
		attribute.Int("limit", limit),
		attribute.Int("file_filter_count", len(fileIDs)),
	)

	if limit <= 0 {
		return nil, fmt.Errorf("%s: limit must be positive, got %d", s.Name(), limit)
	}

	query := `SELECT id, content, embedding, metadata FROM vector_documents
		WHERE namespace = ? AND dim = ?`
	args := []any{ns, len(vector)}
	if len(fileIDs) > 0 {
		query += ` AND file_id IN (?` + repeatPlaceholder(len(fileIDs)-1) + `)`
		for _, id := range fileIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, s.wrapErr(ctx, ns, err)
	}
	defer rows.Close()

	var results []RawResult
	for rows.Next() {
		var id, content, embJSON, metaJSON string
		if err := rows.Scan(&id, &content, &embJSON, &metaJSON); err != nil {
			span.RecordError(err)
			return nil, s.wrapErr(ctx, ns, err)
		}

		var emb []float32
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			continue
		}
		sim, err := similarity.Cosine(vector, emb)
		if err != nil {
			continue
		}

		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			meta = map[string]any{}
		}

		results = append(results, RawResult{
			ID:       id,
			Content:  content,
			Metadata: meta,
			Distance: similarity.DistanceFromSimilarity(sim),
		})
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, s.wrapErr(ctx, ns, err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > limit {
		results = results[:limit]
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// DeleteByFile implements Backend.
func (s *SQLiteStore) DeleteByFile(ctx context.Context, ns string, fileID string) error {
	ctx, span := tracer.Start(ctx, "SQLiteStore.DeleteByFile")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", ns),
		attribute.String("file_id", fileID),
	)

	if fileID == "" {
		return fmt.Errorf("%s: file id cannot be empty", s.Name())
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vector_documents WHERE namespace = ? AND file_id = ?`,
		ns, fileID,
	); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.wrapErr(ctx, ns, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count implements Backend.
func (s *SQLiteStore) Count(ctx context.Context, ns string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vector_documents WHERE namespace = ?`, ns,
	).Scan(&count)
	if err != nil {
		return 0, s.wrapErr(ctx, ns, err)
	}
	return count, nil
}

// wrapErr maps a database failure onto the adapter error taxonomy.
func (s *SQLiteStore) wrapErr(ctx context.Context, ns string, err error) error {
	if translated := translateContextErr(ctx, s.Name(), ns, err); translated != nil {
		return translated
	}
	return fmt.Errorf("%s: namespace %s: %w: %v", s.Name(), ns, ErrBackendUnavailable, err)
}

// repeatPlaceholder returns n copies of ", ?" for IN clauses.
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
