// Package server provides the HTTP API over the retrieval engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/brieflyhq/retrieval/internal/embeddings"
	"github.com/brieflyhq/retrieval/internal/namespace"
	"github.com/brieflyhq/retrieval/internal/retrieval"
	"github.com/brieflyhq/retrieval/internal/similarity"
	"github.com/brieflyhq/retrieval/internal/vectorstore"
)

// Retriever is the slice of the engine the HTTP layer needs.
type Retriever interface {
	StoreVectors(ctx context.Context, ownerID string, docs []vectorstore.Document) error
	SearchVectors(ctx context.Context, ownerID string, vector []float32, opts retrieval.SearchOptions) ([]retrieval.SearchResult, error)
	DeleteFileVectors(ctx context.Context, ownerID string, fileID string) error
	Stats(ctx context.Context, ownerID string) (retrieval.Stats, error)
}

// Server provides HTTP endpoints for the retrieval engine.
type Server struct {
	echo     *echo.Echo
	engine   Retriever
	embedder embeddings.Embedder
	logger   *zap.Logger
	config   Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server. embedder may be nil, in which case
// requests must carry precomputed vectors.
func NewServer(engine Retriever, embedder embeddings.Embedder, logger *zap.Logger, cfg Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		engine:   engine,
		embedder: embedder,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	tenants := s.echo.Group("/v1/tenants/:owner")
	tenants.POST("/vectors", s.handleStore)
	tenants.POST("/search", s.handleSearch)
	tenants.DELETE("/files/:fileID", s.handleDeleteFile)
	tenants.GET("/stats", s.handleStats)
}

// DocumentRequest is one chunk in a store request. Embedding may be omitted
// when the server has an embedder configured.
type DocumentRequest struct {
	FileID     string         `json:"fileId"`
	FileName   string         `json:"fileName"`
	ChunkIndex int            `json:"chunkIndex"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StoreRequest is the body for POST /v1/tenants/:owner/vectors.
type StoreRequest struct {
	Documents []DocumentRequest `json:"documents"`
}

// StoreResponse is the response body for a successful store.
type StoreResponse struct {
	Stored int `json:"stored"`
}

// SearchRequest is the body for POST /v1/tenants/:owner/search. Exactly one
// of Query or Vector must be set.
type SearchRequest struct {
	Query     string    `json:"query,omitempty"`
	Vector    []float32 `json:"vector,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Threshold *float64  `json:"threshold,omitempty"`
	FileIDs   []string  `json:"fileIds,omitempty"`
}

// SearchResponse is the response body for a search.
type SearchResponse struct {
	Results []retrieval.SearchResult `json:"results"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStore(c echo.Context) error {
	owner := c.Param("owner")

	var req StoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Documents) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "documents field is required")
	}

	docs := make([]vectorstore.Document, 0, len(req.Documents))
	now := time.Now().UTC().Format(time.RFC3339)
	var pending []int
	for i, d := range req.Documents {
		if d.FileID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("document %d: fileId is required", i))
		}
		if len(d.Embedding) == 0 {
			if d.Content == "" {
				return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("document %d: embedding or content is required", i))
			}
			pending = append(pending, i)
		}

		meta := make(map[string]any, len(d.Metadata)+5)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		meta[vectorstore.MetaFileID] = d.FileID
		meta[vectorstore.MetaFileName] = d.FileName
		meta[vectorstore.MetaChunkIndex] = d.ChunkIndex
		meta[vectorstore.MetaOwnerID] = owner
		meta[vectorstore.MetaCreatedAt] = now

		docs = append(docs, vectorstore.Document{
			ID:        vectorstore.DocumentID(d.FileID, d.ChunkIndex),
			Content:   d.Content,
			Embedding: d.Embedding,
			Metadata:  meta,
		})
	}

	if len(pending) > 0 {
		if s.embedder == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "no embedder configured; documents must carry embeddings")
		}
		texts := make([]string, len(pending))
		for i, idx := range pending {
			texts[i] = req.Documents[idx].Content
		}
		vectors, err := s.embedder.EmbedDocuments(c.Request().Context(), texts)
		if err != nil {
			s.logger.Error("embedding documents failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusBadGateway, "embedding service failed")
		}
		for i, idx := range pending {
			docs[idx].Embedding = vectors[i]
		}
	}

	if err := s.engine.StoreVectors(c.Request().Context(), owner, docs); err != nil {
		return s.engineError(err)
	}
	return c.JSON(http.StatusOK, StoreResponse{Stored: len(docs)})
}

func (s *Server) handleSearch(c echo.Context) error {
	owner := c.Param("owner")

	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Vector) == 0 && req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query or vector is required")
	}
	if len(req.Vector) > 0 && req.Query != "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query and vector are mutually exclusive")
	}

	vector := req.Vector
	if len(vector) == 0 {
		if s.embedder == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "no embedder configured; search must carry a vector")
		}
		var err error
		vector, err = s.embedder.EmbedQuery(c.Request().Context(), req.Query)
		if err != nil {
			s.logger.Error("embedding query failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusBadGateway, "embedding service failed")
		}
	}

	results, err := s.engine.SearchVectors(c.Request().Context(), owner, vector, retrieval.SearchOptions{
		Limit:     req.Limit,
		Threshold: req.Threshold,
		FileIDs:   req.FileIDs,
	})
	if err != nil {
		return s.engineError(err)
	}
	if results == nil {
		results = []retrieval.SearchResult{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

func (s *Server) handleDeleteFile(c echo.Context) error {
	owner := c.Param("owner")
	fileID := c.Param("fileID")

	if err := s.engine.DeleteFileVectors(c.Request().Context(), owner, fileID); err != nil {
		return s.engineError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.engine.Stats(c.Request().Context(), c.Param("owner"))
	if err != nil {
		return s.engineError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// engineError maps engine failures to HTTP status codes. An empty result set
// is a 200 handled by the callers; only failures arrive here.
func (s *Server) engineError(err error) error {
	switch {
	case errors.Is(err, retrieval.ErrRetrievalUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "retrieval temporarily unavailable")
	case errors.Is(err, vectorstore.ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "retrieval timed out")
	case errors.Is(err, vectorstore.ErrInvalidDocument),
		errors.Is(err, similarity.ErrDimensionMismatch),
		errors.Is(err, similarity.ErrDegenerateVector),
		errors.Is(err, namespace.ErrEmptyUserID),
		errors.Is(err, namespace.ErrNamespaceTooLong):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("engine request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
