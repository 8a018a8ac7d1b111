package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jcpsimmons/corag/pkg/database"
	"github.com/jcpsimmons/corag/pkg/errs"
	"github.com/jcpsimmons/corag/pkg/logging"
	"github.com/jcpsimmons/corag/pkg/pipeline"
	"github.com/jcpsimmons/corag/pkg/textproc"
)

const (
	Prefix = "/new_rag"

	defaultTopK         = 5
	defaultPreviewSize  = 1000
	defaultPreviewLap   = 200
	maxRequestBodyBytes = 10 << 20
)

type Server struct {
	pipeline   *pipeline.Pipeline
	fieldLimit int
	logger     *slog.Logger
	handler    http.Handler
}

// NewServer wires the routes. fieldLimit is used when an ingest request
// does not name one.
func NewServer(p *pipeline.Pipeline, fieldLimit int, logger *slog.Logger) *Server {
	s := &Server{
		pipeline:   p,
		fieldLimit: fieldLimit,
		logger:     logging.OrDiscard(logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+Prefix+"/embedding", s.handleEmbedding)
	mux.HandleFunc("GET "+Prefix+"/search_vetorial", s.handleSearch)
	mux.HandleFunc("POST "+Prefix+"/chunk_preview", s.handleChunkPreview)
	mux.HandleFunc("GET "+Prefix+"/health", s.handleHealth)
	mux.HandleFunc("GET "+Prefix+"/origin_texts", s.handleListOriginTexts)
	mux.HandleFunc("GET "+Prefix+"/origin_texts/{id}", s.handleGetOriginText)
	mux.HandleFunc("DELETE "+Prefix+"/origin_texts/{id}", s.handleDeleteOriginText)
	s.handler = enableCORS(mux)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then drains open requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("api_server_starting", "addr", addr)
	s.logger.Info("endpoints",
		"ingest", "POST "+Prefix+"/embedding",
		"search", "GET "+Prefix+"/search_vetorial?question=&top_k=",
		"chunk_preview", "POST "+Prefix+"/chunk_preview",
		"health", "GET "+Prefix+"/health",
		"origin_texts", "GET|DELETE "+Prefix+"/origin_texts/{id}")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.logger.Info("api_server_stopping")
		return srv.Shutdown(shutdownCtx)
	}
}

type embeddingRequest struct {
	Text       string `json:"text"`
	FieldLimit *int   `json:"field_limit"`
	// Index is the older name of field_limit.
	Index *int `json:"index"`
}

type embeddingResponse struct {
	Message        string  `json:"message"`
	ChunkOriginIDs []int64 `json:"chunk_origin_ids"`
	TotalChunks    int     `json:"total_chunks"`
}

func (s *Server) handleEmbedding(w http.ResponseWriter, r *http.Request) {
	var req embeddingRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, fmt.Sprintf("Invalid input: %v", err), http.StatusBadRequest)
		return
	}

	fieldLimit := s.fieldLimit
	switch {
	case req.FieldLimit != nil:
		fieldLimit = *req.FieldLimit
	case req.Index != nil:
		fieldLimit = *req.Index
	}

	res, err := s.pipeline.Ingest(r.Context(), req.Text, fieldLimit, nil)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			respondWithError(w, fmt.Sprintf("Invalid input: %v", err), http.StatusBadRequest)
			return
		}
		respondWithError(w, fmt.Sprintf("Failed to create embeddings: %v", err), http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, embeddingResponse{
		Message:        "Embedding created successfully",
		ChunkOriginIDs: res.OriginIDs,
		TotalChunks:    len(res.OriginIDs),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	question := r.URL.Query().Get("question")

	topK := defaultTopK
	if v := r.URL.Query().Get("top_k"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			respondWithError(w, fmt.Sprintf("Error in search: top_k must be an integer: %q", v), http.StatusBadRequest)
			return
		}
		topK = parsed
	}

	results, err := s.pipeline.Search(r.Context(), question, topK)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errs.ErrInvalidInput) {
			status = http.StatusBadRequest
		}
		respondWithError(w, fmt.Sprintf("Error in search: %v", err), status)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"results": results})
}

type chunkPreviewRequest struct {
	Text         string `json:"text"`
	ChunkSize    *int   `json:"chunk_size"`
	ChunkOverlap *int   `json:"chunk_overlap"`
}

func (s *Server) handleChunkPreview(w http.ResponseWriter, r *http.Request) {
	var req chunkPreviewRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, fmt.Sprintf("Invalid input: %v", err), http.StatusBadRequest)
		return
	}

	size, overlap := defaultPreviewSize, defaultPreviewLap
	if req.ChunkSize != nil {
		size = *req.ChunkSize
	}
	if req.ChunkOverlap != nil {
		overlap = *req.ChunkOverlap
	}
	if size <= 0 || overlap < 0 {
		respondWithError(w, "Invalid input: chunk_size must be positive and chunk_overlap non-negative", http.StatusBadRequest)
		return
	}

	chunks := textproc.NewChunker(size, overlap).Chunk(req.Text)
	respondWithJSON(w, http.StatusOK, map[string]any{
		"chunks":        chunks,
		"total_chunks":  len(chunks),
		"chunk_size":    size,
		"chunk_overlap": overlap,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Store().Ping(r.Context()); err != nil {
		s.logger.Warn("health_check_failed", "error", err)
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "detail": err.Error()})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListOriginTexts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondWithError(w, err.Error(), http.StatusBadRequest)
		return
	}

	texts, err := s.pipeline.Store().ListOriginTexts(r.Context(), limit, offset)
	if err != nil {
		respondWithError(w, fmt.Sprintf("Failed to list origin texts: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"origin_texts": texts})
}

func (s *Server) handleGetOriginText(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	store := s.pipeline.Store()
	text, err := store.GetOriginText(r.Context(), id)
	if err != nil {
		respondWithStoreError(w, err)
		return
	}
	embeddings, err := store.GetEmbeddingsByOrigin(r.Context(), id)
	if err != nil {
		respondWithStoreError(w, err)
		return
	}
	for i := range embeddings {
		embeddings[i].Vector = nil
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"origin_text": text,
		"embeddings":  embeddings,
	})
}

func (s *Server) handleDeleteOriginText(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.pipeline.Store().DeleteOriginText(r.Context(), id); err != nil {
		respondWithStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %q", name, v)
	}
	return n, nil
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondWithError(w, fmt.Sprintf("invalid id %q", r.PathValue("id")), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func respondWithStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrNotFound) {
		respondWithError(w, err.Error(), http.StatusNotFound)
		return
	}
	respondWithError(w, err.Error(), http.StatusInternalServerError)
}

func enableCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		handler.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondWithError writes {"detail": message}.
func respondWithError(w http.ResponseWriter, message string, statusCode int) {
	respondWithJSON(w, statusCode, map[string]string{"detail": message})
}
