package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jcpsimmons/corag/pkg/annotate"
	"github.com/jcpsimmons/corag/pkg/database"
	"github.com/jcpsimmons/corag/pkg/embedding"
	"github.com/jcpsimmons/corag/pkg/errs"
	"github.com/jcpsimmons/corag/pkg/pipeline"
	"github.com/jcpsimmons/corag/pkg/textproc"
)

type stubEmbedder struct{ fail bool }

func (s stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if err := embedding.ValidateText(text); err != nil {
		return nil, err
	}
	if s.fail {
		return nil, fmt.Errorf("%w: connection refused", errs.ErrUpstream)
	}
	n := float32(len(text))
	return []float32{1, n, 0}, nil
}

func (stubEmbedder) Dimension() int    { return 3 }
func (stubEmbedder) ModelInfo() string { return "stub" }

// stubAnnotator returns n fields for every kind of every chunk.
type stubAnnotator struct{ n int }

func (s stubAnnotator) AnnotateChunk(_ context.Context, chunkIndex int, chunkText string) ([]annotate.Annotation, error) {
	var anns []annotate.Annotation
	for _, kind := range annotate.Kinds {
		var fields annotate.Fields
		for i := 0; i < s.n; i++ {
			fields = append(fields, annotate.Field{Key: fmt.Sprintf("k%d", i), Value: fmt.Sprintf("%s %s %d", kind, chunkText, i)})
		}
		anns = append(anns, annotate.Annotation{ChunkIndex: chunkIndex, Kind: kind, Result: annotate.Parsed(fields)})
	}
	return anns, nil
}

func newTestServer(t *testing.T, embedder embedding.Embedder) (*httptest.Server, database.Store) {
	t.Helper()
	store, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"), 3, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	p := pipeline.New(textproc.NewChunker(20, 0), stubAnnotator{n: 3}, embedder, store, pipeline.Options{}, nil)
	srv := httptest.NewServer(NewServer(p, 5, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestEmbeddingEndpoint(t *testing.T) {
	srv, store := newTestServer(t, stubEmbedder{})

	resp := postJSON(t, srv.URL+"/new_rag/embedding", `{"text": "first paragraph\n\nsecond paragraph", "field_limit": 2}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body embeddingResponse
	decode(t, resp, &body)
	if body.Message != "Embedding created successfully" || body.TotalChunks != 2 || len(body.ChunkOriginIDs) != 2 {
		t.Errorf("body = %+v", body)
	}

	rows, err := store.GetEmbeddingsByOrigin(context.Background(), body.ChunkOriginIDs[0])
	if err != nil || len(rows) != 6 {
		t.Errorf("expected 2 rows per kind, got %d (%v)", len(rows), err)
	}
}

func TestEmbeddingEndpointLegacyIndex(t *testing.T) {
	srv, store := newTestServer(t, stubEmbedder{})

	var body embeddingResponse
	decode(t, postJSON(t, srv.URL+"/new_rag/embedding", `{"text": "short text", "index": 1}`), &body)
	rows, err := store.GetEmbeddingsByOrigin(context.Background(), body.ChunkOriginIDs[0])
	if err != nil || len(rows) != 3 {
		t.Errorf("expected 1 row per kind, got %d (%v)", len(rows), err)
	}
}

func TestEmbeddingEndpointErrors(t *testing.T) {
	srv, _ := newTestServer(t, stubEmbedder{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"blank text", `{"text": "   "}`, http.StatusBadRequest},
		{"missing text", `{}`, http.StatusBadRequest},
		{"malformed json", `{"text": `, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/new_rag/embedding", tt.body)
			var body map[string]string
			decode(t, resp, &body)
			if resp.StatusCode != tt.want || !strings.HasPrefix(body["detail"], "Invalid input") {
				t.Errorf("status = %d, body = %v", resp.StatusCode, body)
			}
		})
	}

	failing, _ := newTestServer(t, stubEmbedder{fail: true})
	resp := postJSON(t, failing.URL+"/new_rag/embedding", `{"text": "some text"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("upstream failure status = %d, want 500", resp.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, stubEmbedder{})
	postJSON(t, srv.URL+"/new_rag/embedding", `{"text": "first paragraph\n\nsecond paragraph"}`).Body.Close()

	resp, err := http.Get(srv.URL + "/new_rag/search_vetorial?question=paragraph&top_k=4")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Results []database.Neighbor `json:"results"`
	}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || len(body.Results) != 4 {
		t.Fatalf("status %d, %d results", resp.StatusCode, len(body.Results))
	}
	for i := 1; i < len(body.Results); i++ {
		if body.Results[i].Distance < body.Results[i-1].Distance {
			t.Errorf("results not ordered")
		}
	}
	if !strings.Contains(body.Results[0].TextContent, "[Chunk ") || body.Results[0].OriginText == "" {
		t.Errorf("result = %+v", body.Results[0])
	}

	resp, _ = http.Get(srv.URL + "/new_rag/search_vetorial?question=paragraph")
	decode(t, resp, &body)
	if len(body.Results) != 5 {
		t.Errorf("default top_k returned %d results", len(body.Results))
	}
}

func TestSearchEndpointStatus(t *testing.T) {
	srv, _ := newTestServer(t, stubEmbedder{})
	failing, _ := newTestServer(t, stubEmbedder{fail: true})

	tests := []struct {
		url  string
		want int
	}{
		{srv.URL + "/new_rag/search_vetorial?question=", http.StatusBadRequest},
		{srv.URL + "/new_rag/search_vetorial?question=q&top_k=0", http.StatusBadRequest},
		{srv.URL + "/new_rag/search_vetorial?question=q&top_k=1001", http.StatusBadRequest},
		{srv.URL + "/new_rag/search_vetorial?question=q&top_k=abc", http.StatusBadRequest},
		{srv.URL + "/new_rag/search_vetorial?question=q&top_k=1000", http.StatusOK},
		{failing.URL + "/new_rag/search_vetorial?question=q", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		resp, err := http.Get(tt.url)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.url, resp.StatusCode, tt.want)
		}
	}
}

func TestChunkPreviewEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, stubEmbedder{})

	resp := postJSON(t, srv.URL+"/new_rag/chunk_preview", `{"text": "chunk1 chunk2 chunk3", "chunk_size": 7, "chunk_overlap": 3}`)
	var body struct {
		Chunks      []textproc.Chunk `json:"chunks"`
		TotalChunks int              `json:"total_chunks"`
	}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body.TotalChunks != 3 {
		t.Fatalf("status %d, body %+v", resp.StatusCode, body)
	}
	if body.Chunks[0].Text != "chunk1chu" || body.Chunks[1].Text != "nk1chunk2chu" || body.Chunks[2].Text != "nk2chunk3" {
		t.Errorf("chunks = %+v", body.Chunks)
	}

	resp = postJSON(t, srv.URL+"/new_rag/chunk_preview", `{"text": "abc"}`)
	decode(t, resp, &body)
	if body.TotalChunks != 1 || body.Chunks[0].Text != "abc" {
		t.Errorf("default preview = %+v", body)
	}

	resp = postJSON(t, srv.URL+"/new_rag/chunk_preview", `{"text": "abc", "chunk_size": 0}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero chunk size status = %d", resp.StatusCode)
	}
}

func TestOriginTextEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, stubEmbedder{})
	var created embeddingResponse
	decode(t, postJSON(t, srv.URL+"/new_rag/embedding", `{"text": "first paragraph\n\nsecond paragraph", "field_limit": 1}`), &created)

	resp, _ := http.Get(srv.URL + "/new_rag/origin_texts?limit=1&offset=1")
	var list struct {
		OriginTexts []database.OriginText `json:"origin_texts"`
	}
	decode(t, resp, &list)
	if len(list.OriginTexts) != 1 || list.OriginTexts[0].Data != "second paragraph" {
		t.Errorf("list = %+v", list)
	}

	id := created.ChunkOriginIDs[0]
	resp, _ = http.Get(fmt.Sprintf("%s/new_rag/origin_texts/%d", srv.URL, id))
	var detail struct {
		OriginText database.OriginText             `json:"origin_text"`
		Embeddings []database.CorrelationEmbedding `json:"embeddings"`
	}
	decode(t, resp, &detail)
	if detail.OriginText.Data != "first paragraph" || len(detail.Embeddings) != 3 {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.Embeddings[0].Vector != nil {
		t.Error("vectors should be omitted")
	}

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/new_rag/origin_texts/%d", srv.URL, id), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		req, _ := http.NewRequest(method, fmt.Sprintf("%s/new_rag/origin_texts/%d", srv.URL, id), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s after delete = %d, want 404", method, resp.StatusCode)
		}
	}

	resp, _ = http.Get(srv.URL + "/new_rag/origin_texts/abc")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d", resp.StatusCode)
	}
}

func TestHealthAndCORS(t *testing.T) {
	srv, _ := newTestServer(t, stubEmbedder{})

	resp, err := http.Get(srv.URL + "/new_rag/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/new_rag/embedding", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST") {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func TestListenAndServeShutdown(t *testing.T) {
	_, store := newTestServer(t, stubEmbedder{})
	p := pipeline.New(textproc.NewChunker(0, 0), stubAnnotator{}, stubEmbedder{}, store, pipeline.Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(p, 5, nil).ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()

	if err := <-done; err != nil && err != http.ErrServerClosed {
		t.Errorf("ListenAndServe = %v", err)
	}
}
