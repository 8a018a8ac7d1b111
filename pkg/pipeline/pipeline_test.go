package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/jcpsimmons/corag/pkg/annotate"
	"github.com/jcpsimmons/corag/pkg/database"
	"github.com/jcpsimmons/corag/pkg/embedding"
	"github.com/jcpsimmons/corag/pkg/textproc"
)

const testDims = 3

type stubEmbedder struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if err := embedding.ValidateText(text); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, text)
	s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	n := float32(len(text))
	return []float32{1, n, n * n}, nil
}

func (s *stubEmbedder) Dimension() int    { return testDims }
func (s *stubEmbedder) ModelInfo() string { return "stub" }

// stubAnnotator answers from a table keyed by chunk text. Missing kinds fail
// to parse.
type stubAnnotator struct {
	fields map[string]map[annotate.Kind]annotate.Fields
	err    error
}

func (s *stubAnnotator) AnnotateChunk(_ context.Context, chunkIndex int, chunkText string) ([]annotate.Annotation, error) {
	if s.err != nil {
		return nil, s.err
	}
	var anns []annotate.Annotation
	for _, kind := range annotate.Kinds {
		result := annotate.Failed(nil)
		if fields, ok := s.fields[chunkText][kind]; ok {
			result = annotate.Parsed(fields)
		}
		anns = append(anns, annotate.Annotation{ChunkIndex: chunkIndex, Kind: kind, Result: result})
	}
	return anns, nil
}

func fieldsN(prefix string, n int) annotate.Fields {
	var f annotate.Fields
	for i := 1; i <= n; i++ {
		f = append(f, annotate.Field{Key: fmt.Sprintf("%s_%d", prefix, i), Value: fmt.Sprintf("%s value %d", prefix, i)})
	}
	return f
}

func openStore(t *testing.T) *database.SQLiteStore {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "pipeline.db"), testDims, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

const twoParagraphs = "first paragraph\n\nsecond paragraph"

func TestSelectFieldsPerKindLimit(t *testing.T) {
	a := NewAssembler(&stubEmbedder{}, textproc.NewChunker(500, 100), 1, nil)
	chunks := []textproc.Chunk{{Index: 0, Text: "c0", TotalChunks: 1}}
	annotations := []annotate.Annotation{
		{ChunkIndex: 0, Kind: annotate.SharedContext, Result: annotate.Parsed(fieldsN("ctx", 1))},
		{ChunkIndex: 0, Kind: annotate.SemanticSimilarity, Result: annotate.Parsed(fieldsN("sim", 5))},
		{ChunkIndex: 0, Kind: annotate.SemanticRelationship, Result: annotate.Parsed(fieldsN("rel", 3))},
	}

	records := a.SelectFields(chunks, annotations, 2)

	var got []string
	for _, r := range records {
		got = append(got, string(r.CorrelationType)+":"+r.TextContent)
	}
	want := []string{
		"similaridade_semantica:sim value 1",
		"similaridade_semantica:sim value 2",
		"relacionamento_semantico:rel value 1",
		"relacionamento_semantico:rel value 2",
		"contexto_compartilhado:ctx value 1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("records =\n%v\nwant\n%v", got, want)
	}

	meta := records[0].ChunkMetadata
	if meta == nil || meta.ChunkSize != 500 || meta.ChunkOverlap != 100 || meta.TotalChunks != 1 {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestSelectFieldsSkipsFailures(t *testing.T) {
	a := NewAssembler(&stubEmbedder{}, textproc.NewChunker(0, 0), 1, nil)
	chunks := []textproc.Chunk{{Index: 1, Text: "c1", TotalChunks: 2}, {Index: 0, Text: "c0", TotalChunks: 2}}
	annotations := []annotate.Annotation{
		{ChunkIndex: 0, Kind: annotate.SemanticSimilarity, Result: annotate.Failed(nil)},
		{ChunkIndex: 1, Kind: annotate.SemanticSimilarity, Result: annotate.Parsed(fieldsN("x", 1))},
		{ChunkIndex: 0, Kind: annotate.SharedContext, Result: annotate.Parsed(fieldsN("y", 1))},
	}

	records := a.SelectFields(chunks, annotations, 5)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ChunkIndex != 0 || records[0].TextContent != "y value 1" || records[1].ChunkIndex != 1 {
		t.Errorf("records not in chunk order: %+v", records)
	}

	if got := a.SelectFields(chunks, annotations, 0); len(got) != 0 {
		t.Errorf("field limit 0 produced %d records", len(got))
	}
	if got := a.SelectFields(chunks, annotations, -1); len(got) != 0 {
		t.Errorf("negative field limit produced %d records", len(got))
	}
}

func TestPersistedText(t *testing.T) {
	r := EmbeddingRecord{TextContent: "frase", ChunkIndex: 0, ChunkMetadata: &ChunkMetadata{TotalChunks: 1}}
	if got := r.PersistedText(); got != "frase\n[Chunk 0 de 1]" {
		t.Errorf("PersistedText = %q", got)
	}
	r = EmbeddingRecord{TextContent: "frase", ChunkIndex: 3}
	if got := r.PersistedText(); got != "frase\n[Chunk 3 de N/A]" {
		t.Errorf("PersistedText without metadata = %q", got)
	}
}

func TestGroup(t *testing.T) {
	records := []EmbeddingRecord{
		{ChunkIndex: 0, OriginalChunk: "a", TextContent: "1"},
		{ChunkIndex: 0, OriginalChunk: "a", TextContent: "2"},
		{ChunkIndex: 2, OriginalChunk: "c", TextContent: "3"},
		{ChunkIndex: 1, OriginalChunk: "b", TextContent: "4"},
	}
	groups := Group(records)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if groups[0].ChunkIndex != 0 || len(groups[0].Records) != 2 || groups[1].ChunkIndex != 2 || groups[2].OriginalChunk != "b" {
		t.Errorf("groups = %+v", groups)
	}

	all := WithEmptyChunks(groups, []textproc.Chunk{{Index: 3, Text: "d"}, {Index: 0, Text: "a"}, {Index: 1, Text: "b"}, {Index: 2, Text: "c"}})
	var indexes []int
	for _, g := range all {
		indexes = append(indexes, g.ChunkIndex)
	}
	if !reflect.DeepEqual(indexes, []int{0, 1, 2, 3}) || len(all[3].Records) != 0 || all[3].OriginalChunk != "d" {
		t.Errorf("WithEmptyChunks = %+v", all)
	}
}

func TestIngestRoundTrip(t *testing.T) {
	store := openStore(t)
	annotator := &stubAnnotator{fields: map[string]map[annotate.Kind]annotate.Fields{
		"first paragraph": {
			annotate.SemanticSimilarity:   fieldsN("sim", 5),
			annotate.SemanticRelationship: fieldsN("rel", 1),
			annotate.SharedContext:        fieldsN("ctx", 2),
		},
		"second paragraph": {
			annotate.SharedContext: fieldsN("only", 1),
		},
	}}
	p := New(textproc.NewChunker(20, 0), annotator, &stubEmbedder{}, store, Options{}, nil)

	var stages []string
	res, err := p.Ingest(context.Background(), twoParagraphs, 2, func(stage string, completed, total int) {
		if completed == total {
			stages = append(stages, stage)
		}
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.RequestID == "" || res.Chunks != 2 || len(res.OriginIDs) != 2 || len(res.Records) != 6 {
		t.Fatalf("result = %+v", res)
	}
	if !reflect.DeepEqual(stages, []string{"annotations", "embeddings"}) {
		t.Errorf("stages = %v", stages)
	}

	origin, err := store.GetOriginText(context.Background(), res.OriginIDs[0])
	if err != nil || origin.Data != "first paragraph" {
		t.Fatalf("origin = %+v, %v", origin, err)
	}
	rows, err := store.GetEmbeddingsByOrigin(context.Background(), res.OriginIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows for first chunk, got %d", len(rows))
	}
	if rows[0].CorrelationType != database.SemanticSimilarity || rows[0].TextContent != "sim value 1\n[Chunk 0 de 2]" {
		t.Errorf("first row = %+v", rows[0])
	}
	if rows[4].CorrelationType != database.SharedContext || len(rows[4].Vector) != testDims {
		t.Errorf("last row = %+v", rows[4])
	}

	rows, err = store.GetEmbeddingsByOrigin(context.Background(), res.OriginIDs[1])
	if err != nil || len(rows) != 1 || !strings.HasSuffix(rows[0].TextContent, "[Chunk 1 de 2]") {
		t.Errorf("second chunk rows = %+v, %v", rows, err)
	}
}

func TestIngestAllFailedChunk(t *testing.T) {
	annotator := &stubAnnotator{fields: map[string]map[annotate.Kind]annotate.Fields{
		"second paragraph": {annotate.SemanticSimilarity: fieldsN("s", 1)},
	}}

	store := openStore(t)
	p := New(textproc.NewChunker(20, 0), annotator, &stubEmbedder{}, store, Options{}, nil)
	res, err := p.Ingest(context.Background(), twoParagraphs, 5, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	texts, _ := store.ListOriginTexts(context.Background(), 0, 0)
	if len(res.OriginIDs) != 1 || len(texts) != 1 || texts[0].Data != "second paragraph" {
		t.Errorf("all-failed chunk should leave no rows: ids %v texts %+v", res.OriginIDs, texts)
	}

	store = openStore(t)
	p = New(textproc.NewChunker(20, 0), annotator, &stubEmbedder{}, store, Options{PersistEmptyChunks: true}, nil)
	res, err = p.Ingest(context.Background(), twoParagraphs, 5, nil)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(res.OriginIDs) != 2 {
		t.Fatalf("expected an origin row per chunk, got %v", res.OriginIDs)
	}
	rows, err := store.GetEmbeddingsByOrigin(context.Background(), res.OriginIDs[0])
	if err != nil || len(rows) != 0 {
		t.Errorf("empty chunk rows = %+v, %v", rows, err)
	}
}

func TestIngestOrderIndependentOfWorkers(t *testing.T) {
	text := strings.Repeat("word ", 200)
	fields := map[annotate.Kind]annotate.Fields{
		annotate.SemanticSimilarity:   fieldsN("sim", 3),
		annotate.SemanticRelationship: fieldsN("rel", 3),
		annotate.SharedContext:        fieldsN("ctx", 3),
	}
	chunker := textproc.NewChunker(50, 5)
	annotator := &stubAnnotator{fields: map[string]map[annotate.Kind]annotate.Fields{}}
	for _, c := range chunker.Chunk(text) {
		annotator.fields[c.Text] = fields
	}

	run := func(opts Options) []EmbeddingRecord {
		p := New(chunker, annotator, &stubEmbedder{}, openStore(t), opts, nil)
		res, err := p.Ingest(context.Background(), text, 3, nil)
		if err != nil {
			t.Fatalf("Ingest %+v: %v", opts, err)
		}
		return res.Records
	}

	sequential := run(Options{})
	parallel := run(Options{EmbedWorkers: 8, AnnotateWorkers: 4})
	if len(sequential) == 0 || !reflect.DeepEqual(sequential, parallel) {
		t.Errorf("worker count changed the records: %d vs %d", len(sequential), len(parallel))
	}
}

func TestIngestErrors(t *testing.T) {
	ctx := context.Background()
	fields := map[string]map[annotate.Kind]annotate.Fields{
		"first paragraph": {annotate.SemanticSimilarity: {{Key: "a", Value: "  "}}},
	}

	p := New(textproc.NewChunker(20, 0), &stubAnnotator{}, &stubEmbedder{}, openStore(t), Options{}, nil)
	if _, err := p.Ingest(ctx, " \n ", 5, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank text: error = %v, want ErrInvalidInput", err)
	}

	p = New(textproc.NewChunker(20, 0), &stubAnnotator{err: fmt.Errorf("%w: quota", ErrUpstream)}, &stubEmbedder{}, openStore(t), Options{}, nil)
	if _, err := p.Ingest(ctx, twoParagraphs, 5, nil); !errors.Is(err, ErrUpstream) {
		t.Errorf("annotator failure: error = %v, want ErrUpstream", err)
	}

	p = New(textproc.NewChunker(20, 0), &stubAnnotator{fields: fields}, &stubEmbedder{}, openStore(t), Options{}, nil)
	if _, err := p.Ingest(ctx, twoParagraphs, 5, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank field value: error = %v, want ErrInvalidInput", err)
	}

	fields["first paragraph"][annotate.SemanticSimilarity] = fieldsN("a", 1)
	p = New(textproc.NewChunker(20, 0), &stubAnnotator{fields: fields}, &stubEmbedder{fail: ErrUpstream}, openStore(t), Options{}, nil)
	if _, err := p.Ingest(ctx, twoParagraphs, 5, nil); !errors.Is(err, ErrUpstream) {
		t.Errorf("embedder failure: error = %v, want ErrUpstream", err)
	}
}

// failingStore accepts the first n origin texts and then fails.
type failingStore struct {
	database.Store
	n     int
	saved int
}

func (f *failingStore) SaveOriginText(ctx context.Context, text string) (int64, error) {
	if f.saved >= f.n {
		return 0, fmt.Errorf("%w: disk full", ErrPersistence)
	}
	f.saved++
	return f.Store.SaveOriginText(ctx, text)
}

func TestPersistPartialFailure(t *testing.T) {
	store := &failingStore{Store: openStore(t), n: 1}
	groups := []RecordGroup{
		{ChunkIndex: 0, OriginalChunk: "a", Records: []EmbeddingRecord{{CorrelationType: annotate.SharedContext, TextContent: "x", Vector: []float32{1, 2, 3}}}},
		{ChunkIndex: 1, OriginalChunk: "b", Records: []EmbeddingRecord{{CorrelationType: annotate.SharedContext, TextContent: "y", Vector: []float32{1, 2, 3}}}},
	}

	ids, err := Persist(context.Background(), store, groups, nil)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("error = %v, want ErrPersistence", err)
	}
	if len(ids) != 1 {
		t.Fatalf("earlier group should stay persisted, ids = %v", ids)
	}
	if _, err := store.GetOriginText(context.Background(), ids[0]); err != nil {
		t.Errorf("first group missing: %v", err)
	}
}

func TestPersistRejectsUnknownKind(t *testing.T) {
	groups := []RecordGroup{{ChunkIndex: 0, OriginalChunk: "a", Records: []EmbeddingRecord{
		{CorrelationType: annotate.Kind("outro_tipo"), TextContent: "x", Vector: []float32{1, 2, 3}},
	}}}
	if _, err := Persist(context.Background(), openStore(t), groups, nil); !errors.Is(err, ErrPersistence) {
		t.Errorf("error = %v, want ErrPersistence", err)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	annotator := &stubAnnotator{fields: map[string]map[annotate.Kind]annotate.Fields{
		"first paragraph": {annotate.SemanticSimilarity: fieldsN("sim", 3)},
	}}
	p := New(textproc.NewChunker(20, 0), annotator, &stubEmbedder{}, store, Options{}, nil)
	if _, err := p.Ingest(ctx, twoParagraphs, 5, nil); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	tests := []struct {
		question string
		k        int
		wantErr  error
	}{
		{"", 5, ErrInvalidInput},
		{"   ", 5, ErrInvalidInput},
		{"q", 0, ErrInvalidInput},
		{"q", -3, ErrInvalidInput},
		{"q", 1001, ErrInvalidInput},
		{"q", 1000, nil},
		{"q", 1, nil},
	}
	for _, tt := range tests {
		got, err := p.Search(ctx, tt.question, tt.k)
		if tt.wantErr != nil {
			var searchErr *SearchError
			if !errors.As(err, &searchErr) || !errors.Is(err, tt.wantErr) {
				t.Errorf("Search(%q, %d) error = %v, want SearchError wrapping %v", tt.question, tt.k, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("Search(%q, %d): %v", tt.question, tt.k, err)
			continue
		}
		if len(got) > tt.k || len(got) == 0 {
			t.Errorf("Search(%q, %d) returned %d results", tt.question, tt.k, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i].Distance < got[i-1].Distance {
				t.Errorf("results not ordered: %v", got)
			}
		}
	}
}

func TestSearchUpstreamFailure(t *testing.T) {
	p := New(textproc.NewChunker(0, 0), &stubAnnotator{}, &stubEmbedder{fail: ErrUpstream}, openStore(t), Options{}, nil)
	_, err := p.Search(context.Background(), "question", 5)

	var searchErr *SearchError
	if !errors.As(err, &searchErr) || !errors.Is(err, ErrUpstream) || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v", err)
	}
	if searchErr.TopK != 5 || !strings.Contains(searchErr.Error(), "error in embedding search") {
		t.Errorf("search error = %+v", searchErr)
	}
}
