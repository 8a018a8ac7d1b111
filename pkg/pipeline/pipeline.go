package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcpsimmons/corag/pkg/annotate"
	"github.com/jcpsimmons/corag/pkg/database"
	"github.com/jcpsimmons/corag/pkg/embedding"
	"github.com/jcpsimmons/corag/pkg/logging"
	"github.com/jcpsimmons/corag/pkg/textproc"
)

// ChunkAnnotator runs every annotation prompt against one chunk.
type ChunkAnnotator interface {
	AnnotateChunk(ctx context.Context, chunkIndex int, chunkText string) ([]annotate.Annotation, error)
}

type Options struct {
	EmbedWorkers    int
	AnnotateWorkers int
	// PersistEmptyChunks stores an origin text even for chunks whose
	// annotations all failed to parse.
	PersistEmptyChunks bool
}

// Progress is called as each stage advances. stage is "annotations" or
// "embeddings".
type Progress func(stage string, completed, total int)

type Pipeline struct {
	chunker   textproc.Chunker
	annotator ChunkAnnotator
	embedder  embedding.Embedder
	store     database.Store
	opts      Options
	logger    *slog.Logger
}

func New(chunker textproc.Chunker, annotator ChunkAnnotator, embedder embedding.Embedder, store database.Store, opts Options, logger *slog.Logger) *Pipeline {
	if opts.EmbedWorkers <= 0 {
		opts.EmbedWorkers = 1
	}
	if opts.AnnotateWorkers <= 0 {
		opts.AnnotateWorkers = 1
	}
	return &Pipeline{
		chunker:   chunker,
		annotator: annotator,
		embedder:  embedder,
		store:     store,
		opts:      opts,
		logger:    logging.OrDiscard(logger),
	}
}

func (p *Pipeline) Chunker() textproc.Chunker {
	return p.chunker
}

func (p *Pipeline) Store() database.Store {
	return p.store
}

type IngestResult struct {
	RequestID string
	Chunks    int
	OriginIDs []int64
	Records   []EmbeddingRecord
}

// Ingest chunks text, annotates and embeds every chunk and persists the
// result one chunk group at a time. When persisting fails partway, the ids
// already stored are returned alongside the error.
func (p *Pipeline) Ingest(ctx context.Context, text string, fieldLimit int, progress Progress) (*IngestResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrInvalidInput)
	}

	start := time.Now()
	result := &IngestResult{RequestID: uuid.NewString()}
	logger := p.logger.With("request_id", result.RequestID)

	chunks := p.chunker.Chunk(text)
	result.Chunks = len(chunks)
	logger.Info("ingest_started",
		"chunks", len(chunks),
		"chunk_size", p.chunker.Size,
		"chunk_overlap", p.chunker.Overlap,
		"field_limit", fieldLimit)

	annotations, err := p.annotateConcurrent(ctx, chunks, progressFor(progress, "annotations"))
	if err != nil {
		logger.Error("ingest_failed", "stage", "annotate", "error", err)
		return nil, fmt.Errorf("failed to annotate chunks: %w", err)
	}

	assembler := NewAssembler(p.embedder, p.chunker, p.opts.EmbedWorkers, logger)
	assembler.OnEmbedProgress = progressFor(progress, "embeddings")
	records, err := assembler.Assemble(ctx, chunks, annotations, fieldLimit)
	if err != nil {
		logger.Error("ingest_failed", "stage", "embed", "error", err)
		return nil, err
	}
	result.Records = records

	groups := Group(records)
	if p.opts.PersistEmptyChunks {
		groups = WithEmptyChunks(groups, chunks)
	}

	ids, err := Persist(ctx, p.store, groups, logger)
	result.OriginIDs = ids
	if err != nil {
		logger.Error("ingest_failed", "stage", "persist", "saved_groups", len(ids), "error", err)
		return result, fmt.Errorf("failed to persist embeddings: %w", err)
	}

	logger.Info("ingest_completed",
		"origin_texts", len(ids),
		"records", len(records),
		"duration", time.Since(start))
	return result, nil
}

type annotateJob struct {
	Chunk textproc.Chunk
}

type annotateResult struct {
	Index       int
	Annotations []annotate.Annotation
	Error       error
}

// annotateConcurrent annotates chunks on the configured number of workers and
// returns the annotations in chunk order.
func (p *Pipeline) annotateConcurrent(ctx context.Context, chunks []textproc.Chunk, progressCallback func(completed, total int)) ([]annotate.Annotation, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	maxWorkers := p.opts.AnnotateWorkers
	if maxWorkers > len(chunks) {
		maxWorkers = len(chunks)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan annotateJob, len(chunks))
	results := make(chan annotateResult, len(chunks))

	var wg sync.WaitGroup
	for i := 0; i < maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := ctx.Err(); err != nil {
					results <- annotateResult{Index: job.Chunk.Index, Error: err}
					continue
				}
				anns, err := p.annotator.AnnotateChunk(ctx, job.Chunk.Index, job.Chunk.Text)
				results <- annotateResult{Index: job.Chunk.Index, Annotations: anns, Error: err}
			}
		}()
	}

	for _, chunk := range chunks {
		jobs <- annotateJob{Chunk: chunk}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	byIndex := make(map[int][]annotate.Annotation, len(chunks))
	var firstErr error
	completed := 0
	for result := range results {
		completed++
		if progressCallback != nil {
			progressCallback(completed, len(chunks))
		}
		if result.Error != nil {
			if firstErr == nil {
				firstErr = result.Error
				cancel()
			}
			continue
		}
		byIndex[result.Index] = result.Annotations
	}
	if firstErr != nil {
		return nil, firstErr
	}

	var annotations []annotate.Annotation
	for _, chunk := range chunks {
		annotations = append(annotations, byIndex[chunk.Index]...)
	}
	return annotations, nil
}

func progressFor(progress Progress, stage string) func(completed, total int) {
	if progress == nil {
		return nil
	}
	return func(completed, total int) {
		progress(stage, completed, total)
	}
}
