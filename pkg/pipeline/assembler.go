package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/jcpsimmons/corag/pkg/annotate"
	"github.com/jcpsimmons/corag/pkg/database"
	"github.com/jcpsimmons/corag/pkg/embedding"
	"github.com/jcpsimmons/corag/pkg/logging"
	"github.com/jcpsimmons/corag/pkg/textproc"
)

type ChunkMetadata struct {
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`
	TotalChunks  int `json:"total_chunks"`
}

// EmbeddingRecord is one annotation field of one chunk, ready to persist.
type EmbeddingRecord struct {
	CorrelationType annotate.Kind  `json:"type"`
	TextContent     string         `json:"text"`
	Vector          []float32      `json:"embedding"`
	ChunkIndex      int            `json:"chunk_index"`
	OriginalChunk   string         `json:"original_chunk"`
	ChunkMetadata   *ChunkMetadata `json:"chunk_metadata,omitempty"`
}

// PersistedText is the stored text_content: the field text followed by a
// footer naming the chunk position.
func (r EmbeddingRecord) PersistedText() string {
	total := "N/A"
	if r.ChunkMetadata != nil {
		total = strconv.Itoa(r.ChunkMetadata.TotalChunks)
	}
	return fmt.Sprintf("%s\n[Chunk %d de %s]", r.TextContent, r.ChunkIndex, total)
}

// RecordGroup holds the records that share one origin text row.
type RecordGroup struct {
	ChunkIndex    int
	OriginalChunk string
	Records       []EmbeddingRecord
}

type Assembler struct {
	embedder embedding.Embedder
	workers  int
	chunker  textproc.Chunker
	logger   *slog.Logger

	// OnEmbedProgress, when set, is called after every embedding call.
	OnEmbedProgress func(completed, total int)
}

func NewAssembler(embedder embedding.Embedder, chunker textproc.Chunker, workers int, logger *slog.Logger) *Assembler {
	return &Assembler{
		embedder: embedder,
		workers:  workers,
		chunker:  chunker,
		logger:   logging.OrDiscard(logger),
	}
}

// SelectFields fans chunks and annotations out into records without vectors.
// Chunks are visited by ascending index and kinds in annotate.Kinds order;
// at most fieldLimit fields are taken from each (chunk, kind) pair.
func (a *Assembler) SelectFields(chunks []textproc.Chunk, annotations []annotate.Annotation, fieldLimit int) []EmbeddingRecord {
	if fieldLimit <= 0 {
		return nil
	}

	byChunk := make(map[int][]annotate.Annotation)
	for _, ann := range annotations {
		byChunk[ann.ChunkIndex] = append(byChunk[ann.ChunkIndex], ann)
	}

	ordered := make([]textproc.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var records []EmbeddingRecord
	for _, chunk := range ordered {
		anns := byChunk[chunk.Index]
		sort.SliceStable(anns, func(i, j int) bool { return kindRank(anns[i].Kind) < kindRank(anns[j].Kind) })

		meta := &ChunkMetadata{
			ChunkSize:    a.chunker.Size,
			ChunkOverlap: a.chunker.Overlap,
			TotalChunks:  chunk.TotalChunks,
		}
		for _, ann := range anns {
			if !ann.Result.Ok() {
				continue
			}
			for i, field := range ann.Result.Fields() {
				if i >= fieldLimit {
					break
				}
				records = append(records, EmbeddingRecord{
					CorrelationType: ann.Kind,
					TextContent:     field.Value,
					ChunkIndex:      chunk.Index,
					OriginalChunk:   chunk.Text,
					ChunkMetadata:   meta,
				})
			}
		}
	}
	return records
}

// Assemble selects the records and embeds each one's text. The result keeps
// the selection order whatever the worker count.
func (a *Assembler) Assemble(ctx context.Context, chunks []textproc.Chunk, annotations []annotate.Annotation, fieldLimit int) ([]EmbeddingRecord, error) {
	records := a.SelectFields(chunks, annotations, fieldLimit)
	if len(records) == 0 {
		return records, nil
	}

	texts := make([]string, len(records))
	for i, r := range records {
		texts[i] = r.TextContent
	}

	vectors, err := embedding.EmbedConcurrent(ctx, a.embedder, texts, a.workers, a.OnEmbedProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	for i := range records {
		records[i].Vector = vectors[i]
	}

	a.logger.Debug("records_embedded", "records", len(records), "workers", a.workers)
	return records, nil
}

// Group collects records by chunk index in first-seen order.
func Group(records []EmbeddingRecord) []RecordGroup {
	var groups []RecordGroup
	index := make(map[int]int)
	for _, r := range records {
		i, ok := index[r.ChunkIndex]
		if !ok {
			i = len(groups)
			index[r.ChunkIndex] = i
			groups = append(groups, RecordGroup{ChunkIndex: r.ChunkIndex, OriginalChunk: r.OriginalChunk})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}

// WithEmptyChunks returns one group per chunk in ascending index order,
// adding record-less groups for chunks that produced no records.
func WithEmptyChunks(groups []RecordGroup, chunks []textproc.Chunk) []RecordGroup {
	existing := make(map[int]RecordGroup, len(groups))
	for _, g := range groups {
		existing[g.ChunkIndex] = g
	}

	ordered := make([]textproc.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	all := make([]RecordGroup, 0, len(ordered))
	for _, c := range ordered {
		if g, ok := existing[c.Index]; ok {
			all = append(all, g)
			continue
		}
		all = append(all, RecordGroup{ChunkIndex: c.Index, OriginalChunk: c.Text})
	}
	return all
}

// Persist stores each group as one origin text plus its embeddings and
// returns the origin ids in group order. Groups commit independently: on
// failure the ids of the groups already stored are returned with the error.
func Persist(ctx context.Context, store database.Store, groups []RecordGroup, logger *slog.Logger) ([]int64, error) {
	logger = logging.OrDiscard(logger)
	ids := make([]int64, 0, len(groups))

	for _, g := range groups {
		originID, err := store.SaveOriginText(ctx, g.OriginalChunk)
		if err != nil {
			return ids, fmt.Errorf("chunk %d: %w", g.ChunkIndex, err)
		}

		if len(g.Records) > 0 {
			rows := make([]database.NewEmbedding, len(g.Records))
			for i, r := range g.Records {
				rows[i] = database.NewEmbedding{
					CorrelationType: database.CorrelationType(r.CorrelationType.Label()),
					TextContent:     r.PersistedText(),
					Vector:          r.Vector,
				}
			}
			if err := store.SaveEmbeddings(ctx, originID, rows); err != nil {
				return ids, fmt.Errorf("chunk %d: %w", g.ChunkIndex, err)
			}
		}

		ids = append(ids, originID)
		logger.Info("chunk_group_saved",
			"chunk_index", g.ChunkIndex,
			"origin_id", originID,
			"embeddings", len(g.Records))
	}
	return ids, nil
}

// kindRank orders known kinds as in annotate.Kinds and anything else after.
func kindRank(k annotate.Kind) int {
	for i, known := range annotate.Kinds {
		if k == known {
			return i
		}
	}
	return len(annotate.Kinds)
}
