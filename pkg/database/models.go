package database

import (
	"fmt"

	"github.com/jcpsimmons/corag/pkg/errs"
)

// CorrelationType is the label stored with every embedding row. Only the
// three values below pass the store boundary.
type CorrelationType string

const (
	SemanticSimilarity   CorrelationType = "Similaridade semântica"
	SemanticRelationship CorrelationType = "Relacionamento Semântico"
	SharedContext        CorrelationType = "Contexto Compartilhado"
)

// ErrNotFound is returned by the readers for a missing origin text.
var ErrNotFound = errs.ErrNotFound

// MaxTopK bounds the number of neighbors a single query may ask for.
const MaxTopK = 1000

func CorrelationTypes() []CorrelationType {
	return []CorrelationType{SemanticSimilarity, SemanticRelationship, SharedContext}
}

func (c CorrelationType) Valid() bool {
	switch c {
	case SemanticSimilarity, SemanticRelationship, SharedContext:
		return true
	}
	return false
}

// OriginText is one overlapped chunk as it was sent to the language model.
type OriginText struct {
	ID   int64  `json:"id"`
	Data string `json:"data"`
}

type CorrelationEmbedding struct {
	ID              int64           `json:"id"`
	OriginID        int64           `json:"id_text_origin"`
	CorrelationType CorrelationType `json:"correlation_type"`
	TextContent     string          `json:"text_content"`
	Vector          []float32       `json:"vector,omitempty"`
}

// NewEmbedding is an embedding row waiting for its origin id. A nil Vector
// is stored as NULL and never returned by NearestNeighbors.
type NewEmbedding struct {
	CorrelationType CorrelationType
	TextContent     string
	Vector          []float32
}

type Neighbor struct {
	Distance        float64         `json:"distance"`
	TextContent     string          `json:"text_content"`
	CorrelationType CorrelationType `json:"correlation_type"`
	OriginText      string          `json:"origin_text_data"`
	EmbeddingID     int64           `json:"embedding_id"`
	OriginID        int64           `json:"origin_text_id"`
}

// ValidateTopK rejects k outside [1, MaxTopK].
func ValidateTopK(k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: top_k must be a positive integer", errs.ErrInvalidInput)
	}
	if k > MaxTopK {
		return fmt.Errorf("%w: top_k cannot exceed %d", errs.ErrInvalidInput, MaxTopK)
	}
	return nil
}

func validateEmbeddings(rows []NewEmbedding, dimensions int) error {
	for i, row := range rows {
		if !row.CorrelationType.Valid() {
			return fmt.Errorf("%w: row %d: unknown correlation type %q", errs.ErrPersistence, i, row.CorrelationType)
		}
		if row.Vector != nil && dimensions > 0 && len(row.Vector) != dimensions {
			return fmt.Errorf("%w: row %d: expected %d dimensions, got %d", errs.ErrPersistence, i, dimensions, len(row.Vector))
		}
	}
	return nil
}
