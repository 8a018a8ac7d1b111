package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcpsimmons/corag/pkg/config"
)

// Store persists chunks and their embeddings. Every method runs in its own
// transaction; nothing spans two calls.
type Store interface {
	SaveOriginText(ctx context.Context, text string) (int64, error)
	SaveEmbeddings(ctx context.Context, originID int64, rows []NewEmbedding) error
	// NearestNeighbors returns at most k rows ordered by ascending cosine
	// distance to vector. Rows without a vector are skipped.
	NearestNeighbors(ctx context.Context, vector []float32, k int) ([]Neighbor, error)

	GetOriginText(ctx context.Context, id int64) (OriginText, error)
	ListOriginTexts(ctx context.Context, limit, offset int) ([]OriginText, error)
	GetEmbeddingsByOrigin(ctx context.Context, originID int64) ([]CorrelationEmbedding, error)
	// DeleteOriginText removes a chunk together with its embeddings.
	DeleteOriginText(ctx context.Context, id int64) error

	Ping(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// Open builds the store selected by cfg.Backend and creates its tables.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return OpenPostgres(ctx, cfg.DSN, cfg.MaxConns, cfg.Dimensions, logger)
	case config.BackendSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath, cfg.Dimensions, logger)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}

func listBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > MaxTopK {
		limit = MaxTopK
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
