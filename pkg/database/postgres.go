package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/jcpsimmons/corag/pkg/errs"
	"github.com/jcpsimmons/corag/pkg/logging"
)

// PostgresStore keeps vectors in a pgvector vector(N) column and ranks them
// with the <=> cosine distance operator.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dimensions int
	logger     *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, dsn string, maxConns int32, dimensions int, logger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive, got %d", dimensions)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	// The vector type has to exist before the pool registers its codec.
	if err := createExtension(ctx, poolCfg.ConnConfig); err != nil {
		return nil, err
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	db := &PostgresStore{
		pool:       pool,
		dimensions: dimensions,
		logger:     logging.OrDiscard(logger),
	}

	if err := db.setupTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to setup database tables: %w", err)
	}

	db.logger.Info("store_opened", "backend", "postgres", "max_conns", poolCfg.MaxConns, "dimensions", dimensions)
	return db, nil
}

func createExtension(ctx context.Context, connCfg *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, connCfg.Copy())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	return nil
}

func (db *PostgresStore) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresStore) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *PostgresStore) setupTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS db_origin_text (
			id SERIAL PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS db_correlation_embedding (
			id SERIAL PRIMARY KEY,
			id_text_origin INTEGER NOT NULL REFERENCES db_origin_text (id) ON DELETE CASCADE,
			correlation_type VARCHAR(50) NOT NULL
				CONSTRAINT check_correlation_type
				CHECK (correlation_type IN ('Similaridade semântica', 'Relacionamento Semântico', 'Contexto Compartilhado')),
			text_content TEXT NOT NULL,
			vector vector(%d)
		)`, db.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_correlation_embedding_origin ON db_correlation_embedding(id_text_origin)`,
	}

	for _, query := range queries {
		if _, err := db.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}
	return nil
}

func (db *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", errs.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %w", errs.ErrPersistence, err)
	}
	return nil
}

func (db *PostgresStore) SaveOriginText(ctx context.Context, text string) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `INSERT INTO db_origin_text (data) VALUES ($1) RETURNING id`, text).Scan(&id); err != nil {
			return fmt.Errorf("%w: failed to insert origin text: %w", errs.ErrPersistence, err)
		}
		return nil
	})
	return id, err
}

func (db *PostgresStore) SaveEmbeddings(ctx context.Context, originID int64, rows []NewEmbedding) error {
	if err := validateEmbeddings(rows, db.dimensions); err != nil {
		return err
	}

	return db.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, row := range rows {
			var vector any
			if row.Vector != nil {
				vector = pgvector.NewVector(row.Vector)
			}
			batch.Queue(`INSERT INTO db_correlation_embedding (id_text_origin, correlation_type, text_content, vector) VALUES ($1, $2, $3, $4)`,
				originID, string(row.CorrelationType), row.TextContent, vector)
		}

		results := tx.SendBatch(ctx, batch)
		for i := range rows {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("%w: failed to insert embedding %d for origin %d: %w", errs.ErrPersistence, i, originID, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("%w: %w", errs.ErrPersistence, err)
		}
		return nil
	})
}

func (db *PostgresStore) NearestNeighbors(ctx context.Context, vector []float32, k int) ([]Neighbor, error) {
	if err := ValidateTopK(k); err != nil {
		return nil, err
	}

	query := `
		SELECT
			ce.vector <=> $1 AS distance,
			ce.text_content,
			ce.correlation_type,
			ot.data,
			ce.id,
			ot.id
		FROM db_correlation_embedding ce
		INNER JOIN db_origin_text ot ON ce.id_text_origin = ot.id
		WHERE ce.vector IS NOT NULL
		ORDER BY distance ASC, ce.id ASC
		LIMIT $2`
	rows, err := db.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	neighbors := []Neighbor{}
	for rows.Next() {
		var n Neighbor
		var correlationType string
		if err := rows.Scan(&n.Distance, &n.TextContent, &correlationType, &n.OriginText, &n.EmbeddingID, &n.OriginID); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		n.CorrelationType = CorrelationType(correlationType)
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return neighbors, nil
}

func (db *PostgresStore) GetOriginText(ctx context.Context, id int64) (OriginText, error) {
	var text OriginText
	err := db.pool.QueryRow(ctx, `SELECT id, data FROM db_origin_text WHERE id = $1`, id).Scan(&text.ID, &text.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return OriginText{}, fmt.Errorf("%w: origin text %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return OriginText{}, fmt.Errorf("failed to query origin text %d: %w", id, err)
	}
	return text, nil
}

func (db *PostgresStore) ListOriginTexts(ctx context.Context, limit, offset int) ([]OriginText, error) {
	limit, offset = listBounds(limit, offset)

	rows, err := db.pool.Query(ctx, `SELECT id, data FROM db_origin_text ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query origin texts: %w", err)
	}
	defer rows.Close()

	texts := []OriginText{}
	for rows.Next() {
		var text OriginText
		if err := rows.Scan(&text.ID, &text.Data); err != nil {
			return nil, fmt.Errorf("failed to scan origin text row: %w", err)
		}
		texts = append(texts, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating origin text rows: %w", err)
	}
	return texts, nil
}

func (db *PostgresStore) GetEmbeddingsByOrigin(ctx context.Context, originID int64) ([]CorrelationEmbedding, error) {
	if _, err := db.GetOriginText(ctx, originID); err != nil {
		return nil, err
	}

	query := `SELECT id, id_text_origin, correlation_type, text_content, vector FROM db_correlation_embedding WHERE id_text_origin = $1 ORDER BY id`
	rows, err := db.pool.Query(ctx, query, originID)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	embeddings := []CorrelationEmbedding{}
	for rows.Next() {
		var e CorrelationEmbedding
		var correlationType string
		var vector *pgvector.Vector
		if err := rows.Scan(&e.ID, &e.OriginID, &correlationType, &e.TextContent, &vector); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		e.CorrelationType = CorrelationType(correlationType)
		if vector != nil {
			e.Vector = vector.Slice()
		}
		embeddings = append(embeddings, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embedding rows: %w", err)
	}
	return embeddings, nil
}

func (db *PostgresStore) DeleteOriginText(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM db_origin_text WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("%w: failed to delete origin text %d: %w", errs.ErrPersistence, id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: origin text %d", errs.ErrNotFound, id)
		}
		return nil
	})
}
