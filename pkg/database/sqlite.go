package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jcpsimmons/corag/pkg/errs"
	"github.com/jcpsimmons/corag/pkg/logging"
	"github.com/jcpsimmons/corag/pkg/similarity"
)

// SQLiteStore keeps vectors as JSON arrays and ranks them in Go.
type SQLiteStore struct {
	conn       *sql.DB
	path       string
	dimensions int
	logger     *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(ctx context.Context, path string, dimensions int, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &SQLiteStore{
		conn:       conn,
		path:       path,
		dimensions: dimensions,
		logger:     logging.OrDiscard(logger),
	}

	if err := db.setupTables(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to setup database tables: %w", err)
	}

	db.logger.Info("store_opened", "backend", "sqlite", "path", path, "dimensions", dimensions)
	return db, nil
}

func (db *SQLiteStore) Close() error {
	return db.conn.Close()
}

func (db *SQLiteStore) Path() string {
	return db.path
}

func (db *SQLiteStore) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *SQLiteStore) setupTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS db_origin_text (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS db_correlation_embedding (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			id_text_origin INTEGER NOT NULL REFERENCES db_origin_text (id) ON DELETE CASCADE,
			correlation_type VARCHAR(50) NOT NULL
				CONSTRAINT check_correlation_type
				CHECK (correlation_type IN ('Similaridade semântica', 'Relacionamento Semântico', 'Contexto Compartilhado')),
			text_content TEXT NOT NULL,
			vector TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_correlation_embedding_origin ON db_correlation_embedding(id_text_origin)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}

	return nil
}

// withTx commits when fn succeeds and rolls back otherwise.
func (db *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", errs.ErrPersistence, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %w", errs.ErrPersistence, err)
	}
	return nil
}

func (db *SQLiteStore) SaveOriginText(ctx context.Context, text string) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO db_origin_text (data) VALUES (?) RETURNING id`
		if err := tx.QueryRowContext(ctx, query, text).Scan(&id); err != nil {
			return fmt.Errorf("%w: failed to insert origin text: %w", errs.ErrPersistence, err)
		}
		return nil
	})
	return id, err
}

func (db *SQLiteStore) SaveEmbeddings(ctx context.Context, originID int64, rows []NewEmbedding) error {
	if err := validateEmbeddings(rows, db.dimensions); err != nil {
		return err
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO db_correlation_embedding (id_text_origin, correlation_type, text_content, vector) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("%w: failed to prepare statement: %w", errs.ErrPersistence, err)
		}
		defer stmt.Close()

		for i, row := range rows {
			vector, err := encodeVector(row.Vector)
			if err != nil {
				return fmt.Errorf("%w: row %d: %w", errs.ErrPersistence, i, err)
			}
			if _, err := stmt.ExecContext(ctx, originID, string(row.CorrelationType), row.TextContent, vector); err != nil {
				return fmt.Errorf("%w: failed to insert embedding %d for origin %d: %w", errs.ErrPersistence, i, originID, err)
			}
		}
		return nil
	})
}

func (db *SQLiteStore) NearestNeighbors(ctx context.Context, vector []float32, k int) ([]Neighbor, error) {
	if err := ValidateTopK(k); err != nil {
		return nil, err
	}

	query := `
		SELECT ce.id, ce.text_content, ce.correlation_type, ce.vector, ot.id, ot.data
		FROM db_correlation_embedding ce
		INNER JOIN db_origin_text ot ON ce.id_text_origin = ot.id
		WHERE ce.vector IS NOT NULL`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	neighbors := []Neighbor{}
	for rows.Next() {
		var n Neighbor
		var vectorJSON string
		if err := rows.Scan(&n.EmbeddingID, &n.TextContent, &n.CorrelationType, &vectorJSON, &n.OriginID, &n.OriginText); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		var stored []float32
		if err := json.Unmarshal([]byte(vectorJSON), &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vector for embedding %d: %w", n.EmbeddingID, err)
		}
		n.Distance, err = similarity.CosineDistance(stored, vector)
		if err != nil {
			return nil, fmt.Errorf("embedding %d: %w", n.EmbeddingID, err)
		}
		neighbors = append(neighbors, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

func encodeVector(vec []float32) (any, error) {
	if vec == nil {
		return nil, nil
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vector: %w", err)
	}
	return string(b), nil
}
