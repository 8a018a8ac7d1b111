package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jcpsimmons/corag/pkg/errs"
)

func (db *SQLiteStore) GetOriginText(ctx context.Context, id int64) (OriginText, error) {
	var text OriginText
	err := db.conn.QueryRowContext(ctx, `SELECT id, data FROM db_origin_text WHERE id = ?`, id).Scan(&text.ID, &text.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return OriginText{}, fmt.Errorf("%w: origin text %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return OriginText{}, fmt.Errorf("failed to query origin text %d: %w", id, err)
	}
	return text, nil
}

func (db *SQLiteStore) ListOriginTexts(ctx context.Context, limit, offset int) ([]OriginText, error) {
	limit, offset = listBounds(limit, offset)

	rows, err := db.conn.QueryContext(ctx, `SELECT id, data FROM db_origin_text ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
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

func (db *SQLiteStore) GetEmbeddingsByOrigin(ctx context.Context, originID int64) ([]CorrelationEmbedding, error) {
	if _, err := db.GetOriginText(ctx, originID); err != nil {
		return nil, err
	}

	query := `SELECT id, id_text_origin, correlation_type, text_content, vector FROM db_correlation_embedding WHERE id_text_origin = ? ORDER BY id`
	rows, err := db.conn.QueryContext(ctx, query, originID)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	embeddings := []CorrelationEmbedding{}
	for rows.Next() {
		var e CorrelationEmbedding
		var vectorJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.OriginID, &e.CorrelationType, &e.TextContent, &vectorJSON); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		if vectorJSON.Valid {
			if err := json.Unmarshal([]byte(vectorJSON.String), &e.Vector); err != nil {
				return nil, fmt.Errorf("failed to unmarshal vector for embedding %d: %w", e.ID, err)
			}
		}
		embeddings = append(embeddings, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embedding rows: %w", err)
	}

	return embeddings, nil
}

func (db *SQLiteStore) DeleteOriginText(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM db_origin_text WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("%w: failed to delete origin text %d: %w", errs.ErrPersistence, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: %w", errs.ErrPersistence, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: origin text %d", errs.ErrNotFound, id)
		}
		return nil
	})
}
