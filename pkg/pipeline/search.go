package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/jcpsimmons/corag/pkg/database"
)

// Search embeds question and returns its k nearest stored annotations.
// Every failure comes back as a *SearchError.
func (p *Pipeline) Search(ctx context.Context, question string, k int) ([]database.Neighbor, error) {
	neighbors, err := p.search(ctx, question, k)
	if err != nil {
		p.logger.Warn("search_failed", "top_k", k, "error", err)
		return nil, &SearchError{Question: question, TopK: k, Err: err}
	}
	return neighbors, nil
}

func (p *Pipeline) search(ctx context.Context, question string, k int) ([]database.Neighbor, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", ErrInvalidInput)
	}
	if err := database.ValidateTopK(k); err != nil {
		return nil, err
	}

	vector, err := p.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	neighbors, err := p.store.NearestNeighbors(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearest neighbors: %w", err)
	}
	return neighbors, nil
}
