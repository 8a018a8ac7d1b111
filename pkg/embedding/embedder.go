package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jcpsimmons/corag/pkg/errs"
)

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelInfo() string
}

// ValidateText rejects empty and whitespace-only input before any model call.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text to embed cannot be empty", errs.ErrInvalidInput)
	}
	return nil
}

func checkDimension(vec []float32, dim int) error {
	if dim > 0 && len(vec) != dim {
		return fmt.Errorf("%w: expected %d dimensions, model returned %d", errs.ErrUpstream, dim, len(vec))
	}
	return nil
}

type timeoutEmbedder struct {
	Embedder
	timeout time.Duration
}

// WithTimeout bounds every Embed call on e by d. A zero d returns e as is.
func WithTimeout(e Embedder, d time.Duration) Embedder {
	if d <= 0 {
		return e
	}
	return &timeoutEmbedder{Embedder: e, timeout: d}
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Embedder.Embed(ctx, text)
}
