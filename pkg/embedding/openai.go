package embedding

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jcpsimmons/corag/pkg/errs"
)

// OpenAIEmbedder uses the OpenAI (or Azure OpenAI) embeddings API
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder creates an embedder against api.openai.com
func NewOpenAIEmbedder(apiKey, model string, dim int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key not set")
	}
	return NewOpenAIEmbedderWithConfig(openai.DefaultConfig(apiKey), model, dim), nil
}

// NewAzureEmbedder creates an embedder against an Azure OpenAI deployment.
// The deployment name is derived from the model name.
func NewAzureEmbedder(apiKey, endpoint, apiVersion, model string, dim int) (*OpenAIEmbedder, error) {
	if endpoint == "" || apiKey == "" {
		return nil, errors.New("Azure OpenAI endpoint and API key must be set")
	}
	cfg := openai.DefaultAzureConfig(apiKey, endpoint)
	if apiVersion != "" {
		cfg.APIVersion = apiVersion
	}
	return NewOpenAIEmbedderWithConfig(cfg, model, dim), nil
}

func NewOpenAIEmbedderWithConfig(cfg openai.ClientConfig, model string, dim int) *OpenAIEmbedder {
	if model == "" {
		model = string(openai.LargeEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dim:    dim,
	}
}

// Embed generates an embedding for a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai embeddings: %w", errs.ErrUpstream, err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding data returned from API", errs.ErrUpstream)
	}

	vec := resp.Data[0].Embedding
	if err := checkDimension(vec, e.dim); err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dim
}

func (e *OpenAIEmbedder) ModelInfo() string {
	return "openai-" + e.model
}
