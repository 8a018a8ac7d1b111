package annotate

import (
	"errors"
	"net/http"

	"github.com/tmc/langchaingo/llms/openai"
)

// NewOpenAIModel returns a chat model for api.openai.com, or for any
// compatible server when baseURL is set.
func NewOpenAIModel(apiKey, model, baseURL string, httpClient *http.Client) (*openai.LLM, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key not set")
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, openai.WithHTTPClient(httpClient))
	}
	return openai.New(opts...)
}

// NewAzureModel returns a chat model backed by an Azure OpenAI deployment.
// The deployment is addressed by the chat model name.
func NewAzureModel(apiKey, endpoint, apiVersion, chatModel, embeddingModel string, httpClient *http.Client) (*openai.LLM, error) {
	if endpoint == "" || apiKey == "" {
		return nil, errors.New("Azure OpenAI endpoint and API key must be set")
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithBaseURL(endpoint),
		openai.WithAPIType(openai.APITypeAzure),
		openai.WithModel(chatModel),
		openai.WithEmbeddingModel(embeddingModel),
	}
	if apiVersion != "" {
		opts = append(opts, openai.WithAPIVersion(apiVersion))
	}
	if httpClient != nil {
		opts = append(opts, openai.WithHTTPClient(httpClient))
	}
	return openai.New(opts...)
}
