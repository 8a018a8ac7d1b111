package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/jcpsimmons/corag/pkg/errs"
)

// OllamaClient talks to a local Ollama server. It embeds text and, through
// GenerateContent, serves as the annotation model.
type OllamaClient struct {
	baseURL    string
	embedModel string
	chatModel  string
	dim        int
	http       *http.Client
}

var _ llms.Model = (*OllamaClient)(nil)

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Format string `json:"format,omitempty"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type listModelsResponse struct {
	Models []modelInfo `json:"models"`
}

type modelInfo struct {
	Name string `json:"name"`
}

var thinkRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)

func NewOllamaClient(baseURL, embedModel, chatModel string, dim int) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	if chatModel == "" {
		chatModel = "qwen3:0.6b"
	}

	return &OllamaClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		embedModel: embedModel,
		chatModel:  chatModel,
		dim:        dim,
		http:       &http.Client{},
	}
}

// CheckConnection verifies that Ollama is running and accessible
func (c *OllamaClient) CheckConnection(ctx context.Context) error {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return fmt.Errorf("failed to connect to Ollama at %s: %w\n\nPlease ensure:\n1. Ollama is installed (visit https://ollama.ai)\n2. Ollama is running (try 'ollama serve')\n3. The correct host is specified (default: http://localhost:11434)", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Ollama server responded with status %d\n\nPlease check that Ollama is running properly", resp.StatusCode)
	}

	return nil
}

// CheckModelsAvailable verifies that the embedding and chat models are installed
func (c *OllamaClient) CheckModelsAvailable(ctx context.Context) error {
	resp, err := c.get(ctx, "/api/tags")
	if err != nil {
		return fmt.Errorf("failed to check available models: %w", err)
	}
	defer resp.Body.Close()

	var listResp listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return fmt.Errorf("failed to parse models list: %w", err)
	}

	modelMap := make(map[string]bool)
	for _, model := range listResp.Models {
		modelMap[model.Name] = true
		// Also add without :latest tag for compatibility
		if strings.HasSuffix(model.Name, ":latest") {
			modelMap[strings.TrimSuffix(model.Name, ":latest")] = true
		}
	}

	var missingModels []string
	for _, required := range []string{c.embedModel, c.chatModel} {
		if !modelMap[required] {
			missingModels = append(missingModels, required)
		}
	}

	if len(missingModels) > 0 {
		return fmt.Errorf("missing required models: %v\n\nPlease install them with:\n%s",
			missingModels,
			generateInstallCommands(missingModels))
	}

	return nil
}

func generateInstallCommands(models []string) string {
	var commands []string
	for _, model := range models {
		commands = append(commands, fmt.Sprintf("ollama pull %s", model))
	}
	return strings.Join(commands, "\n")
}

func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}

	var result embeddingResponse
	if err := c.post(ctx, "/api/embeddings", embeddingRequest{Model: c.embedModel, Prompt: text}, &result); err != nil {
		return nil, err
	}

	vec := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		vec[i] = float32(v)
	}
	if err := checkDimension(vec, c.dim); err != nil {
		return nil, err
	}
	return vec, nil
}

// GenerateContent sends system parts as the Ollama system prompt and every
// other text part as the user prompt, asking for a JSON answer.
func (c *OllamaClient) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	var system, prompt []string
	for _, m := range messages {
		for _, part := range m.Parts {
			text, ok := part.(llms.TextContent)
			if !ok {
				continue
			}
			if m.Role == llms.ChatMessageTypeSystem {
				system = append(system, text.Text)
			} else {
				prompt = append(prompt, text.Text)
			}
		}
	}

	reqBody := generateRequest{
		Model:  c.chatModel,
		Prompt: strings.Join(prompt, "\n\n"),
		System: strings.Join(system, "\n\n"),
		Format: "json",
		Stream: false,
	}

	var result generateResponse
	if err := c.post(ctx, "/api/generate", reqBody, &result); err != nil {
		return nil, err
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: cleanResponse(result.Response)}},
	}, nil
}

func (c *OllamaClient) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c, prompt, options...)
}

func (c *OllamaClient) Dimension() int {
	return c.dim
}

func (c *OllamaClient) ModelInfo() string {
	return "ollama-" + c.embedModel
}

func (c *OllamaClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to call Ollama API: %w", errs.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: Ollama API returned status %d: %s", errs.ErrUpstream, resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", errs.ErrUpstream, err)
	}
	return nil
}

// cleanResponse strips reasoning blocks some local models emit before the answer.
func cleanResponse(response string) string {
	return strings.TrimSpace(thinkRegex.ReplaceAllString(response, ""))
}
