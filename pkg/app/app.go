package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"

	"github.com/jcpsimmons/corag/pkg/annotate"
	"github.com/jcpsimmons/corag/pkg/config"
	"github.com/jcpsimmons/corag/pkg/database"
	"github.com/jcpsimmons/corag/pkg/embedding"
	"github.com/jcpsimmons/corag/pkg/logging"
	"github.com/jcpsimmons/corag/pkg/pipeline"
	"github.com/jcpsimmons/corag/pkg/textproc"
)

// App owns everything built from one Config. Close releases the store.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    database.Store
	Embedder embedding.Embedder
	Pipeline *pipeline.Pipeline
}

// New builds the models, opens the store and assembles the pipeline.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger = logging.OrDiscard(logger)

	prompts, err := annotate.LoadPrompts(cfg.Prompts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	model, embedder, err := NewModels(ctx, cfg.Models, cfg.Database.Dimensions)
	if err != nil {
		return nil, err
	}
	embedder = embedding.WithTimeout(embedder, cfg.Models.Timeout)

	store, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	annotator := annotate.New(model, prompts,
		annotate.WithTimeout(cfg.Models.Timeout),
		annotate.WithLogger(logger))

	p := pipeline.New(
		textproc.NewChunker(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap),
		annotator,
		embedder,
		store,
		pipeline.Options{
			EmbedWorkers:       cfg.Pipeline.EmbedWorkers,
			AnnotateWorkers:    cfg.Pipeline.AnnotateWorkers,
			PersistEmptyChunks: cfg.Pipeline.PersistEmptyChunks,
		},
		logger,
	)

	logger.Info("app_ready",
		"provider", cfg.Models.Provider,
		"embedder", embedder.ModelInfo(),
		"chat_model", cfg.Models.ChatModel,
		"backend", cfg.Database.Backend)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Embedder: embedder,
		Pipeline: p,
	}, nil
}

func (a *App) Close() error {
	return a.Store.Close()
}

// NewModels returns the chat model and embedder for the configured provider.
func NewModels(ctx context.Context, cfg config.ModelsConfig, dimensions int) (llms.Model, embedding.Embedder, error) {
	httpClient := &http.Client{}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		model, err := annotate.NewOpenAIModel(cfg.APIKey, cfg.ChatModel, cfg.Endpoint, httpClient)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		if cfg.Endpoint != "" {
			clientCfg := openai.DefaultConfig(cfg.APIKey)
			clientCfg.BaseURL = cfg.Endpoint
			return model, embedding.NewOpenAIEmbedderWithConfig(clientCfg, cfg.EmbeddingModel, dimensions), nil
		}
		embedder, err := embedding.NewOpenAIEmbedder(cfg.APIKey, cfg.EmbeddingModel, dimensions)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return model, embedder, nil

	case config.ProviderAzure:
		model, err := annotate.NewAzureModel(cfg.APIKey, cfg.Endpoint, cfg.APIVersion, cfg.ChatModel, cfg.EmbeddingModel, httpClient)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		embedder, err := embedding.NewAzureEmbedder(cfg.APIKey, cfg.Endpoint, cfg.APIVersion, cfg.EmbeddingModel, dimensions)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return model, embedder, nil

	case config.ProviderOllama:
		client := embedding.NewOllamaClient(cfg.OllamaHost, cfg.EmbeddingModel, cfg.ChatModel, dimensions)
		if err := client.CheckConnection(ctx); err != nil {
			return nil, nil, err
		}
		if err := client.CheckModelsAvailable(ctx); err != nil {
			return nil, nil, err
		}
		return client, client, nil

	default:
		return nil, nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
