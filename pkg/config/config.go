package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines runtime settings for corag.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Models   ModelsConfig   `yaml:"models"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Prompts  PromptsConfig  `yaml:"prompts"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig selects the store backend once at startup.
type DatabaseConfig struct {
	Backend    string `yaml:"backend"` // postgres or sqlite
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlitePath"`
	MaxConns   int32  `yaml:"maxConns"`
	Dimensions int    `yaml:"dimensions"`
}

type ModelsConfig struct {
	Provider       string        `yaml:"provider"` // openai, azure or ollama
	APIKey         string        `yaml:"apiKey"`
	Endpoint       string        `yaml:"endpoint"`
	APIVersion     string        `yaml:"apiVersion"`
	ChatModel      string        `yaml:"chatModel"`
	EmbeddingModel string        `yaml:"embeddingModel"`
	OllamaHost     string        `yaml:"ollamaHost"`
	Timeout        time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	ChunkSize          int  `yaml:"chunkSize"`
	ChunkOverlap       int  `yaml:"chunkOverlap"`
	FieldLimit         int  `yaml:"fieldLimit"`
	EmbedWorkers       int  `yaml:"embedWorkers"`
	AnnotateWorkers    int  `yaml:"annotateWorkers"`
	PersistEmptyChunks bool `yaml:"persistEmptyChunks"`
}

type PromptsConfig struct {
	// Dir holds similaridade_semantica.txt, relacionamento_semantico.txt and
	// contexto_compartilhado.txt. Empty means the prompts built into the binary.
	Dir string `yaml:"dir"`
}

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
	ProviderOllama = "ollama"

	DefaultOllamaChatModel      = "qwen3:0.6b"
	DefaultOllamaEmbeddingModel = "nomic-embed-text"
	DefaultOllamaDimensions     = 768
)

func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8000"},
		Log:    LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			Backend:    BackendSQLite,
			SQLitePath: "corag.db",
			MaxConns:   10,
			Dimensions: 3072,
		},
		Models: ModelsConfig{
			Provider:       ProviderOpenAI,
			APIVersion:     "2025-01-01-preview",
			ChatModel:      "gpt-4.1-nano",
			EmbeddingModel: "text-embedding-3-large",
			OllamaHost:     "http://localhost:11434",
			Timeout:        60 * time.Second,
		},
		Pipeline: PipelineConfig{
			ChunkSize:       500,
			ChunkOverlap:    100,
			FieldLimit:      5,
			EmbedWorkers:    1,
			AnnotateWorkers: 1,
		},
	}
}

// Load loads configuration from an optional YAML file and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfigPath returns CORAG_CONFIG, or "" when no config file is used.
func DefaultConfigPath() string {
	return os.Getenv("CORAG_CONFIG")
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "CORAG_SERVER_ADDR")
	setString(&c.Log.Level, "CORAG_LOG_LEVEL")
	setString(&c.Log.Format, "CORAG_LOG_FORMAT")

	setString(&c.Database.Backend, "CORAG_DB_BACKEND")
	setString(&c.Database.DSN, "DATABASE_URL")
	setString(&c.Database.DSN, "CORAG_DB_DSN")
	setString(&c.Database.SQLitePath, "CORAG_SQLITE_PATH")
	if c.Database.DSN == "" && os.Getenv("DB_HOST") != "" {
		c.Database.DSN = dsnFromParts()
		if os.Getenv("CORAG_DB_BACKEND") == "" {
			c.Database.Backend = BackendPostgres
		}
	}

	if os.Getenv("AZURE_OPENAI_ENDPOINT") != "" {
		c.Models.Endpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
		c.Models.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
		if os.Getenv("CORAG_MODEL_PROVIDER") == "" {
			c.Models.Provider = ProviderAzure
		}
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Models.APIKey == "" {
		c.Models.APIKey = key
	}
	setString(&c.Models.Provider, "CORAG_MODEL_PROVIDER")
	setString(&c.Models.APIKey, "CORAG_MODEL_API_KEY")
	setString(&c.Models.Endpoint, "CORAG_MODEL_ENDPOINT")
	setString(&c.Models.APIVersion, "CORAG_MODEL_API_VERSION")
	setString(&c.Models.ChatModel, "CORAG_CHAT_MODEL")
	setString(&c.Models.EmbeddingModel, "CORAG_EMBEDDING_MODEL")
	setString(&c.Models.OllamaHost, "CORAG_OLLAMA_HOST")
	setString(&c.Prompts.Dir, "CORAG_PROMPTS_DIR")

	if v := os.Getenv("CORAG_MODEL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse CORAG_MODEL_TIMEOUT: %w", err)
		}
		c.Models.Timeout = d
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CORAG_DB_DIMENSIONS", &c.Database.Dimensions},
		{"CORAG_CHUNK_SIZE", &c.Pipeline.ChunkSize},
		{"CORAG_CHUNK_OVERLAP", &c.Pipeline.ChunkOverlap},
		{"CORAG_FIELD_LIMIT", &c.Pipeline.FieldLimit},
		{"CORAG_EMBED_WORKERS", &c.Pipeline.EmbedWorkers},
		{"CORAG_ANNOTATE_WORKERS", &c.Pipeline.AnnotateWorkers},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	if v := os.Getenv("CORAG_DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parse CORAG_DB_MAX_CONNS: %w", err)
		}
		c.Database.MaxConns = int32(n)
	}

	if v := os.Getenv("CORAG_PERSIST_EMPTY_CHUNKS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse CORAG_PERSIST_EMPTY_CHUNKS: %w", err)
		}
		c.Pipeline.PersistEmptyChunks = b
	}

	return nil
}

// applyProviderDefaults swaps the OpenAI model defaults for local ones when
// Ollama is selected and the models were left unset.
func (c *Config) applyProviderDefaults() {
	if c.Models.Provider != ProviderOllama {
		return
	}
	def := Default()
	if c.Models.ChatModel == def.Models.ChatModel {
		c.Models.ChatModel = DefaultOllamaChatModel
	}
	if c.Models.EmbeddingModel == def.Models.EmbeddingModel {
		c.Models.EmbeddingModel = DefaultOllamaEmbeddingModel
		if c.Database.Dimensions == def.Database.Dimensions {
			c.Database.Dimensions = DefaultOllamaDimensions
		}
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database backend %q requires a dsn", c.Database.Backend)
		}
	case BackendSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database backend %q requires sqlitePath", c.Database.Backend)
		}
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}

	switch c.Models.Provider {
	case ProviderOpenAI, ProviderOllama:
	case ProviderAzure:
		if c.Models.Endpoint == "" {
			return fmt.Errorf("azure provider requires an endpoint")
		}
	default:
		return fmt.Errorf("unknown model provider %q", c.Models.Provider)
	}

	if c.Database.Dimensions <= 0 {
		return fmt.Errorf("database dimensions must be positive, got %d", c.Database.Dimensions)
	}
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Pipeline.ChunkSize)
	}
	if c.Pipeline.ChunkOverlap < 0 {
		return fmt.Errorf("chunk overlap cannot be negative, got %d", c.Pipeline.ChunkOverlap)
	}
	if c.Models.Timeout < 0 {
		return fmt.Errorf("model timeout cannot be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// dsnFromParts builds a postgres URL from DB_HOST, DB_PORT, DB_NAME, DB_USER,
// DB_PASSWORD and DB_SSLMODE.
func dsnFromParts() string {
	sslmode := os.Getenv("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "require"
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD")),
		Host:     os.Getenv("DB_HOST") + ":" + port,
		Path:     "/" + strings.TrimPrefix(os.Getenv("DB_NAME"), "/"),
		RawQuery: "sslmode=" + url.QueryEscape(sslmode),
	}
	return u.String()
}
