package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jcpsimmons/corag/pkg/api"
	"github.com/jcpsimmons/corag/pkg/app"
	"github.com/jcpsimmons/corag/pkg/config"
	"github.com/jcpsimmons/corag/pkg/logging"
	"github.com/jcpsimmons/corag/pkg/pipeline"
	"github.com/jcpsimmons/corag/pkg/textproc"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "corag",
		Short: "Annotate, embed and search text chunks",
		Long:  "A CLI tool that chunks text, asks a language model for three kinds of annotations per chunk, embeds every annotation and stores them for vector search.",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to a YAML config file")

	rootCmd.AddCommand(createServeCommand(&configPath))
	rootCmd.AddCommand(createIngestCommand(&configPath))
	rootCmd.AddCommand(createSearchCommand(&configPath))
	rootCmd.AddCommand(createChunkCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func loadApp(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	return app.New(ctx, cfg, logger)
}

func createServeCommand(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long:  "Start the REST API that ingests text and answers vector searches under /new_rag.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.Config.Server.Addr
			}
			server := api.NewServer(a.Pipeline, a.Config.Pipeline.FieldLimit, a.Logger)
			return server.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default from config, :8000)")

	return cmd
}

func createIngestCommand(configPath *string) *cobra.Command {
	var inputFile string
	var fieldLimit int
	var dumpPath string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a text file",
		Long:  "Chunk a text file, annotate and embed every chunk, and store the results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			data, err := os.ReadFile(inputFile)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cmd.Flags().Changed("field-limit") {
				fieldLimit = a.Config.Pipeline.FieldLimit
			}

			chunker := a.Pipeline.Chunker()
			fmt.Printf("Processing %s (chunk size %d, overlap %d, field limit %d)\n", inputFile, chunker.Size, chunker.Overlap, fieldLimit)

			stage := ""
			res, err := a.Pipeline.Ingest(ctx, string(data), fieldLimit, func(s string, completed, total int) {
				if s != stage {
					if stage != "" {
						fmt.Println()
					}
					stage = s
				}
				printProgressBar(stageLabels[s], completed, total)
			})
			if stage != "" {
				fmt.Println()
			}
			if res != nil && dumpPath != "" {
				if dumpErr := writeRecords(dumpPath, res); dumpErr != nil {
					return dumpErr
				}
				fmt.Printf("Wrote %d embedding records to %s\n", len(res.Records), dumpPath)
			}
			if err != nil {
				return fmt.Errorf("failed to ingest file: %w", err)
			}

			fmt.Printf("Processed %d text chunks\n", res.Chunks)
			fmt.Printf("Stored %d origin texts with %d embeddings\n", len(res.OriginIDs), len(res.Records))
			fmt.Printf("Origin text ids: %v\n", res.OriginIDs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "Input text file (.txt or .md)")
	cmd.Flags().IntVarP(&fieldLimit, "field-limit", "l", 5, "Maximum annotation fields embedded per chunk and kind")
	cmd.Flags().StringVar(&dumpPath, "dump", "", "Write the embedding records to this JSON file")
	cmd.MarkFlagRequired("file")

	return cmd
}

func writeRecords(path string, res *pipeline.IngestResult) error {
	data, err := json.MarshalIndent(res.Records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	return nil
}

func createSearchCommand(configPath *string) *cobra.Command {
	var topK int

	cmd := &cobra.Command{
		Use:   "search <question>",
		Short: "Search stored annotations",
		Long:  "Embed a question and print the nearest stored annotations as JSON.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := loadApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.Pipeline.Search(ctx, strings.Join(args, " "), topK)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"results": results})
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "Number of results")

	return cmd
}

func createChunkCommand(configPath *string) *cobra.Command {
	var inputFile string
	var size, overlap int

	cmd := &cobra.Command{
		Use:   "chunk",
		Short: "Preview how a file is chunked",
		Long:  "Split a text file into overlapped chunks and print them as JSON. No model is called.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if !cmd.Flags().Changed("size") {
				size = cfg.Pipeline.ChunkSize
			}
			if !cmd.Flags().Changed("overlap") {
				overlap = cfg.Pipeline.ChunkOverlap
			}

			chunks, err := textproc.ChunkFile(inputFile, size, overlap)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"chunks": chunks, "total_chunks": len(chunks)})
		},
	}

	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "Input text file (.txt or .md)")
	cmd.Flags().IntVar(&size, "size", textproc.DefaultChunkSize, "Maximum chunk size in characters")
	cmd.Flags().IntVar(&overlap, "overlap", textproc.DefaultChunkOverlap, "Characters copied from each neighbor")
	cmd.MarkFlagRequired("file")

	return cmd
}

var stageLabels = map[string]string{
	"annotations": "Annotating",
	"embeddings":  "Embedding",
}

func printProgressBar(prefix string, completed, total int) {
	if total == 0 {
		return
	}
	width := 50
	percentage := float64(completed) / float64(total)
	filled := int(percentage * float64(width))

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	fmt.Printf("\r%s: [%s] %d/%d (%.1f%%)",
		prefix, bar, completed, total, percentage*100)
}
