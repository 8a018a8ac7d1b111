package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jcpsimmons/corag/pkg/api"
	"github.com/jcpsimmons/corag/pkg/app"
	"github.com/jcpsimmons/corag/pkg/config"
	"github.com/jcpsimmons/corag/pkg/logging"
)

func main() {
	var configPath string
	var addr string
	var dbPath string

	flag.StringVar(&configPath, "config", config.DefaultConfigPath(), "Path to a YAML config file")
	flag.StringVar(&addr, "addr", "", "Listen address (overrides config)")
	flag.StringVar(&dbPath, "db", "", "Path to SQLite database file (selects the sqlite backend)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dbPath != "" {
		cfg.Database.Backend = config.BackendSQLite
		cfg.Database.SQLitePath = dbPath
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	server := api.NewServer(a.Pipeline, cfg.Pipeline.FieldLimit, logger)
	if err := server.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		logger.Error("server_stopped", "error", err)
		os.Exit(1)
	}
}
