package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"docindex/internal/chunker"
	"docindex/internal/config"
	"docindex/internal/embedding"
	"docindex/internal/models"
	"docindex/internal/pipeline"
	"docindex/internal/tokenizer"
	"docindex/internal/vectordb"
	"docindex/pkg/logger"
)

// Exit codes distinguish the three run outcomes for scripting.
const (
	exitCompleted = 0
	exitPartial   = 1
	exitConfig    = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml configuration file")
	steps := flag.String("steps", "ingest", "comma-separated pipeline steps to run (ingest)")
	sources := flag.String("sources", "", "comma-separated source names, empty for all configured sources")
	dbType := flag.String("db-type", "", "vector database backend, overriding the configured one")
	full := flag.Bool("full", false, "bypass incremental mode and re-ingest every document")
	flag.Parse()

	// Credentials may live in a .env file next to the binary.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitConfig
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.Init(level)
	log := logger.New("indexer", "")

	if !stepSelected(*steps, "ingest") {
		log.Warn(fmt.Sprintf("no supported step selected in %q, nothing to do", *steps))
		return exitCompleted
	}

	selected, err := selectSources(cfg.Sources, *sources)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	backend := cfg.VectorDB.Type
	if *dbType != "" {
		backend = *dbType
	}

	counter, err := tokenizer.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize tokenizer: %v\n", err)
		return exitConfig
	}

	provider, err := embedding.NewProvider(
		embedding.ProviderType(cfg.Embedding.Provider),
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.URL,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create embedding provider: %v\n", err)
		return exitConfig
	}
	embedder := embedding.NewClient(provider, counter, embedding.Config{
		TokenLimit:        cfg.Embedding.TokenLimit,
		MaxRetries:        cfg.Embedding.MaxRetries,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		RequestTimeout:    time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
	}, log)

	store, err := vectordb.NewStore(backend, &cfg.VectorDB, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create vector store: %v\n", err)
		return exitConfig
	}
	defer store.Close()

	tracker, err := pipeline.NewTracker(cfg.Ingest.MetadataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize document tracker: %v\n", err)
		return exitConfig
	}

	ingestor := pipeline.NewIngestor(chunker.New(counter), embedder, store, tracker, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	incremental := cfg.Ingest.Incremental && !*full
	exit := exitCompleted
	for _, src := range selected {
		docs, err := pipeline.LoadDocuments(src.InputDir)
		if err != nil {
			log.Error(fmt.Sprintf("failed to load documents for source %s: %v", src.Name, err))
			exit = exitPartial
			continue
		}
		log.Info(fmt.Sprintf("ingesting %d documents from source %s into collection %s (backend %s)",
			len(docs), src.Name, src.Collection, backend))

		report, err := ingestor.Run(ctx, pipeline.IngestOptions{
			Source:        src.Name,
			Collection:    src.Collection,
			ChunkMode:     chunker.Mode(cfg.Chunking.Mode),
			MaxTokens:     cfg.Chunking.MaxTokens,
			Overlap:       cfg.Chunking.Overlap,
			Dimension:     cfg.VectorDB.Dimension,
			Incremental:   incremental,
			MaxConcurrent: cfg.Ingest.MaxConcurrent,
		}, docs)
		if err != nil {
			log.Error(fmt.Sprintf("run aborted for source %s: %v", src.Name, err))
			return exitConfig
		}

		for _, res := range report.Documents {
			if res.State == models.StateFailed {
				log.Error(fmt.Sprintf("document %s failed: %v (failed chunks %v)",
					res.DocumentID, res.Err, res.FailedChunks))
			}
		}
		if report.Outcome() == models.RunPartial {
			exit = exitPartial
		}
	}
	return exit
}

func stepSelected(steps, step string) bool {
	for _, s := range strings.Split(steps, ",") {
		if strings.TrimSpace(s) == step {
			return true
		}
	}
	return false
}

func selectSources(configured []config.SourceConfig, requested string) ([]config.SourceConfig, error) {
	if len(configured) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	if requested == "" {
		return configured, nil
	}
	byName := make(map[string]config.SourceConfig, len(configured))
	for _, src := range configured {
		byName[src.Name] = src
	}
	var selected []config.SourceConfig
	for _, name := range strings.Split(requested, ",") {
		name = strings.TrimSpace(name)
		src, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", name)
		}
		selected = append(selected, src)
	}
	return selected, nil
}
