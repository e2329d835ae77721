package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"support-kb-backend/internal/ai"
	"support-kb-backend/internal/config"
	"support-kb-backend/internal/extractor"
	"support-kb-backend/internal/fetcher"
	"support-kb-backend/internal/logger"
	"support-kb-backend/internal/rag"
	"support-kb-backend/services"
)

// One-shot index rebuild. Crawls every configured site root, extracts the
// articles, and writes a fresh vector index without starting the server.
func main() {
	limit := flag.Int("limit", 0, "cap the number of articles scraped (0 = all)")
	skipImages := flag.Bool("skip-images", false, "skip visual annotation for a faster rebuild")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.Init(cfg.Mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	modelClient, err := ai.NewModelClient(ctx, ai.Options{
		APIKey:          cfg.GeminiAPIKey,
		GenerationModel: cfg.GenerationModel,
		EmbeddingModel:  cfg.EmbeddingModel,
		CaptionModel:    cfg.CaptionModel,
		Tier:            cfg.GeminiTier,
	})
	if err != nil {
		log.Fatal("Failed to create model client:", err)
	}
	defer modelClient.Close()

	f := fetcher.New(cfg.FetchTimeout, cfg.UserAgent)

	var annotator *extractor.Annotator
	if cfg.AnnotateImages && !*skipImages {
		annotator = extractor.NewAnnotator(f, modelClient, cfg.ImageTimeout, cfg.MaxImageBytes)
	}
	ex := extractor.New(annotator, cfg.MinContentLength)

	pipeline := rag.New(modelClient, modelClient, nil, rag.Config{
		IndexDir:        cfg.IndexDir,
		BatchSize:       cfg.EmbedBatchSize,
		BatchPause:      cfg.BatchPause,
		EmbedAttempts:   cfg.EmbedAttempts,
		EmbedRetryDelay: cfg.EmbedRetryDelay,
	})

	ingestor := services.NewIngestor(f, ex, pipeline, cfg)
	ingestor.Limit = *limit

	count, err := ingestor.Run(ctx)
	if err != nil {
		logger.Error("rebuild failed", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("rebuild complete", "records", count, "index_dir", cfg.IndexDir)
}
