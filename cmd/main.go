package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"support-kb-backend/internal/ai"
	"support-kb-backend/internal/config"
	"support-kb-backend/internal/extractor"
	"support-kb-backend/internal/fetcher"
	"support-kb-backend/internal/logger"
	"support-kb-backend/internal/metrics"
	"support-kb-backend/internal/rag"
	"support-kb-backend/middleware"
	"support-kb-backend/routes"
	"support-kb-backend/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.Init(cfg.Mode)

	store, err := metrics.Open(cfg.MetricsDBPath)
	if err != nil {
		log.Fatal("Failed to open metrics store:", err)
	}
	defer store.Close()

	// One model client for the whole process; captioning, embeddings and
	// generation all share it.
	modelClient, err := ai.NewModelClient(context.Background(), ai.Options{
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
	if cfg.AnnotateImages {
		annotator = extractor.NewAnnotator(f, modelClient, cfg.ImageTimeout, cfg.MaxImageBytes)
	}
	ex := extractor.New(annotator, cfg.MinContentLength)

	pipeline := rag.New(modelClient, modelClient, store, rag.Config{
		IndexDir:        cfg.IndexDir,
		BatchSize:       cfg.EmbedBatchSize,
		BatchPause:      cfg.BatchPause,
		EmbedAttempts:   cfg.EmbedAttempts,
		EmbedRetryDelay: cfg.EmbedRetryDelay,
		TopK:            cfg.RetrievalK,
		ContextBudget:   cfg.ContextBudget,
		Product:         cfg.ProductName,
		Template:        rag.TemplateByName(cfg.PromptTemplate),
	})
	if err := pipeline.LoadIndex(); err != nil {
		log.Fatal("Failed to load index:", err)
	}

	ingestor := services.NewIngestor(f, ex, pipeline, cfg)

	refresh := services.NewRefreshService(ingestor, cfg.RefreshInterval)
	go refresh.Start()
	defer refresh.Stop()

	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	routes.SetupRoutes(router, pipeline, store, ingestor)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	logger.Info("server exited")
}
