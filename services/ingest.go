package services

import (
	"context"
	"time"

	"support-kb-backend/internal/config"
	"support-kb-backend/internal/crawler"
	"support-kb-backend/internal/extractor"
	"support-kb-backend/internal/fetcher"
	"support-kb-backend/internal/logger"
	"support-kb-backend/internal/rag"
	"support-kb-backend/models"
)

// Ingestor runs the full knowledge-base refresh: crawl every configured site
// root, extract article content, and rebuild the vector index.
type Ingestor struct {
	fetcher   *fetcher.Fetcher
	extractor *extractor.Extractor
	pipeline  *rag.Pipeline
	cfg       *config.Config

	// Limit caps the number of articles scraped per run; 0 means no cap.
	// Used by the fast-rebuild path.
	Limit int
}

func NewIngestor(f *fetcher.Fetcher, ex *extractor.Extractor, p *rag.Pipeline, cfg *config.Config) *Ingestor {
	return &Ingestor{fetcher: f, extractor: ex, pipeline: p, cfg: cfg}
}

// Run executes one complete crawl-extract-index cycle and returns the number
// of records indexed.
func (ing *Ingestor) Run(ctx context.Context) (int, error) {
	started := time.Now()
	logger.Info("ingestion started", "roots", len(ing.cfg.SiteRoots))

	urls := crawler.CrawlAll(ctx, ing.fetcher, ing.cfg.SiteRoots, crawler.Options{
		FolderDelay:  ing.cfg.FolderDelay,
		ListingPaths: ing.cfg.ListingPaths,
	})
	if ing.Limit > 0 && len(urls) > ing.Limit {
		urls = urls[:ing.Limit]
	}
	logger.Info("crawl finished", "articles", len(urls))

	records := ing.scrapeArticles(ctx, urls)
	logger.Info("extraction finished", "records", len(records), "dropped", len(urls)-len(records))

	count, err := ing.pipeline.BuildIndex(ctx, records)
	if err != nil {
		return 0, err
	}

	logger.Info("ingestion complete", "records", count,
		"duration", time.Since(started).String())
	return count, nil
}

// scrapeArticles fetches and extracts each article URL. Per-article failures
// are logged and skipped; one bad page never aborts the run.
func (ing *Ingestor) scrapeArticles(ctx context.Context, urls []string) []models.ContentRecord {
	var records []models.ContentRecord
	for i, articleURL := range urls {
		if ctx.Err() != nil {
			break
		}

		doc, finalURL, err := ing.fetcher.Fetch(ctx, articleURL)
		if err != nil {
			logger.Warn("article unreachable, skipping", "url", articleURL, "error", err.Error())
			continue
		}

		record, ok := ing.extractor.Extract(ctx, doc, finalURL)
		if !ok {
			logger.Debug("no usable content, dropping article", "url", articleURL)
			continue
		}
		records = append(records, record)

		if ing.cfg.ArticleDelay > 0 && i < len(urls)-1 {
			select {
			case <-time.After(ing.cfg.ArticleDelay):
			case <-ctx.Done():
			}
		}
	}
	return records
}
