package rag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"support-kb-backend/internal/ai"
	"support-kb-backend/internal/logger"
	"support-kb-backend/internal/metrics"
	"support-kb-backend/internal/vectorstore"
	"support-kb-backend/models"
)

// NotInitializedResponse is the designed degraded answer served before the
// first index build. Uninitialized is a first-class state, not a failure.
const NotInitializedResponse = "I am not yet initialized with knowledge. Please trigger a scrape first."

// Config carries the pipeline tunables.
type Config struct {
	IndexDir        string
	BatchSize       int
	BatchPause      time.Duration
	EmbedAttempts   int
	EmbedRetryDelay time.Duration
	TopK            int
	ContextBudget   int
	Product         string
	Template        PromptTemplate
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.EmbedAttempts <= 0 {
		c.EmbedAttempts = 5
	}
	if c.EmbedRetryDelay <= 0 {
		c.EmbedRetryDelay = 2 * time.Second
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 6000
	}
	if c.Template.Text == "" {
		c.Template = TemplateByName("default")
	}
}

// Pipeline is the retrieve-augment-generate query path plus the batched index
// build. The index pointer is swapped wholesale under the lock on rebuild;
// queries hold the read lock only long enough to grab the pointer.
type Pipeline struct {
	embedder  ai.Embedder
	generator ai.Generator
	metrics   *metrics.Store
	cfg       Config

	mu    sync.RWMutex
	index *vectorstore.Index
}

func New(embedder ai.Embedder, generator ai.Generator, store *metrics.Store, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		embedder:  embedder,
		generator: generator,
		metrics:   store,
		cfg:       cfg,
	}
}

// LoadIndex restores a previously persisted index. Absence of the index
// directory means the knowledge base is simply not initialized yet.
func (p *Pipeline) LoadIndex() error {
	if !vectorstore.Exists(p.cfg.IndexDir) {
		logger.Info("no persisted index found, starting uninitialized", "dir", p.cfg.IndexDir)
		return nil
	}
	ix, err := vectorstore.Load(p.cfg.IndexDir)
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	p.mu.Lock()
	p.index = ix
	p.mu.Unlock()
	logger.Info("index loaded", "dir", p.cfg.IndexDir, "entries", ix.Len())
	return nil
}

func (p *Pipeline) currentIndex() *vectorstore.Index {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index
}

// Initialized reports whether a non-empty index is loaded.
func (p *Pipeline) Initialized() bool {
	ix := p.currentIndex()
	return ix != nil && ix.Len() > 0
}

// BuildIndex embeds the records in batches and replaces the persisted index
// wholesale. Empty input is a no-op. A batch that still fails after the
// embedding retry budget is logged and skipped; the rest of the build
// continues. Returns the number of entries indexed.
func (p *Pipeline) BuildIndex(ctx context.Context, records []models.ContentRecord) (int, error) {
	if len(records) == 0 {
		logger.Info("no records to index, skipping build")
		return 0, nil
	}

	fresh := vectorstore.New()
	batches := (len(records) + p.cfg.BatchSize - 1) / p.cfg.BatchSize

	for b := 0; b < batches; b++ {
		start := b * p.cfg.BatchSize
		end := start + p.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		entries, err := p.embedBatch(ctx, batch)
		if err != nil {
			logger.Warn("embedding batch failed, skipping batch",
				"batch", b+1, "of", batches, "size", len(batch), "error", err.Error())
		} else {
			fresh.Add(entries...)
			logger.Info("batch indexed", "batch", b+1, "of", batches, "entries", fresh.Len())
		}

		// Pause between batches to stay under the embedding service's rate
		// limits.
		if b < batches-1 && p.cfg.BatchPause > 0 {
			select {
			case <-time.After(p.cfg.BatchPause):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	if err := fresh.Save(p.cfg.IndexDir); err != nil {
		return 0, fmt.Errorf("persisting index: %w", err)
	}

	p.mu.Lock()
	p.index = fresh
	p.mu.Unlock()

	logger.Info("index build complete", "entries", fresh.Len(), "dir", p.cfg.IndexDir)
	return fresh.Len(), nil
}

func (p *Pipeline) embedBatch(ctx context.Context, batch []models.ContentRecord) ([]vectorstore.Entry, error) {
	entries := make([]vectorstore.Entry, 0, len(batch))
	for _, rec := range batch {
		vec, err := ai.EmbedWithRetry(ctx, p.embedder, rec.Body, p.cfg.EmbedAttempts, p.cfg.EmbedRetryDelay)
		if err != nil {
			return nil, err
		}
		entries = append(entries, vectorstore.Entry{
			ID:        uuid.NewString(),
			Title:     rec.Title,
			Source:    rec.SourceURL,
			Product:   p.cfg.Product,
			Body:      rec.Body,
			Embedding: vec,
		})
	}
	return entries, nil
}

// Retrieve returns the top-k most similar entries for the query. With no
// index loaded it returns an empty result, never an error: "no knowledge
// yet" is a valid state.
func (p *Pipeline) Retrieve(ctx context.Context, query string, k int) ([]vectorstore.Hit, error) {
	ix := p.currentIndex()
	if ix == nil || ix.Len() == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = p.cfg.TopK
	}

	qvec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return ix.Search(qvec, k), nil
}

// Truncate deterministically cuts text to at most budget characters. Cutting
// already-short text is a no-op.
func Truncate(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= budget {
		return text
	}
	return string(runes[:budget])
}

func contextFromHits(hits []vectorstore.Hit, budget int) string {
	bodies := make([]string, 0, len(hits))
	for _, h := range hits {
		bodies = append(bodies, h.Entry.Body)
	}
	return Truncate(strings.Join(bodies, "\n\n"), budget)
}

func sourcesFromHits(hits []vectorstore.Hit) []models.Source {
	// Retrieval order is preserved; the generator never re-ranks sources.
	sources := make([]models.Source, 0, len(hits))
	for _, h := range hits {
		sources = append(sources, models.Source{
			Title:   h.Entry.Title,
			URL:     h.Entry.Source,
			Product: h.Entry.Product,
		})
	}
	return sources
}

// Answer runs the blocking query path and logs the interaction. Returns the
// result and the interaction id for later feedback.
func (p *Pipeline) Answer(ctx context.Context, query, language string) (*models.QueryResult, string, error) {
	if language == "" {
		language = "en"
	}
	start := time.Now()

	if !p.Initialized() {
		result := &models.QueryResult{
			Response: NotInitializedResponse,
			Sources:  []models.Source{},
			Language: language,
		}
		id, err := p.metrics.Log(ctx, query, result.Response, result.Sources, elapsedMS(start), 0)
		if err != nil {
			return nil, "", err
		}
		return result, id, nil
	}

	hits, err := p.Retrieve(ctx, query, p.cfg.TopK)
	if err != nil {
		return nil, "", err
	}

	prompt := p.cfg.Template.Render(contextFromHits(hits, p.cfg.ContextBudget), query, language)
	text, err := p.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, "", fmt.Errorf("generating answer: %w", err)
	}

	sources := sourcesFromHits(hits)
	id, err := p.metrics.Log(ctx, query, text, sources, elapsedMS(start), 0)
	if err != nil {
		return nil, "", err
	}

	return &models.QueryResult{
		Response: text,
		Sources:  sources,
		Language: language,
	}, id, nil
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
