package ai

import (
	"context"
	"fmt"
	"time"

	"support-kb-backend/internal/logger"
)

// Captioner produces a short textual description of an image.
type Captioner interface {
	Caption(ctx context.Context, image []byte, format string) (string, error)
}

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces model output for a prompt, blocking or streaming.
// GenerateStream's fragment channel is closed when generation finishes or the
// context is cancelled; at most one error is sent on the error channel.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateStream(ctx context.Context, prompt string) (<-chan string, <-chan error)
}

const maxEmbedBackoff = 60 * time.Second

// EmbedWithRetry retries transient embedding failures with exponential
// backoff. The embedding call is the most rate-limit-sensitive external
// dependency in the pipeline, so it gets a dedicated retry policy; other
// external calls are skipped or surfaced without inline retries.
func EmbedWithRetry(ctx context.Context, e Embedder, text string, attempts int, baseDelay time.Duration) ([]float32, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		vec, err := e.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if attempt < attempts {
			logger.Warn("embedding attempt failed, backing off",
				"attempt", attempt, "delay", delay.String(), "error", err.Error())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
			if delay > maxEmbedBackoff {
				delay = maxEmbedBackoff
			}
		}
	}

	return nil, fmt.Errorf("embedding failed after %d attempts: %w", attempts, lastErr)
}
