package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// openBreakerClient builds a ModelClient whose circuit is already open. The
// breaker rejects calls before the genai client is touched, so it can stay
// nil.
func openBreakerClient(t *testing.T) *ModelClient {
	t.Helper()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "GeminiAPI",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	})
	if _, err := breaker.Execute(func() (interface{}, error) {
		return nil, errors.New("upstream down")
	}); err == nil {
		t.Fatal("expected the tripping call to fail")
	}
	if state := breaker.State(); state != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	return &ModelClient{
		genModel:    "gemini-2.0-flash",
		breaker:     breaker,
		rateLimiter: rate.NewLimiter(rate.Inf, 1),
	}
}

func TestGenerateRejectedWhenCircuitOpen(t *testing.T) {
	m := openBreakerClient(t)

	_, err := m.Generate(context.Background(), "prompt")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want ErrOpenState", err)
	}
	if !strings.Contains(err.Error(), "temporarily unavailable") {
		t.Errorf("error = %v, want the unavailable wrapping", err)
	}
}

func TestGenerateStreamRejectedWhenCircuitOpen(t *testing.T) {
	m := openBreakerClient(t)

	frags, errs := m.GenerateStream(context.Background(), "prompt")

	for range frags {
		t.Error("open circuit produced a fragment")
	}
	err := <-errs
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want ErrOpenState", err)
	}
	if !strings.Contains(err.Error(), "temporarily unavailable") {
		t.Errorf("error = %v, want the unavailable wrapping", err)
	}
}

func TestEmbedWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	embedder := embedFunc(func(_ context.Context, _ string) ([]float32, error) {
		calls++
		return nil, errors.New("rate limited")
	})

	_, err := EmbedWithRetry(context.Background(), embedder, "text", 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("embed calls = %d, want 3", calls)
	}
}

func TestEmbedWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	embedder := embedFunc(func(_ context.Context, _ string) ([]float32, error) {
		cancel()
		return nil, errors.New("rate limited")
	})

	_, err := EmbedWithRetry(ctx, embedder, "text", 5, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

type embedFunc func(ctx context.Context, text string) ([]float32, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
