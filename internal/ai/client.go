package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"

	"support-kb-backend/internal/logger"
)

// ModelClient owns the single process-wide genai.Client and exposes the
// caption, embedding and generation capabilities over it. Construct it once
// at startup and pass it by reference to the components that need it.
type ModelClient struct {
	client       *genai.Client
	genModel     string
	embedModel   string
	captionModel string
	breaker      *gobreaker.CircuitBreaker
	rateLimiter  *rate.Limiter

	mu     sync.Mutex
	closed bool
}

type Options struct {
	APIKey          string
	GenerationModel string
	EmbeddingModel  string
	CaptionModel    string
	Tier            string
}

type rateLimits struct {
	RPM int
}

func limitsForTier(tier string) rateLimits {
	switch tier {
	case "tier1":
		return rateLimits{RPM: 1000}
	case "tier2":
		return rateLimits{RPM: 2000}
	default:
		return rateLimits{RPM: 10}
	}
}

func NewModelClient(ctx context.Context, opts Options) (*ModelClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("missing API key for model client")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name,
				"from", from.String(), "to", to.String())
		},
	})

	limits := limitsForTier(opts.Tier)
	burst := limits.RPM / 10
	if burst < 1 {
		burst = 1
	}
	// Keep a little headroom under the published RPM limit.
	rateLimiter := rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), burst)

	return &ModelClient{
		client:       client,
		genModel:     opts.GenerationModel,
		embedModel:   opts.EmbeddingModel,
		captionModel: opts.CaptionModel,
		breaker:      breaker,
		rateLimiter:  rateLimiter,
	}, nil
}

// Caption describes an image for inclusion in indexed article text.
func (m *ModelClient) Caption(ctx context.Context, image []byte, format string) (string, error) {
	if err := m.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	model := m.client.GenerativeModel(m.captionModel)
	model.SetMaxOutputTokens(128)

	resp, err := model.GenerateContent(ctx,
		genai.ImageData(format, image),
		genai.Text("Describe this image in one concise sentence for a support knowledge base."),
	)
	if err != nil {
		return "", fmt.Errorf("caption request: %w", err)
	}

	caption := responseText(resp)
	if caption == "" {
		return "", errors.New("empty caption response")
	}
	return caption, nil
}

// Embed returns an embedding vector for the given text. Retry policy lives in
// EmbedWithRetry so callers decide the attempt budget.
func (m *ModelClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := m.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	model := m.client.EmbeddingModel(m.embedModel)
	resp, err := model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return resp.Embedding.Values, nil
}

// Generate produces a full blocking response for the prompt.
func (m *ModelClient) Generate(ctx context.Context, prompt string) (string, error) {
	if err := m.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	result, err := m.breaker.Execute(func() (interface{}, error) {
		model := m.generativeModel()
		resp, err := model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return nil, err
		}
		return responseText(resp), nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return "", fmt.Errorf("generation temporarily unavailable: %w", err)
		}
		return "", err
	}

	text := result.(string)
	if text == "" {
		return "", errors.New("empty generation response")
	}
	return text, nil
}

// GenerateStream produces response fragments on a bounded channel. The
// producer goroutine observes context cancellation and stops generating when
// the consumer goes away. The whole stream runs inside the circuit breaker so
// streaming failures count against the same circuit as blocking generation;
// consumer cancellation is recorded as success, not a service failure.
func (m *ModelClient) GenerateStream(ctx context.Context, prompt string) (<-chan string, <-chan error) {
	frags := make(chan string, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(frags)
		defer close(errs)

		if err := m.rateLimiter.Wait(ctx); err != nil {
			errs <- err
			return
		}

		_, err := m.breaker.Execute(func() (interface{}, error) {
			model := m.generativeModel()
			iter := model.GenerateContentStream(ctx, genai.Text(prompt))
			for {
				resp, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil, nil
				}
				if err != nil {
					return nil, err
				}
				text := responseText(resp)
				if text == "" {
					continue
				}
				select {
				case frags <- text:
				case <-ctx.Done():
					return nil, nil
				}
			}
		})
		if err != nil {
			if err == gobreaker.ErrOpenState {
				err = fmt.Errorf("generation temporarily unavailable: %w", err)
			}
			errs <- err
		}
	}()

	return frags, errs
}

func (m *ModelClient) generativeModel() *genai.GenerativeModel {
	model := m.client.GenerativeModel(m.genModel)
	model.SetTemperature(0.7)
	model.SetMaxOutputTokens(2048)
	return model
}

func (m *ModelClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	out := ""
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out += string(text)
			}
		}
	}
	return out
}
