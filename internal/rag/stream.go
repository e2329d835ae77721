package rag

import (
	"context"
	"strings"
	"time"

	"support-kb-backend/internal/logger"
	"support-kb-backend/models"
)

type EventType int

const (
	// EventMeta carries sources and language; always the first event so the
	// client can render attributions before any text arrives.
	EventMeta EventType = iota
	// EventFragment carries one chunk of generated text.
	EventFragment
	// EventEnd carries the interaction id; always the last event, because the
	// client cannot submit feedback before it has the id.
	EventEnd
	// EventError reports a generation or storage failure on the stream.
	EventError
)

// StreamEvent is one event on the streaming answer path.
type StreamEvent struct {
	Type      EventType
	Sources   []models.Source
	Language  string
	Text      string
	RequestID string
	Err       error
}

// AnswerStream runs the streaming query path. The returned channel is closed
// when the stream is complete. If the consumer's context is cancelled
// mid-stream, generation stops early and the interaction is still logged with
// whatever text was produced and its true latency.
func (p *Pipeline) AnswerStream(ctx context.Context, query, language string) <-chan StreamEvent {
	if language == "" {
		language = "en"
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		start := time.Now()

		send := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !p.Initialized() {
			p.streamDegraded(ctx, send, query, language, start)
			return
		}

		hits, err := p.Retrieve(ctx, query, p.cfg.TopK)
		if err != nil {
			send(StreamEvent{Type: EventError, Err: err})
			return
		}
		sources := sourcesFromHits(hits)

		if !send(StreamEvent{Type: EventMeta, Sources: sources, Language: language}) {
			return
		}

		prompt := p.cfg.Template.Render(contextFromHits(hits, p.cfg.ContextBudget), query, language)
		frags, errs := p.generator.GenerateStream(ctx, prompt)

		var full strings.Builder
		var ttft float64
		for frag := range frags {
			if ttft == 0 {
				ttft = elapsedMS(start)
			}
			full.WriteString(frag)
			send(StreamEvent{Type: EventFragment, Text: frag})
		}
		genErr := <-errs

		if full.Len() == 0 && genErr != nil {
			send(StreamEvent{Type: EventError, Err: genErr})
			return
		}
		if genErr != nil {
			logger.Warn("generation ended early", "error", genErr.Error())
		}

		// Log even when the client went away; the cancelled request context
		// must not stop the metrics write.
		id, err := p.metrics.Log(context.WithoutCancel(ctx), query, full.String(),
			sources, elapsedMS(start), ttft)
		if err != nil {
			logger.Error("failed to log interaction", "error", err.Error())
			send(StreamEvent{Type: EventError, Err: err})
			return
		}

		send(StreamEvent{Type: EventEnd, RequestID: id})
	}()

	return events
}

func (p *Pipeline) streamDegraded(ctx context.Context, send func(StreamEvent) bool, query, language string, start time.Time) {
	if !send(StreamEvent{Type: EventMeta, Sources: []models.Source{}, Language: language}) {
		return
	}
	send(StreamEvent{Type: EventFragment, Text: NotInitializedResponse})

	id, err := p.metrics.Log(context.WithoutCancel(ctx), query, NotInitializedResponse,
		[]models.Source{}, elapsedMS(start), 0)
	if err != nil {
		logger.Error("failed to log interaction", "error", err.Error())
		send(StreamEvent{Type: EventError, Err: err})
		return
	}
	send(StreamEvent{Type: EventEnd, RequestID: id})
}
