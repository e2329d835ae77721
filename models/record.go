package models

import "time"

// ContentRecord is the unit of ingestion: one extracted help-center article.
// Records are immutable once created; anything shorter than the configured
// minimum content length never becomes one.
type ContentRecord struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	SourceURL string `json:"source_url"`
}

// Source is one attribution entry returned alongside a generated answer.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Product string `json:"product"`
}

// QueryResult is the packaged outcome of one answered query.
type QueryResult struct {
	Response string   `json:"response"`
	Sources  []Source `json:"sources"`
	Language string   `json:"language"`
}

// InteractionLog is one row of the chat_logs table. FeedbackScore is the only
// field mutated after creation; nil until the user submits feedback.
type InteractionLog struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Query         string    `json:"query"`
	Response      string    `json:"response"`
	Sources       string    `json:"sources"` // JSON-serialized []Source
	LatencyMS     float64   `json:"latency_ms"`
	TTFTMS        float64   `json:"ttft_ms"`
	FeedbackScore *int      `json:"feedback_score,omitempty"`
}
