package models

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Query    string `json:"query" binding:"required"`
	Product  string `json:"product"`
	Language string `json:"language"`
}

// FeedbackRequest attaches a score to a previously streamed interaction.
type FeedbackRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Score     int    `json:"score" binding:"required"`
}

// ScrapeResponse reports the outcome of a full crawl and index rebuild.
type ScrapeResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}
