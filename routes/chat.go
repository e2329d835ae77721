package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"support-kb-backend/internal/metrics"
	"support-kb-backend/internal/rag"
	"support-kb-backend/models"
	"support-kb-backend/utils"
)

// StreamEndSentinel prefixes the final stream chunk carrying the interaction
// id. Clients parse everything after the colon as JSON.
const StreamEndSentinel = "\n\n__METADATA_END__:"

// Ingestor triggers one full crawl and index rebuild.
type Ingestor interface {
	Run(ctx context.Context) (int, error)
}

func SetupRoutes(router *gin.Engine, pipeline *rag.Pipeline, store *metrics.Store, ingestor Ingestor) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "Support KB Backend Running",
			"initialized": pipeline.Initialized(),
		})
	})

	router.POST("/chat", func(c *gin.Context) {
		var req models.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}
		language := req.Language
		if language == "" {
			language = "en"
		}

		events := pipeline.AnswerStream(c.Request.Context(), req.Query, language)

		// The first event decides between a stream and an error response:
		// nothing has been written yet, so failures can still be proper JSON.
		first, ok := <-events
		if !ok || first.Type == rag.EventError {
			details := gin.H{}
			if first.Err != nil {
				details["error"] = first.Err.Error()
			}
			utils.RespondWithInternalError(c, "Failed to generate answer", details)
			return
		}

		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Status(http.StatusOK)

		writeEvent(c.Writer, first)
		c.Writer.Flush()

		done := c.Request.Context().Done()
		for {
			select {
			case ev, open := <-events:
				if !open {
					return
				}
				writeEvent(c.Writer, ev)
				c.Writer.Flush()
			case <-done:
				return
			}
		}
	})

	router.POST("/feedback", func(c *gin.Context) {
		var req models.FeedbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}
		if req.Score < 1 || req.Score > 5 {
			utils.RespondWithBadRequest(c, "Score must be between 1 and 5", gin.H{"score": req.Score})
			return
		}

		if err := store.UpdateFeedback(c.Request.Context(), req.RequestID, req.Score); err != nil {
			if errors.Is(err, metrics.ErrNotFound) {
				utils.RespondWithNotFound(c, "Unknown request id")
				return
			}
			utils.RespondWithInternalError(c, "Failed to record feedback", gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/scrape", func(c *gin.Context) {
		count, err := ingestor.Run(c.Request.Context())
		if err != nil {
			utils.RespondWithInternalError(c, "Scraping failed", gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, models.ScrapeResponse{
			Status: "Scraping and Ingestion Complete",
			Count:  count,
		})
	})
}

// writeEvent serializes one stream event onto the wire: metadata JSON first,
// raw text fragments, then the end sentinel with the interaction id.
func writeEvent(w io.Writer, ev rag.StreamEvent) {
	switch ev.Type {
	case rag.EventMeta:
		meta, _ := json.Marshal(gin.H{"sources": ev.Sources, "language": ev.Language})
		w.Write(meta)
	case rag.EventFragment:
		io.WriteString(w, ev.Text)
	case rag.EventEnd:
		final, _ := json.Marshal(gin.H{"request_id": ev.RequestID, "type": "end_event"})
		io.WriteString(w, StreamEndSentinel+string(final))
	case rag.EventError:
		// Visible on the stream; never a silent fallback answer.
		io.WriteString(w, "\n\n[error] "+ev.Err.Error())
	}
}
