package services

import (
	"context"
	"time"

	"support-kb-backend/internal/logger"
)

// RefreshService periodically re-runs the full ingestion so the knowledge
// base tracks changes on the help-center portals.
type RefreshService struct {
	ingestor *Ingestor
	interval time.Duration
	stopChan chan struct{}
}

func NewRefreshService(ingestor *Ingestor, interval time.Duration) *RefreshService {
	return &RefreshService{
		ingestor: ingestor,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start blocks until Stop is called; run it in its own goroutine. A zero
// interval disables the service.
func (r *RefreshService) Start() {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info("refresh service started", "interval", r.interval.String())

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.ingestor.Run(ctx); err != nil {
				logger.Error("scheduled refresh failed", "error", err.Error())
			}
			cancel()

		case <-r.stopChan:
			logger.Info("refresh service stopped")
			return
		}
	}
}

func (r *RefreshService) Stop() {
	close(r.stopChan)
}
