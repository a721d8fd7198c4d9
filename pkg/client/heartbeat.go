package client

import (
	"context"
	"log/slog"
	"time"
)

// Heartbeat pings an active job on a fixed interval so the gateway's
// reassignment sweep keeps treating the worker as live.
type Heartbeat struct {
	client   *GatewayClient
	interval time.Duration
	log      *slog.Logger

	// Progress is polled on every tick.
	Progress func() (pct, downloadPct float64)
}

func NewHeartbeat(client *GatewayClient, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		client:   client,
		interval: interval,
		log:      logger,
	}
}

// Start launches the heartbeat loop for jobID in a background goroutine.
// It stops when ctx is cancelled.
func (h *Heartbeat) Start(ctx context.Context, jobID string) {
	ticker := time.NewTicker(h.interval)

	go func() {
		defer ticker.Stop()
		h.log.Info("heartbeat started", "job_id", jobID)

		for {
			select {
			case <-ctx.Done():
				h.log.Info("heartbeat stopped", "job_id", jobID)
				return
			case <-ticker.C:
				h.ping(ctx, jobID)
			}
		}
	}()
}

func (h *Heartbeat) ping(ctx context.Context, jobID string) {
	var pct, downloadPct float64
	if h.Progress != nil {
		pct, downloadPct = h.Progress()
	}
	if err := h.client.PingJob(ctx, jobID, pct, downloadPct); err != nil {
		h.log.Warn("heartbeat ping failed", "job_id", jobID, "err", err)
	}
}
