package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/subscriptions"
)

// heartbeatScanInterval is how often the scheduler checks for due
// subscriptions, independently of each subscription's own period.
const heartbeatScanInterval = 2 * time.Second

// HeartbeatScheduler drives periodic heartbeat notifications for every
// engine it watches.
type HeartbeatScheduler struct {
	engines []*subscriptions.Engine
	log     zerolog.Logger
}

// NewHeartbeatScheduler builds a scheduler over the given engines.
func NewHeartbeatScheduler(engines []*subscriptions.Engine, log zerolog.Logger) *HeartbeatScheduler {
	return &HeartbeatScheduler{
		engines: engines,
		log:     log.With().Str("component", "heartbeat").Logger(),
	}
}

// Run scans every two seconds until the context ends. Each due
// subscription gets one heartbeat per scan; delivery results feed the
// engine's error policy.
func (h *HeartbeatScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, engine := range h.engines {
				for _, sub := range engine.HeartbeatDue(now) {
					engine.SendHeartbeat(ctx, sub)
				}
			}
		}
	}
}
