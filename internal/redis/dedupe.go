package redis

import (
	"context"
	"log/slog"
	"time"
)

// InteractionDeduper absorbs at-least-once webhook redelivery by claiming
// each interaction ID once in Redis. It fails open: if Redis is down the
// delivery is treated as first, because dropping live traffic is worse
// than the occasional duplicate handler invocation.
type InteractionDeduper struct {
	client *Client
	log    *slog.Logger
	ttl    time.Duration
}

func NewInteractionDeduper(client *Client, log *slog.Logger) *InteractionDeduper {
	return &InteractionDeduper{
		client: client,
		log:    log,
		// Discord retries webhook deliveries within seconds; 15 minutes
		// comfortably covers any redelivery window.
		ttl: 15 * time.Minute,
	}
}

func (d *InteractionDeduper) FirstDelivery(ctx context.Context, interactionID string) bool {
	if d.client == nil {
		return true
	}
	first, err := d.client.ClaimOnce(ctx, "interaction:seen:"+interactionID, d.ttl)
	if err != nil {
		d.log.Warn("interaction_dedupe_unavailable", "error", err)
		return true
	}
	return first
}
