package delivery

import (
	"context"
	"encoding/json"

	"github.com/lettermill/lettermill"
)

// ListenQueue consumes publish requests from a queue and feeds them through
// the idempotent tracker. The queue delivers at least once; duplicate
// messages collapse onto the same issue via the idempotency key.
func (d *Dispatcher) ListenQueue(ctx context.Context, queue lettermill.QueueService, topic string) error {
	messages, err := queue.Consume(ctx, topic)
	if err != nil {
		return err
	}

	for msg := range messages {
		var req lettermill.PublishRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			d.logger.Warn().Err(err).Msg("discarding malformed publish request")
			continue
		}
		if req.IdempotencyKey == "" {
			d.logger.Warn().Msg("discarding publish request without idempotency key")
			continue
		}
		if err := req.Validate(); err != nil {
			d.logger.Warn().Err(err).Str("key", req.IdempotencyKey).Msg("discarding invalid publish request")
			continue
		}

		issue, existing, err := d.issues.GetOrCreate(req.IdempotencyKey, req.Title, req.Content.HTML, req.Content.Text)
		if err != nil {
			d.logger.Error().Err(err).Str("key", req.IdempotencyKey).Msg("failed to record issue")
			continue
		}
		if existing {
			d.logger.Info().Str("key", req.IdempotencyKey).Msg("issue already recorded, resuming")
		}

		if _, err := d.Deliver(ctx, issue); err != nil {
			d.logger.Warn().Err(err).Str("issue", issue.ID).Msg("queued publish left incomplete")
		}
	}

	return nil
}
