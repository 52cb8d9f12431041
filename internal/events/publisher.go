package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bundle-checkout/internal/db"
	"github.com/noah-isme/bundle-checkout/internal/obs"
)

// Enqueuer is the subset of *asynq.Client used by the publisher.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// PublishedMarker flags outbox rows once they reach the queue.
type PublishedMarker interface {
	MarkOrderEventPublished(ctx context.Context, id pgtype.UUID) error
}

// Publisher hands committed order events to the task queue. The event id is
// used as the task id so a row published twice yields one task.
type Publisher struct {
	Queue     Enqueuer
	Store     PublishedMarker
	QueueName string
	MaxRetry  int
	Retention time.Duration
	Logger    zerolog.Logger
}

// Publish enqueues ev and marks it published. A task id conflict means an
// earlier attempt already enqueued it and counts as success.
func (p *Publisher) Publish(ctx context.Context, ev db.OrderEvent) error {
	if p == nil || p.Queue == nil {
		return errors.New("events: queue not configured")
	}
	if !ev.ID.Valid {
		return errors.New("events: event id is required")
	}
	opts := []asynq.Option{asynq.TaskID(db.UUIDString(ev.ID))}
	if p.QueueName != "" {
		opts = append(opts, asynq.Queue(p.QueueName))
	}
	if p.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(p.MaxRetry))
	}
	if p.Retention > 0 {
		opts = append(opts, asynq.Retention(p.Retention))
	}
	_, err := p.Queue.EnqueueContext(ctx, asynq.NewTask(ev.Topic, ev.Payload), opts...)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
		obs.Inc(obs.OutboxPublishTotal, ev.Topic, "error")
		return fmt.Errorf("events: enqueue %s: %w", ev.Topic, err)
	}
	result := "enqueued"
	if err != nil {
		result = "duplicate"
	}
	obs.Inc(obs.OutboxPublishTotal, ev.Topic, result)
	if p.Store != nil {
		if err := p.Store.MarkOrderEventPublished(ctx, ev.ID); err != nil {
			return fmt.Errorf("events: mark published: %w", err)
		}
	}
	p.Logger.Debug().Str("event_id", db.UUIDString(ev.ID)).Str("topic", ev.Topic).Str("result", result).Msg("order_event_published")
	return nil
}
