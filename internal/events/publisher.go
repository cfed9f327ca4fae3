package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bookstore/services/commerce/internal/inventory"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second

	confirmTimeout = 5 * time.Second
	notifyTimeout  = 15 * time.Second
)

// Publisher handles event publishing to RabbitMQ. It is the inventory
// Notifier: notifications are published in the background and never block
// the stock mutation that raised them.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger

	// one publish-and-confirm at a time on the shared channel
	mu       sync.Mutex
	inflight sync.WaitGroup
}

var _ inventory.Notifier = (*Publisher)(nil)

// NewPublisher connects to RabbitMQ with publisher confirms enabled
func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	conn, ch, err := openChannel(url, func(ch *amqp.Channel) error {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("enable confirms: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("Publisher connected", zap.String("exchange", ExchangeName))

	return &Publisher{conn: conn, channel: ch, log: log}, nil
}

// LowStock publishes an inventory.low_stock event in the background
func (p *Publisher) LowStock(ctx context.Context, alert inventory.LowStockAlert) {
	p.publishAsync(ctx, EventTypeLowStock, lowStockEvent(ctx, alert))
}

// ReservationFailed publishes an inventory.reservation_failed event in the background
func (p *Publisher) ReservationFailed(ctx context.Context, failure inventory.ReservationFailure) {
	p.publishAsync(ctx, EventTypeReservationFailed, reservationFailedEvent(ctx, failure))
}

func (p *Publisher) publishAsync(ctx context.Context, routingKey string, event Event) {
	// Detached from the request; the request may finish first.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer cancel()
		if err := p.deliver(bg, routingKey, event); err != nil {
			p.log.Warn("Notification dropped",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.EventType),
				zap.Error(err),
			)
		}
	}()
}

// deliver retries publishOnce with exponential backoff until the broker
// confirms the event, the attempts run out or ctx ends.
func (p *Publisher) deliver(ctx context.Context, routingKey string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.EventType, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		lastErr = p.publishOnce(ctx, routingKey, event, body)
		if lastErr == nil {
			p.log.Debug("Event confirmed",
				zap.String("event_id", event.EventID),
				zap.String("routing_key", routingKey),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("Publish attempt failed",
			zap.String("event_id", event.EventID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("%s not confirmed after %d attempts: %w", event.EventType, maxRetries, lastErr)
}

// publishOnce sends one persistent message and waits for its broker confirm
func (p *Publisher) publishOnce(ctx context.Context, routingKey string, event Event, body []byte) error {
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     event.EventID,
		CorrelationId: event.CorrelationID,
		Type:          event.EventType,
		Headers:       amqp.Table{"event_version": event.EventVersion},
		Body:          body,
	}
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, ExchangeName, routingKey, false, false, msg)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	switch {
	case err != nil:
		return fmt.Errorf("waiting for confirm: %w", err)
	case !acked:
		return errors.New("broker nacked event")
	}
	return nil
}

// backoff is the wait before the given retry attempt
func backoff(attempt int) time.Duration {
	d := initialBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// IsHealthy reports whether the broker connection is open
func (p *Publisher) IsHealthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Close waits for background notifications, then closes the connection
func (p *Publisher) Close() error {
	p.inflight.Wait()
	if err := closeAll(p.conn, p.channel); err != nil {
		p.log.Error("Publisher close", zap.Error(err))
		return err
	}
	p.log.Info("Publisher closed")
	return nil
}
