package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"github.com/bookstore/services/commerce/internal/inventory"
	"github.com/bookstore/services/commerce/internal/repo"
	"github.com/bookstore/services/commerce/pkg/money"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// errMalformed marks a message that can never be processed
var errMalformed = errors.New("malformed event")

// OrderLifecycle is the stock side of an order, driven by order events
type OrderLifecycle interface {
	CommitOrder(ctx context.Context, orderID string, lines []inventory.OrderLine, actor string) error
	CancelOrder(ctx context.Context, orderID string, lines []inventory.OrderLine, paid bool, actor string) error
	ExpireOrder(ctx context.Context, orderID string, lines []inventory.OrderLine, actor string) error
}

// CatalogSync keeps the product read model in step with the catalog service
type CatalogSync interface {
	CreateProduct(ctx context.Context, product *db.Product) error
	UpdatePrices(ctx context.Context, id string, basePrice, legacyPrice, legacySizePrice *float64) error
	DeleteProduct(ctx context.Context, id string) error
}

// Consumer applies order, payment and catalog events. A captured payment
// commits the order's holds, a cancelled order gives its stock back, and an
// abandoned order (emitted by the external scheduler when the hold window
// ends) releases its holds.
type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	serviceName string
	orders      OrderLifecycle
	catalog     CatalogSync
	log         *zap.Logger
}

// RoutingKeys are the events the consumer binds to
var RoutingKeys = []string{
	EventTypeOrderCancelled,
	EventTypeOrderAbandoned,
	EventTypePaymentCaptured,
	EventTypeCatalogCreated,
	EventTypeCatalogUpdated,
	EventTypeCatalogDeleted,
}

// NewConsumer connects to RabbitMQ and declares the shared exchange
func NewConsumer(url, serviceName string, orders OrderLifecycle, catalog CatalogSync, log *zap.Logger) (*Consumer, error) {
	// One unacknowledged message at a time keeps per-order events in order
	conn, ch, err := openChannel(url, func(ch *amqp.Channel) error {
		if err := ch.Qos(1, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("Consumer connected", zap.String("exchange", ExchangeName))

	c := NewHandler(orders, catalog, log)
	c.conn = conn
	c.channel = ch
	c.serviceName = serviceName
	return c, nil
}

// NewHandler builds a consumer without a broker connection, for callers
// that feed deliveries themselves.
func NewHandler(orders OrderLifecycle, catalog CatalogSync, log *zap.Logger) *Consumer {
	return &Consumer{orders: orders, catalog: catalog, log: log}
}

// Start consumes until ctx is cancelled or the channel closes
func (c *Consumer) Start(ctx context.Context) error {
	queue, err := c.bindQueue(fmt.Sprintf("%s.stock.queue", c.serviceName))
	if err != nil {
		return err
	}

	msgs, err := c.channel.ConsumeWithContext(ctx, queue, c.serviceName, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			c.handleMessage(ctx, msg)
		}
	}
}

// bindQueue declares the durable queue and binds every routing key to it
func (c *Consumer) bindQueue(name string) (string, error) {
	q, err := c.channel.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	for _, key := range RoutingKeys {
		if err := c.channel.QueueBind(q.Name, key, ExchangeName, false, nil); err != nil {
			return "", fmt.Errorf("bind %s to %s: %w", q.Name, key, err)
		}
	}
	c.log.Info("Queue bound", zap.String("queue", q.Name), zap.Strings("routing_keys", RoutingKeys))
	return q.Name, nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	err := c.Handle(ctx, msg.RoutingKey, msg.Body)
	ack, requeue := disposition(err)
	if ack {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.log.Error("Failed to ack event", zap.String("routing_key", msg.RoutingKey), zap.Error(ackErr))
		}
		return
	}
	if nackErr := msg.Nack(false, requeue); nackErr != nil {
		c.log.Error("Failed to nack event", zap.String("routing_key", msg.RoutingKey), zap.Error(nackErr))
	}
}

// Handle applies one event body. The returned error decides whether the
// message is acknowledged, dropped or redelivered.
func (c *Consumer) Handle(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case EventTypePaymentCaptured, EventTypeOrderCancelled, EventTypeOrderAbandoned:
		return c.handleOrderEvent(ctx, routingKey, body)
	case EventTypeCatalogCreated, EventTypeCatalogUpdated, EventTypeCatalogDeleted:
		return c.handleCatalogEvent(ctx, routingKey, body)
	default:
		c.log.Warn("Unknown event type", zap.String("routing_key", routingKey))
		return fmt.Errorf("%w: unknown routing key %s", errMalformed, routingKey)
	}
}

func (c *Consumer) handleOrderEvent(ctx context.Context, routingKey string, body []byte) error {
	var event OrderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.Warn("Failed to unmarshal event", zap.String("routing_key", routingKey), zap.Error(err))
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if event.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, event.CorrelationID)
	}

	orderID := event.Payload.OrderID
	lines := event.Payload.Items
	log := c.log.With(
		zap.String("routing_key", routingKey),
		zap.String("event_id", event.EventID),
		zap.String("order_id", orderID),
	)

	var err error
	switch routingKey {
	case EventTypePaymentCaptured:
		err = c.orders.CommitOrder(ctx, orderID, lines, "payment-gateway")
	case EventTypeOrderCancelled:
		err = c.orders.CancelOrder(ctx, orderID, lines, event.Payload.Paid, "order-service")
	case EventTypeOrderAbandoned:
		err = c.orders.ExpireOrder(ctx, orderID, lines, "reservation-expiry")
	}

	if err != nil {
		log.Error("Failed to apply event", zap.Error(err))
		return err
	}
	log.Info("Event applied", zap.Int("lines", len(lines)))
	return nil
}

func (c *Consumer) handleCatalogEvent(ctx context.Context, routingKey string, body []byte) error {
	var event CatalogEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.Warn("Failed to unmarshal event", zap.String("routing_key", routingKey), zap.Error(err))
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if event.Payload.SKU == "" {
		return fmt.Errorf("%w: catalog event without sku", errMalformed)
	}

	sku := event.Payload.SKU
	price := money.FromCents(event.Payload.Price)
	log := c.log.With(zap.String("routing_key", routingKey), zap.String("sku", sku))

	var err error
	switch routingKey {
	case EventTypeCatalogCreated:
		err = c.catalog.CreateProduct(ctx, &db.Product{
			ID:         sku,
			Name:       event.Payload.Title,
			BasePrice:  &price,
			CategoryID: event.Payload.Category,
			BrandID:    event.Payload.Brand,
		})
		if errors.Is(err, repo.ErrProductAlreadyExists) {
			// Redelivered create; keep the price current
			err = c.catalog.UpdatePrices(ctx, sku, &price, nil, nil)
		}
	case EventTypeCatalogUpdated:
		err = c.catalog.UpdatePrices(ctx, sku, &price, nil, nil)
	case EventTypeCatalogDeleted:
		err = c.catalog.DeleteProduct(ctx, sku)
		if apperr.IsNotFound(err) {
			log.Info("Deleted product was never synced")
			return nil
		}
	}

	if err != nil {
		log.Error("Failed to sync product", zap.Error(err))
		return err
	}
	log.Info("Product synced", zap.Float64("price", price))
	return nil
}

// disposition maps a handling error onto ack/nack. Errors that a retry
// cannot fix are dropped (dead-lettered if the queue has a DLX); store
// failures are redelivered.
func disposition(err error) (ack bool, requeue bool) {
	switch {
	case err == nil:
		return true, false
	case errors.Is(err, errMalformed),
		apperr.IsValidation(err),
		apperr.IsNotFound(err),
		apperr.IsInsufficientStock(err):
		return false, false
	default:
		return false, true
	}
}

// Close closes the consumer channel and connection
func (c *Consumer) Close() {
	if err := closeAll(c.conn, c.channel); err != nil {
		c.log.Warn("Consumer close", zap.Error(err))
	}
}
