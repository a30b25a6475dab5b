package observability

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys for events published to the platform exchange.
const (
	RoutingKeyWS       = "ws_events.messaging"
	RoutingKeyMessages = "message_events.messaging"
	RoutingKeyAudit    = "audit_log.messaging"
)

// Publisher publishes service events to the platform's message broker.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
	Close() error
}

// AMQPPublisher publishes to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisher dials RabbitMQ and declares the exchange. When the broker is
// unreachable or the URL is empty, a noop publisher is returned so the core
// keeps serving without eventing.
func NewPublisher(url, exchange string) Publisher {
	if url == "" {
		log.Printf("amqp disabled, using noop: empty amqp url")
		return noopPublisher{}
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		log.Printf("amqp disabled, using noop: %v", err)
		return noopPublisher{}
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("amqp disabled, using noop: %v", err)
		_ = conn.Close()
		return noopPublisher{}
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Printf("amqp disabled, using noop: %v", err)
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{}
	}

	log.Printf("amqp connected exchange=%s", exchange)
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange}
}

func (p *AMQPPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}

	amqpHeaders := amqp.Table{}
	for key, value := range headers {
		amqpHeaders[key] = value
	}

	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqpHeaders,
	})
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct{}

func (noopPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	return nil
}

func (noopPublisher) Close() error { return nil }

var defaultPublisher Publisher = noopPublisher{}

// SetPublisher installs the process-wide event publisher.
func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent publishes through the installed publisher. Failures count
// toward the publish-error metric but never fail the caller's operation.
func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	err := defaultPublisher.PublishJSON(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
