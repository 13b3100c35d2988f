// internal/messaging/rabbit.go
package messaging

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"schema-tenancy/internal/metrics"
)

func QueueName(slug string) string { return fmt.Sprintf("tenant_%s_queue", slug) }

func DeadLetterName(slug string) string { return fmt.Sprintf("tenant_%s_dlq", slug) }

type RabbitClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	URL     string
	logger  *zap.Logger

	// amqp channels are not safe for concurrent use; outbox workers share this one.
	mu sync.Mutex
}

func NewRabbitClient(url string, logger *zap.Logger) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	return &RabbitClient{
		conn:    conn,
		channel: ch,
		URL:     url,
		logger:  logger,
	}, nil
}

func (r *RabbitClient) GetConnection() *amqp.Connection {
	return r.conn
}

// CreateTenantQueue declares the tenant's durable work queue and its dead-letter queue.
// Declaring an existing queue with the same arguments is a no-op, so retries are safe.
func (r *RabbitClient) CreateTenantQueue(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dlqName := DeadLetterName(slug)
	if _, err := r.channel.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	}
	if _, err := r.channel.QueueDeclare(QueueName(slug), true, false, false, false, args); err != nil {
		return fmt.Errorf("declare main queue: %w", err)
	}

	r.logger.Info("tenant queues declared", zap.String("slug", slug))
	return nil
}

// DeleteTenantQueue removes both tenant queues; deleting a missing queue succeeds.
func (r *RabbitClient) DeleteTenantQueue(slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range []string{QueueName(slug), DeadLetterName(slug)} {
		if _, err := r.channel.QueueDelete(name, false, false, false); err != nil {
			return fmt.Errorf("delete queue %s: %w", name, err)
		}
	}
	metrics.QueueDepth.DeleteLabelValues(slug)
	r.logger.Info("tenant queues deleted", zap.String("slug", slug))
	return nil
}

// DeclareControlQueue declares the durable queue the control plane consumes commands from.
func (r *RabbitClient) DeclareControlQueue(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.channel.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare control queue: %w", err)
	}
	return nil
}

// Publish sends a persistent JSON message to queueName on the default exchange.
func (r *RabbitClient) Publish(queueName string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.channel.Publish(
		"",        // default exchange
		queueName, // routing key (queue name)
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", queueName, err)
	}
	return nil
}

func (r *RabbitClient) UpdateQueueDepth(slug string) {
	r.mu.Lock()
	q, err := r.channel.QueueInspect(QueueName(slug))
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("failed to inspect tenant queue", zap.String("slug", slug), zap.Error(err))
		return
	}

	metrics.QueueDepth.WithLabelValues(slug).Set(float64(q.Messages))
}

// Close cleans up connection and channel
func (r *RabbitClient) Close() error {
	if err := r.channel.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}
