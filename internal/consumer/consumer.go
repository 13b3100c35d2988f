// internal/consumer/consumer.go
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// MigrateCommand asks the control plane to enqueue an application's migration callback for
// every serving tenant that depends on it.
type MigrateCommand struct {
	ApplicationID int64 `json:"app_id"`
}

type CommandHandlerFunc func(ctx context.Context, cmd MigrateCommand) error

// Acknowledger is the part of amqp.Delivery the consumer settles messages with.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
}

// Consumer holds control channels and metadata for the running control-queue consumer
type Consumer struct {
	QueueName   string
	Channel     *amqp.Channel
	StopChan    chan struct{}
	DoneChan    chan struct{}
	Handler     CommandHandlerFunc
	ConsumerTag string
	logger      *zap.Logger
}

// StartConsumer starts a goroutine that consumes control-plane commands from queueName.
func StartConsumer(conn *amqp.Connection, queueName string, handler CommandHandlerFunc, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("control queue %s: failed to open channel: %w", queueName, err)
	}

	consumerTag := fmt.Sprintf("consumer-%s", queueName)
	msgs, err := ch.Consume(
		queueName,
		consumerTag,
		false, // autoAck: false to handle manually
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("control queue %s: failed to start consuming: %w", queueName, err)
	}

	c := New(queueName, handler, logger)
	c.Channel = ch
	c.ConsumerTag = consumerTag

	go c.consumeLoop(msgs)

	logger.Info("started control consumer", zap.String("queue", queueName))
	return c, nil
}

func New(queueName string, handler CommandHandlerFunc, logger *zap.Logger) *Consumer {
	return &Consumer{
		QueueName: queueName,
		StopChan:  make(chan struct{}),
		DoneChan:  make(chan struct{}),
		Handler:   handler,
		logger:    logger.With(zap.String("queue", queueName)),
	}
}

// consumeLoop processes messages until StopChan is closed
func (c *Consumer) consumeLoop(msgs <-chan amqp.Delivery) {
	defer close(c.DoneChan)

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("delivery channel closed")
				return
			}
			c.Handle(msg.Body, msg)

		case <-c.StopChan:
			c.logger.Info("stopping control consumer")
			_ = c.Channel.Cancel(c.ConsumerTag, false)
			return
		}
	}
}

// Handle decodes one message and settles it. Malformed messages are rejected without
// requeue so they land in the dead-letter path; handler failures are requeued once.
func (c *Consumer) Handle(body []byte, ack Acknowledger) {
	var cmd MigrateCommand
	if err := json.Unmarshal(body, &cmd); err != nil || cmd.ApplicationID <= 0 {
		c.logger.Warn("rejecting malformed command", zap.ByteString("body", body), zap.Error(err))
		_ = ack.Reject(false)
		return
	}

	redelivered := false
	if d, ok := ack.(amqp.Delivery); ok {
		redelivered = d.Redelivered
	}

	if err := c.Handler(context.Background(), cmd); err != nil {
		c.logger.Error("command failed", zap.Int64("app_id", cmd.ApplicationID),
			zap.Bool("redelivered", redelivered), zap.Error(err))
		_ = ack.Nack(false, !redelivered)
		return
	}
	_ = ack.Ack(false)
}

// Stop signals the consumer to stop and waits for cleanup
func (c *Consumer) Stop() {
	close(c.StopChan)
	<-c.DoneChan
	if c.Channel != nil {
		_ = c.Channel.Close()
	}
	c.logger.Info("stopped control consumer")
}
