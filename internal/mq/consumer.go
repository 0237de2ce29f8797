package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/prepaid-vending-worker/internal/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MessageHandler processes one delivery body.
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer reads payment settlement notifications from a topic-bound queue.
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	prefetchCount int
	logger        *zap.Logger
	handler       MessageHandler
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
	Logger        *zap.Logger
	Handler       MessageHandler
}

// NewConsumer declares the exchange, queue, dead-letter queue and binding.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ] failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("[RABBITMQ] failed to set QoS: %w", err)
	}

	if err := ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("[RABBITMQ] failed to declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("[RABBITMQ] failed to declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		// A failed declare closes the channel; an existing queue with other
		// arguments is used as-is on a fresh one.
		cfg.Logger.Warn("failed to declare queue with DLX, retrying without", zap.Error(err))
		ch, err = cfg.Connection.Channel()
		if err != nil {
			return nil, fmt.Errorf("[RABBITMQ] failed to reopen channel: %w", err)
		}
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			ch.Close()
			return nil, fmt.Errorf("[RABBITMQ] failed to set QoS: %w", err)
		}
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("[RABBITMQ] failed to declare queue: %w", err)
		}
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("[RABBITMQ] failed to bind queue: %w", err)
	}

	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		prefetchCount: cfg.PrefetchCount,
		logger:        cfg.Logger,
		handler:       cfg.Handler,
	}, nil
}

// Start begins consuming until ctx is cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("[RABBITMQ] failed to start consuming: %w", err)
	}

	c.logger.Info("settlement consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.handle(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	err := c.handler(ctx, msg.Body)
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			c.logger.Error("failed to ACK message", zap.Error(ackErr))
		}
		return
	}

	requeue := shouldRequeue(err, msg.Redelivered)
	c.logger.Error("failed to process message",
		zap.Error(err),
		zap.String("routing_key", msg.RoutingKey),
		zap.Bool("requeue", requeue),
	)
	// requeue=false dead-letters the message.
	if nackErr := msg.Nack(false, requeue); nackErr != nil {
		c.logger.Error("failed to NACK message", zap.Error(nackErr))
	}
}

// shouldRequeue gives transient failures one more delivery. Anything the
// handler classified as final goes straight to the DLQ.
func shouldRequeue(err error, redelivered bool) bool {
	if redelivered {
		return false
	}
	return apperr.Retryable(err) || apperr.KindOf(err) == apperr.KindInternal
}

// RegisterLifecycle starts the consumer with the application. On shutdown the
// delivery loop is cancelled and the channel closed.
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return c.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			if err := c.channel.Close(); err != nil {
				c.logger.Error("failed to close consumer channel", zap.Error(err))
				return err
			}
			c.logger.Info("settlement consumer stopped")
			return nil
		},
	})
}
