package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"voxscore/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	QueueNameAnalysisTracking = "analysis_tracking"
	ExchangeName              = "voxscore"
)

// Publisher hands tracking tasks to the worker
type Publisher interface {
	PublishTracking(ctx context.Context, task *TrackingTask) error
}

// Handler processes one message body
type Handler func(ctx context.Context, body []byte) error

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
	mu      sync.Mutex
}

// New RabbitMQ client
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		ExchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	_, err = ch.QueueDeclare(
		QueueNameAnalysisTracking, // name
		true,                      // durable
		false,                     // delete when unused
		false,                     // exclusive
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = ch.QueueBind(
		QueueNameAnalysisTracking, // queue name
		QueueNameAnalysisTracking, // routing key
		ExchangeName,              // exchange
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	logger.Info("RabbitMQ connected successfully")

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		url:     url,
	}, nil
}

// Publish publishes a message to the queue
func (r *RabbitMQ) Publish(ctx context.Context, queueName string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// channels are not safe for concurrent publishing
	r.mu.Lock()
	err := r.channel.PublishWithContext(
		ctx,
		ExchangeName, // exchange
		queueName,    // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logger.Debug("Message published to queue",
		zap.String("queue", queueName),
		zap.Int("size", len(body)))

	return nil
}

// PublishTracking publishes a TrackingTask to the tracking queue
func (r *RabbitMQ) PublishTracking(ctx context.Context, task *TrackingTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	return r.Publish(ctx, QueueNameAnalysisTracking, body)
}

// Consume delivers messages to handler from workers goroutines until ctx is
// done or the channel closes. A nil error acks, a Reject error drops the
// message and any other error requeues it.
func (r *RabbitMQ) Consume(ctx context.Context, queueName string, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}

	// Set QoS
	err := r.channel.Qos(
		workers, // prefetch count
		0,       // prefetch size
		false,   // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := r.channel.ConsumeWithContext(
		ctx,
		queueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Info("Starting to consume messages",
		zap.String("queue", queueName),
		zap.Int("workers", workers))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range msgs {
				r.dispatch(ctx, msg, handler)
			}
		}()
	}
	wg.Wait()

	return ctx.Err()
}

func (r *RabbitMQ) dispatch(ctx context.Context, msg amqp.Delivery, handler Handler) {
	logger.Debug("Received message", zap.Int("size", len(msg.Body)))

	err := handler(ctx, msg.Body)
	switch {
	case err == nil:
		// Acknowledge
		_ = msg.Ack(false)
	case IsRejected(err):
		logger.Error("Dropping message", zap.Error(err))
		_ = msg.Nack(false, false)
	default:
		logger.Error("Failed to handle message", zap.Error(err))
		// Reject and requeue
		_ = msg.Nack(false, true)
	}
}

// Close RabbitMQ connection
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
