package tracking

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/streadway/amqp"

	"github.com/ignite/campaign-notifier/internal/pkg/logger"
)

// =============================================================================
// SQS CONSUMER
// =============================================================================

// SQSConsumer long-polls the callback queue and feeds each payload to the
// reconciler. Messages are deleted only after they were handled; a store
// failure leaves the message for redelivery.
type SQSConsumer struct {
	client   SQSAPI
	queueURL string
	handler  PayloadHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSQSConsumer creates a consumer for queueURL.
func NewSQSConsumer(client SQSAPI, queueURL string, handler PayloadHandler) *SQSConsumer {
	return &SQSConsumer{client: client, queueURL: queueURL, handler: handler}
}

// Start begins polling in the background.
func (c *SQSConsumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.poll(ctx)
	log.Printf("[SQSConsumer] Started (queue=%s)", c.queueURL)
}

// Stop cancels polling and waits for the in-flight batch.
func (c *SQSConsumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	log.Printf("[SQSConsumer] Stopped")
}

func (c *SQSConsumer) poll(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[SQSConsumer] receive error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// PollOnce receives one batch and handles it. It returns the number of
// messages deleted from the queue.
func (c *SQSConsumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return 0, fmt.Errorf("receive callbacks: %w", err)
	}

	deleted := 0
	for _, msg := range out.Messages {
		body := aws.ToString(msg.Body)
		if _, err := c.handler.HandlePayload(ctx, []byte(body)); err != nil {
			logger.Error("callback payload not applied, leaving for redelivery", "message_id", aws.ToString(msg.MessageId), "error", err.Error())
			continue
		}
		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			logger.Warn("failed to delete handled callback", "message_id", aws.ToString(msg.MessageId), "error", err.Error())
			continue
		}
		deleted++
	}
	return deleted, nil
}

// =============================================================================
// AMQP CONSUMER
// =============================================================================

// AMQPConsumer consumes the callback queue with manual acks. A delivery is
// acked after it was handled and requeued when the store failed.
type AMQPConsumer struct {
	ch      AMQPChannel
	queue   string
	handler PayloadHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAMQPConsumer creates a consumer for queue.
func NewAMQPConsumer(ch AMQPChannel, queue string, handler PayloadHandler) *AMQPConsumer {
	return &AMQPConsumer{ch: ch, queue: queue, handler: handler}
}

// Start registers the consumer and processes deliveries in the background.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	deliveries, err := c.ch.Consume(
		c.queue,
		"",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Run(ctx, deliveries)
	}()
	log.Printf("[AMQPConsumer] Started (queue=%s)", c.queue)
	return nil
}

// Stop cancels consumption and waits for the in-flight delivery.
func (c *AMQPConsumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	log.Printf("[AMQPConsumer] Stopped")
}

// Run handles deliveries until the channel closes or ctx is cancelled.
func (c *AMQPConsumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Printf("[AMQPConsumer] Delivery channel closed")
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	if _, err := c.handler.HandlePayload(ctx, d.Body); err != nil {
		logger.Error("callback payload not applied, requeueing", "delivery_tag", d.DeliveryTag, "error", err.Error())
		if nerr := d.Nack(false, true); nerr != nil {
			logger.Warn("failed to nack callback", "delivery_tag", d.DeliveryTag, "error", nerr.Error())
		}
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Warn("failed to ack callback", "delivery_tag", d.DeliveryTag, "error", err.Error())
	}
}
