package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/streadway/amqp"

	"github.com/ignite/campaign-notifier/internal/reconciler"
)

// Sink receives verified webhook payloads. Forward must not return until
// the payload is durably handed off; the ingress acknowledges the provider
// only on success.
type Sink interface {
	Forward(ctx context.Context, payload []byte) error
}

// PayloadHandler applies a raw webhook payload. *reconciler.Reconciler
// implements it.
type PayloadHandler interface {
	HandlePayload(ctx context.Context, payload []byte) (reconciler.Report, error)
}

// SQSAPI is the subset of *sqs.Client used by the SQS transport.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// =============================================================================
// SQS
// =============================================================================

// SQSPublisher forwards payloads to an SQS queue.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	timeout  time.Duration
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL, timeout: 5 * time.Second}
}

// Forward implements Sink.
func (p *SQSPublisher) Forward(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("publish callback to SQS: %w", err)
	}
	return nil
}

// =============================================================================
// AMQP
// =============================================================================

// AMQPChannel is the subset of *amqp.Channel used by the AMQP transport.
type AMQPChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// DialAMQP connects to the broker and declares the durable callback queue.
// The caller owns the returned connection.
func DialAMQP(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open AMQP channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return conn, ch, nil
}

// AMQPPublisher forwards payloads to a queue through the default exchange.
type AMQPPublisher struct {
	ch    AMQPChannel
	queue string
}

// NewAMQPPublisher creates a publisher for queue.
func NewAMQPPublisher(ch AMQPChannel, queue string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, queue: queue}
}

// Forward implements Sink.
func (p *AMQPPublisher) Forward(_ context.Context, payload []byte) error {
	err := p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish callback to %s: %w", p.queue, err)
	}
	return nil
}

// =============================================================================
// DIRECT
// =============================================================================

// DirectSink applies payloads in-process, for single-node deployments.
type DirectSink struct {
	handler PayloadHandler
}

// NewDirectSink creates a sink that hands payloads straight to handler.
func NewDirectSink(handler PayloadHandler) *DirectSink {
	return &DirectSink{handler: handler}
}

// Forward implements Sink. Malformed payloads are reported by the handler
// and never fail the forward.
func (s *DirectSink) Forward(ctx context.Context, payload []byte) error {
	_, err := s.handler.HandlePayload(ctx, payload)
	return err
}
