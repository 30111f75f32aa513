// Package queue relays outbound WhatsApp messages through RabbitMQ so that
// Twilio rate limits and outages do not stall request handling.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Sender is the transport the relay forwards to.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
}

// OutboundMessage is the queued payload.
type OutboundMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Publisher implements services.Messenger by publishing to a durable queue.
type Publisher struct {
	mu     sync.Mutex
	ch     *amqp091.Channel
	queue  string
	logger *zap.Logger
}

// Declare opens a channel on conn and declares the durable queue.
func Declare(conn *amqp091.Connection, queue string) (*amqp091.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return ch, nil
}

func NewPublisher(ch *amqp091.Channel, queue string, logger *zap.Logger) *Publisher {
	return &Publisher{ch: ch, queue: queue, logger: logger.Named("rabbit")}
}

// SendText enqueues a message for the relay.
func (p *Publisher) SendText(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(OutboundMessage{To: to, Body: body})
	if err != nil {
		return err
	}

	// amqp091 channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.queue, err)
	}
	p.logger.Debug("Message queued", zap.String("customer", to))
	return nil
}

// Relay consumes queued messages and hands them to the sender.
type Relay struct {
	sender Sender
	logger *zap.Logger
}

func NewRelay(sender Sender, logger *zap.Logger) *Relay {
	return &Relay{sender: sender, logger: logger.Named("relay")}
}

// Consume forwards deliveries until ctx ends or the channel closes.
func (r *Relay) Consume(ctx context.Context, ch *amqp091.Channel, queue string) error {
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	r.logger.Info("Relaying outbound messages", zap.String("queue", queue))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			r.Handle(ctx, d)
		}
	}
}

// Handle sends one delivery. Transport failures are requeued; a payload
// that cannot be decoded is dropped.
func (r *Relay) Handle(ctx context.Context, d amqp091.Delivery) {
	var msg OutboundMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.To == "" {
		r.logger.Error("Dropping undecodable message", zap.ByteString("body", d.Body), zap.Error(err))
		if err := d.Reject(false); err != nil {
			r.logger.Warn("Reject failed", zap.Error(err))
		}
		return
	}

	if err := r.sender.SendText(ctx, msg.To, msg.Body); err != nil {
		r.logger.Warn("Send failed, requeueing", zap.String("customer", msg.To), zap.Error(err))
		if err := d.Nack(false, true); err != nil {
			r.logger.Warn("Nack failed", zap.Error(err))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		r.logger.Warn("Ack failed", zap.Error(err))
	}
}
