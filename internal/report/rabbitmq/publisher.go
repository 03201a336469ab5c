package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"isolator/internal/control"
)

// Publisher is a report.Sender publishing each report as one persistent
// message.
type Publisher struct {
	cfg Config

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel

	publish func(ctx context.Context, exchange, key string, msg amqp091.Publishing) error
}

func NewPublisher(cfg Config) (*Publisher, error) {
	cfg.withDefaults()
	if err := cfg.validatePublisher(); err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg}, nil
}

// Start connects and declares the exchange.
func (p *Publisher) Start(context.Context) error {
	conn, ch, err := dial(p.cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.publish = func(ctx context.Context, exchange, key string, msg amqp091.Publishing) error {
		return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	}
	p.mu.Unlock()
	return nil
}

func (p *Publisher) SendRequest(ctx context.Context, action control.Action, payload []byte) error {
	p.mu.Lock()
	publish := p.publish
	p.mu.Unlock()
	if publish == nil {
		return fmt.Errorf("rabbitmq publisher not started")
	}
	msg := amqp091.Publishing{
		ContentType:  "application/x-protobuf",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
		Headers:      amqp091.Table{"action": action.String()},
	}
	if tr, err := control.UnmarshalTaskReport(payload); err == nil && tr.TopicName != "" {
		msg.Headers["topic"] = tr.TopicName
		msg.Headers["partition"] = strconv.Itoa(int(tr.PartitionId))
	}
	if err := publish(ctx, p.cfg.Exchange, p.cfg.routingKey(action.String()), msg); err != nil {
		return fmt.Errorf("publish %s: %w", action, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publish = nil
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, err)
		}
		p.ch = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		p.conn = nil
	}
	return errors.Join(errs...)
}
