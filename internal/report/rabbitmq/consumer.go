package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"

	"isolator/internal/control"
	"isolator/internal/domain"
)

// Handler receives reports decoded from the queue.
type Handler interface {
	HandleReport(ctx context.Context, r domain.Report) error
}

type HandlerFunc func(ctx context.Context, r domain.Report) error

func (f HandlerFunc) HandleReport(ctx context.Context, r domain.Report) error { return f(ctx, r) }

// Consumer is the controller side of the RabbitMQ report transport.
type Consumer struct {
	cfg      Config
	handler  Handler
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func NewConsumer(cfg Config, handler Handler) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.validateConsumer(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &Consumer{cfg: cfg, handler: handler, closed: make(chan struct{}), ops: make(chan deliveryTask, cfg.DeliveryQueue)}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	conn, ch, err := dial(c.cfg)
	if err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	key := c.cfg.RoutingKey + ".#"
	if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("bind queue key=%s: %w", key, err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	c.conn, c.ch, c.deliver = conn, ch, deliveries

	c.wg.Add(1)
	go c.readLoop(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx)
	}
	return nil
}

func (c *Consumer) Close() error {
	select {
	case <-c.closed:
		if v := c.closeErr.Load(); v != nil {
			return v.(closeResult).err
		}
		return nil
	default:
		close(c.closed)
	}
	if c.ch != nil {
		_ = c.ch.Cancel(c.cfg.ConsumerTag, false)
	}
	close(c.ops)
	c.wg.Wait()
	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	c.closeErr.Store(closeResult{err})
	return err
}

type closeResult struct{ err error }

func (c *Consumer) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case d, ok := <-c.deliver:
			if !ok {
				return
			}
			select {
			case c.ops <- deliveryTask{ctx: ctx, delivery: d}:
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Consumer) workerLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case task, ok := <-c.ops:
			if !ok {
				return
			}
			c.processDelivery(task.ctx, task.delivery)
		}
	}
}

func (c *Consumer) processDelivery(ctx context.Context, d amqp091.Delivery) {
	r, err := parseDelivery(d)
	if err != nil {
		_ = d.Nack(false, false)
		return
	}
	if err := c.handler.HandleReport(ctx, r); err != nil {
		if isRetryable(err) {
			_ = d.Nack(false, true)
			return
		}
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func parseDelivery(d amqp091.Delivery) (domain.Report, error) {
	if action := headerString(d.Headers, "action"); action != "" && action != control.ActionReport.String() {
		return domain.Report{}, fmt.Errorf("unexpected action %q", action)
	}
	tr, err := control.UnmarshalTaskReport(d.Body)
	if err != nil {
		return domain.Report{}, fmt.Errorf("unmarshal delivery body: %w", err)
	}
	if tr.TopicName == "" {
		tr.TopicName = headerString(d.Headers, "topic")
	}
	if tr.TopicName == "" {
		return domain.Report{}, fmt.Errorf("report without topic")
	}
	return control.FromTaskReport(tr), nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

type retryable interface{ Temporary() bool }

func isRetryable(err error) bool {
	var te retryable
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
