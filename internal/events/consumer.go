// Package events consumes ticket-created events from RabbitMQ and hands them
// to the ticket notifier.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"prjsdr.xyz/relay/internal/obs"
	"prjsdr.xyz/relay/internal/relay"
	"prjsdr.xyz/relay/internal/ticket"
)

// TypeTicketCreated is the envelope type and default binding key.
const TypeTicketCreated = "ticket.created"

// ErrPoison marks a delivery that can never succeed; it is acked and dropped.
var ErrPoison = errors.New("events: poison message")

// Meta identifies an event.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	Producer      *string   `json:"producer,omitempty"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
}

// Envelope is the message body published by the ticket service.
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// TicketCreated is the data of a ticket.created envelope. Token is the
// bearer the ticket service acts with.
type TicketCreated struct {
	Ticket ticket.Ticket `json:"ticket"`
	Token  string        `json:"token"`
}

// Notifier receives decoded events.
type Notifier interface {
	TicketCreated(ctx context.Context, tk ticket.Ticket, token, source string) (bool, error)
}

// Config describes the topology and retry behaviour.
type Config struct {
	URL            string
	Exchange       string
	Queue          string
	BindingKey     string
	Prefetch       int
	HandlerTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

func (c *Config) defaults() {
	if c.BindingKey == "" {
		c.BindingKey = TypeTicketCreated
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

// Consumer owns one connection and one channel and reconnects on loss.
type Consumer struct {
	cfg      Config
	notifier Notifier
	dial     func(url string) (*amqp.Connection, error)
}

// NewConsumer validates cfg. Exchange and Queue are required.
func NewConsumer(cfg Config, n Notifier) (*Consumer, error) {
	if cfg.URL == "" || cfg.Exchange == "" || cfg.Queue == "" {
		return nil, errors.New("events: url, exchange and queue are required")
	}
	if n == nil {
		return nil, errors.New("events: notifier is required")
	}
	cfg.defaults()
	return &Consumer{cfg: cfg, notifier: n, dial: amqp.Dial}, nil
}

// Run consumes until ctx ends, reconnecting with jittered exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.BackoffBase
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = c.cfg.BackoffBase
			continue
		}
		wait := jittered(backoff, c.cfg.BackoffCap)
		obs.Warn("amqp consumer disconnected", map[string]any{
			"queue":    c.cfg.Queue,
			"err":      err,
			"retry_in": wait.String(),
		})
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if backoff*2 < c.cfg.BackoffCap {
			backoff *= 2
		}
	}
}

// session runs one connection until it closes. A nil error means the broker
// closed the delivery stream cleanly.
func (c *Consumer) session(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if err := c.declare(ch); err != nil {
		return err
	}
	msgs, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	obs.Info("amqp consumer started", map[string]any{
		"exchange": c.cfg.Exchange,
		"queue":    c.cfg.Queue,
		"binding":  c.cfg.BindingKey,
		"prefetch": c.cfg.Prefetch,
	})

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) declare(ch *amqp.Channel) error {
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.BindingKey, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// handle processes one delivery and settles it.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	err := c.process(ctx, d.Body)
	switch disposition(err, d.Redelivered) {
	case ack:
		_ = d.Ack(false)
	case requeue:
		obs.Warn("ticket event requeued", map[string]any{"msg_id": d.MessageId, "err": err})
		_ = d.Nack(false, true)
	case drop:
		obs.Error("ticket event dropped", map[string]any{"msg_id": d.MessageId, "redelivered": d.Redelivered, "err": err})
		_ = d.Nack(false, false)
	case poison:
		obs.Warn("ticket event rejected", map[string]any{"msg_id": d.MessageId, "err": err})
		_ = d.Ack(false)
	}
}

func (c *Consumer) process(ctx context.Context, body []byte) error {
	ev, err := Decode(body)
	if err != nil {
		return err
	}
	_, err = c.notifier.TicketCreated(ctx, ev.Ticket, ev.Token, "amqp")
	return err
}

// Decode parses an envelope carrying a ticket.created event. Anything that
// can never be processed yields ErrPoison.
func Decode(body []byte) (TicketCreated, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return TicketCreated{}, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if env.Meta.Type != "" && env.Meta.Type != TypeTicketCreated {
		return TicketCreated{}, fmt.Errorf("%w: unexpected type %q", ErrPoison, env.Meta.Type)
	}
	if len(env.Data) == 0 {
		return TicketCreated{}, fmt.Errorf("%w: empty data", ErrPoison)
	}
	var ev TicketCreated
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return TicketCreated{}, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if ev.Ticket.ID <= 0 {
		return TicketCreated{}, fmt.Errorf("%w: ticket id missing", ErrPoison)
	}
	return ev, nil
}

type action int

const (
	ack action = iota
	requeue
	drop
	poison
)

// disposition decides how a processed delivery is settled. Rejections by the
// notifier are permanent; other failures get one redelivery.
func disposition(err error, redelivered bool) action {
	switch {
	case err == nil:
		return ack
	case errors.Is(err, ErrPoison):
		return poison
	}
	switch relay.Code(err) {
	case "UNAUTHENTICATED", "FORBIDDEN", "INVALID_ARGUMENT":
		return poison
	}
	if redelivered {
		return drop
	}
	return requeue
}

func jittered(base, limit time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		wait = base
	}
	if wait > limit {
		wait = limit
	}
	return wait
}
