package notifier

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/streadway/amqp"

	"autoposter/internal/dispatch"
)

// AMQPConfig configures the event publisher.
type AMQPConfig struct {
	URL        string
	Exchange   string // topic exchange, declared durable on connect
	RoutingKey string // prefix; the event kind is appended as "<prefix>.<kind>"
}

// amqpChannel is the subset of *amqp.Channel the sink uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpDialer func(url string) (amqpChannel, func() error, error)

func dialAMQP(url string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return ch, conn.Close, nil
}

// AMQPSink publishes events as JSON. The connection is opened lazily and
// dropped after a publish error so the next delivery reconnects.
type AMQPSink struct {
	cfg   AMQPConfig
	kinds KindSet
	dial  amqpDialer

	mu        sync.Mutex
	ch        amqpChannel
	closeConn func() error
}

func NewAMQPSink(cfg AMQPConfig, kinds KindSet) *AMQPSink {
	if cfg.Exchange == "" {
		cfg.Exchange = "autoposter.events"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "schedule"
	}
	return &AMQPSink{cfg: cfg, kinds: kinds, dial: dialAMQP}
}

func (a *AMQPSink) Name() string { return "amqp" }

func (a *AMQPSink) Accepts(e dispatch.Event) bool {
	return strings.TrimSpace(a.cfg.URL) != "" && a.kinds.Has(e.Kind)
}

// EventMessage is the JSON body published for each event.
type EventMessage struct {
	Kind       string     `json:"kind"`
	ScheduleID string     `json:"schedule_id"`
	SellerID   string     `json:"seller_id"`
	ProductID  string     `json:"product_id"`
	Channel    string     `json:"channel"`
	FiredAt    *time.Time `json:"fired_at,omitempty"`
	NextPostAt *time.Time `json:"next_post_at,omitempty"`
	MessageID  int        `json:"message_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Attempt    int        `json:"attempt,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
}

func newEventMessage(e dispatch.Event) EventMessage {
	m := EventMessage{
		Kind:       string(e.Kind),
		ScheduleID: e.ScheduleID,
		SellerID:   e.SellerID,
		ProductID:  e.ProductID,
		Channel:    e.Channel,
		MessageID:  e.MessageID,
		Reason:     e.Reason,
		Attempt:    e.Attempt,
	}
	if !e.FiredAt.IsZero() {
		t := e.FiredAt.UTC()
		m.FiredAt = &t
	}
	if !e.NextPostAt.IsZero() {
		t := e.NextPostAt.UTC()
		m.NextPostAt = &t
	}
	if e.Kind != dispatch.EventPosted {
		m.ErrorKind = e.ErrorKind.String()
	}
	return m
}

func (a *AMQPSink) Deliver(ctx context.Context, e dispatch.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(newEventMessage(e))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "amqp: encode event"), ErrUndeliverable)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch == nil {
		if err := a.connectLocked(); err != nil {
			return err
		}
	}
	err = a.ch.Publish(a.cfg.Exchange, a.cfg.RoutingKey+"."+string(e.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    dedupKey("amqp", e),
		Body:         body,
	})
	if err != nil {
		a.resetLocked()
		return errors.Wrap(err, "amqp: publish")
	}
	return nil
}

func (a *AMQPSink) connectLocked() error {
	ch, closeConn, err := a.dial(a.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "amqp: dial")
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		if closeConn != nil {
			_ = closeConn()
		}
		return errors.Wrap(err, "amqp: declare exchange")
	}
	a.ch = ch
	a.closeConn = closeConn
	return nil
}

func (a *AMQPSink) resetLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.closeConn != nil {
		_ = a.closeConn()
	}
	a.ch = nil
	a.closeConn = nil
}

// Close drops the connection, if any.
func (a *AMQPSink) Close() error {
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
	return nil
}
