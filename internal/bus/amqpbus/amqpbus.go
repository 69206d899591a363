// Package amqpbus runs the bridge bus over RabbitMQ.
//
// Publishes go through a topic exchange with the address as routing key;
// every consumer binds its own exclusive queue. Sends go through the
// default exchange to a shared per-address queue, so consumers compete
// for them, and are published mandatory so an unroutable send comes back
// as NO_HANDLERS. Replies use direct reply-to.
package amqpbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/codec"
)

const (
	DefaultExchange = "bridge"

	directReplyTo = "amq.rabbitmq.reply-to"

	headerFailureType = "bridge-failure-type"
	headerFailureCode = "bridge-failure-code"
)

// Connect dials url.
func Connect(url string, logger *slog.Logger) (*amqp.Connection, error) {
	logger = logger.With("component", "amqp")

	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}

	logger.Info("rabbitmq connection established successfully")
	return conn, nil
}

type Bus struct {
	conn   *amqp.Connection
	logger *slog.Logger

	exchange       string
	defaultTimeout time.Duration

	// ch publishes every outgoing message and receives direct replies.
	ch   *amqp.Channel
	chMu sync.Mutex

	pending *bus.Pending

	consumers   map[*registration]struct{}
	consumersMu sync.Mutex

	closed chan struct{}
	once   sync.Once
}

type Option func(*Bus)

func WithExchange(exchange string) Option {
	return func(b *Bus) {
		b.exchange = exchange
	}
}

func WithDefaultTimeout(timeout time.Duration) Option {
	return func(b *Bus) {
		b.defaultTimeout = timeout
	}
}

// New declares the publish exchange and starts listening for replies and
// returned sends. The connection stays owned by the caller.
func New(conn *amqp.Connection, logger *slog.Logger, opts ...Option) (*Bus, error) {
	if conn == nil {
		return nil, fmt.Errorf("amqp connection cannot be nil")
	}

	b := &Bus{
		conn:           conn,
		logger:         logger.With("component", "bus.amqp"),
		exchange:       DefaultExchange,
		defaultTimeout: bus.DefaultTimeout,
		pending:        bus.NewPending(),
		consumers:      make(map[*registration]struct{}),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", b.exchange, err)
	}

	replies, err := ch.Consume(directReplyTo, "", true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consuming direct replies: %w", err)
	}

	returns := ch.NotifyReturn(make(chan amqp.Return, 16))

	b.ch = ch
	go b.replyLoop(replies)
	go b.returnLoop(returns)

	return b, nil
}

func (b *Bus) sendQueue(address string) string {
	return b.exchange + ".send." + address
}

func (b *Bus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *Bus) publish(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) error {
	b.chMu.Lock()
	defer b.chMu.Unlock()
	return b.ch.PublishWithContext(ctx, exchange, key, mandatory, false, msg)
}

func (b *Bus) Publish(ctx context.Context, address string, body codec.Value) error {
	if b.isClosed() {
		return bus.ErrClosed
	}

	msg, err := valuePublishing(body)
	if err != nil {
		return err
	}
	if err := b.publish(ctx, b.exchange, address, false, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", address, err)
	}
	return nil
}

func (b *Bus) Send(ctx context.Context, address string, body codec.Value, timeout time.Duration, onReply bus.ReplyHandler) {
	onReply = bus.Once(onReply)
	ctx = context.WithoutCancel(ctx)

	fail := func(err error) {
		if onReply != nil {
			go onReply(nil, err)
		}
	}

	if b.isClosed() {
		fail(bus.ErrClosed)
		return
	}

	msg, err := valuePublishing(body)
	if err != nil {
		fail(err)
		return
	}

	key := b.sendQueue(address)

	if onReply == nil {
		go func() {
			if err := b.publish(ctx, "", key, false, msg); err != nil {
				b.logger.Warn("send without reply failed", "address", address, "error", err)
			}
		}()
		return
	}

	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	msg.CorrelationId = fmt.Sprintf("req_%s", uuid.New().String())
	msg.ReplyTo = directReplyTo
	b.pending.Add(msg.CorrelationId, address, timeout, onReply)

	go func() {
		if err := b.publish(ctx, "", key, true, msg); err != nil {
			b.pending.Resolve(msg.CorrelationId, nil, fmt.Errorf("sending to %s: %w", address, err))
		}
	}()
}

func (b *Bus) replyLoop(replies <-chan amqp.Delivery) {
	for d := range replies {
		value, err := fromDelivery(d.Type, d.Headers, d.Body)
		if !b.pending.Resolve(d.CorrelationId, value, err) {
			b.logger.Warn("received reply for unknown request", "request_id", d.CorrelationId)
		}
	}
}

// returnLoop resolves mandatory sends the broker could not route.
func (b *Bus) returnLoop(returns <-chan amqp.Return) {
	prefix := b.exchange + ".send."
	for r := range returns {
		address := strings.TrimPrefix(r.RoutingKey, prefix)
		b.pending.Resolve(r.CorrelationId, nil, bus.NoHandlersError(address))
	}
}

// Pending reports the number of sends still waiting for a reply.
func (b *Bus) Pending() int {
	return b.pending.Len()
}

type registration struct {
	bus     *Bus
	address string
	ch      *amqp.Channel
	chMu    sync.Mutex
	once    sync.Once
}

func (r *registration) Address() string {
	return r.address
}

func (r *registration) Unregister() error {
	var err error
	r.once.Do(func() {
		r.bus.consumersMu.Lock()
		delete(r.bus.consumers, r)
		r.bus.consumersMu.Unlock()

		if closeErr := r.ch.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			err = closeErr
		}
	})
	return err
}

func (b *Bus) Consume(address string, h bus.Handler) (bus.Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if b.isClosed() {
		return nil, bus.ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	reg := &registration{bus: b, address: address, ch: ch}

	sends, err := b.declareSendQueue(ch, address)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	publishes, err := b.declarePublishQueue(ch, address)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	b.consumersMu.Lock()
	b.consumers[reg] = struct{}{}
	b.consumersMu.Unlock()

	go b.consumeLoop(reg, h, sends)
	go b.consumeLoop(reg, h, publishes)
	return reg, nil
}

func (b *Bus) declareSendQueue(ch *amqp.Channel, address string) (<-chan amqp.Delivery, error) {
	q, err := ch.QueueDeclare(b.sendQueue(address), false, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declaring send queue for %s: %w", address, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming send queue for %s: %w", address, err)
	}
	return deliveries, nil
}

func (b *Bus) declarePublishQueue(ch *amqp.Channel, address string) (<-chan amqp.Delivery, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declaring publish queue for %s: %w", address, err)
	}
	if err := ch.QueueBind(q.Name, address, b.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("binding publish queue for %s: %w", address, err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming publish queue for %s: %w", address, err)
	}
	return deliveries, nil
}

func (b *Bus) consumeLoop(reg *registration, h bus.Handler, deliveries <-chan amqp.Delivery) {
	ctx := context.Background()
	for d := range deliveries {
		var reply bus.ReplyHandler
		if d.ReplyTo != "" {
			reply = b.replier(reg, d.CorrelationId, d.ReplyTo)
		}

		value, err := fromDelivery(d.Type, d.Headers, d.Body)
		if err != nil {
			b.logger.Warn("dropping undecodable message", "address", reg.address, "error", err)
			if reply != nil {
				reply(nil, bus.RecipientError(-1, err.Error()))
			}
			continue
		}

		go bus.Deliver(ctx, b.logger, h, bus.NewMessage(reg.address, value, reply))
	}
}

func (b *Bus) replier(reg *registration, id, replyTo string) bus.ReplyHandler {
	return func(v codec.Value, err error) {
		msg := replyPublishing(v, err)
		msg.CorrelationId = id

		reg.chMu.Lock()
		err = reg.ch.PublishWithContext(context.Background(), "", replyTo, false, false, msg)
		reg.chMu.Unlock()
		if err != nil {
			b.logger.Error("failed to publish reply", "request_id", id, "error", err)
		}
	}
}

// Close fails every pending send and drops all consumers. The connection
// is left open.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.closed)

		b.chMu.Lock()
		err = b.ch.Close()
		b.chMu.Unlock()
		if errors.Is(err, amqp.ErrClosed) {
			err = nil
		}

		b.pending.FailAll(bus.ErrClosed)

		b.consumersMu.Lock()
		regs := make([]*registration, 0, len(b.consumers))
		for reg := range b.consumers {
			regs = append(regs, reg)
		}
		b.consumersMu.Unlock()
		for _, reg := range regs {
			_ = reg.Unregister()
		}
	})
	return err
}

func valuePublishing(v codec.Value) (amqp.Publishing, error) {
	data, err := codec.Encode(v)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		Type:      v.Tag().String(),
		Timestamp: time.Now(),
		Body:      data,
	}, nil
}

func replyPublishing(v codec.Value, err error) amqp.Publishing {
	if err == nil {
		msg, encErr := valuePublishing(v)
		if encErr == nil {
			return msg
		}
		err = encErr
	}

	var replyErr *bus.ReplyError
	if !errors.As(err, &replyErr) {
		replyErr = bus.RecipientError(-1, err.Error())
	}
	return amqp.Publishing{
		Headers: amqp.Table{
			headerFailureType: replyErr.Type.String(),
			headerFailureCode: int32(replyErr.Code),
		},
		Timestamp: time.Now(),
		Body:      []byte(replyErr.Message),
	}
}

// fromDelivery reads a value or failure out of a delivery. Messages with
// no type property are treated as raw bytes.
func fromDelivery(typ string, headers amqp.Table, body []byte) (codec.Value, error) {
	if failure, ok := headers[headerFailureType].(string); ok {
		failureType, err := bus.ParseFailureType(failure)
		if err != nil {
			failureType = bus.RecipientFailure
		}
		return nil, &bus.ReplyError{Type: failureType, Code: tableInt(headers[headerFailureCode]), Message: string(body)}
	}

	tag := codec.TagByteArray
	if typ != "" {
		parsed, err := codec.ParseTag(typ)
		if err != nil {
			return nil, err
		}
		tag = parsed
	}
	return codec.Decode(body, tag)
}

func tableInt(v any) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	default:
		return -1
	}
}
