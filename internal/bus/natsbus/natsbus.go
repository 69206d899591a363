// Package natsbus runs the bridge bus over core NATS.
//
// Publishes go to <prefix>.publish.<address>, which every consumer
// subscribes to. Sends go to <prefix>.send.<address>, consumed through a
// queue group so exactly one consumer sees each send. Payloads travel as
// their canonical encoding with the message type in a header.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/codec"
)

const (
	HeaderMessageType = "Bridge-Message-Type"
	HeaderFailureType = "Bridge-Failure-Type"
	HeaderFailureCode = "Bridge-Failure-Code"

	DefaultPrefix = "bridge"
)

// Connect dials url with reconnects enabled for the lifetime of the process.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logger.With("component", "nats")

	conn, err := nats.Connect(url,
		nats.Name("busbridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.PingInterval(30*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to nats", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		logger.Error("failed to connect to nats", "error", err)
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	logger.Info("nats connection established successfully", "url", conn.ConnectedUrlRedacted())
	return conn, nil
}

type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger

	prefix         string
	defaultTimeout time.Duration

	mu     sync.Mutex
	regs   map[*registration]struct{}
	closed bool
}

type Option func(*Bus)

func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		b.prefix = prefix
	}
}

func WithDefaultTimeout(timeout time.Duration) Option {
	return func(b *Bus) {
		b.defaultTimeout = timeout
	}
}

// New wraps an established connection. The connection stays owned by
// the caller.
func New(conn *nats.Conn, logger *slog.Logger, opts ...Option) (*Bus, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}

	b := &Bus{
		conn:           conn,
		logger:         logger.With("component", "bus.nats"),
		prefix:         DefaultPrefix,
		defaultTimeout: bus.DefaultTimeout,
		regs:           make(map[*registration]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bus) publishSubject(address string) string {
	return b.prefix + ".publish." + address
}

func (b *Bus) sendSubject(address string) string {
	return b.prefix + ".send." + address
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) Publish(_ context.Context, address string, body codec.Value) error {
	if b.isClosed() {
		return bus.ErrClosed
	}

	msg, err := valueMsg(b.publishSubject(address), body)
	if err != nil {
		return err
	}
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", address, err)
	}
	return nil
}

func (b *Bus) Send(ctx context.Context, address string, body codec.Value, timeout time.Duration, onReply bus.ReplyHandler) {
	onReply = bus.Once(onReply)

	fail := func(err error) {
		if onReply != nil {
			go onReply(nil, err)
		}
	}

	if b.isClosed() {
		fail(bus.ErrClosed)
		return
	}

	msg, err := valueMsg(b.sendSubject(address), body)
	if err != nil {
		fail(err)
		return
	}

	if onReply == nil {
		if err := b.conn.PublishMsg(msg); err != nil {
			b.logger.Warn("send without reply failed", "address", address, "error", err)
		}
		return
	}

	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	go func() {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		resp, err := b.conn.RequestMsgWithContext(reqCtx, msg)
		if err != nil {
			onReply(nil, requestError(address, timeout, err))
			return
		}
		onReply(fromMsg(resp))
	}()
}

// requestError maps NATS request errors onto bus failure kinds.
func requestError(address string, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return bus.NoHandlersError(address)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return bus.TimeoutError(address, timeout)
	default:
		return fmt.Errorf("requesting %s: %w", address, err)
	}
}

type registration struct {
	bus     *Bus
	address string
	subs    []*nats.Subscription
	once    sync.Once
}

func (r *registration) Address() string {
	return r.address
}

func (r *registration) Unregister() error {
	var errs []error
	r.once.Do(func() {
		r.bus.mu.Lock()
		delete(r.bus.regs, r)
		r.bus.mu.Unlock()

		for _, sub := range r.subs {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (b *Bus) Consume(address string, h bus.Handler) (bus.Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if b.isClosed() {
		return nil, bus.ErrClosed
	}

	reg := &registration{bus: b, address: address}
	cb := b.callback(address, h)

	pubSub, err := b.conn.Subscribe(b.publishSubject(address), cb)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", address, err)
	}
	reg.subs = append(reg.subs, pubSub)

	sendSub, err := b.conn.QueueSubscribe(b.sendSubject(address), b.prefix, cb)
	if err != nil {
		_ = reg.Unregister()
		return nil, fmt.Errorf("subscribing to %s: %w", address, err)
	}
	reg.subs = append(reg.subs, sendSub)

	if err := b.conn.Flush(); err != nil {
		_ = reg.Unregister()
		return nil, fmt.Errorf("flushing subscriptions for %s: %w", address, err)
	}

	b.mu.Lock()
	b.regs[reg] = struct{}{}
	b.mu.Unlock()
	return reg, nil
}

func (b *Bus) callback(address string, h bus.Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		var reply bus.ReplyHandler
		if m.Reply != "" {
			reply = func(v codec.Value, err error) {
				if err := m.RespondMsg(replyMsg(v, err)); err != nil {
					b.logger.Error("failed to respond", "address", address, "error", err)
				}
			}
		}

		value, err := fromMsg(m)
		if err != nil {
			b.logger.Warn("dropping undecodable message", "address", address, "error", err)
			if reply != nil {
				reply(nil, bus.RecipientError(-1, err.Error()))
			}
			return
		}

		go bus.Deliver(context.Background(), b.logger, h, bus.NewMessage(address, value, reply))
	}
}

// Close unsubscribes every consumer. The connection is left open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	regs := make([]*registration, 0, len(b.regs))
	for reg := range b.regs {
		regs = append(regs, reg)
	}
	b.mu.Unlock()

	var errs []error
	for _, reg := range regs {
		if err := reg.Unregister(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func valueMsg(subject string, v codec.Value) (*nats.Msg, error) {
	data, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(HeaderMessageType, v.Tag().String())
	msg.Data = data
	return msg, nil
}

func replyMsg(v codec.Value, err error) *nats.Msg {
	if err == nil {
		msg, encErr := valueMsg("", v)
		if encErr == nil {
			return msg
		}
		err = encErr
	}

	var replyErr *bus.ReplyError
	if !errors.As(err, &replyErr) {
		replyErr = bus.RecipientError(-1, err.Error())
	}
	msg := nats.NewMsg("")
	msg.Header.Set(HeaderFailureType, replyErr.Type.String())
	msg.Header.Set(HeaderFailureCode, strconv.Itoa(replyErr.Code))
	msg.Data = []byte(replyErr.Message)
	return msg
}

// fromMsg reads a value or failure out of a NATS message. Messages from
// publishers that set no type header are treated as raw bytes.
func fromMsg(m *nats.Msg) (codec.Value, error) {
	if failure := m.Header.Get(HeaderFailureType); failure != "" {
		failureType, err := bus.ParseFailureType(failure)
		if err != nil {
			failureType = bus.RecipientFailure
		}
		code, err := strconv.Atoi(m.Header.Get(HeaderFailureCode))
		if err != nil {
			code = -1
		}
		return nil, &bus.ReplyError{Type: failureType, Code: code, Message: string(m.Data)}
	}

	tag := codec.TagByteArray
	if name := m.Header.Get(HeaderMessageType); name != "" {
		parsed, err := codec.ParseTag(name)
		if err != nil {
			return nil, err
		}
		tag = parsed
	}
	return codec.Decode(m.Data, tag)
}
