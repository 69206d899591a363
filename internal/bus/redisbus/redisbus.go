// Package redisbus runs the bridge bus over Redis pub/sub.
//
// Every address is a Redis channel. A send carries a correlation id and
// the channel this instance listens on for replies; PUBLISH reporting no
// receivers is treated as NO_HANDLERS. Redis has no competing consumers,
// so every subscriber of an address sees a send and the first reply wins.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/codec"
)

// Connect opens a client for url, which is either a redis:// URL or a
// bare host:port, and verifies it with PING.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	logger = logger.With("component", "redis")

	opts := &redis.Options{Addr: url}
	if strings.Contains(url, "://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		_ = client.Close()
		return nil, err
	}

	logger.Info("redis connection established successfully", "addr", opts.Addr)
	return client, nil
}

type Bus struct {
	client *redis.Client
	logger *slog.Logger

	replyChannel   string
	defaultTimeout time.Duration

	replies *redis.PubSub

	pending *bus.Pending

	consumers   map[*registration]struct{}
	consumersMu sync.Mutex

	closed chan struct{}
	once   sync.Once
}

type Option func(*Bus)

func WithDefaultTimeout(timeout time.Duration) Option {
	return func(b *Bus) {
		b.defaultTimeout = timeout
	}
}

func WithReplyChannel(channel string) Option {
	return func(b *Bus) {
		b.replyChannel = channel
	}
}

// New subscribes to this instance's reply channel and returns a bus ready
// for use. The client stays owned by the caller.
func New(ctx context.Context, client *redis.Client, logger *slog.Logger, opts ...Option) (*Bus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	b := &Bus{
		client:         client,
		logger:         logger.With("component", "bus.redis"),
		replyChannel:   fmt.Sprintf("bridge.reply.%s", uuid.New().String()[:8]),
		defaultTimeout: bus.DefaultTimeout,
		pending:        bus.NewPending(),
		consumers:      make(map[*registration]struct{}),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.replies = client.Subscribe(ctx, b.replyChannel)
	if _, err := b.replies.Receive(ctx); err != nil {
		_ = b.replies.Close()
		return nil, fmt.Errorf("subscribing to reply channel: %w", err)
	}

	go b.replyLoop()

	b.logger.Info("listening for replies", "channel", b.replyChannel)
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, address string, body codec.Value) error {
	env, err := bus.NewEnvelope(body)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, address, data).Err(); err != nil {
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

	select {
	case <-b.closed:
		fail(bus.ErrClosed)
		return
	default:
	}

	env, err := bus.NewEnvelope(body)
	if err != nil {
		fail(err)
		return
	}

	if onReply == nil {
		go func() {
			data, err := env.Marshal()
			if err == nil {
				err = b.client.Publish(ctx, address, data).Err()
			}
			if err != nil {
				b.logger.Warn("send without reply failed", "address", address, "error", err)
			}
		}()
		return
	}

	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	env.ID = fmt.Sprintf("req_%s", uuid.New().String())
	env.ReplyTo = b.replyChannel
	data, err := env.Marshal()
	if err != nil {
		fail(err)
		return
	}

	b.pending.Add(env.ID, address, timeout, onReply)

	go func() {
		receivers, err := b.client.Publish(ctx, address, data).Result()
		switch {
		case err != nil:
			err = fmt.Errorf("publishing to %s: %w", address, err)
		case receivers == 0:
			err = bus.NoHandlersError(address)
		default:
			return
		}
		b.pending.Resolve(env.ID, nil, err)
	}()
}

func (b *Bus) replyLoop() {
	for msg := range b.replies.Channel() {
		env, err := bus.UnmarshalEnvelope([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn("dropping malformed reply", "error", err)
			continue
		}

		value, err := env.Result()
		if !b.pending.Resolve(env.ID, value, err) {
			b.logger.Warn("received reply for unknown request", "request_id", env.ID)
		}
	}
}

// Pending reports the number of sends still waiting for a reply.
func (b *Bus) Pending() int {
	return b.pending.Len()
}

type registration struct {
	bus     *Bus
	address string
	sub     *redis.PubSub
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
		err = r.sub.Close()
	})
	return err
}

func (b *Bus) Consume(address string, h bus.Handler) (bus.Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	select {
	case <-b.closed:
		return nil, bus.ErrClosed
	default:
	}

	ctx := context.Background()
	sub := b.client.Subscribe(ctx, address)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", address, err)
	}

	reg := &registration{bus: b, address: address, sub: sub}
	b.consumersMu.Lock()
	b.consumers[reg] = struct{}{}
	b.consumersMu.Unlock()

	go b.consumeLoop(reg, h)
	return reg, nil
}

func (b *Bus) consumeLoop(reg *registration, h bus.Handler) {
	ctx := context.Background()
	for msg := range reg.sub.Channel() {
		env, err := bus.UnmarshalEnvelope([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn("dropping malformed message", "address", reg.address, "error", err)
			continue
		}

		var reply bus.ReplyHandler
		if env.ReplyTo != "" {
			reply = b.replier(env.ID, env.ReplyTo)
		}

		value, err := env.Value()
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

func (b *Bus) replier(id, replyTo string) bus.ReplyHandler {
	return func(v codec.Value, err error) {
		env := bus.ReplyEnvelope(v, err)
		env.ID = id

		data, err := env.Marshal()
		if err == nil {
			err = b.client.Publish(context.Background(), replyTo, data).Err()
		}
		if err != nil {
			b.logger.Error("failed to publish reply", "request_id", id, "error", err)
		}
	}
}

// Close stops listening for replies, fails every pending send and drops
// all consumers. The redis client is left open.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.closed)
		err = b.replies.Close()

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
