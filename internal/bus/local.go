package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whookdev/busbridge/internal/codec"
)

const DefaultTimeout = 30 * time.Second

// Local is an in-process bus. Handlers run on their own goroutines.
type Local struct {
	mu       sync.RWMutex
	handlers map[string][]*localRegistration
	cursor   map[string]int
	closed   bool

	defaultTimeout time.Duration
	logger         *slog.Logger
}

type LocalOption func(*Local)

func WithDefaultTimeout(timeout time.Duration) LocalOption {
	return func(l *Local) {
		l.defaultTimeout = timeout
	}
}

func WithLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) {
		l.logger = logger
	}
}

func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		handlers:       make(map[string][]*localRegistration),
		cursor:         make(map[string]int),
		defaultTimeout: DefaultTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "bus.local")
	return l
}

type localRegistration struct {
	bus     *Local
	address string
	handler Handler
}

func (r *localRegistration) Address() string {
	return r.address
}

func (r *localRegistration) Unregister() error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()

	regs := r.bus.handlers[r.address]
	for i, reg := range regs {
		if reg == r {
			regs = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(r.bus.handlers, r.address)
		delete(r.bus.cursor, r.address)
	} else {
		r.bus.handlers[r.address] = regs
	}
	return nil
}

func (l *Local) Consume(address string, h Handler) (Registration, error) {
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	reg := &localRegistration{bus: l, address: address, handler: h}
	l.handlers[address] = append(l.handlers[address], reg)
	return reg, nil
}

func (l *Local) Publish(ctx context.Context, address string, body codec.Value) error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	regs := append([]*localRegistration(nil), l.handlers[address]...)
	l.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	for _, reg := range regs {
		go l.deliver(ctx, reg, NewMessage(address, body, nil))
	}
	return nil
}

func (l *Local) Send(ctx context.Context, address string, body codec.Value, timeout time.Duration, onReply ReplyHandler) {
	onReply = Once(onReply)

	reg, err := l.pick(address)
	if err != nil {
		if onReply != nil {
			go onReply(nil, err)
		}
		return
	}

	ctx = context.WithoutCancel(ctx)
	if onReply == nil {
		go l.deliver(ctx, reg, NewMessage(address, body, nil))
		return
	}

	if timeout <= 0 {
		timeout = l.defaultTimeout
	}
	timer := time.AfterFunc(timeout, func() {
		onReply(nil, TimeoutError(address, timeout))
	})

	msg := NewMessage(address, body, func(reply codec.Value, err error) {
		if timer.Stop() {
			onReply(reply, err)
		}
	})
	go l.deliver(ctx, reg, msg)
}

func (l *Local) pick(address string) (*localRegistration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	regs := l.handlers[address]
	if len(regs) == 0 {
		return nil, NoHandlersError(address)
	}

	i := l.cursor[address] % len(regs)
	l.cursor[address] = i + 1
	return regs[i], nil
}

func (l *Local) deliver(ctx context.Context, reg *localRegistration, msg *Message) {
	Deliver(ctx, l.logger, reg.handler, msg)
}

// Close drops every registration. Later calls fail with ErrClosed.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.handlers = make(map[string][]*localRegistration)
	l.cursor = make(map[string]int)
	return nil
}
