// Package bus defines the message bus the bridge forwards requests onto,
// together with an in-process implementation.
//
// Drivers for external brokers live in sub-packages and share the
// Envelope wire form defined here. Every driver honours the same reply
// contract: a ReplyHandler passed to Send is invoked exactly once, with
// either a reply value or an error. Typed failures are *ReplyError.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whookdev/busbridge/internal/codec"
)

var (
	ErrClosed         = errors.New("bus is closed")
	ErrAlreadyReplied = errors.New("message already replied to")
)

// ReplyHandler receives the outcome of a Send.
type ReplyHandler func(reply codec.Value, err error)

// Handler consumes messages delivered to an address.
type Handler func(ctx context.Context, msg *Message)

// Registration is a consumer attached to an address.
type Registration interface {
	Address() string
	Unregister() error
}

// Bus is an address based publish/subscribe bus with request/reply.
type Bus interface {
	// Publish delivers body to every consumer of address. No reply is
	// possible.
	Publish(ctx context.Context, address string, body codec.Value) error

	// Send delivers body to one consumer of address. onReply may be nil,
	// in which case any reply is discarded and no timeout is armed. A
	// timeout of zero or less selects the bus default.
	Send(ctx context.Context, address string, body codec.Value, timeout time.Duration, onReply ReplyHandler)

	Consume(address string, h Handler) (Registration, error)

	Close() error
}

// FailureType classifies bus level failures of a Send.
type FailureType int

const (
	NoHandlers FailureType = iota + 1
	Timeout
	RecipientFailure
)

var failureNames = map[FailureType]string{
	NoHandlers:       "NO_HANDLERS",
	Timeout:          "TIMEOUT",
	RecipientFailure: "RECIPIENT_FAILURE",
}

func (f FailureType) String() string {
	if name, ok := failureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FailureType(%d)", int(f))
}

func ParseFailureType(s string) (FailureType, error) {
	for f, name := range failureNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown failure type %q", s)
}

// ReplyError is a typed failure reported to a ReplyHandler.
type ReplyError struct {
	Type    FailureType
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	if e.Message == "" {
		return e.Type.String()
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func NoHandlersError(address string) *ReplyError {
	return &ReplyError{Type: NoHandlers, Code: -1, Message: fmt.Sprintf("no handlers for address %s", address)}
}

func TimeoutError(address string, timeout time.Duration) *ReplyError {
	return &ReplyError{Type: Timeout, Code: -1, Message: fmt.Sprintf("timed out after %s waiting for reply from %s", timeout, address)}
}

func RecipientError(code int, message string) *ReplyError {
	return &ReplyError{Type: RecipientFailure, Code: code, Message: message}
}

// Once wraps h so only its first invocation has any effect.
func Once(h ReplyHandler) ReplyHandler {
	if h == nil {
		return nil
	}
	var once sync.Once
	return func(reply codec.Value, err error) {
		once.Do(func() { h(reply, err) })
	}
}

// Message is a delivery handed to a Handler.
type Message struct {
	Address string
	Body    codec.Value

	reply   ReplyHandler
	replied atomic.Bool
}

// NewMessage builds a delivery. A nil reply makes the message one-way.
func NewMessage(address string, body codec.Value, reply ReplyHandler) *Message {
	return &Message{Address: address, Body: body, reply: reply}
}

// Replyable reports whether the sender is waiting for an answer.
func (m *Message) Replyable() bool {
	return m.reply != nil
}

// Reply answers the sender. It is a no-op for one-way messages.
func (m *Message) Reply(v codec.Value) error {
	return m.settle(v, nil)
}

// Fail answers the sender with a recipient failure.
func (m *Message) Fail(code int, message string) error {
	return m.settle(nil, RecipientError(code, message))
}

func (m *Message) settle(v codec.Value, err error) error {
	if !m.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if m.reply != nil {
		m.reply(v, err)
	}
	return nil
}

// Deliver runs h for msg. A panicking handler fails the message with a
// recipient failure instead of taking the process down.
func Deliver(ctx context.Context, logger *slog.Logger, h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "address", msg.Address, "panic", r)
			_ = msg.Fail(-1, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	h(ctx, msg)
}
