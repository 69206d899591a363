// Package dispatch validates bridge requests and puts them on the bus.
//
// Validation happens synchronously and in a fixed order: whitelist, reply
// media type, payload decoding, then the callback URL of a send. A request
// that fails any step never reaches the bus. Once on the bus, the outcome of a send is only ever
// reported through the caller's callback URL.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/whookdev/busbridge/internal/auth"
	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/codec"
	"github.com/whookdev/busbridge/internal/delivery"
	"github.com/whookdev/busbridge/internal/metrics"
	"github.com/whookdev/busbridge/internal/models"
)

// Responder builds the continuation that reports a send's outcome.
type Responder interface {
	Continuation(target delivery.Target) bus.ReplyHandler
}

type Dispatcher struct {
	bus       bus.Bus
	whitelist *auth.Whitelist
	responder Responder
	metrics   *metrics.Metrics
	logger    *slog.Logger

	timeout  time.Duration
	inflight atomic.Int64
}

type Option func(*Dispatcher)

// WithTimeout sets the timeout passed to every send. Zero leaves the
// choice to the bus.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func New(b bus.Bus, whitelist *auth.Whitelist, responder Responder, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:       b,
		whitelist: whitelist,
		responder: responder,
		logger:    logger.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle validates req and hands it to the bus. It returns as soon as the
// message is on its way; a nil error means 202 Accepted.
func (d *Dispatcher) Handle(ctx context.Context, req *models.BridgeRequest, instruction models.Instruction) error {
	requestID := RequestID(ctx)
	logger := d.logger.With("request_id", requestID, "address", req.Address, "instruction", instruction)

	if !d.whitelist.IsAuthorized(req.Address) {
		logger.Debug("address rejected by whitelist")
		return &Error{Kind: ErrForbidden, Msg: fmt.Sprintf("address %q is not whitelisted", req.Address)}
	}

	if !auth.IsSupportedReplyMediaType(req.ResponseMediaType) {
		logger.Debug("unsupported reply media type", "media_type", req.ResponseMediaType)
		return &Error{Kind: ErrUnsupportedMediaType, Msg: fmt.Sprintf("cannot reply with %q", req.ResponseMediaType)}
	}

	value, err := codec.Decode(req.Message, req.MessageType)
	if err != nil {
		logger.Debug("payload rejected", "error", err)
		return &Error{Kind: ErrBadRequest, Msg: "message does not decode as " + req.MessageType.String(), Err: err}
	}

	switch instruction {
	case models.InstructionPublish:
		if err := d.bus.Publish(ctx, req.Address, value); err != nil {
			logger.Warn("publish failed", "error", err)
		}
		return nil

	case models.InstructionSend:
		if req.ResponseURL == "" {
			d.bus.Send(ctx, req.Address, value, d.timeout, nil)
			return nil
		}
		if err := req.ValidateResponseURL(); err != nil {
			logger.Debug("response url rejected", "response_url", req.ResponseURL)
			return &Error{Kind: ErrBadRequest, Msg: "invalid responseUrl", Err: err}
		}

		onReply := d.track(d.responder.Continuation(delivery.Target{
			RequestID:   requestID,
			Address:     req.Address,
			ResponseURL: req.ResponseURL,
			MediaType:   auth.ReplyMediaType(req.ResponseMediaType),
		}))
		d.bus.Send(ctx, req.Address, value, d.timeout, onReply)
		return nil

	default:
		return &Error{Kind: ErrBadRequest, Msg: fmt.Sprintf("unknown instruction %q", instruction)}
	}
}

// track counts the send as in flight until onReply runs.
func (d *Dispatcher) track(onReply bus.ReplyHandler) bus.ReplyHandler {
	d.inflight.Add(1)
	if d.metrics != nil {
		d.metrics.SendsInflight.Inc()
	}
	return func(reply codec.Value, err error) {
		d.inflight.Add(-1)
		if d.metrics != nil {
			d.metrics.SendsInflight.Dec()
		}
		onReply(reply, err)
	}
}

// Inflight reports the number of sends whose outcome is still pending.
func (d *Dispatcher) Inflight() int64 {
	return d.inflight.Load()
}

type requestIDKey struct{}

// WithRequestID attaches the id used to correlate log lines and callbacks.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
