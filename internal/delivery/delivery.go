// Package delivery turns the outcome of a send into a BridgeResponse and
// POSTs it to the caller's callback URL.
//
// Delivery is best effort and at most once. Failures are logged and
// counted but never retried; the inbound request was answered long before.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/codec"
	"github.com/whookdev/busbridge/internal/metrics"
	"github.com/whookdev/busbridge/internal/models"
)

type Deliverer struct {
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds a Deliverer. A nil client means http.DefaultClient; a nil m
// gets a private registry nobody scrapes.
func New(client *http.Client, m *metrics.Metrics, logger *slog.Logger) *Deliverer {
	if client == nil {
		client = http.DefaultClient
	}
	if m == nil {
		m = metrics.New()
	}
	return &Deliverer{
		client:  client,
		metrics: m,
		logger:  logger.With("component", "delivery"),
	}
}

// Target is where the outcome of one send is delivered.
type Target struct {
	RequestID   string
	Address     string
	ResponseURL string
	MediaType   string
}

// Continuation returns the handler to pass to bus Send for target. It is
// meant to be invoked once; the bus guarantees that.
func (d *Deliverer) Continuation(target Target) bus.ReplyHandler {
	return func(reply codec.Value, err error) {
		d.metrics.BusReplies.WithLabelValues(Outcome(err)).Inc()

		logger := d.logger.With("request_id", target.RequestID, "address", target.Address)
		if err != nil {
			logger.Warn("send failed", "error", err)
		}

		resp, buildErr := BuildResponse(target.Address, reply, err)
		if buildErr != nil {
			d.metrics.Deliveries.WithLabelValues(metrics.OutcomeEncodeError).Inc()
			logger.Error("failed to build callback body", "error", buildErr)
			return
		}

		if err := d.Deliver(context.Background(), target, resp); err != nil {
			logger.Error("callback delivery failed", "response_url", target.ResponseURL, "error", err)
		}
	}
}

// BuildResponse describes the outcome of a send. Failures carrying a bus
// failure type report that type as the cause; any other error reports its
// message.
func BuildResponse(address string, reply codec.Value, err error) (*models.BridgeResponse, error) {
	if err != nil {
		cause := err.Error()
		var replyErr *bus.ReplyError
		if errors.As(err, &replyErr) {
			cause = replyErr.Type.String()
		}
		return &models.BridgeResponse{Address: address, Successful: false, Cause: cause}, nil
	}

	tag, ok := codec.Lookup(reply)
	if !ok {
		return nil, &codec.UnsupportedTypeError{Type: fmt.Sprintf("%T", reply)}
	}
	body, err := codec.Encode(reply)
	if err != nil {
		return nil, err
	}
	return &models.BridgeResponse{
		Address:     address,
		Message:     body,
		MessageType: tag,
		Successful:  true,
	}, nil
}

// Deliver POSTs resp to the target with chunked transfer encoding. The
// callback's status is only observed; a non 202 answer is logged but not
// treated as an error.
func (d *Deliverer) Deliver(ctx context.Context, target Target, resp *models.BridgeResponse) error {
	body, err := models.Marshal(resp, target.MediaType)
	if err != nil {
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeEncodeError).Inc()
		return fmt.Errorf("marshaling response: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.ResponseURL, io.NopCloser(bytes.NewReader(body)))
	if err != nil {
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeUnreachable).Inc()
		return fmt.Errorf("creating callback request: %w", err)
	}
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("Content-Type", target.MediaType)
	if target.RequestID != "" {
		req.Header.Set("X-Request-ID", target.RequestID)
	}

	res, err := d.client.Do(req)
	if err != nil {
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeUnreachable).Inc()
		return fmt.Errorf("posting callback: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	logger := d.logger.With("request_id", target.RequestID, "response_url", target.ResponseURL, "status", res.StatusCode)
	if res.StatusCode == http.StatusAccepted {
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeDelivered).Inc()
		logger.Debug("callback delivered")
	} else {
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeRejected).Inc()
		logger.Warn("callback answered with unexpected status", "status_text", http.StatusText(res.StatusCode))
	}
	return nil
}

// Outcome classifies a send result for metrics.
func Outcome(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	var replyErr *bus.ReplyError
	if !errors.As(err, &replyErr) {
		return metrics.OutcomeError
	}
	switch replyErr.Type {
	case bus.NoHandlers:
		return metrics.OutcomeNoHandlers
	case bus.Timeout:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeRecipientFailure
	}
}
