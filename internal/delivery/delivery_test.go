package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whookdev/busbridge/internal/auth"
	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/codec"
	"github.com/whookdev/busbridge/internal/metrics"
	"github.com/whookdev/busbridge/internal/models"
)

type callback struct {
	contentType      string
	transferEncoding []string
	requestID        string
	body             []byte
}

func newCallbackServer(t *testing.T, status int) (*httptest.Server, <-chan callback) {
	t.Helper()
	calls := make(chan callback, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		calls <- callback{
			contentType:      r.Header.Get("Content-Type"),
			transferEncoding: r.TransferEncoding,
			requestID:        r.Header.Get("X-Request-ID"),
			body:             body,
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func waitCallback(t *testing.T, calls <-chan callback) callback {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("callback never arrived")
		return callback{}
	}
}

func newTestDeliverer() (*Deliverer, *metrics.Metrics) {
	m := metrics.New()
	return New(nil, m, slog.New(slog.NewTextHandler(io.Discard, nil))), m
}

func TestBuildResponseSuccess(t *testing.T) {
	resp, err := BuildResponse("someaddress", codec.String("HelloWorld"), nil)
	require.NoError(t, err)

	assert.True(t, resp.Successful)
	assert.Equal(t, models.Payload("HelloWorld"), resp.Message)
	assert.Equal(t, codec.TagString, resp.MessageType)
	assert.Empty(t, resp.Cause)
}

func TestBuildResponseFailureCause(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"no handlers", bus.NoHandlersError("someaddress"), "NO_HANDLERS"},
		{"timeout", bus.TimeoutError("someaddress", time.Second), "TIMEOUT"},
		{"recipient", bus.RecipientError(5, "nope"), "RECIPIENT_FAILURE"},
		{"wrapped", errors.Join(errors.New("ctx"), bus.NoHandlersError("x")), "NO_HANDLERS"},
		{"plain", errors.New("connection refused"), "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := BuildResponse("someaddress", nil, tt.err)
			require.NoError(t, err)
			assert.False(t, resp.Successful)
			assert.Equal(t, tt.want, resp.Cause)
			assert.Nil(t, resp.Message)
			assert.False(t, resp.MessageType.Valid())
		})
	}
}

func TestBuildResponseUnsupportedReply(t *testing.T) {
	_, err := BuildResponse("someaddress", nil, nil)
	assert.ErrorIs(t, err, codec.ErrUnsupportedType)
}

func TestContinuationNoHandlers(t *testing.T) {
	srv, calls := newCallbackServer(t, http.StatusAccepted)
	d, m := newTestDeliverer()

	local := bus.NewLocal()
	defer local.Close()

	local.Send(context.Background(), "someaddress", codec.String("HelloWorld"), time.Second, d.Continuation(Target{
		RequestID:   "req-1",
		Address:     "someaddress",
		ResponseURL: srv.URL,
		MediaType:   auth.MediaTypeJSON,
	}))

	got := waitCallback(t, calls)
	assert.Equal(t, auth.MediaTypeJSON, got.contentType)
	assert.Equal(t, []string{"chunked"}, got.transferEncoding)
	assert.Equal(t, "req-1", got.requestID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.body, &body))
	assert.Equal(t, map[string]any{
		"address":    "someaddress",
		"successful": false,
		"cause":      "NO_HANDLERS",
	}, body)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.OutcomeDelivered)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusReplies.WithLabelValues(metrics.OutcomeNoHandlers)))
}

func TestContinuationWithoutMetrics(t *testing.T) {
	srv, calls := newCallbackServer(t, http.StatusAccepted)
	d := New(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	onReply := d.Continuation(Target{Address: "a", ResponseURL: srv.URL, MediaType: auth.MediaTypeJSON})
	assert.NotPanics(t, func() { onReply(codec.String("ok"), nil) })
	waitCallback(t, calls)
}

func TestContinuationEmptyStringReply(t *testing.T) {
	srv, calls := newCallbackServer(t, http.StatusAccepted)
	d, _ := newTestDeliverer()

	d.Continuation(Target{Address: "a", ResponseURL: srv.URL, MediaType: auth.MediaTypeJSON})(codec.String(""), nil)

	got := waitCallback(t, calls)
	assert.JSONEq(t, `{"address":"a","message":"","messageType":"String","successful":true}`, string(got.body))
}

func TestContinuationReplyAsXML(t *testing.T) {
	srv, calls := newCallbackServer(t, http.StatusAccepted)
	d, _ := newTestDeliverer()

	local := bus.NewLocal()
	defer local.Close()
	_, err := local.Consume("counter", func(_ context.Context, msg *bus.Message) {
		_ = msg.Reply(codec.Long(7))
	})
	require.NoError(t, err)

	local.Send(context.Background(), "counter", codec.String("next"), time.Second, d.Continuation(Target{
		Address:     "counter",
		ResponseURL: srv.URL,
		MediaType:   auth.MediaTypeXML,
	}))

	got := waitCallback(t, calls)
	assert.Equal(t, auth.MediaTypeXML, got.contentType)

	var resp models.BridgeResponse
	require.NoError(t, models.Unmarshal(got.body, auth.MediaTypeXML, &resp))
	assert.True(t, resp.Successful)
	assert.Equal(t, codec.TagLong, resp.MessageType)
	assert.Equal(t, models.Payload("7"), resp.Message)
	assert.NotContains(t, string(got.body), "<cause>")
}

func TestDeliverObservesRejection(t *testing.T) {
	srv, calls := newCallbackServer(t, http.StatusInternalServerError)
	d, m := newTestDeliverer()

	resp := &models.BridgeResponse{Address: "a", Successful: false, Cause: "TIMEOUT"}
	err := d.Deliver(context.Background(), Target{ResponseURL: srv.URL, MediaType: auth.MediaTypeJSON}, resp)
	require.NoError(t, err)

	waitCallback(t, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.OutcomeRejected)))
}

func TestDeliverUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d, m := newTestDeliverer()
	resp := &models.BridgeResponse{Address: "a", Successful: false, Cause: "TIMEOUT"}

	err := d.Deliver(context.Background(), Target{ResponseURL: url, MediaType: auth.MediaTypeJSON}, resp)
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.OutcomeUnreachable)))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, metrics.OutcomeSuccess, Outcome(nil))
	assert.Equal(t, metrics.OutcomeNoHandlers, Outcome(bus.NoHandlersError("a")))
	assert.Equal(t, metrics.OutcomeTimeout, Outcome(bus.TimeoutError("a", time.Second)))
	assert.Equal(t, metrics.OutcomeRecipientFailure, Outcome(bus.RecipientError(1, "x")))
	assert.Equal(t, metrics.OutcomeError, Outcome(errors.New("x")))
}
