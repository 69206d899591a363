package tunnel

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/codec"
	"github.com/whookdev/busbridge/internal/models"
)

type outcome struct {
	reply codec.Value
	err   error
}

// startTunnel serves one tunnel for address on local and returns the
// client side of the websocket.
func startTunnel(t *testing.T, local *bus.Local, address string) *websocket.Conn {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registered := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}

		tc := NewConnection(address, conn, logger)
		reg, err := local.Consume(address, tc.Deliver)
		if !assert.NoError(t, err) {
			return
		}
		defer reg.Unregister()
		close(registered)

		_ = tc.Handle(r.Context())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel never registered")
	}
	return client
}

func readFrame(t *testing.T, client *websocket.Conn) models.Frame {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame models.Frame
	require.NoError(t, client.ReadJSON(&frame))
	return frame
}

func send(local *bus.Local, address string, body codec.Value) <-chan outcome {
	ch := make(chan outcome, 1)
	local.Send(context.Background(), address, body, 2*time.Second, func(reply codec.Value, err error) {
		ch <- outcome{reply, err}
	})
	return ch
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("send never settled")
		return outcome{}
	}
}

func TestTunnelReply(t *testing.T) {
	local := bus.NewLocal()
	defer local.Close()
	client := startTunnel(t, local, "orders")

	result := send(local, "orders", codec.StructuredObject{"sku": "A-1"})

	frame := readFrame(t, client)
	assert.Equal(t, models.FrameMessage, frame.Type)
	assert.Equal(t, "orders", frame.Address)
	assert.Equal(t, codec.TagStructuredObject, frame.MessageType)
	assert.JSONEq(t, `{"sku":"A-1"}`, string(frame.Body))
	assert.True(t, frame.Replyable)
	assert.True(t, strings.HasPrefix(frame.ID, "req_"))

	require.NoError(t, client.WriteJSON(models.Frame{
		Type:        models.FrameReply,
		ID:          frame.ID,
		MessageType: codec.TagBoolean,
		Body:        models.Payload("true"),
	}))

	got := waitOutcome(t, result)
	require.NoError(t, got.err)
	assert.Equal(t, codec.Boolean(true), got.reply)
}

func TestTunnelFailure(t *testing.T) {
	local := bus.NewLocal()
	defer local.Close()
	client := startTunnel(t, local, "orders")

	result := send(local, "orders", codec.Integer(3))
	frame := readFrame(t, client)

	require.NoError(t, client.WriteJSON(models.Frame{
		Type:  models.FrameFailure,
		ID:    frame.ID,
		Code:  409,
		Cause: "duplicate order",
	}))

	got := waitOutcome(t, result)
	var replyErr *bus.ReplyError
	require.ErrorAs(t, got.err, &replyErr)
	assert.Equal(t, bus.RecipientFailure, replyErr.Type)
	assert.Equal(t, 409, replyErr.Code)
	assert.Equal(t, "duplicate order", replyErr.Message)
}

func TestTunnelPublishIsNotReplyable(t *testing.T) {
	local := bus.NewLocal()
	defer local.Close()
	client := startTunnel(t, local, "news")

	require.NoError(t, local.Publish(context.Background(), "news", codec.String("extra")))

	frame := readFrame(t, client)
	assert.Equal(t, "news", frame.Address)
	assert.Equal(t, models.Payload("extra"), frame.Body)
	assert.False(t, frame.Replyable)
}

func TestTunnelCloseFailsPending(t *testing.T) {
	local := bus.NewLocal()
	defer local.Close()
	client := startTunnel(t, local, "orders")

	result := send(local, "orders", codec.String("hello"))
	readFrame(t, client)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	got := waitOutcome(t, result)
	var replyErr *bus.ReplyError
	require.ErrorAs(t, got.err, &replyErr)
	assert.Equal(t, bus.RecipientFailure, replyErr.Type)
	assert.Equal(t, ErrTunnelClosed.Error(), replyErr.Message)
}

func TestTunnelUndecodableReply(t *testing.T) {
	local := bus.NewLocal()
	defer local.Close()
	client := startTunnel(t, local, "orders")

	result := send(local, "orders", codec.String("hello"))
	frame := readFrame(t, client)

	require.NoError(t, client.WriteJSON(models.Frame{
		Type:        models.FrameReply,
		ID:          frame.ID,
		MessageType: codec.TagInteger,
		Body:        models.Payload("many"),
	}))

	got := waitOutcome(t, result)
	var replyErr *bus.ReplyError
	require.ErrorAs(t, got.err, &replyErr)
	assert.Equal(t, bus.RecipientFailure, replyErr.Type)
}
