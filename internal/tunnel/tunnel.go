// Package tunnel lets a websocket client act as a consumer of a bus
// address. Bus messages are written to the client as frames and the
// client answers sends with reply or failure frames.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/codec"
	"github.com/whookdev/busbridge/internal/models"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var ErrTunnelClosed = errors.New("tunnel closed")

type Connection struct {
	id      string
	address string
	conn    *websocket.Conn
	logger  *slog.Logger

	// pending holds messages forwarded to the client that still owe the
	// sender a reply.
	pending   map[string]*bus.Message
	pendingMu sync.Mutex

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func NewConnection(address string, conn *websocket.Conn, logger *slog.Logger) *Connection {
	id := uuid.New().String()
	return &Connection{
		id:      id,
		address: address,
		conn:    conn,
		logger:  logger.With("component", "tunnel", "tunnel_id", id, "address", address),
		pending: make(map[string]*bus.Message),
		done:    make(chan struct{}),
	}
}

func (t *Connection) ID() string {
	return t.id
}

func (t *Connection) Address() string {
	return t.address
}

// Handle pumps frames until the client goes away or ctx is cancelled.
// Messages still waiting on the client are failed when it returns.
func (t *Connection) Handle(ctx context.Context) error {
	defer t.shutdown()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	readError := make(chan error, 1)
	go func() {
		readError <- t.readPump()
	}()

	for {
		select {
		case err := <-readError:
			if err != nil {
				return fmt.Errorf("tunnel closed: %w", err)
			}
			return nil

		case <-pingTicker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout))
			t.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}

		case <-ctx.Done():
			t.writeMu.Lock()
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"),
				time.Now().Add(writeTimeout))
			t.writeMu.Unlock()
			return nil
		}
	}
}

// Deliver forwards msg to the client. It has the shape of a bus.Handler.
func (t *Connection) Deliver(_ context.Context, msg *bus.Message) {
	body, err := codec.Encode(msg.Body)
	if err != nil {
		t.logger.Warn("cannot forward message", "error", err)
		_ = msg.Fail(-1, err.Error())
		return
	}

	frame := models.Frame{
		Type:        models.FrameMessage,
		ID:          generateRequestID(),
		Address:     msg.Address,
		MessageType: msg.Body.Tag(),
		Body:        body,
		Replyable:   msg.Replyable(),
	}

	if frame.Replyable && !t.track(frame.ID, msg) {
		_ = msg.Fail(-1, ErrTunnelClosed.Error())
		return
	}

	if err := t.write(&frame); err != nil {
		t.logger.Error("failed to forward message", "request_id", frame.ID, "error", err)
		if m := t.take(frame.ID); m != nil {
			_ = m.Fail(-1, fmt.Sprintf("forwarding to tunnel: %v", err))
		}
		return
	}

	t.logger.Debug("forwarded message", "request_id", frame.ID, "replyable", frame.Replyable)
}

func (t *Connection) write(frame *models.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(frame)
}

func (t *Connection) readPump() error {
	defer t.logger.Info("readPump ending")

	t.conn.SetReadDeadline(time.Now().Add(readTimeout))

	t.conn.SetPongHandler(func(string) error {
		t.logger.Debug("received pong")
		return t.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var frame models.Frame
		err := t.conn.ReadJSON(&frame)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				t.logger.Error("websocket read error", "error", err)
				return fmt.Errorf("websocket read error: %w", err)
			}
			t.logger.Info("websocket closed normally")
			return nil
		}

		t.logger.Debug("received frame", "type", frame.Type, "request_id", frame.ID)

		switch frame.Type {
		case models.FrameReply:
			t.handleReply(&frame)
		case models.FrameFailure:
			t.handleFailure(&frame)
		default:
			t.logger.Warn("ignoring unexpected frame", "type", frame.Type, "request_id", frame.ID)
		}
	}
}

func (t *Connection) handleReply(frame *models.Frame) {
	msg := t.take(frame.ID)
	if msg == nil {
		t.logger.Warn("received reply for unknown request", "request_id", frame.ID)
		return
	}

	value, err := codec.Decode(frame.Body, frame.MessageType)
	if err != nil {
		t.logger.Warn("client sent undecodable reply", "request_id", frame.ID, "error", err)
		_ = msg.Fail(-1, err.Error())
		return
	}
	_ = msg.Reply(value)
}

func (t *Connection) handleFailure(frame *models.Frame) {
	msg := t.take(frame.ID)
	if msg == nil {
		t.logger.Warn("received failure for unknown request", "request_id", frame.ID)
		return
	}
	_ = msg.Fail(frame.Code, frame.Cause)
}

// track records msg as awaiting the client. It fails once the tunnel has
// shut down.
func (t *Connection) track(id string, msg *bus.Message) bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	select {
	case <-t.done:
		return false
	default:
	}
	t.pending[id] = msg
	return true
}

func (t *Connection) take(id string) *bus.Message {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	msg, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return msg
}

// Pending reports how many forwarded messages still await the client.
func (t *Connection) Pending() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

func (t *Connection) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()

		t.pendingMu.Lock()
		pending := t.pending
		t.pending = make(map[string]*bus.Message)
		t.pendingMu.Unlock()

		for _, msg := range pending {
			_ = msg.Fail(-1, ErrTunnelClosed.Error())
		}
	})
}

func generateRequestID() string {
	return fmt.Sprintf("req_%s", uuid.New().String())
}
