package models

import (
	"github.com/whookdev/busbridge/internal/codec"
)

const (
	FrameMessage = "message"
	FrameReply   = "reply"
	FrameFailure = "failure"
)

// Frame is a single websocket message exchanged with a tunnelled consumer.
type Frame struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Address     string    `json:"address,omitempty"`
	MessageType codec.Tag `json:"messageType,omitempty"`
	Body        Payload   `json:"body,omitempty"`
	Replyable   bool      `json:"replyable,omitempty"`

	// For failures
	Code  int    `json:"code,omitempty"`
	Cause string `json:"cause,omitempty"`
}
