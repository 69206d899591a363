package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whookdev/busbridge/internal/codec"
)

// Envelope is how a value crosses a process boundary on a broker backed
// bus. Body holds the canonical encoding of the value.
type Envelope struct {
	ID          string    `json:"id,omitempty"`
	ReplyTo     string    `json:"replyTo,omitempty"`
	MessageType codec.Tag `json:"messageType,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	Failure     *Failure  `json:"failure,omitempty"`
}

type Failure struct {
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewEnvelope wraps v for the wire.
func NewEnvelope(v codec.Value) (*Envelope, error) {
	body, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{MessageType: v.Tag(), Body: body}, nil
}

// FailureEnvelope carries err back to a sender. Errors that are not
// *ReplyError become recipient failures.
func FailureEnvelope(err error) *Envelope {
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		replyErr = RecipientError(-1, err.Error())
	}
	return &Envelope{Failure: &Failure{
		Type:    replyErr.Type.String(),
		Code:    replyErr.Code,
		Message: replyErr.Message,
	}}
}

// ReplyEnvelope wraps the answer a consumer gives to a send.
func ReplyEnvelope(v codec.Value, err error) *Envelope {
	if err != nil {
		return FailureEnvelope(err)
	}
	env, err := NewEnvelope(v)
	if err != nil {
		return FailureEnvelope(err)
	}
	return env
}

// Value decodes the body back into a typed value.
func (e *Envelope) Value() (codec.Value, error) {
	if !e.MessageType.Valid() {
		return nil, fmt.Errorf("envelope %s has no message type", e.ID)
	}
	return codec.Decode(e.Body, e.MessageType)
}

// Result resolves a reply envelope to what a ReplyHandler expects.
func (e *Envelope) Result() (codec.Value, error) {
	if e.Failure != nil {
		failureType, err := ParseFailureType(e.Failure.Type)
		if err != nil {
			failureType = RecipientFailure
		}
		return nil, &ReplyError{Type: failureType, Code: e.Failure.Code, Message: e.Failure.Message}
	}
	return e.Value()
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return &e, nil
}
