package models

import (
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"

	"github.com/whookdev/busbridge/internal/auth"
	"github.com/whookdev/busbridge/internal/codec"
)

var ErrInvalidRequest = errors.New("invalid bridge request")

// Instruction selects how a request is put on the bus.
type Instruction string

const (
	InstructionSend    Instruction = "send"
	InstructionPublish Instruction = "publish"
)

func ParseInstruction(s string) (Instruction, error) {
	switch Instruction(s) {
	case InstructionSend, InstructionPublish:
		return Instruction(s), nil
	default:
		return "", fmt.Errorf("unknown instruction %q", s)
	}
}

// Payload is raw message bytes, carried as base64 text in both JSON and XML.
type Payload []byte

func (p Payload) MarshalText() ([]byte, error) {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(p)))
	base64.StdEncoding.Encode(out, p)
	return out, nil
}

func (p *Payload) UnmarshalText(text []byte) error {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(out, text)
	if err != nil {
		return fmt.Errorf("decoding base64 message: %w", err)
	}
	*p = out[:n]
	return nil
}

// BridgeRequest is an inbound call asking the bridge to put a message on the bus.
type BridgeRequest struct {
	XMLName           xml.Name  `json:"-" xml:"eventBusBridgeRequest"`
	Address           string    `json:"address" xml:"address"`
	Message           Payload   `json:"message" xml:"message"`
	MessageType       codec.Tag `json:"messageType" xml:"messageType"`
	ResponseURL       string    `json:"responseUrl,omitempty" xml:"responseUrl,omitempty"`
	ResponseMediaType string    `json:"responseMediaType,omitempty" xml:"responseMediaType,omitempty"`
}

// Validate checks the fields every request must carry. It does not
// consult the whitelist.
func (r *BridgeRequest) Validate() error {
	if r.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidRequest)
	}
	if r.Message == nil {
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if !r.MessageType.Valid() {
		return fmt.Errorf("%w: messageType is required", ErrInvalidRequest)
	}
	return nil
}

// ValidateResponseURL checks that responseUrl is an absolute http(s) URL.
// Only sends use it, so it is not part of Validate.
func (r *BridgeRequest) ValidateResponseURL() error {
	u, err := url.Parse(r.ResponseURL)
	if err != nil {
		return fmt.Errorf("%w: responseUrl: %v", ErrInvalidRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: responseUrl must be an absolute http(s) URL", ErrInvalidRequest)
	}
	return nil
}

// BridgeResponse is the body posted to a caller's responseUrl once the bus
// has settled a send.
type BridgeResponse struct {
	XMLName     xml.Name  `json:"-" xml:"eventBusBridgeResponse"`
	Address     string    `json:"address" xml:"address"`
	Message     Payload   `json:"message,omitempty" xml:"message,omitempty"`
	MessageType codec.Tag `json:"messageType,omitempty" xml:"messageType,omitempty"`
	Successful  bool      `json:"successful" xml:"successful"`
	Cause       string    `json:"cause,omitempty" xml:"cause,omitempty"`
}

// responseWire is the serialized form of BridgeResponse. A successful
// response always carries message, even when the reply body is empty.
type responseWire struct {
	XMLName     xml.Name  `json:"-" xml:"eventBusBridgeResponse"`
	Address     string    `json:"address" xml:"address"`
	Message     *Payload  `json:"message,omitempty" xml:"message,omitempty"`
	MessageType codec.Tag `json:"messageType,omitempty" xml:"messageType,omitempty"`
	Successful  bool      `json:"successful" xml:"successful"`
	Cause       string    `json:"cause,omitempty" xml:"cause,omitempty"`
}

func (r BridgeResponse) wire() responseWire {
	w := responseWire{
		Address:     r.Address,
		MessageType: r.MessageType,
		Successful:  r.Successful,
		Cause:       r.Cause,
	}
	if r.Successful || r.Message != nil {
		msg := r.Message
		if msg == nil {
			msg = Payload{}
		}
		w.Message = &msg
	}
	return w
}

func (r BridgeResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.wire())
}

func (r BridgeResponse) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	return e.Encode(r.wire())
}

// Marshal serializes v as JSON or XML.
func Marshal(v any, mediaType string) ([]byte, error) {
	switch mediaType {
	case auth.MediaTypeJSON:
		return json.Marshal(v)
	case auth.MediaTypeXML:
		body, err := xml.Marshal(v)
		if err != nil {
			return nil, err
		}
		return append([]byte(xml.Header), body...), nil
	default:
		return nil, fmt.Errorf("unsupported media type %q", mediaType)
	}
}

// Unmarshal parses a JSON or XML body into v.
func Unmarshal(data []byte, mediaType string, v any) error {
	switch mediaType {
	case auth.MediaTypeJSON:
		return json.Unmarshal(data, v)
	case auth.MediaTypeXML:
		return xml.Unmarshal(data, v)
	default:
		return fmt.Errorf("unsupported media type %q", mediaType)
	}
}
