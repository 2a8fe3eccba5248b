package chat

import (
	"encoding/json"
	"errors"
)

// Frame types exchanged over the chat WebSocket.
const (
	FrameMessage    = "message"
	FrameTyping     = "typing"
	FrameNewMessage = "new_message"
	FrameError      = "error"
)

var (
	// ErrUnexpectedFrame is returned when a typed accessor is used on a frame of another type.
	ErrUnexpectedFrame = errors.New("unexpected frame type")
	// ErrMalformedFrame is returned for payloads that are not valid JSON.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is a single JSON object on the wire. Outbound frames only carry
// Type and Content; inbound frames may carry any of the other fields
// depending on Type. The "message" field is an object for new_message
// and a string for error, so it is kept raw. Inbound fields whose JSON
// type does not match are left zero and can be read from Raw.
type Frame struct {
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	UserID   int64           `json:"user_id,omitempty"`
	UserName string          `json:"user_name,omitempty"`

	// Raw holds the undecoded frame for server types this client does not model.
	Raw json.RawMessage `json:"-"`
}

// DecodeFrame parses an inbound text frame. Only invalid JSON is an error:
// frames of unknown types, or whose fields do not fit the modelled ones,
// are returned with Raw set.
func DecodeFrame(data []byte) (Frame, error) {
	if !json.Valid(data) {
		return Frame{}, ErrMalformedFrame
	}
	f := Frame{Raw: append(json.RawMessage(nil), data...)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// valid JSON but not an object
		return f, nil
	}

	decodeField(fields, "type", &f.Type)
	decodeField(fields, "content", &f.Content)
	decodeField(fields, "user_id", &f.UserID)
	decodeField(fields, "user_name", &f.UserName)
	if msg, ok := fields["message"]; ok && string(msg) != "null" {
		f.Message = msg
	}
	return f, nil
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	// a mismatched type leaves dst untouched
	_ = json.Unmarshal(raw, dst)
}

// ChatMessage decodes the payload of a new_message frame.
func (f Frame) ChatMessage() (Message, error) {
	if f.Type != FrameNewMessage {
		return Message{}, ErrUnexpectedFrame
	}
	var msg Message
	if err := json.Unmarshal(f.Message, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ErrorText returns the server supplied reason of an error frame.
func (f Frame) ErrorText() string {
	if f.Type != FrameError || len(f.Message) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(f.Message, &text); err != nil {
		return string(f.Message)
	}
	return text
}

// NewMessageFrame builds an outbound chat message.
func NewMessageFrame(content string) Frame {
	return Frame{Type: FrameMessage, Content: content}
}

// NewTypingFrame builds an outbound typing notification.
func NewTypingFrame() Frame {
	return Frame{Type: FrameTyping}
}
