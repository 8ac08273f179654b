// Package wire defines the JSON envelope exchanged between peers over a
// websocket text frame: {"type": <int>, "data": <object>}.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedMessage is returned when a frame does not decode into a
// valid envelope, or a known type carries a payload that doesn't match
// its schema.
var ErrMalformedMessage = errors.New("wire: malformed message")

// MessageType is the envelope's "type" discriminator.
type MessageType int

const (
	MessageJoin       MessageType = 1
	MessageWelcome    MessageType = 2
	MessageReadyToAdd MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageJoin:
		return "JOIN"
	case MessageWelcome:
		return "WELCOME"
	case MessageReadyToAdd:
		return "READY_TO_ADD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// JoinPayload is the body of a JOIN message (follower → leader).
type JoinPayload struct {
	UUID     uuid.UUID `json:"uuid"`
	Hostname string    `json:"hostname"`
	Address  string    `json:"address"`
	Token    string    `json:"token"`
}

// WelcomePayload is the body of a WELCOME message (leader → follower).
type WelcomePayload struct {
	ClusterUUID uuid.UUID `json:"cluster_uuid"`
	PubKey      string    `json:"pubkey"`
}

// ReadyToAddPayload is reserved; the router drops messages of this type.
type ReadyToAddPayload struct{}

// Message is a tagged variant over the three payload types. Exactly one
// of Join, Welcome, ReadyToAdd is non-nil, selected by Type. Keeping this
// as a Go struct (rather than an interface{} grab-bag) means a caller
// that forgets to check Type before dereferencing a payload field gets a
// nil-pointer panic immediately instead of a silent type assertion bug.
type Message struct {
	Type       MessageType
	Join       *JoinPayload
	Welcome    *WelcomePayload
	ReadyToAdd *ReadyToAddPayload
}

// NewJoin builds a JOIN envelope.
func NewJoin(id uuid.UUID, hostname, address, token string) Message {
	return Message{Type: MessageJoin, Join: &JoinPayload{
		UUID: id, Hostname: hostname, Address: address, Token: token,
	}}
}

// NewWelcome builds a WELCOME envelope.
func NewWelcome(clusterUUID uuid.UUID, pubkey string) Message {
	return Message{Type: MessageWelcome, Welcome: &WelcomePayload{
		ClusterUUID: clusterUUID, PubKey: pubkey,
	}}
}

// NewReadyToAdd builds a READY_TO_ADD envelope.
func NewReadyToAdd() Message {
	return Message{Type: MessageReadyToAdd, ReadyToAdd: &ReadyToAddPayload{}}
}

type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON renders the tagged variant back into {"type", "data"}.
func (m Message) MarshalJSON() ([]byte, error) {
	var data interface{}
	switch m.Type {
	case MessageJoin:
		if m.Join == nil {
			return nil, fmt.Errorf("%w: JOIN message with nil payload", ErrMalformedMessage)
		}
		data = m.Join
	case MessageWelcome:
		if m.Welcome == nil {
			return nil, fmt.Errorf("%w: WELCOME message with nil payload", ErrMalformedMessage)
		}
		data = m.Welcome
	case MessageReadyToAdd:
		data = struct{}{}
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, int(m.Type))
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Type, Data: raw})
}

// UnmarshalJSON decodes {"type", "data"} and dispatches data into the
// matching payload field based on type.
func (m *Message) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	m.Type = env.Type
	m.Join, m.Welcome, m.ReadyToAdd = nil, nil, nil

	switch env.Type {
	case MessageJoin:
		var p JoinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("%w: join payload: %v", ErrMalformedMessage, err)
		}
		m.Join = &p
	case MessageWelcome:
		var p WelcomePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("%w: welcome payload: %v", ErrMalformedMessage, err)
		}
		m.Welcome = &p
	case MessageReadyToAdd:
		m.ReadyToAdd = &ReadyToAddPayload{}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, int(env.Type))
	}
	return nil
}
