package communication

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// envelope is the wire form of every message
type envelope struct {
	Op   Op
	Args json.RawMessage
}

func toEnvelope(m Message) (envelope, error) {
	if m == nil {
		return envelope{}, errors.New("nil message")
	}
	args, err := json.Marshal(m)
	if err != nil {
		return envelope{}, errors.Wrapf(err, "fail to marshal %s", m.Op())
	}
	return envelope{Op: m.Op(), Args: args}, nil
}

func fromEnvelope(env envelope) (Message, error) {
	m := newMessage(env.Op)
	if m == nil {
		return nil, NewError(MalformedMessage, "unknown operation %q", env.Op)
	}
	if len(env.Args) == 0 {
		return nil, NewError(MalformedMessage, "%s without arguments", env.Op)
	}
	if err := json.Unmarshal(env.Args, m); err != nil {
		return nil, WrapError(MalformedMessage, err, "fail to unmarshal %s", env.Op)
	}
	if u, ok := m.(Update); ok && u.ChangeID().IsZero() {
		return nil, NewError(MalformedMessage, "%s without change id", env.Op)
	}
	return m, nil
}

// Encode returns the wire form of m
func Encode(m Message) ([]byte, error) {
	env, err := toEnvelope(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses one message. Truncated or unrecognized input is a MalformedMessage error.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, WrapError(MalformedMessage, err, "fail to unmarshal envelope")
	}
	return fromEnvelope(env)
}

// DecodeUpdate is Decode restricted to update messages
func DecodeUpdate(b []byte) (Update, error) {
	m, err := Decode(b)
	if err != nil {
		return nil, err
	}
	u, ok := m.(Update)
	if !ok {
		return nil, NewError(MalformedMessage, "%s is not an update", m.Op())
	}
	return u, nil
}
