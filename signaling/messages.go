package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BrownNPC/sigrelay"
	"github.com/coder/websocket"
	"github.com/shamaton/msgpack/v2"
)

// Client -> Server Envelope{Kind, Target, Payload}
//
// Server -> Client Envelope{Kind, From, Payload}
//
// Payload is never parsed by the relay. It is forwarded byte for byte.
type Envelope struct {
	Kind    sigrelay.Kind
	Target  sigrelay.ClientID
	From    sigrelay.ClientID
	Payload []byte
}

// Welcome payload. Server -> Client, right after the socket is opened.
type Welcome struct {
	ID sigrelay.ClientID `json:"id"`
}

func welcomeEnvelope(id sigrelay.ClientID) (Envelope, error) {
	b, err := json.Marshal(Welcome{ID: id})
	if err != nil {
		return Envelope{}, fmt.Errorf("signaling.welcomeEnvelope: %w", err)
	}
	return Envelope{Kind: sigrelay.KindWelcome, Payload: b}, nil
}

// ParseWelcome extracts the assigned id from a welcome envelope.
func ParseWelcome(env Envelope) (sigrelay.ClientID, error) {
	if env.Kind != sigrelay.KindWelcome {
		return "", fmt.Errorf("signaling.ParseWelcome: expected %s, got %q: %w", sigrelay.KindWelcome, env.Kind, ErrMalformedMessage)
	}
	var w Welcome
	if err := json.Unmarshal(env.Payload, &w); err != nil || w.ID == "" {
		return "", fmt.Errorf("signaling.ParseWelcome: bad payload: %w", ErrMalformedMessage)
	}
	return w.ID, nil
}

// validateInbound checks an envelope sent by a client.
// Only offer, answer and candidate may be sent, and they need a target.
func (env Envelope) validateInbound() error {
	if !env.Kind.Forwardable() {
		return fmt.Errorf("kind %q is not forwardable: %w", env.Kind, ErrMalformedMessage)
	}
	if env.Target == "" {
		return fmt.Errorf("%s without target: %w", env.Kind, ErrMalformedMessage)
	}
	return nil
}

// codec converts envelopes to and from websocket frames.
// One is picked per connection from the negotiated subprotocol.
type codec interface {
	messageType() websocket.MessageType
	encode(Envelope) ([]byte, error)
	decode([]byte) (Envelope, error)
}

func codecFor(subprotocol string) codec {
	if subprotocol == sigrelay.SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

// JSON text frames:
//
//	{"kind":"offer","target":"<id>","payload":<opaque>}
type jsonCodec struct{}

type jsonHeader struct {
	Kind   sigrelay.Kind     `json:"kind"`
	Target sigrelay.ClientID `json:"target,omitempty"`
	From   sigrelay.ClientID `json:"from,omitempty"`
}

type jsonEnvelope struct {
	jsonHeader
	Payload json.RawMessage `json:"payload"`
}

func (jsonCodec) messageType() websocket.MessageType { return websocket.MessageText }

// encode splices the payload in as is.
// json.Marshal would compact and escape a RawMessage.
func (jsonCodec) encode(env Envelope) ([]byte, error) {
	head, err := json.Marshal(jsonHeader{Kind: env.Kind, Target: env.Target, From: env.From})
	if err != nil {
		return nil, err
	}
	if len(env.Payload) == 0 {
		return head, nil
	}
	if !json.Valid(env.Payload) {
		return nil, fmt.Errorf("payload is not valid json: %w", ErrMalformedMessage)
	}
	var b bytes.Buffer
	b.Grow(len(head) + len(env.Payload) + len(`,"payload":`))
	b.Write(head[:len(head)-1])
	b.WriteString(`,"payload":`)
	b.Write(env.Payload)
	b.WriteByte('}')
	return b.Bytes(), nil
}

// Field names of the JSON envelope. encoding/json matches keys case
// insensitively; the wire format does not.
var jsonFields = [...]string{"kind", "target", "from", "payload"}

func (jsonCodec) decode(b []byte) (Envelope, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return Envelope{}, err
	}
	for k := range keys {
		for _, f := range jsonFields {
			if k != f && strings.EqualFold(k, f) {
				return Envelope{}, fmt.Errorf("field %q must be spelled %q", k, f)
			}
		}
	}
	var msg jsonEnvelope
	if err := json.Unmarshal(b, &msg); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Kind:    msg.Kind,
		Target:  msg.Target,
		From:    msg.From,
		Payload: msg.Payload,
	}, nil
}

// msgpack binary frames, the envelope marshaled as an array:
//
//	[kind, target, from, payload]
type msgpackCodec struct{}

type msgpackEnvelope struct {
	Kind    string
	Target  string
	From    string
	Payload []byte
}

func (msgpackCodec) messageType() websocket.MessageType { return websocket.MessageBinary }

func (msgpackCodec) encode(env Envelope) ([]byte, error) {
	return msgpack.MarshalAsArray(msgpackEnvelope{
		Kind:    string(env.Kind),
		Target:  string(env.Target),
		From:    string(env.From),
		Payload: env.Payload,
	})
}

func (msgpackCodec) decode(b []byte) (Envelope, error) {
	msg := new(msgpackEnvelope)
	if err := msgpack.UnmarshalAsArray(b, msg); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Kind:    sigrelay.Kind(msg.Kind),
		Target:  sigrelay.ClientID(msg.Target),
		From:    sigrelay.ClientID(msg.From),
		Payload: msg.Payload,
	}, nil
}

// Encode env with c and write it to conn.
// Error if encode or write fails. A write that does not finish within
// timeout closes conn.
func writeEnvelope(ctx context.Context, conn *websocket.Conn, c codec, env Envelope, timeout time.Duration) error {
	b, err := c.encode(env)
	if err != nil {
		return fmt.Errorf("signaling.writeEnvelope: failed to encode %s: %w: %w", env.Kind, ErrChannelWrite, err)
	}

	if err = writeFrame(ctx, conn, c.messageType(), b, timeout); err != nil {
		return fmt.Errorf("signaling.writeEnvelope: failed to write %s: %w", env.Kind, err)
	}
	return nil
}

// Write an encoded frame. A write that does not finish within timeout
// closes conn.
func writeFrame(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, b []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Write(ctx, typ, b); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelWrite, err)
	}
	return nil
}

// Read one frame from conn and decode it with c.
//
// Errors wrapping ErrMalformedMessage leave conn usable; any other error
// means the connection is gone.
func readEnvelope(ctx context.Context, conn *websocket.Conn, c codec) (Envelope, error) {
	t, b, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("signaling.readEnvelope: %w", err)
	}
	if t != c.messageType() {
		return Envelope{}, fmt.Errorf("signaling.readEnvelope: unexpected frame type %v: %w", t, ErrMalformedMessage)
	}
	env, err := c.decode(b)
	if err != nil {
		return Envelope{}, fmt.Errorf("signaling.readEnvelope: failed to decode: %w: %w", ErrMalformedMessage, err)
	}
	return env, nil
}
