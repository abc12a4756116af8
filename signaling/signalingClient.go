package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BrownNPC/sigrelay"
	"github.com/coder/websocket"
	"github.com/pion/ice/v4"
)

// Client is the peer side of the relay. It owns one websocket and the id
// the relay assigned to it. A reconnect yields a new Client and a new id.
type Client struct {
	conn    *websocket.Conn
	codec   codec
	id      sigrelay.ClientID
	timeout time.Duration
	log     *slog.Logger
}

type ClientOptions struct {
	Dial websocket.DialOptions
	// sigrelay.SubprotocolJSON (default) or sigrelay.SubprotocolMsgpack.
	Subprotocol string
	// Close if writes take longer than this. Default 5s.
	WriteTimeout time.Duration
	// a nil Log will use slog.Default().
	Log *slog.Logger
}

// Dial connects to the relay at url (ws:// or wss://) and waits for the
// welcome message. ctx bounds the whole handshake.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultLimits.WriteTimeout
	}
	if opts.Subprotocol == "" {
		opts.Subprotocol = sigrelay.SubprotocolJSON
	}
	opts.Dial.Subprotocols = []string{opts.Subprotocol}

	conn, _, err := websocket.Dial(ctx, url, &opts.Dial)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %v %w", url, err)
	}
	c := &Client{
		conn:    conn,
		codec:   codecFor(conn.Subprotocol()),
		timeout: opts.WriteTimeout,
		log:     opts.Log,
	}

	// expect the relay to send welcome right after the socket opens.
	env, err := readEnvelope(ctx, conn, c.codec)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("signaling.Dial: failed to read welcome: %w", err)
	}
	c.id, err = ParseWelcome(env)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "expected welcome")
		return nil, err
	}
	c.log = c.log.With("id", c.id)
	return c, nil
}

// ID returns the identifier the relay assigned to this connection.
func (c *Client) ID() sigrelay.ClientID { return c.id }

// Send an envelope to target. The relay fills in From.
// payload must be valid JSON when the connection uses the JSON subprotocol.
func (c *Client) Send(ctx context.Context, kind sigrelay.Kind, target sigrelay.ClientID, payload []byte) error {
	env := Envelope{Kind: kind, Target: target, Payload: payload}
	if err := env.validateInbound(); err != nil {
		return fmt.Errorf("signaling.Send: %w", err)
	}
	return writeEnvelope(ctx, c.conn, c.codec, env, c.timeout)
}

// SendJSON marshals v and sends it as the payload.
func (c *Client) SendJSON(ctx context.Context, kind sigrelay.Kind, target sigrelay.ClientID, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("signaling.SendJSON: failed to marshal %T %v", v, err)
	}
	return c.Send(ctx, kind, target, b)
}

// Recv blocks until the next envelope arrives.
// Cancelling ctx closes the connection.
func (c *Client) Recv(ctx context.Context) (Envelope, error) {
	return readEnvelope(ctx, c.conn, c.codec)
}

// Listen blocks the goroutine, passing every envelope to handle until the
// connection fails or ctx is done. Undecodable frames are logged and skipped.
func (c *Client) Listen(ctx context.Context, handle func(Envelope)) error {
	for {
		env, err := c.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				c.log.Debug("Skipping malformed message", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		handle(env)
	}
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "disconnecting")
}

// CandidateInit mirrors the browser's RTCIceCandidateInit, so Go and browser
// peers can trickle candidates to each other.
type CandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SendCandidate trickles a local ICE candidate to target.
// A nil candidate (end of gathering) is sent as an empty candidate string.
func (c *Client) SendCandidate(ctx context.Context, target sigrelay.ClientID, cand ice.Candidate) error {
	var init CandidateInit
	if cand != nil {
		init.Candidate = "candidate:" + cand.Marshal()
	}
	mid, idx := "0", uint16(0)
	init.SDPMid, init.SDPMLineIndex = &mid, &idx
	return c.SendJSON(ctx, sigrelay.KindCandidate, target, init)
}

// OnCandidate returns a callback for ice.Agent.OnCandidate that sends
// every gathered candidate to target.
func (c *Client) OnCandidate(target sigrelay.ClientID) func(ice.Candidate) {
	return func(cand ice.Candidate) {
		if cand == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.SendCandidate(ctx, target, cand); err != nil {
			c.log.Error("failed to send ice candidate", "target", target, "error", err)
		}
	}
}

// ParseCandidate decodes a candidate payload sent by SendCandidate or a browser.
// It returns a nil Candidate for the end-of-candidates marker.
func ParseCandidate(payload []byte) (ice.Candidate, error) {
	var init CandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return nil, fmt.Errorf("signaling.ParseCandidate: %w", err)
	}
	if init.Candidate == "" {
		return nil, nil
	}
	cand, err := ice.UnmarshalCandidate(init.Candidate)
	if err != nil {
		return nil, fmt.Errorf("signaling.ParseCandidate: %w", err)
	}
	return cand, nil
}
