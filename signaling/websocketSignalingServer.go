package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrownNPC/sigrelay"
	"github.com/BrownNPC/sigrelay/internal"
	"github.com/BrownNPC/sigrelay/internal/metrics"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// Serverside implementation of the Websocket Signaling Relay.
//
// Every client gets an id on connect. After that the relay only forwards
// offer, answer and candidate envelopes to the client named by Target,
// stamping From with the sender's id.
type WebsocketSignalingServer struct {
	opts websocket.AcceptOptions
	// map client id to its connection. Owned by the relay, shared by every
	// connection goroutine.
	clients *Registry
	newID   internal.IDGenerator
	limits  Limits
	metrics *metrics.Relay
	Mux     *http.ServeMux
	log     *slog.Logger
	// set by Shutdown; no new clients are accepted after that.
	closing atomic.Bool
}

// Limits are the per connection knobs of the relay.
type Limits struct {
	// Frames larger than this close the connection.
	MaxMessageBytes int64
	// Inbound messages per second. Excess messages are dropped.
	// Zero disables rate limiting.
	RateLimit rate.Limit
	RateBurst int
	// Zero disables the ping loop.
	PingInterval time.Duration
	// Close if writes take longer than this.
	WriteTimeout time.Duration
	// Envelopes waiting to be written to one client. Forwards to a client
	// whose queue is full are dropped.
	OutboundQueue int
}

// DefaultLimits match the defaults of the config package.
var DefaultLimits = Limits{
	MaxMessageBytes: 64 * 1024,
	RateLimit:       20,
	RateBurst:       40,
	PingInterval:    20 * time.Second,
	WriteTimeout:    5 * time.Second,
	OutboundQueue:   32,
}

type Options struct {
	Accept websocket.AcceptOptions
	// nil creates a fresh Registry.
	Registry *Registry
	// nil uses internal.UUIDClientID.
	IDGenerator internal.IDGenerator
	Limits      Limits
	// nil records nothing.
	Metrics *metrics.Relay
}

// Uses Default logger if logger is nil.
// Zero fields of opts.Limits are taken from DefaultLimits,
// except RateLimit and PingInterval where zero means disabled.
func NewWebsocketSignalingServer(log *slog.Logger, opts Options) *WebsocketSignalingServer {
	if log == nil {
		log = slog.Default()
	}
	s := new(WebsocketSignalingServer)
	s.log = log
	s.opts = opts.Accept
	if len(s.opts.Subprotocols) == 0 {
		s.opts.Subprotocols = []string{sigrelay.SubprotocolJSON, sigrelay.SubprotocolMsgpack}
	}
	s.clients = opts.Registry
	if s.clients == nil {
		s.clients = NewRegistry()
	}
	s.newID = opts.IDGenerator
	if s.newID == nil {
		s.newID = internal.UUIDClientID
	}
	s.limits = opts.Limits
	if s.limits.MaxMessageBytes <= 0 {
		s.limits.MaxMessageBytes = DefaultLimits.MaxMessageBytes
	}
	if s.limits.WriteTimeout <= 0 {
		s.limits.WriteTimeout = DefaultLimits.WriteTimeout
	}
	if s.limits.OutboundQueue <= 0 {
		s.limits.OutboundQueue = DefaultLimits.OutboundQueue
	}
	if s.limits.RateLimit > 0 && s.limits.RateBurst <= 0 {
		s.limits.RateBurst = max(1, int(s.limits.RateLimit))
	}
	s.metrics = opts.Metrics
	s.Mux = new(http.ServeMux)
	s.Mux.HandleFunc("GET /ws", s.serveWs)
	s.Mux.HandleFunc("GET /health", health)
	return s
}

// Registry returns the registry shared by all connections.
func (s *WebsocketSignalingServer) Registry() *Registry {
	return s.clients
}

// GET /health
func health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

// wsClient is the Handle of a connected websocket.
//
// Send only queues the encoded frame; writeLoop owns the socket's write side.
// A slow client therefore never stalls the goroutine forwarding to it.
type wsClient struct {
	conn    *websocket.Conn
	codec   codec
	timeout time.Duration
	// bound before registration, so the welcome can be written first.
	id     sigrelay.ClientID
	out    chan []byte
	closed chan struct{}
}

func newWSClient(conn *websocket.Conn, c codec, limits Limits) *wsClient {
	return &wsClient{
		conn:    conn,
		codec:   c,
		timeout: limits.WriteTimeout,
		out:     make(chan []byte, limits.OutboundQueue),
		closed:  make(chan struct{}),
	}
}

func (c *wsClient) bindID(id sigrelay.ClientID) { c.id = id }

func (c *wsClient) Send(_ context.Context, env Envelope) error {
	b, err := c.codec.encode(env)
	if err != nil {
		return fmt.Errorf("signaling.wsClient.Send: failed to encode %s: %w: %w", env.Kind, ErrChannelWrite, err)
	}
	select {
	case <-c.closed:
		return fmt.Errorf("signaling.wsClient.Send: %s: client closed: %w", c.id, ErrChannelWrite)
	default:
	}
	select {
	case c.out <- b:
		return nil
	default:
		return fmt.Errorf("signaling.wsClient.Send: %s: outbound queue full: %w", c.id, ErrChannelWrite)
	}
}

func (c *wsClient) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// GET /ws
func (s *WebsocketSignalingServer) serveWs(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &s.opts)
	if err != nil {
		s.log.Debug("Failed to accept client", "error", err)
		return
	}
	// incase it leaks somehow
	defer conn.CloseNow()
	conn.SetReadLimit(s.limits.MaxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newWSClient(conn, codecFor(conn.Subprotocol()), s.limits)
	defer close(c.closed)

	// regenerates until the id is not taken by a connected client.
	// Forwards to id are queued from here on and written after welcome.
	id := s.clients.Allocate(s.newID, c)
	defer s.clients.Unregister(id)
	if s.closing.Load() {
		// Shutdown may have ranged over the registry before id was added.
		c.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	s.metrics.Connected()
	defer s.metrics.Disconnected()

	log := s.log.With("id", id)
	log.Debug("Client connected", "remote", r.RemoteAddr, "subprotocol", conn.Subprotocol())
	defer log.Debug("Client disconnected")

	go s.writeLoop(ctx, c, log)
	if s.limits.PingInterval > 0 {
		go s.pingLoop(ctx, conn, log)
	}

	lim := rate.NewLimiter(rate.Inf, 0)
	if s.limits.RateLimit > 0 {
		lim = rate.NewLimiter(s.limits.RateLimit, s.limits.RateBurst)
	}
	for {
		env, err := readEnvelope(ctx, conn, c.codec)
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				s.drop(log, metrics.DropReasonMalformed, err)
				continue
			}
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug("Client read failed", "error", err)
			}
			return
		}
		if !lim.Allow() {
			s.drop(log, metrics.DropReasonRateLimited, nil)
			continue
		}
		s.forward(log, id, env)
	}
}

// writeLoop tells the client its id, then drains its outbound queue.
// A failed write closes conn, which ends the read loop.
func (s *WebsocketSignalingServer) writeLoop(ctx context.Context, c *wsClient, log *slog.Logger) {
	welcome, err := welcomeEnvelope(c.id)
	if err != nil {
		log.Error("Failed to build welcome message", "error", err)
		c.conn.CloseNow()
		return
	}
	if err = writeEnvelope(ctx, c.conn, c.codec, welcome, c.timeout); err != nil {
		log.Debug("Failed to send welcome message", "error", err)
		c.conn.CloseNow()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.out:
			if err := writeFrame(ctx, c.conn, c.codec.messageType(), b, c.timeout); err != nil {
				if ctx.Err() == nil {
					s.drop(log, metrics.DropReasonWriteFailed, err)
					c.conn.CloseNow()
				}
				return
			}
		}
	}
}

// forward relays env from the client `from` to env.Target.
// Failures are logged and counted, never reported to the sender.
func (s *WebsocketSignalingServer) forward(log *slog.Logger, from sigrelay.ClientID, env Envelope) {
	if err := env.validateInbound(); err != nil {
		s.drop(log, metrics.DropReasonMalformed, err)
		return
	}
	target, err := s.clients.Lookup(env.Target)
	if err != nil {
		// target may have disconnected mid negotiation.
		s.drop(log, metrics.DropReasonUnknownTarget, err)
		return
	}
	out := Envelope{
		Kind:    env.Kind,
		From:    from,
		Payload: env.Payload,
	}
	// only queues; never waits on the target's socket.
	if err = target.Send(context.Background(), out); err != nil {
		s.drop(log, metrics.DropReasonWriteFailed, err)
		return
	}
	s.metrics.Forwarded(string(env.Kind))
}

func (s *WebsocketSignalingServer) drop(log *slog.Logger, reason string, err error) {
	s.metrics.Dropped(reason)
	if err != nil {
		log.Debug("Dropping message", "reason", reason, "error", err)
		return
	}
	log.Debug("Dropping message", "reason", reason)
}

// Ping loop. A failed ping closes conn, which ends the read loop.
func (s *WebsocketSignalingServer) pingLoop(ctx context.Context, conn *websocket.Conn, log *slog.Logger) {
	t := time.NewTicker(s.limits.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, s.limits.WriteTimeout)
		err := conn.Ping(pctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("Client shutting down ping loop", "error", err)
				conn.CloseNow()
			}
			return
		}
	}
}

// Shutdown stops accepting clients and closes every registered connection
// with StatusGoingAway.
// The http.Server is not touched; hijacked connections are not tracked by it.
func (s *WebsocketSignalingServer) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	var wg sync.WaitGroup
	s.clients.Range(func(id sigrelay.ClientID, h Handle) bool {
		c, ok := h.(interface {
			Close(websocket.StatusCode, string) error
		})
		if !ok {
			return true
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(websocket.StatusGoingAway, "relay shutting down")
		}()
		return true
	})
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
