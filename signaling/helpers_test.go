package signaling

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BrownNPC/sigrelay"
	"github.com/BrownNPC/sigrelay/internal"
	"github.com/BrownNPC/sigrelay/internal/metrics"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const testTimeout = 5 * time.Second

type testRelay struct {
	srv *WebsocketSignalingServer
	url string
	reg *prometheus.Registry
}

func newTestRelay(t *testing.T, opts Options) *testRelay {
	t.Helper()
	reg := prometheus.NewRegistry()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(reg)
	}
	srv := NewWebsocketSignalingServer(slog.New(slog.DiscardHandler), opts)
	ts := httptest.NewServer(srv.Mux)
	t.Cleanup(ts.Close)
	return &testRelay{
		srv: srv,
		url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		reg: reg,
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// dial a raw websocket, bypassing Client.
func (r *testRelay) dialRaw(t *testing.T, subprotocol string) *websocket.Conn {
	t.Helper()
	var opts websocket.DialOptions
	if subprotocol != "" {
		opts.Subprotocols = []string{subprotocol}
	}
	conn, _, err := websocket.Dial(testContext(t), r.url, &opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func (r *testRelay) dial(t *testing.T, opts ClientOptions) *Client {
	t.Helper()
	if opts.Log == nil {
		opts.Log = slog.New(slog.DiscardHandler)
	}
	c, err := Dial(testContext(t), r.url, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.conn.CloseNow() })
	return c
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	typ, b, err := conn.Read(testContext(t))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("frame type = %v, want text", typ)
	}
	return string(b)
}

func writeText(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	if err := conn.Write(testContext(t), websocket.MessageText, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, c *Client) Envelope {
	t.Helper()
	env, err := c.Recv(testContext(t))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return env
}

// welcomeID reads the welcome frame from a raw connection.
func welcomeID(t *testing.T, conn *websocket.Conn) sigrelay.ClientID {
	t.Helper()
	env, err := jsonCodec{}.decode([]byte(readText(t, conn)))
	if err != nil {
		t.Fatal(err)
	}
	id, err := ParseWelcome(env)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// counterValue returns the value of a counter series, 0 if absent.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// sequenceGen hands out ids in order, then falls back to uuids.
func sequenceGen(ids ...sigrelay.ClientID) func() sigrelay.ClientID {
	var mu sync.Mutex
	return func() sigrelay.ClientID {
		mu.Lock()
		defer mu.Unlock()
		if len(ids) == 0 {
			return internal.UUIDClientID()
		}
		id := ids[0]
		ids = ids[1:]
		return id
	}
}

type fakeHandle struct {
	mu   sync.Mutex
	got  []Envelope
	fail error
}

func (h *fakeHandle) Send(_ context.Context, env Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return h.fail
	}
	h.got = append(h.got, env)
	return nil
}
