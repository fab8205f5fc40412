package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"command-relay/internal/logging"
	"command-relay/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id      string
	sendErr error

	mu        sync.Mutex
	received  [][]byte
	closed    bool
	closeCode int
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(message []byte) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, message)
	return nil
}

func (p *fakePeer) Close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.closeCode = code
	}
}

func (p *fakePeer) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.received))
	for i, m := range p.received {
		out[i] = string(m)
	}
	return out
}

func (p *fakePeer) isClosed() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.closeCode
}

func newTestMetrics() *metrics.RelayMetrics {
	return metrics.NewRelayMetrics(prometheus.NewRegistry())
}

func newTestRelay(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = newTestMetrics()
	}
	return New(opts)
}

// testServer serves relay.Serve behind a gorilla upgrader and returns a dial
// function for test clients.
func testServer(t *testing.T, r *Relay) func() *websocket.Conn {
	t.Helper()
	return testServerWithContext(t, r, nil)
}

// testServerWithContext is testServer with ctx handed to Serve instead of the
// request context.
func testServerWithContext(t *testing.T, r *Relay, ctx context.Context) func() *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		serveCtx := ctx
		if serveCtx == nil {
			serveCtx = req.Context()
		}
		_ = r.Serve(serveCtx, conn, req.RemoteAddr)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	return func() *websocket.Conn {
		t.Helper()
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
}

func waitForClients(t *testing.T, r *Relay, expected int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Len() == expected }, 2*time.Second, time.Millisecond,
		"expected %d registered clients", expected)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(msg)
}

// lockedBuffer lets a logger be written by handler goroutines and read by the
// test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
