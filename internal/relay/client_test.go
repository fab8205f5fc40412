package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"command-relay/internal/logging"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clientPair upgrades one connection and wraps the server side in a Client.
func clientPair(t *testing.T, opts clientOptions) (*Client, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *Client, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- newClient(conn, r.RemoteAddr, opts, logging.Discard())
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case c := <-serverSide:
		t.Cleanup(func() {
			c.Close(websocket.CloseNormalClosure, "")
			c.Wait()
		})
		return c, conn
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
		return nil, nil
	}
}

func defaultClientOptions(clock clockwork.Clock) clientOptions {
	return clientOptions{
		queueSize:      4,
		writeTimeout:   time.Second,
		pingInterval:   30 * time.Second,
		maxMessageSize: 1024,
		clock:          clock,
	}
}

func TestClient_SendDeliversText(t *testing.T) {
	c, conn := clientPair(t, defaultClientOptions(clockwork.NewRealClock()))

	require.NoError(t, c.Send([]byte("lights on")))
	assert.Equal(t, "lights on", readText(t, conn))
}

func TestClient_IDsAreUnique(t *testing.T) {
	a, _ := clientPair(t, defaultClientOptions(clockwork.NewRealClock()))
	b, _ := clientPair(t, defaultClientOptions(clockwork.NewRealClock()))

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestClient_StateTransitions(t *testing.T) {
	c, conn := clientPair(t, defaultClientOptions(clockwork.NewRealClock()))
	assert.Equal(t, StateConnecting, c.State())
	assert.False(t, c.Alive())

	c.advance(StateOpen)
	assert.True(t, c.Alive())

	c.Close(websocket.CloseNormalClosure, "bye")
	c.Wait()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "closed", c.State().String())

	// No transition back out of closed.
	c.advance(StateOpen)
	assert.Equal(t, StateClosed, c.State())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "bye", closeErr.Text)
}

func TestClient_SendAfterClose(t *testing.T) {
	c, _ := clientPair(t, defaultClientOptions(clockwork.NewRealClock()))

	c.Close(websocket.CloseNormalClosure, "")
	c.Close(websocket.CloseGoingAway, "second call is ignored")
	c.Wait()

	assert.ErrorIs(t, c.Send([]byte("late")), ErrClientClosed)
}

func TestClient_SendQueueFull(t *testing.T) {
	opts := defaultClientOptions(clockwork.NewRealClock())
	c := &Client{
		send: make(chan []byte, 1),
		done: make(chan struct{}),
		opts: opts,
	}

	require.NoError(t, c.Send([]byte("first")))
	assert.ErrorIs(t, c.Send([]byte("second")), ErrSendQueueFull)
}

func TestClient_PingsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	opts := defaultClientOptions(clock)
	_, conn := clientPair(t, opts)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	clock.BlockUntil(1)
	clock.Advance(opts.pingInterval)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a ping after one interval")
	}
}

func TestClient_ReadPumpRejectsBinary(t *testing.T) {
	c, conn := clientPair(t, defaultClientOptions(clockwork.NewRealClock()))

	var got []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.readPump(func(message []byte) { got = append(got, string(message)) })
	}()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("one")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff}))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errUnsupportedFrame)
	case <-time.After(2 * time.Second):
		t.Fatal("read pump did not stop")
	}
	assert.Equal(t, []string{"one"}, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestClient_DeadlinesUseWallClock(t *testing.T) {
	// A fake clock far in the past must not make every socket deadline expire.
	c, conn := clientPair(t, defaultClientOptions(clockwork.NewFakeClock()))

	require.NoError(t, c.Send([]byte("still delivered")))
	assert.Equal(t, "still delivered", readText(t, conn))
}
