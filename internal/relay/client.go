// client.go
// Each connection gets one writer goroutine that owns every write to the socket
// (commands, pings and the close frame). The handler goroutine owns reads.
// Broadcast never touches the socket; it only queues onto the bounded send
// channel and evicts clients whose queue is full.

package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// State is the lifecycle position of a Client.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket deadlines are checked against the wall clock, so they always use
// time.Now; clock only drives the ping ticker.
type clientOptions struct {
	queueSize      int
	writeTimeout   time.Duration
	pingInterval   time.Duration
	maxMessageSize int64
	clock          clockwork.Clock
}

// Client is one browser's WebSocket connection.
type Client struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	opts       clientOptions
	logger     *slog.Logger

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	state      atomic.Int32

	// Set once inside closeOnce, read by the writer after done is closed.
	closeCode   int
	closeReason string
}

var _ Peer = (*Client)(nil)

func newClient(conn *websocket.Conn, remoteAddr string, opts clientOptions, logger *slog.Logger) *Client {
	id := uuid.NewString()
	c := &Client{
		id:         id,
		remoteAddr: remoteAddr,
		conn:       conn,
		opts:       opts,
		logger:     logger.With("client_id", id, "remote_addr", remoteAddr),
		send:       make(chan []byte, opts.queueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State { return State(c.state.Load()) }

// Alive reports whether the client is registered and accepting messages.
func (c *Client) Alive() bool { return c.State() == StateOpen }

// advance moves the state forward; it never moves backwards.
func (c *Client) advance(to State) {
	for {
		cur := c.state.Load()
		if State(cur) >= to {
			return
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Send queues message for the writer without blocking.
func (c *Client) Send(message []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- message:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close starts tearing the connection down. The writer sends a close frame
// with code and reason, then closes the socket, which unblocks the reader.
// Only the first call has any effect.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.advance(StateClosing)
		close(c.done)
	})
}

// Wait blocks until the writer has released the socket.
func (c *Client) Wait() {
	<-c.writerDone
}

func (c *Client) pongWait() time.Duration {
	return 2 * c.opts.pingInterval
}

func (c *Client) writePump() {
	ticker := c.opts.clock.NewTicker(c.opts.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.advance(StateClosed)
		close(c.writerDone)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Write failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.Chan():
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Ping failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.writeClose()
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) writeClose() {
	// 1005 and 1006 are reserved for local use and must not go on the wire.
	if c.closeCode == websocket.CloseAbnormalClosure || c.closeCode == websocket.CloseNoStatusReceived {
		return
	}
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	// Fails with ErrCloseSent when the peer started the close handshake.
	_ = c.write(websocket.CloseMessage, msg)
}

// readPump delivers inbound text frames to onMessage in arrival order until the
// connection fails or closes.
func (c *Client) readPump(onMessage func(message []byte)) error {
	c.conn.SetReadLimit(c.opts.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			c.Close(websocket.CloseUnsupportedData, "text frames only")
			return errUnsupportedFrame
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
		onMessage(message)
	}
}
