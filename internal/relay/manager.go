// manager.go
// The Relay ties the Registry to the per-connection handlers: Serve runs one
// connection from registration to close, Broadcast fans a command out to a
// snapshot of every registered client (the sender included), and Shutdown
// closes everything that is still open.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"command-relay/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultSendQueueSize  = 16
	defaultWriteTimeout   = 5 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultMaxMessageSize = 64 * 1024

	shutdownReason = "server shutting down"
)

type Options struct {
	SendQueueSize  int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.RelayMetrics
}

// Delivery summarises one Broadcast call.
type Delivery struct {
	Recipients int
	Delivered  int
	Failed     int
}

type Relay struct {
	registry *Registry
	opts     clientOptions
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.RelayMetrics

	mu       sync.Mutex
	closed   bool
	handlers sync.WaitGroup
}

func New(opts Options) *Relay {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRelayMetrics(prometheus.NewRegistry())
	}

	return &Relay{
		registry: NewRegistry(),
		opts: clientOptions{
			queueSize:      opts.SendQueueSize,
			writeTimeout:   opts.WriteTimeout,
			pingInterval:   opts.PingInterval,
			maxMessageSize: opts.MaxMessageSize,
			clock:          opts.Clock,
		},
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Registry exposes the connection set, mainly for health reporting and tests.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Len is the number of currently registered connections.
func (r *Relay) Len() int {
	return r.registry.Len()
}

// Broadcast queues message for every registered peer, sender included. A peer
// that cannot take the message is removed and closed; the rest still get it.
func (r *Relay) Broadcast(senderID string, message []byte) Delivery {
	start := r.clock.Now()
	peers := r.registry.Snapshot()

	d := Delivery{Recipients: len(peers)}
	for _, p := range peers {
		if err := p.Send(message); err != nil {
			d.Failed++
			r.evict(p, err)
			continue
		}
		d.Delivered++
	}

	r.metrics.Deliveries.WithLabelValues("ok").Add(float64(d.Delivered))
	r.metrics.Deliveries.WithLabelValues("failed").Add(float64(d.Failed))
	r.metrics.BroadcastDuration.Observe(r.clock.Since(start).Seconds())

	if d.Failed > 0 {
		r.logger.Debug("Broadcast completed with failures",
			"sender_id", senderID,
			"recipients", d.Recipients,
			"failed", d.Failed,
		)
	}
	return d
}

func (r *Relay) evict(p Peer, err error) {
	removed := r.registry.Remove(p.ID())
	if removed {
		r.metrics.ConnectedClients.Dec()
	}

	if errors.Is(err, ErrSendQueueFull) {
		if removed {
			r.metrics.Evictions.Inc()
			r.logger.Warn("Disconnecting slow client", "client_id", p.ID())
		}
		p.Close(websocket.CloseTryAgainLater, "send queue full")
		return
	}
	p.Close(websocket.CloseNormalClosure, "")
}

// enter reserves a handler slot unless Shutdown has started.
func (r *Relay) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.handlers.Add(1)
	return true
}

// Serve runs one upgraded connection until it closes. Every inbound text
// frame is broadcast in the order it was read. A receive error ends only this
// connection and is not reported as an error.
func (r *Relay) Serve(ctx context.Context, conn *websocket.Conn, remoteAddr string) error {
	if !r.enter() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, shutdownReason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(r.opts.writeTimeout))
		_ = conn.Close()
		return ErrShuttingDown
	}
	defer r.handlers.Done()

	client := newClient(conn, remoteAddr, r.opts, r.logger)
	if err := r.registry.Add(client); err != nil {
		if errors.Is(err, ErrRegistryClosed) {
			client.Close(websocket.CloseGoingAway, shutdownReason)
			client.Wait()
			return ErrShuttingDown
		}
		client.logger.Error("Registry rejected connection", "error", err)
		client.Close(websocket.CloseInternalServerErr, "")
		client.Wait()
		return fmt.Errorf("register connection: %w", err)
	}
	client.advance(StateOpen)

	r.metrics.ConnectionsTotal.Inc()
	r.metrics.ConnectedClients.Inc()
	client.logger.Info("Client connected", "clients", r.registry.Len())

	stop := context.AfterFunc(ctx, func() {
		client.Close(websocket.CloseGoingAway, shutdownReason)
	})
	defer stop()

	err := client.readPump(func(message []byte) {
		r.metrics.MessagesReceived.Inc()
		client.logger.Info("Received command", "command", string(message))
		r.Broadcast(client.ID(), message)
	})

	if r.registry.Remove(client.ID()) {
		r.metrics.ConnectedClients.Dec()
	}
	client.Close(websocket.CloseNormalClosure, "")
	client.Wait()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		client.logger.Warn("WebSocket error", "error", err)
	} else {
		client.logger.Debug("Client disconnected", "reason", err)
	}
	return nil
}

// Shutdown closes every registered connection and waits for their handlers to
// return. It returns ctx.Err() if they do not finish in time.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	peers := r.registry.Close()
	r.logger.Info("Relay shutting down", "clients", len(peers))
	for _, p := range peers {
		p.Close(websocket.CloseGoingAway, shutdownReason)
	}
	// A handler can Inc after Close already took its peer; Sub keeps the
	// gauge balanced where Set(0) would not.
	r.metrics.ConnectedClients.Sub(float64(len(peers)))

	done := make(chan struct{})
	go func() {
		r.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Relay stopped gracefully")
		return nil
	case <-ctx.Done():
		r.logger.Warn("Relay shutdown timed out", "error", ctx.Err())
		return ctx.Err()
	}
}
