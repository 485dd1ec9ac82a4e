package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/config"
)

// Dispatcher consumes inbound frames and connection lifecycle events.
type Dispatcher interface {
	Handle(connID string, raw []byte)
	Disconnect(connID string)
	Established(connID string) bool
	Throttled(connID string, raw []byte)
}

// ClientSettings are the per-connection limits applied by NewClient.
type ClientSettings struct {
	MaxMessageSize   int64
	RateLimit        config.RateLimitConfig
	HandshakeTimeout time.Duration
}

// Hub owns every live connection keyed by connection id. It registers and
// unregisters clients on its own goroutine and queues outbound frames for
// the relay.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	dispatcher Dispatcher
	settings   ClientSettings
	metrics    *Metrics
	logger     *zap.Logger
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub that hands inbound frames to dispatcher.
func NewHub(dispatcher Dispatcher, settings ClientSettings, metrics *Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dispatcher: dispatcher,
		settings:   settings,
		metrics:    metrics,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Send queues frame for connID without blocking. A client whose buffer is
// full is treated as a slow consumer and disconnected.
func (h *Hub) Send(connID string, frame []byte) bool {
	h.mutex.RLock()
	client, ok := h.clients[connID]
	if !ok {
		h.mutex.RUnlock()
		return false
	}
	select {
	case client.send <- frame:
		h.mutex.RUnlock()
		return true
	default:
	}
	h.mutex.RUnlock()

	h.logger.Warn("send buffer full; disconnecting slow client",
		zap.String("conn", connID),
		zap.String("addr", client.addr))
	client.setCloseReason(reasonSlowConsumer)
	h.removeClient(client)
	return false
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// registerClient hands c to the event loop. It reports false once the hub
// has stopped.
func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.metrics.connectionOpened()
			h.logger.Info("client registered",
				zap.String("conn", client.id),
				zap.String("addr", client.addr),
				zap.Int("clients", clientCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// removeClient drops c from the registry and closes its send channel, which
// stops the write pump. Safe to call more than once.
func (h *Hub) removeClient(c *Client) {
	h.mutex.Lock()
	current, ok := h.clients[c.id]
	if !ok || current != c {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c.id)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Send only writes to c.send under the read lock, so closing here is safe.
	close(c.send)
	reason := c.closeReason()
	h.metrics.connectionClosed(reason)
	h.logger.Info("client unregistered",
		zap.String("conn", c.id),
		zap.String("addr", c.addr),
		zap.String("reason", reason),
		zap.Int("clients", clientCount))
}

// shutdownClients closes every connection. Read pumps still run the
// dispatcher's disconnect cleanup on their way out.
func (h *Hub) shutdownClients() {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		client.setCloseReason(reasonShutdown)
		h.removeClient(client)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn("error closing client connection", zap.String("conn", client.id), zap.Error(err))
			}
		}
	}

	h.logger.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown stops the hub and waits for all client goroutines to finish or
// for timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
