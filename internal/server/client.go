package server

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

const (
	reasonDisconnected     = "disconnected"
	reasonSlowConsumer     = "slow_consumer"
	reasonHandshakeTimeout = "handshake_timeout"
	reasonShutdown         = "shutdown"
)

// Client is one WebSocket connection. Its id is the connection id used by
// the session and room registries.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	settings       ClientSettings
	reason         atomic.Pointer[string]
	logger         *zap.Logger
}

// NewClient creates a Client with a fresh connection id and the hub's
// per-connection limits.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	settings := hub.settings
	if conn != nil && settings.MaxMessageSize > 0 {
		conn.SetReadLimit(settings.MaxMessageSize)
	}

	id := ksuid.New().String()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: settings.MaxMessageSize,
		rateLimiter:    newRateLimiter(settings.RateLimit.Burst, settings.RateLimit.RefillInterval),
		settings:       settings,
		logger:         hub.logger.With(zap.String("conn", id), zap.String("addr", addr)),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// setCloseReason records why the connection is going away. The first
// reason wins.
func (c *Client) setCloseReason(reason string) {
	c.reason.CompareAndSwap(nil, &reason)
}

func (c *Client) closeReason() string {
	if r := c.reason.Load(); r != nil {
		return *r
	}
	return reasonDisconnected
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug("error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching how expected it is.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.hub.metrics.frameRateLimited()
		c.logger.Warn("rate limit exceeded; rejecting frame",
			zap.Int("burst", c.settings.RateLimit.Burst),
			zap.Duration("interval", c.settings.RateLimit.RefillInterval))
		return false
	}
	return true
}

// startHandshakeTimer closes the connection if no session key has been
// established once the handshake timeout elapses.
func (c *Client) startHandshakeTimer() *time.Timer {
	if c.settings.HandshakeTimeout <= 0 {
		return nil
	}
	return time.AfterFunc(c.settings.HandshakeTimeout, func() {
		if c.hub.dispatcher.Established(c.id) {
			return
		}
		c.logger.Info("closing connection without session key", zap.Duration("timeout", c.settings.HandshakeTimeout))
		c.setCloseReason(reasonHandshakeTimeout)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "key exchange timeout")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// readPump feeds inbound frames to the dispatcher in arrival order and runs
// the disconnect cleanup exactly once when the connection ends.
func (c *Client) readPump() {
	timer := c.startHandshakeTimer()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		c.hub.dispatcher.Disconnect(c.id)
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug("error closing connection in readPump", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			c.hub.dispatcher.Throttled(c.id, raw)
			continue
		}

		c.hub.dispatcher.Handle(c.id, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error closing connection in writePump", zap.Error(err))
	}
}

// handleFrame writes one outbound frame and returns false if the connection should be closed
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	// Each frame is its own binary message; frames are never coalesced.
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing frame", zap.Error(err))
		}
		return false
	}
	return true
}

func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", zap.Error(err))
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Debug("error writing ping", zap.Error(err))
		return false
	}
	return true
}

// isExpectedCloseError reports errors that only mean the connection is
// already gone.
func isExpectedCloseError(err error) bool {
	return err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
