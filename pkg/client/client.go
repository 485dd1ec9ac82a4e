// Package client is a Go client for the encrypted room relay. It fetches the
// server public key, establishes a session key over the WebSocket, seals
// outgoing commands and opens incoming events.
package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/envelope"
	"github.com/Tyrowin/cipherroom/internal/protocol"
)

// ErrNoSessionKey is returned by commands issued before ExchangeKey.
var ErrNoSessionKey = errors.New("client: session key not established")

// Client is a single relay connection. Reads and writes may run on
// separate goroutines; concurrent reads are not supported.
type Client struct {
	conn      *websocket.Conn
	serverKey *rsa.PublicKey
	logger    *zap.Logger

	mu       sync.RWMutex
	key      []byte
	previous []byte // still accepted for incoming events during a re-exchange
}

// FetchPublicKey downloads and parses the server's RSA public key.
func FetchPublicKey(ctx context.Context, httpClient *http.Client, baseURL string) (*rsa.PublicKey, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/publicKey", http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build public key request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch public key: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch public key: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode public key response: %w", err)
	}
	return ParsePublicKey([]byte(body.PublicKey))
}

// ParsePublicKey parses an SPKI "PUBLIC KEY" PEM block holding an RSA key.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("client: public key is not PEM encoded")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("client: parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("client: public key is %T, want RSA", parsed)
	}
	return pub, nil
}

// Dial fetches the server key and opens the WebSocket. Call ExchangeKey
// before issuing commands.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pub, err := FetchPublicKey(ctx, cfg.HTTPClient, cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	origin := cfg.Origin
	if origin == "" {
		origin = strings.TrimRight(cfg.BaseURL, "/")
	}
	headers := http.Header{}
	headers.Set("Origin", origin)

	conn, resp, err := websocket.Dial(ctx, wsURL(cfg.BaseURL), &websocket.DialOptions{HTTPHeader: headers})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}

	return &Client{conn: conn, serverKey: pub, logger: logger}, nil
}

func wsURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// ExchangeKey generates a fresh AES-256 session key, sends it wrapped under
// the server's public key and waits for the encrypted acknowledgement.
// Calling it again replaces the session key.
func (c *Client) ExchangeKey(ctx context.Context) error {
	key := make([]byte, envelope.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, c.serverKey, key, nil)
	if err != nil {
		return fmt.Errorf("wrap session key: %w", err)
	}

	c.mu.Lock()
	c.previous = c.key
	c.key = key
	c.mu.Unlock()

	if err := c.SendFrame(ctx, protocol.EventExchangeKey, wrapped); err != nil {
		c.rollbackKey()
		return err
	}

	var ack protocol.KeyExchangeAck
	if err := c.Expect(ctx, protocol.EventExchangeKeySuccess, &ack); err != nil {
		c.rollbackKey()
		return err
	}
	if !ack.Success {
		c.rollbackKey()
		return fmt.Errorf("key exchange rejected: %s", ack.Message)
	}

	c.mu.Lock()
	c.previous = nil
	c.mu.Unlock()
	c.logger.Debug("session key established")
	return nil
}

// rollbackKey restores the key that was active before a failed exchange.
func (c *Client) rollbackKey() {
	c.mu.Lock()
	c.key = c.previous
	c.previous = nil
	c.mu.Unlock()
}

func (c *Client) sessionKey() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Create asks for a new room.
func (c *Client) Create(ctx context.Context, handle, roomName string) error {
	return c.Command(ctx, protocol.EventCreate, protocol.CreateRequest{Handle: handle, RoomName: roomName})
}

// Join asks to join roomID.
func (c *Client) Join(ctx context.Context, roomID, handle string) error {
	return c.Command(ctx, protocol.EventJoin, protocol.JoinRequest{RoomID: roomID, Handle: handle})
}

// Send posts a message to roomID.
func (c *Client) Send(ctx context.Context, roomID, message string) error {
	return c.Command(ctx, protocol.EventSend, protocol.SendRequest{RoomID: roomID, Message: message})
}

// Command seals v under the session key and sends it as event.
func (c *Client) Command(ctx context.Context, event string, v any) error {
	key := c.sessionKey()
	if key == nil {
		return ErrNoSessionKey
	}
	sealed, err := envelope.Seal(v, key)
	if err != nil {
		return fmt.Errorf("seal %s: %w", event, err)
	}
	return c.SendFrame(ctx, event, sealed)
}

// SendFrame writes one raw frame.
func (c *Client) SendFrame(ctx context.Context, event string, payload []byte) error {
	frame, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, frame)
}

// SendRaw writes data as a single binary message without framing.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Next reads and opens the next event. While a re-exchange is pending the
// previous key is tried too. Error events the server sends in plaintext
// (before a key exists) are returned unencrypted.
func (c *Client) Next(ctx context.Context) (Event, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("read: %w", err)
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return Event{}, err
	}

	c.mu.RLock()
	keys := [][]byte{c.key, c.previous}
	c.mu.RUnlock()

	var openErr error
	for _, key := range keys {
		if key == nil {
			continue
		}
		plaintext, err := envelope.OpenBytes(frame.Payload, key)
		if err == nil {
			return Event{Name: frame.Event, Payload: plaintext, Encrypted: true}, nil
		}
		openErr = err
	}
	if openErr != nil && frame.Event != protocol.EventError {
		return Event{}, fmt.Errorf("open %s: %w", frame.Event, openErr)
	}
	return Event{Name: frame.Event, Payload: append([]byte(nil), frame.Payload...)}, nil
}

// Expect reads the next event and decodes it into v. An error event is
// returned as *ServerError; any other unexpected event is an error.
func (c *Client) Expect(ctx context.Context, event string, v any) error {
	ev, err := c.Next(ctx)
	if err != nil {
		return err
	}
	if ev.Name == protocol.EventError && event != protocol.EventError {
		var body protocol.ErrorEvent
		if err := ev.Decode(&body); err != nil {
			return err
		}
		return &ServerError{Message: body.Message, Encrypted: ev.Encrypted}
	}
	if ev.Name != event {
		return fmt.Errorf("expected %s event, got %s", event, ev.Name)
	}
	if v == nil {
		return nil
	}
	return ev.Decode(v)
}

// Close ends the connection with a normal closure.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
