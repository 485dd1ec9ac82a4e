package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/config"
	"github.com/Tyrowin/cipherroom/internal/envelope"
	"github.com/Tyrowin/cipherroom/internal/keyexchange"
	"github.com/Tyrowin/cipherroom/internal/protocol"
)

const testOrigin = "http://localhost:8080"

var (
	testKeysOnce sync.Once
	testKeys     *keyexchange.KeyPair
	testKeysErr  error
)

func testKeyPair(t *testing.T) *keyexchange.KeyPair {
	t.Helper()
	testKeysOnce.Do(func() { testKeys, testKeysErr = keyexchange.GenerateKeyPair(keyexchange.MinKeyBits) })
	if testKeysErr != nil {
		t.Fatalf("generate key pair: %v", testKeysErr)
	}
	return testKeys
}

// newTestServer starts a Server behind httptest. mutate adjusts the default
// config before the server is built.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.AllowedOrigins = []string{testOrigin}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(cfg, testKeyPair(t), zap.NewNop())
	srv.Start()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(2 * time.Second)
	})
	return srv, ts
}

func buildWebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// dial opens a WebSocket with the given Origin header and closes it when
// the test ends.
func dial(t *testing.T, ts *httptest.Server, origin string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	header.Set("Origin", origin)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(buildWebSocketURL(ts.URL), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, payload []byte) {
	t.Helper()
	frame, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("Expected binary message, got type %d", messageType)
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

// handshake runs the key exchange on conn and returns the session key.
func handshake(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()

	key := make([]byte, envelope.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate session key: %v", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, testKeyPair(t).PublicKey(), key, nil)
	if err != nil {
		t.Fatalf("wrap session key: %v", err)
	}
	writeFrame(t, conn, protocol.EventExchangeKey, wrapped)

	frame := readFrame(t, conn)
	if frame.Event != protocol.EventExchangeKeySuccess {
		t.Fatalf("Expected %s, got %s", protocol.EventExchangeKeySuccess, frame.Event)
	}
	var ack protocol.KeyExchangeAck
	if err := envelope.Open(frame.Payload, key, &ack); err != nil {
		t.Fatalf("open ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("Expected successful ack, got %+v", ack)
	}
	return key
}

func sendCommand(t *testing.T, conn *websocket.Conn, key []byte, event string, v any) {
	t.Helper()
	sealed, err := envelope.Seal(v, key)
	if err != nil {
		t.Fatalf("seal %s: %v", event, err)
	}
	writeFrame(t, conn, event, sealed)
}

func expectEvent(t *testing.T, conn *websocket.Conn, key []byte, event string, v any) {
	t.Helper()
	frame := readFrame(t, conn)
	if frame.Event != event {
		t.Fatalf("Expected event %s, got %s", event, frame.Event)
	}
	if v == nil {
		return
	}
	if err := envelope.Open(frame.Payload, key, v); err != nil {
		t.Fatalf("open %s: %v", event, err)
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// expectClosed reads until the connection fails, which must happen within
// timeout.
func expectClosed(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("Expected connection to be closed, but read timed out")
		}
		return
	}
}
