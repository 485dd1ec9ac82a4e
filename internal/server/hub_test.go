package server

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeDispatcher struct {
	mu          sync.Mutex
	handled     []string
	disconnects []string
}

func (f *fakeDispatcher) Handle(connID string, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, connID+":"+string(raw))
}

func (f *fakeDispatcher) Disconnect(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, connID)
}

func (f *fakeDispatcher) Established(string) bool { return true }

func (f *fakeDispatcher) Throttled(string, []byte) {}

func newTestHub() *Hub {
	return NewHub(&fakeDispatcher{}, ClientSettings{}, nil, zap.NewNop())
}

// addTestClient registers a pump-less client directly in the hub's map.
func addTestClient(h *Hub, id string, buffer int) *Client {
	c := &Client{id: id, send: make(chan []byte, buffer), hub: h, logger: zap.NewNop()}
	h.mutex.Lock()
	h.clients[id] = c
	h.mutex.Unlock()
	return c
}

// TestHubSendToUnknownConnection verifies Send reports failure for ids the
// hub does not know.
func TestHubSendToUnknownConnection(t *testing.T) {
	hub := newTestHub()

	if hub.Send("missing", []byte("frame")) {
		t.Error("Expected Send to an unknown connection to fail")
	}
}

// TestHubSendQueuesFrame verifies frames land in the client's buffer in
// order.
func TestHubSendQueuesFrame(t *testing.T) {
	hub := newTestHub()
	c := addTestClient(hub, "conn-1", 4)

	for _, frame := range []string{"a", "b", "c"} {
		if !hub.Send("conn-1", []byte(frame)) {
			t.Fatalf("Expected frame %q to be queued", frame)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		if got := string(<-c.send); got != want {
			t.Errorf("Expected frame %q, got %q", want, got)
		}
	}
}

// TestHubDisconnectsSlowConsumer verifies that a full send buffer removes
// the client and closes its channel instead of blocking.
func TestHubDisconnectsSlowConsumer(t *testing.T) {
	hub := newTestHub()
	c := addTestClient(hub, "slow", 1)

	if !hub.Send("slow", []byte("first")) {
		t.Fatal("Expected first frame to be queued")
	}

	done := make(chan bool, 1)
	go func() { done <- hub.Send("slow", []byte("second")) }()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Expected Send to a full buffer to fail")
		}
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full buffer")
	}

	if hub.Len() != 0 {
		t.Errorf("Expected slow client to be removed, hub has %d clients", hub.Len())
	}
	if got := c.closeReason(); got != reasonSlowConsumer {
		t.Errorf("Expected close reason %q, got %q", reasonSlowConsumer, got)
	}

	<-c.send
	if _, ok := <-c.send; ok {
		t.Error("Expected send channel to be closed")
	}
	if hub.Send("slow", []byte("third")) {
		t.Error("Expected Send after removal to fail")
	}
}

// TestHubRemoveClientIsIdempotent verifies a client can be removed twice
// without closing its channel twice.
func TestHubRemoveClientIsIdempotent(t *testing.T) {
	hub := newTestHub()
	c := addTestClient(hub, "conn-1", 1)

	hub.removeClient(c)
	hub.removeClient(c)

	if hub.Len() != 0 {
		t.Errorf("Expected no clients, got %d", hub.Len())
	}
}

// TestHubShutdownWithoutClients verifies Shutdown returns promptly for an
// idle hub.
func TestHubShutdownWithoutClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	if err := hub.Shutdown(time.Second); err != nil {
		t.Errorf("Hub shutdown failed: %v", err)
	}
}

// TestHubRejectsRegistrationAfterShutdown verifies registerClient does not
// block once the event loop has stopped.
func TestHubRejectsRegistrationAfterShutdown(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Hub shutdown failed: %v", err)
	}

	done := make(chan bool, 1)
	go func() { done <- hub.registerClient(&Client{id: "late"}) }()

	select {
	case ok := <-done:
		if ok {
			t.Error("Expected registration after shutdown to be refused")
		}
	case <-time.After(time.Second):
		t.Fatal("registerClient blocked after shutdown")
	}
}
