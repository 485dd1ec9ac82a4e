// Package relay connects the transport to the cryptographic and room layers.
//
// Inbound frames are decoded, their payloads decrypted with the sender's
// session key and only then handed to the typed command handlers. Every
// outbound notification is serialized once and sealed separately under each
// recipient's own key.
package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/chat"
	"github.com/Tyrowin/cipherroom/internal/envelope"
	"github.com/Tyrowin/cipherroom/internal/keyexchange"
	"github.com/Tyrowin/cipherroom/internal/protocol"
	"github.com/Tyrowin/cipherroom/internal/session"
)

// Sender delivers an encoded frame to one connection. It reports false when
// the frame could not be queued.
type Sender interface {
	Send(connID string, frame []byte) bool
}

// Relay dispatches client events and fans out notifications.
type Relay struct {
	keys     *keyexchange.Handler
	sessions *session.Registry
	rooms    *chat.Manager
	out      Sender
	metrics  *Metrics
	logger   *zap.Logger
}

// Option customizes a Relay.
type Option func(*Relay)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger sets the relay logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// New creates a Relay that writes through out.
func New(keys *keyexchange.Handler, sessions *session.Registry, rooms *chat.Manager, out Sender, opts ...Option) *Relay {
	r := &Relay{
		keys:     keys,
		sessions: sessions,
		rooms:    rooms,
		out:      out,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Established reports whether connID has completed the key exchange.
func (r *Relay) Established(connID string) bool {
	return r.sessions.Has(connID)
}

// Handle processes one raw inbound frame from connID. All failures are
// reported back to connID as an error event.
func (r *Relay) Handle(connID string, raw []byte) {
	start := time.Now()

	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		r.fail(connID, "", err)
		return
	}

	event := eventLabel(frame.Event)
	r.metrics.recordEvent(event)
	defer func() { r.metrics.observeDispatch(event, time.Since(start)) }()

	switch frame.Event {
	case protocol.EventExchangeKey:
		err = r.exchangeKey(connID, frame.Payload)
	case protocol.EventCreate:
		err = withSession(r, connID, frame.Payload, r.create)
	case protocol.EventJoin:
		err = withSession(r, connID, frame.Payload, r.join)
	case protocol.EventSend:
		err = withSession(r, connID, frame.Payload, r.send)
	default:
		err = errUnknownEvent
	}

	if err != nil {
		r.fail(connID, frame.Event, err)
	}
}

// withSession resolves connID's session key, decrypts payload into a T and
// passes it to fn together with the requester's id.
func withSession[T any](r *Relay, connID string, payload []byte, fn func(connID string, req T) error) error {
	key, err := r.sessions.Get(connID)
	if err != nil {
		return err
	}
	var req T
	if err := envelope.Open(payload, key, &req); err != nil {
		return err
	}
	return fn(connID, req)
}

func (r *Relay) exchangeKey(connID string, wrapped []byte) error {
	ack, err := r.keys.Establish(connID, wrapped)
	if err != nil {
		r.metrics.recordKeyExchange("failed")
		return err
	}
	r.metrics.recordKeyExchange("ok")
	r.deliver(connID, protocol.EventExchangeKeySuccess, ack)
	r.logger.Info("session key established", zap.String("conn", connID))
	return nil
}

func (r *Relay) create(connID string, req protocol.CreateRequest) error {
	snap, err := r.rooms.Create(connID, req.Handle, req.RoomName)
	if err != nil {
		return err
	}
	r.metrics.recordRoomCreated()
	r.logger.Info("room created", zap.String("conn", connID), zap.String("room", snap.ID))
	r.fanOut(protocol.EventChatCreated, descriptor(snap, req.Handle), []string{connID})
	return nil
}

// join and send queue their frames from inside the room lock, so every
// member sees the room's events in commit order and a joiner always gets
// chatJoined before any other event for the room.
func (r *Relay) join(connID string, req protocol.JoinRequest) error {
	snap, _, err := r.rooms.JoinNotify(connID, req.RoomID, req.Handle, func(snap chat.Snapshot, peers []string) {
		desc := descriptor(snap, req.Handle)
		r.fanOut(protocol.EventChatJoined, desc, []string{connID})
		r.fanOut(protocol.EventSomeoneJoined, desc, peers)
	})
	if err != nil {
		return err
	}
	r.logger.Info("room joined", zap.String("conn", connID), zap.String("room", snap.ID), zap.Int("members", snap.MemberCount))
	return nil
}

func (r *Relay) send(connID string, req protocol.SendRequest) error {
	_, _, err := r.rooms.SendNotify(connID, req.RoomID, req.Message, func(msg chat.Message, recipients []string) {
		r.fanOut(protocol.EventReceiveMessage, protocol.MessageEvent{
			Message:      msg.Text,
			SenderHandle: msg.SenderHandle,
			SenderID:     msg.SenderID,
			RoomID:       msg.RoomID,
			CreatedAt:    msg.CreatedAt,
		}, recipients)
	})
	return err
}

// Disconnect removes connID from all of its rooms, tells the remaining
// members of each room and then revokes its session key. Membership is
// dropped before the key, so no member is ever listed without a key.
func (r *Relay) Disconnect(connID string) {
	departures := r.rooms.LeaveNotify(connID, func(d chat.Departure) {
		r.fanOut(protocol.EventSomeoneLeft, protocol.LeftEvent{RoomID: d.RoomID, UserID: connID}, d.Remaining)
	})
	revoked := r.sessions.Revoke(connID)

	r.logger.Info("connection cleaned up",
		zap.String("conn", connID),
		zap.Int("rooms", len(departures)),
		zap.Bool("had_key", revoked))
}

// Throttled reports a frame from connID that the transport discarded
// because the connection exceeded its rate limit.
func (r *Relay) Throttled(connID string, raw []byte) {
	event := ""
	if frame, err := protocol.DecodeFrame(raw); err == nil {
		event = frame.Event
	}
	r.fail(connID, event, ErrRateLimited)
}

// fanOut serializes v once and seals it separately for every recipient
// under that recipient's current key. Recipients without a key are skipped.
func (r *Relay) fanOut(event string, v any, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	plaintext := envelope.Marshal(v)

	for _, id := range recipients {
		key, err := r.sessions.Get(id)
		if err != nil {
			r.metrics.recordDelivery("skipped_no_key")
			r.logger.Debug("skipping recipient without key", zap.String("conn", id), zap.String("event", event))
			continue
		}
		sealed, err := envelope.SealBytes(plaintext, key)
		if err != nil {
			r.metrics.recordDelivery("dropped")
			r.logger.Error("seal failed", zap.String("conn", id), zap.String("event", event), zap.Error(err))
			continue
		}
		r.deliver(id, event, sealed)
	}
}

func (r *Relay) deliver(connID, event string, payload []byte) {
	frame, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		r.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	if r.out.Send(connID, frame) {
		r.metrics.recordDelivery("sent")
		return
	}
	r.metrics.recordDelivery("dropped")
	r.logger.Debug("frame dropped", zap.String("conn", connID), zap.String("event", event))
}

// fail reports err to connID. The error event is sealed when connID has a
// key and sent as plain JSON otherwise.
func (r *Relay) fail(connID, event string, err error) {
	kind := classify(err)
	r.metrics.recordError(kind.String())
	r.logger.Info("request failed",
		zap.String("conn", connID),
		zap.String("event", eventLabel(event)),
		zap.Stringer("kind", kind))

	body := protocol.ErrorEvent{Message: kind.UserMessage()}
	if kind != protocol.KindKeyNotEstablished {
		if key, keyErr := r.sessions.Get(connID); keyErr == nil {
			sealed, sealErr := envelope.Seal(body, key)
			if sealErr == nil {
				r.deliver(connID, protocol.EventError, sealed)
				return
			}
			r.logger.Error("seal error event", zap.String("conn", connID), zap.Error(sealErr))
		}
	}
	r.deliver(connID, protocol.EventError, envelope.Marshal(body))
}

// Reap reclaims rooms that have been empty for at least ttl.
func (r *Relay) Reap(ttl time.Duration) int {
	n := len(r.rooms.Reap(ttl))
	r.metrics.recordReclaimed(n)
	return n
}

// RunJanitor reclaims long-empty rooms every interval until ctx is done.
func (r *Relay) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap(ttl)
		}
	}
}

func descriptor(s chat.Snapshot, handle string) protocol.RoomDescriptor {
	members := make([]protocol.Member, len(s.Members))
	for i, m := range s.Members {
		members[i] = protocol.Member{Handle: m.Handle, SID: m.ConnID, JoinedAt: m.JoinedAt}
	}
	return protocol.RoomDescriptor{
		RoomID:      s.ID,
		RoomName:    s.Name,
		Handle:      handle,
		CreatedAt:   s.CreatedAt,
		MemberCount: s.MemberCount,
		Members:     members,
	}
}

var errUnknownEvent = errors.New("unknown event")

// ErrRateLimited is reported for frames dropped by the connection's rate limiter.
var ErrRateLimited = errors.New("rate limit exceeded")

func classify(err error) protocol.Kind {
	switch {
	case errors.Is(err, session.ErrKeyNotEstablished):
		return protocol.KindKeyNotEstablished
	case errors.Is(err, envelope.ErrDecryption),
		errors.Is(err, keyexchange.ErrDecryption):
		return protocol.KindDecryptionFailure
	case errors.Is(err, envelope.ErrMalformedPayload),
		errors.Is(err, keyexchange.ErrKeyLength),
		errors.Is(err, protocol.ErrMalformedFrame),
		errors.Is(err, chat.ErrInvalidRequest):
		return protocol.KindMalformedPayload
	case errors.Is(err, chat.ErrRoomNotFound):
		return protocol.KindRoomNotFound
	case errors.Is(err, chat.ErrSenderNotInRoom):
		return protocol.KindSenderNotInRoom
	case errors.Is(err, chat.ErrAlreadyMember):
		return protocol.KindAlreadyMember
	case errors.Is(err, errUnknownEvent):
		return protocol.KindUnknownEvent
	case errors.Is(err, ErrRateLimited):
		return protocol.KindRateLimited
	default:
		return protocol.KindInternal
	}
}

func eventLabel(event string) string {
	switch event {
	case protocol.EventExchangeKey, protocol.EventCreate, protocol.EventJoin, protocol.EventSend:
		return event
	case "":
		return "none"
	default:
		return "unknown"
	}
}
