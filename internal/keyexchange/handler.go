package keyexchange

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/envelope"
	"github.com/Tyrowin/cipherroom/internal/protocol"
	"github.com/Tyrowin/cipherroom/internal/session"
)

var (
	// ErrDecryption is returned when the wrapped session key cannot be
	// unwrapped with the server's private key.
	ErrDecryption = errors.New("keyexchange: session key decryption failed")
	// ErrKeyLength is returned when the unwrapped key is not an AES-256 key.
	ErrKeyLength = errors.New("keyexchange: session key has wrong length")
)

// AckMessage is the text carried by a successful key exchange acknowledgement.
const AckMessage = "Session key established!"

// Handler unwraps client session keys and records them in the registry.
type Handler struct {
	keys     *KeyPair
	sessions *session.Registry
	logger   *zap.Logger
}

// NewHandler creates a Handler backed by keys and sessions.
func NewHandler(keys *KeyPair, sessions *session.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{keys: keys, sessions: sessions, logger: logger}
}

// PublicKeyPEM returns the server public key clients wrap their session keys with.
func (h *Handler) PublicKeyPEM() []byte {
	return h.keys.PublicKeyPEM()
}

// Unwrap decrypts an RSA-OAEP(SHA-256, MGF1-SHA-256, empty label) wrapped
// session key and checks its length.
func (h *Handler) Unwrap(wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, h.keys.private, wrapped, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	if len(key) != envelope.KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrKeyLength, len(key), envelope.KeySize)
	}
	return key, nil
}

// Establish unwraps the session key sent by connID, stores it (replacing
// any earlier key) and returns an acknowledgement sealed under the new key.
func (h *Handler) Establish(connID string, wrapped []byte) ([]byte, error) {
	key, err := h.Unwrap(wrapped)
	if err != nil {
		return nil, err
	}

	ack, err := envelope.Seal(protocol.KeyExchangeAck{Success: true, Message: AckMessage}, key)
	if err != nil {
		return nil, fmt.Errorf("seal key exchange ack: %w", err)
	}

	replaced := h.sessions.Has(connID)
	h.sessions.Set(connID, key)
	h.logger.Debug("session key established", zap.String("conn", connID), zap.Bool("replaced", replaced))
	return ack, nil
}
