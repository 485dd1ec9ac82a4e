// Package envelope seals and opens JSON payloads with AES-256-GCM.
//
// An envelope is laid out as nonce(12) || ciphertext || tag(16). A fresh
// random nonce is drawn for every Seal call; keys are never used with a
// counter-based nonce.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the length of an AES-256 session key.
	KeySize = 32
	// NonceSize is the length of the random GCM nonce prefix.
	NonceSize = 12
	// TagSize is the length of the GCM authentication tag suffix.
	TagSize = 16
	// Overhead is the number of bytes an envelope adds to its plaintext.
	Overhead = NonceSize + TagSize
)

var (
	// ErrDecryption reports a failed authentication check. No plaintext is
	// ever returned alongside it.
	ErrDecryption = errors.New("envelope: decryption failed")
	// ErrMalformedPayload reports plaintext that is not a valid JSON document.
	ErrMalformedPayload = errors.New("envelope: malformed payload")
	// ErrInvalidKey reports a key that is not KeySize bytes long.
	ErrInvalidKey = errors.New("envelope: invalid key length")
)

// split out for testing.
var randReader io.Reader = rand.Reader

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Marshal serializes v to its canonical JSON form. Values handed to the
// codec are plain data structs, so a failure here is a programming error.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("envelope: marshal %T: %v", v, err))
	}
	return data
}

// SealBytes encrypts already serialized plaintext under key.
func SealBytes(plaintext, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(randReader, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends ciphertext||tag after the nonce prefix.
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Seal serializes v as JSON and encrypts it under key.
func Seal(v any, key []byte) ([]byte, error) {
	return SealBytes(Marshal(v), key)
}

// OpenBytes authenticates and decrypts an envelope, returning the raw
// plaintext bytes.
func OpenBytes(envelope, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(envelope) < Overhead {
		return nil, fmt.Errorf("%w: envelope of %d bytes is shorter than %d", ErrDecryption, len(envelope), Overhead)
	}

	nonce := envelope[:NonceSize]
	sealed := envelope[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Open decrypts an envelope and decodes the JSON plaintext into v.
func Open(envelope, key []byte, v any) error {
	plaintext, err := OpenBytes(envelope, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
