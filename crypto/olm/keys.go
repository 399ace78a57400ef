// Package olm implements the pairwise encrypted-channel primitive: a device
// account (identity, fingerprint and one-time keys) and double-ratchet
// sessions established through a triple Diffie-Hellman handshake over claimed
// one-time keys.
package olm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/id"
)

var (
	ErrBadMessageFormat  = errors.New("olm: malformed message")
	ErrBadMAC            = errors.New("olm: message authentication failed")
	ErrBadMessageVersion = errors.New("olm: unknown message version")
	ErrUnknownOneTimeKey = errors.New("olm: pre-key message references unknown one-time key")
	ErrSkipTooLarge      = errors.New("olm: too many skipped message keys")
)

const (
	rootInfo    = "ember.olm.root"
	messageInfo = "ember.olm.message"
	sharedInfo  = "ember.olm.shared"
)

func generateCurve25519() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err = rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func ecdh(priv, pub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("olm: ecdh: %w", err)
	}
	return shared, nil
}

// kdfRoot derives the next root key and a fresh chain key from the current
// root key and a DH ratchet output.
func kdfRoot(rootKey, dhOut []byte) (newRoot, chainKey []byte, err error) {
	out := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dhOut, rootKey, []byte(rootInfo)), out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

// kdfChain advances a chain key one step and derives the message key for the
// current step.
func kdfChain(chainKey []byte) (nextChain, messageKey []byte) {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x01})
	messageKey = mac.Sum(nil)
	mac = hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x02})
	nextChain = mac.Sum(nil)
	return nextChain, messageKey
}

func aeadKeys(messageKey []byte) (key, nonce []byte, err error) {
	out := make([]byte, 32+chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, messageKey, nil, []byte(messageInfo)), out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

func aeadSeal(messageKey, plaintext, ad []byte) ([]byte, error) {
	key, nonce, err := aeadKeys(messageKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func aeadOpen(messageKey, ciphertext, ad []byte) ([]byte, error) {
	key, nonce, err := aeadKeys(messageKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrBadMAC
	}
	return plaintext, nil
}

// Curve25519B64 encodes a raw curve25519 public key in the unpadded-base64
// form used on the wire.
func Curve25519B64(pub []byte) id.Curve25519 {
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(pub))
}

// DecodeCurve25519 is the inverse of Curve25519B64.
func DecodeCurve25519(key id.Curve25519) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil {
		return nil, fmt.Errorf("olm: decode curve25519 key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("olm: curve25519 key has length %d", len(raw))
	}
	return raw, nil
}
