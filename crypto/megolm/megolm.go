// Package megolm implements the group-ratchet primitive: an outbound session
// one sender uses to broadcast into a room, and inbound sessions receivers
// build from a shared session key. The chain only moves forward, so a session
// key exported at index i can never decrypt messages before i.
package megolm

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/id"
)

var (
	ErrBadMessageFormat    = errors.New("megolm: malformed message")
	ErrBadMAC              = errors.New("megolm: message authentication failed")
	ErrBadSignature        = errors.New("megolm: invalid message signature")
	ErrUnknownMessageIndex = errors.New("megolm: message index below session ratchet position")
	ErrBadSessionKey       = errors.New("megolm: malformed session key")
)

const messageInfo = "ember.megolm.message"

// groupMessage is the JSON payload of one megolm message, carried on the
// wire as unpadded base64.
type groupMessage struct {
	Index      uint32 `json:"index"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"`
}

// sessionKeyExport is the shareable session key: the ratchet state at a given
// index plus the session's public signing key.
type sessionKeyExport struct {
	SessionID id.SessionID `json:"session_id"`
	PublicKey []byte       `json:"public_key"`
	ChainKey  []byte       `json:"chain_key"`
	Index     uint32       `json:"index"`
}

func advanceChain(chainKey []byte) (next, messageKey []byte) {
	mac := hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x01})
	messageKey = mac.Sum(nil)
	mac = hmac.New(sha256.New, chainKey)
	mac.Write([]byte{0x02})
	next = mac.Sum(nil)
	return next, messageKey
}

func messageAEAD(messageKey []byte) (key, nonce []byte, err error) {
	out := make([]byte, 32+chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, messageKey, nil, []byte(messageInfo)), out); err != nil {
		return nil, nil, err
	}
	return out[:32], out[32:], nil
}

func signingInput(sessionID id.SessionID, index uint32, ciphertext []byte) []byte {
	return slices.Concat([]byte(sessionID), []byte{
		byte(index >> 24), byte(index >> 16), byte(index >> 8), byte(index),
	}, ciphertext)
}

// OutboundSession is the sender half of a group session.
type OutboundSession struct {
	SessionID    id.SessionID       `json:"session_id"`
	SigningKey   ed25519.PrivateKey `json:"signing_key"`
	ChainKey     []byte             `json:"chain_key"`
	Index        uint32             `json:"index"`
	CreationTime time.Time          `json:"creation_time"`
}

func NewOutboundSession() (*OutboundSession, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("megolm: generate signing key: %w", err)
	}
	chainKey := make([]byte, 32)
	if _, err := rand.Read(chainKey); err != nil {
		return nil, err
	}
	return &OutboundSession{
		SessionID:    id.SessionID(base64.RawStdEncoding.EncodeToString(pub)),
		SigningKey:   priv,
		ChainKey:     chainKey,
		Index:        0,
		CreationTime: time.Now().UTC(),
	}, nil
}

func (o *OutboundSession) ID() id.SessionID {
	return o.SessionID
}

// MessageCount returns how many messages have been encrypted so far.
func (o *OutboundSession) MessageCount() uint32 {
	return o.Index
}

// Encrypt ratchets the chain one step and encrypts plaintext at the current
// index, signing the result with the session key.
func (o *OutboundSession) Encrypt(plaintext []byte) (string, error) {
	next, messageKey := advanceChain(o.ChainKey)
	key, nonce, err := messageAEAD(messageKey)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, []byte(o.SessionID))
	signature := ed25519.Sign(o.SigningKey, signingInput(o.SessionID, o.Index, ciphertext))

	raw, err := json.Marshal(&groupMessage{
		Index:      o.Index,
		Ciphertext: ciphertext,
		Signature:  signature,
	})
	if err != nil {
		return "", err
	}
	o.ChainKey = next
	o.Index++
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// SessionKey exports the ratchet at the current index for sharing with other
// devices. Receivers importing it cannot decrypt anything sent earlier.
func (o *OutboundSession) SessionKey() (string, error) {
	return encodeSessionKey(&sessionKeyExport{
		SessionID: o.SessionID,
		PublicKey: o.SigningKey.Public().(ed25519.PublicKey),
		ChainKey:  o.ChainKey,
		Index:     o.Index,
	})
}

func encodeSessionKey(export *sessionKeyExport) (string, error) {
	raw, err := json.Marshal(export)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// InboundSession is the receiver half of a group session, holding the ratchet
// at the earliest index it has ever known.
type InboundSession struct {
	SessionID       id.SessionID `json:"session_id"`
	PublicKey       []byte       `json:"public_key"`
	ChainKey        []byte       `json:"chain_key"`
	FirstKnownIndex uint32       `json:"first_known_index"`
}

// NewInboundSession imports a shared session key.
func NewInboundSession(sessionKey string) (*InboundSession, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sessionKey)
	if err != nil {
		return nil, ErrBadSessionKey
	}
	var export sessionKeyExport
	if err := json.Unmarshal(raw, &export); err != nil {
		return nil, ErrBadSessionKey
	}
	if export.SessionID == "" || len(export.PublicKey) != ed25519.PublicKeySize || len(export.ChainKey) != 32 {
		return nil, ErrBadSessionKey
	}
	return &InboundSession{
		SessionID:       export.SessionID,
		PublicKey:       export.PublicKey,
		ChainKey:        export.ChainKey,
		FirstKnownIndex: export.Index,
	}, nil
}

func (i *InboundSession) ID() id.SessionID {
	return i.SessionID
}

// chainAt walks the ratchet forward from the first known index to the target
// index. Walking backward is impossible by construction.
func (i *InboundSession) chainAt(index uint32) ([]byte, error) {
	if index < i.FirstKnownIndex {
		return nil, ErrUnknownMessageIndex
	}
	chain := i.ChainKey
	for step := i.FirstKnownIndex; step < index; step++ {
		chain, _ = advanceChain(chain)
	}
	return chain, nil
}

// Decrypt verifies and decrypts a message, returning the plaintext and the
// message index it was encrypted at.
func (i *InboundSession) Decrypt(body string) ([]byte, uint32, error) {
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return nil, 0, ErrBadMessageFormat
	}
	var msg groupMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Ciphertext == nil {
		return nil, 0, ErrBadMessageFormat
	}
	if !ed25519.Verify(ed25519.PublicKey(i.PublicKey), signingInput(i.SessionID, msg.Index, msg.Ciphertext), msg.Signature) {
		return nil, msg.Index, ErrBadSignature
	}
	chain, err := i.chainAt(msg.Index)
	if err != nil {
		return nil, msg.Index, err
	}
	_, messageKey := advanceChain(chain)
	key, nonce, err := messageAEAD(messageKey)
	if err != nil {
		return nil, msg.Index, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, msg.Index, err
	}
	plaintext, err := aead.Open(nil, nonce, msg.Ciphertext, []byte(i.SessionID))
	if err != nil {
		return nil, msg.Index, ErrBadMAC
	}
	return plaintext, msg.Index, nil
}

// Export re-exports the session key at the given index, which must be at or
// past the first known index.
func (i *InboundSession) Export(index uint32) (string, error) {
	chain, err := i.chainAt(index)
	if err != nil {
		return "", err
	}
	return encodeSessionKey(&sessionKeyExport{
		SessionID: i.SessionID,
		PublicKey: i.PublicKey,
		ChainKey:  chain,
		Index:     index,
	})
}
