package olm

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/id"
)

// maxSkip bounds how many message keys may be skipped in a single chain.
const maxSkip = 1000

// maxStoredSkipped bounds the total number of retained skipped message keys.
const maxStoredSkipped = 2000

// messageBody is the JSON payload of a single olm message, carried on the
// wire as unpadded base64. Pre-key messages additionally carry the handshake
// keys so the recipient can establish the session.
type messageBody struct {
	RatchetKey []byte `json:"ratchet_key"`
	Index      uint32 `json:"index"`
	PrevCount  uint32 `json:"prev_count"`
	Ciphertext []byte `json:"ciphertext"`

	IdentityKey []byte `json:"identity_key,omitempty"`
	BaseKey     []byte `json:"base_key,omitempty"`
	OneTimeKey  []byte `json:"one_time_key,omitempty"`
}

type messageHeader struct {
	RatchetKey []byte `json:"ratchet_key"`
	Index      uint32 `json:"index"`
	PrevCount  uint32 `json:"prev_count"`
}

type skippedMessageKey struct {
	RatchetPub []byte `json:"ratchet_pub"`
	Index      uint32 `json:"index"`
	MessageKey []byte `json:"message_key"`
}

type preKeyInfo struct {
	IdentityKey []byte `json:"identity_key"`
	BaseKey     []byte `json:"base_key"`
	OneTimeKey  []byte `json:"one_time_key"`
}

// Session is one pairwise double-ratchet channel. All mutating methods leave
// the session unchanged when they return an error; the caller persists the
// session after every successful Encrypt or Decrypt.
type Session struct {
	SessionID     id.SessionID `json:"session_id"`
	TheirIdentity []byte       `json:"their_identity"`
	AD            []byte       `json:"ad"`

	RootKey      []byte `json:"root_key"`
	RatchetPriv  []byte `json:"ratchet_priv"`
	RatchetPub   []byte `json:"ratchet_pub"`
	SendChainKey []byte `json:"send_chain_key,omitempty"`
	SendIndex    uint32 `json:"send_index"`
	PrevCount    uint32 `json:"prev_count"`

	TheirRatchet []byte `json:"their_ratchet,omitempty"`
	RecvChainKey []byte `json:"recv_chain_key,omitempty"`
	RecvIndex    uint32 `json:"recv_index"`

	Skipped []skippedMessageKey `json:"skipped,omitempty"`

	PreKey          *preKeyInfo `json:"pre_key,omitempty"`
	ReceivedMessage bool        `json:"received_message"`
	LastUsed        time.Time   `json:"last_used"`
}

func (s *Session) ID() id.SessionID {
	return s.SessionID
}

func sessionID(aliceIdentity, baseKey, oneTimeKey []byte) id.SessionID {
	sum := sha256.Sum256(slices.Concat(aliceIdentity, baseKey, oneTimeKey))
	return id.SessionID(base64.RawStdEncoding.EncodeToString(sum[:]))
}

func sharedSecret(s1, s2, s3 []byte) ([]byte, error) {
	out := make([]byte, 32)
	secret := slices.Concat(s1, s2, s3)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sharedInfo)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewOutboundSession establishes a session to a remote device from its
// identity key and a claimed one-time key. Triple DH: (identity_A, otk_B),
// (base_A, identity_B), (base_A, otk_B). The one-time key doubles as the
// remote side's initial ratchet key.
func NewOutboundSession(acct *Account, theirIdentity, theirOneTimeKey id.Curve25519) (*Session, error) {
	theirIdentityRaw, err := DecodeCurve25519(theirIdentity)
	if err != nil {
		return nil, err
	}
	otkRaw, err := DecodeCurve25519(theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	basePriv, basePub, err := generateCurve25519()
	if err != nil {
		return nil, err
	}
	s1, err := ecdh(acct.IdentityPrivate, otkRaw)
	if err != nil {
		return nil, err
	}
	s2, err := ecdh(basePriv, theirIdentityRaw)
	if err != nil {
		return nil, err
	}
	s3, err := ecdh(basePriv, otkRaw)
	if err != nil {
		return nil, err
	}
	secret, err := sharedSecret(s1, s2, s3)
	if err != nil {
		return nil, err
	}

	ratchetPriv, ratchetPub, err := generateCurve25519()
	if err != nil {
		return nil, err
	}
	dhOut, err := ecdh(ratchetPriv, otkRaw)
	if err != nil {
		return nil, err
	}
	rootKey, sendChain, err := kdfRoot(secret, dhOut)
	if err != nil {
		return nil, err
	}

	return &Session{
		SessionID:     sessionID(acct.IdentityPublic, basePub, otkRaw),
		TheirIdentity: theirIdentityRaw,
		AD:            slices.Concat(acct.IdentityPublic, theirIdentityRaw, otkRaw),
		RootKey:       rootKey,
		RatchetPriv:   ratchetPriv,
		RatchetPub:    ratchetPub,
		SendChainKey:  sendChain,
		TheirRatchet:  otkRaw,
		PreKey: &preKeyInfo{
			IdentityKey: acct.IdentityPublic,
			BaseKey:     basePub,
			OneTimeKey:  otkRaw,
		},
		LastUsed: time.Now().UTC(),
	}, nil
}

// NewInboundSession establishes a session from an incoming pre-key message,
// consuming the referenced one-time key. The caller decrypts the message
// itself afterwards with Session.Decrypt.
func NewInboundSession(acct *Account, body string) (*Session, error) {
	msg, err := parseBody(body)
	if err != nil {
		return nil, err
	}
	if msg.IdentityKey == nil || msg.BaseKey == nil || msg.OneTimeKey == nil {
		return nil, ErrBadMessageFormat
	}
	otk, ok := acct.takeOneTimeKey(msg.OneTimeKey)
	if !ok {
		return nil, ErrUnknownOneTimeKey
	}
	s1, err := ecdh(otk.Private, msg.IdentityKey)
	if err != nil {
		return nil, err
	}
	s2, err := ecdh(acct.IdentityPrivate, msg.BaseKey)
	if err != nil {
		return nil, err
	}
	s3, err := ecdh(otk.Private, msg.BaseKey)
	if err != nil {
		return nil, err
	}
	secret, err := sharedSecret(s1, s2, s3)
	if err != nil {
		return nil, err
	}
	return &Session{
		SessionID:     sessionID(msg.IdentityKey, msg.BaseKey, otk.Public),
		TheirIdentity: msg.IdentityKey,
		AD:            slices.Concat(msg.IdentityKey, acct.IdentityPublic, otk.Public),
		RootKey:       secret,
		RatchetPriv:   otk.Private,
		RatchetPub:    otk.Public,
		LastUsed:      time.Now().UTC(),
	}, nil
}

// PreKeySessionID derives the session id a pre-key message would establish,
// without consuming any keys. Used to dedupe repeated handshakes.
func PreKeySessionID(body string) (id.SessionID, error) {
	msg, err := parseBody(body)
	if err != nil {
		return "", err
	}
	if msg.IdentityKey == nil || msg.BaseKey == nil || msg.OneTimeKey == nil {
		return "", ErrBadMessageFormat
	}
	return sessionID(msg.IdentityKey, msg.BaseKey, msg.OneTimeKey), nil
}

func parseBody(body string) (*messageBody, error) {
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrBadMessageFormat
	}
	var msg messageBody
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, ErrBadMessageFormat
	}
	if msg.RatchetKey == nil || msg.Ciphertext == nil {
		return nil, ErrBadMessageFormat
	}
	return &msg, nil
}

func (s *Session) associatedData(header messageHeader) ([]byte, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	return slices.Concat(s.AD, headerBytes), nil
}

// Encrypt performs one symmetric ratchet step and encrypts plaintext. The
// returned message type is 0 (pre-key) until the first reply has been
// received, 1 afterwards.
func (s *Session) Encrypt(plaintext []byte) (msgType int, body string, err error) {
	if s.SendChainKey == nil {
		return 0, "", fmt.Errorf("olm: session has no send chain")
	}
	nextChain, messageKey := kdfChain(s.SendChainKey)
	header := messageHeader{
		RatchetKey: s.RatchetPub,
		Index:      s.SendIndex,
		PrevCount:  s.PrevCount,
	}
	ad, err := s.associatedData(header)
	if err != nil {
		return 0, "", err
	}
	ciphertext, err := aeadSeal(messageKey, plaintext, ad)
	if err != nil {
		return 0, "", err
	}

	msg := messageBody{
		RatchetKey: header.RatchetKey,
		Index:      header.Index,
		PrevCount:  header.PrevCount,
		Ciphertext: ciphertext,
	}
	msgType = OlmMsgTypeNormal
	if s.PreKey != nil && !s.ReceivedMessage {
		msgType = OlmMsgTypePreKey
		msg.IdentityKey = s.PreKey.IdentityKey
		msg.BaseKey = s.PreKey.BaseKey
		msg.OneTimeKey = s.PreKey.OneTimeKey
	}
	raw, err := json.Marshal(&msg)
	if err != nil {
		return 0, "", err
	}

	s.SendChainKey = nextChain
	s.SendIndex++
	s.LastUsed = time.Now().UTC()
	return msgType, base64.RawStdEncoding.EncodeToString(raw), nil
}

// Message types on the wire.
const (
	OlmMsgTypePreKey = 0
	OlmMsgTypeNormal = 1
)

func (s *Session) clone() *Session {
	c := *s
	c.Skipped = slices.Clone(s.Skipped)
	return &c
}

// Decrypt decrypts an incoming message, advancing the receive chain and
// performing a DH ratchet step when a new remote ratchet key appears. On
// error the session state is untouched.
func (s *Session) Decrypt(body string) ([]byte, error) {
	msg, err := parseBody(body)
	if err != nil {
		return nil, err
	}
	header := messageHeader{
		RatchetKey: msg.RatchetKey,
		Index:      msg.Index,
		PrevCount:  msg.PrevCount,
	}
	ad, err := s.associatedData(header)
	if err != nil {
		return nil, err
	}

	next := s.clone()

	if plaintext, ok, err := next.trySkipped(header, msg.Ciphertext, ad); err != nil {
		return nil, err
	} else if ok {
		next.afterDecrypt()
		*s = *next
		return plaintext, nil
	}

	if !bytes.Equal(next.TheirRatchet, header.RatchetKey) {
		if err := next.skipMessageKeys(header.PrevCount); err != nil {
			return nil, err
		}
		if err := next.dhRatchet(header.RatchetKey); err != nil {
			return nil, err
		}
	}
	if err := next.skipMessageKeys(header.Index); err != nil {
		return nil, err
	}
	if next.RecvChainKey == nil {
		return nil, ErrBadMAC
	}

	chainKey, messageKey := kdfChain(next.RecvChainKey)
	plaintext, err := aeadOpen(messageKey, msg.Ciphertext, ad)
	if err != nil {
		return nil, err
	}
	next.RecvChainKey = chainKey
	next.RecvIndex++
	next.afterDecrypt()
	*s = *next
	return plaintext, nil
}

func (s *Session) afterDecrypt() {
	s.ReceivedMessage = true
	s.PreKey = nil
	s.LastUsed = time.Now().UTC()
}

func (s *Session) trySkipped(header messageHeader, ciphertext, ad []byte) ([]byte, bool, error) {
	for i, skipped := range s.Skipped {
		if skipped.Index == header.Index && bytes.Equal(skipped.RatchetPub, header.RatchetKey) {
			plaintext, err := aeadOpen(skipped.MessageKey, ciphertext, ad)
			if err != nil {
				return nil, false, err
			}
			s.Skipped = slices.Delete(s.Skipped, i, i+1)
			return plaintext, true, nil
		}
	}
	return nil, false, nil
}

func (s *Session) skipMessageKeys(until uint32) error {
	if s.RecvChainKey == nil {
		return nil
	}
	if s.RecvIndex+maxSkip < until {
		return ErrSkipTooLarge
	}
	for s.RecvIndex < until {
		chainKey, messageKey := kdfChain(s.RecvChainKey)
		s.Skipped = append(s.Skipped, skippedMessageKey{
			RatchetPub: s.TheirRatchet,
			Index:      s.RecvIndex,
			MessageKey: messageKey,
		})
		s.RecvChainKey = chainKey
		s.RecvIndex++
	}
	if len(s.Skipped) > maxStoredSkipped {
		s.Skipped = slices.Clone(s.Skipped[len(s.Skipped)-maxStoredSkipped:])
	}
	return nil
}

// dhRatchet adopts a new remote ratchet key: it derives the receive chain for
// the new key, then generates a fresh local ratchet key pair and derives the
// next send chain.
func (s *Session) dhRatchet(theirRatchet []byte) error {
	s.PrevCount = s.SendIndex
	s.SendIndex = 0
	s.RecvIndex = 0
	s.TheirRatchet = theirRatchet

	dhOut, err := ecdh(s.RatchetPriv, theirRatchet)
	if err != nil {
		return err
	}
	rootKey, recvChain, err := kdfRoot(s.RootKey, dhOut)
	if err != nil {
		return err
	}
	s.RootKey = rootKey
	s.RecvChainKey = recvChain

	ratchetPriv, ratchetPub, err := generateCurve25519()
	if err != nil {
		return err
	}
	s.RatchetPriv = ratchetPriv
	s.RatchetPub = ratchetPub

	dhOut, err = ecdh(s.RatchetPriv, theirRatchet)
	if err != nil {
		return err
	}
	rootKey, sendChain, err := kdfRoot(s.RootKey, dhOut)
	if err != nil {
		return err
	}
	s.RootKey = rootKey
	s.SendChainKey = sendChain
	return nil
}
