package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/canonicaljson"
	"github.com/ember-chat/ember/crypto/olm"
	"github.com/ember-chat/ember/event"
)

// errNoDecryptableSession marks a well-formed olm message no stored session
// could decrypt: the wedged-pair case unwedging recovers from. Malformed
// input never carries this error and never burns a one-time key.
var errNoDecryptableSession = errors.New("no olm session could decrypt the message")

// decryptedOlmEvent is an olm payload after decryption and binding checks.
type decryptedOlmEvent struct {
	Sender           id.UserID
	SenderKey        id.Curve25519
	SenderClaimedKey id.Ed25519
	Type             event.Type
	Content          json.RawMessage
}

// EnsureOlmSessions makes sure an established olm session exists for every
// given device, claiming one-time keys for devices that lack one. Devices
// whose claimed key is missing or badly signed are reported in the returned
// map and skipped.
func (m *Machine) EnsureOlmSessions(ctx context.Context, devices []*DeviceIdentity) (failures map[UserDevice]error, err error) {
	failures = make(map[UserDevice]error)
	var missing []*DeviceIdentity
	for _, device := range devices {
		session, err := m.store.GetLatestOlmSession(device.IdentityKey)
		if err != nil {
			return nil, fmt.Errorf("load session for %s: %w", device.IdentityKey, err)
		}
		if session == nil {
			missing = append(missing, device)
		}
	}
	if len(missing) == 0 {
		return failures, nil
	}

	claim := &KeyClaimRequest{
		Timeout:     10_000,
		OneTimeKeys: make(map[id.UserID]map[id.DeviceID]id.KeyAlgorithm),
	}
	for _, device := range missing {
		if claim.OneTimeKeys[device.UserID] == nil {
			claim.OneTimeKeys[device.UserID] = make(map[id.DeviceID]id.KeyAlgorithm)
		}
		claim.OneTimeKeys[device.UserID][device.DeviceID] = id.KeyAlgorithmSignedCurve25519
	}
	resp, err := m.client.ClaimKeys(ctx, claim)
	if err != nil {
		return nil, fmt.Errorf("claim one-time keys: %w", err)
	}

	var group errgroup.Group
	group.SetLimit(8)
	results := make([]error, len(missing))
	for i, device := range missing {
		group.Go(func() error {
			results[i] = m.createOutboundSession(device, resp)
			return nil
		})
	}
	_ = group.Wait()
	for i, device := range missing {
		if results[i] != nil {
			failures[UserDevice{device.UserID, device.DeviceID}] = results[i]
			m.log.Warn("failed to establish olm session",
				"user_id", device.UserID,
				"device_id", device.DeviceID,
				"error", results[i])
		}
	}
	return failures, nil
}

// createOutboundSession verifies a claimed one-time key against the device's
// fingerprint key and establishes the session.
func (m *Machine) createOutboundSession(device *DeviceIdentity, resp *KeyClaimResponse) error {
	deviceKeys, ok := resp.OneTimeKeys[device.UserID][device.DeviceID]
	if !ok || len(deviceKeys) == 0 {
		return ErrNoOneTimeKeys
	}
	var oneTimeKey *SignedOneTimeKey
	var keyID id.KeyID
	for kid, key := range deviceKeys {
		oneTimeKey, keyID = &key, kid
		break
	}
	algorithm, _ := keyID.Parse()
	if algorithm != id.KeyAlgorithmSignedCurve25519 {
		return fmt.Errorf("claimed key has algorithm %s", algorithm)
	}
	sig := oneTimeKey.Signatures[device.UserID][id.NewKeyID(id.KeyAlgorithmEd25519, device.DeviceID.String())]
	if sig == "" {
		return fmt.Errorf("claimed key is unsigned")
	}
	verified, err := canonicaljson.VerifyJSON(oneTimeKey, device.SigningKey, sig)
	if err != nil {
		return fmt.Errorf("verify one-time key signature: %w", err)
	}
	if !verified {
		return fmt.Errorf("invalid one-time key signature")
	}

	lock := m.olmLock(device.IdentityKey)
	lock.Lock()
	defer lock.Unlock()
	m.accountLock.Lock()
	session, err := olm.NewOutboundSession(m.account, device.IdentityKey, oneTimeKey.Key)
	m.accountLock.Unlock()
	if err != nil {
		return fmt.Errorf("create outbound session: %w", err)
	}
	if err := m.store.PutOlmSession(device.IdentityKey, session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	m.log.Debug("established olm session",
		"user_id", device.UserID,
		"device_id", device.DeviceID,
		"session_id", session.ID())
	return nil
}

// encryptOlmEvent encrypts one payload for one device over the latest olm
// session, binding sender and recipient identities into the plaintext.
func (m *Machine) encryptOlmEvent(device *DeviceIdentity, eventType event.Type, content any) (*event.OlmEncryptedContent, error) {
	lock := m.olmLock(device.IdentityKey)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetLatestOlmSession(device.IdentityKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}

	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	signingKey, identityKey := m.account.IdentityKeys()
	payload, err := json.Marshal(&event.OlmPayload{
		Type:          eventType,
		Content:       rawContent,
		Sender:        m.UserID,
		Recipient:     device.UserID,
		RecipientKeys: event.OlmPayloadKeys{Ed25519: device.SigningKey},
		Keys:          event.OlmPayloadKeys{Ed25519: signingKey},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal olm payload: %w", err)
	}

	msgType, body, err := session.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("olm encrypt: %w", err)
	}
	if err := m.store.PutOlmSession(device.IdentityKey, session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return &event.OlmEncryptedContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: identityKey,
		Ciphertext: map[id.Curve25519]event.OlmCiphertext{
			device.IdentityKey: {Type: msgType, Body: body},
		},
	}, nil
}

// decryptOlmEvent decrypts an incoming olm to-device event. Pre-key messages
// may establish a new inbound session; normal messages are tried against
// every stored session for the sender key. A message no session can decrypt
// triggers unwedging.
func (m *Machine) decryptOlmEvent(ctx context.Context, sender id.UserID, content *event.OlmEncryptedContent) (*decryptedOlmEvent, error) {
	_, ownIdentity := m.OwnIdentity()
	ciphertext, ok := content.Ciphertext[ownIdentity]
	if !ok {
		return nil, fmt.Errorf("olm event is not encrypted for this device")
	}
	if content.Algorithm != id.AlgorithmOlmV1 {
		return nil, decryptionError(CodeUnsupportedAlgorithm, fmt.Errorf("algorithm %s", content.Algorithm))
	}

	lock := m.olmLock(content.SenderKey)
	lock.Lock()
	plaintext, err := m.decryptOlmCiphertext(content.SenderKey, &ciphertext)
	lock.Unlock()
	if err != nil {
		if errors.Is(err, errNoDecryptableSession) || errors.Is(err, olm.ErrUnknownOneTimeKey) {
			m.unwedge(ctx, sender, content.SenderKey)
		}
		return nil, err
	}

	var payload event.OlmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, decryptionError(CodeBadEncryptedMessage, fmt.Errorf("parse olm payload: %w", err))
	}
	ownSigning, _ := m.OwnIdentity()
	if payload.Sender != sender {
		return nil, decryptionError(CodeMismatchedSender,
			fmt.Errorf("payload claims sender %s, transport says %s", payload.Sender, sender))
	}
	if payload.Recipient != m.UserID {
		return nil, decryptionError(CodeMismatchedSender,
			fmt.Errorf("payload is addressed to %s", payload.Recipient))
	}
	if payload.RecipientKeys.Ed25519 != ownSigning {
		return nil, decryptionError(CodeMismatchedSender,
			fmt.Errorf("payload is bound to a different recipient device"))
	}
	if device, err := m.deviceByIdentityKey(sender, content.SenderKey); err == nil {
		if device.SigningKey != payload.Keys.Ed25519 {
			return nil, decryptionError(CodeMismatchedSender,
				fmt.Errorf("payload fingerprint does not match sender device"))
		}
	}
	return &decryptedOlmEvent{
		Sender:           sender,
		SenderKey:        content.SenderKey,
		SenderClaimedKey: payload.Keys.Ed25519,
		Type:             payload.Type,
		Content:          payload.Content,
	}, nil
}

// decryptOlmCiphertext tries stored sessions, creating an inbound session
// from a pre-key message when none matches. Caller holds the sender lock.
func (m *Machine) decryptOlmCiphertext(senderKey id.Curve25519, ciphertext *event.OlmCiphertext) ([]byte, error) {
	sessions, err := m.store.GetOlmSessions(senderKey)
	if err != nil {
		return nil, err
	}

	if ciphertext.Type == event.OlmMsgTypePreKey {
		// A retransmitted handshake targets the session it already created;
		// decrypt with that session instead of consuming another key.
		sessionID, err := olm.PreKeySessionID(ciphertext.Body)
		if err != nil {
			return nil, decryptionError(CodeBadEncryptedMessage, err)
		}
		for _, session := range sessions {
			if session.ID() != sessionID {
				continue
			}
			plaintext, err := session.Decrypt(ciphertext.Body)
			if err != nil {
				return nil, decryptionError(CodeBadEncryptedMessage, err)
			}
			if err := m.store.PutOlmSession(senderKey, session); err != nil {
				return nil, err
			}
			return plaintext, nil
		}
		return m.decryptWithNewInboundSession(senderKey, ciphertext.Body)
	}

	for _, session := range sessions {
		plaintext, err := session.Decrypt(ciphertext.Body)
		if errors.Is(err, olm.ErrBadMessageFormat) {
			// Every session parses the body identically; garbage input is not
			// a wedged session.
			return nil, decryptionError(CodeBadEncryptedMessage, err)
		}
		if err != nil {
			continue
		}
		if err := m.store.PutOlmSession(senderKey, session); err != nil {
			return nil, err
		}
		return plaintext, nil
	}
	return nil, decryptionError(CodeBadEncryptedMessage, errNoDecryptableSession)
}

func (m *Machine) decryptWithNewInboundSession(senderKey id.Curve25519, body string) ([]byte, error) {
	m.accountLock.Lock()
	session, err := olm.NewInboundSession(m.account, body)
	if err != nil {
		m.accountLock.Unlock()
		return nil, decryptionError(CodeBadEncryptedMessage, fmt.Errorf("create inbound session: %w", err))
	}
	if err := m.store.PutAccount(m.account); err != nil {
		m.accountLock.Unlock()
		return nil, err
	}
	m.accountLock.Unlock()

	plaintext, err := session.Decrypt(body)
	if err != nil {
		return nil, decryptionError(CodeBadEncryptedMessage, err)
	}
	if err := m.store.PutOlmSession(senderKey, session); err != nil {
		return nil, err
	}
	m.log.Debug("created inbound olm session", "sender_key", senderKey, "session_id", session.ID())
	return plaintext, nil
}

// unwedge recovers a broken olm pair by establishing a replacement session
// and pinging the peer with an encrypted dummy event, moving both sides off
// the wedged session. Rate-limited per sender key.
func (m *Machine) unwedge(ctx context.Context, sender id.UserID, senderKey id.Curve25519) {
	last, ok := m.lastUnwedge.Load(senderKey)
	if ok && time.Since(last) < m.config.UnwedgeBackoff {
		m.log.Debug("not unwedging, too soon since last attempt",
			"sender_key", senderKey,
			"last_attempt", last)
		return
	}
	m.lastUnwedge.Store(senderKey, time.Now())

	device, err := m.deviceByIdentityKey(sender, senderKey)
	if err != nil {
		// The sender may be unknown; fetch and retry once.
		if _, ferr := m.FetchDevices(ctx, sender); ferr == nil {
			device, err = m.deviceByIdentityKey(sender, senderKey)
		}
		if err != nil {
			m.log.Warn("cannot unwedge session with unknown device",
				"sender", sender,
				"sender_key", senderKey)
			return
		}
	}
	m.log.Info("unwedging olm session",
		"user_id", device.UserID,
		"device_id", device.DeviceID,
		"sender_key", senderKey)

	claim := &KeyClaimRequest{
		Timeout: 10_000,
		OneTimeKeys: map[id.UserID]map[id.DeviceID]id.KeyAlgorithm{
			device.UserID: {device.DeviceID: id.KeyAlgorithmSignedCurve25519},
		},
	}
	resp, err := m.client.ClaimKeys(ctx, claim)
	if err != nil {
		m.log.Error("failed to claim key for unwedging", "error", err)
		return
	}
	if err := m.createOutboundSession(device, resp); err != nil {
		m.log.Error("failed to create replacement session", "error", err)
		return
	}
	if err := m.sendEncryptedToDevice(ctx, device, event.ToDeviceDummy, &event.DummyContent{}); err != nil {
		m.log.Error("failed to send dummy event after unwedging", "error", err)
	}
}

// sendEncryptedToDevice olm-encrypts a payload for one device and sends it.
func (m *Machine) sendEncryptedToDevice(ctx context.Context, device *DeviceIdentity, eventType event.Type, content any) error {
	encrypted, err := m.encryptOlmEvent(device, eventType, content)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(encrypted)
	if err != nil {
		return err
	}
	return m.client.SendToDevice(ctx, event.EventEncrypted, ToDeviceMessages{
		device.UserID: {device.DeviceID: raw},
	})
}
