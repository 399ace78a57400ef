package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/megolm"
	"github.com/ember-chat/ember/event"
)

// megolmPayload is the plaintext carried inside a megolm message. The room id
// inside the ciphertext is checked against the room the event arrives in.
type megolmPayload struct {
	Type    event.Type      `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  id.RoomID       `json:"room_id"`
}

// EncryptEvent encrypts a room event with the room's outbound group session,
// creating and sharing a fresh session with the given users when the current
// one is missing or due for rotation.
func (m *Machine) EncryptEvent(ctx context.Context, roomID id.RoomID, users []id.UserID, eventType event.Type, content any) (*event.MegolmEncryptedContent, error) {
	lock := m.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.ensureOutboundSession(ctx, roomID, users)
	if err != nil {
		return nil, err
	}

	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	plaintext, err := json.Marshal(&megolmPayload{
		Type:    eventType,
		Content: rawContent,
		RoomID:  roomID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal megolm payload: %w", err)
	}
	ciphertext, err := session.Internal.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("megolm encrypt: %w", err)
	}
	if err := m.store.PutOutboundGroupSession(session); err != nil {
		return nil, fmt.Errorf("persist outbound session: %w", err)
	}

	_, identityKey := m.OwnIdentity()
	return &event.MegolmEncryptedContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  identityKey,
		DeviceID:   m.DeviceID,
		SessionID:  session.ID(),
		Ciphertext: ciphertext,
	}, nil
}

// ensureOutboundSession returns the room's current outbound session, rotating
// it when the message count or age limit is reached. Caller holds the room
// lock.
func (m *Machine) ensureOutboundSession(ctx context.Context, roomID id.RoomID, users []id.UserID) (*OutboundGroupSession, error) {
	session, err := m.store.GetOutboundGroupSession(roomID)
	if err != nil {
		return nil, fmt.Errorf("load outbound session: %w", err)
	}
	if session != nil && session.Expired() {
		m.log.Debug("rotating outbound group session",
			"room_id", roomID,
			"session_id", session.ID(),
			"message_count", session.Internal.MessageCount())
		session = nil
	}
	if session == nil {
		inner, err := megolm.NewOutboundSession()
		if err != nil {
			return nil, err
		}
		session = &OutboundGroupSession{
			Internal:    inner,
			RoomID:      roomID,
			MaxMessages: m.config.RotationMessages,
			MaxAge:      m.config.RotationLifetime,
			SharedWith:  make(map[string]bool),
		}
		if err := m.importOwnSession(session); err != nil {
			return nil, err
		}
		m.log.Info("created outbound group session",
			"room_id", roomID,
			"session_id", session.ID())
	}
	if err := m.shareGroupSession(ctx, session, users); err != nil {
		return nil, err
	}
	return session, nil
}

// importOwnSession stores the inbound half of a freshly created outbound
// session so the local device can decrypt its own messages and answer key
// requests for them.
func (m *Machine) importOwnSession(session *OutboundGroupSession) error {
	sessionKey, err := session.Internal.SessionKey()
	if err != nil {
		return err
	}
	inbound, err := megolm.NewInboundSession(sessionKey)
	if err != nil {
		return err
	}
	signingKey, identityKey := m.OwnIdentity()
	return m.store.PutInboundGroupSession(&InboundGroupSession{
		Internal:         inbound,
		RoomID:           session.RoomID,
		SenderKey:        identityKey,
		SenderClaimedKey: signingKey,
		ReceivedAt:       session.Internal.CreationTime,
	})
}

// shareGroupSession sends the session key to every eligible device that has
// not received it yet. Exclusion is permanent per session: a device skipped
// now will only ever see a future session.
func (m *Machine) shareGroupSession(ctx context.Context, session *OutboundGroupSession, users []id.UserID) error {
	allDevices, err := m.devicesForUsers(ctx, users)
	if err != nil {
		return err
	}
	var recipients []*DeviceIdentity
	for _, devices := range allDevices {
		for _, device := range devices {
			if device.Deleted {
				continue
			}
			if device.UserID == m.UserID && device.DeviceID == m.DeviceID {
				continue
			}
			ud := UserDevice{device.UserID, device.DeviceID}
			if session.isSharedWith(ud) || session.isExcluded(ud) {
				continue
			}
			trust := m.ResolveTrust(device)
			if trust == id.TrustStateBlacklisted {
				// Exclusion is recorded so the device stays locked out of
				// this session even if its trust improves later.
				session.markExcluded(ud)
				m.log.Debug("not sharing key with blacklisted device",
					"user_id", device.UserID,
					"device_id", device.DeviceID)
				continue
			}
			if m.config.BlockUnverifiedDevices && !trustIsVerified(trust) {
				session.markExcluded(ud)
				m.log.Debug("not sharing key with unverified device",
					"user_id", device.UserID,
					"device_id", device.DeviceID,
					"trust", trust)
				continue
			}
			recipients = append(recipients, device)
		}
	}
	if len(recipients) == 0 {
		session.Shared = true
		return m.store.PutOutboundGroupSession(session)
	}

	if _, err := m.EnsureOlmSessions(ctx, recipients); err != nil {
		return err
	}
	sessionKey, err := session.Internal.SessionKey()
	if err != nil {
		return err
	}
	roomKey := &event.RoomKeyContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     session.RoomID,
		SessionID:  session.ID(),
		SessionKey: sessionKey,
	}

	messages := make(ToDeviceMessages)
	shared := 0
	for _, device := range recipients {
		encrypted, err := m.encryptOlmEvent(device, event.ToDeviceRoomKey, roomKey)
		if err != nil {
			m.log.Warn("failed to encrypt room key for device",
				"user_id", device.UserID,
				"device_id", device.DeviceID,
				"error", err)
			continue
		}
		raw, err := json.Marshal(encrypted)
		if err != nil {
			return err
		}
		if messages[device.UserID] == nil {
			messages[device.UserID] = make(map[id.DeviceID]json.RawMessage)
		}
		messages[device.UserID][device.DeviceID] = raw
		session.markSharedWith(UserDevice{device.UserID, device.DeviceID})
		shared++
	}
	if shared > 0 {
		if err := m.client.SendToDevice(ctx, event.EventEncrypted, messages); err != nil {
			return fmt.Errorf("send room key: %w", err)
		}
	}
	session.Shared = true
	if err := m.store.PutOutboundGroupSession(session); err != nil {
		return err
	}
	m.log.Debug("shared group session",
		"room_id", session.RoomID,
		"session_id", session.ID(),
		"devices", shared)
	return nil
}

func trustIsVerified(trust id.TrustState) bool {
	switch trust {
	case id.TrustStateVerified, id.TrustStateCrossSignedVerified, id.TrustStateCrossSignedTOFU:
		return true
	default:
		return false
	}
}
