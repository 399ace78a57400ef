package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/megolm"
	"github.com/ember-chat/ember/event"
)

// maxQueuedPerSession bounds how many undecryptable events are kept per
// missing session for later retry.
const maxQueuedPerSession = 64

// DecryptEvent decrypts a megolm room event. Failures come back as
// *DecryptionError; events failing with an unknown session are queued for
// automatic retry, and the missing key is requested from the user's other
// devices. The failure cache keeps repeated renders of the same event from
// firing another request.
func (m *Machine) DecryptEvent(ctx context.Context, evt *event.Event) (*DecryptedEvent, error) {
	decrypted, err := m.decryptMegolmEvent(ctx, evt)
	if err != nil {
		code := DecryptionErrorCodeOf(err)
		previous, seen := m.recentFailures.Get(evt.ID)
		m.recentFailures.Add(evt.ID, code)
		if code == CodeUnknownInboundSessionID && (!seen || previous != code) {
			m.requestKeyForEvent(ctx, evt)
		}
		return nil, err
	}
	m.recentFailures.Remove(evt.ID)
	return decrypted, nil
}

// requestKeyForEvent asks the user's other devices for the session an
// undecryptable event needs. An in-flight request for the same session is not
// repeated.
func (m *Machine) requestKeyForEvent(ctx context.Context, evt *event.Event) {
	var content event.MegolmEncryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return
	}
	if err := m.RequestRoomKey(ctx, evt.RoomID, content.SenderKey, content.SessionID); err != nil {
		m.log.Warn("failed to request key for undecryptable event",
			"event_id", evt.ID,
			"session_id", content.SessionID,
			"error", err)
	}
}

func (m *Machine) decryptMegolmEvent(ctx context.Context, evt *event.Event) (*DecryptedEvent, error) {
	var content event.MegolmEncryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return nil, decryptionError(CodeBadEncryptedMessage, fmt.Errorf("parse encrypted content: %w", err))
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, decryptionError(CodeUnsupportedAlgorithm, fmt.Errorf("algorithm %s", content.Algorithm))
	}
	session, err := m.store.GetInboundGroupSession(evt.RoomID, content.SenderKey, content.SessionID)
	if err != nil {
		return nil, decryptionError(CodeUnableToDecrypt, err)
	}
	if session == nil {
		m.queueFailedEvent(content.SessionID, evt)
		return nil, decryptionError(CodeUnknownInboundSessionID,
			fmt.Errorf("no inbound session %s from %s", content.SessionID, content.SenderKey))
	}
	if session.RoomID != evt.RoomID {
		return nil, decryptionError(CodeMismatchedRoomID,
			fmt.Errorf("session belongs to %s, event delivered in %s", session.RoomID, evt.RoomID))
	}

	plaintext, index, err := session.Internal.Decrypt(content.Ciphertext)
	switch {
	case errors.Is(err, megolm.ErrUnknownMessageIndex):
		// The key we hold starts past this message. Indistinguishable from a
		// missing session for the caller; a re-request may find an earlier
		// export.
		m.queueFailedEvent(content.SessionID, evt)
		return nil, decryptionError(CodeUnknownInboundSessionID, err)
	case err != nil:
		return nil, decryptionError(CodeBadEncryptedMessage, err)
	}

	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, decryptionError(CodeBadEncryptedMessage, fmt.Errorf("parse megolm payload: %w", err))
	}
	if payload.RoomID != evt.RoomID {
		return nil, decryptionError(CodeMismatchedRoomID,
			fmt.Errorf("payload bound to %s, event delivered in %s", payload.RoomID, evt.RoomID))
	}

	ok, err := m.store.ValidateMessageIndex(content.SenderKey, content.SessionID, evt.ID, index, evt.Timestamp)
	if err != nil {
		return nil, decryptionError(CodeUnableToDecrypt, err)
	}
	if !ok {
		return nil, decryptionError(CodeDuplicateMessageIndex,
			fmt.Errorf("message index %d already used by another event", index))
	}

	return &DecryptedEvent{
		EventID:   evt.ID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		SenderKey: content.SenderKey,
		Type:      string(payload.Type),
		SessionID: content.SessionID,
		Index:     index,
		Content:   payload.Content,
	}, nil
}

func (m *Machine) queueFailedEvent(sessionID id.SessionID, evt *event.Event) {
	m.failedEvents.Compute(sessionID, func(queued []*event.Event, _ bool) ([]*event.Event, xsync.ComputeOp) {
		for _, existing := range queued {
			if existing.ID == evt.ID {
				return queued, xsync.UpdateOp
			}
		}
		if len(queued) >= maxQueuedPerSession {
			queued = queued[1:]
		}
		return append(queued, evt), xsync.UpdateOp
	})
}

// retryFailedEvents re-decrypts events that were waiting for the given
// session and hands the results to the event sink, flagged as late. Each
// event is delivered at most once.
func (m *Machine) retryFailedEvents(ctx context.Context, sessionID id.SessionID) {
	queued, ok := m.failedEvents.LoadAndDelete(sessionID)
	if !ok || len(queued) == 0 {
		return
	}
	for _, evt := range queued {
		if _, seen := m.notifiedLate.Get(evt.ID); seen {
			continue
		}
		decrypted, err := m.decryptMegolmEvent(ctx, evt)
		if err != nil {
			m.log.Debug("late decryption still failing",
				"event_id", evt.ID,
				"session_id", sessionID,
				"error", err)
			continue
		}
		decrypted.Late = true
		m.recentFailures.Remove(evt.ID)
		m.notifiedLate.Add(evt.ID, struct{}{})
		m.notifyDecrypted(decrypted)
	}
	m.log.Debug("retried queued events after key arrival",
		"session_id", sessionID,
		"count", len(queued))
}

// handleRoomKey imports a megolm session key received over olm. The sender
// identity is taken from the olm channel, never from the payload.
func (m *Machine) handleRoomKey(ctx context.Context, decrypted *decryptedOlmEvent) error {
	var content event.RoomKeyContent
	if err := json.Unmarshal(decrypted.Content, &content); err != nil {
		return fmt.Errorf("parse room key: %w", err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return fmt.Errorf("room key for unsupported algorithm %s", content.Algorithm)
	}
	err := m.importRoomKey(ctx, &InboundGroupSession{
		RoomID:           content.RoomID,
		SenderKey:        decrypted.SenderKey,
		SenderClaimedKey: decrypted.SenderClaimedKey,
		ReceivedAt:       time.Now().UTC(),
	}, content.SessionID, content.SessionKey)
	if err != nil {
		return err
	}
	// The key may have answered an in-flight request by another path; tell
	// the already-contacted devices to stop working on it.
	request, err := m.store.GetKeyRequestForSession(content.RoomID, content.SessionID)
	if err != nil {
		return err
	}
	if request != nil {
		return m.markRequestSatisfied(ctx, request)
	}
	return nil
}

// handleForwardedRoomKey imports a re-shared session key. Only keys answering
// an outstanding request from one of the user's own devices are accepted.
func (m *Machine) handleForwardedRoomKey(ctx context.Context, decrypted *decryptedOlmEvent) error {
	var content event.ForwardedRoomKeyContent
	if err := json.Unmarshal(decrypted.Content, &content); err != nil {
		return fmt.Errorf("parse forwarded room key: %w", err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return fmt.Errorf("forwarded key for unsupported algorithm %s", content.Algorithm)
	}
	if decrypted.Sender != m.UserID {
		return fmt.Errorf("rejecting forwarded key from other user %s", decrypted.Sender)
	}
	request, err := m.store.GetKeyRequestForSession(content.RoomID, content.SessionID)
	if err != nil {
		return err
	}
	if request == nil || request.State != RequestStateSent {
		return fmt.Errorf("rejecting unsolicited forwarded key for session %s", content.SessionID)
	}

	chain := append(append([]string(nil), content.ForwardingKeyChain...), string(decrypted.SenderKey))
	err = m.importRoomKey(ctx, &InboundGroupSession{
		RoomID:           content.RoomID,
		SenderKey:        content.SenderKey,
		SenderClaimedKey: content.SenderClaimedKey,
		ForwardingChains: chain,
		ReceivedAt:       time.Now().UTC(),
	}, content.SessionID, content.SessionKey)
	if err != nil {
		return err
	}
	return m.markRequestSatisfied(ctx, request)
}

// importRoomKey decodes and stores an inbound session, keeping whichever of
// the old and new copy starts at the earlier index.
func (m *Machine) importRoomKey(ctx context.Context, session *InboundGroupSession, sessionID id.SessionID, sessionKey string) error {
	inbound, err := megolm.NewInboundSession(sessionKey)
	if err != nil {
		return fmt.Errorf("import session key: %w", err)
	}
	if inbound.ID() != sessionID {
		return fmt.Errorf("session key is for %s, event announces %s", inbound.ID(), sessionID)
	}
	session.Internal = inbound

	existing, err := m.store.GetInboundGroupSession(session.RoomID, session.SenderKey, sessionID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Internal.FirstKnownIndex <= inbound.FirstKnownIndex {
		m.log.Debug("ignoring session key, stored copy starts earlier",
			"session_id", sessionID,
			"stored_index", existing.Internal.FirstKnownIndex,
			"offered_index", inbound.FirstKnownIndex)
		return nil
	}
	if err := m.store.PutInboundGroupSession(session); err != nil {
		return fmt.Errorf("store inbound session: %w", err)
	}
	m.log.Info("imported group session key",
		"room_id", session.RoomID,
		"session_id", sessionID,
		"sender_key", session.SenderKey,
		"first_known_index", inbound.FirstKnownIndex)
	m.retryFailedEvents(ctx, sessionID)
	return nil
}

// ExportRoomKey exports a stored inbound session at its earliest known index
// in the forwarded-key format.
func (m *Machine) ExportRoomKey(roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*event.ForwardedRoomKeyContent, error) {
	session, err := m.store.GetInboundGroupSession(roomID, senderKey, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	sessionKey, err := session.Internal.Export(session.Internal.FirstKnownIndex)
	if err != nil {
		return nil, err
	}
	return &event.ForwardedRoomKeyContent{
		Algorithm:          id.AlgorithmMegolmV1,
		RoomID:             session.RoomID,
		SessionID:          sessionID,
		SessionKey:         sessionKey,
		SenderKey:          session.SenderKey,
		SenderClaimedKey:   session.SenderClaimedKey,
		ForwardingKeyChain: session.ForwardingChains,
		FirstKnownIndex:    session.Internal.FirstKnownIndex,
	}, nil
}

// ImportRoomKey imports an exported session key, for example from a key
// backup file.
func (m *Machine) ImportRoomKey(ctx context.Context, content *event.ForwardedRoomKeyContent) error {
	return m.importRoomKey(ctx, &InboundGroupSession{
		RoomID:           content.RoomID,
		SenderKey:        content.SenderKey,
		SenderClaimedKey: content.SenderClaimedKey,
		ForwardingChains: content.ForwardingKeyChain,
		ReceivedAt:       time.Now().UTC(),
	}, content.SessionID, content.SessionKey)
}
