package crypto

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/event"
)

func randomRequestID() string {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	return hex.EncodeToString(raw)
}

// RequestRoomKey asks the user's other devices for a megolm session key. A
// request already in flight for the same session is not repeated.
func (m *Machine) RequestRoomKey(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) error {
	existing, err := m.store.GetKeyRequestForSession(roomID, sessionID)
	if err != nil {
		return err
	}
	if existing != nil && existing.State == RequestStateSent {
		m.log.Debug("key request already in flight",
			"room_id", roomID,
			"session_id", sessionID,
			"request_id", existing.RequestID)
		return nil
	}

	request := &OutgoingKeyRequest{
		RequestID:  randomRequestID(),
		State:      RequestStateSent,
		Recipients: []UserDevice{{UserID: m.UserID, DeviceID: "*"}},
		CreatedAt:  time.Now().UTC(),
		RoomID:     roomID,
		SenderKey:  senderKey,
		SessionID:  sessionID,
	}
	content := &event.RoomKeyRequestContent{
		Action: event.ActionRequest,
		Body: &event.RequestedKeyInfo{
			Algorithm: id.AlgorithmMegolmV1,
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
		RequestingDeviceID: m.DeviceID,
		RequestID:          request.RequestID,
	}
	// Persist before sending: the answer may arrive before the send call
	// returns and must find the request.
	if err := m.store.PutKeyRequest(request); err != nil {
		return err
	}
	if err := m.sendToOwnDevices(ctx, event.ToDeviceRoomKeyRequest, content); err != nil {
		request.State = RequestStateCancelled
		_ = m.store.PutKeyRequest(request)
		return fmt.Errorf("send key request: %w", err)
	}
	m.log.Info("requested room key",
		"room_id", roomID,
		"session_id", sessionID,
		"request_id", request.RequestID)
	return nil
}

// RequestSecret asks the user's other devices for a named secret. Like room
// key requests, at most one request per secret is in flight.
func (m *Machine) RequestSecret(ctx context.Context, name string) error {
	existing, err := m.store.GetKeyRequestForSecret(name)
	if err != nil {
		return err
	}
	if existing != nil && existing.State == RequestStateSent {
		return nil
	}

	request := &OutgoingKeyRequest{
		RequestID:  randomRequestID(),
		State:      RequestStateSent,
		Recipients: []UserDevice{{UserID: m.UserID, DeviceID: "*"}},
		CreatedAt:  time.Now().UTC(),
		SecretName: name,
	}
	content := &event.SecretRequestContent{
		Name:               name,
		Action:             event.ActionRequest,
		RequestingDeviceID: m.DeviceID,
		RequestID:          request.RequestID,
	}
	if err := m.store.PutKeyRequest(request); err != nil {
		return err
	}
	if err := m.sendToOwnDevices(ctx, event.ToDeviceSecretRequest, content); err != nil {
		request.State = RequestStateCancelled
		_ = m.store.PutKeyRequest(request)
		return fmt.Errorf("send secret request: %w", err)
	}
	m.log.Info("requested secret", "name", name, "request_id", request.RequestID)
	return nil
}

// ReRequestRoomKey withdraws any in-flight request for the session and sends
// a fresh one, bypassing the dedupe check. Used when the user explicitly
// retries a failed decryption.
func (m *Machine) ReRequestRoomKey(ctx context.Context, roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) error {
	existing, err := m.store.GetKeyRequestForSession(roomID, sessionID)
	if err != nil {
		return err
	}
	if existing != nil && existing.State == RequestStateSent {
		if err := m.CancelRequest(ctx, existing.RequestID); err != nil {
			return err
		}
	}
	return m.RequestRoomKey(ctx, roomID, senderKey, sessionID)
}

// CancelRequest withdraws an outstanding request. Cancelling a request that
// already completed is a no-op.
func (m *Machine) CancelRequest(ctx context.Context, requestID string) error {
	request, err := m.store.GetKeyRequest(requestID)
	if err != nil {
		return err
	}
	if request == nil || request.State != RequestStateSent {
		return nil
	}
	if err := m.sendCancellation(ctx, request); err != nil {
		return err
	}
	request.State = RequestStateCancelled
	return m.store.PutKeyRequest(request)
}

// markRequestSatisfied completes a request after its answer arrived and tells
// the remaining devices to stop working on it.
func (m *Machine) markRequestSatisfied(ctx context.Context, request *OutgoingKeyRequest) error {
	if request.State != RequestStateSent {
		return nil
	}
	if err := m.sendCancellation(ctx, request); err != nil {
		m.log.Warn("failed to cancel satisfied request",
			"request_id", request.RequestID,
			"error", err)
	}
	request.State = RequestStateSatisfied
	if err := m.store.PutKeyRequest(request); err != nil {
		return err
	}
	m.log.Debug("key request satisfied", "request_id", request.RequestID)
	return nil
}

func (m *Machine) sendCancellation(ctx context.Context, request *OutgoingKeyRequest) error {
	request.CancellationTxnID = randomRequestID()
	var (
		eventType event.Type
		content   any
	)
	if request.SecretName != "" {
		eventType = event.ToDeviceSecretRequest
		content = &event.SecretRequestContent{
			Action:             event.ActionCancelRequest,
			RequestingDeviceID: m.DeviceID,
			RequestID:          request.RequestID,
			CancellationTxnID:  request.CancellationTxnID,
		}
	} else {
		eventType = event.ToDeviceRoomKeyRequest
		content = &event.RoomKeyRequestContent{
			Action:             event.ActionCancelRequest,
			RequestingDeviceID: m.DeviceID,
			RequestID:          request.RequestID,
			CancellationTxnID:  request.CancellationTxnID,
		}
	}
	return m.sendToOwnDevices(ctx, eventType, content)
}

// sendToOwnDevices sends a plaintext to-device event to all of the user's
// devices.
func (m *Machine) sendToOwnDevices(ctx context.Context, eventType event.Type, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return m.client.SendToDevice(ctx, eventType, ToDeviceMessages{
		m.UserID: {"*": raw},
	})
}

// handleSecretSend stores a secret answering one of our outstanding requests.
// The payload arrives over olm; only verified devices of the local user are
// accepted.
func (m *Machine) handleSecretSend(ctx context.Context, decrypted *decryptedOlmEvent) error {
	var content event.SecretSendContent
	if err := json.Unmarshal(decrypted.Content, &content); err != nil {
		return fmt.Errorf("parse secret send: %w", err)
	}
	if decrypted.Sender != m.UserID {
		return fmt.Errorf("rejecting secret from other user %s", decrypted.Sender)
	}
	request, err := m.store.GetKeyRequest(content.RequestID)
	if err != nil {
		return err
	}
	if request == nil || request.State != RequestStateSent || request.SecretName == "" {
		return fmt.Errorf("rejecting secret for unknown request %s", content.RequestID)
	}
	device, err := m.deviceByIdentityKey(decrypted.Sender, decrypted.SenderKey)
	if err != nil {
		return fmt.Errorf("secret sender device unknown: %w", err)
	}
	if !trustIsVerified(m.ResolveTrust(device)) {
		return fmt.Errorf("rejecting secret from unverified device %s", device.DeviceID)
	}
	if err := m.store.PutSecret(request.SecretName, content.Secret); err != nil {
		return err
	}
	switch request.SecretName {
	case event.SecretMasterKey, event.SecretSelfSigningKey, event.SecretUserSigningKey:
		if err := m.loadCrossSigningPrivateKeys(); err != nil {
			m.log.Error("failed to load gossiped cross-signing key", "error", err)
		}
	}
	m.log.Info("received secret",
		"name", request.SecretName,
		"from_device", device.DeviceID)
	return m.markRequestSatisfied(ctx, request)
}
