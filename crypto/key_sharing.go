package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ember-chat/ember/event"
)

// handleRoomKeyRequest processes an m.room_key_request from another device.
// Requests from other users are never answered. Requests from the user's own
// verified devices are answered immediately; the rest wait for approval.
func (m *Machine) handleRoomKeyRequest(ctx context.Context, evt *event.ToDeviceEvent) error {
	var content event.RoomKeyRequestContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("parse key request: %w", err)
	}
	if content.Action == event.ActionCancelRequest {
		m.incomingRequests.Delete(content.RequestID)
		return nil
	}
	if content.Body == nil {
		return fmt.Errorf("key request %s has no body", content.RequestID)
	}
	if evt.Sender != m.UserID {
		m.log.Debug("ignoring key request from other user",
			"sender", evt.Sender,
			"request_id", content.RequestID)
		return nil
	}
	if content.RequestingDeviceID == m.DeviceID {
		return nil
	}
	device, err := m.store.GetDevice(evt.Sender, content.RequestingDeviceID)
	if err != nil {
		return err
	}
	if device == nil || device.Deleted {
		return fmt.Errorf("key request from unknown device %s", content.RequestingDeviceID)
	}

	incoming := &IncomingKeyRequest{
		Requester:  UserDevice{evt.Sender, content.RequestingDeviceID},
		RequestID:  content.RequestID,
		RoomID:     content.Body.RoomID,
		SenderKey:  content.Body.SenderKey,
		SessionID:  content.Body.SessionID,
		ReceivedAt: time.Now().UTC(),
	}
	if trustIsVerified(m.ResolveTrust(device)) || m.config.ShareKeysToUnverifiedOwnDevices {
		return m.answerRoomKeyRequest(ctx, device, incoming)
	}
	m.incomingRequests.Store(content.RequestID, incoming)
	m.log.Info("queued key request from unverified device for approval",
		"device_id", device.DeviceID,
		"request_id", content.RequestID)
	return nil
}

func (m *Machine) answerRoomKeyRequest(ctx context.Context, device *DeviceIdentity, request *IncomingKeyRequest) error {
	forwarded, err := m.ExportRoomKey(request.RoomID, request.SenderKey, request.SessionID)
	if err == ErrSessionNotFound {
		m.log.Debug("cannot answer key request, session not stored",
			"session_id", request.SessionID,
			"request_id", request.RequestID)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := m.EnsureOlmSessions(ctx, []*DeviceIdentity{device}); err != nil {
		return err
	}
	if err := m.sendEncryptedToDevice(ctx, device, event.ToDeviceForwardedKey, forwarded); err != nil {
		return fmt.Errorf("send forwarded key: %w", err)
	}
	m.log.Info("forwarded room key",
		"session_id", request.SessionID,
		"to_device", device.DeviceID,
		"request_id", request.RequestID)
	return nil
}

// handleSecretRequest answers an m.secret.request from one of the user's own
// verified devices. Secrets are never queued for approval: an unverified
// requester is refused outright.
func (m *Machine) handleSecretRequest(ctx context.Context, evt *event.ToDeviceEvent) error {
	var content event.SecretRequestContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("parse secret request: %w", err)
	}
	if content.Action == event.ActionCancelRequest {
		m.incomingRequests.Delete(content.RequestID)
		return nil
	}
	if evt.Sender != m.UserID || content.RequestingDeviceID == m.DeviceID {
		return nil
	}
	device, err := m.store.GetDevice(evt.Sender, content.RequestingDeviceID)
	if err != nil {
		return err
	}
	if device == nil || device.Deleted {
		return fmt.Errorf("secret request from unknown device %s", content.RequestingDeviceID)
	}
	if !trustIsVerified(m.ResolveTrust(device)) {
		m.log.Warn("refusing secret request from unverified device",
			"device_id", device.DeviceID,
			"name", content.Name)
		return nil
	}
	secret, err := m.store.GetSecret(content.Name)
	if err != nil {
		return err
	}
	if secret == "" {
		m.log.Debug("requested secret not stored", "name", content.Name)
		return nil
	}
	if _, err := m.EnsureOlmSessions(ctx, []*DeviceIdentity{device}); err != nil {
		return err
	}
	answer := &event.SecretSendContent{
		RequestID: content.RequestID,
		Secret:    secret,
	}
	if err := m.sendEncryptedToDevice(ctx, device, event.ToDeviceSecretSend, answer); err != nil {
		return fmt.Errorf("send secret: %w", err)
	}
	m.log.Info("shared secret", "name", content.Name, "to_device", device.DeviceID)
	return nil
}

// PendingKeyRequests lists requests from unverified devices waiting for
// manual approval.
func (m *Machine) PendingKeyRequests() []*IncomingKeyRequest {
	var pending []*IncomingKeyRequest
	m.incomingRequests.Range(func(_ string, request *IncomingKeyRequest) bool {
		pending = append(pending, request)
		return true
	})
	return pending
}

// ApproveKeyRequest answers a queued request despite the requester being
// unverified.
func (m *Machine) ApproveKeyRequest(ctx context.Context, requestID string) error {
	request, ok := m.incomingRequests.LoadAndDelete(requestID)
	if !ok {
		return fmt.Errorf("no pending request %s", requestID)
	}
	device, err := m.store.GetDevice(request.Requester.UserID, request.Requester.DeviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	return m.answerRoomKeyRequest(ctx, device, request)
}

// RejectKeyRequest drops a queued request without answering it.
func (m *Machine) RejectKeyRequest(requestID string) {
	m.incomingRequests.Delete(requestID)
}
