// Package event defines the event and payload model the crypto engine
// consumes and produces: room events, to-device events, and the encrypted /
// key-distribution content types.
package event

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

type Type string

const (
	EventMessage   Type = "m.room.message"
	EventEncrypted Type = "m.room.encrypted"

	ToDeviceEncrypted      Type = "m.room.encrypted"
	ToDeviceRoomKey        Type = "m.room_key"
	ToDeviceForwardedKey   Type = "m.forwarded_room_key"
	ToDeviceRoomKeyRequest Type = "m.room_key_request"
	ToDeviceSecretRequest  Type = "m.secret.request"
	ToDeviceSecretSend     Type = "m.secret.send"
	ToDeviceDummy          Type = "m.dummy"
)

// Event is a room timeline event as delivered by sync.
type Event struct {
	ID        id.EventID      `json:"event_id"`
	RoomID    id.RoomID       `json:"room_id"`
	Sender    id.UserID       `json:"sender"`
	Type      Type            `json:"type"`
	Timestamp int64           `json:"origin_server_ts"`
	Content   json.RawMessage `json:"content"`
}

// ToDeviceEvent is a direct device-to-device event.
type ToDeviceEvent struct {
	Sender  id.UserID       `json:"sender"`
	Type    Type            `json:"type"`
	Content json.RawMessage `json:"content"`
}

// OlmCiphertext is one recipient's ciphertext inside an olm-encrypted event.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

const (
	OlmMsgTypePreKey = 0
	OlmMsgTypeNormal = 1
)

// OlmEncryptedContent is the content of an olm m.room.encrypted to-device
// event, with one ciphertext per recipient identity key.
type OlmEncryptedContent struct {
	Algorithm  id.Algorithm                    `json:"algorithm"`
	SenderKey  id.Curve25519                   `json:"sender_key"`
	Ciphertext map[id.Curve25519]OlmCiphertext `json:"ciphertext"`
}

// MegolmEncryptedContent is the content of a megolm m.room.encrypted room
// event.
type MegolmEncryptedContent struct {
	Algorithm  id.Algorithm  `json:"algorithm"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	DeviceID   id.DeviceID   `json:"device_id"`
	SessionID  id.SessionID  `json:"session_id"`
	Ciphertext string        `json:"ciphertext"`
}

// OlmPayload is the signed plaintext carried inside an olm message. The
// sender/recipient binding prevents ciphertexts from being replayed to a
// different device.
type OlmPayload struct {
	Type          Type            `json:"type"`
	Content       json.RawMessage `json:"content"`
	Sender        id.UserID       `json:"sender"`
	Recipient     id.UserID       `json:"recipient"`
	RecipientKeys OlmPayloadKeys  `json:"recipient_keys"`
	Keys          OlmPayloadKeys  `json:"keys"`
}

type OlmPayloadKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// RoomKeyContent shares a megolm session key with a device (sent encrypted
// over olm).
type RoomKeyContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
}

// ForwardedRoomKeyContent re-shares a megolm session key in response to a key
// request. The forwarding chain records every hop the key took.
type ForwardedRoomKeyContent struct {
	Algorithm          id.Algorithm  `json:"algorithm"`
	RoomID             id.RoomID     `json:"room_id"`
	SessionID          id.SessionID  `json:"session_id"`
	SessionKey         string        `json:"session_key"`
	SenderKey          id.Curve25519 `json:"sender_key"`
	SenderClaimedKey   id.Ed25519    `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain []string      `json:"forwarding_curve25519_key_chain"`
	FirstKnownIndex    uint32        `json:"first_known_index"`
}

type KeyRequestAction string

const (
	ActionRequest       KeyRequestAction = "request"
	ActionCancelRequest KeyRequestAction = "request_cancellation"
)

// RequestedKeyInfo identifies the megolm session a key request asks for.
type RequestedKeyInfo struct {
	Algorithm id.Algorithm  `json:"algorithm"`
	RoomID    id.RoomID     `json:"room_id"`
	SenderKey id.Curve25519 `json:"sender_key"`
	SessionID id.SessionID  `json:"session_id"`
}

// RoomKeyRequestContent is an m.room_key_request to-device payload. A
// cancellation carries the transaction id minted for the withdrawal.
type RoomKeyRequestContent struct {
	Action             KeyRequestAction  `json:"action"`
	Body               *RequestedKeyInfo `json:"body,omitempty"`
	RequestingDeviceID id.DeviceID       `json:"requesting_device_id"`
	RequestID          string            `json:"request_id"`
	CancellationTxnID  string            `json:"cancellation_txn_id,omitempty"`
}

// SecretRequestContent asks another of the user's devices for a named secret
// (for example a cross-signing private key).
type SecretRequestContent struct {
	Name               string           `json:"name,omitempty"`
	Action             KeyRequestAction `json:"action"`
	RequestingDeviceID id.DeviceID      `json:"requesting_device_id"`
	RequestID          string           `json:"request_id"`
	CancellationTxnID  string           `json:"cancellation_txn_id,omitempty"`
}

// SecretSendContent answers a secret request (sent encrypted over olm).
type SecretSendContent struct {
	RequestID string `json:"request_id"`
	Secret    string `json:"secret"`
}

// Secret names gossiped between a user's own devices.
const (
	SecretMasterKey      = "m.cross_signing.master"
	SecretSelfSigningKey = "m.cross_signing.self_signing"
	SecretUserSigningKey = "m.cross_signing.user_signing"
)

// DummyContent is an empty m.dummy payload, sent after unwedging to move a
// broken olm pair onto the replacement session.
type DummyContent struct{}
