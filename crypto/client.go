package crypto

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/event"
)

// Signatures maps signing user -> key id -> unpadded-base64 signature.
type Signatures map[id.UserID]map[id.KeyID]string

// DeviceKeys is the signed public key object a device publishes.
type DeviceKeys struct {
	UserID     id.UserID           `json:"user_id"`
	DeviceID   id.DeviceID         `json:"device_id"`
	Algorithms []id.Algorithm      `json:"algorithms"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
}

// CrossSigningPublicKey is one published cross-signing key with its
// signatures.
type CrossSigningPublicKey struct {
	UserID     id.UserID               `json:"user_id"`
	Usage      []id.CrossSigningUsage  `json:"usage"`
	Keys       map[id.KeyID]id.Ed25519 `json:"keys"`
	Signatures Signatures              `json:"signatures,omitempty"`
}

// FirstKey returns the single key the object carries.
func (k *CrossSigningPublicKey) FirstKey() id.Ed25519 {
	for _, key := range k.Keys {
		return key
	}
	return ""
}

// SignedOneTimeKey is a curve25519 one-time key signed by the owning device.
type SignedOneTimeKey struct {
	Key        id.Curve25519 `json:"key"`
	Signatures Signatures    `json:"signatures,omitempty"`
}

type KeyQueryRequest struct {
	DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
}

type KeyQueryResponse struct {
	Failures        map[string]any                           `json:"failures,omitempty"`
	DeviceKeys      map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]CrossSigningPublicKey      `json:"master_keys,omitempty"`
	SelfSigningKeys map[id.UserID]CrossSigningPublicKey      `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[id.UserID]CrossSigningPublicKey      `json:"user_signing_keys,omitempty"`
}

type KeyClaimRequest struct {
	Timeout     int64                                         `json:"timeout"`
	OneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm `json:"one_time_keys"`
}

type KeyClaimResponse struct {
	Failures    map[string]any                                              `json:"failures,omitempty"`
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]SignedOneTimeKey `json:"one_time_keys"`
}

type KeyUploadRequest struct {
	DeviceKeys  *DeviceKeys                   `json:"device_keys,omitempty"`
	OneTimeKeys map[id.KeyID]SignedOneTimeKey `json:"one_time_keys,omitempty"`
}

type KeyUploadResponse struct {
	OneTimeKeyCounts map[id.KeyAlgorithm]int `json:"one_time_key_counts"`
}

// SignatureUploadRequest maps user -> key/device id -> signed key object.
type SignatureUploadRequest map[id.UserID]map[string]json.RawMessage

type CrossSigningKeysUploadRequest struct {
	MasterKey      *CrossSigningPublicKey `json:"master_key"`
	SelfSigningKey *CrossSigningPublicKey `json:"self_signing_key"`
	UserSigningKey *CrossSigningPublicKey `json:"user_signing_key"`
}

// ToDeviceMessages maps recipient user -> device -> payload. The wildcard
// device id "*" addresses all of a user's devices.
type ToDeviceMessages map[id.UserID]map[id.DeviceID]json.RawMessage

// Client is the network collaborator. Retry and backoff policy belongs
// entirely to the implementation; the engine only sees final results.
type Client interface {
	QueryKeys(ctx context.Context, req *KeyQueryRequest) (*KeyQueryResponse, error)
	ClaimKeys(ctx context.Context, req *KeyClaimRequest) (*KeyClaimResponse, error)
	UploadKeys(ctx context.Context, req *KeyUploadRequest) (*KeyUploadResponse, error)
	SendToDevice(ctx context.Context, eventType event.Type, messages ToDeviceMessages) error
	UploadSignatures(ctx context.Context, req SignatureUploadRequest) error
	// UploadCrossSigningKeys returns *UIAError when the server challenges
	// the upload; the retry carries the caller-supplied auth payload.
	UploadCrossSigningKeys(ctx context.Context, req *CrossSigningKeysUploadRequest, auth json.RawMessage) error
}

// UIACallback supplies credentials for a user-interactive-auth challenge.
// The returned payload must echo the challenge's session id.
type UIACallback func(ctx context.Context, challenge *UIAError) (json.RawMessage, error)
