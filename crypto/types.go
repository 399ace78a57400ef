package crypto

import (
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/megolm"
)

// DeviceIdentity is one remote (or local) device's public key material and
// local trust flags. Devices are flagged deleted, never removed, and an
// identity key change is recorded rather than silently accepted.
type DeviceIdentity struct {
	UserID      id.UserID     `json:"user_id"`
	DeviceID    id.DeviceID   `json:"device_id"`
	IdentityKey id.Curve25519 `json:"identity_key"`
	SigningKey  id.Ed25519    `json:"signing_key"`
	Trust       id.TrustState `json:"trust"`
	Deleted     bool          `json:"deleted"`
	KeyChanged  bool          `json:"key_changed"`
	DisplayName string        `json:"display_name,omitempty"`
}

// UserDevice addresses one device of one user.
type UserDevice struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

func (ud UserDevice) String() string {
	return fmt.Sprintf("%s/%s", ud.UserID, ud.DeviceID)
}

// InboundGroupSession wraps the megolm receiver ratchet with the room and
// sender it is bound to plus the gossip provenance of the key.
type InboundGroupSession struct {
	Internal         *megolm.InboundSession `json:"internal"`
	RoomID           id.RoomID              `json:"room_id"`
	SenderKey        id.Curve25519          `json:"sender_key"`
	SenderClaimedKey id.Ed25519             `json:"sender_claimed_key"`
	ForwardingChains []string               `json:"forwarding_chains,omitempty"`
	ReceivedAt       time.Time              `json:"received_at"`
}

func (igs *InboundGroupSession) ID() id.SessionID {
	return igs.Internal.ID()
}

// OutboundGroupSession wraps the megolm sender ratchet with the rotation
// policy snapshot and the set of devices the key has been shared with. The
// shared set only grows: devices excluded at share time never receive this
// session, even if their trust improves later.
type OutboundGroupSession struct {
	Internal    *megolm.OutboundSession `json:"internal"`
	RoomID      id.RoomID               `json:"room_id"`
	MaxMessages uint32                  `json:"max_messages"`
	MaxAge      time.Duration           `json:"max_age"`
	Shared      bool                    `json:"shared"`
	SharedWith  map[string]bool         `json:"shared_with"`
	Excluded    map[string]bool         `json:"excluded"`
}

func (ogs *OutboundGroupSession) ID() id.SessionID {
	return ogs.Internal.ID()
}

// Expired reports whether the rotation policy requires a fresh session.
func (ogs *OutboundGroupSession) Expired() bool {
	return ogs.Internal.MessageCount() >= ogs.MaxMessages ||
		time.Since(ogs.Internal.CreationTime) >= ogs.MaxAge
}

func (ogs *OutboundGroupSession) markSharedWith(ud UserDevice) {
	if ogs.SharedWith == nil {
		ogs.SharedWith = make(map[string]bool)
	}
	ogs.SharedWith[ud.String()] = true
}

func (ogs *OutboundGroupSession) isSharedWith(ud UserDevice) bool {
	return ogs.SharedWith[ud.String()]
}

func (ogs *OutboundGroupSession) markExcluded(ud UserDevice) {
	if ogs.Excluded == nil {
		ogs.Excluded = make(map[string]bool)
	}
	ogs.Excluded[ud.String()] = true
}

func (ogs *OutboundGroupSession) isExcluded(ud UserDevice) bool {
	return ogs.Excluded[ud.String()]
}

// RequestState is the lifecycle of an outgoing key or secret request.
type RequestState string

const (
	RequestStateNone      RequestState = "none"
	RequestStateSent      RequestState = "sent"
	RequestStateCancelled RequestState = "cancelled"
	RequestStateSatisfied RequestState = "satisfied"
)

// OutgoingKeyRequest is the persisted state machine for one outgoing room-key
// or secret request.
type OutgoingKeyRequest struct {
	RequestID         string       `json:"request_id"`
	CancellationTxnID string       `json:"cancellation_txn_id"`
	State             RequestState `json:"state"`
	Recipients        []UserDevice `json:"recipients"`
	CreatedAt         time.Time    `json:"created_at"`

	// Room key request fields.
	RoomID    id.RoomID     `json:"room_id,omitempty"`
	SenderKey id.Curve25519 `json:"sender_key,omitempty"`
	SessionID id.SessionID  `json:"session_id,omitempty"`

	// Secret request field, set instead of the above.
	SecretName string `json:"secret_name,omitempty"`
}

// IncomingKeyRequest is a queued request from another device awaiting manual
// approval.
type IncomingKeyRequest struct {
	Requester  UserDevice    `json:"requester"`
	RequestID  string        `json:"request_id"`
	RoomID     id.RoomID     `json:"room_id,omitempty"`
	SenderKey  id.Curve25519 `json:"sender_key,omitempty"`
	SessionID  id.SessionID  `json:"session_id,omitempty"`
	SecretName string        `json:"secret_name,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
}

// DecryptedEvent is what the engine hands to the event sink after a
// successful decryption.
type DecryptedEvent struct {
	EventID   id.EventID
	RoomID    id.RoomID
	Sender    id.UserID
	SenderKey id.Curve25519
	Type      string
	SessionID id.SessionID
	Index     uint32
	Content   []byte
	// Late is set when the event previously failed and was decrypted after
	// the key arrived.
	Late bool
}
