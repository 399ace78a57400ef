// Package crypto implements end-to-end encryption for ember: pairwise olm
// channels for key transport, megolm group sessions for room messages, key
// gossiping, cross-signing trust and one-time-key maintenance. The engine is
// transport-agnostic; the homeserver is reached only through the Client
// interface and state only through the Store interface.
package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/olm"
	"github.com/ember-chat/ember/event"
)

// Machine is the engine facade. One Machine serves one device; all methods
// are safe for concurrent use.
type Machine struct {
	client Client
	store  Store
	log    *slog.Logger
	config *Config

	UserID   id.UserID
	DeviceID id.DeviceID

	accountLock sync.Mutex
	account     *olm.Account

	// Per-peer and per-room locks serialize ratchet advancement so no two
	// goroutines race the same session state.
	olmLocks    *xsync.Map[id.Curve25519, *sync.Mutex]
	megolmLocks *xsync.Map[id.RoomID, *sync.Mutex]
	lastUnwedge *xsync.Map[id.Curve25519, time.Time]

	keyQueryGroup singleflight.Group

	// failedEvents remembers events that could not be decrypted, keyed by the
	// session they need, so they can be retried when the key arrives.
	failedEvents   *xsync.Map[id.SessionID, []*event.Event]
	notifiedLate   *lru.Cache[id.EventID, struct{}]
	recentFailures *lru.Cache[id.EventID, DecryptionErrorCode]

	incomingRequests *xsync.Map[string, *IncomingKeyRequest]

	otkLock       sync.Mutex
	lastOTKUpload time.Time

	crossSigningLock sync.Mutex
	crossSigningKeys *crossSigningPrivateKeys

	// OnDecrypted receives every successfully decrypted room event, including
	// late decryptions after a key arrives.
	OnDecrypted func(*DecryptedEvent)
	// UIAAuth supplies credentials when cross-signing key upload is
	// challenged with user-interactive auth.
	UIAAuth UIACallback
}

// NewMachine wires the engine together. Call Load before anything else.
func NewMachine(client Client, store Store, logger *slog.Logger, userID id.UserID, deviceID id.DeviceID, config *Config) *Machine {
	if config == nil {
		config = DefaultConfig()
	} else {
		config.ApplyDefaults()
	}
	notified, _ := lru.New[id.EventID, struct{}](config.FailureCacheSize)
	failures, _ := lru.New[id.EventID, DecryptionErrorCode](config.FailureCacheSize)
	return &Machine{
		client:   client,
		store:    store,
		log:      logger.With("component", "crypto"),
		config:   config,
		UserID:   userID,
		DeviceID: deviceID,

		olmLocks:    xsync.NewMap[id.Curve25519, *sync.Mutex](),
		megolmLocks: xsync.NewMap[id.RoomID, *sync.Mutex](),
		lastUnwedge: xsync.NewMap[id.Curve25519, time.Time](),

		failedEvents:     xsync.NewMap[id.SessionID, []*event.Event](),
		notifiedLate:     notified,
		recentFailures:   failures,
		incomingRequests: xsync.NewMap[string, *IncomingKeyRequest](),
	}
}

// Load restores the device account from the store, creating and publishing a
// fresh one on first run, and tops up the one-time key pool.
func (m *Machine) Load(ctx context.Context) error {
	m.accountLock.Lock()
	account, err := m.store.GetAccount()
	if err != nil {
		m.accountLock.Unlock()
		return fmt.Errorf("load account: %w", err)
	}
	created := account == nil
	if created {
		account, err = olm.NewAccount()
		if err != nil {
			m.accountLock.Unlock()
			return fmt.Errorf("create account: %w", err)
		}
		if err := m.store.PutAccount(account); err != nil {
			m.accountLock.Unlock()
			return fmt.Errorf("persist account: %w", err)
		}
	}
	m.account = account
	m.accountLock.Unlock()

	if err := m.loadCrossSigningPrivateKeys(); err != nil {
		return err
	}

	signingKey, identityKey := account.IdentityKeys()
	if err := m.storeOwnDevice(signingKey, identityKey); err != nil {
		return err
	}
	if created {
		m.log.Info("created device account",
			"identity_key", identityKey,
			"fingerprint_key", signingKey)
		if err := m.publishDeviceKeys(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) storeOwnDevice(signingKey id.Ed25519, identityKey id.Curve25519) error {
	return m.store.PutDevice(&DeviceIdentity{
		UserID:      m.UserID,
		DeviceID:    m.DeviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Trust:       id.TrustStateVerified,
	})
}

// OwnIdentity returns the local device's public keys.
func (m *Machine) OwnIdentity() (ed id.Ed25519, curve id.Curve25519) {
	m.accountLock.Lock()
	defer m.accountLock.Unlock()
	return m.account.IdentityKeys()
}

// publishDeviceKeys signs and uploads the device key object together with an
// initial batch of one-time keys.
func (m *Machine) publishDeviceKeys(ctx context.Context) error {
	m.accountLock.Lock()
	deviceKeys, err := m.signedDeviceKeys()
	if err != nil {
		m.accountLock.Unlock()
		return err
	}
	oneTimeKeys, err := m.signedOneTimeKeys(m.account.MaxOneTimeKeys() / 2)
	if err != nil {
		m.accountLock.Unlock()
		return err
	}
	if err := m.store.PutAccount(m.account); err != nil {
		m.accountLock.Unlock()
		return fmt.Errorf("persist account: %w", err)
	}
	m.accountLock.Unlock()

	resp, err := m.client.UploadKeys(ctx, &KeyUploadRequest{
		DeviceKeys:  deviceKeys,
		OneTimeKeys: oneTimeKeys,
	})
	if err != nil {
		return fmt.Errorf("upload device keys: %w", err)
	}
	m.markKeysPublished()
	m.log.Info("published device keys",
		"one_time_keys", len(oneTimeKeys),
		"server_count", resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519])
	return nil
}

func (m *Machine) markKeysPublished() {
	m.accountLock.Lock()
	defer m.accountLock.Unlock()
	m.account.MarkKeysAsPublished()
	if err := m.store.PutAccount(m.account); err != nil {
		m.log.Error("failed to persist account after publishing keys", "error", err)
	}
}

// HandleToDeviceEvent routes one to-device event into the engine. Unknown
// event types are ignored.
func (m *Machine) HandleToDeviceEvent(ctx context.Context, evt *event.ToDeviceEvent) {
	var err error
	switch evt.Type {
	case event.EventEncrypted:
		err = m.handleEncryptedToDevice(ctx, evt)
	case event.ToDeviceRoomKeyRequest:
		err = m.handleRoomKeyRequest(ctx, evt)
	case event.ToDeviceSecretRequest:
		err = m.handleSecretRequest(ctx, evt)
	default:
		return
	}
	if err != nil {
		m.log.Warn("failed to handle to-device event",
			"type", evt.Type,
			"sender", evt.Sender,
			"error", err)
	}
}

// handleEncryptedToDevice decrypts an olm-encrypted to-device event and
// dispatches its inner payload. Key material is only ever accepted from
// inside the encrypted channel, so sender identity is cryptographically
// bound before any key is stored.
func (m *Machine) handleEncryptedToDevice(ctx context.Context, evt *event.ToDeviceEvent) error {
	var content event.OlmEncryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("parse encrypted content: %w", err)
	}
	decrypted, err := m.decryptOlmEvent(ctx, evt.Sender, &content)
	if err != nil {
		return err
	}
	switch decrypted.Type {
	case event.ToDeviceRoomKey:
		return m.handleRoomKey(ctx, decrypted)
	case event.ToDeviceForwardedKey:
		return m.handleForwardedRoomKey(ctx, decrypted)
	case event.ToDeviceSecretSend:
		return m.handleSecretSend(ctx, decrypted)
	case event.ToDeviceDummy:
		m.log.Debug("received dummy event", "sender", decrypted.Sender, "sender_key", decrypted.SenderKey)
		return nil
	default:
		m.log.Debug("ignoring encrypted event of unhandled type",
			"type", decrypted.Type,
			"sender", decrypted.Sender)
		return nil
	}
}

// HandleMemberChange invalidates the room's outbound group session when a
// member leaves or is banned, so the next message starts a session the
// departed member never receives.
func (m *Machine) HandleMemberChange(ctx context.Context, roomID id.RoomID, userID id.UserID, membership string) {
	if membership != "leave" && membership != "ban" {
		return
	}
	lock := m.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	if err := m.store.RemoveOutboundGroupSession(roomID); err != nil {
		m.log.Error("failed to invalidate outbound session after member change",
			"room_id", roomID,
			"user_id", userID,
			"error", err)
		return
	}
	m.log.Debug("invalidated outbound session after member change",
		"room_id", roomID,
		"user_id", userID,
		"membership", membership)
}

// InvalidateOutboundSession discards the room's current outbound group
// session so the next encrypt creates and shares a fresh one.
func (m *Machine) InvalidateOutboundSession(roomID id.RoomID) error {
	lock := m.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.RemoveOutboundGroupSession(roomID)
}

func (m *Machine) olmLock(senderKey id.Curve25519) *sync.Mutex {
	lock, _ := m.olmLocks.LoadOrStore(senderKey, &sync.Mutex{})
	return lock
}

func (m *Machine) roomLock(roomID id.RoomID) *sync.Mutex {
	lock, _ := m.megolmLocks.LoadOrStore(roomID, &sync.Mutex{})
	return lock
}

func (m *Machine) notifyDecrypted(decrypted *DecryptedEvent) {
	if m.OnDecrypted != nil {
		m.OnDecrypted(decrypted)
	}
}
