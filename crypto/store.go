package crypto

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/olm"
)

// Store is the persistence collaborator. Implementations must make each
// method an atomic read-modify-write with respect to the entity key; the
// engine serializes access per session/device on top of that.
type Store interface {
	PutAccount(account *olm.Account) error
	GetAccount() (*olm.Account, error)

	PutOlmSession(senderKey id.Curve25519, session *olm.Session) error
	GetOlmSessions(senderKey id.Curve25519) ([]*olm.Session, error)
	GetLatestOlmSession(senderKey id.Curve25519) (*olm.Session, error)

	PutDevice(device *DeviceIdentity) error
	GetDevice(userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error)
	GetDevices(userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error)

	PutInboundGroupSession(session *InboundGroupSession) error
	GetInboundGroupSession(roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSession, error)

	PutOutboundGroupSession(session *OutboundGroupSession) error
	GetOutboundGroupSession(roomID id.RoomID) (*OutboundGroupSession, error)
	RemoveOutboundGroupSession(roomID id.RoomID) error

	// ValidateMessageIndex records the (event id, timestamp) binding of a
	// megolm message index on first sight and reports whether a later sight
	// matches the recorded binding. A mismatch signals a replay.
	ValidateMessageIndex(senderKey id.Curve25519, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error)

	PutKeyRequest(request *OutgoingKeyRequest) error
	GetKeyRequest(requestID string) (*OutgoingKeyRequest, error)
	GetKeyRequestForSession(roomID id.RoomID, sessionID id.SessionID) (*OutgoingKeyRequest, error)
	GetKeyRequestForSecret(name string) (*OutgoingKeyRequest, error)

	PutCrossSigningKey(userID id.UserID, usage id.CrossSigningUsage, key id.Ed25519) error
	GetCrossSigningKeys(userID id.UserID) (map[id.CrossSigningUsage]id.CrossSigningKey, error)
	PutSignature(signedUser id.UserID, signedKey id.Ed25519, signerUser id.UserID, signerKey id.Ed25519, signature string) error
	IsKeySignedBy(signedUser id.UserID, signedKey id.Ed25519, signerUser id.UserID, signerKey id.Ed25519) (bool, error)
	DropSignaturesByKey(userID id.UserID, key id.Ed25519) (int, error)

	PutSecret(name string, value string) error
	GetSecret(name string) (string, error)
}

// sep separates composite key parts. Not part of the base64 alphabet, so keys
// embedding base64 key material stay unambiguous.
const sep = "|"

func storeKey(parts ...string) string {
	return strings.Join(parts, sep)
}

// kvBackend is the minimal ordered key-value surface both store
// implementations provide.
type kvBackend interface {
	get(key string) ([]byte, bool, error)
	set(key string, value []byte) error
	delete(key string) error
	scan(prefix string, fn func(key string, value []byte) error) error
}

// kvStore implements Store on top of any kvBackend.
type kvStore struct {
	backend kvBackend
	mu      sync.Mutex
}

func (s *kvStore) putJSON(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.backend.set(key, raw)
}

func (s *kvStore) getJSON(key string, out any) (bool, error) {
	raw, ok, err := s.backend.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *kvStore) PutAccount(account *olm.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON("acct", account)
}

func (s *kvStore) GetAccount() (*olm.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var account olm.Account
	ok, err := s.getJSON("acct", &account)
	if err != nil || !ok {
		return nil, err
	}
	return &account, nil
}

func (s *kvStore) PutOlmSession(senderKey id.Curve25519, session *olm.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON(storeKey("olm", string(senderKey), string(session.ID())), session)
}

func (s *kvStore) GetOlmSessions(senderKey id.Curve25519) ([]*olm.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []*olm.Session
	prefix := storeKey("olm", string(senderKey)) + sep
	err := s.backend.scan(prefix, func(_ string, value []byte) error {
		var session olm.Session
		if err := json.Unmarshal(value, &session); err != nil {
			return err
		}
		sessions = append(sessions, &session)
		return nil
	})
	return sessions, err
}

func (s *kvStore) GetLatestOlmSession(senderKey id.Curve25519) (*olm.Session, error) {
	sessions, err := s.GetOlmSessions(senderKey)
	if err != nil {
		return nil, err
	}
	var latest *olm.Session
	for _, session := range sessions {
		if latest == nil || session.LastUsed.After(latest.LastUsed) {
			latest = session
		}
	}
	return latest, nil
}

func (s *kvStore) PutDevice(device *DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON(storeKey("dev", string(device.UserID), string(device.DeviceID)), device)
}

func (s *kvStore) GetDevice(userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var device DeviceIdentity
	ok, err := s.getJSON(storeKey("dev", string(userID), string(deviceID)), &device)
	if err != nil || !ok {
		return nil, err
	}
	return &device, nil
}

func (s *kvStore) GetDevices(userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := make(map[id.DeviceID]*DeviceIdentity)
	prefix := storeKey("dev", string(userID)) + sep
	err := s.backend.scan(prefix, func(_ string, value []byte) error {
		var device DeviceIdentity
		if err := json.Unmarshal(value, &device); err != nil {
			return err
		}
		devices[device.DeviceID] = &device
		return nil
	})
	return devices, err
}

func (s *kvStore) PutInboundGroupSession(session *InboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey("igs", string(session.RoomID), string(session.SenderKey), string(session.ID()))
	return s.putJSON(key, session)
}

func (s *kvStore) GetInboundGroupSession(roomID id.RoomID, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var session InboundGroupSession
	ok, err := s.getJSON(storeKey("igs", string(roomID), string(senderKey), string(sessionID)), &session)
	if err != nil || !ok {
		return nil, err
	}
	return &session, nil
}

func (s *kvStore) PutOutboundGroupSession(session *OutboundGroupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJSON(storeKey("ogs", string(session.RoomID)), session)
}

func (s *kvStore) GetOutboundGroupSession(roomID id.RoomID) (*OutboundGroupSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var session OutboundGroupSession
	ok, err := s.getJSON(storeKey("ogs", string(roomID)), &session)
	if err != nil || !ok {
		return nil, err
	}
	return &session, nil
}

func (s *kvStore) RemoveOutboundGroupSession(roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.delete(storeKey("ogs", string(roomID)))
}

type messageIndexEntry struct {
	EventID   id.EventID `json:"event_id"`
	Timestamp int64      `json:"timestamp"`
}

func (s *kvStore) ValidateMessageIndex(senderKey id.Curve25519, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey("idx", string(senderKey), string(sessionID), fmt.Sprintf("%08d", index))
	var existing messageIndexEntry
	ok, err := s.getJSON(key, &existing)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, s.putJSON(key, &messageIndexEntry{EventID: eventID, Timestamp: timestamp})
	}
	return existing.EventID == eventID && existing.Timestamp == timestamp, nil
}

func (s *kvStore) PutKeyRequest(request *OutgoingKeyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putJSON(storeKey("req", request.RequestID), request); err != nil {
		return err
	}
	// The alias tracks the newest request for its session or secret across
	// state changes; dedupe reads State off the resolved request.
	if alias := requestAlias(request); alias != "" {
		return s.backend.set(alias, []byte(request.RequestID))
	}
	return nil
}

func requestAlias(request *OutgoingKeyRequest) string {
	if request.SecretName != "" {
		return storeKey("reqsecret", request.SecretName)
	}
	if request.SessionID != "" {
		return storeKey("reqsess", string(request.RoomID), string(request.SessionID))
	}
	return ""
}

func (s *kvStore) GetKeyRequest(requestID string) (*OutgoingKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getKeyRequestLocked(requestID)
}

func (s *kvStore) getKeyRequestLocked(requestID string) (*OutgoingKeyRequest, error) {
	var request OutgoingKeyRequest
	ok, err := s.getJSON(storeKey("req", requestID), &request)
	if err != nil || !ok {
		return nil, err
	}
	return &request, nil
}

func (s *kvStore) GetKeyRequestForSession(roomID id.RoomID, sessionID id.SessionID) (*OutgoingKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.backend.get(storeKey("reqsess", string(roomID), string(sessionID)))
	if err != nil || !ok {
		return nil, err
	}
	return s.getKeyRequestLocked(string(raw))
}

func (s *kvStore) GetKeyRequestForSecret(name string) (*OutgoingKeyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok, err := s.backend.get(storeKey("reqsecret", name))
	if err != nil || !ok {
		return nil, err
	}
	return s.getKeyRequestLocked(string(raw))
}

type storedCrossSigningKey struct {
	Key   id.Ed25519 `json:"key"`
	First id.Ed25519 `json:"first"`
}

func (s *kvStore) PutCrossSigningKey(userID id.UserID, usage id.CrossSigningUsage, key id.Ed25519) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	storeK := storeKey("xs", string(userID), string(usage))
	var existing storedCrossSigningKey
	ok, err := s.getJSON(storeK, &existing)
	if err != nil {
		return err
	}
	stored := storedCrossSigningKey{Key: key, First: key}
	if ok {
		// Pin the first key ever seen for this usage (trust on first use).
		stored.First = existing.First
	}
	return s.putJSON(storeK, &stored)
}

func (s *kvStore) GetCrossSigningKeys(userID id.UserID) (map[id.CrossSigningUsage]id.CrossSigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make(map[id.CrossSigningUsage]id.CrossSigningKey)
	prefix := storeKey("xs", string(userID)) + sep
	err := s.backend.scan(prefix, func(key string, value []byte) error {
		var stored storedCrossSigningKey
		if err := json.Unmarshal(value, &stored); err != nil {
			return err
		}
		usage := id.CrossSigningUsage(key[strings.LastIndex(key, sep)+1:])
		keys[usage] = id.CrossSigningKey{Key: stored.Key, First: stored.First}
		return nil
	})
	return keys, err
}

func (s *kvStore) PutSignature(signedUser id.UserID, signedKey id.Ed25519, signerUser id.UserID, signerKey id.Ed25519, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey("sig", string(signerUser), string(signerKey), string(signedUser), string(signedKey))
	return s.backend.set(key, []byte(signature))
}

func (s *kvStore) IsKeySignedBy(signedUser id.UserID, signedKey id.Ed25519, signerUser id.UserID, signerKey id.Ed25519) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.backend.get(storeKey("sig", string(signerUser), string(signerKey), string(signedUser), string(signedKey)))
	return ok, err
}

func (s *kvStore) DropSignaturesByKey(userID id.UserID, key id.Ed25519) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := storeKey("sig", string(userID), string(key)) + sep
	var doomed []string
	err := s.backend.scan(prefix, func(k string, _ []byte) error {
		doomed = append(doomed, k)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range doomed {
		if err := s.backend.delete(k); err != nil {
			return 0, err
		}
	}
	return len(doomed), nil
}

func (s *kvStore) PutSecret(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.set(storeKey("secret", name), []byte(value))
}

func (s *kvStore) GetSecret(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _, err := s.backend.get(storeKey("secret", name))
	return string(raw), err
}

// MemoryStore is an ordered in-memory Store, used in tests and for sessions
// that do not need durability.
type MemoryStore struct {
	kvStore
	backend memoryBackend
}

type memoryBackend struct {
	mu   sync.RWMutex
	tree btree.Map[string, []byte]
}

func NewMemoryStore() *MemoryStore {
	store := &MemoryStore{}
	store.kvStore.backend = &store.backend
	return store
}

func (b *memoryBackend) get(key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	value, ok := b.tree.Get(key)
	return value, ok, nil
}

func (b *memoryBackend) set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Set(key, value)
	return nil
}

func (b *memoryBackend) delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.Delete(key)
	return nil
}

func (b *memoryBackend) scan(prefix string, fn func(key string, value []byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var scanErr error
	b.tree.Ascend(prefix, func(key string, value []byte) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		if err := fn(key, value); err != nil {
			scanErr = err
			return false
		}
		return true
	})
	return scanErr
}

// touch helpers used by tests to age sessions deterministically.
func (s *kvStore) TouchOlmSession(senderKey id.Curve25519, session *olm.Session, at time.Time) error {
	session.LastUsed = at
	return s.PutOlmSession(senderKey, session)
}
