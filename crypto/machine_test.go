package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/event"
)

// testServer is an in-memory homeserver shared by the machines under test.
// To-device events are delivered synchronously to the recipient machines.
type testServer struct {
	t  *testing.T
	mu sync.Mutex

	machines     map[UserDevice]*Machine
	deviceKeys   map[id.UserID]map[id.DeviceID]*DeviceKeys
	oneTimeKeys  map[UserDevice][]oneTimeKeyEntry
	crossSigning map[id.UserID]*CrossSigningKeysUploadRequest
	requireUIA   bool

	sentCount  map[event.Type]int
	lastSent   map[event.Type]json.RawMessage
	otkUploads int
}

type oneTimeKeyEntry struct {
	keyID id.KeyID
	key   SignedOneTimeKey
}

func newTestServer(t *testing.T) *testServer {
	return &testServer{
		t:            t,
		machines:     make(map[UserDevice]*Machine),
		deviceKeys:   make(map[id.UserID]map[id.DeviceID]*DeviceKeys),
		oneTimeKeys:  make(map[UserDevice][]oneTimeKeyEntry),
		crossSigning: make(map[id.UserID]*CrossSigningKeysUploadRequest),
		sentCount:    make(map[event.Type]int),
		lastSent:     make(map[event.Type]json.RawMessage),
	}
}

func (s *testServer) addMachine(userID id.UserID, deviceID id.DeviceID, config *Config) *Machine {
	client := &testClient{server: s, userID: userID, deviceID: deviceID}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := NewMachine(client, NewMemoryStore(), logger, userID, deviceID, config)
	s.mu.Lock()
	s.machines[UserDevice{userID, deviceID}] = machine
	s.mu.Unlock()
	return machine
}

func (s *testServer) sends(eventType event.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentCount[eventType]
}

func (s *testServer) lastSend(eventType event.Type) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent[eventType]
}

func (s *testServer) poolSize(ud UserDevice) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.oneTimeKeys[ud])
}

type testClient struct {
	server   *testServer
	userID   id.UserID
	deviceID id.DeviceID
}

func (c *testClient) UploadKeys(_ context.Context, req *KeyUploadRequest) (*KeyUploadResponse, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.DeviceKeys != nil {
		if s.deviceKeys[c.userID] == nil {
			s.deviceKeys[c.userID] = make(map[id.DeviceID]*DeviceKeys)
		}
		copied := *req.DeviceKeys
		s.deviceKeys[c.userID][c.deviceID] = &copied
	}
	ud := UserDevice{c.userID, c.deviceID}
	for keyID, key := range req.OneTimeKeys {
		s.oneTimeKeys[ud] = append(s.oneTimeKeys[ud], oneTimeKeyEntry{keyID: keyID, key: key})
	}
	if len(req.OneTimeKeys) > 0 {
		s.otkUploads++
	}
	return &KeyUploadResponse{
		OneTimeKeyCounts: map[id.KeyAlgorithm]int{
			id.KeyAlgorithmSignedCurve25519: len(s.oneTimeKeys[ud]),
		},
	}, nil
}

func (c *testClient) QueryKeys(_ context.Context, req *KeyQueryRequest) (*KeyQueryResponse, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &KeyQueryResponse{
		DeviceKeys:      make(map[id.UserID]map[id.DeviceID]DeviceKeys),
		MasterKeys:      make(map[id.UserID]CrossSigningPublicKey),
		SelfSigningKeys: make(map[id.UserID]CrossSigningPublicKey),
		UserSigningKeys: make(map[id.UserID]CrossSigningPublicKey),
	}
	for userID := range req.DeviceKeys {
		resp.DeviceKeys[userID] = make(map[id.DeviceID]DeviceKeys)
		for deviceID, deviceKeys := range s.deviceKeys[userID] {
			resp.DeviceKeys[userID][deviceID] = *deviceKeys
		}
		if uploaded, ok := s.crossSigning[userID]; ok {
			resp.MasterKeys[userID] = *uploaded.MasterKey
			resp.SelfSigningKeys[userID] = *uploaded.SelfSigningKey
			resp.UserSigningKeys[userID] = *uploaded.UserSigningKey
		}
	}
	return resp, nil
}

func (c *testClient) ClaimKeys(_ context.Context, req *KeyClaimRequest) (*KeyClaimResponse, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &KeyClaimResponse{
		OneTimeKeys: make(map[id.UserID]map[id.DeviceID]map[id.KeyID]SignedOneTimeKey),
	}
	for userID, devices := range req.OneTimeKeys {
		for deviceID := range devices {
			ud := UserDevice{userID, deviceID}
			pool := s.oneTimeKeys[ud]
			if len(pool) == 0 {
				continue
			}
			entry := pool[0]
			s.oneTimeKeys[ud] = pool[1:]
			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[id.DeviceID]map[id.KeyID]SignedOneTimeKey)
			}
			resp.OneTimeKeys[userID][deviceID] = map[id.KeyID]SignedOneTimeKey{entry.keyID: entry.key}
		}
	}
	return resp, nil
}

func (c *testClient) SendToDevice(ctx context.Context, eventType event.Type, messages ToDeviceMessages) error {
	s := c.server
	s.mu.Lock()
	s.sentCount[eventType]++
	var targets []*Machine
	var payloads []json.RawMessage
	for userID, devices := range messages {
		for deviceID, raw := range devices {
			s.lastSent[eventType] = raw
			if deviceID == "*" {
				for ud, machine := range s.machines {
					if ud.UserID == userID && !(ud.UserID == c.userID && ud.DeviceID == c.deviceID) {
						targets = append(targets, machine)
						payloads = append(payloads, raw)
					}
				}
				continue
			}
			if machine, ok := s.machines[UserDevice{userID, deviceID}]; ok {
				targets = append(targets, machine)
				payloads = append(payloads, raw)
			}
		}
	}
	s.mu.Unlock()

	for i, machine := range targets {
		machine.HandleToDeviceEvent(ctx, &event.ToDeviceEvent{
			Sender:  c.userID,
			Type:    eventType,
			Content: payloads[i],
		})
	}
	return nil
}

func (c *testClient) UploadSignatures(_ context.Context, req SignatureUploadRequest) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, objects := range req {
		for _, raw := range objects {
			var deviceKeys DeviceKeys
			if err := json.Unmarshal(raw, &deviceKeys); err == nil && deviceKeys.DeviceID != "" {
				if stored, ok := s.deviceKeys[userID][deviceKeys.DeviceID]; ok {
					mergeSignatures(&stored.Signatures, deviceKeys.Signatures)
					continue
				}
			}
			var crossKey CrossSigningPublicKey
			if err := json.Unmarshal(raw, &crossKey); err == nil {
				if stored, ok := s.crossSigning[userID]; ok && stored.MasterKey.FirstKey() == crossKey.FirstKey() {
					mergeSignatures(&stored.MasterKey.Signatures, crossKey.Signatures)
				}
			}
		}
	}
	return nil
}

func (c *testClient) UploadCrossSigningKeys(_ context.Context, req *CrossSigningKeysUploadRequest, auth json.RawMessage) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requireUIA && auth == nil {
		return &UIAError{SessionID: "uia-test-session", Flows: []string{"m.login.password"}}
	}
	s.crossSigning[c.userID] = req
	return nil
}

func mergeSignatures(dst *Signatures, src Signatures) {
	if *dst == nil {
		*dst = make(Signatures)
	}
	for userID, sigs := range src {
		if (*dst)[userID] == nil {
			(*dst)[userID] = make(map[id.KeyID]string)
		}
		for keyID, sig := range sigs {
			(*dst)[userID][keyID] = sig
		}
	}
}

func loadMachine(t *testing.T, machine *Machine) {
	t.Helper()
	require.NoError(t, machine.Load(context.Background()))
}

// wipeOlmSessions simulates a device losing its ratchet state for one peer.
func wipeOlmSessions(t *testing.T, machine *Machine, senderKey id.Curve25519) {
	t.Helper()
	store := machine.store.(*MemoryStore)
	prefix := storeKey("olm", string(senderKey)) + sep
	var doomed []string
	require.NoError(t, store.backend.scan(prefix, func(key string, _ []byte) error {
		doomed = append(doomed, key)
		return nil
	}))
	require.NotEmpty(t, doomed)
	for _, key := range doomed {
		require.NoError(t, store.backend.delete(key))
	}
}

func TestLoadPublishesDeviceKeys(t *testing.T) {
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	loadMachine(t, alice)

	signingKey, identityKey := alice.OwnIdentity()
	stored := server.deviceKeys["@alice:test"]["ALICEDEV"]
	require.NotNil(t, stored)
	assert.Equal(t, signingKey.String(), stored.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, "ALICEDEV")])
	assert.Equal(t, string(identityKey), stored.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, "ALICEDEV")])
	assert.Equal(t, 50, server.poolSize(UserDevice{"@alice:test", "ALICEDEV"}))

	// Reloading does not publish again or mint a new identity.
	require.NoError(t, alice.Load(context.Background()))
	signingKey2, _ := alice.OwnIdentity()
	assert.Equal(t, signingKey, signingKey2)
}

func TestFetchDevicesVerifiesSignatures(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	bob := server.addMachine("@bob:test", "BOBDEV", nil)
	loadMachine(t, alice)
	loadMachine(t, bob)

	devices, err := bob.FetchDevices(ctx, "@alice:test")
	require.NoError(t, err)
	require.Contains(t, devices["@alice:test"], id.DeviceID("ALICEDEV"))
	aliceSigning, aliceIdentity := alice.OwnIdentity()
	assert.Equal(t, aliceSigning, devices["@alice:test"]["ALICEDEV"].SigningKey)
	assert.Equal(t, aliceIdentity, devices["@alice:test"]["ALICEDEV"].IdentityKey)

	// A forged signature makes the whole device object unusable.
	server.mu.Lock()
	forged := server.deviceKeys["@alice:test"]["ALICEDEV"]
	for userID, sigs := range forged.Signatures {
		for keyID := range sigs {
			forged.Signatures[userID][keyID] = strings.Repeat("A", 86)
		}
	}
	server.mu.Unlock()

	mallory := server.addMachine("@mallory:test", "MALLORYDEV", nil)
	loadMachine(t, mallory)
	devices, err = mallory.FetchDevices(ctx, "@alice:test")
	require.NoError(t, err)
	assert.NotContains(t, devices["@alice:test"], id.DeviceID("ALICEDEV"))
}

func TestDeviceKeyChangeIsFlagged(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	bob := server.addMachine("@bob:test", "BOBDEV", nil)
	loadMachine(t, alice)
	loadMachine(t, bob)

	_, err := bob.FetchDevices(ctx, "@alice:test")
	require.NoError(t, err)

	// Alice's device id reappears with brand new keys.
	server.mu.Lock()
	delete(server.deviceKeys, "@alice:test")
	server.mu.Unlock()
	reset := server.addMachine("@alice:test", "ALICEDEV", nil)
	loadMachine(t, reset)

	_, err = bob.FetchDevices(ctx, "@alice:test")
	require.NoError(t, err)
	stored, err := bob.store.GetDevice("@alice:test", "ALICEDEV")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.KeyChanged)
	assert.Equal(t, id.TrustStateUnset, stored.Trust)
}

func TestOlmChannelEstablishment(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	bob := server.addMachine("@bob:test", "BOBDEV", nil)
	loadMachine(t, alice)
	loadMachine(t, bob)

	devices, err := alice.FetchDevices(ctx, "@bob:test")
	require.NoError(t, err)
	bobDevice := devices["@bob:test"]["BOBDEV"]
	require.NotNil(t, bobDevice)

	failures, err := alice.EnsureOlmSessions(ctx, []*DeviceIdentity{bobDevice})
	require.NoError(t, err)
	assert.Empty(t, failures)

	// The claimed one-time key is spent.
	assert.Equal(t, 49, server.poolSize(UserDevice{"@bob:test", "BOBDEV"}))

	require.NoError(t, alice.sendEncryptedToDevice(ctx, bobDevice, event.ToDeviceDummy, &event.DummyContent{}))

	_, aliceIdentity := alice.OwnIdentity()
	bobSessions, err := bob.store.GetOlmSessions(aliceIdentity)
	require.NoError(t, err)
	require.Len(t, bobSessions, 1)

	// Already-established pairs claim nothing further.
	failures, err = alice.EnsureOlmSessions(ctx, []*DeviceIdentity{bobDevice})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, 49, server.poolSize(UserDevice{"@bob:test", "BOBDEV"}))
}

func TestUnwedgingRecoversBrokenSession(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	bob := server.addMachine("@bob:test", "BOBDEV", nil)
	loadMachine(t, alice)
	loadMachine(t, bob)

	devices, err := alice.FetchDevices(ctx, "@bob:test")
	require.NoError(t, err)
	bobDevice := devices["@bob:test"]["BOBDEV"]
	_, err = alice.EnsureOlmSessions(ctx, []*DeviceIdentity{bobDevice})
	require.NoError(t, err)
	require.NoError(t, alice.sendEncryptedToDevice(ctx, bobDevice, event.ToDeviceDummy, &event.DummyContent{}))

	aliceSigning, aliceIdentity := alice.OwnIdentity()
	_, bobIdentity := bob.OwnIdentity()

	// Bob loses his ratchet state for Alice. Her next message references an
	// already-consumed one-time key, so Bob cannot establish a session from
	// it either: the pair is wedged.
	wipeOlmSessions(t, bob, aliceIdentity)
	require.NoError(t, alice.sendEncryptedToDevice(ctx, bobDevice, event.ToDeviceDummy, &event.DummyContent{}))

	// Bob's failure triggered unwedging: he claimed a fresh key from Alice's
	// device, built a replacement session, and pinged her with a dummy event.
	bobSessions, err := bob.store.GetOlmSessions(aliceIdentity)
	require.NoError(t, err)
	require.Len(t, bobSessions, 1)

	aliceSessions, err := alice.store.GetOlmSessions(bobIdentity)
	require.NoError(t, err)
	require.Len(t, aliceSessions, 2)
	latest, err := alice.store.GetLatestOlmSession(bobIdentity)
	require.NoError(t, err)
	assert.Equal(t, bobSessions[0].ID(), latest.ID())

	// Traffic flows again over the replacement session in both directions.
	encrypted, err := alice.encryptOlmEvent(bobDevice, event.ToDeviceDummy, &event.DummyContent{})
	require.NoError(t, err)
	decrypted, err := bob.decryptOlmEvent(ctx, "@alice:test", encrypted)
	require.NoError(t, err)
	assert.Equal(t, event.ToDeviceDummy, decrypted.Type)
	assert.Equal(t, aliceSigning, decrypted.SenderClaimedKey)

	// A second failure inside the backoff window does not claim more keys.
	pool := server.poolSize(UserDevice{"@alice:test", "ALICEDEV"})
	wipeOlmSessions(t, bob, aliceIdentity)
	require.NoError(t, alice.sendEncryptedToDevice(ctx, bobDevice, event.ToDeviceDummy, &event.DummyContent{}))
	assert.Equal(t, pool, server.poolSize(UserDevice{"@alice:test", "ALICEDEV"}))
}

func TestMalformedOlmMessageDoesNotUnwedge(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	bob := server.addMachine("@bob:test", "BOBDEV", nil)
	loadMachine(t, alice)
	loadMachine(t, bob)

	devices, err := alice.FetchDevices(ctx, "@bob:test")
	require.NoError(t, err)
	bobDevice := devices["@bob:test"]["BOBDEV"]
	_, err = alice.EnsureOlmSessions(ctx, []*DeviceIdentity{bobDevice})
	require.NoError(t, err)
	require.NoError(t, alice.sendEncryptedToDevice(ctx, bobDevice, event.ToDeviceDummy, &event.DummyContent{}))

	_, aliceIdentity := alice.OwnIdentity()
	_, bobIdentity := bob.OwnIdentity()
	pool := server.poolSize(UserDevice{"@alice:test", "ALICEDEV"})
	encryptedBefore := server.sends(event.EventEncrypted)

	// Garbage ciphertext of either type is rejected outright without
	// replacing the session or claiming a fresh one-time key.
	for _, msgType := range []int{event.OlmMsgTypePreKey, event.OlmMsgTypeNormal} {
		_, err = bob.decryptOlmEvent(ctx, "@alice:test", &event.OlmEncryptedContent{
			Algorithm: id.AlgorithmOlmV1,
			SenderKey: aliceIdentity,
			Ciphertext: map[id.Curve25519]event.OlmCiphertext{
				bobIdentity: {Type: msgType, Body: "not base64 !!!"},
			},
		})
		require.Error(t, err)
		assert.Equal(t, CodeBadEncryptedMessage, DecryptionErrorCodeOf(err))
	}
	assert.Equal(t, pool, server.poolSize(UserDevice{"@alice:test", "ALICEDEV"}))
	sessions, err := bob.store.GetOlmSessions(aliceIdentity)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Equal(t, encryptedBefore, server.sends(event.EventEncrypted))
}

func TestOlmPayloadSenderBinding(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	bob := server.addMachine("@bob:test", "BOBDEV", nil)
	loadMachine(t, alice)
	loadMachine(t, bob)

	devices, err := alice.FetchDevices(ctx, "@bob:test")
	require.NoError(t, err)
	bobDevice := devices["@bob:test"]["BOBDEV"]
	_, err = alice.EnsureOlmSessions(ctx, []*DeviceIdentity{bobDevice})
	require.NoError(t, err)

	encrypted, err := alice.encryptOlmEvent(bobDevice, event.ToDeviceDummy, &event.DummyContent{})
	require.NoError(t, err)

	// The transport-level sender does not match the identity baked into the
	// plaintext, as with a relayed ciphertext.
	_, err = bob.decryptOlmEvent(ctx, "@mallory:test", encrypted)
	require.Error(t, err)
	assert.Equal(t, CodeMismatchedSender, DecryptionErrorCodeOf(err))
}

func roomEvent(eventID id.EventID, roomID id.RoomID, sender id.UserID, content *event.MegolmEncryptedContent) *event.Event {
	raw, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	return &event.Event{
		ID:        eventID,
		RoomID:    roomID,
		Sender:    sender,
		Type:      event.EventEncrypted,
		Timestamp: 1_700_000_000_000,
		Content:   raw,
	}
}

var eventCounter int

func nextEventID() id.EventID {
	eventCounter++
	return id.EventID(fmt.Sprintf("$event-%d", eventCounter))
}
