package crypto

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/ember-chat/ember/crypto/olm"
	"github.com/ember-chat/ember/event"
)

func TestAccountRoundTrip(t *testing.T) {
	store := NewMemoryStore()

	account, err := store.GetAccount()
	require.NoError(t, err)
	assert.Nil(t, account)

	account, err = olm.NewAccount()
	require.NoError(t, err)
	_, err = account.GenOneTimeKeys(5)
	require.NoError(t, err)
	require.NoError(t, store.PutAccount(account))

	loaded, err := store.GetAccount()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	signing, identity := loaded.IdentityKeys()
	wantSigning, wantIdentity := account.IdentityKeys()
	assert.Equal(t, wantSigning, signing)
	assert.Equal(t, wantIdentity, identity)
	assert.Len(t, loaded.OneTimeKeys, 5)
}

func TestLatestOlmSessionByUse(t *testing.T) {
	store := NewMemoryStore()
	senderKey := id.Curve25519("sender+key/with+slashes")

	older := &olm.Session{SessionID: "session-a"}
	newer := &olm.Session{SessionID: "session-b"}
	require.NoError(t, store.TouchOlmSession(senderKey, older, time.Now().Add(-time.Hour)))
	require.NoError(t, store.TouchOlmSession(senderKey, newer, time.Now()))

	sessions, err := store.GetOlmSessions(senderKey)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	latest, err := store.GetLatestOlmSession(senderKey)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, id.SessionID("session-b"), latest.SessionID)

	// Using the older session again makes it the latest.
	require.NoError(t, store.TouchOlmSession(senderKey, older, time.Now().Add(time.Minute)))
	latest, err = store.GetLatestOlmSession(senderKey)
	require.NoError(t, err)
	assert.Equal(t, id.SessionID("session-a"), latest.SessionID)

	// Sessions with other peers are invisible.
	none, err := store.GetLatestOlmSession("other+key")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMessageIndexBinding(t *testing.T) {
	store := NewMemoryStore()
	senderKey := id.Curve25519("sender")
	sessionID := id.SessionID("session")

	ok, err := store.ValidateMessageIndex(senderKey, sessionID, "$event1", 0, 1000)
	require.NoError(t, err)
	assert.True(t, ok)

	// The same event seen again matches its recorded binding.
	ok, err = store.ValidateMessageIndex(senderKey, sessionID, "$event1", 0, 1000)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different event or timestamp at the same index is a replay.
	ok, err = store.ValidateMessageIndex(senderKey, sessionID, "$event2", 0, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.ValidateMessageIndex(senderKey, sessionID, "$event1", 0, 2000)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other indexes and sessions are independent.
	ok, err = store.ValidateMessageIndex(senderKey, sessionID, "$event2", 1, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ValidateMessageIndex(senderKey, "other", "$event3", 0, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyRequestLookupAliases(t *testing.T) {
	store := NewMemoryStore()

	request := &OutgoingKeyRequest{
		RequestID: "req-1",
		State:     RequestStateSent,
		CreatedAt: time.Now().UTC(),
		RoomID:    "!room:test",
		SenderKey: "sender",
		SessionID: "session",
	}
	require.NoError(t, store.PutKeyRequest(request))

	found, err := store.GetKeyRequestForSession("!room:test", "session")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "req-1", found.RequestID)

	// The alias survives state changes, so a completed request stays findable
	// by session until a newer request replaces it.
	request.State = RequestStateCancelled
	require.NoError(t, store.PutKeyRequest(request))
	found, err = store.GetKeyRequestForSession("!room:test", "session")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, RequestStateCancelled, found.State)
	byID, err := store.GetKeyRequest("req-1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, RequestStateCancelled, byID.State)

	// A fresh request for the same session takes the alias over.
	replacement := &OutgoingKeyRequest{
		RequestID: "req-3",
		State:     RequestStateSent,
		CreatedAt: time.Now().UTC(),
		RoomID:    "!room:test",
		SenderKey: "sender",
		SessionID: "session",
	}
	require.NoError(t, store.PutKeyRequest(replacement))
	found, err = store.GetKeyRequestForSession("!room:test", "session")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "req-3", found.RequestID)

	secret := &OutgoingKeyRequest{
		RequestID:  "req-2",
		State:      RequestStateSent,
		CreatedAt:  time.Now().UTC(),
		SecretName: event.SecretMasterKey,
	}
	require.NoError(t, store.PutKeyRequest(secret))
	found, err = store.GetKeyRequestForSecret(event.SecretMasterKey)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "req-2", found.RequestID)

	secret.State = RequestStateSatisfied
	require.NoError(t, store.PutKeyRequest(secret))
	found, err = store.GetKeyRequestForSecret(event.SecretMasterKey)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, RequestStateSatisfied, found.State)
}

func TestCrossSigningFirstKeyPinning(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.PutCrossSigningKey("@alice:test", id.XSUsageMaster, "first-master"))
	keys, err := store.GetCrossSigningKeys("@alice:test")
	require.NoError(t, err)
	assert.Equal(t, id.Ed25519("first-master"), keys[id.XSUsageMaster].Key)
	assert.Equal(t, id.Ed25519("first-master"), keys[id.XSUsageMaster].First)

	// A replaced key keeps the original pin.
	require.NoError(t, store.PutCrossSigningKey("@alice:test", id.XSUsageMaster, "second-master"))
	keys, err = store.GetCrossSigningKeys("@alice:test")
	require.NoError(t, err)
	assert.Equal(t, id.Ed25519("second-master"), keys[id.XSUsageMaster].Key)
	assert.Equal(t, id.Ed25519("first-master"), keys[id.XSUsageMaster].First)
}

func TestSignatureEdges(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.PutSignature("@alice:test", "device-key", "@alice:test", "ssk", "sig1"))
	require.NoError(t, store.PutSignature("@alice:test", "ssk", "@alice:test", "master", "sig2"))

	ok, err := store.IsKeySignedBy("@alice:test", "device-key", "@alice:test", "ssk")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.IsKeySignedBy("@alice:test", "device-key", "@alice:test", "master")
	require.NoError(t, err)
	assert.False(t, ok)

	// Dropping a signer removes only its edges.
	dropped, err := store.DropSignaturesByKey("@alice:test", "ssk")
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	ok, err = store.IsKeySignedBy("@alice:test", "device-key", "@alice:test", "ssk")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.IsKeySignedBy("@alice:test", "ssk", "@alice:test", "master")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBadgerStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	pickleKey := []byte("correct horse battery staple")

	store, err := OpenBadgerStore(path, pickleKey)
	require.NoError(t, err)
	device := &DeviceIdentity{
		UserID:      "@alice:test",
		DeviceID:    "ALICEDEV",
		IdentityKey: "identity",
		SigningKey:  "signing",
		Trust:       id.TrustStateVerified,
	}
	require.NoError(t, store.PutDevice(device))
	require.NoError(t, store.PutSecret("name", "value"))
	require.NoError(t, store.Close())

	// Reopening with the right key sees the data.
	store, err = OpenBadgerStore(path, pickleKey)
	require.NoError(t, err)
	loaded, err := store.GetDevice("@alice:test", "ALICEDEV")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, device.IdentityKey, loaded.IdentityKey)
	assert.Equal(t, id.TrustStateVerified, loaded.Trust)
	secret, err := store.GetSecret("name")
	require.NoError(t, err)
	assert.Equal(t, "value", secret)
	require.NoError(t, store.Close())

	// The wrong pickle key cannot unseal anything.
	store, err = OpenBadgerStore(path, []byte("wrong key"))
	require.NoError(t, err)
	_, err = store.GetDevice("@alice:test", "ALICEDEV")
	assert.Error(t, err)
	require.NoError(t, store.Close())
}
