package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestCrossSigningUploadWithUIA(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	server.requireUIA = true
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	loadMachine(t, alice)

	var challenged string
	alice.UIAAuth = func(_ context.Context, challenge *UIAError) (json.RawMessage, error) {
		challenged = challenge.SessionID
		return json.RawMessage(fmt.Sprintf(`{"session":%q,"type":"m.login.password"}`, challenge.SessionID)), nil
	}

	require.NoError(t, alice.GenerateCrossSigningKeys(ctx))
	assert.Equal(t, "uia-test-session", challenged)

	server.mu.Lock()
	uploaded := server.crossSigning["@alice:test"]
	server.mu.Unlock()
	require.NotNil(t, uploaded)
	assert.NotEmpty(t, uploaded.MasterKey.FirstKey())
	assert.NotEmpty(t, uploaded.SelfSigningKey.Signatures["@alice:test"])
}

func TestCrossSigningUploadWithoutCallbackFails(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	server.requireUIA = true
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	loadMachine(t, alice)

	require.Error(t, alice.GenerateCrossSigningKeys(ctx))
}

func TestTrustChainResolution(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	bob := server.addMachine("@bob:test", "BOBDEV", nil)
	loadMachine(t, alice)
	loadMachine(t, bob)

	require.NoError(t, alice.GenerateCrossSigningKeys(ctx))

	_, err := bob.FetchDevices(ctx, "@alice:test")
	require.NoError(t, err)
	aliceDevice, err := bob.store.GetDevice("@alice:test", "ALICEDEV")
	require.NoError(t, err)
	require.NotNil(t, aliceDevice)

	// The full chain verifies but Bob has not vouched for Alice's master
	// key, so the result is trust-on-first-use.
	assert.Equal(t, id.TrustStateCrossSignedTOFU, bob.ResolveTrust(aliceDevice))
	assert.True(t, bob.IsDeviceTrusted(aliceDevice))

	// One missing link collapses the whole chain.
	aliceKeys, err := bob.store.GetCrossSigningKeys("@alice:test")
	require.NoError(t, err)
	selfSigning := aliceKeys[id.XSUsageSelfSigning]
	dropped, err := bob.store.DropSignaturesByKey("@alice:test", selfSigning.Key)
	require.NoError(t, err)
	require.Positive(t, dropped)
	assert.Equal(t, id.TrustStateUnset, bob.ResolveTrust(aliceDevice))
	assert.False(t, bob.IsDeviceTrusted(aliceDevice))

	// Re-querying restores the verified edges.
	_, err = bob.FetchDevices(ctx, "@alice:test")
	require.NoError(t, err)
	assert.Equal(t, id.TrustStateCrossSignedTOFU, bob.ResolveTrust(aliceDevice))

	// After Bob signs Alice's master key with his user-signing key the
	// device is fully verified.
	require.NoError(t, bob.GenerateCrossSigningKeys(ctx))
	require.NoError(t, bob.SignUser(ctx, "@alice:test"))
	assert.Equal(t, id.TrustStateCrossSignedVerified, bob.ResolveTrust(aliceDevice))

	// Manual decisions always win.
	require.NoError(t, bob.BlacklistDevice(aliceDevice))
	assert.Equal(t, id.TrustStateBlacklisted, bob.ResolveTrust(aliceDevice))
	assert.False(t, bob.IsDeviceTrusted(aliceDevice))
}

func TestMasterKeyRotationDropsToUntrusted(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	bob := server.addMachine("@bob:test", "BOBDEV", nil)
	loadMachine(t, alice)
	loadMachine(t, bob)

	require.NoError(t, alice.GenerateCrossSigningKeys(ctx))
	_, err := bob.FetchDevices(ctx, "@alice:test")
	require.NoError(t, err)
	aliceDevice, err := bob.store.GetDevice("@alice:test", "ALICEDEV")
	require.NoError(t, err)
	require.Equal(t, id.TrustStateCrossSignedTOFU, bob.ResolveTrust(aliceDevice))

	// Alice replaces her cross-signing identity. Bob pinned the first master
	// key, so the new one is flagged rather than silently adopted.
	require.NoError(t, alice.GenerateCrossSigningKeys(ctx))
	_, err = bob.FetchDevices(ctx, "@alice:test")
	require.NoError(t, err)
	assert.Equal(t, id.TrustStateCrossSignedUntrusted, bob.ResolveTrust(aliceDevice))
	assert.False(t, bob.IsDeviceTrusted(aliceDevice))
}

func TestSigningRequiresPrivateKeys(t *testing.T) {
	ctx := context.Background()
	server := newTestServer(t)
	alice := server.addMachine("@alice:test", "ALICEDEV", nil)
	loadMachine(t, alice)

	assert.ErrorIs(t, alice.SignOwnDevice(ctx, "ALICEDEV"), ErrNoCrossSigningKeys)
	assert.ErrorIs(t, alice.SignUser(ctx, "@bob:test"), ErrNoCrossSigningKeys)
}
